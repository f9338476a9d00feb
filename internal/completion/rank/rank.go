// Package rank scores raw candidates against the request context and
// selects the final suggestion list. Scoring is a weighted composite of
// independent signals so individual weights can be tuned without
// touching the generators.
package rank

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/tern-sh/tern/internal/completion/ctxbuild"
	"github.com/tern-sh/tern/internal/completion/generate"
)

// Weights tunes the composite score. Each component is in [0, 1] before
// weighting; Danger is a subtractive penalty.
type Weights struct {
	Frequency   float64
	Recency     float64
	Prefix      float64
	Chain       float64
	TimeOfDay   float64
	Environment float64
	Danger      float64
}

// DefaultWeights returns the tuned default weights.
func DefaultWeights() Weights {
	return Weights{
		Frequency:   0.4,
		Recency:     0.3,
		Prefix:      0.2,
		Chain:       0.1,
		TimeOfDay:   0.05,
		Environment: 0.1,
		Danger:      0.5,
	}
}

// Suggestion is one ranked completion, ready to present. Text is the
// full command; Tail is the remainder to append after what the user
// already typed.
type Suggestion struct {
	Text   string
	Tail   string
	Score  float64
	Source generate.Source
	Reason string
}

// frequency saturation constant: 5 executions score 0.5.
const frequencyPivot = 5.0

// recencyHalfLife halves the recency component per day since last use.
const recencyHalfLife = 24 * time.Hour

// dangerPrefixes mark destructive commands that are penalized, never
// filtered: the user may genuinely want them, just not by accident.
var dangerPrefixes = []string{
	"rm -rf", "rm -fr", "dd ", "mkfs", "shutdown", "reboot", "halt",
	"chmod -R 777", "truncate ", ":(){",
}

// Ranker scores and orders candidates.
type Ranker struct {
	weights Weights
}

// NewRanker creates a ranker with the given weights.
func NewRanker(w Weights) *Ranker {
	zero := Weights{}
	if w == zero {
		w = DefaultWeights()
	}
	return &Ranker{weights: w}
}

// Rank scores candidates against the context, deduplicates by text
// keeping the highest score, and returns the top limit suggestions in
// descending score order.
func (r *Ranker) Rank(cands []generate.Candidate, cc *ctxbuild.Context, limit int) []Suggestion {
	if limit <= 0 || len(cands) == 0 {
		return nil
	}

	best := make(map[string]Suggestion, len(cands))
	for _, c := range cands {
		if c.Text == "" || c.Text == cc.Input {
			continue
		}
		s := Suggestion{
			Text:   c.Text,
			Tail:   tailOf(cc.Input, c.Text),
			Score:  r.score(c, cc),
			Source: c.Source,
			Reason: c.Reason,
		}
		if prev, ok := best[c.Text]; !ok || s.Score > prev.Score {
			best[c.Text] = s
		}
	}

	out := make([]Suggestion, 0, len(best))
	for _, s := range best {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Text < out[j].Text
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// tailOf is what acceptance appends after the typed input. Suggestions
// that do not extend the input verbatim replace it whole.
func tailOf(input, text string) string {
	if input == "" {
		return text
	}
	if len(text) > len(input) && strings.EqualFold(text[:len(input)], input) {
		return text[len(input):]
	}
	return text
}

// score computes the weighted composite for one candidate.
func (r *Ranker) score(c generate.Candidate, cc *ctxbuild.Context) float64 {
	w := r.weights

	base := w.Frequency*frequencyScore(c.Frequency) +
		w.Recency*recencyScore(c.LastUsed, cc.Now) +
		w.Prefix*prefixScore(cc.Input, c.Text) +
		w.Chain*chainScore(c.Text, cc) +
		w.TimeOfDay*timeScore(c.Text, cc) +
		w.Environment*environmentScore(c.Text, cc)

	// A generator's confidence scales its evidence rather than gating
	// it, so a low-confidence candidate with strong signals survives.
	score := base * (0.5 + 0.5*clamp01(c.Confidence))

	if isDangerous(c.Text) {
		score -= w.Danger
	}
	return score
}

// frequencyScore saturates toward 1 as executions accumulate.
func frequencyScore(freq int) float64 {
	if freq <= 0 {
		return 0
	}
	return float64(freq) / (float64(freq) + frequencyPivot)
}

// recencyScore decays exponentially with age.
func recencyScore(lastUsedMs int64, now time.Time) float64 {
	if lastUsedMs <= 0 {
		return 0
	}
	age := now.Sub(time.UnixMilli(lastUsedMs))
	if age <= 0 {
		return 1
	}
	return math.Pow(0.5, float64(age)/float64(recencyHalfLife))
}

// prefixScore rewards how directly the suggestion extends the input:
// exact prefix beats case-insensitive beats substring.
func prefixScore(input, text string) float64 {
	input = strings.TrimLeft(input, " \t")
	if input == "" {
		return 0.5
	}
	switch {
	case strings.HasPrefix(text, input):
		return 1.0
	case strings.HasPrefix(strings.ToLower(text), strings.ToLower(input)):
		return 0.8
	case strings.Contains(strings.ToLower(text), strings.ToLower(input)):
		return 0.4
	default:
		return 0
	}
}

// chainScore is P(text follows the last executed command).
func chainScore(text string, cc *ctxbuild.Context) float64 {
	if cc.User == nil || cc.LastCommand == "" {
		return 0
	}
	return cc.User.ChainProbability(cc.LastCommand, text)
}

// timeScore is the suggestion's share of this hour's executions.
func timeScore(text string, cc *ctxbuild.Context) float64 {
	if cc.User == nil {
		return 0
	}
	return cc.User.TimeAffinity(cc.Now.Hour(), text)
}

// environmentScore folds directory affinity with small boosts when the
// suggestion references the probed environment: a version-control
// command inside a repository, a recently modified file, or a running
// process name.
func environmentScore(text string, cc *ctxbuild.Context) float64 {
	score := 0.0
	if cc.User != nil && cc.Env.Cwd != "" {
		score = cc.User.ContextAffinity(cc.Env.Cwd, text)
	}
	if !cc.Env.Available {
		return clamp01(score)
	}

	if cc.Env.VersionControlled && (strings.HasPrefix(text, "git ") || text == "git") {
		score += 0.3
	}
	for _, f := range cc.Env.RecentFiles {
		if f != "" && strings.Contains(text, f) {
			score += 0.2
			break
		}
	}
	for _, p := range cc.Env.Processes {
		if p != "" && strings.Contains(text, p) {
			score += 0.1
			break
		}
	}
	return clamp01(score)
}

func isDangerous(text string) bool {
	trimmed := strings.TrimSpace(text)
	sudoless := strings.TrimPrefix(trimmed, "sudo ")
	for _, p := range dangerPrefixes {
		if strings.HasPrefix(trimmed, p) || strings.HasPrefix(sudoless, p) {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
