package rank

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tern-sh/tern/internal/completion/ctxbuild"
	"github.com/tern-sh/tern/internal/completion/generate"
	"github.com/tern-sh/tern/internal/completion/patterns"
)

func cand(text string, freq int, lastUsed time.Time, conf float64) generate.Candidate {
	return generate.Candidate{
		Text:       text,
		Source:     generate.SourceHistory,
		Frequency:  freq,
		LastUsed:   lastUsed.UnixMilli(),
		Confidence: conf,
	}
}

func baseContext(input string) *ctxbuild.Context {
	return &ctxbuild.Context{Input: input, Now: time.Now()}
}

func TestRank_FrequencyDominates(t *testing.T) {
	t.Parallel()

	r := NewRanker(DefaultWeights())
	now := time.Now()
	cc := baseContext("git")

	got := r.Rank([]generate.Candidate{
		cand("git push", 1, now, 1),
		cand("git status", 20, now, 1),
	}, cc, 5)

	require.Len(t, got, 2)
	assert.Equal(t, "git status", got[0].Text)
	assert.Greater(t, got[0].Score, got[1].Score)
}

func TestRank_RecencyDecay(t *testing.T) {
	t.Parallel()

	r := NewRanker(DefaultWeights())
	now := time.Now()
	cc := baseContext("git")

	got := r.Rank([]generate.Candidate{
		cand("git pull", 3, now.Add(-10*24*time.Hour), 1),
		cand("git push", 3, now, 1),
	}, cc, 5)

	require.Len(t, got, 2)
	assert.Equal(t, "git push", got[0].Text)
}

func TestRank_TailExtendsInput(t *testing.T) {
	t.Parallel()

	r := NewRanker(DefaultWeights())
	now := time.Now()

	got := r.Rank([]generate.Candidate{cand("git status", 3, now, 1)}, baseContext("git st"), 5)
	require.Len(t, got, 1)
	assert.Equal(t, "git status", got[0].Text)
	assert.Equal(t, "atus", got[0].Tail)

	// Case-insensitive extension still yields the remainder.
	got = r.Rank([]generate.Candidate{cand("Makefile check", 3, now, 1)}, baseContext("make"), 5)
	require.Len(t, got, 1)
	assert.Equal(t, "file check", got[0].Tail)

	// A suggestion that does not extend the input replaces it whole.
	got = r.Rank([]generate.Candidate{cand("git status", 3, now, 1)}, baseContext("gti st"), 5)
	require.Len(t, got, 1)
	assert.Equal(t, "git status", got[0].Tail)

	// Empty input: the whole command is the tail.
	got = r.Rank([]generate.Candidate{cand("git status", 3, now, 1)}, baseContext(""), 5)
	require.Len(t, got, 1)
	assert.Equal(t, "git status", got[0].Tail)
}

func TestRank_PrefixQuality(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1.0, prefixScore("git", "git status"))
	assert.Equal(t, 0.8, prefixScore("GIT", "git status"))
	assert.Equal(t, 0.4, prefixScore("status", "git status"))
	assert.Equal(t, 0.0, prefixScore("docker", "git status"))
	assert.Equal(t, 0.5, prefixScore("", "git status"))
}

func TestRank_ChainBoost(t *testing.T) {
	t.Parallel()

	user := patterns.NewUserPatterns()
	now := time.Now()
	for i := 0; i < 5; i++ {
		user.Observe("git add .", "git commit", "/proj", now)
	}

	cc := baseContext("git c")
	cc.User = user
	cc.LastCommand = "git add ."

	r := NewRanker(DefaultWeights())
	got := r.Rank([]generate.Candidate{
		cand("git commit", 2, now, 1),
		cand("git checkout", 2, now, 1),
	}, cc, 5)

	require.Len(t, got, 2)
	assert.Equal(t, "git commit", got[0].Text)
}

func TestRank_EnvironmentAffinity(t *testing.T) {
	t.Parallel()

	cc := baseContext("")
	cc.Env = ctxbuild.EnvState{
		Cwd:               "/proj",
		Available:         true,
		VersionControlled: true,
		RecentFiles:       []string{"report.csv"},
		Processes:         []string{"nginx"},
	}

	assert.Greater(t, environmentScore("git status", cc), 0.0)
	assert.Greater(t, environmentScore("cat report.csv", cc), 0.0)
	assert.Greater(t, environmentScore("systemctl status nginx", cc), 0.0)
	assert.Equal(t, 0.0, environmentScore("make test", cc))
}

func TestRank_DangerPenalty(t *testing.T) {
	t.Parallel()

	r := NewRanker(DefaultWeights())
	now := time.Now()
	cc := baseContext("rm")

	got := r.Rank([]generate.Candidate{
		cand("rm -rf /tmp/build", 10, now, 1),
		cand("rm build.log", 10, now, 1),
	}, cc, 5)

	require.Len(t, got, 2)
	assert.Equal(t, "rm build.log", got[0].Text)

	t.Run("sudo does not hide the danger", func(t *testing.T) {
		assert.True(t, isDangerous("sudo rm -rf /"))
		assert.False(t, isDangerous("rm notes.txt"))
	})
}

func TestRank_DedupKeepsBestScore(t *testing.T) {
	t.Parallel()

	r := NewRanker(DefaultWeights())
	now := time.Now()
	cc := baseContext("git")

	weak := cand("git status", 1, now.Add(-30*24*time.Hour), 0.1)
	strong := cand("git status", 10, now, 1)

	got := r.Rank([]generate.Candidate{weak, strong}, cc, 5)
	require.Len(t, got, 1)
	assert.Equal(t, r.score(strong, cc), got[0].Score)
}

func TestRank_LimitAndExactInputExcluded(t *testing.T) {
	t.Parallel()

	r := NewRanker(DefaultWeights())
	now := time.Now()
	cc := baseContext("git s")

	cands := []generate.Candidate{
		cand("git s", 10, now, 1), // identical to input: dropped
		cand("git status", 5, now, 1),
		cand("git stash", 4, now, 1),
		cand("git show", 3, now, 1),
	}

	got := r.Rank(cands, cc, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "git status", got[0].Text)
	for _, s := range got {
		assert.NotEqual(t, "git s", s.Text)
	}
}

func TestRank_ScoresDescendAndUnique(t *testing.T) {
	t.Parallel()

	r := NewRanker(DefaultWeights())
	now := time.Now()
	cc := baseContext("g")

	var cands []generate.Candidate
	for i, text := range []string{"git status", "git push", "grep -r x", "go test", "git log"} {
		cands = append(cands, cand(text, i+1, now.Add(-time.Duration(i)*time.Hour), 0.9))
	}

	got := r.Rank(cands, cc, 10)
	seen := map[string]bool{}
	for i, s := range got {
		assert.False(t, seen[s.Text], "duplicate %q", s.Text)
		seen[s.Text] = true
		if i > 0 {
			assert.GreaterOrEqual(t, got[i-1].Score, s.Score)
		}
	}
}

func TestRank_ZeroWeightsFallBackToDefaults(t *testing.T) {
	t.Parallel()

	r := NewRanker(Weights{})
	assert.Equal(t, DefaultWeights(), r.weights)
}
