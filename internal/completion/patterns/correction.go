package patterns

import (
	"path"
	"strings"
	"sync"
	"time"
)

// minCorrectionSimilarity is the minimum Damerau-Levenshtein similarity
// for a spelling fix to be proposed. Command names are short, so a
// single transposition in a three-letter name (gti/git = 0.67) must
// still clear it.
const minCorrectionSimilarity = 0.6

// Error signatures recognized in failed executions' stderr.
const (
	sigNotFound         = "command not found"
	sigPermissionDenied = "permission denied"
	sigNoSuchFile       = "no such file or directory"
)

// ErrorCorrectionPattern is one learned mistake/fix pair.
type ErrorCorrectionPattern struct {
	Original    string
	Corrected   string
	Frequency   int
	SuccessRate float64
	LastUsed    time.Time
}

// CorrectionAnalyzer learns corrections for failed commands: spelling
// fixes against the known command set, privilege elevation, and path
// normalization.
type CorrectionAnalyzer struct {
	mu         sync.RWMutex
	byOriginal map[string]*ErrorCorrectionPattern
	known      map[string]bool // known valid command names
}

// NewCorrectionAnalyzer creates an empty correction analyzer.
func NewCorrectionAnalyzer() *CorrectionAnalyzer {
	return &CorrectionAnalyzer{
		byOriginal: make(map[string]*ErrorCorrectionPattern),
		known:      make(map[string]bool),
	}
}

// AddKnownCommands extends the set of valid command names used for
// spelling fixes. Fed from history and from remote command probes.
func (a *CorrectionAnalyzer) AddKnownCommands(names ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, n := range names {
		if n != "" {
			a.known[n] = true
		}
	}
}

// UpdatePattern inspects a failed execution's error text and, when a
// known signature matches, stores a correction candidate. Corrections
// identical to the original are discarded.
func (a *CorrectionAnalyzer) UpdatePattern(ev Execution) {
	if ev.Success() || ev.Raw == "" {
		return
	}

	corrected := a.propose(ev)
	if corrected == "" || corrected == ev.Raw {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	p := a.byOriginal[ev.Raw]
	if p == nil {
		a.byOriginal[ev.Raw] = &ErrorCorrectionPattern{
			Original:  ev.Raw,
			Corrected: corrected,
			Frequency: 1,
			LastUsed:  ev.At,
		}
		return
	}
	p.Corrected = corrected
	p.Frequency++
	p.LastUsed = ev.At
}

// Corrections returns stored corrections whose original matches input
// exactly, or whose original starts with input when input is a prefix.
func (a *CorrectionAnalyzer) Corrections(input string) []ErrorCorrectionPattern {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []ErrorCorrectionPattern
	for orig, p := range a.byOriginal {
		if orig == input || (input != "" && strings.HasPrefix(orig, input)) {
			out = append(out, *p)
		}
	}
	return out
}

// RecordOutcome folds the result of executing a previously proposed
// correction into its rolling success rate.
func (a *CorrectionAnalyzer) RecordOutcome(original string, success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := a.byOriginal[original]
	if p == nil {
		return
	}
	val := 0.0
	if success {
		val = 1.0
	}
	p.SuccessRate = (p.SuccessRate*float64(p.Frequency-1) + val) / float64(p.Frequency)
}

// Prune drops corrections not used since cutoff.
func (a *CorrectionAnalyzer) Prune(maxAge time.Duration, now time.Time) int {
	cutoff := now.Add(-maxAge)
	pruned := 0

	a.mu.Lock()
	defer a.mu.Unlock()

	for orig, p := range a.byOriginal {
		if p.LastUsed.Before(cutoff) {
			delete(a.byOriginal, orig)
			pruned++
		}
	}
	return pruned
}

// propose derives a corrected command from the error signature, or ""
// when nothing matches. Caller holds no lock; propose takes the read
// lock for the known-command scan.
func (a *CorrectionAnalyzer) propose(ev Execution) string {
	stderr := strings.ToLower(ev.Stderr)

	switch {
	case strings.Contains(stderr, sigNotFound):
		fixed := a.nearestKnown(ev.Name)
		if fixed == "" || fixed == ev.Name {
			return ""
		}
		// Replace only the command name, keep the rest of the line.
		rest := strings.TrimPrefix(ev.Raw, ev.Name)
		return fixed + rest

	case strings.Contains(stderr, sigPermissionDenied):
		if strings.HasPrefix(ev.Raw, "sudo ") {
			return ""
		}
		return "sudo " + ev.Raw

	case strings.Contains(stderr, sigNoSuchFile):
		return normalizePaths(ev)

	default:
		return ""
	}
}

// nearestKnown returns the known command most similar to name, when the
// similarity clears the threshold.
func (a *CorrectionAnalyzer) nearestKnown(name string) string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	best := ""
	bestScore := minCorrectionSimilarity
	for known := range a.known {
		s := similarity(name, known)
		if s > bestScore || (s == bestScore && best == "") {
			best = known
			bestScore = s
		}
	}
	return best
}

// normalizePaths rewrites the command with cleaned path arguments
// (collapsed doubled separators, resolved "." and ".." segments).
// Returns "" when cleaning changes nothing.
func normalizePaths(ev Execution) string {
	changed := false
	fixed := ev.Raw
	for _, arg := range ev.Args {
		if !strings.Contains(arg, "/") {
			continue
		}
		clean := path.Clean(arg)
		if clean != arg {
			fixed = strings.Replace(fixed, arg, clean, 1)
			changed = true
		}
	}
	if !changed {
		return ""
	}
	return fixed
}
