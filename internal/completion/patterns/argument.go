package patterns

import (
	"sort"
	"sync"
	"time"
)

// ArgumentPattern tracks one literal argument's usage under a command.
type ArgumentPattern struct {
	Command     string
	Value       string
	Frequency   int
	LastUsed    time.Time
	SuccessRate float64 // rolling mean of execution success
}

// ArgumentAnalyzer learns which literal arguments each command is
// typically invoked with.
type ArgumentAnalyzer struct {
	mu        sync.RWMutex
	byCommand map[string]map[string]*ArgumentPattern
}

// NewArgumentAnalyzer creates an empty argument analyzer.
func NewArgumentAnalyzer() *ArgumentAnalyzer {
	return &ArgumentAnalyzer{byCommand: make(map[string]map[string]*ArgumentPattern)}
}

// UpdatePattern folds one execution into the per-argument counters.
func (a *ArgumentAnalyzer) UpdatePattern(ev Execution) {
	if ev.Name == "" || len(ev.Args) == 0 {
		return
	}
	success := 0.0
	if ev.Success() {
		success = 1.0
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	args := a.byCommand[ev.Name]
	if args == nil {
		args = make(map[string]*ArgumentPattern)
		a.byCommand[ev.Name] = args
	}
	for _, val := range ev.Args {
		p := args[val]
		if p == nil {
			args[val] = &ArgumentPattern{
				Command:     ev.Name,
				Value:       val,
				Frequency:   1,
				LastUsed:    ev.At,
				SuccessRate: success,
			}
			continue
		}
		p.SuccessRate = (p.SuccessRate*float64(p.Frequency) + success) / float64(p.Frequency+1)
		p.Frequency++
		p.LastUsed = ev.At
	}
}

// Patterns returns the arguments observed for command, most frequent
// first.
func (a *ArgumentAnalyzer) Patterns(command string) []ArgumentPattern {
	a.mu.RLock()
	defer a.mu.RUnlock()

	args := a.byCommand[command]
	if len(args) == 0 {
		return nil
	}
	out := make([]ArgumentPattern, 0, len(args))
	for _, p := range args {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Frequency != out[j].Frequency {
			return out[i].Frequency > out[j].Frequency
		}
		return out[i].Value < out[j].Value
	})
	return out
}

// Prune drops patterns not used since cutoff.
func (a *ArgumentAnalyzer) Prune(maxAge time.Duration, now time.Time) int {
	cutoff := now.Add(-maxAge)
	pruned := 0

	a.mu.Lock()
	defer a.mu.Unlock()

	for cmd, args := range a.byCommand {
		for val, p := range args {
			if p.LastUsed.Before(cutoff) {
				delete(args, val)
				pruned++
			}
		}
		if len(args) == 0 {
			delete(a.byCommand, cmd)
		}
	}
	return pruned
}
