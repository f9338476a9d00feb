// Package patterns holds the incremental learners fed by command
// executions: per-command argument usage, per-directory command
// frequency, per-extension command associations, error-correction
// candidates, and the in-memory user behavior patterns (chains,
// hour-of-day and context buckets).
//
// All types are safe for concurrent readers with a single logical
// writer (the engine's execution-recording path). Pruning is explicit
// and age-based; the interactive path never prunes.
package patterns

import (
	"sort"
	"time"
)

// Execution is one observed command execution, as delivered to every
// analyzer's UpdatePattern.
type Execution struct {
	Raw      string   // full command text as typed
	Name     string   // command name
	Args     []string // positional arguments (no options)
	Options  []string // flag tokens
	Cwd      string   // working directory at execution time
	ExitCode int
	Stderr   string
	At       time.Time
}

// Success reports whether the execution exited cleanly.
func (e Execution) Success() bool {
	return e.ExitCode == 0
}

// CommandCount is a command with an observation count, used by the
// ranked outputs of several analyzers.
type CommandCount struct {
	Command string
	Count   int
}

// rankCounts converts a frequency map into a deterministic ranked list:
// count descending, command ascending on ties.
func rankCounts(m map[string]int) []CommandCount {
	out := make([]CommandCount, 0, len(m))
	for cmd, n := range m {
		out = append(out, CommandCount{Command: cmd, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Command < out[j].Command
	})
	return out
}
