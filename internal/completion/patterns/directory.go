package patterns

import (
	"sync"
	"time"
)

// DirectoryPattern tracks which commands run in one working directory.
type DirectoryPattern struct {
	Path             string
	CommandFrequency map[string]int
	LastUsed         time.Time
}

// DirectoryAnalyzer learns "commands typically run here" per directory.
type DirectoryAnalyzer struct {
	mu     sync.RWMutex
	byPath map[string]*DirectoryPattern
}

// NewDirectoryAnalyzer creates an empty directory analyzer.
func NewDirectoryAnalyzer() *DirectoryAnalyzer {
	return &DirectoryAnalyzer{byPath: make(map[string]*DirectoryPattern)}
}

// UpdatePattern folds one execution into the directory's counters.
func (a *DirectoryAnalyzer) UpdatePattern(ev Execution) {
	if ev.Cwd == "" || ev.Raw == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	p := a.byPath[ev.Cwd]
	if p == nil {
		p = &DirectoryPattern{
			Path:             ev.Cwd,
			CommandFrequency: make(map[string]int),
		}
		a.byPath[ev.Cwd] = p
	}
	p.CommandFrequency[ev.Raw]++
	p.LastUsed = ev.At
}

// Patterns returns the commands observed in path, most frequent first.
func (a *DirectoryAnalyzer) Patterns(path string) []CommandCount {
	a.mu.RLock()
	defer a.mu.RUnlock()

	p := a.byPath[path]
	if p == nil {
		return nil
	}
	return rankCounts(p.CommandFrequency)
}

// Frequency returns how often command ran in path.
func (a *DirectoryAnalyzer) Frequency(path, command string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	p := a.byPath[path]
	if p == nil {
		return 0
	}
	return p.CommandFrequency[command]
}

// Prune drops directories not used since cutoff.
func (a *DirectoryAnalyzer) Prune(maxAge time.Duration, now time.Time) int {
	cutoff := now.Add(-maxAge)
	pruned := 0

	a.mu.Lock()
	defer a.mu.Unlock()

	for path, p := range a.byPath {
		if p.LastUsed.Before(cutoff) {
			delete(a.byPath, path)
			pruned++
		}
	}
	return pruned
}
