package patterns

import (
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileTypePattern tracks which commands operate on one file extension.
type FileTypePattern struct {
	Extension        string
	CommandFrequency map[string]int
	LastUsed         time.Time
}

// FileTypeAnalyzer learns command/extension associations from bare
// (non-flag) arguments that carry a file extension.
type FileTypeAnalyzer struct {
	mu    sync.RWMutex
	byExt map[string]*FileTypePattern
}

// NewFileTypeAnalyzer creates an empty file-type analyzer.
func NewFileTypeAnalyzer() *FileTypeAnalyzer {
	return &FileTypeAnalyzer{byExt: make(map[string]*FileTypePattern)}
}

// UpdatePattern folds one execution into the per-extension counters.
func (a *FileTypeAnalyzer) UpdatePattern(ev Execution) {
	if ev.Name == "" {
		return
	}

	var exts []string
	for _, arg := range ev.Args {
		ext := extensionOf(arg)
		if ext != "" {
			exts = append(exts, ext)
		}
	}
	if len(exts) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, ext := range exts {
		p := a.byExt[ext]
		if p == nil {
			p = &FileTypePattern{
				Extension:        ext,
				CommandFrequency: make(map[string]int),
			}
			a.byExt[ext] = p
		}
		p.CommandFrequency[ev.Name]++
		p.LastUsed = ev.At
	}
}

// Patterns returns commands observed on extension, most frequent first.
func (a *FileTypeAnalyzer) Patterns(extension string) []CommandCount {
	a.mu.RLock()
	defer a.mu.RUnlock()

	p := a.byExt[normalizeExt(extension)]
	if p == nil {
		return nil
	}
	return rankCounts(p.CommandFrequency)
}

// Prune drops extensions not used since cutoff.
func (a *FileTypeAnalyzer) Prune(maxAge time.Duration, now time.Time) int {
	cutoff := now.Add(-maxAge)
	pruned := 0

	a.mu.Lock()
	defer a.mu.Unlock()

	for ext, p := range a.byExt {
		if p.LastUsed.Before(cutoff) {
			delete(a.byExt, ext)
			pruned++
		}
	}
	return pruned
}

// extensionOf extracts a normalized extension from an argument that
// looks like a file name. URL-ish and version-ish tokens are skipped.
func extensionOf(arg string) string {
	if strings.Contains(arg, "://") {
		return ""
	}
	ext := filepath.Ext(arg)
	if ext == "" || ext == "." {
		return ""
	}
	// Skip numeric "extensions" like the 2 in "v1.2".
	body := strings.TrimPrefix(ext, ".")
	if body == "" || strings.IndexFunc(body, func(r rune) bool {
		return r < '0' || r > '9'
	}) == -1 {
		return ""
	}
	return normalizeExt(ext)
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(ext)
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
