package patterns

import (
	"sync"
	"time"
)

// Chain tracks the commands observed immediately after one command.
type Chain struct {
	NextCommands map[string]int
	Frequency    int
	LastUsed     time.Time
}

// UserPatterns is the in-memory behavioral state: command chains,
// hour-of-day usage buckets, and context-keyed usage buckets. It is
// rebuilt from the store at startup and updated on every execution.
type UserPatterns struct {
	mu              sync.RWMutex
	commandChains   map[string]*Chain
	timePatterns    map[int]map[string]int    // hour -> command -> count
	contextPatterns map[string]map[string]int // context key -> command -> count
}

// NewUserPatterns creates empty user patterns.
func NewUserPatterns() *UserPatterns {
	return &UserPatterns{
		commandChains:   make(map[string]*Chain),
		timePatterns:    make(map[int]map[string]int),
		contextPatterns: make(map[string]map[string]int),
	}
}

// Observe records one execution. prev is the immediately preceding
// executed command ("" at session start); contextKey identifies the
// environment bucket (typically the working directory).
func (u *UserPatterns) Observe(prev, command, contextKey string, at time.Time) {
	if command == "" {
		return
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if prev != "" && prev != command {
		c := u.commandChains[prev]
		if c == nil {
			c = &Chain{NextCommands: make(map[string]int)}
			u.commandChains[prev] = c
		}
		c.NextCommands[command]++
		c.Frequency++
		c.LastUsed = at
	}

	hour := at.Hour()
	if u.timePatterns[hour] == nil {
		u.timePatterns[hour] = make(map[string]int)
	}
	u.timePatterns[hour][command]++

	if contextKey != "" {
		if u.contextPatterns[contextKey] == nil {
			u.contextPatterns[contextKey] = make(map[string]int)
		}
		u.contextPatterns[contextKey][command]++
	}
}

// NextAfter returns the commands observed after prev, ranked by count.
func (u *UserPatterns) NextAfter(prev string) []CommandCount {
	u.mu.RLock()
	defer u.mu.RUnlock()

	c := u.commandChains[prev]
	if c == nil {
		return nil
	}
	return rankCounts(c.NextCommands)
}

// ChainProbability returns P(command follows prev) from the observed
// chain counts, or 0 when prev has no chain.
func (u *UserPatterns) ChainProbability(prev, command string) float64 {
	u.mu.RLock()
	defer u.mu.RUnlock()

	c := u.commandChains[prev]
	if c == nil || c.Frequency == 0 {
		return 0
	}
	return float64(c.NextCommands[command]) / float64(c.Frequency)
}

// TimeAffinity returns the share of hour-bucket executions that were
// command, in [0, 1].
func (u *UserPatterns) TimeAffinity(hour int, command string) float64 {
	u.mu.RLock()
	defer u.mu.RUnlock()

	bucket := u.timePatterns[hour]
	if len(bucket) == 0 {
		return 0
	}
	total := 0
	for _, n := range bucket {
		total += n
	}
	if total == 0 {
		return 0
	}
	return float64(bucket[command]) / float64(total)
}

// ContextAffinity returns the share of contextKey executions that were
// command, in [0, 1].
func (u *UserPatterns) ContextAffinity(contextKey, command string) float64 {
	u.mu.RLock()
	defer u.mu.RUnlock()

	bucket := u.contextPatterns[contextKey]
	if len(bucket) == 0 {
		return 0
	}
	total := 0
	for _, n := range bucket {
		total += n
	}
	if total == 0 {
		return 0
	}
	return float64(bucket[command]) / float64(total)
}

// Snapshot returns a point-in-time copy of the chain map for context
// assembly. The copy shares no state with the live maps.
func (u *UserPatterns) Snapshot() map[string][]CommandCount {
	u.mu.RLock()
	defer u.mu.RUnlock()

	out := make(map[string][]CommandCount, len(u.commandChains))
	for prev, c := range u.commandChains {
		out[prev] = rankCounts(c.NextCommands)
	}
	return out
}
