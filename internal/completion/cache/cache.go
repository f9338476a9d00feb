// Package cache holds recently computed suggestion lists keyed by a
// request fingerprint. Mid-typing requests repeat within milliseconds,
// so a short TTL removes most generator and probe work without serving
// stale results for long.
package cache

import (
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tern-sh/tern/internal/completion/rank"
)

// DefaultTTL is how long one suggestion list stays valid.
const DefaultTTL = 3 * time.Second

// sweepEvery bounds how often Get walks the map to drop expired
// entries, keeping steady-state memory proportional to active typing.
const sweepEvery = 64

// Fingerprint identifies one logical completion request.
type Fingerprint uint64

// Key fingerprints a request. Input is normalized (outer whitespace
// collapsed) so cosmetic retypes hit the same entry; the command name
// and session presence change what the generators can produce, so they
// are part of the identity.
func Key(input string, cursor int, commandName string, hasSession bool) Fingerprint {
	h := fnv.New64a()
	h.Write([]byte(strings.TrimSpace(input)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(cursor)))
	h.Write([]byte{0})
	h.Write([]byte(commandName))
	h.Write([]byte{0})
	if hasSession {
		h.Write([]byte{1})
	}
	return Fingerprint(h.Sum64())
}

type entry struct {
	suggestions []rank.Suggestion
	expiresAt   time.Time
}

// Cache is a TTL map of suggestion lists. Safe for concurrent use.
type Cache struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[Fingerprint]entry
	gets    int
}

// New creates a cache. ttl <= 0 selects DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{ttl: ttl, entries: make(map[Fingerprint]entry)}
}

// Get returns the cached suggestions for key, or ok=false when absent
// or expired.
func (c *Cache) Get(key Fingerprint) ([]rank.Suggestion, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gets++
	if c.gets%sweepEvery == 0 {
		c.sweepLocked()
	}

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return e.suggestions, true
}

// Put stores suggestions under key for one TTL.
func (c *Cache) Put(key Fingerprint, suggestions []rank.Suggestion) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{
		suggestions: suggestions,
		expiresAt:   time.Now().Add(c.ttl),
	}
}

// Clear drops every entry. Called when history is wiped or a command
// executes, since either invalidates prior rankings.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[Fingerprint]entry)
}

// Len reports live (unexpired) entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	n := 0
	for _, e := range c.entries {
		if now.Before(e.expiresAt) {
			n++
		}
	}
	return n
}

func (c *Cache) sweepLocked() {
	now := time.Now()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}
