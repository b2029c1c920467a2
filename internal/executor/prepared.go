package executor

import (
	"sync"
	"time"

	"github.com/alanyoungcy/titanhub/internal/domain"
)

// Prepared is an intent that passed PREPARE and awaits CONFIRM or ABORT.
type Prepared struct {
	Intent        domain.Intent
	Signal        domain.Signal
	Book          domain.OrderBook
	Size          float64
	ExpectedPrice float64
	PreparedAt    time.Time
}

// PreparedCache holds prepared intents keyed by signal id. Entries older than
// the TTL are dropped by Cleanup. It is safe for concurrent use.
type PreparedCache struct {
	mu      sync.Mutex
	entries map[string]Prepared
	ttl     time.Duration
	now     func() time.Time
}

// NewPreparedCache creates a cache that retains entries for ttl.
func NewPreparedCache(ttl time.Duration) *PreparedCache {
	return &PreparedCache{
		entries: make(map[string]Prepared),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Put stores p under its signal id, replacing any previous entry.
func (c *PreparedCache) Put(p Prepared) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[p.Intent.SignalID] = p
}

// Get returns the entry for id without removing it.
func (c *PreparedCache) Get(id string) (Prepared, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.entries[id]
	return p, ok
}

// Take removes and returns the entry for id.
func (c *PreparedCache) Take(id string) (Prepared, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.entries[id]
	if ok {
		delete(c.entries, id)
	}
	return p, ok
}

// Len returns the number of cached entries.
func (c *PreparedCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Entries returns a copy of every entry.
func (c *PreparedCache) Entries() []Prepared {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Prepared, 0, len(c.entries))
	for _, p := range c.entries {
		out = append(out, p)
	}
	return out
}

// Notional is the exposure the entry would add at its expected price.
func (p Prepared) Notional() float64 {
	return p.Size * p.ExpectedPrice
}

// Drain removes and returns every entry.
func (c *PreparedCache) Drain() []Prepared {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Prepared, 0, len(c.entries))
	for id, p := range c.entries {
		out = append(out, p)
		delete(c.entries, id)
	}
	return out
}

// Cleanup removes entries older than the TTL and returns them.
func (c *PreparedCache) Cleanup() []Prepared {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var expired []Prepared
	for id, p := range c.entries {
		if now.Sub(p.PreparedAt) >= c.ttl {
			expired = append(expired, p)
			delete(c.entries, id)
		}
	}
	return expired
}

// keyedMutex serializes work per key (per symbol).
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}
