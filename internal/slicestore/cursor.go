package slicestore

import (
	"sort"
	"sync"
)

// ProcessedSet answers whether a key was already consumed.
type ProcessedSet interface {
	Contains(key string) bool
}

// Cursor is a grow-only set of consumed keys. Keys are never removed for the
// lifetime of a session; a new session gets a new Cursor.
type Cursor struct {
	mu   sync.RWMutex
	keys map[string]struct{}
}

// NewCursor creates an empty cursor.
func NewCursor() *Cursor {
	return &Cursor{keys: make(map[string]struct{})}
}

// Add marks key as consumed. It returns false if the key was already present.
func (c *Cursor) Add(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.keys[key]; ok {
		return false
	}
	c.keys[key] = struct{}{}
	return true
}

// Contains reports whether key was consumed.
func (c *Cursor) Contains(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.keys[key]
	return ok
}

// Len returns the number of consumed keys.
func (c *Cursor) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.keys)
}

// Keys returns the consumed keys in lexicographic order.
func (c *Cursor) Keys() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.keys))
	for k := range c.keys {
		out = append(out, k)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}
