package library

import (
	"bytes"
	"sync"

	"github.com/maruel/docshare/internal/storage/cas"
)

// cache handles in-memory caching of hot shared content.
//
// Bytes never change for a given hash so entries are never stale; they are
// only dropped when the entry is collected or the cache grows too large.
type cache struct {
	mu       sync.RWMutex
	data     map[cas.ContentHash][]byte
	size     int64
	maxBytes int64
}

// newCache returns nil when maxBytes is not positive; a nil cache caches
// nothing.
func newCache(maxBytes int64) *cache {
	if maxBytes <= 0 {
		return nil
	}
	return &cache{data: map[cas.ContentHash][]byte{}, maxBytes: maxBytes}
}

func (c *cache) get(h cas.ContentHash) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.data[h]
	if !ok {
		return nil, false
	}
	return bytes.Clone(b), true
}

func (c *cache) set(h cas.ContentHash, b []byte) {
	if c == nil || int64(len(b)) > c.maxBytes/4 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.data[h]; ok {
		return
	}
	// Simple size limiting: clear if it grows too large.
	if c.size+int64(len(b)) > c.maxBytes {
		c.data = map[cas.ContentHash][]byte{}
		c.size = 0
	}
	c.data[h] = bytes.Clone(b)
	c.size += int64(len(b))
}

func (c *cache) forget(h cas.ContentHash) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.data[h]; ok {
		c.size -= int64(len(b))
		delete(c.data, h)
	}
}

func (c *cache) count() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
