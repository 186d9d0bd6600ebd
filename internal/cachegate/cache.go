// Clinsight - Therapy Session Insight Pipeline
// Copyright 2026 M. Preiss (mpreiss)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mpreiss/clinsight

package cachegate

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/mpreiss/clinsight/internal/metrics"
	"github.com/mpreiss/clinsight/internal/models"
)

// DefaultTTL matches the original deployment's 24-hour cache expiry.
const DefaultTTL = 24 * time.Hour

// InsightCache is the capability the analysis stage depends on. A miss is
// (nil, false, nil); errors are reserved for infrastructure failures the
// caller may want to log. Implementations must tolerate concurrent Set
// calls for the same fingerprint (last write wins, values are identical
// by construction).
type InsightCache interface {
	Get(ctx context.Context, fingerprint string) (*models.Insight, bool, error)
	Set(ctx context.Context, fingerprint string, insight *models.Insight) error
	Close() error
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache is an in-process TTL cache. It backs tests and cacheless
// deployments where a persistent cache directory is not configured.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryCache creates an in-memory insight cache. A non-positive ttl
// falls back to DefaultTTL.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached insight for a fingerprint. Expired entries are
// evicted lazily.
func (c *MemoryCache) Get(ctx context.Context, fingerprint string) (*models.Insight, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[fingerprint]
	c.mu.RUnlock()

	if !ok {
		metrics.RecordCacheMiss()
		return nil, false, nil
	}
	if c.now().After(entry.expiresAt) {
		c.mu.Lock()
		// Recheck under the write lock; a concurrent Set may have refreshed it.
		if cur, still := c.entries[fingerprint]; still && c.now().After(cur.expiresAt) {
			delete(c.entries, fingerprint)
		}
		c.mu.Unlock()
		metrics.RecordCacheMiss()
		return nil, false, nil
	}

	var insight models.Insight
	if err := json.Unmarshal(entry.data, &insight); err != nil {
		metrics.RecordCacheMiss()
		return nil, false, nil
	}

	metrics.RecordCacheHit()
	return &insight, true, nil
}

// Set stores an insight under a fingerprint. Concurrent writers for the
// same fingerprint produce identical values, so overwriting is harmless.
func (c *MemoryCache) Set(ctx context.Context, fingerprint string, insight *models.Insight) error {
	data, err := json.Marshal(insight)
	if err != nil {
		metrics.RecordCacheWriteError()
		return err
	}

	c.mu.Lock()
	c.entries[fingerprint] = memoryEntry{data: data, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return nil
}

// Close releases the cache's entries.
func (c *MemoryCache) Close() error {
	c.mu.Lock()
	c.entries = make(map[string]memoryEntry)
	c.mu.Unlock()
	return nil
}

// Len reports the number of live entries, used by tests.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
