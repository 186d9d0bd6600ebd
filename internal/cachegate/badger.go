// Clinsight - Therapy Session Insight Pipeline
// Copyright 2026 M. Preiss (mpreiss)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mpreiss/clinsight

package cachegate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/mpreiss/clinsight/internal/logging"
	"github.com/mpreiss/clinsight/internal/metrics"
	"github.com/mpreiss/clinsight/internal/models"
)

const insightKeyPrefix = "insight:"

// BadgerConfig holds settings for the persistent insight cache.
type BadgerConfig struct {
	// Path is the BadgerDB directory. Required.
	Path string
	// TTL is the entry lifetime; expired entries are purged by BadgerDB
	// itself. Zero means DefaultTTL.
	TTL time.Duration
	// GCInterval controls the value-log garbage collection cadence.
	// Zero means 10 minutes.
	GCInterval time.Duration
}

// BadgerCache is a persistent insight cache on BadgerDB with native TTL
// entries. Cached insights survive restarts for the configured TTL.
type BadgerCache struct {
	db     *badger.DB
	ttl    time.Duration
	cancel context.CancelFunc
	done   chan struct{}
}

// OpenBadger opens (or creates) the persistent insight cache at cfg.Path
// and starts the background value-log GC loop.
func OpenBadger(cfg BadgerConfig) (*BadgerCache, error) {
	if cfg.Path == "" {
		return nil, errors.New("cache path is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = 10 * time.Minute
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &BadgerCache{
		db:     db,
		ttl:    cfg.TTL,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.gcLoop(ctx, cfg.GCInterval)

	logging.Info().
		Str("path", cfg.Path).
		Dur("ttl", cfg.TTL).
		Msg("insight cache opened")
	return c, nil
}

// Get returns the cached insight for a fingerprint. An unreadable entry is
// treated as a miss; the broken entry is dropped so the next write can
// repopulate it.
func (c *BadgerCache) Get(ctx context.Context, fingerprint string) (*models.Insight, bool, error) {
	key := []byte(insightKeyPrefix + fingerprint)

	var insight models.Insight
	var decodeErr error
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			decodeErr = json.Unmarshal(val, &insight)
			return nil
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		metrics.RecordCacheMiss()
		return nil, false, nil
	}
	if err != nil {
		metrics.RecordCacheMiss()
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	if decodeErr != nil {
		c.drop(key)
		metrics.RecordCacheMiss()
		return nil, false, nil
	}

	metrics.RecordCacheHit()
	return &insight, true, nil
}

// Set stores an insight with the configured TTL. An idempotent overwrite
// for a fingerprint already present is expected under concurrent misses.
func (c *BadgerCache) Set(ctx context.Context, fingerprint string, insight *models.Insight) error {
	data, err := json.Marshal(insight)
	if err != nil {
		metrics.RecordCacheWriteError()
		return fmt.Errorf("marshal insight: %w", err)
	}

	err = c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(insightKeyPrefix+fingerprint), data).WithTTL(c.ttl)
		return txn.SetEntry(e)
	})
	if err != nil {
		metrics.RecordCacheWriteError()
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Close stops the GC loop and closes the underlying database.
func (c *BadgerCache) Close() error {
	c.cancel()
	<-c.done
	return c.db.Close()
}

func (c *BadgerCache) drop(key []byte) {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		logging.Warn().Err(err).Msg("failed to drop corrupt cache entry")
	}
}

func (c *BadgerCache) gcLoop(ctx context.Context, interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// RunValueLogGC returns ErrNoRewrite when there is nothing
			// to collect; that is the steady state, not a failure.
			if err := c.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				logging.Debug().Err(err).Msg("cache value log GC")
			}
		}
	}
}
