// Clinsight - Therapy Session Insight Pipeline
// Copyright 2026 M. Preiss (mpreiss)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mpreiss/clinsight

// Package store is the relational lifecycle store. It owns the video
// lifecycle state machine: every status change goes through a guarded
// compare-and-set so concurrent and redelivered stage effects cannot
// regress a video's progress.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/mpreiss/clinsight/internal/logging"
)

// Config holds lifecycle store configuration.
type Config struct {
	// Path is the DuckDB database file. Use a file path in
	// production; tests use a file under t.TempDir().
	Path string

	// MaxMemory caps DuckDB memory usage, e.g. "512MB".
	MaxMemory string

	// Threads is the DuckDB worker thread count. 0 means NumCPU.
	Threads int
}

// DefaultConfig returns production defaults for the store.
func DefaultConfig() Config {
	return Config{
		Path:      "/data/clinsight/clinsight.db",
		MaxMemory: "512MB",
		Threads:   0,
	}
}

// Store wraps the DuckDB connection and provides lifecycle data
// access.
type Store struct {
	conn *sql.DB
	cfg  Config
}

// New opens the database and initializes the schema.
func New(cfg Config) (*Store, error) {
	numThreads := cfg.Threads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}
	if cfg.MaxMemory == "" {
		cfg.MaxMemory = "512MB"
	}

	// The data directory may not exist on first start.
	dbDir := filepath.Dir(cfg.Path)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", dbDir, err)
		}
	}

	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s",
		cfg.Path, numThreads, cfg.MaxMemory)

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// DuckDB is embedded; a small pool is enough and keeps write
	// contention low.
	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(time.Hour)

	s := &Store{conn: conn, cfg: cfg}

	if err := s.createTables(); err != nil {
		closeQuietly(conn)
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

// Conn returns the underlying SQL connection for health checks.
func (s *Store) Conn() *sql.DB {
	return s.conn
}

// Ping checks that the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if s.conn == nil {
		return fmt.Errorf("database connection is nil")
	}
	return s.conn.PingContext(ctx)
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.conn.ExecContext(ctx, "CHECKPOINT"); err != nil {
		logging.Warn().Err(err).Msg("checkpoint before close failed")
	}

	return s.conn.Close()
}
