// Clinsight - Therapy Session Insight Pipeline
// Copyright 2026 M. Preiss (mpreiss)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mpreiss/clinsight

// Package objectstore stores pipeline artifacts (videos, extracted audio,
// transcripts) under opaque keys. Writes are write-once: a key can never
// be overwritten, which keeps redelivered stage effects from clobbering
// artifacts that a later stage may already be reading.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mpreiss/clinsight/internal/logging"
)

// ErrPathExists is returned when a Put targets a key that already holds
// an artifact.
var ErrPathExists = errors.New("object already exists")

// ErrObjectNotFound is returned by Open and Delete for unknown keys.
var ErrObjectNotFound = errors.New("object not found")

// BlobStore is the artifact storage capability stages depend on. Keys are
// slash-separated relative paths such as "videos/<id>/session.mp4".
type BlobStore interface {
	// Put writes the reader's content under key. Returns ErrPathExists
	// if the key is already populated.
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	// Open returns a reader for the artifact at key.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes the artifact at key. Missing keys return
	// ErrObjectNotFound.
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every artifact under a key prefix. Unknown
	// prefixes are a no-op.
	DeletePrefix(ctx context.Context, prefix string) error
	// Path resolves key to an absolute filesystem path for collaborators
	// that need direct file access (ffmpeg).
	Path(key string) (string, error)
}

// FSStore is a filesystem-backed BlobStore rooted at a single directory.
type FSStore struct {
	root string
}

// NewFSStore creates the root directory if needed and returns a store
// rooted there.
func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		return nil, errors.New("blob store root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve blob root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FSStore{root: abs}, nil
}

// Put writes the artifact atomically: content lands in a temp file in the
// target directory, then a link into place claims the key. A crash mid-write
// leaves only a temp file, never a truncated artifact under the real key.
func (s *FSStore) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	path, err := s.Path(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return 0, fmt.Errorf("create object dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("create temp object: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return 0, fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("sync object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close object: %w", err)
	}

	// Link, not rename: link fails if the key is already claimed, which is
	// exactly the write-once guarantee rename cannot give.
	if err := os.Link(tmpName, path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return 0, fmt.Errorf("%s: %w", key, ErrPathExists)
		}
		return 0, fmt.Errorf("commit object: %w", err)
	}

	logging.Debug().Str("key", key).Int64("bytes", n).Msg("object stored")
	return n, nil
}

// Open returns a reader for the artifact at key.
func (s *FSStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := s.Path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrObjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open object: %w", err)
	}
	return f, nil
}

// Delete removes the artifact at key.
func (s *FSStore) Delete(ctx context.Context, key string) error {
	path, err := s.Path(key)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s: %w", key, ErrObjectNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// DeletePrefix removes every artifact under a key prefix, used when a
// video and all of its derived artifacts are purged.
func (s *FSStore) DeletePrefix(ctx context.Context, prefix string) error {
	path, err := s.Path(prefix)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("delete object prefix: %w", err)
	}
	return nil
}

// Path resolves key inside the store root, rejecting traversal outside it.
func (s *FSStore) Path(key string) (string, error) {
	if key == "" {
		return "", errors.New("object key is required")
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(s.root, clean), nil
}
