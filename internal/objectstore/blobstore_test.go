// Clinsight - Therapy Session Insight Pipeline
// Copyright 2026 M. Preiss (mpreiss)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mpreiss/clinsight

package objectstore

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func newTestFSStore(t *testing.T) *FSStore {
	t.Helper()
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore() error = %v", err)
	}
	return s
}

func TestPutOpenRoundTrip(t *testing.T) {
	s := newTestFSStore(t)
	ctx := context.Background()

	n, err := s.Put(ctx, "videos/abc/session.mp4", strings.NewReader("video bytes"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if n != int64(len("video bytes")) {
		t.Errorf("Put() bytes = %d, want %d", n, len("video bytes"))
	}

	rc, err := s.Open(ctx, "videos/abc/session.mp4")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(data) != "video bytes" {
		t.Errorf("content = %q", data)
	}
}

func TestPutIsWriteOnce(t *testing.T) {
	s := newTestFSStore(t)
	ctx := context.Background()

	if _, err := s.Put(ctx, "videos/abc/audio.wav", strings.NewReader("first")); err != nil {
		t.Fatalf("first Put() error = %v", err)
	}

	_, err := s.Put(ctx, "videos/abc/audio.wav", strings.NewReader("second"))
	if !errors.Is(err, ErrPathExists) {
		t.Fatalf("second Put() error = %v, want ErrPathExists", err)
	}

	rc, err := s.Open(ctx, "videos/abc/audio.wav")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "first" {
		t.Errorf("write-once content clobbered: %q", data)
	}
}

func TestOpenAndDeleteNotFound(t *testing.T) {
	s := newTestFSStore(t)
	ctx := context.Background()

	if _, err := s.Open(ctx, "videos/missing/f"); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("Open() error = %v, want ErrObjectNotFound", err)
	}
	if err := s.Delete(ctx, "videos/missing/f"); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("Delete() error = %v, want ErrObjectNotFound", err)
	}
}

func TestDeletePrefix(t *testing.T) {
	s := newTestFSStore(t)
	ctx := context.Background()

	for _, key := range []string{"videos/v1/session.mp4", "videos/v1/audio.wav", "videos/v2/session.mp4"} {
		if _, err := s.Put(ctx, key, strings.NewReader("x")); err != nil {
			t.Fatalf("Put(%s) error = %v", key, err)
		}
	}

	if err := s.DeletePrefix(ctx, "videos/v1"); err != nil {
		t.Fatalf("DeletePrefix() error = %v", err)
	}
	if _, err := s.Open(ctx, "videos/v1/session.mp4"); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("object under purged prefix still readable, err = %v", err)
	}
	if _, err := s.Open(ctx, "videos/v2/session.mp4"); err != nil {
		t.Errorf("unrelated object removed, err = %v", err)
	}
}

func TestPathRejectsTraversal(t *testing.T) {
	s := newTestFSStore(t)

	cases := []string{"", "/etc/passwd", "../outside", "videos/../../outside"}
	for _, key := range cases {
		if _, err := s.Path(key); err == nil {
			t.Errorf("Path(%q) accepted an unsafe key", key)
		}
	}
}
