// Clinsight - Therapy Session Insight Pipeline
// Copyright 2026 M. Preiss (mpreiss)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mpreiss/clinsight

package eventbus

import (
	"context"
	"errors"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
)

// fakeJetStream records provisioning calls without a live broker.
type fakeJetStream struct {
	existing  map[string]bool
	lookupErr error

	creates int
	updates int
	lastCfg jetstream.StreamConfig
}

func (f *fakeJetStream) Stream(_ context.Context, name string) (jetstream.Stream, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	if !f.existing[name] {
		return nil, jetstream.ErrStreamNotFound
	}
	return nil, nil
}

func (f *fakeJetStream) CreateStream(_ context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	f.creates++
	f.lastCfg = cfg
	return nil, nil
}

func (f *fakeJetStream) UpdateStream(_ context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	f.updates++
	f.lastCfg = cfg
	return nil, nil
}

func TestNewStreamManagerValidation(t *testing.T) {
	cfg := DefaultStreamConfig()
	if _, err := NewStreamManager(nil, &cfg); err == nil {
		t.Error("expected error for nil JetStream context")
	}
	if _, err := NewStreamManager(&fakeJetStream{}, nil); err == nil {
		t.Error("expected error for nil config")
	}
}

func TestEnsureStreamCreatesWhenMissing(t *testing.T) {
	js := &fakeJetStream{existing: map[string]bool{}}
	cfg := DefaultStreamConfig()
	mgr, err := NewStreamManager(js, &cfg)
	if err != nil {
		t.Fatalf("NewStreamManager: %v", err)
	}

	if _, err := mgr.EnsureStream(context.Background()); err != nil {
		t.Fatalf("EnsureStream: %v", err)
	}

	if js.creates != 1 || js.updates != 0 {
		t.Errorf("creates=%d updates=%d, want 1 create", js.creates, js.updates)
	}
	if js.lastCfg.Name != cfg.Name {
		t.Errorf("stream name = %q, want %q", js.lastCfg.Name, cfg.Name)
	}
	if len(js.lastCfg.Subjects) != 1 || js.lastCfg.Subjects[0] != "sessions.>" {
		t.Errorf("subjects = %v, want [sessions.>]", js.lastCfg.Subjects)
	}
	if js.lastCfg.Duplicates != cfg.DuplicateWindow {
		t.Errorf("duplicate window = %v, want %v", js.lastCfg.Duplicates, cfg.DuplicateWindow)
	}
	if js.lastCfg.Storage != jetstream.FileStorage {
		t.Errorf("storage = %v, want file storage", js.lastCfg.Storage)
	}
}

func TestEnsureStreamUpdatesExisting(t *testing.T) {
	cfg := DefaultStreamConfig()
	js := &fakeJetStream{existing: map[string]bool{cfg.Name: true}}
	mgr, err := NewStreamManager(js, &cfg)
	if err != nil {
		t.Fatalf("NewStreamManager: %v", err)
	}

	if _, err := mgr.EnsureStream(context.Background()); err != nil {
		t.Fatalf("EnsureStream: %v", err)
	}
	if js.creates != 0 || js.updates != 1 {
		t.Errorf("creates=%d updates=%d, want 1 update", js.creates, js.updates)
	}
}

func TestEnsureStreamReportsLookupFailure(t *testing.T) {
	js := &fakeJetStream{lookupErr: errors.New("connection closed")}
	cfg := DefaultStreamConfig()
	mgr, err := NewStreamManager(js, &cfg)
	if err != nil {
		t.Fatalf("NewStreamManager: %v", err)
	}

	if _, err := mgr.EnsureStream(context.Background()); err == nil {
		t.Error("expected error when stream lookup fails")
	}
}

func TestIsHealthy(t *testing.T) {
	cfg := DefaultStreamConfig()

	healthy := &fakeJetStream{existing: map[string]bool{cfg.Name: true}}
	mgr, err := NewStreamManager(healthy, &cfg)
	if err != nil {
		t.Fatalf("NewStreamManager: %v", err)
	}
	if !mgr.IsHealthy(context.Background()) {
		t.Error("expected healthy when the stream exists")
	}

	down := &fakeJetStream{lookupErr: errors.New("connection closed")}
	mgr, err = NewStreamManager(down, &cfg)
	if err != nil {
		t.Fatalf("NewStreamManager: %v", err)
	}
	if mgr.IsHealthy(context.Background()) {
		t.Error("expected unhealthy when the stream lookup fails")
	}
}
