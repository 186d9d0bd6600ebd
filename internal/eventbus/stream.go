// Clinsight - Therapy Session Insight Pipeline
// Copyright 2026 M. Preiss (mpreiss)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mpreiss/clinsight

package eventbus

import (
	"context"
	"errors"
	"fmt"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamContext is the subset of jetstream.JetStream used for
// stream provisioning. Narrowed for testing with mocks.
type JetStreamContext interface {
	Stream(ctx context.Context, name string) (jetstream.Stream, error)
	CreateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	UpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
}

// StreamManager provisions the session event stream before publishers
// and subscribers start. Provisioning is idempotent: an existing
// stream is updated to the configured settings rather than recreated.
type StreamManager struct {
	js     JetStreamContext
	config StreamConfig
}

// NewStreamManager creates a stream manager for the given JetStream
// context.
func NewStreamManager(js JetStreamContext, cfg *StreamConfig) (*StreamManager, error) {
	if js == nil {
		return nil, fmt.Errorf("JetStream context required")
	}
	if cfg == nil {
		return nil, fmt.Errorf("stream config required")
	}

	return &StreamManager{
		js:     js,
		config: *cfg,
	}, nil
}

// ConnectStreamManager dials NATS and returns a manager bound to its
// JetStream context, plus the connection for the caller to close.
func ConnectStreamManager(url string, cfg *StreamConfig) (*StreamManager, *natsgo.Conn, error) {
	nc, err := natsgo.Connect(url)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("create JetStream context: %w", err)
	}

	mgr, err := NewStreamManager(js, cfg)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}

	return mgr, nc, nil
}

// EnsureStream creates or updates the stream. The duplicate window
// backs the publisher's message ID tracking: two publishes with the
// same idempotency key inside the window store one message.
func (m *StreamManager) EnsureStream(ctx context.Context) (jetstream.Stream, error) {
	streamCfg := jetstream.StreamConfig{
		Name:        m.config.Name,
		Subjects:    m.config.Subjects,
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      m.config.MaxAge,
		MaxBytes:    m.config.MaxBytes,
		MaxMsgs:     m.config.MaxMsgs,
		Duplicates:  m.config.DuplicateWindow,
		Replicas:    m.config.Replicas,
		Storage:     jetstream.FileStorage,
		AllowDirect: true,
		Discard:     jetstream.DiscardOld,
	}

	_, err := m.js.Stream(ctx, m.config.Name)
	if err == nil {
		stream, err := m.js.UpdateStream(ctx, streamCfg)
		if err != nil {
			return nil, fmt.Errorf("update stream %s: %w", m.config.Name, err)
		}
		return stream, nil
	}

	if errors.Is(err, jetstream.ErrStreamNotFound) {
		stream, err := m.js.CreateStream(ctx, streamCfg)
		if err != nil {
			return nil, fmt.Errorf("create stream %s: %w", m.config.Name, err)
		}
		return stream, nil
	}

	return nil, fmt.Errorf("check stream %s: %w", m.config.Name, err)
}

// IsHealthy reports whether the stream exists and is queryable.
func (m *StreamManager) IsHealthy(ctx context.Context) bool {
	_, err := m.js.Stream(ctx, m.config.Name)
	return err == nil
}

// Config returns the stream configuration.
func (m *StreamManager) Config() StreamConfig {
	return m.config
}
