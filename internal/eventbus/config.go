// Clinsight - Therapy Session Insight Pipeline
// Copyright 2026 M. Preiss (mpreiss)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mpreiss/clinsight

package eventbus

import (
	"time"

	"github.com/mpreiss/clinsight/internal/events"
)

// ServerConfig holds embedded NATS server configuration.
type ServerConfig struct {
	Host              string
	Port              int
	StoreDir          string
	JetStreamMaxMem   int64
	JetStreamMaxStore int64
}

// DefaultServerConfig returns production defaults for the embedded
// NATS server.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:              "127.0.0.1",
		Port:              4222,
		StoreDir:          "/data/clinsight/jetstream",
		JetStreamMaxMem:   512 << 20,
		JetStreamMaxStore: 10 << 30,
	}
}

// PublisherConfig holds publisher configuration.
type PublisherConfig struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectBuffer int
	TrackMsgID      bool
}

// DefaultPublisherConfig returns production defaults for the publisher.
// Message ID tracking is on so the broker can dedup re-emissions of
// the same logical event inside the duplicate window.
func DefaultPublisherConfig(url string) PublisherConfig {
	return PublisherConfig{
		URL:             url,
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		ReconnectBuffer: 8 << 20,
		TrackMsgID:      true,
	}
}

// SubscriberConfig holds subscriber configuration for one stage.
type SubscriberConfig struct {
	URL              string
	DurableName      string
	QueueGroup       string
	SubscribersCount int
	AckWaitTimeout   time.Duration
	MaxDeliver       int
	MaxAckPending    int
	CloseTimeout     time.Duration
	MaxReconnects    int
	ReconnectWait    time.Duration
	// StreamName binds the consumer to a pre-provisioned stream. The
	// sessions stream covers all stage subjects, so every subscriber
	// binds rather than auto-provisioning per topic.
	StreamName string
}

// DefaultSubscriberConfig returns production defaults for a stage
// subscriber. MaxDeliver bounds broker redelivery; a message that
// exhausts it without acking is a candidate for the poison topic.
func DefaultSubscriberConfig(url, durable, queueGroup string) SubscriberConfig {
	return SubscriberConfig{
		URL:              url,
		DurableName:      durable,
		QueueGroup:       queueGroup,
		SubscribersCount: 4,
		AckWaitTimeout:   60 * time.Second,
		MaxDeliver:       5,
		MaxAckPending:    256,
		CloseTimeout:     30 * time.Second,
		MaxReconnects:    -1,
		ReconnectWait:    2 * time.Second,
		StreamName:       DefaultStreamConfig().Name,
	}
}

// StreamConfig defines session event stream settings.
type StreamConfig struct {
	Name            string
	Subjects        []string
	MaxAge          time.Duration
	MaxBytes        int64
	MaxMsgs         int64
	DuplicateWindow time.Duration
	Replicas        int
}

// DefaultStreamConfig returns the session event stream configuration.
// The single stream covers every stage subject plus the poison topic
// so one retention policy governs the whole pipeline.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Name:            "SESSION_EVENTS",
		Subjects:        []string{"sessions.>"},
		MaxAge:          7 * 24 * time.Hour,
		MaxBytes:        10 << 30,
		MaxMsgs:         -1,
		DuplicateWindow: 10 * time.Minute,
		Replicas:        1,
	}
}

// RouterConfig holds configuration for the Watermill router shared by
// all stage handlers.
type RouterConfig struct {
	CloseTimeout time.Duration

	RetryMaxRetries      int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	RetryMultiplier      float64

	PoisonTopic string
}

// DefaultRouterConfig returns production defaults for the router.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		CloseTimeout:         30 * time.Second,
		RetryMaxRetries:      5,
		RetryInitialInterval: time.Second,
		RetryMaxInterval:     time.Minute,
		RetryMultiplier:      2.0,
		PoisonTopic:          events.PoisonTopic,
	}
}
