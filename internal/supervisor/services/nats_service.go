// Clinsight - Therapy Session Insight Pipeline
// Copyright 2026 M. Preiss (mpreiss)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mpreiss/clinsight

package services

import (
	"context"
	"errors"
	"time"
)

// BrokerServer matches the embedded NATS server lifecycle. The server
// is already listening when the service is constructed; the wrapper's
// job is to hold it under supervision and shut it down last.
type BrokerServer interface {
	Shutdown(ctx context.Context) error
	IsRunning() bool
}

// ErrBrokerDown is returned when the supervised broker stops running
// outside a requested shutdown, prompting a supervisor restart cycle.
var ErrBrokerDown = errors.New("embedded broker is not running")

// BrokerService supervises an embedded NATS server.
type BrokerService struct {
	server          BrokerServer
	shutdownTimeout time.Duration
	checkInterval   time.Duration
}

// NewBrokerService wraps the embedded server.
func NewBrokerService(server BrokerServer, shutdownTimeout time.Duration) *BrokerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &BrokerService{
		server:          server,
		shutdownTimeout: shutdownTimeout,
		checkInterval:   5 * time.Second,
	}
}

// Serve implements suture.Service: it watches the broker's health until
// shutdown. An embedded server that dies cannot be restarted in place,
// so the error propagates and the supervisor escalates.
func (s *BrokerService) Serve(ctx context.Context) error {
	if !s.server.IsRunning() {
		return ErrBrokerDown
	}

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
			defer cancel()
			if err := s.server.Shutdown(shutdownCtx); err != nil {
				return err
			}
			return ctx.Err()

		case <-ticker.C:
			if !s.server.IsRunning() {
				return ErrBrokerDown
			}
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (s *BrokerService) String() string {
	return "embedded-broker"
}
