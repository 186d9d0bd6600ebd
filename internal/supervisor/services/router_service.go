// Clinsight - Therapy Session Insight Pipeline
// Copyright 2026 M. Preiss (mpreiss)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mpreiss/clinsight

package services

import (
	"context"
	"errors"
	"fmt"
)

// EventRouter matches the event router lifecycle: Run blocks until the
// context is canceled or the router is closed.
type EventRouter interface {
	Run(ctx context.Context) error
	Close() error
}

// EventRouterService runs the Watermill router with all registered
// stage handlers under supervision. A handler panic surfaces as a Run
// error and suture restarts the whole router, resubscribing every
// consumer.
type EventRouterService struct {
	router EventRouter
}

// NewEventRouterService wraps an event router.
func NewEventRouterService(router EventRouter) *EventRouterService {
	return &EventRouterService{router: router}
}

// Serve implements suture.Service.
func (s *EventRouterService) Serve(ctx context.Context) error {
	err := s.router.Run(ctx)
	if closeErr := s.router.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("event router stopped: %w", err)
	}
	return ctx.Err()
}

// String implements fmt.Stringer for supervisor logs.
func (s *EventRouterService) String() string {
	return "event-router"
}
