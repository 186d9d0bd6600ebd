// Clinsight - Therapy Session Insight Pipeline
// Copyright 2026 M. Preiss (mpreiss)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mpreiss/clinsight

package api

import (
	"net/http"
	"time"
)

// HealthLive reports process liveness regardless of dependencies.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	rw.Success(map[string]any{
		"alive":  true,
		"uptime": time.Since(h.startTime).Seconds(),
	})
}

// HealthReady reports whether the edge can actually take uploads: the
// lifecycle store must answer and, when a broker probe is wired, the
// event stream must be reachable.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	ctx := r.Context()

	storeReady := h.store != nil && h.store.Ping(ctx) == nil
	busReady := h.busReady == nil || h.busReady(ctx)

	status := map[string]any{
		"ready":     storeReady && busReady,
		"store":     storeReady,
		"event_bus": busReady,
	}
	if !storeReady || !busReady {
		rw.ErrorWithDetails(http.StatusServiceUnavailable,
			ErrCodeServiceUnavailable, "service not ready", status)
		return
	}
	rw.Success(status)
}
