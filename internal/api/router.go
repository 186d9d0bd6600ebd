// Clinsight - Therapy Session Insight Pipeline
// Copyright 2026 M. Preiss (mpreiss)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mpreiss/clinsight

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mpreiss/clinsight/internal/auth"
	"github.com/mpreiss/clinsight/internal/middleware"
)

// RouterConfig carries the edge middleware knobs.
type RouterConfig struct {
	// CORSAllowedOrigins is empty by default, requiring explicit
	// configuration before any cross-origin caller is admitted.
	CORSAllowedOrigins []string

	// RateLimitRequests and RateLimitWindow bound requests per client IP
	// on the video endpoints.
	RateLimitRequests int
	RateLimitWindow   time.Duration
	RateLimitDisabled bool
}

// DefaultRouterConfig returns the production defaults.
func DefaultRouterConfig() *RouterConfig {
	return &RouterConfig{
		CORSAllowedOrigins: []string{},
		RateLimitRequests:  100,
		RateLimitWindow:    time.Minute,
	}
}

// NewRouter assembles the HTTP surface. A nil tokens service leaves the
// video endpoints unauthenticated and unregisters the login route.
func NewRouter(h *Handler, authHandler *AuthHandler, tokens *auth.TokenService, cfg *RouterConfig) http.Handler {
	if cfg == nil {
		cfg = DefaultRouterConfig()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         86400,
	}))

	// Health probes get a permissive limit so monitoring can poll
	// frequently without being an abuse vector.
	r.Route("/api/v1/health", func(r chi.Router) {
		r.Use(rateLimit(cfg, 1000))
		r.Get("/live", h.HealthLive)
		r.Get("/ready", h.HealthReady)
	})

	if authHandler != nil && tokens != nil {
		// Strict limit on login to slow brute forcing.
		r.With(httprate.LimitByIP(5, 5*time.Minute)).
			Post("/api/v1/auth/login", authHandler.Login)
	}

	r.Route("/api/v1/videos", func(r chi.Router) {
		r.Use(rateLimit(cfg, cfg.RateLimitRequests))
		r.Use(middleware.Metrics)
		r.Use(middleware.RequireAuth(tokens))

		r.Post("/", h.UploadVideo)
		r.Get("/", h.ListVideos)
		r.Get("/{id}", h.GetVideo)
		r.Delete("/{id}", h.DeleteVideo)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

func rateLimit(cfg *RouterConfig, requests int) func(http.Handler) http.Handler {
	if cfg.RateLimitDisabled {
		return func(next http.Handler) http.Handler { return next }
	}
	window := cfg.RateLimitWindow
	if window <= 0 {
		window = time.Minute
	}
	return httprate.LimitByIP(requests, window)
}
