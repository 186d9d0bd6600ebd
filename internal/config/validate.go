// Clinsight - Therapy Session Insight Pipeline
// Copyright 2026 M. Preiss (mpreiss)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mpreiss/clinsight

package config

import (
	"fmt"
	"strings"
)

// Validate checks the assembled configuration for missing or malformed
// values. It collects every problem instead of stopping at the first so
// an operator can fix a broken deployment in one pass.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
	}
	if c.Server.MaxUploadBytes <= 0 {
		problems = append(problems, "server.max_upload_bytes must be positive")
	}

	if c.Database.Path == "" {
		problems = append(problems, "database.path is required")
	}
	if c.Storage.Root == "" {
		problems = append(problems, "storage.root is required")
	}

	if !c.NATS.EmbeddedServer && c.NATS.URL == "" {
		problems = append(problems, "nats.url is required when the embedded server is disabled")
	}
	if c.NATS.EmbeddedServer && c.NATS.StoreDir == "" {
		problems = append(problems, "nats.store_dir is required for the embedded server")
	}
	if c.NATS.SubscribersCount < 1 {
		problems = append(problems, "nats.subscribers_count must be at least 1")
	}
	if c.NATS.MaxDeliver < 1 {
		problems = append(problems, "nats.max_deliver must be at least 1")
	}

	switch c.Cache.Backend {
	case "badger":
		if c.Cache.Path == "" {
			problems = append(problems, "cache.path is required for the badger backend")
		}
	case "memory":
	default:
		problems = append(problems, fmt.Sprintf("cache.backend %q is not badger or memory", c.Cache.Backend))
	}
	if c.Cache.TTL <= 0 {
		problems = append(problems, "cache.ttl must be positive")
	}

	if c.Transcriber.BaseURL == "" {
		problems = append(problems, "transcriber.base_url is required")
	}
	if c.Transcriber.APIKey == "" {
		problems = append(problems, "transcriber.api_key is required")
	}
	if c.Analyzer.BaseURL == "" {
		problems = append(problems, "analyzer.base_url is required")
	}
	if c.Analyzer.APIKey == "" {
		problems = append(problems, "analyzer.api_key is required")
	}
	if c.Analyzer.Model == "" {
		problems = append(problems, "analyzer.model is required")
	}

	if c.Security.AuthEnabled() {
		if len(c.Security.JWTSecret) < 32 {
			problems = append(problems, "security.jwt_secret must be at least 32 characters")
		}
		if c.Security.AdminUsername == "" {
			problems = append(problems, "security.admin_username is required when auth is enabled")
		}
		if c.Security.AdminPasswordHash == "" {
			problems = append(problems, "security.admin_password_hash is required when auth is enabled")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}
