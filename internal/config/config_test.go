// Clinsight - Therapy Session Insight Pipeline
// Copyright 2026 M. Preiss (mpreiss)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mpreiss/clinsight

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// setRequiredEnv populates the vendor credentials validation insists on.
func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CLINSIGHT_TRANSCRIBER__BASE_URL", "https://transcribe.example.com")
	t.Setenv("CLINSIGHT_TRANSCRIBER__API_KEY", "test-transcriber-key")
	t.Setenv("CLINSIGHT_ANALYZER__BASE_URL", "https://llm.example.com")
	t.Setenv("CLINSIGHT_ANALYZER__API_KEY", "test-analyzer-key")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 8420 {
		t.Errorf("server.port = %d, want 8420", cfg.Server.Port)
	}
	if cfg.Cache.Backend != "badger" {
		t.Errorf("cache.backend = %q, want badger", cfg.Cache.Backend)
	}
	if cfg.Cache.TTL != 24*time.Hour {
		t.Errorf("cache.ttl = %v, want 24h", cfg.Cache.TTL)
	}
	if cfg.NATS.MaxDeliver != 5 {
		t.Errorf("nats.max_deliver = %d, want 5", cfg.NATS.MaxDeliver)
	}
	if cfg.Security.AuthEnabled() {
		t.Error("auth should be disabled by default")
	}
}

func TestEnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CLINSIGHT_SERVER__PORT", "9000")
	t.Setenv("CLINSIGHT_DATABASE__PATH", "/tmp/test.duckdb")
	t.Setenv("CLINSIGHT_CACHE__BACKEND", "memory")
	t.Setenv("CLINSIGHT_SECURITY__CORS_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("server.port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Database.Path != "/tmp/test.duckdb" {
		t.Errorf("database.path = %q", cfg.Database.Path)
	}
	if cfg.Cache.Backend != "memory" {
		t.Errorf("cache.backend = %q, want memory", cfg.Cache.Backend)
	}
	want := []string{"https://a.example.com", "https://b.example.com"}
	if len(cfg.Security.CORSOrigins) != 2 || cfg.Security.CORSOrigins[0] != want[0] || cfg.Security.CORSOrigins[1] != want[1] {
		t.Errorf("cors_origins = %v, want %v", cfg.Security.CORSOrigins, want)
	}
}

func TestConfigFileLayer(t *testing.T) {
	setRequiredEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "server:\n  port: 7777\nanalyzer:\n  model: insight-v4\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7777 {
		t.Errorf("server.port = %d, want 7777", cfg.Server.Port)
	}
	if cfg.Analyzer.Model != "insight-v4" {
		t.Errorf("analyzer.model = %q, want insight-v4", cfg.Analyzer.Model)
	}

	// Env still beats the file.
	t.Setenv("CLINSIGHT_SERVER__PORT", "8888")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8888 {
		t.Errorf("server.port = %d, want env override 8888", cfg.Server.Port)
	}
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := defaultConfig()
	cfg.Server.Port = 0
	cfg.Database.Path = ""
	// Vendor credentials left empty on purpose.

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"server.port", "database.path", "transcriber.base_url", "analyzer.api_key"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("validation error missing %q: %v", want, err)
		}
	}
}

func TestValidateAuthRequirements(t *testing.T) {
	cfg := defaultConfig()
	cfg.Transcriber.BaseURL = "https://t.example.com"
	cfg.Transcriber.APIKey = "k"
	cfg.Analyzer.BaseURL = "https://a.example.com"
	cfg.Analyzer.APIKey = "k"
	cfg.Security.JWTSecret = "short"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"jwt_secret", "admin_username", "admin_password_hash"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("validation error missing %q: %v", want, err)
		}
	}
}
