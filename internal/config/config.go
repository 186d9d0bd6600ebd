// Clinsight - Therapy Session Insight Pipeline
// Copyright 2026 M. Preiss (mpreiss)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mpreiss/clinsight

// Package config loads the application configuration with Koanf v2 from
// three layers, later layers overriding earlier ones:
//
//  1. Built-in defaults
//  2. Optional YAML config file
//  3. Environment variables (CLINSIGHT_ prefix, "__" for nesting)
//
// Config is immutable after Load and safe for concurrent reads.
package config

import "time"

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Database    DatabaseConfig    `koanf:"database"`
	Storage     StorageConfig     `koanf:"storage"`
	NATS        NATSConfig        `koanf:"nats"`
	Cache       CacheConfig       `koanf:"cache"`
	FFmpeg      FFmpegConfig      `koanf:"ffmpeg"`
	Transcriber TranscriberConfig `koanf:"transcriber"`
	Analyzer    AnalyzerConfig    `koanf:"analyzer"`
	Security    SecurityConfig    `koanf:"security"`
	Logging     LoggingConfig     `koanf:"logging"`
}

// ServerConfig configures the HTTP edge.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	MaxUploadBytes  int64         `koanf:"max_upload_bytes"`
}

// DatabaseConfig configures the DuckDB lifecycle store.
type DatabaseConfig struct {
	Path      string `koanf:"path"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads"`
}

// StorageConfig configures the artifact blob store.
type StorageConfig struct {
	Root string `koanf:"root"`
}

// NATSConfig configures the event bus: an embedded JetStream server by
// default, or an external cluster via URL.
type NATSConfig struct {
	EmbeddedServer   bool   `koanf:"embedded_server"`
	URL              string `koanf:"url"`
	StoreDir         string `koanf:"store_dir"`
	SubscribersCount int    `koanf:"subscribers_count"`
	DurableName      string `koanf:"durable_name"`
	QueueGroup       string `koanf:"queue_group"`
	MaxDeliver       int    `koanf:"max_deliver"`
}

// CacheConfig configures the content-addressed insight cache.
type CacheConfig struct {
	// Backend is "badger" (persistent) or "memory".
	Backend    string        `koanf:"backend"`
	Path       string        `koanf:"path"`
	TTL        time.Duration `koanf:"ttl"`
	GCInterval time.Duration `koanf:"gc_interval"`
}

// FFmpegConfig configures the audio extraction collaborator.
type FFmpegConfig struct {
	FFmpegPath  string        `koanf:"ffmpeg_path"`
	FFprobePath string        `koanf:"ffprobe_path"`
	Bitrate     string        `koanf:"bitrate"`
	Timeout     time.Duration `koanf:"timeout"`
}

// TranscriberConfig configures the transcription vendor client.
type TranscriberConfig struct {
	BaseURL      string        `koanf:"base_url"`
	APIKey       string        `koanf:"api_key"`
	PollInterval time.Duration `koanf:"poll_interval"`
	Timeout      time.Duration `koanf:"timeout"`
}

// AnalyzerConfig configures the LLM analysis client.
type AnalyzerConfig struct {
	BaseURL           string        `koanf:"base_url"`
	APIKey            string        `koanf:"api_key"`
	Model             string        `koanf:"model"`
	Timeout           time.Duration `koanf:"timeout"`
	RequestsPerMinute int           `koanf:"requests_per_minute"`
}

// SecurityConfig configures edge auth and rate limiting. Auth is
// enabled by setting JWTSecret together with the admin credentials.
type SecurityConfig struct {
	JWTSecret         string        `koanf:"jwt_secret"`
	TokenTTL          time.Duration `koanf:"token_ttl"`
	AdminUsername     string        `koanf:"admin_username"`
	AdminPasswordHash string        `koanf:"admin_password_hash"`
	RateLimitReqs     int           `koanf:"rate_limit_reqs"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
	CORSOrigins       []string      `koanf:"cors_origins"`
}

// AuthEnabled reports whether bearer auth should be wired.
func (s SecurityConfig) AuthEnabled() bool {
	return s.JWTSecret != ""
}

// LoggingConfig configures zerolog output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns the built-in defaults: a single-node deployment
// with embedded NATS and everything under /data.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8420,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxUploadBytes:  4 << 30,
		},
		Database: DatabaseConfig{
			Path:      "/data/clinsight.duckdb",
			MaxMemory: "2GB",
			Threads:   0, // 0 = runtime.NumCPU()
		},
		Storage: StorageConfig{
			Root: "/data/artifacts",
		},
		NATS: NATSConfig{
			EmbeddedServer:   true,
			URL:              "nats://127.0.0.1:4222",
			StoreDir:         "/data/nats/jetstream",
			SubscribersCount: 4,
			DurableName:      "session-processor",
			QueueGroup:       "processors",
			MaxDeliver:       5,
		},
		Cache: CacheConfig{
			Backend:    "badger",
			Path:       "/data/cache",
			TTL:        24 * time.Hour,
			GCInterval: 10 * time.Minute,
		},
		FFmpeg: FFmpegConfig{
			FFmpegPath:  "ffmpeg",
			FFprobePath: "ffprobe",
			Bitrate:     "128k",
			Timeout:     10 * time.Minute,
		},
		Transcriber: TranscriberConfig{
			BaseURL:      "",
			APIKey:       "",
			PollInterval: 3 * time.Second,
			Timeout:      30 * time.Minute,
		},
		Analyzer: AnalyzerConfig{
			BaseURL:           "",
			APIKey:            "",
			Model:             "insight-v3",
			Timeout:           5 * time.Minute,
			RequestsPerMinute: 30,
		},
		Security: SecurityConfig{
			JWTSecret:       "",
			TokenTTL:        12 * time.Hour,
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
			CORSOrigins:     []string{},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}
