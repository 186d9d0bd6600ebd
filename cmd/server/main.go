// Clinsight - Therapy Session Insight Pipeline
// Copyright 2026 M. Preiss (mpreiss)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mpreiss/clinsight

// Package main is the entry point for the Clinsight server.
//
// Clinsight ingests recorded therapy session videos and turns them into
// structured clinical insight through an event-driven pipeline: audio
// extraction (ffmpeg), speaker-diarized transcription (hosted vendor),
// and LLM analysis with a content-addressed insight cache.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: layered load from defaults, config.yaml, and
//     CLINSIGHT_* environment variables (Koanf v2)
//  2. Lifecycle store: DuckDB with the videos/analyses/segments schema
//  3. Artifact store: content-addressed blob directory on local disk
//  4. Insight cache: BadgerDB with TTL entries (or in-memory)
//  5. Event bus: embedded NATS JetStream server (optional), the
//     SESSION_EVENTS stream, publisher, and per-stage durable consumers
//  6. Stage handlers: audio, transcription, analysis, poison, wired
//     into one Watermill router with retry and dead-letter middleware
//  7. HTTP edge: upload ingestion and reporting API (chi)
//  8. Supervisor tree: suture supervision of broker, router, and API
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins):
//   - Environment variables (prefix CLINSIGHT_, "__" nests sections,
//     e.g. CLINSIGHT_ANALYZER__API_KEY -> analyzer.api_key)
//   - Config file (config.yaml, or the path in CLINSIGHT_CONFIG)
//   - Built-in defaults
//
// The transcription and analysis vendors are required:
//   - CLINSIGHT_TRANSCRIBER__BASE_URL, CLINSIGHT_TRANSCRIBER__API_KEY
//   - CLINSIGHT_ANALYZER__BASE_URL, CLINSIGHT_ANALYZER__API_KEY
//
// For bearer-token authentication (optional; the API is open when the
// secret is unset):
//   - CLINSIGHT_SECURITY__JWT_SECRET: 32+ character signing secret
//   - CLINSIGHT_SECURITY__ADMIN_USERNAME
//   - CLINSIGHT_SECURITY__ADMIN_PASSWORD_HASH: bcrypt hash
//
// # Signal Handling
//
// The server handles graceful shutdown on SIGINT and SIGTERM:
//   - Stops accepting new HTTP connections
//   - Waits for in-flight requests and stage handlers to complete
//   - Closes the router, subscribers, publisher, and broker
//   - Closes the insight cache and lifecycle store
//
// Events already accepted into the stream survive a shutdown; durable
// consumers resume from their last acknowledged position on restart.
//
// # Example Usage
//
// Single binary with the embedded broker:
//
//	export CLINSIGHT_TRANSCRIBER__BASE_URL=https://api.assemblyai.com/v2
//	export CLINSIGHT_TRANSCRIBER__API_KEY=your-key
//	export CLINSIGHT_ANALYZER__BASE_URL=https://api.openai.com/v1
//	export CLINSIGHT_ANALYZER__API_KEY=your-key
//	./clinsight
//
// Against an external NATS cluster:
//
//	export CLINSIGHT_NATS__EMBEDDED_SERVER=false
//	export CLINSIGHT_NATS__URL=nats://broker:4222
//	./clinsight
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/mpreiss/clinsight/internal/api"
	"github.com/mpreiss/clinsight/internal/auth"
	"github.com/mpreiss/clinsight/internal/cachegate"
	"github.com/mpreiss/clinsight/internal/collab"
	"github.com/mpreiss/clinsight/internal/config"
	"github.com/mpreiss/clinsight/internal/eventbus"
	"github.com/mpreiss/clinsight/internal/events"
	"github.com/mpreiss/clinsight/internal/logging"
	"github.com/mpreiss/clinsight/internal/objectstore"
	"github.com/mpreiss/clinsight/internal/stage"
	"github.com/mpreiss/clinsight/internal/store"
	"github.com/mpreiss/clinsight/internal/supervisor"
	"github.com/mpreiss/clinsight/internal/supervisor/services"
)

//nolint:gocyclo // Main initialization function with sequential setup steps
func main() {
	// Load configuration first to get logging settings
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("db_path", cfg.Database.Path).
		Str("storage_root", cfg.Storage.Root).
		Bool("embedded_broker", cfg.NATS.EmbeddedServer).
		Bool("auth_enabled", cfg.Security.AuthEnabled()).
		Msg("Starting Clinsight")

	// Lifecycle store
	st, err := store.New(store.Config{
		Path:      cfg.Database.Path,
		MaxMemory: cfg.Database.MaxMemory,
		Threads:   cfg.Database.Threads,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open lifecycle store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing lifecycle store")
		}
	}()

	// Artifact store
	blobs, err := objectstore.NewFSStore(cfg.Storage.Root)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open artifact store")
	}

	// Insight cache
	var cache cachegate.InsightCache
	switch cfg.Cache.Backend {
	case "memory":
		cache = cachegate.NewMemoryCache(cfg.Cache.TTL)
		logging.Info().Dur("ttl", cfg.Cache.TTL).Msg("In-memory insight cache enabled")
	default:
		badgerCache, err := cachegate.OpenBadger(cachegate.BadgerConfig{
			Path:       cfg.Cache.Path,
			TTL:        cfg.Cache.TTL,
			GCInterval: cfg.Cache.GCInterval,
		})
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to open insight cache")
		}
		cache = badgerCache
		logging.Info().
			Str("path", cfg.Cache.Path).
			Dur("ttl", cfg.Cache.TTL).
			Msg("Persistent insight cache enabled")
	}
	defer func() {
		if err := cache.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing insight cache")
		}
	}()

	// Embedded broker (optional)
	natsURL := cfg.NATS.URL
	var embedded *eventbus.EmbeddedServer
	if cfg.NATS.EmbeddedServer {
		srvCfg := eventbus.DefaultServerConfig()
		srvCfg.StoreDir = cfg.NATS.StoreDir
		if host, port, err := splitHostPort(cfg.NATS.URL); err == nil {
			srvCfg.Host = host
			srvCfg.Port = port
		}
		embedded, err = eventbus.NewEmbeddedServer(&srvCfg)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to start embedded NATS server")
		}
		natsURL = embedded.ClientURL()
		logging.Info().Str("url", natsURL).Msg("Embedded NATS server started")
	}

	// Session event stream
	streamCfg := eventbus.DefaultStreamConfig()
	streamMgr, nc, err := eventbus.ConnectStreamManager(natsURL, &streamCfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer nc.Close()
	if _, err := streamMgr.EnsureStream(context.Background()); err != nil {
		logging.Fatal().Err(err).Msg("Failed to provision session event stream")
	}
	logging.Info().Str("stream", streamCfg.Name).Msg("Session event stream ready")

	wmLogger := logging.NewWatermillAdapter()

	// Publisher shared by the edge and the stage handlers
	publisher, err := eventbus.NewPublisher(eventbus.DefaultPublisherConfig(natsURL), wmLogger)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create event publisher")
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing event publisher")
		}
	}()

	// Per-stage durable subscribers. Each stage gets its own consumer so
	// a slow analysis backlog never starves audio extraction.
	newSubscriber := func(suffix string) *eventbus.Subscriber {
		subCfg := eventbus.DefaultSubscriberConfig(
			natsURL,
			cfg.NATS.DurableName+"-"+suffix,
			cfg.NATS.QueueGroup+"-"+suffix,
		)
		subCfg.SubscribersCount = cfg.NATS.SubscribersCount
		subCfg.MaxDeliver = cfg.NATS.MaxDeliver
		sub, err := eventbus.NewSubscriber(&subCfg, wmLogger)
		if err != nil {
			logging.Fatal().Err(err).Str("stage", suffix).Msg("Failed to create subscriber")
		}
		return sub
	}
	audioSub := newSubscriber("audio")
	transcriptionSub := newSubscriber("transcription")
	analysisSub := newSubscriber("analysis")
	poisonSub := newSubscriber("poison")
	defer func() {
		for _, sub := range []*eventbus.Subscriber{audioSub, transcriptionSub, analysisSub, poisonSub} {
			if err := sub.Close(); err != nil {
				logging.Error().Err(err).Msg("Error closing subscriber")
			}
		}
	}()

	// Collaborators
	extractor := collab.NewFFmpegExtractor(collab.FFmpegConfig{
		FFmpegPath:  cfg.FFmpeg.FFmpegPath,
		FFprobePath: cfg.FFmpeg.FFprobePath,
		Bitrate:     cfg.FFmpeg.Bitrate,
		Timeout:     cfg.FFmpeg.Timeout,
	})
	transcriber := collab.NewHTTPTranscriber(collab.TranscriberConfig{
		BaseURL:      cfg.Transcriber.BaseURL,
		APIKey:       cfg.Transcriber.APIKey,
		PollInterval: cfg.Transcriber.PollInterval,
		Timeout:      cfg.Transcriber.Timeout,
	})
	analyzer := collab.NewLLMAnalyzer(collab.AnalyzerConfig{
		BaseURL:           cfg.Analyzer.BaseURL,
		APIKey:            cfg.Analyzer.APIKey,
		Model:             cfg.Analyzer.Model,
		Timeout:           cfg.Analyzer.Timeout,
		RequestsPerMinute: cfg.Analyzer.RequestsPerMinute,
	})

	// Stage router with retry and dead-letter middleware
	routerCfg := eventbus.DefaultRouterConfig()
	routerCfg.RetryMaxRetries = cfg.NATS.MaxDeliver
	router, err := eventbus.NewRouter(&routerCfg, publisher.WatermillPublisher(), wmLogger)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create event router")
	}

	audioStage := stage.NewAudioStage(st, blobs, extractor)
	router.AddHandler(
		"audio-stage",
		events.KindVideoUploaded.Topic(),
		audioSub.WatermillSubscriber(),
		events.KindAudioExtracted.Topic(),
		publisher.WatermillPublisher(),
		audioStage.Handle,
	)

	transcriptionStage := stage.NewTranscriptionStage(st, blobs, transcriber)
	router.AddHandler(
		"transcription-stage",
		events.KindAudioExtracted.Topic(),
		transcriptionSub.WatermillSubscriber(),
		events.KindTranscriptReady.Topic(),
		publisher.WatermillPublisher(),
		transcriptionStage.Handle,
	)

	analysisStage := stage.NewAnalysisStage(st, cache, analyzer)
	router.AddHandler(
		"analysis-stage",
		events.KindTranscriptReady.Topic(),
		analysisSub.WatermillSubscriber(),
		events.KindAnalysisComplete.Topic(),
		publisher.WatermillPublisher(),
		analysisStage.Handle,
	)

	poisonHandler := stage.NewPoisonHandler(st)
	router.AddConsumerHandler(
		"poison-consumer",
		events.PoisonTopic,
		poisonSub.WatermillSubscriber(),
		poisonHandler.Handle,
	)
	logging.Info().Msg("Stage handlers registered")

	// Authentication (optional)
	var tokens *auth.TokenService
	var authHandler *api.AuthHandler
	if cfg.Security.AuthEnabled() {
		tokens, err = auth.NewTokenService(auth.Config{
			Secret: cfg.Security.JWTSecret,
			TTL:    cfg.Security.TokenTTL,
		})
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to initialize token service")
		}
		authHandler = api.NewAuthHandler(tokens, cfg.Security.AdminUsername, cfg.Security.AdminPasswordHash)
		logging.Info().Msg("Bearer token authentication enabled")
	} else {
		logging.Warn().Msg("Authentication is DISABLED; the API accepts unauthenticated requests")
		logging.Warn().Msg("Set CLINSIGHT_SECURITY__JWT_SECRET to enable bearer auth")
	}

	// HTTP edge
	handler := api.NewHandler(st, blobs, publisher, streamMgr.IsHealthy)
	handler.SetMaxUploadBytes(cfg.Server.MaxUploadBytes)
	httpHandler := api.NewRouter(handler, authHandler, tokens, &api.RouterConfig{
		CORSAllowedOrigins: cfg.Security.CORSOrigins,
		RateLimitRequests:  cfg.Security.RateLimitReqs,
		RateLimitWindow:    cfg.Security.RateLimitWindow,
		RateLimitDisabled:  cfg.Security.RateLimitDisabled,
	})
	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:      httpHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Supervisor tree: pipeline layer (broker, router) and api layer
	treeCfg := supervisor.DefaultTreeConfig()
	treeCfg.ShutdownTimeout = cfg.Server.ShutdownTimeout
	tree := supervisor.NewTree(logging.NewSlogLogger(), treeCfg)

	if embedded != nil {
		tree.AddPipelineService(services.NewBrokerService(embedded, cfg.Server.ShutdownTimeout))
	}
	tree.AddPipelineService(services.NewEventRouterService(router))
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Shutdown signal received, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	if len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("Services failed to stop within timeout")
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
		}
	}

	logging.Info().Msg("Clinsight stopped gracefully")
}

// splitHostPort extracts the host and port from a nats:// URL so the
// embedded server listens where clients expect it.
func splitHostPort(natsURL string) (string, int, error) {
	trimmed := natsURL
	for _, prefix := range []string{"nats://", "tls://"} {
		if len(trimmed) > len(prefix) && trimmed[:len(prefix)] == prefix {
			trimmed = trimmed[len(prefix):]
			break
		}
	}
	host, portStr, err := net.SplitHostPort(trimmed)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", natsURL, err)
	}
	return host, port, nil
}
