// TagSentry - BLE Tracker Detection and Location Correlation
// Copyright 2026 TagSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tagsentry/tagsentry

// Package main is the entry point for the TagSentry server.
//
// TagSentry ingests BLE scan batches from field scanners, links rotating
// MAC addresses back to canonical devices, correlates sightings with GPS
// fixes, and periodically scores devices for tracker-like following
// behavior. Alerts surface through the REST API and optional webhooks.
//
// The server initializes components in the following order:
//
//  1. Configuration: layered Koanf v2 loading (defaults, YAML, TAGSENTRY_* env)
//  2. Database: DuckDB correlation store
//  3. Pipeline: fingerprinting, identity linking, sighting ingest
//  4. Detection: scorer, engine, alert generator, optional webhook notifier
//  5. Transports: HTTP API, optional MQTT subscriber
//  6. Supervisor: suture tree running all long-lived services
//
// Graceful shutdown on SIGINT and SIGTERM: the supervisor drains the HTTP
// server and MQTT subscription, then the database closes.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/tagsentry/tagsentry/internal/api"
	"github.com/tagsentry/tagsentry/internal/config"
	"github.com/tagsentry/tagsentry/internal/database"
	"github.com/tagsentry/tagsentry/internal/detection"
	"github.com/tagsentry/tagsentry/internal/identity"
	"github.com/tagsentry/tagsentry/internal/ingest"
	"github.com/tagsentry/tagsentry/internal/logging"
	"github.com/tagsentry/tagsentry/internal/mqtt"
	"github.com/tagsentry/tagsentry/internal/supervisor"
	"github.com/tagsentry/tagsentry/internal/supervisor/services"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Config errors use the default logger; Init has not run yet.
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("version", version).
		Str("db_path", cfg.Database.Path).
		Bool("mqtt_enabled", cfg.MQTT.Enabled).
		Dur("detection_interval", cfg.Detection.Interval).
		Msg("Starting TagSentry")

	db, err := database.New(&cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing database")
		}
	}()
	logging.Info().Msg("Database initialized")

	// Ingest pipeline: MAC normalization, fingerprinting, identity
	// linking, location dedup.
	linker := identity.NewLinker(db, identity.Config{
		RotationWindow:        cfg.Identity.RotationWindow,
		WeakLinkWindow:        cfg.Identity.WeakLinkWindow,
		WeakRSSIDelta:         cfg.Identity.WeakRSSIDelta,
		WeakMaxDistanceMeters: cfg.Identity.WeakMaxDistanceMeters,
	})
	pipeline := ingest.NewPipeline(db, linker, ingest.Config{
		MaxBatchSize:              cfg.Ingest.MaxBatchSize,
		MinLocationDistanceMeters: cfg.Ingest.MinLocationDistanceMeters,
	})

	// Detection: scoring engine plus alert generation with throttling.
	scorer := detection.NewScorer(detection.DefaultWeights(), detection.DefaultBounds())
	engine := detection.NewEngine(db, scorer, cfg.Detection.Workers)
	generator := detection.NewGenerator(db, cfg.Detection.AlertThrottleWindow)

	if cfg.Webhook.Enabled && cfg.Webhook.URL != "" {
		notifier := detection.NewWebhookNotifier(detection.WebhookConfig{
			WebhookURL: cfg.Webhook.URL,
			Headers:    cfg.Webhook.Headers,
			Enabled:    true,
			TimeoutMs:  int(cfg.Webhook.Timeout.Milliseconds()),
		})
		generator.RegisterNotifier(notifier)
		logging.Info().Str("url", cfg.Webhook.URL).Msg("Webhook notifier registered")
	}

	runner := detection.NewRunner(engine, generator, detection.Options{
		MinLocationCount:  cfg.Detection.MinLocationCount,
		MinThreatScore:    cfg.Detection.MinThreatScore,
		MinDistanceMeters: cfg.Detection.MinDistanceMeters,
	})

	// HTTP API.
	handler := api.NewHandler(db, pipeline, runner, version)
	middleware := api.NewMiddleware(api.MiddlewareConfig{
		CORSAllowedOrigins: cfg.Server.CORSOrigins,
		RateLimitRequests:  cfg.Server.RateLimitRequests,
		RateLimitWindow:    cfg.Server.RateLimitWindow,
		RateLimitDisabled:  cfg.Server.RateLimitDisabled,
	})
	router := api.NewRouter(handler, middleware)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Setup(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The supervisor logs through slog; bridge it to zerolog.
	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())

	tree.AddAPIService(services.NewHTTPService(httpServer, cfg.Server.Timeout))

	if cfg.Detection.Interval > 0 {
		tree.AddIngestService(services.NewDetectionService(runner, cfg.Detection.Interval))
	} else {
		logging.Info().Msg("Periodic detection disabled; use POST /api/v1/detection/run")
	}

	if cfg.MQTT.Enabled {
		subscriber := mqtt.NewSubscriber(mqtt.Config{
			BrokerURL:           cfg.MQTT.BrokerURL,
			ClientID:            cfg.MQTT.ClientID,
			Username:            cfg.MQTT.Username,
			Password:            cfg.MQTT.Password,
			Topic:               cfg.MQTT.Topic,
			QoS:                 cfg.MQTT.QoS,
			MaxBatchesPerSecond: cfg.MQTT.MaxBatchesPerSecond,
			ConnectTimeout:      cfg.MQTT.ConnectTimeout,
		}, pipeline)
		tree.AddIngestService(services.NewMQTTService(subscriber))
		logging.Info().
			Str("broker", cfg.MQTT.BrokerURL).
			Str("topic", cfg.MQTT.Topic).
			Msg("MQTT subscriber enabled")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Str("addr", httpServer.Addr).Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Shutting down, waiting for services to stop")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	// Drain the error channel; it closes when the supervisor finishes.
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("TagSentry stopped")
}
