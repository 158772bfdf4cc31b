// TagSentry - BLE Tracker Detection and Location Correlation
// Copyright 2026 TagSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tagsentry/tagsentry

// Package config loads and validates TagSentry configuration from layered
// sources: built-in defaults, an optional YAML file, and TAGSENTRY_*
// environment variables, in increasing order of precedence.
package config

import "time"

// Config is the root configuration for the TagSentry server.
type Config struct {
	Database  DatabaseConfig  `koanf:"database"`
	Server    ServerConfig    `koanf:"server"`
	MQTT      MQTTConfig      `koanf:"mqtt"`
	Ingest    IngestConfig    `koanf:"ingest"`
	Identity  IdentityConfig  `koanf:"identity"`
	Detection DetectionConfig `koanf:"detection"`
	Webhook   WebhookConfig   `koanf:"webhook"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// DatabaseConfig configures the DuckDB correlation store.
type DatabaseConfig struct {
	// Path is the database file path, or ":memory:" for ephemeral use.
	Path string `koanf:"path"`

	// MaxMemory caps DuckDB memory usage, e.g. "1GB".
	MaxMemory string `koanf:"max_memory"`

	// Threads is the DuckDB thread count. 0 uses runtime.NumCPU().
	Threads int `koanf:"threads"`

	// PreserveInsertionOrder trades memory for stable unordered results.
	PreserveInsertionOrder bool `koanf:"preserve_insertion_order"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`

	// CORSOrigins lists allowed origins for browser clients.
	CORSOrigins []string `koanf:"cors_origins"`

	// RateLimitRequests and RateLimitWindow throttle per-IP request
	// volume. Scanners posting batches stay well under the default.
	RateLimitRequests int           `koanf:"rate_limit_requests"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
}

// MQTTConfig configures the MQTT scan-batch subscriber. Disabled by
// default; scanners can always use the HTTP ingest endpoint instead.
type MQTTConfig struct {
	Enabled   bool   `koanf:"enabled"`
	BrokerURL string `koanf:"broker_url"`
	ClientID  string `koanf:"client_id"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`

	// Topic is the subscription filter. The default's wildcard segment
	// carries the scanner ID: tagsentry/<scanner>/scan.
	Topic string `koanf:"topic"`
	QoS   byte   `koanf:"qos"`

	// MaxBatchesPerSecond rate-limits inbound batches across all
	// scanners. 0 disables the limit.
	MaxBatchesPerSecond float64 `koanf:"max_batches_per_second"`

	ConnectTimeout time.Duration `koanf:"connect_timeout"`
}

// IngestConfig tunes the scan-cycle processing pipeline.
type IngestConfig struct {
	// MaxBatchSize rejects scan batches with more advertisements than
	// this, before any per-advertisement work.
	MaxBatchSize int `koanf:"max_batch_size"`

	// MinLocationDistanceMeters is the movement threshold below which a
	// new GPS fix reuses the previous location row.
	MinLocationDistanceMeters float64 `koanf:"min_location_distance_meters"`
}

// IdentityConfig tunes MAC-rotation linking.
type IdentityConfig struct {
	RotationWindow        time.Duration `koanf:"rotation_window"`
	WeakLinkWindow        time.Duration `koanf:"weak_link_window"`
	WeakRSSIDelta         int           `koanf:"weak_rssi_delta"`
	WeakMaxDistanceMeters float64       `koanf:"weak_max_distance_meters"`
}

// DetectionConfig tunes the periodic detection pass and alerting.
type DetectionConfig struct {
	// Interval between automatic detection passes. 0 disables the
	// periodic service; detection can still be triggered via the API.
	Interval time.Duration `koanf:"interval"`

	// MinLocationCount is the floor on distinct locations before a
	// device is scored. Never effectively below 2.
	MinLocationCount int `koanf:"min_location_count"`

	// MinThreatScore is the reporting floor in [0,1].
	MinThreatScore float64 `koanf:"min_threat_score"`

	// MinDistanceMeters drops candidates whose sightings never span at
	// least this distance. Sensible values are 50 to 500.
	MinDistanceMeters float64 `koanf:"min_distance_meters"`

	// AlertThrottleWindow suppresses repeat alerts per device.
	AlertThrottleWindow time.Duration `koanf:"alert_throttle_window"`

	// Workers bounds concurrent candidate scoring.
	Workers int `koanf:"workers"`
}

// WebhookConfig configures outbound alert delivery.
type WebhookConfig struct {
	Enabled bool              `koanf:"enabled"`
	URL     string            `koanf:"url"`
	Timeout time.Duration     `koanf:"timeout"`
	Headers map[string]string `koanf:"headers"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all defaults applied. Layered
// loading overrides these from file and environment.
func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:                   "/data/tagsentry.duckdb",
			MaxMemory:              "1GB",
			Threads:                0,
			PreserveInsertionOrder: true,
		},
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8842,
			Timeout:           30 * time.Second,
			CORSOrigins:       []string{"*"},
			RateLimitRequests: 300,
			RateLimitWindow:   time.Minute,
		},
		MQTT: MQTTConfig{
			Enabled:             false,
			BrokerURL:           "tcp://127.0.0.1:1883",
			ClientID:            "tagsentry-server",
			Topic:               "tagsentry/+/scan",
			QoS:                 1,
			MaxBatchesPerSecond: 10,
			ConnectTimeout:      10 * time.Second,
		},
		Ingest: IngestConfig{
			MaxBatchSize:              256,
			MinLocationDistanceMeters: 25,
		},
		Identity: IdentityConfig{
			RotationWindow:        15 * time.Minute,
			WeakLinkWindow:        90 * time.Second,
			WeakRSSIDelta:         15,
			WeakMaxDistanceMeters: 50,
		},
		Detection: DetectionConfig{
			Interval:            10 * time.Minute,
			MinLocationCount:    3,
			MinThreatScore:      0.5,
			MinDistanceMeters:   100,
			AlertThrottleWindow: time.Hour,
			Workers:             4,
		},
		Webhook: WebhookConfig{
			Enabled: false,
			Timeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
