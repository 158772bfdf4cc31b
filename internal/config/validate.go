// TagSentry - BLE Tracker Detection and Location Correlation
// Copyright 2026 TagSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tagsentry/tagsentry

package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateMQTT(); err != nil {
		return err
	}
	if err := c.validateDetection(); err != nil {
		return err
	}
	if err := c.validateWebhook(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateDatabase() error {
	if c.Database.Path == "" {
		return fmt.Errorf("TAGSENTRY_DATABASE_PATH must not be empty")
	}
	if c.Database.Threads < 0 {
		return fmt.Errorf("TAGSENTRY_DATABASE_THREADS must be >= 0, got %d", c.Database.Threads)
	}
	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("TAGSENTRY_SERVER_PORT must be 1-65535, got %d", c.Server.Port)
	}
	if c.Server.Timeout <= 0 {
		return fmt.Errorf("TAGSENTRY_SERVER_TIMEOUT must be positive, got %s", c.Server.Timeout)
	}
	if !c.Server.RateLimitDisabled {
		if c.Server.RateLimitRequests <= 0 {
			return fmt.Errorf("TAGSENTRY_SERVER_RATE_LIMIT_REQUESTS must be positive, got %d", c.Server.RateLimitRequests)
		}
		if c.Server.RateLimitWindow <= 0 {
			return fmt.Errorf("TAGSENTRY_SERVER_RATE_LIMIT_WINDOW must be positive, got %s", c.Server.RateLimitWindow)
		}
	}
	return nil
}

func (c *Config) validateMQTT() error {
	if !c.MQTT.Enabled {
		return nil
	}
	if c.MQTT.BrokerURL == "" {
		return fmt.Errorf("TAGSENTRY_MQTT_BROKER_URL is required when TAGSENTRY_MQTT_ENABLED=true")
	}
	u, err := url.Parse(c.MQTT.BrokerURL)
	if err != nil {
		return fmt.Errorf("TAGSENTRY_MQTT_BROKER_URL is invalid: %w", err)
	}
	switch u.Scheme {
	case "tcp", "ssl", "tls", "ws", "wss":
	default:
		return fmt.Errorf("TAGSENTRY_MQTT_BROKER_URL scheme must be tcp, ssl, tls, ws, or wss, got %q", u.Scheme)
	}
	if c.MQTT.Topic == "" {
		return fmt.Errorf("TAGSENTRY_MQTT_TOPIC must not be empty")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("TAGSENTRY_MQTT_QOS must be 0, 1, or 2, got %d", c.MQTT.QoS)
	}
	return nil
}

func (c *Config) validateDetection() error {
	if c.Detection.MinLocationCount < 2 {
		return fmt.Errorf("TAGSENTRY_DETECTION_MIN_LOCATION_COUNT must be >= 2, got %d", c.Detection.MinLocationCount)
	}
	if c.Detection.MinThreatScore < 0 || c.Detection.MinThreatScore > 1 {
		return fmt.Errorf("TAGSENTRY_DETECTION_MIN_THREAT_SCORE must be in [0,1], got %v", c.Detection.MinThreatScore)
	}
	if c.Detection.MinDistanceMeters < 0 {
		return fmt.Errorf("TAGSENTRY_DETECTION_MIN_DISTANCE_METERS must be >= 0, got %v", c.Detection.MinDistanceMeters)
	}
	if c.Detection.Workers < 0 {
		return fmt.Errorf("TAGSENTRY_DETECTION_WORKERS must be >= 0, got %d", c.Detection.Workers)
	}
	return nil
}

func (c *Config) validateWebhook() error {
	if !c.Webhook.Enabled {
		return nil
	}
	if c.Webhook.URL == "" {
		return fmt.Errorf("TAGSENTRY_WEBHOOK_URL is required when TAGSENTRY_WEBHOOK_ENABLED=true")
	}
	u, err := url.Parse(c.Webhook.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("TAGSENTRY_WEBHOOK_URL must be a valid http(s) URL, got %q", c.Webhook.URL)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch strings.ToLower(c.Logging.Level) {
	case "", "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic", "disabled":
	default:
		return fmt.Errorf("TAGSENTRY_LOGGING_LEVEL must be a valid level, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("TAGSENTRY_LOGGING_FORMAT must be json or console, got %q", c.Logging.Format)
	}
	return nil
}
