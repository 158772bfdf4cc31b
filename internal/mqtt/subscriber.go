// TagSentry - BLE Tracker Detection and Location Correlation
// Copyright 2026 TagSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tagsentry/tagsentry

// Package mqtt subscribes to edge-scanner scan batches. Scanners publish one
// JSON ScanBatch per scan cycle to tagsentry/<scanner>/scan; the subscriber
// decodes each message and hands it to the ingest pipeline.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tagsentry/tagsentry/internal/ingest"
	"github.com/tagsentry/tagsentry/internal/logging"
	"github.com/tagsentry/tagsentry/internal/metrics"
)

// ErrConnectTimeout is returned when the broker does not answer within the
// configured connect timeout.
var ErrConnectTimeout = errors.New("mqtt broker connect timed out")

// processTimeout bounds how long one batch may hold the paho handler
// goroutine.
const processTimeout = 30 * time.Second

// BatchProcessor consumes decoded scan batches. Satisfied by
// *ingest.Pipeline.
type BatchProcessor interface {
	Process(ctx context.Context, batch *ingest.ScanBatch) (*ingest.Result, error)
}

// Config holds broker and subscription settings.
type Config struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string

	// Topic is the subscription filter, normally tagsentry/+/scan with
	// the wildcard segment carrying the scanner ID.
	Topic string
	QoS   byte

	// MaxBatchesPerSecond rate-limits inbound batches across all
	// scanners. 0 disables the limit.
	MaxBatchesPerSecond float64

	ConnectTimeout time.Duration
}

// Subscriber bridges the MQTT broker and the ingest pipeline.
type Subscriber struct {
	client    paho.Client
	processor BatchProcessor
	config    Config
	limiter   *rate.Limiter
}

// NewSubscriber builds a subscriber. It does not touch the network; call
// Serve (or Connect) to start consuming.
func NewSubscriber(config Config, processor BatchProcessor) *Subscriber {
	if config.ClientID == "" {
		config.ClientID = "tagsentry-" + uuid.NewString()[:8]
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}

	s := &Subscriber{
		processor: processor,
		config:    config,
	}
	if config.MaxBatchesPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(config.MaxBatchesPerSecond), int(config.MaxBatchesPerSecond)+1)
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(config.BrokerURL)
	opts.SetClientID(config.ClientID)
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	// Resubscribe on every (re)connect so a broker restart cannot
	// silently stop ingestion.
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logging.Warn().Err(err).Str("component", "mqtt").Msg("MQTT connection lost")
	})

	s.client = paho.NewClient(opts)
	return s
}

// Connect dials the broker and blocks until connected or the timeout
// elapses. Subscription happens in the connect callback.
func (s *Subscriber) Connect() error {
	token := s.client.Connect()
	if !token.WaitTimeout(s.config.ConnectTimeout) {
		return fmt.Errorf("%w after %s", ErrConnectTimeout, s.config.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connecting to mqtt broker %s: %w", s.config.BrokerURL, err)
	}
	return nil
}

// Serve runs the subscriber until the context is cancelled. It implements
// the supervisor service contract: a connect failure is returned so the
// supervisor can restart with backoff.
func (s *Subscriber) Serve(ctx context.Context) error {
	if err := s.Connect(); err != nil {
		return err
	}
	logging.Info().
		Str("component", "mqtt").
		Str("broker", s.config.BrokerURL).
		Str("topic", s.config.Topic).
		Msg("MQTT subscriber started")

	<-ctx.Done()
	s.Close()
	return ctx.Err()
}

// Close disconnects from the broker, allowing 250 ms for in-flight work.
func (s *Subscriber) Close() {
	s.client.Disconnect(250)
	logging.Info().Str("component", "mqtt").Msg("MQTT subscriber stopped")
}

func (s *Subscriber) onConnect(client paho.Client) {
	token := client.Subscribe(s.config.Topic, s.config.QoS, s.handleMessage)
	if token.Wait() && token.Error() != nil {
		logging.Error().
			Err(token.Error()).
			Str("component", "mqtt").
			Str("topic", s.config.Topic).
			Msg("MQTT subscribe failed")
		return
	}
	logging.Info().
		Str("component", "mqtt").
		Str("topic", s.config.Topic).
		Msg("MQTT subscribed")
}

// handleMessage decodes and ingests one published batch. Runs on a paho
// handler goroutine; errors are logged, never returned, so one bad message
// cannot wedge the subscription.
func (s *Subscriber) handleMessage(_ paho.Client, msg paho.Message) {
	if s.limiter != nil && !s.limiter.Allow() {
		metrics.RecordMQTTMessage("rate_limited")
		logging.Warn().
			Str("component", "mqtt").
			Str("topic", msg.Topic()).
			Msg("Scan batch dropped by rate limit")
		return
	}

	var batch ingest.ScanBatch
	if err := json.Unmarshal(msg.Payload(), &batch); err != nil {
		metrics.RecordMQTTMessage("malformed")
		logging.Warn().
			Err(err).
			Str("component", "mqtt").
			Str("topic", msg.Topic()).
			Msg("Malformed scan batch")
		return
	}
	if batch.ScannerID == "" {
		batch.ScannerID = scannerIDFromTopic(msg.Topic())
	}

	ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
	defer cancel()

	result, err := s.processor.Process(ctx, &batch)
	if err != nil {
		metrics.RecordMQTTMessage("rejected")
		metrics.RecordIngestRejection("mqtt")
		logging.Warn().
			Err(err).
			Str("component", "mqtt").
			Str("scanner_id", batch.ScannerID).
			Msg("Scan batch rejected")
		return
	}

	metrics.RecordMQTTMessage("processed")
	metrics.RecordIngestBatch("mqtt", len(batch.Advertisements), result.Failed)

	logging.Debug().
		Str("component", "mqtt").
		Str("scanner_id", batch.ScannerID).
		Str("scan_id", result.ScanID).
		Int("processed", result.Processed).
		Msg("Scan batch processed")
}

// scannerIDFromTopic extracts the scanner segment from a
// tagsentry/<scanner>/scan topic. Returns "" when the topic has no middle
// segment.
func scannerIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[1]
}
