// TagSentry - BLE Tracker Detection and Location Correlation
// Copyright 2026 TagSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tagsentry/tagsentry

package mqtt

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tagsentry/tagsentry/internal/ingest"
	"github.com/tagsentry/tagsentry/internal/models"
)

type mockProcessor struct {
	mu      sync.Mutex
	batches []*ingest.ScanBatch
}

func (p *mockProcessor) Process(_ context.Context, batch *ingest.ScanBatch) (*ingest.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, batch)
	return &ingest.Result{ScanID: "test", Processed: len(batch.Advertisements)}, nil
}

func (p *mockProcessor) received() []*ingest.ScanBatch {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.batches
}

// mockMessage implements paho.Message for handler tests.
type mockMessage struct {
	topic   string
	payload []byte
}

func (m *mockMessage) Duplicate() bool   { return false }
func (m *mockMessage) Qos() byte         { return 1 }
func (m *mockMessage) Retained() bool    { return false }
func (m *mockMessage) Topic() string     { return m.topic }
func (m *mockMessage) MessageID() uint16 { return 1 }
func (m *mockMessage) Payload() []byte   { return m.payload }
func (m *mockMessage) Ack()              {}

func testPayload(t *testing.T, scannerID string) []byte {
	t.Helper()
	batch := ingest.ScanBatch{
		ScannerID: scannerID,
		Location: ingest.GPSFix{
			Latitude:  52.52,
			Longitude: 13.405,
			Timestamp: time.Now().UTC(),
		},
		Advertisements: []models.RawAdvertisement{{
			MAC:       "AA:BB:CC:DD:EE:FF",
			RSSI:      -60,
			Timestamp: time.Now().UTC(),
		}},
	}
	payload, err := json.Marshal(batch)
	if err != nil {
		t.Fatalf("marshal batch: %v", err)
	}
	return payload
}

func TestHandleMessageProcessesBatch(t *testing.T) {
	processor := &mockProcessor{}
	s := NewSubscriber(Config{BrokerURL: "tcp://127.0.0.1:1883", Topic: "tagsentry/+/scan"}, processor)

	s.handleMessage(nil, &mockMessage{
		topic:   "tagsentry/kitchen/scan",
		payload: testPayload(t, "kitchen"),
	})

	got := processor.received()
	if len(got) != 1 {
		t.Fatalf("batches processed = %d, want 1", len(got))
	}
	if got[0].ScannerID != "kitchen" {
		t.Errorf("scanner id = %q, want kitchen", got[0].ScannerID)
	}
}

func TestHandleMessageFillsScannerIDFromTopic(t *testing.T) {
	processor := &mockProcessor{}
	s := NewSubscriber(Config{BrokerURL: "tcp://127.0.0.1:1883", Topic: "tagsentry/+/scan"}, processor)

	s.handleMessage(nil, &mockMessage{
		topic:   "tagsentry/backpack/scan",
		payload: testPayload(t, ""),
	})

	got := processor.received()
	if len(got) != 1 {
		t.Fatalf("batches processed = %d, want 1", len(got))
	}
	if got[0].ScannerID != "backpack" {
		t.Errorf("scanner id = %q, want backpack (from topic)", got[0].ScannerID)
	}
}

func TestHandleMessageIgnoresMalformedPayload(t *testing.T) {
	processor := &mockProcessor{}
	s := NewSubscriber(Config{BrokerURL: "tcp://127.0.0.1:1883", Topic: "tagsentry/+/scan"}, processor)

	s.handleMessage(nil, &mockMessage{
		topic:   "tagsentry/kitchen/scan",
		payload: []byte("{not json"),
	})

	if got := processor.received(); len(got) != 0 {
		t.Fatalf("malformed payload must not reach the pipeline, got %d batches", len(got))
	}
}

func TestHandleMessageRateLimits(t *testing.T) {
	processor := &mockProcessor{}
	s := NewSubscriber(Config{
		BrokerURL:           "tcp://127.0.0.1:1883",
		Topic:               "tagsentry/+/scan",
		MaxBatchesPerSecond: 1,
	}, processor)

	payload := testPayload(t, "kitchen")
	for i := 0; i < 10; i++ {
		s.handleMessage(nil, &mockMessage{topic: "tagsentry/kitchen/scan", payload: payload})
	}

	// Burst allows limit+1 messages; the rest must be dropped.
	if got := len(processor.received()); got > 2 {
		t.Errorf("processed %d batches, want at most 2 under a 1/s limit", got)
	}
}

func TestScannerIDFromTopic(t *testing.T) {
	tests := []struct {
		topic string
		want  string
	}{
		{"tagsentry/kitchen/scan", "kitchen"},
		{"tagsentry/living-room/scan", "living-room"},
		{"tagsentry/scan", ""},
		{"scan", ""},
		{"", ""},
	}

	for _, tt := range tests {
		if got := scannerIDFromTopic(tt.topic); got != tt.want {
			t.Errorf("scannerIDFromTopic(%q) = %q, want %q", tt.topic, got, tt.want)
		}
	}
}

func TestNewSubscriberDefaults(t *testing.T) {
	s := NewSubscriber(Config{BrokerURL: "tcp://127.0.0.1:1883", Topic: "tagsentry/+/scan"}, &mockProcessor{})

	if s.config.ClientID == "" {
		t.Error("client id not defaulted")
	}
	if s.config.ConnectTimeout <= 0 {
		t.Error("connect timeout not defaulted")
	}
	if s.limiter != nil {
		t.Error("limiter must be nil when MaxBatchesPerSecond is 0")
	}
}
