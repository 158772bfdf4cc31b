// TagSentry - BLE Tracker Detection and Location Correlation
// Copyright 2026 TagSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tagsentry/tagsentry

package services

import (
	"context"
)

// MQTTSubscriber matches the MQTT subscriber lifecycle. Satisfied by
// *mqtt.Subscriber.
type MQTTSubscriber interface {
	// Serve connects to the broker and blocks until the context is
	// canceled.
	Serve(ctx context.Context) error
}

// MQTTService wraps the scan batch subscriber as a supervised service.
// A failed broker connection returns an error and the supervisor restarts
// the service with backoff.
type MQTTService struct {
	subscriber MQTTSubscriber
}

// NewMQTTService wraps an MQTT subscriber as a supervised service.
func NewMQTTService(subscriber MQTTSubscriber) *MQTTService {
	return &MQTTService{subscriber: subscriber}
}

// Serve implements suture.Service.
func (m *MQTTService) Serve(ctx context.Context) error {
	return m.subscriber.Serve(ctx)
}

// String identifies the service in supervisor logs.
func (m *MQTTService) String() string {
	return "mqtt-subscriber"
}
