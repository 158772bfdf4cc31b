// TagSentry - BLE Tracker Detection and Location Correlation
// Copyright 2026 TagSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tagsentry/tagsentry

package services

import (
	"context"
	"time"

	"github.com/tagsentry/tagsentry/internal/detection"
	"github.com/tagsentry/tagsentry/internal/logging"
)

// PassRunner runs one detection pass. Satisfied by *detection.Runner.
type PassRunner interface {
	RunPass(ctx context.Context) (*detection.PassSummary, error)
}

// DetectionService runs detection passes on a fixed interval.
//
// A failed pass is logged and does not stop the service: the store being
// briefly unavailable should not require supervisor intervention, the next
// tick retries naturally.
type DetectionService struct {
	runner   PassRunner
	interval time.Duration
	runOnce  bool
}

// NewDetectionService creates a periodic detection service. An interval
// of zero or less falls back to 15 minutes.
func NewDetectionService(runner PassRunner, interval time.Duration) *DetectionService {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &DetectionService{runner: runner, interval: interval, runOnce: true}
}

// Serve implements suture.Service. One pass runs immediately on start so
// a restart after downtime does not wait a full interval to catch up.
func (d *DetectionService) Serve(ctx context.Context) error {
	if d.runOnce {
		d.run(ctx)
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.run(ctx)
		}
	}
}

func (d *DetectionService) run(ctx context.Context) {
	if _, err := d.runner.RunPass(ctx); err != nil && ctx.Err() == nil {
		logging.Warn().Err(err).Msg("Periodic detection pass failed")
	}
}

// String identifies the service in supervisor logs.
func (d *DetectionService) String() string {
	return "detection-pass"
}
