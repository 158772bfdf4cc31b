// TagSentry - BLE Tracker Detection and Location Correlation
// Copyright 2026 TagSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tagsentry/tagsentry

package detection

import (
	"context"
	"time"

	"github.com/tagsentry/tagsentry/internal/logging"
	"github.com/tagsentry/tagsentry/internal/metrics"
)

// Runner executes a full detection pass: score all candidates, then turn
// flagged devices into alerts. It is the unit both the periodic service and
// the manual API trigger invoke.
type Runner struct {
	engine    *Engine
	generator *Generator
	opts      Options
}

// PassSummary reports what one pass produced.
type PassSummary struct {
	Flagged  int           `json:"flagged"`
	AlertIDs []int64       `json:"alert_ids"`
	Duration time.Duration `json:"duration"`
}

// NewRunner wires an engine and an alert generator into a runnable pass.
func NewRunner(engine *Engine, generator *Generator, opts Options) *Runner {
	return &Runner{engine: engine, generator: generator, opts: opts}
}

// RunPass performs one detection pass. Alert suppression inside the
// generator is normal; only store-level failures surface as errors.
func (r *Runner) RunPass(ctx context.Context) (*PassSummary, error) {
	start := time.Now()
	scoredBefore := r.engine.Metrics().CandidatesScored

	results, err := r.engine.RunDetection(ctx, r.opts)
	if err != nil {
		metrics.RecordDetectionPass(time.Since(start), 0, 0, err)
		return nil, err
	}

	ids, err := r.generator.GenerateBatch(ctx, results)
	if err != nil {
		metrics.RecordDetectionPass(time.Since(start), 0, 0, err)
		return nil, err
	}

	duration := time.Since(start)
	scored := int(r.engine.Metrics().CandidatesScored - scoredBefore)
	metrics.RecordDetectionPass(duration, scored, len(results), nil)

	logging.Info().
		Int("flagged", len(results)).
		Int("alerts", len(ids)).
		Dur("duration", duration).
		Msg("detection pass complete")

	return &PassSummary{
		Flagged:  len(results),
		AlertIDs: ids,
		Duration: duration,
	}, nil
}
