// TagSentry - BLE Tracker Detection and Location Correlation
// Copyright 2026 TagSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tagsentry/tagsentry

package detection

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/tagsentry/tagsentry/internal/logging"
	"github.com/tagsentry/tagsentry/internal/models"
)

// Engine orchestrates one detection pass: candidate query, whitelist
// exclusion, concurrent scoring, filtering, and deterministic ordering.
//
// The engine holds no mutable state between passes; calling RunDetection
// twice over unchanged data yields identical ordered results.
type Engine struct {
	store   CandidateStore
	scorer  *Scorer
	workers int

	mu      sync.RWMutex
	metrics EngineMetrics
}

// EngineMetrics tracks detection pass statistics.
type EngineMetrics struct {
	PassesCompleted   int64
	CandidatesScored  int64
	CandidatesSkipped int64
	ResultsReturned   int64
	LastPassDuration  time.Duration
	LastPassAt        time.Time
}

// NewEngine creates a detection engine. workers <= 0 selects one worker per
// CPU; scoring is pure CPU so more buys nothing.
func NewEngine(store CandidateStore, scorer *Scorer, workers int) *Engine {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if scorer == nil {
		scorer = NewScorer(DefaultWeights(), DefaultBounds())
	}
	return &Engine{store: store, scorer: scorer, workers: workers}
}

// RunDetection executes one full detection pass.
//
// Failure semantics: a candidate whose history cannot be loaded is skipped
// and logged, never fatal to the run. Store failures on the candidate or
// whitelist queries abort the whole pass. Context cancellation aborts the
// pass with nothing partially produced.
func (e *Engine) RunDetection(ctx context.Context, opts Options) ([]models.DetectionResult, error) {
	start := time.Now()

	if opts.MinLocationCount < 2 {
		opts.MinLocationCount = 2
	}

	candidates, err := e.store.GetDevicesWithLocationCountAtLeast(ctx, opts.MinLocationCount)
	if err != nil {
		return nil, fmt.Errorf("%w: listing candidates: %v", ErrStoreUnavailable, err)
	}

	whitelisted, err := e.whitelistSet(ctx)
	if err != nil {
		return nil, err
	}

	// Drop whitelisted candidates before scoring. Whitelisting applies to
	// the canonical device id, which already covers every linked MAC.
	eligible := candidates[:0]
	for _, c := range candidates {
		if whitelisted[c.ID] {
			continue
		}
		eligible = append(eligible, c)
	}

	results, skipped := e.scoreCandidates(ctx, eligible, opts)
	if err := ctx.Err(); err != nil {
		// Cancelled mid-pass: discard partial results.
		return nil, err
	}

	sortResults(results)

	e.mu.Lock()
	e.metrics.PassesCompleted++
	e.metrics.CandidatesScored += int64(len(eligible) - skipped)
	e.metrics.CandidatesSkipped += int64(skipped)
	e.metrics.ResultsReturned += int64(len(results))
	e.metrics.LastPassDuration = time.Since(start)
	e.metrics.LastPassAt = time.Now()
	e.mu.Unlock()

	logging.Info().
		Int("candidates", len(candidates)).
		Int("whitelisted", len(candidates)-len(eligible)).
		Int("skipped", skipped).
		Int("results", len(results)).
		Dur("duration", time.Since(start)).
		Msg("detection pass completed")

	return results, nil
}

// whitelistSet loads the whitelist into a set; failure aborts the pass
// because running detection without exclusions would alert on the user's
// own devices.
func (e *Engine) whitelistSet(ctx context.Context) (map[int64]bool, error) {
	ids, err := e.store.GetWhitelistedDeviceIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: loading whitelist: %v", ErrStoreUnavailable, err)
	}
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

// scoreCandidates fans candidate scoring out across the worker pool.
// Each candidate touches only its own sighting set, so workers share no
// mutable state; the final sort makes the merge order-independent.
func (e *Engine) scoreCandidates(ctx context.Context, candidates []models.Device, opts Options) ([]models.DetectionResult, int) {
	type outcome struct {
		result  *models.DetectionResult
		skipped bool
	}

	jobs := make(chan models.Device)
	outcomes := make(chan outcome)

	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for device := range jobs {
				res, skip := e.scoreOne(ctx, device, opts)
				select {
				case outcomes <- outcome{result: res, skipped: skip}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, c := range candidates {
			select {
			case jobs <- c:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	var results []models.DetectionResult
	skipped := 0
	for o := range outcomes {
		if o.skipped {
			skipped++
			continue
		}
		if o.result != nil {
			results = append(results, *o.result)
		}
	}
	return results, skipped
}

// scoreOne loads one candidate's history and scores it. Returns (nil, true)
// when the candidate had to be skipped, (nil, false) when it simply did not
// clear the thresholds.
func (e *Engine) scoreOne(ctx context.Context, device models.Device, opts Options) (*models.DetectionResult, bool) {
	sightings, err := e.store.GetSightingsForDevice(ctx, device.ID)
	if err != nil {
		logging.Warn().Err(err).Int64("device_id", device.ID).Msg("skipping candidate, sightings failed to load")
		return nil, true
	}
	locations, err := e.store.GetLocationsForDevice(ctx, device.ID)
	if err != nil {
		logging.Warn().Err(err).Int64("device_id", device.ID).Msg("skipping candidate, locations failed to load")
		return nil, true
	}

	// The candidate query runs against live data; re-check the floor in
	// case sightings were pruned between the query and the load.
	if len(locations) < opts.MinLocationCount || len(sightings) < 2 {
		return nil, false
	}

	maxDist, avgDist := distanceStats(sightings)
	if opts.MinDistanceMeters > 0 && maxDist < opts.MinDistanceMeters {
		return nil, false
	}

	score := e.scorer.Score(&device, sightings, locations)
	if score.Total < opts.MinThreatScore {
		return nil, false
	}

	// Best effort: the banded level on the device row is a display cache,
	// not part of the pass contract.
	level := models.ThreatLevelFromScore(score.Total)
	if err := e.store.UpdateDeviceThreatLevel(ctx, device.ID, level); err != nil {
		logging.Warn().Err(err).Int64("device_id", device.ID).Msg("threat level update failed")
	}
	device.ThreatLevel = level

	lastSeen := sightings[len(sightings)-1].Timestamp

	return &models.DetectionResult{
		Device:            device,
		Sightings:         sightings,
		Locations:         locations,
		Score:             score,
		MaxDistanceMeters: maxDist,
		AvgDistanceMeters: avgDist,
		LastSeen:          lastSeen,
		Reason:            buildReason(len(locations), sightings, maxDist),
	}, false
}

// sortResults orders results by descending threat score; ties break by most
// recent sighting first, then by device id so the order is total.
func sortResults(results []models.DetectionResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score.Total != results[j].Score.Total {
			return results[i].Score.Total > results[j].Score.Total
		}
		if !results[i].LastSeen.Equal(results[j].LastSeen) {
			return results[i].LastSeen.After(results[j].LastSeen)
		}
		return results[i].Device.ID < results[j].Device.ID
	})
}

// distanceStats returns the max and mean consecutive-sighting distances.
func distanceStats(sightings []models.Sighting) (maxM, avgM float64) {
	var sum float64
	var count int
	for i := 1; i < len(sightings); i++ {
		prev, cur := &sightings[i-1], &sightings[i]
		if !models.HasValidCoordinates(prev.Latitude, prev.Longitude) ||
			!models.HasValidCoordinates(cur.Latitude, cur.Longitude) {
			continue
		}
		d := models.HaversineMeters(prev.Latitude, prev.Longitude, cur.Latitude, cur.Longitude)
		sum += d
		count++
		if d > maxM {
			maxM = d
		}
	}
	if count > 0 {
		avgM = sum / float64(count)
	}
	return maxM, avgM
}

// buildReason renders the human-readable justification surfaced in alerts.
func buildReason(locationCount int, sightings []models.Sighting, maxDist float64) string {
	first := sightings[0].Timestamp
	last := sightings[len(sightings)-1].Timestamp
	span := last.Sub(first)
	return fmt.Sprintf("seen at %d locations across %s, up to %.0f m apart, %d sightings",
		locationCount, formatSpan(span), maxDist, len(sightings))
}

// formatSpan renders a duration in the largest sensible unit.
func formatSpan(d time.Duration) string {
	switch {
	case d >= 48*time.Hour:
		return fmt.Sprintf("%.0f days", d.Hours()/24)
	case d >= 2*time.Hour:
		return fmt.Sprintf("%.0f hours", d.Hours())
	case d >= 2*time.Minute:
		return fmt.Sprintf("%.0f minutes", d.Minutes())
	default:
		return fmt.Sprintf("%.0f seconds", d.Seconds())
	}
}

// Metrics returns a copy of the engine metrics.
func (e *Engine) Metrics() EngineMetrics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.metrics
}
