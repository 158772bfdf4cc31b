// TagSentry - BLE Tracker Detection and Location Correlation
// Copyright 2026 TagSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tagsentry/tagsentry

// Package ingest turns raw scan batches from edge scanners into persisted
// sightings. One batch is one scan cycle: a single GPS fix plus every
// advertisement heard during the cycle. The pipeline validates the batch,
// deduplicates the GPS fix against the last stored location, fingerprints
// each advertisement, resolves it to a canonical device and records the
// sighting.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tagsentry/tagsentry/internal/fingerprint"
	"github.com/tagsentry/tagsentry/internal/identity"
	"github.com/tagsentry/tagsentry/internal/logging"
	"github.com/tagsentry/tagsentry/internal/metrics"
	"github.com/tagsentry/tagsentry/internal/models"
	"github.com/tagsentry/tagsentry/internal/validation"
)

// ErrBatchTooLarge is returned when a batch carries more advertisements than
// the configured maximum. The batch is rejected before any per-advertisement
// work.
var ErrBatchTooLarge = errors.New("scan batch exceeds configured maximum size")

// Store is the slice of the correlation store the pipeline needs.
// Satisfied by *database.DB.
type Store interface {
	// GetLatestLocation returns the most recently recorded location, or
	// (nil, nil) when none exists yet.
	GetLatestLocation(ctx context.Context) (*models.Location, error)

	// InsertLocation persists a location and returns its id.
	InsertLocation(ctx context.Context, loc *models.Location) (int64, error)

	// InsertSighting persists a sighting and returns its id.
	InsertSighting(ctx context.Context, s *models.Sighting) (int64, error)

	// RecordDeviceObservation advances a device's last-seen state for one
	// more sighting.
	RecordDeviceObservation(ctx context.Context, deviceID int64, seenAt time.Time, rssi int, advertisedName string, separated bool) error
}

// Resolver maps one observation to a canonical device. Satisfied by
// *identity.Linker.
type Resolver interface {
	Resolve(ctx context.Context, obs identity.Observation) (int64, identity.LinkDecision, error)
}

// GPSFix is the scanner's position for one scan cycle. A (0, 0) fix means
// the scanner had no position; the cycle is still ingested, it just cannot
// contribute location evidence.
type GPSFix struct {
	Latitude  float64   `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64   `json:"longitude" validate:"gte=-180,lte=180"`
	Accuracy  float64   `json:"accuracy" validate:"gte=0"`
	Altitude  *float64  `json:"altitude,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Provider  string    `json:"provider,omitempty" validate:"omitempty,max=32"`
}

// ScanBatch is one scan cycle as delivered over MQTT or HTTP.
type ScanBatch struct {
	ScannerID      string                    `json:"scanner_id" validate:"required,max=64"`
	Trigger        models.ScanTrigger        `json:"trigger,omitempty" validate:"omitempty,oneof=MANUAL PERIODIC CONTINUOUS"`
	Location       GPSFix                    `json:"location"`
	Advertisements []models.RawAdvertisement `json:"advertisements" validate:"required,min=1,dive"`
}

// Result summarizes what one batch produced.
type Result struct {
	ScanID          string `json:"scan_id"`
	LocationID      int64  `json:"location_id"`
	LocationChanged bool   `json:"location_changed"`
	Processed       int    `json:"processed"`
	Created         int    `json:"created"`
	Linked          int    `json:"linked"`
	Failed          int    `json:"failed"`
}

// Config tunes batch admission and location deduplication.
type Config struct {
	// MaxBatchSize rejects batches with more advertisements than this.
	MaxBatchSize int

	// MinLocationDistanceMeters is the movement threshold below which a
	// new GPS fix reuses the previous location row instead of creating
	// a near-duplicate.
	MinLocationDistanceMeters float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:              256,
		MinLocationDistanceMeters: 25,
	}
}

// Pipeline processes scan batches. Safe for concurrent use; per-device
// write ordering is enforced further down by the resolver and store.
type Pipeline struct {
	store    Store
	resolver Resolver
	config   Config
}

// NewPipeline builds a pipeline. Zero-value config fields fall back to
// DefaultConfig.
func NewPipeline(store Store, resolver Resolver, config Config) *Pipeline {
	defaults := DefaultConfig()
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = defaults.MaxBatchSize
	}
	if config.MinLocationDistanceMeters <= 0 {
		config.MinLocationDistanceMeters = defaults.MinLocationDistanceMeters
	}
	return &Pipeline{
		store:    store,
		resolver: resolver,
		config:   config,
	}
}

// Process ingests one scan batch. Batch-level problems (validation, size,
// location persistence) fail the whole batch; per-advertisement failures are
// tolerated, logged and counted in Result.Failed so one bad advertisement
// never drops the rest of the cycle.
func (p *Pipeline) Process(ctx context.Context, batch *ScanBatch) (*Result, error) {
	if batch == nil {
		return nil, errors.New("nil scan batch")
	}
	if len(batch.Advertisements) > p.config.MaxBatchSize {
		return nil, fmt.Errorf("%w: %d advertisements, limit %d",
			ErrBatchTooLarge, len(batch.Advertisements), p.config.MaxBatchSize)
	}
	if err := validation.ValidateStruct(batch); err != nil {
		return nil, err
	}

	ctx = logging.ContextWithNewScanID(ctx)
	log := logging.Ctx(ctx)

	fix := batch.Location
	if fix.Timestamp.IsZero() {
		fix.Timestamp = time.Now().UTC()
	}
	trigger := batch.Trigger
	if trigger == "" {
		trigger = models.TriggerPeriodic
	}

	locationID, locationChanged, distFromPrev, err := p.resolveLocation(ctx, &fix)
	if err != nil {
		return nil, fmt.Errorf("resolving scan location: %w", err)
	}

	result := &Result{
		ScanID:          logging.ScanIDFromContext(ctx),
		LocationID:      locationID,
		LocationChanged: locationChanged,
	}

	for i := range batch.Advertisements {
		adv := &batch.Advertisements[i]
		decision, err := p.processAdvertisement(ctx, adv, &fix, locationID, locationChanged, distFromPrev, trigger)
		if err != nil {
			result.Failed++
			log.Warn().
				Err(err).
				Str("mac", logging.RedactMAC(adv.MAC)).
				Msg("Advertisement dropped")
			continue
		}

		result.Processed++
		switch decision.Decision {
		case identity.DecisionCreated:
			result.Created++
			metrics.RecordDeviceCreated()
		case identity.DecisionLinked:
			result.Linked++
			metrics.RecordDeviceLinked(string(decision.Strength))
		}
	}

	log.Info().
		Str("scanner_id", batch.ScannerID).
		Int("advertisements", len(batch.Advertisements)).
		Int("processed", result.Processed).
		Int("created", result.Created).
		Int("linked", result.Linked).
		Int("failed", result.Failed).
		Bool("location_changed", locationChanged).
		Msg("Scan batch ingested")

	return result, nil
}

// resolveLocation dedups the batch's GPS fix against the most recent stored
// location. Movement below the threshold reuses the previous row so a
// stationary scanner does not flood the locations table. Distance is only
// meaningful when both fixes carry real coordinates.
func (p *Pipeline) resolveLocation(ctx context.Context, fix *GPSFix) (int64, bool, *float64, error) {
	prev, err := p.store.GetLatestLocation(ctx)
	if err != nil {
		return 0, false, nil, err
	}

	var distFromPrev *float64
	if prev != nil &&
		models.HasValidCoordinates(prev.Latitude, prev.Longitude) &&
		models.HasValidCoordinates(fix.Latitude, fix.Longitude) {
		d := models.HaversineMeters(prev.Latitude, prev.Longitude, fix.Latitude, fix.Longitude)
		distFromPrev = &d

		if d < p.config.MinLocationDistanceMeters {
			return prev.ID, false, distFromPrev, nil
		}
	} else if prev != nil && models.IsUnknownLocation(fix.Latitude, fix.Longitude) {
		// No new position: keep attributing sightings to the last
		// known location rather than inserting (0, 0) rows.
		return prev.ID, false, nil, nil
	}

	loc := &models.Location{
		Latitude:  fix.Latitude,
		Longitude: fix.Longitude,
		Accuracy:  fix.Accuracy,
		Altitude:  fix.Altitude,
		Timestamp: fix.Timestamp,
		Provider:  fix.Provider,
	}
	id, err := p.store.InsertLocation(ctx, loc)
	if err != nil {
		return 0, false, nil, err
	}

	// Changed only when there was a previous fix to move away from.
	return id, prev != nil && distFromPrev != nil, distFromPrev, nil
}

func (p *Pipeline) processAdvertisement(ctx context.Context, adv *models.RawAdvertisement, fix *GPSFix, locationID int64, locationChanged bool, distFromPrev *float64, trigger models.ScanTrigger) (identity.LinkDecision, error) {
	mac := models.NormalizeMAC(adv.MAC)
	fp, _ := fingerprint.Extract(adv)

	seenAt := adv.Timestamp
	if seenAt.IsZero() {
		seenAt = fix.Timestamp
	}

	obs := identity.Observation{
		MAC:             mac,
		Fingerprint:     fp.Fingerprint,
		BeaconType:      fp.BeaconType,
		Manufacturer:    fp.Manufacturer,
		ManufacturerID:  adv.ManufacturerID,
		AdvertisedName:  adv.AdvertisedName,
		FindMySeparated: fp.FindMySeparated,
		RSSI:            adv.RSSI,
		Latitude:        fix.Latitude,
		Longitude:       fix.Longitude,
		ObservedAt:      seenAt,
	}

	deviceID, decision, err := p.resolver.Resolve(ctx, obs)
	if err != nil {
		return decision, fmt.Errorf("resolving identity: %w", err)
	}

	sighting := &models.Sighting{
		DeviceID:         deviceID,
		LocationID:       locationID,
		RSSI:             adv.RSSI,
		Timestamp:        seenAt,
		LocationChanged:  locationChanged,
		DistanceFromPrev: distFromPrev,
		Trigger:          trigger,
	}
	if _, err := p.store.InsertSighting(ctx, sighting); err != nil {
		return decision, fmt.Errorf("inserting sighting: %w", err)
	}

	// A freshly created device already carries this observation's state,
	// but re-applying it is harmless and keeps the code path uniform.
	if err := p.store.RecordDeviceObservation(ctx, deviceID, seenAt, adv.RSSI, adv.AdvertisedName, fp.FindMySeparated); err != nil {
		return decision, fmt.Errorf("recording observation: %w", err)
	}

	logging.Ctx(ctx).Debug().
		Str("mac", logging.RedactMAC(mac)).
		Int64("device_id", deviceID).
		Str("decision", string(decision.Decision)).
		Int("rssi", adv.RSSI).
		Msg("Advertisement processed")

	return decision, nil
}
