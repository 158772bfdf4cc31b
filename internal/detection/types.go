// TagSentry - BLE Tracker Detection and Location Correlation
// Copyright 2026 TagSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tagsentry/tagsentry

package detection

import (
	"context"
	"errors"
	"time"

	"github.com/tagsentry/tagsentry/internal/models"
)

// ErrStoreUnavailable wraps correlation store connectivity failures. A pass
// that hits it aborts as a whole; per-candidate failures never surface it.
var ErrStoreUnavailable = errors.New("correlation store unavailable")

// CandidateStore supplies detection candidates and their history.
// Satisfied by *database.DB.
type CandidateStore interface {
	// GetDevicesWithLocationCountAtLeast returns devices sighted at n or
	// more distinct locations.
	GetDevicesWithLocationCountAtLeast(ctx context.Context, n int) ([]models.Device, error)

	// GetSightingsForDevice returns a device's sightings ordered by
	// timestamp ascending, with coordinates denormalized.
	GetSightingsForDevice(ctx context.Context, deviceID int64) ([]models.Sighting, error)

	// GetLocationsForDevice returns the distinct locations a device was
	// sighted at.
	GetLocationsForDevice(ctx context.Context, deviceID int64) ([]models.Location, error)

	// GetWhitelistedDeviceIDs returns the canonical device ids of all
	// active whitelist entries.
	GetWhitelistedDeviceIDs(ctx context.Context) ([]int64, error)

	// UpdateDeviceThreatLevel persists the banded score on the device row.
	UpdateDeviceThreatLevel(ctx context.Context, deviceID int64, level models.ThreatLevel) error
}

// AlertStore persists alerts and answers the throttling predicate.
// Satisfied by *database.DB.
type AlertStore interface {
	// InsertAlert persists a new alert and returns its id.
	InsertAlert(ctx context.Context, alert *models.Alert) (int64, error)

	// HasSimilarRecentAlert reports whether an alert for the same device
	// address set exists within the window. The similarity predicate is
	// the store's contract; callers only respect the boolean.
	HasSimilarRecentAlert(ctx context.Context, deviceAddresses []string, window time.Duration) (bool, error)

	// GetDeviceLinks returns a device's MAC rotation history.
	GetDeviceLinks(ctx context.Context, deviceID int64) ([]models.DeviceLink, error)
}

// Options parameterizes one detection pass.
type Options struct {
	// MinLocationCount is the minimum number of distinct locations a
	// device must have been sighted at to become a candidate.
	MinLocationCount int

	// MinThreatScore filters scored candidates; results below it are
	// dropped.
	MinThreatScore float64

	// MinDistanceMeters drops candidates whose sightings never span at
	// least this distance. A device that only moves within one building
	// is not following anyone. 0 disables the gate.
	MinDistanceMeters float64
}

// Notifier delivers alerts to an external channel.
type Notifier interface {
	Send(ctx context.Context, alert *models.Alert) error
	Name() string
	Enabled() bool
}

// severityForScore bands a threat score into an alert severity.
// Inclusive lower bounds: >=0.9 critical, >=0.7 high, >=0.6 medium.
func severityForScore(score float64) models.Severity {
	switch {
	case score >= 0.9:
		return models.SeverityCritical
	case score >= 0.7:
		return models.SeverityHigh
	case score >= 0.6:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// clamp01 bounds a value to [0,1].
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
