// TagSentry - BLE Tracker Detection and Location Correlation
// Copyright 2026 TagSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tagsentry/tagsentry

package detection

import (
	"math"
	"time"

	"github.com/tagsentry/tagsentry/internal/models"
)

// Weights are the per-sub-score weights of the threat score. They are
// tunable, not product-specified; the only invariant is that the weighted
// sub-scores sum to the total.
type Weights struct {
	Location    float64 `json:"location"`
	Distance    float64 `json:"distance"`
	Time        float64 `json:"time"`
	Consistency float64 `json:"consistency"`
	DeviceType  float64 `json:"device_type"`
}

// DefaultWeights returns the default weighting scheme. Location coverage and
// geographic spread dominate: a device seen in many distant places is the
// core following signal.
func DefaultWeights() Weights {
	return Weights{
		Location:    0.30,
		Distance:    0.25,
		Time:        0.20,
		Consistency: 0.15,
		DeviceType:  0.10,
	}
}

// sum returns the total weight mass, used to normalize non-unit weightings.
func (w Weights) sum() float64 {
	return w.Location + w.Distance + w.Time + w.Consistency + w.DeviceType
}

// Bounds normalize raw inputs into [0,1] before weighting.
type Bounds struct {
	// LocationHalfSaturation is the distinct-location count above the
	// first at which the location sub-score reaches 0.5. The sub-score is
	// asymptotic: monotonic in count, saturating toward 1.
	LocationHalfSaturation float64 `json:"location_half_saturation"`

	// DistanceSaturationMeters is the max-from-first spread at which the
	// distance sub-score reaches 1.
	DistanceSaturationMeters float64 `json:"distance_saturation_meters"`

	// TimeSaturation is the elapsed first-to-last sighting span at which
	// the time sub-score reaches 1.
	TimeSaturation time.Duration `json:"time_saturation"`

	// RSSIStdDevCeiling is the RSSI standard deviation (dBm) at which
	// the consistency sub-score bottoms out at 0.
	RSSIStdDevCeiling float64 `json:"rssi_stddev_ceiling"`
}

// DefaultBounds returns production defaults: half a kilometer of spread and
// a day of persistence are maximally suspicious; a tracker riding with the
// user keeps RSSI variance well under 20 dBm.
func DefaultBounds() Bounds {
	return Bounds{
		LocationHalfSaturation:   2,
		DistanceSaturationMeters: 500,
		TimeSaturation:           24 * time.Hour,
		RSSIStdDevCeiling:        20,
	}
}

// Scorer computes calibrated threat scores. It is pure CPU: no I/O, no
// clock reads, safe for concurrent use.
type Scorer struct {
	weights Weights
	bounds  Bounds
}

// NewScorer creates a scorer. Zero weights or bounds fall back to defaults;
// non-unit weight sums are normalized so the total stays in [0,1].
func NewScorer(weights Weights, bounds Bounds) *Scorer {
	if weights.sum() <= 0 {
		weights = DefaultWeights()
	}
	def := DefaultBounds()
	if bounds.LocationHalfSaturation <= 0 {
		bounds.LocationHalfSaturation = def.LocationHalfSaturation
	}
	if bounds.DistanceSaturationMeters <= 0 {
		bounds.DistanceSaturationMeters = def.DistanceSaturationMeters
	}
	if bounds.TimeSaturation <= 0 {
		bounds.TimeSaturation = def.TimeSaturation
	}
	if bounds.RSSIStdDevCeiling <= 0 {
		bounds.RSSIStdDevCeiling = def.RSSIStdDevCeiling
	}

	// Normalize so the weighted sum cannot exceed 1 even with custom
	// weights that do not add up.
	total := weights.sum()
	weights.Location /= total
	weights.Distance /= total
	weights.Time /= total
	weights.Consistency /= total
	weights.DeviceType /= total

	return &Scorer{weights: weights, bounds: bounds}
}

// Score computes the threat score for one device's accumulated history.
//
// Fewer than two sightings carry no following signal and score zero across
// the board. Every sub-score is clamped to [0,1] before weighting, and the
// total is clamped once more so rounding can never escape the range.
func (s *Scorer) Score(device *models.Device, sightings []models.Sighting, locations []models.Location) models.ThreatScore {
	if len(sightings) < 2 {
		return models.ThreatScore{}
	}

	breakdown := models.ScoreBreakdown{
		Location:    s.locationScore(locations),
		Distance:    s.distanceScore(sightings),
		Time:        s.timeScore(sightings),
		Consistency: s.consistencyScore(sightings),
		DeviceType:  s.deviceTypeScore(device),
	}

	total := s.weights.Location*breakdown.Location +
		s.weights.Distance*breakdown.Distance +
		s.weights.Time*breakdown.Time +
		s.weights.Consistency*breakdown.Consistency +
		s.weights.DeviceType*breakdown.DeviceType

	return models.ThreatScore{
		Total:     clamp01(total),
		Breakdown: breakdown,
	}
}

// locationScore grows with the count of distinct locations, saturating
// asymptotically: (n-1) / (n-1+k). One location scores zero; a device only
// ever seen at home is not following anyone.
func (s *Scorer) locationScore(locations []models.Location) float64 {
	n := float64(len(locations))
	if n < 2 {
		return 0
	}
	return clamp01((n - 1) / (n - 1 + s.bounds.LocationHalfSaturation))
}

// distanceScore grows with the geographic spread of the sightings, measured
// as the maximum haversine distance from the first sighting. A device only
// seen within a few meters of one spot is not "following".
func (s *Scorer) distanceScore(sightings []models.Sighting) float64 {
	spread := maxDistanceFromFirst(sightings)
	return clamp01(spread / s.bounds.DistanceSaturationMeters)
}

// timeScore rewards sightings spread across a longer elapsed duration: a
// device seen across days is more suspicious than one burst in a minute.
func (s *Scorer) timeScore(sightings []models.Sighting) float64 {
	first, last := sightings[0].Timestamp, sightings[0].Timestamp
	for _, sg := range sightings[1:] {
		if sg.Timestamp.Before(first) {
			first = sg.Timestamp
		}
		if sg.Timestamp.After(last) {
			last = sg.Timestamp
		}
	}
	span := last.Sub(first)
	if span <= 0 {
		return 0
	}
	return clamp01(float64(span) / float64(s.bounds.TimeSaturation))
}

// consistencyScore rewards low RSSI variance. A tight signal envelope means
// the device travels with the user at a fixed offset; a stationary beacon
// drifting in and out of range shows a wide envelope.
func (s *Scorer) consistencyScore(sightings []models.Sighting) float64 {
	stddev := rssiStdDev(sightings)
	return clamp01(1 - stddev/s.bounds.RSSIStdDevCeiling)
}

// deviceTypeScore boosts known tracker products. A separated Find My
// accessory is the strongest prior there is.
func (s *Scorer) deviceTypeScore(device *models.Device) float64 {
	if device == nil {
		return 0
	}
	if device.FindMySeparated {
		return 1
	}
	if device.BeaconType.IsKnownTracker() {
		return 1
	}
	if device.ManufacturerID != 0 {
		return 0.25
	}
	return 0
}

// maxDistanceFromFirst returns the maximum haversine distance in meters
// between the first sighting and any later one, skipping unknown fixes.
func maxDistanceFromFirst(sightings []models.Sighting) float64 {
	var origin *models.Sighting
	for i := range sightings {
		if models.HasValidCoordinates(sightings[i].Latitude, sightings[i].Longitude) {
			origin = &sightings[i]
			break
		}
	}
	if origin == nil {
		return 0
	}

	var maxM float64
	for i := range sightings {
		sg := &sightings[i]
		if !models.HasValidCoordinates(sg.Latitude, sg.Longitude) {
			continue
		}
		if d := models.HaversineMeters(origin.Latitude, origin.Longitude, sg.Latitude, sg.Longitude); d > maxM {
			maxM = d
		}
	}
	return maxM
}

// rssiStdDev computes the population standard deviation of sighting RSSI.
func rssiStdDev(sightings []models.Sighting) float64 {
	n := float64(len(sightings))
	if n < 2 {
		return 0
	}

	var mean float64
	for _, sg := range sightings {
		mean += float64(sg.RSSI)
	}
	mean /= n

	var variance float64
	for _, sg := range sightings {
		d := float64(sg.RSSI) - mean
		variance += d * d
	}
	variance /= n

	return math.Sqrt(variance)
}
