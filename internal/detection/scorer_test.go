// TagSentry - BLE Tracker Detection and Location Correlation
// Copyright 2026 TagSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tagsentry/tagsentry

package detection

import (
	"math"
	"testing"
	"time"

	"github.com/tagsentry/tagsentry/internal/models"
)

// trackSightings builds n sightings walking north ~300m per step, one step
// per interval, with the given RSSI sequence (cycled).
func trackSightings(n int, interval time.Duration, rssi []int) ([]models.Sighting, []models.Location) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	sightings := make([]models.Sighting, 0, n)
	locations := make([]models.Location, 0, n)
	for i := 0; i < n; i++ {
		lat := 52.5200 + 0.0027*float64(i) // ~300m per step
		sightings = append(sightings, models.Sighting{
			ID:         int64(i + 1),
			DeviceID:   1,
			LocationID: int64(i + 1),
			RSSI:       rssi[i%len(rssi)],
			Timestamp:  base.Add(time.Duration(i) * interval),
			Latitude:   lat,
			Longitude:  13.4050,
		})
		locations = append(locations, models.Location{
			ID:        int64(i + 1),
			Latitude:  lat,
			Longitude: 13.4050,
			Timestamp: base.Add(time.Duration(i) * interval),
		})
	}
	return sightings, locations
}

func airtag() *models.Device {
	return &models.Device{ID: 1, MAC: "AA:BB:CC:DD:EE:FF", BeaconType: models.BeaconTypeAirTag}
}

func TestScoreFewerThanTwoSightingsIsZero(t *testing.T) {
	scorer := NewScorer(DefaultWeights(), DefaultBounds())

	sightings, locations := trackSightings(1, time.Hour, []int{-70})
	if got := scorer.Score(airtag(), sightings, locations); got.Total != 0 {
		t.Errorf("single sighting score = %v, want 0", got.Total)
	}
	if got := scorer.Score(airtag(), nil, nil); got.Total != 0 {
		t.Errorf("no sightings score = %v, want 0", got.Total)
	}
}

func TestScoreBoundedAndDecomposable(t *testing.T) {
	scorer := NewScorer(DefaultWeights(), DefaultBounds())
	w := DefaultWeights()

	tests := []struct {
		name     string
		n        int
		interval time.Duration
		rssi     []int
	}{
		{"short burst", 2, time.Minute, []int{-70, -71}},
		{"day of travel", 5, 6 * time.Hour, []int{-70, -72, -75}},
		{"noisy signal", 8, time.Hour, []int{-40, -90, -55, -85}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sightings, locations := trackSightings(tt.n, tt.interval, tt.rssi)
			score := scorer.Score(airtag(), sightings, locations)

			if score.Total < 0 || score.Total > 1 {
				t.Errorf("total %v out of [0,1]", score.Total)
			}
			for name, sub := range map[string]float64{
				"location":    score.Breakdown.Location,
				"distance":    score.Breakdown.Distance,
				"time":        score.Breakdown.Time,
				"consistency": score.Breakdown.Consistency,
				"device_type": score.Breakdown.DeviceType,
			} {
				if sub < 0 || sub > 1 {
					t.Errorf("sub-score %s = %v out of [0,1]", name, sub)
				}
			}

			want := w.Location*score.Breakdown.Location +
				w.Distance*score.Breakdown.Distance +
				w.Time*score.Breakdown.Time +
				w.Consistency*score.Breakdown.Consistency +
				w.DeviceType*score.Breakdown.DeviceType
			if math.Abs(score.Total-want) > 1e-9 {
				t.Errorf("total %v does not equal weighted sum %v", score.Total, want)
			}
		})
	}
}

func TestScoreMonotonicInLocationCount(t *testing.T) {
	scorer := NewScorer(DefaultWeights(), DefaultBounds())

	// Hold sightings fixed; grow only the distinct-location set.
	sightings, locations := trackSightings(10, time.Hour, []int{-70})

	prev := -1.0
	for n := 2; n <= 10; n++ {
		score := scorer.Score(airtag(), sightings, locations[:n])
		if score.Breakdown.Location < prev {
			t.Fatalf("location sub-score decreased at n=%d: %v < %v", n, score.Breakdown.Location, prev)
		}
		prev = score.Breakdown.Location
	}
}

func TestScoreConsistencyRewardsTightEnvelope(t *testing.T) {
	scorer := NewScorer(DefaultWeights(), DefaultBounds())

	tightS, tightL := trackSightings(5, time.Hour, []int{-70, -71, -72})
	looseS, looseL := trackSightings(5, time.Hour, []int{-40, -95, -60, -90})

	tight := scorer.Score(airtag(), tightS, tightL)
	loose := scorer.Score(airtag(), looseS, looseL)

	if tight.Breakdown.Consistency <= loose.Breakdown.Consistency {
		t.Errorf("tight RSSI envelope (%v) should out-score loose one (%v)",
			tight.Breakdown.Consistency, loose.Breakdown.Consistency)
	}
}

func TestScoreDeviceTypePrior(t *testing.T) {
	scorer := NewScorer(DefaultWeights(), DefaultBounds())
	sightings, locations := trackSightings(3, time.Hour, []int{-70})

	tests := []struct {
		name   string
		device *models.Device
		want   float64
	}{
		{"airtag", airtag(), 1},
		{"separated findmy", &models.Device{BeaconType: models.BeaconTypeUnknown, FindMySeparated: true}, 1},
		{"known manufacturer", &models.Device{BeaconType: models.BeaconTypeUnknown, ManufacturerID: 0x004C}, 0.25},
		{"anonymous", &models.Device{BeaconType: models.BeaconTypeUnknown}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score := scorer.Score(tt.device, sightings, locations)
			if score.Breakdown.DeviceType != tt.want {
				t.Errorf("device type sub-score = %v, want %v", score.Breakdown.DeviceType, tt.want)
			}
		})
	}
}

func TestScoreStationaryBeaconScoresLow(t *testing.T) {
	scorer := NewScorer(DefaultWeights(), DefaultBounds())

	// Ten sightings, all at the same spot: a neighbor's fixed beacon.
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	var sightings []models.Sighting
	for i := 0; i < 10; i++ {
		sightings = append(sightings, models.Sighting{
			RSSI:      -60 - i%3,
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Latitude:  52.5200,
			Longitude: 13.4050,
		})
	}
	locations := []models.Location{{ID: 1, Latitude: 52.5200, Longitude: 13.4050}}

	score := scorer.Score(&models.Device{BeaconType: models.BeaconTypeUnknown}, sightings, locations)
	if score.Breakdown.Location != 0 {
		t.Errorf("single-location sub-score = %v, want 0", score.Breakdown.Location)
	}
	if score.Breakdown.Distance != 0 {
		t.Errorf("zero-spread distance sub-score = %v, want 0", score.Breakdown.Distance)
	}
	if score.Total > 0.4 {
		t.Errorf("stationary beacon total = %v, should stay low", score.Total)
	}
}

func TestNewScorerNormalizesWeights(t *testing.T) {
	// Doubled weights must yield the same totals as the defaults.
	doubled := Weights{Location: 0.6, Distance: 0.5, Time: 0.4, Consistency: 0.3, DeviceType: 0.2}
	sightings, locations := trackSightings(4, time.Hour, []int{-70, -75})

	a := NewScorer(DefaultWeights(), DefaultBounds()).Score(airtag(), sightings, locations)
	b := NewScorer(doubled, DefaultBounds()).Score(airtag(), sightings, locations)

	if math.Abs(a.Total-b.Total) > 1e-9 {
		t.Errorf("normalized weights changed the total: %v vs %v", a.Total, b.Total)
	}
}
