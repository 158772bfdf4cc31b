// TagSentry - BLE Tracker Detection and Location Correlation
// Copyright 2026 TagSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tagsentry/tagsentry

package detection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tagsentry/tagsentry/internal/models"
)

// mockStore implements CandidateStore and AlertStore for testing.
type mockStore struct {
	mu           sync.Mutex
	devices      map[int64]models.Device
	sightings    map[int64][]models.Sighting
	locations    map[int64][]models.Location
	whitelist    []int64
	links        map[int64][]models.DeviceLink
	alerts       []models.Alert
	nextAlertID  int64
	candidateErr error
	whitelistErr error
	sightingErr  map[int64]error
	alertErr     error
	linkErr      error
}

func newMockStore() *mockStore {
	return &mockStore{
		devices:     make(map[int64]models.Device),
		sightings:   make(map[int64][]models.Sighting),
		locations:   make(map[int64][]models.Location),
		links:       make(map[int64][]models.DeviceLink),
		sightingErr: make(map[int64]error),
		nextAlertID: 1,
	}
}

func (m *mockStore) GetDeviceLinks(_ context.Context, deviceID int64) ([]models.DeviceLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.linkErr != nil {
		return nil, m.linkErr
	}
	return m.links[deviceID], nil
}

func (m *mockStore) GetDevicesWithLocationCountAtLeast(_ context.Context, n int) ([]models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.candidateErr != nil {
		return nil, m.candidateErr
	}
	var out []models.Device
	for id, d := range m.devices {
		if len(m.locations[id]) >= n {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *mockStore) GetSightingsForDevice(_ context.Context, deviceID int64) ([]models.Sighting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.sightingErr[deviceID]; err != nil {
		return nil, err
	}
	return m.sightings[deviceID], nil
}

func (m *mockStore) GetLocationsForDevice(_ context.Context, deviceID int64) ([]models.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locations[deviceID], nil
}

func (m *mockStore) GetWhitelistedDeviceIDs(_ context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.whitelistErr != nil {
		return nil, m.whitelistErr
	}
	return m.whitelist, nil
}

func (m *mockStore) UpdateDeviceThreatLevel(_ context.Context, deviceID int64, level models.ThreatLevel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if ok {
		d.ThreatLevel = level
		m.devices[deviceID] = d
	}
	return nil
}

func (m *mockStore) InsertAlert(_ context.Context, alert *models.Alert) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.alertErr != nil {
		return 0, m.alertErr
	}
	alert.ID = m.nextAlertID
	m.nextAlertID++
	m.alerts = append(m.alerts, *alert)
	return alert.ID, nil
}

func (m *mockStore) HasSimilarRecentAlert(_ context.Context, addresses []string, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.alertErr != nil {
		return false, m.alertErr
	}
	cutoff := time.Now().Add(-window)
	for _, a := range m.alerts {
		if a.CreatedAt.Before(cutoff) {
			continue
		}
		for _, addr := range a.DeviceAddresses {
			for _, want := range addresses {
				if addr == want {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

// addSuspiciousDevice seeds a device with n sightings at distinct locations
// ~300m apart, spread across two days, RSSI -70..-75.
func (m *mockStore) addSuspiciousDevice(id int64, mac string, n int) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	rssi := []int{-70, -72, -75}
	device := models.Device{ID: id, MAC: mac, BeaconType: models.BeaconTypeAirTag, LastSeen: base.Add(48 * time.Hour)}
	m.devices[id] = device
	for i := 0; i < n; i++ {
		lat := 52.5200 + 0.0027*float64(i)
		ts := base.Add(time.Duration(i*48/(max(n-1, 1))) * time.Hour)
		m.sightings[id] = append(m.sightings[id], models.Sighting{
			ID: int64(i + 1), DeviceID: id, LocationID: int64(i + 1),
			RSSI: rssi[i%len(rssi)], Timestamp: ts, Latitude: lat, Longitude: 13.4050,
		})
		m.locations[id] = append(m.locations[id], models.Location{
			ID: int64(i + 1), Latitude: lat, Longitude: 13.4050, Timestamp: ts,
		})
	}
}

func newTestEngine(store *mockStore) *Engine {
	return NewEngine(store, NewScorer(DefaultWeights(), DefaultBounds()), 2)
}

func TestRunDetectionFollowingDevice(t *testing.T) {
	// Scenario: 3 sightings at 3 distinct locations >=100m apart,
	// RSSI between -70 and -75.
	store := newMockStore()
	store.addSuspiciousDevice(1, "AA:BB:CC:DD:EE:01", 3)

	engine := newTestEngine(store)
	results, err := engine.RunDetection(context.Background(), Options{MinLocationCount: 3, MinThreatScore: 0.5})
	if err != nil {
		t.Fatalf("RunDetection: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if results[0].Device.ID != 1 {
		t.Errorf("device id = %d, want 1", results[0].Device.ID)
	}
	if results[0].Score.Total < 0.5 {
		t.Errorf("score = %v, want >= 0.5", results[0].Score.Total)
	}
	if results[0].Reason == "" {
		t.Error("reason string is empty")
	}
	if results[0].MaxDistanceMeters < 100 {
		t.Errorf("max distance = %v, want >= 100m", results[0].MaxDistanceMeters)
	}
}

func TestRunDetectionExcludesWhitelisted(t *testing.T) {
	// Scenario: same suspicious device, but whitelisted as OWN.
	store := newMockStore()
	store.addSuspiciousDevice(1, "AA:BB:CC:DD:EE:01", 3)
	store.whitelist = []int64{1}

	engine := newTestEngine(store)
	results, err := engine.RunDetection(context.Background(), Options{MinLocationCount: 3, MinThreatScore: 0.5})
	if err != nil {
		t.Fatalf("RunDetection: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("results = %d, want 0 (whitelisted)", len(results))
	}
}

func TestRunDetectionBelowLocationCount(t *testing.T) {
	// Scenario: only 2 distinct locations with minLocationCount=3.
	store := newMockStore()
	store.addSuspiciousDevice(1, "AA:BB:CC:DD:EE:01", 2)

	engine := newTestEngine(store)
	results, err := engine.RunDetection(context.Background(), Options{MinLocationCount: 3, MinThreatScore: 0.1})
	if err != nil {
		t.Fatalf("RunDetection: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("results = %d, want 0 (below location floor)", len(results))
	}
}

func TestRunDetectionBelowDistanceFloor(t *testing.T) {
	// Sightings ~300m apart never clear a 1km distance floor.
	store := newMockStore()
	store.addSuspiciousDevice(1, "AA:BB:CC:DD:EE:01", 3)

	engine := newTestEngine(store)
	opts := Options{MinLocationCount: 3, MinThreatScore: 0.1, MinDistanceMeters: 1000}
	results, err := engine.RunDetection(context.Background(), opts)
	if err != nil {
		t.Fatalf("RunDetection: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("results = %d, want 0 (below distance floor)", len(results))
	}

	opts.MinDistanceMeters = 200
	results, err = engine.RunDetection(context.Background(), opts)
	if err != nil {
		t.Fatalf("RunDetection: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("results = %d, want 1 (above distance floor)", len(results))
	}
}

func TestRunDetectionTwoIndependentDevices(t *testing.T) {
	// Scenario: two independent suspicious devices.
	store := newMockStore()
	store.addSuspiciousDevice(1, "AA:BB:CC:DD:EE:01", 3)
	store.addSuspiciousDevice(2, "AA:BB:CC:DD:EE:02", 5)

	engine := newTestEngine(store)
	results, err := engine.RunDetection(context.Background(), Options{MinLocationCount: 3, MinThreatScore: 0.5})
	if err != nil {
		t.Fatalf("RunDetection: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	// Ordered by descending score: the 5-location device scores higher.
	if results[0].Device.ID != 2 || results[1].Device.ID != 1 {
		t.Errorf("order = [%d, %d], want [2, 1]", results[0].Device.ID, results[1].Device.ID)
	}
	if results[0].Score.Total < results[1].Score.Total {
		t.Error("results not sorted by descending score")
	}
}

func TestRunDetectionIdempotent(t *testing.T) {
	store := newMockStore()
	store.addSuspiciousDevice(1, "AA:BB:CC:DD:EE:01", 3)
	store.addSuspiciousDevice(2, "AA:BB:CC:DD:EE:02", 4)
	store.addSuspiciousDevice(3, "AA:BB:CC:DD:EE:03", 5)

	engine := newTestEngine(store)
	opts := Options{MinLocationCount: 3, MinThreatScore: 0.3}

	first, err := engine.RunDetection(context.Background(), opts)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := engine.RunDetection(context.Background(), opts)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("result counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Device.ID != second[i].Device.ID {
			t.Errorf("position %d: device %d vs %d", i, first[i].Device.ID, second[i].Device.ID)
		}
		if first[i].Score.Total != second[i].Score.Total {
			t.Errorf("position %d: score %v vs %v", i, first[i].Score.Total, second[i].Score.Total)
		}
	}
}

func TestRunDetectionSkipsFailingCandidate(t *testing.T) {
	store := newMockStore()
	store.addSuspiciousDevice(1, "AA:BB:CC:DD:EE:01", 3)
	store.addSuspiciousDevice(2, "AA:BB:CC:DD:EE:02", 3)
	store.sightingErr[1] = errors.New("corrupt page")

	engine := newTestEngine(store)
	results, err := engine.RunDetection(context.Background(), Options{MinLocationCount: 3, MinThreatScore: 0.5})
	if err != nil {
		t.Fatalf("RunDetection: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1 (failing candidate skipped, not fatal)", len(results))
	}
	if results[0].Device.ID != 2 {
		t.Errorf("surviving device = %d, want 2", results[0].Device.ID)
	}
}

func TestRunDetectionStoreFailureAborts(t *testing.T) {
	store := newMockStore()
	store.candidateErr = errors.New("database closed")

	engine := newTestEngine(store)
	_, err := engine.RunDetection(context.Background(), Options{MinLocationCount: 3, MinThreatScore: 0.5})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("err = %v, want ErrStoreUnavailable", err)
	}
}

func TestRunDetectionCancelled(t *testing.T) {
	store := newMockStore()
	for i := int64(1); i <= 20; i++ {
		store.addSuspiciousDevice(i, "AA:BB:CC:DD:EE:00", 3)
	}

	engine := newTestEngine(store)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := engine.RunDetection(ctx, Options{MinLocationCount: 3, MinThreatScore: 0.1})
	if err == nil {
		t.Error("expected error from cancelled pass")
	}
	if results != nil {
		t.Error("cancelled pass must not return partial results")
	}
}
