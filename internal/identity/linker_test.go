// TagSentry - BLE Tracker Detection and Location Correlation
// Copyright 2026 TagSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tagsentry/tagsentry

package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tagsentry/tagsentry/internal/models"
)

// mockDeviceStore implements DeviceStore for testing.
type mockDeviceStore struct {
	mu            sync.Mutex
	devicesByMAC  map[string]*models.Device
	recentDevices []models.Device
	lastSightings map[int64]*models.Sighting
	links         []models.DeviceLink
	nextID        int64
	lookupErr     error
	insertErr     error
}

func newMockDeviceStore() *mockDeviceStore {
	return &mockDeviceStore{
		devicesByMAC:  make(map[string]*models.Device),
		lastSightings: make(map[int64]*models.Sighting),
		nextID:        1,
	}
}

func (m *mockDeviceStore) GetDeviceByMAC(_ context.Context, mac string) (*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookupErr != nil {
		return nil, m.lookupErr
	}
	return m.devicesByMAC[mac], nil
}

func (m *mockDeviceStore) GetRecentDevices(_ context.Context, since time.Time) ([]models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookupErr != nil {
		return nil, m.lookupErr
	}
	var out []models.Device
	for _, d := range m.recentDevices {
		if !d.LastSeen.Before(since) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *mockDeviceStore) InsertDevice(_ context.Context, device *models.Device) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return 0, m.insertErr
	}
	device.ID = m.nextID
	m.nextID++
	m.devicesByMAC[device.MAC] = device
	return device.ID, nil
}

func (m *mockDeviceStore) RelinkDeviceMAC(_ context.Context, deviceID int64, mac string, link *models.DeviceLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for old, d := range m.devicesByMAC {
		if d.ID == deviceID {
			delete(m.devicesByMAC, old)
			d.MAC = mac
			m.devicesByMAC[mac] = d
		}
	}
	m.links = append(m.links, *link)
	return nil
}

func (m *mockDeviceStore) GetLastSightingForDevice(_ context.Context, deviceID int64) (*models.Sighting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSightings[deviceID], nil
}

func baseObservation(mac string, fp models.Fingerprint) Observation {
	return Observation{
		MAC:         mac,
		Fingerprint: fp,
		BeaconType:  models.BeaconTypeAirTag,
		RSSI:        -65,
		Latitude:    52.52,
		Longitude:   13.405,
		ObservedAt:  time.Now(),
	}
}

func TestResolveKnownMAC(t *testing.T) {
	store := newMockDeviceStore()
	store.devicesByMAC["AA:BB:CC:DD:EE:FF"] = &models.Device{ID: 7, MAC: "AA:BB:CC:DD:EE:FF"}

	linker := NewLinker(store, Config{})
	id, decision, err := linker.Resolve(context.Background(), baseObservation("aa:bb:cc:dd:ee:ff", "fp-1"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id != 7 {
		t.Errorf("device id = %d, want 7", id)
	}
	if decision.Decision != DecisionNone {
		t.Errorf("decision = %s, want none", decision.Decision)
	}
}

func TestResolveFingerprintRotation(t *testing.T) {
	// Scenario: a MAC rotates but matches a prior fingerprint within the
	// rotation window. The linker must return the pre-existing canonical
	// device with STRONG strength, not create a new one.
	store := newMockDeviceStore()
	existing := &models.Device{
		ID:          3,
		MAC:         "AA:BB:CC:DD:EE:01",
		Fingerprint: "mfg:004c:type:12:0011223344556677",
		LastSeen:    time.Now().Add(-2 * time.Minute),
	}
	store.devicesByMAC[existing.MAC] = existing
	store.recentDevices = []models.Device{*existing}
	store.nextID = 4

	linker := NewLinker(store, Config{})
	obs := baseObservation("F1:E2:D3:C4:B5:A6", existing.Fingerprint)

	id, decision, err := linker.Resolve(context.Background(), obs)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id != 3 {
		t.Errorf("device id = %d, want existing device 3", id)
	}
	if decision.Decision != DecisionLinked {
		t.Fatalf("decision = %s, want linked", decision.Decision)
	}
	if decision.Strength != models.LinkStrong {
		t.Errorf("strength = %s, want STRONG", decision.Strength)
	}
	if len(store.links) != 1 {
		t.Fatalf("links recorded = %d, want 1", len(store.links))
	}
	if store.links[0].Reason != "fingerprint_match:"+string(existing.Fingerprint) {
		t.Errorf("link reason = %q", store.links[0].Reason)
	}
	if store.devicesByMAC["F1:E2:D3:C4:B5:A6"] == nil {
		t.Error("device not reachable under new MAC after relink")
	}
}

func TestResolveFingerprintOutsideWindow(t *testing.T) {
	store := newMockDeviceStore()
	old := models.Device{
		ID:          2,
		MAC:         "AA:BB:CC:DD:EE:02",
		Fingerprint: "fp-old",
		LastSeen:    time.Now().Add(-2 * time.Hour),
	}
	store.devicesByMAC[old.MAC] = &old
	store.recentDevices = []models.Device{old}
	store.nextID = 5

	linker := NewLinker(store, Config{RotationWindow: 15 * time.Minute})
	id, decision, err := linker.Resolve(context.Background(), baseObservation("11:22:33:44:55:66", "fp-old"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if decision.Decision != DecisionCreated {
		t.Errorf("decision = %s, want created (candidate outside rotation window)", decision.Decision)
	}
	if id != 5 {
		t.Errorf("device id = %d, want new device 5", id)
	}
}

func TestResolveAmbiguousFingerprintMostRecentWins(t *testing.T) {
	store := newMockDeviceStore()
	older := models.Device{ID: 1, MAC: "AA:00:00:00:00:01", Fingerprint: "fp-x", LastSeen: time.Now().Add(-10 * time.Minute)}
	newer := models.Device{ID: 2, MAC: "AA:00:00:00:00:02", Fingerprint: "fp-x", LastSeen: time.Now().Add(-1 * time.Minute)}
	store.devicesByMAC[older.MAC] = &older
	store.devicesByMAC[newer.MAC] = &newer
	store.recentDevices = []models.Device{older, newer}

	linker := NewLinker(store, Config{})
	id, decision, err := linker.Resolve(context.Background(), baseObservation("BB:00:00:00:00:03", "fp-x"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if decision.Decision != DecisionLinked {
		t.Fatalf("decision = %s, want linked", decision.Decision)
	}
	if id != 2 {
		t.Errorf("device id = %d, want most recently active device 2", id)
	}

	// Determinism: repeat with a fresh store set up identically.
	store2 := newMockDeviceStore()
	store2.devicesByMAC[older.MAC] = &older
	store2.devicesByMAC[newer.MAC] = &newer
	store2.recentDevices = []models.Device{older, newer}
	linker2 := NewLinker(store2, Config{})
	id2, _, _ := linker2.Resolve(context.Background(), baseObservation("BB:00:00:00:00:03", "fp-x"))
	if id2 != id {
		t.Errorf("tie-break not deterministic: %d vs %d", id, id2)
	}
}

func TestResolveWeakTemporalProximity(t *testing.T) {
	now := time.Now()
	store := newMockDeviceStore()
	vanished := models.Device{ID: 9, MAC: "AA:BB:CC:00:00:09", LastSeen: now.Add(-30 * time.Second)}
	store.devicesByMAC[vanished.MAC] = &vanished
	store.recentDevices = []models.Device{vanished}
	store.lastSightings[9] = &models.Sighting{
		DeviceID:  9,
		RSSI:      -62,
		Latitude:  52.52,
		Longitude: 13.405,
		Timestamp: now.Add(-30 * time.Second),
	}

	linker := NewLinker(store, Config{})
	obs := baseObservation("FF:EE:DD:00:00:10", "")
	obs.ObservedAt = now

	id, decision, err := linker.Resolve(context.Background(), obs)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if decision.Decision != DecisionLinked {
		t.Fatalf("decision = %s, want linked", decision.Decision)
	}
	if decision.Strength != models.LinkWeak {
		t.Errorf("strength = %s, want WEAK", decision.Strength)
	}
	if decision.Reason != "temporal_proximity" {
		t.Errorf("reason = %q, want temporal_proximity", decision.Reason)
	}
	if id != 9 {
		t.Errorf("device id = %d, want 9", id)
	}
}

func TestResolveWeakHeuristicRejectsAmbiguity(t *testing.T) {
	now := time.Now()
	store := newMockDeviceStore()
	a := models.Device{ID: 1, MAC: "AA:00:00:00:00:01", LastSeen: now.Add(-20 * time.Second)}
	b := models.Device{ID: 2, MAC: "AA:00:00:00:00:02", LastSeen: now.Add(-25 * time.Second)}
	store.devicesByMAC[a.MAC] = &a
	store.devicesByMAC[b.MAC] = &b
	store.recentDevices = []models.Device{a, b}
	for _, id := range []int64{1, 2} {
		store.lastSightings[id] = &models.Sighting{DeviceID: id, RSSI: -64, Latitude: 52.52, Longitude: 13.405, Timestamp: now.Add(-20 * time.Second)}
	}
	store.nextID = 3

	linker := NewLinker(store, Config{})
	obs := baseObservation("FF:00:00:00:00:03", "")
	obs.ObservedAt = now

	_, decision, err := linker.Resolve(context.Background(), obs)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if decision.Decision != DecisionCreated {
		t.Errorf("decision = %s, want created (two candidates is too ambiguous)", decision.Decision)
	}
}

func TestResolveWeakHeuristicRejectsRSSIMismatch(t *testing.T) {
	now := time.Now()
	store := newMockDeviceStore()
	vanished := models.Device{ID: 4, MAC: "AA:00:00:00:00:04", LastSeen: now.Add(-10 * time.Second)}
	store.devicesByMAC[vanished.MAC] = &vanished
	store.recentDevices = []models.Device{vanished}
	store.lastSightings[4] = &models.Sighting{DeviceID: 4, RSSI: -40, Latitude: 52.52, Longitude: 13.405}
	store.nextID = 5

	linker := NewLinker(store, Config{WeakRSSIDelta: 10})
	obs := baseObservation("FF:00:00:00:00:05", "")
	obs.RSSI = -90
	obs.ObservedAt = now

	_, decision, err := linker.Resolve(context.Background(), obs)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if decision.Decision != DecisionCreated {
		t.Errorf("decision = %s, want created (RSSI envelope mismatch)", decision.Decision)
	}
}

func TestResolveCreatesDeviceOnLookupFailure(t *testing.T) {
	// Graceful degradation: store read failures must not fail resolution,
	// only bias it toward creating a new device.
	store := newMockDeviceStore()
	store.lookupErr = errors.New("store offline")

	linker := NewLinker(store, Config{})
	_, decision, err := linker.Resolve(context.Background(), baseObservation("AB:CD:EF:01:02:03", "fp-z"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if decision.Decision != DecisionCreated {
		t.Errorf("decision = %s, want created", decision.Decision)
	}
}

func TestResolveConcurrentSameMACCreatesOneDevice(t *testing.T) {
	store := newMockDeviceStore()
	linker := NewLinker(store, Config{})

	var wg sync.WaitGroup
	ids := make([]int64, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, _, err := linker.Resolve(context.Background(), baseObservation("AA:BB:CC:DD:EE:99", "fp-c"))
			if err != nil {
				t.Errorf("Resolve: %v", err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(ids); i++ {
		if ids[i] != ids[0] {
			t.Fatalf("concurrent resolutions diverged: %v", ids)
		}
	}
	if len(store.devicesByMAC) != 1 {
		t.Errorf("devices created = %d, want 1", len(store.devicesByMAC))
	}
}
