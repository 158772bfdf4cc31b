// TagSentry - BLE Tracker Detection and Location Correlation
// Copyright 2026 TagSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tagsentry/tagsentry

package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tagsentry/tagsentry/internal/models"
)

func insertTestDevice(t *testing.T, db *DB, mac string) int64 {
	t.Helper()

	id, err := db.InsertDevice(context.Background(), &models.Device{
		MAC:            mac,
		BeaconType:     models.BeaconTypeAirTag,
		ManufacturerID: 0x004C,
		Manufacturer:   "Apple, Inc.",
		Fingerprint:    models.Fingerprint("mfg:004c:type:12:0000000000000001"),
		FirstSeen:      time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		LastSeen:       time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		MaxRSSI:        -70,
	})
	if err != nil {
		t.Fatalf("InsertDevice: %v", err)
	}
	return id
}

func TestInsertAndGetDeviceByMAC(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	id := insertTestDevice(t, db, "AA:BB:CC:DD:EE:01")

	device, err := db.GetDeviceByMAC(ctx, "AA:BB:CC:DD:EE:01")
	if err != nil {
		t.Fatalf("GetDeviceByMAC: %v", err)
	}
	if device == nil {
		t.Fatal("device not found after insert")
	}
	if device.ID != id {
		t.Errorf("id = %d, want %d", device.ID, id)
	}
	if device.BeaconType != models.BeaconTypeAirTag {
		t.Errorf("beacon type = %s, want airtag", device.BeaconType)
	}
	if device.ManufacturerID != 0x004C {
		t.Errorf("manufacturer id = %#x, want 0x004c", device.ManufacturerID)
	}
	if device.ThreatLevel != models.ThreatLevelNone {
		t.Errorf("threat level = %s, want none", device.ThreatLevel)
	}
}

func TestGetDeviceByMACAbsent(t *testing.T) {
	db := setupTestDB(t)

	device, err := db.GetDeviceByMAC(context.Background(), "00:00:00:00:00:00")
	if err != nil {
		t.Fatalf("GetDeviceByMAC: %v", err)
	}
	if device != nil {
		t.Errorf("expected nil for unknown MAC, got %+v", device)
	}
}

func TestGetRecentDevices(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	old := &models.Device{
		MAC:       "AA:BB:CC:DD:EE:01",
		FirstSeen: time.Now().Add(-2 * time.Hour),
		LastSeen:  time.Now().Add(-2 * time.Hour),
	}
	if _, err := db.InsertDevice(ctx, old); err != nil {
		t.Fatalf("InsertDevice: %v", err)
	}
	fresh := &models.Device{
		MAC:       "AA:BB:CC:DD:EE:02",
		FirstSeen: time.Now().Add(-time.Minute),
		LastSeen:  time.Now().Add(-time.Minute),
	}
	if _, err := db.InsertDevice(ctx, fresh); err != nil {
		t.Fatalf("InsertDevice: %v", err)
	}

	recent, err := db.GetRecentDevices(ctx, time.Now().Add(-15*time.Minute))
	if err != nil {
		t.Fatalf("GetRecentDevices: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("recent devices = %d, want 1", len(recent))
	}
	if recent[0].MAC != "AA:BB:CC:DD:EE:02" {
		t.Errorf("recent device = %s, want the fresh one", recent[0].MAC)
	}
}

func TestRelinkDeviceMAC(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	id := insertTestDevice(t, db, "AA:BB:CC:DD:EE:01")

	link := &models.DeviceLink{
		DeviceID: id,
		MAC:      "AA:BB:CC:DD:EE:99",
		Strength: models.LinkStrong,
		Reason:   "fingerprint_match:mfg:004c:type:12:0000000000000001",
	}
	if err := db.RelinkDeviceMAC(ctx, id, "AA:BB:CC:DD:EE:99", link); err != nil {
		t.Fatalf("RelinkDeviceMAC: %v", err)
	}

	// Old MAC no longer resolves, new MAC does.
	if device, _ := db.GetDeviceByMAC(ctx, "AA:BB:CC:DD:EE:01"); device != nil {
		t.Error("old MAC still resolves after relink")
	}
	device, err := db.GetDeviceByMAC(ctx, "AA:BB:CC:DD:EE:99")
	if err != nil {
		t.Fatalf("GetDeviceByMAC after relink: %v", err)
	}
	if device == nil || device.ID != id {
		t.Fatalf("new MAC does not resolve to device %d", id)
	}

	links, err := db.GetDeviceLinks(ctx, id)
	if err != nil {
		t.Fatalf("GetDeviceLinks: %v", err)
	}
	if len(links) != 1 {
		t.Fatalf("links = %d, want 1", len(links))
	}
	if links[0].Strength != models.LinkStrong {
		t.Errorf("link strength = %s, want STRONG", links[0].Strength)
	}
}

func TestRelinkUnknownDevice(t *testing.T) {
	db := setupTestDB(t)

	err := db.RelinkDeviceMAC(context.Background(), 12345, "AA:BB:CC:DD:EE:99", &models.DeviceLink{
		MAC: "AA:BB:CC:DD:EE:99", Strength: models.LinkStrong, Reason: "x",
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRecordDeviceObservation(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	id := insertTestDevice(t, db, "AA:BB:CC:DD:EE:01")
	seenAt := time.Now()

	if err := db.RecordDeviceObservation(ctx, id, seenAt, -48, "Tile Mate", false); err != nil {
		t.Fatalf("RecordDeviceObservation: %v", err)
	}

	device, err := db.GetDeviceByID(ctx, id)
	if err != nil {
		t.Fatalf("GetDeviceByID: %v", err)
	}
	if device.DetectionCount != 1 {
		t.Errorf("detection count = %d, want 1", device.DetectionCount)
	}
	if device.MaxRSSI != -48 {
		t.Errorf("max rssi = %d, want -48", device.MaxRSSI)
	}
	if device.SignalBand != models.SignalBandImmediate {
		t.Errorf("signal band = %s, want immediate", device.SignalBand)
	}
	if device.AdvertisedName != "Tile Mate" {
		t.Errorf("advertised name = %q, want Tile Mate", device.AdvertisedName)
	}

	// A weaker follow-up must not regress max RSSI or erase the name.
	if err := db.RecordDeviceObservation(ctx, id, seenAt.Add(time.Minute), -90, "", true); err != nil {
		t.Fatalf("second RecordDeviceObservation: %v", err)
	}
	device, _ = db.GetDeviceByID(ctx, id)
	if device.MaxRSSI != -48 {
		t.Errorf("max rssi regressed to %d", device.MaxRSSI)
	}
	if device.AdvertisedName != "Tile Mate" {
		t.Errorf("advertised name erased: %q", device.AdvertisedName)
	}
	if !device.FindMySeparated {
		t.Error("separated flag not latched")
	}
	if device.DetectionCount != 2 {
		t.Errorf("detection count = %d, want 2", device.DetectionCount)
	}
}

func TestUpdateDeviceThreatLevel(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	id := insertTestDevice(t, db, "AA:BB:CC:DD:EE:01")
	if err := db.UpdateDeviceThreatLevel(ctx, id, models.ThreatLevelHigh); err != nil {
		t.Fatalf("UpdateDeviceThreatLevel: %v", err)
	}

	device, _ := db.GetDeviceByID(ctx, id)
	if device.ThreatLevel != models.ThreatLevelHigh {
		t.Errorf("threat level = %s, want high", device.ThreatLevel)
	}
}

func TestGetDevicesWithLocationCountAtLeast(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	roaming := insertTestDevice(t, db, "AA:BB:CC:DD:EE:01")
	stationary := insertTestDevice(t, db, "AA:BB:CC:DD:EE:02")

	for i := 0; i < 3; i++ {
		locID, err := db.InsertLocation(ctx, &models.Location{
			Latitude:  52.52 + 0.01*float64(i),
			Longitude: 13.40,
			Timestamp: time.Now().Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("InsertLocation: %v", err)
		}
		if _, err := db.InsertSighting(ctx, &models.Sighting{
			DeviceID: roaming, LocationID: locID, RSSI: -70,
			Timestamp: time.Now().Add(time.Duration(i) * time.Hour),
		}); err != nil {
			t.Fatalf("InsertSighting: %v", err)
		}
		// The stationary device is always sighted at the first location.
		if i == 0 {
			if _, err := db.InsertSighting(ctx, &models.Sighting{
				DeviceID: stationary, LocationID: locID, RSSI: -70,
				Timestamp: time.Now(),
			}); err != nil {
				t.Fatalf("InsertSighting: %v", err)
			}
		}
	}

	candidates, err := db.GetDevicesWithLocationCountAtLeast(ctx, 3)
	if err != nil {
		t.Fatalf("GetDevicesWithLocationCountAtLeast: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("candidates = %d, want 1", len(candidates))
	}
	if candidates[0].ID != roaming {
		t.Errorf("candidate = %d, want roaming device %d", candidates[0].ID, roaming)
	}
}
