// TagSentry - BLE Tracker Detection and Location Correlation
// Copyright 2026 TagSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tagsentry/tagsentry

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tagsentry/tagsentry/internal/models"
)

// InsertLocation persists a GPS fix and returns its id.
func (db *DB) InsertLocation(ctx context.Context, loc *models.Location) (int64, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	if loc.Timestamp.IsZero() {
		loc.Timestamp = time.Now()
	}

	query := `INSERT INTO locations (latitude, longitude, accuracy, altitude, timestamp, provider)
		VALUES (?, ?, ?, ?, ?, ?) RETURNING id`

	var id int64
	err := db.conn.QueryRowContext(ctx, query,
		loc.Latitude, loc.Longitude, loc.Accuracy, loc.Altitude,
		loc.Timestamp, loc.Provider,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert location: %w", err)
	}

	loc.ID = id
	return id, nil
}

// GetLatestLocation returns the most recent GPS fix, or (nil, nil) when no
// fix has been recorded.
func (db *DB) GetLatestLocation(ctx context.Context) (*models.Location, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	query := `SELECT id, latitude, longitude, accuracy, altitude, timestamp, provider
		FROM locations ORDER BY timestamp DESC, id DESC LIMIT 1`

	loc, err := scanLocation(db.conn.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest location: %w", err)
	}
	return loc, nil
}

// GetLocationsForDevice returns the distinct locations a device has been
// sighted at, oldest first.
func (db *DB) GetLocationsForDevice(ctx context.Context, deviceID int64) ([]models.Location, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	query := `SELECT l.id, l.latitude, l.longitude, l.accuracy, l.altitude, l.timestamp, l.provider
		FROM locations l
		WHERE l.id IN (SELECT DISTINCT location_id FROM sightings WHERE device_id = ?)
		ORDER BY l.timestamp ASC, l.id ASC`

	rows, err := db.conn.QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query device locations: %w", err)
	}
	defer closeQuietly(rows)

	var locations []models.Location
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan location: %w", err)
		}
		locations = append(locations, *loc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating locations: %w", err)
	}
	return locations, nil
}

// InsertSighting persists one device-at-location observation.
func (db *DB) InsertSighting(ctx context.Context, s *models.Sighting) (int64, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	if s.Trigger == "" {
		s.Trigger = models.TriggerPeriodic
	}

	stmt, err := db.getStmt(ctx, `INSERT INTO sightings
		(device_id, location_id, rssi, timestamp, location_changed, distance_from_prev, scan_trigger)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`)
	if err != nil {
		return 0, err
	}

	var id int64
	err = stmt.QueryRowContext(ctx,
		s.DeviceID, s.LocationID, s.RSSI, s.Timestamp,
		s.LocationChanged, s.DistanceFromPrev, string(s.Trigger),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert sighting: %w", err)
	}

	s.ID = id
	return id, nil
}

// sightingQuery joins the location coordinates every sighting consumer
// needs, so scoring never issues a second lookup.
const sightingQuery = `SELECT s.id, s.device_id, s.location_id, s.rssi, s.timestamp,
	s.location_changed, s.distance_from_prev, s.scan_trigger, l.latitude, l.longitude
	FROM sightings s JOIN locations l ON l.id = s.location_id`

// GetSightingsForDevice returns a device's sightings in ascending time
// order, coordinates denormalized.
func (db *DB) GetSightingsForDevice(ctx context.Context, deviceID int64) ([]models.Sighting, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	query := sightingQuery + ` WHERE s.device_id = ? ORDER BY s.timestamp ASC, s.id ASC`

	rows, err := db.conn.QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sightings: %w", err)
	}
	defer closeQuietly(rows)

	var sightings []models.Sighting
	for rows.Next() {
		s, err := scanSighting(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sighting: %w", err)
		}
		sightings = append(sightings, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sightings: %w", err)
	}
	return sightings, nil
}

// GetLastSightingForDevice returns the most recent sighting, or (nil, nil)
// when the device has none.
func (db *DB) GetLastSightingForDevice(ctx context.Context, deviceID int64) (*models.Sighting, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	query := sightingQuery + ` WHERE s.device_id = ? ORDER BY s.timestamp DESC, s.id DESC LIMIT 1`

	s, err := scanSighting(db.conn.QueryRowContext(ctx, query, deviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query last sighting: %w", err)
	}
	return s, nil
}

func scanLocation(row rowScanner) (*models.Location, error) {
	var loc models.Location
	err := row.Scan(&loc.ID, &loc.Latitude, &loc.Longitude, &loc.Accuracy,
		&loc.Altitude, &loc.Timestamp, &loc.Provider)
	if err != nil {
		return nil, err
	}
	return &loc, nil
}

func scanSighting(row rowScanner) (*models.Sighting, error) {
	var s models.Sighting
	var trigger string
	err := row.Scan(&s.ID, &s.DeviceID, &s.LocationID, &s.RSSI, &s.Timestamp,
		&s.LocationChanged, &s.DistanceFromPrev, &trigger, &s.Latitude, &s.Longitude)
	if err != nil {
		return nil, err
	}
	s.Trigger = models.ScanTrigger(trigger)
	return &s, nil
}
