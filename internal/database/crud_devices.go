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

// deviceColumns is the canonical column order for device scans.
const deviceColumns = `id, mac, name, advertised_name, first_seen, last_seen,
	detection_count, manufacturer_id, manufacturer, beacon_type, fingerprint,
	findmy_separated, max_rssi, signal_band, threat_level`

// InsertDevice persists a new canonical device and returns its id.
func (db *DB) InsertDevice(ctx context.Context, device *models.Device) (int64, error) {
	mu := db.acquireMACLock(device.MAC)
	defer db.releaseMACLock(device.MAC, mu)

	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	now := time.Now()
	if device.FirstSeen.IsZero() {
		device.FirstSeen = now
	}
	if device.LastSeen.IsZero() {
		device.LastSeen = device.FirstSeen
	}
	if device.BeaconType == "" {
		device.BeaconType = models.BeaconTypeUnknown
	}
	if device.SignalBand == "" {
		device.SignalBand = models.SignalBandUnknown
	}
	if device.ThreatLevel == "" {
		device.ThreatLevel = models.ThreatLevelNone
	}

	query := `INSERT INTO devices (
		mac, name, advertised_name, first_seen, last_seen, detection_count,
		manufacturer_id, manufacturer, beacon_type, fingerprint,
		findmy_separated, max_rssi, signal_band, threat_level
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	RETURNING id`

	var id int64
	err := db.conn.QueryRowContext(ctx, query,
		device.MAC, device.Name, device.AdvertisedName,
		device.FirstSeen, device.LastSeen, device.DetectionCount,
		int(device.ManufacturerID), device.Manufacturer,
		string(device.BeaconType), string(device.Fingerprint),
		device.FindMySeparated, device.MaxRSSI,
		string(device.SignalBand), string(device.ThreatLevel),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert device: %w", err)
	}

	device.ID = id
	return id, nil
}

// GetDeviceByMAC returns the device currently holding the MAC, or
// (nil, nil) when the MAC is unknown.
func (db *DB) GetDeviceByMAC(ctx context.Context, mac string) (*models.Device, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	// Runs once per advertisement; keep it on a cached prepared statement.
	stmt, err := db.getStmt(ctx, `SELECT `+deviceColumns+` FROM devices WHERE mac = ?`)
	if err != nil {
		return nil, err
	}
	device, err := scanDevice(stmt.QueryRowContext(ctx, mac))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query device by mac: %w", err)
	}
	return device, nil
}

// GetDeviceByID returns a device by id, or (nil, nil) when absent.
func (db *DB) GetDeviceByID(ctx context.Context, id int64) (*models.Device, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = ?`
	device, err := scanDevice(db.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query device by id: %w", err)
	}
	return device, nil
}

// GetRecentDevices returns devices last seen at or after the cutoff, most
// recent first.
func (db *DB) GetRecentDevices(ctx context.Context, since time.Time) ([]models.Device, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	query := `SELECT ` + deviceColumns + ` FROM devices
		WHERE last_seen >= ? ORDER BY last_seen DESC, id DESC`

	rows, err := db.conn.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent devices: %w", err)
	}
	defer closeQuietly(rows)

	return collectDevices(rows)
}

// ListDevices returns all devices, most recently seen first.
func (db *DB) ListDevices(ctx context.Context) ([]models.Device, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	query := `SELECT ` + deviceColumns + ` FROM devices ORDER BY last_seen DESC, id DESC`
	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer closeQuietly(rows)

	return collectDevices(rows)
}

// GetDevicesWithLocationCountAtLeast returns devices sighted at n or more
// distinct locations. This is the detection candidate query.
func (db *DB) GetDevicesWithLocationCountAtLeast(ctx context.Context, n int) ([]models.Device, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	query := `SELECT ` + deviceColumns + ` FROM devices
		WHERE id IN (
			SELECT device_id FROM sightings
			GROUP BY device_id
			HAVING COUNT(DISTINCT location_id) >= ?
		)
		ORDER BY last_seen DESC, id DESC`

	rows, err := db.conn.QueryContext(ctx, query, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query detection candidates: %w", err)
	}
	defer closeQuietly(rows)

	return collectDevices(rows)
}

// RelinkDeviceMAC atomically moves a device onto a new current MAC and
// appends the device link in one transaction.
func (db *DB) RelinkDeviceMAC(ctx context.Context, deviceID int64, mac string, link *models.DeviceLink) error {
	mu := db.acquireMACLock(mac)
	defer db.releaseMACLock(mac, mu)

	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	if link.LinkedAt.IsZero() {
		link.LinkedAt = time.Now()
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin relink transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE devices SET mac = ? WHERE id = ?`, mac, deviceID)
	if err != nil {
		return fmt.Errorf("failed to update device mac: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check relink result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("relink device %d: %w", deviceID, ErrNotFound)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO device_links
		(device_id, mac, strength, reason, linked_at)
		VALUES (?, ?, ?, ?, ?)`,
		deviceID, mac, string(link.Strength), link.Reason, link.LinkedAt)
	if err != nil {
		return fmt.Errorf("failed to insert device link: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit relink: %w", err)
	}
	return nil
}

// GetDeviceLinks returns the MAC history of a device, oldest first.
func (db *DB) GetDeviceLinks(ctx context.Context, deviceID int64) ([]models.DeviceLink, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	query := `SELECT id, device_id, mac, strength, reason, linked_at
		FROM device_links WHERE device_id = ? ORDER BY linked_at ASC, id ASC`

	rows, err := db.conn.QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query device links: %w", err)
	}
	defer closeQuietly(rows)

	var links []models.DeviceLink
	for rows.Next() {
		var link models.DeviceLink
		var strength string
		if err := rows.Scan(&link.ID, &link.DeviceID, &link.MAC, &strength, &link.Reason, &link.LinkedAt); err != nil {
			return nil, fmt.Errorf("failed to scan device link: %w", err)
		}
		link.Strength = models.LinkStrength(strength)
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating device links: %w", err)
	}
	return links, nil
}

// RecordDeviceObservation updates a device's live fields after a sighting:
// last seen, detection count, max RSSI, signal band, and the advertised
// name and separated flag when newly observed.
func (db *DB) RecordDeviceObservation(ctx context.Context, deviceID int64, seenAt time.Time, rssi int, advertisedName string, separated bool) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	query := `UPDATE devices SET
		last_seen = GREATEST(last_seen, ?),
		detection_count = detection_count + 1,
		max_rssi = GREATEST(max_rssi, ?),
		signal_band = ?,
		advertised_name = CASE WHEN ? != '' THEN ? ELSE advertised_name END,
		findmy_separated = findmy_separated OR ?
		WHERE id = ?`

	res, err := db.conn.ExecContext(ctx, query,
		seenAt, rssi, string(models.SignalBandFromRSSI(rssi)),
		advertisedName, advertisedName, separated, deviceID)
	if err != nil {
		return fmt.Errorf("failed to record device observation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check observation result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("record observation for device %d: %w", deviceID, ErrNotFound)
	}
	return nil
}

// UpdateDeviceThreatLevel persists the banded threat level after scoring.
func (db *DB) UpdateDeviceThreatLevel(ctx context.Context, deviceID int64, level models.ThreatLevel) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	_, err := db.conn.ExecContext(ctx,
		`UPDATE devices SET threat_level = ? WHERE id = ?`, string(level), deviceID)
	if err != nil {
		return fmt.Errorf("failed to update threat level: %w", err)
	}
	return nil
}

// UpdateDeviceName sets the user-assigned name.
func (db *DB) UpdateDeviceName(ctx context.Context, deviceID int64, name string) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	res, err := db.conn.ExecContext(ctx,
		`UPDATE devices SET name = ? WHERE id = ?`, name, deviceID)
	if err != nil {
		return fmt.Errorf("failed to update device name: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check name update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("update name for device %d: %w", deviceID, ErrNotFound)
	}
	return nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*models.Device, error) {
	var d models.Device
	var manufacturerID int
	var beaconType, fingerprint, signalBand, threatLevel string

	err := row.Scan(
		&d.ID, &d.MAC, &d.Name, &d.AdvertisedName, &d.FirstSeen, &d.LastSeen,
		&d.DetectionCount, &manufacturerID, &d.Manufacturer, &beaconType,
		&fingerprint, &d.FindMySeparated, &d.MaxRSSI, &signalBand, &threatLevel,
	)
	if err != nil {
		return nil, err
	}

	d.ManufacturerID = uint16(manufacturerID)
	d.BeaconType = models.BeaconType(beaconType)
	d.Fingerprint = models.Fingerprint(fingerprint)
	d.SignalBand = models.SignalBand(signalBand)
	d.ThreatLevel = models.ThreatLevel(threatLevel)
	return &d, nil
}

func collectDevices(rows *sql.Rows) ([]models.Device, error) {
	var devices []models.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, *device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}
	return devices, nil
}
