// TagSentry - BLE Tracker Detection and Location Correlation
// Copyright 2026 TagSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tagsentry/tagsentry

package database

import (
	"context"
	"fmt"
	"time"

	"github.com/tagsentry/tagsentry/internal/models"
)

// AddWhitelistEntry marks a device as trusted. Re-whitelisting an already
// trusted device updates the existing entry instead of failing.
func (db *DB) AddWhitelistEntry(ctx context.Context, entry *models.WhitelistEntry) (int64, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if entry.Category == "" {
		entry.Category = models.WhitelistTrusted
	}

	query := `INSERT INTO whitelist (device_id, label, category, learn_mode, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (device_id) DO UPDATE SET
			label = EXCLUDED.label,
			category = EXCLUDED.category,
			learn_mode = EXCLUDED.learn_mode,
			notes = EXCLUDED.notes
		RETURNING id`

	var id int64
	err := db.conn.QueryRowContext(ctx, query,
		entry.DeviceID, entry.Label, string(entry.Category),
		entry.LearnMode, entry.Notes, entry.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to add whitelist entry: %w", err)
	}

	entry.ID = id
	return id, nil
}

// RemoveWhitelistEntry removes trust from a device.
func (db *DB) RemoveWhitelistEntry(ctx context.Context, deviceID int64) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	res, err := db.conn.ExecContext(ctx, `DELETE FROM whitelist WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("failed to remove whitelist entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check whitelist removal: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("whitelist entry for device %d: %w", deviceID, ErrNotFound)
	}
	return nil
}

// GetWhitelistedDeviceIDs returns the ids of all trusted devices.
func (db *DB) GetWhitelistedDeviceIDs(ctx context.Context) ([]int64, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx, `SELECT device_id FROM whitelist ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query whitelist ids: %w", err)
	}
	defer closeQuietly(rows)

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan whitelist id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating whitelist ids: %w", err)
	}
	return ids, nil
}

// ListWhitelist returns all whitelist entries, newest first.
func (db *DB) ListWhitelist(ctx context.Context) ([]models.WhitelistEntry, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	query := `SELECT id, device_id, label, category, learn_mode, notes, created_at
		FROM whitelist ORDER BY created_at DESC, id DESC`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list whitelist: %w", err)
	}
	defer closeQuietly(rows)

	var entries []models.WhitelistEntry
	for rows.Next() {
		var entry models.WhitelistEntry
		var category string
		err := rows.Scan(&entry.ID, &entry.DeviceID, &entry.Label, &category,
			&entry.LearnMode, &entry.Notes, &entry.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan whitelist entry: %w", err)
		}
		entry.Category = models.WhitelistCategory(category)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating whitelist: %w", err)
	}
	return entries, nil
}

// WhitelistDevicesSeenSince bulk-whitelists every device last seen at or
// after the cutoff. This backs learn mode: run it at home and everything
// in range becomes trusted in one pass. Already whitelisted devices keep
// their entries. Returns the number of devices newly whitelisted.
func (db *DB) WhitelistDevicesSeenSince(ctx context.Context, since time.Time, label string) (int64, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	query := `INSERT INTO whitelist (device_id, label, category, learn_mode, notes, created_at)
		SELECT d.id, ?, ?, TRUE, '', ?
		FROM devices d
		WHERE d.last_seen >= ?
		  AND d.id NOT IN (SELECT device_id FROM whitelist)`

	res, err := db.conn.ExecContext(ctx, query,
		label, string(models.WhitelistOwn), time.Now(), since)
	if err != nil {
		return 0, fmt.Errorf("failed to bulk whitelist devices: %w", err)
	}
	added, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count bulk whitelist result: %w", err)
	}
	return added, nil
}
