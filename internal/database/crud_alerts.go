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
	"strings"
	"time"

	"github.com/tagsentry/tagsentry/internal/models"
)

const alertColumns = `id, severity, title, message, device_addresses, location_ids,
	threat_score, location_score, distance_score, time_score, consistency_score,
	device_type_score, dismissed, dismissed_at, created_at`

// InsertAlert persists an alert and returns its id.
func (db *DB) InsertAlert(ctx context.Context, alert *models.Alert) (int64, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now()
	}

	query := `INSERT INTO alerts
		(severity, title, message, device_addresses, location_ids, threat_score,
		 location_score, distance_score, time_score, consistency_score,
		 device_type_score, dismissed, dismissed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`

	var id int64
	err := db.conn.QueryRowContext(ctx, query,
		string(alert.Severity), alert.Title, alert.Message,
		models.EncodeStringList(alert.DeviceAddresses),
		models.EncodeInt64List(alert.LocationIDs),
		alert.ThreatScore,
		alert.Breakdown.Location, alert.Breakdown.Distance, alert.Breakdown.Time,
		alert.Breakdown.Consistency, alert.Breakdown.DeviceType,
		alert.Dismissed, alert.DismissedAt, alert.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert alert: %w", err)
	}

	alert.ID = id
	return id, nil
}

// GetAlert returns an alert by id, or (nil, nil) when absent.
func (db *DB) GetAlert(ctx context.Context, id int64) (*models.Alert, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	query := `SELECT ` + alertColumns + ` FROM alerts WHERE id = ?`
	alert, err := scanAlert(db.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query alert: %w", err)
	}
	return alert, nil
}

// ListAlerts returns alerts newest first. Dismissed alerts are excluded
// unless includeDismissed is set.
func (db *DB) ListAlerts(ctx context.Context, includeDismissed bool) ([]models.Alert, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	query := `SELECT ` + alertColumns + ` FROM alerts`
	if !includeDismissed {
		query += ` WHERE NOT dismissed`
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer closeQuietly(rows)

	var alerts []models.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, *alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alerts: %w", err)
	}
	return alerts, nil
}

// DismissAlert marks an alert as handled. Dismissing an already dismissed
// alert is a no-op, not an error.
func (db *DB) DismissAlert(ctx context.Context, id int64) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	res, err := db.conn.ExecContext(ctx,
		`UPDATE alerts SET dismissed = TRUE, dismissed_at = COALESCE(dismissed_at, ?) WHERE id = ?`,
		time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to dismiss alert: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check dismiss result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("alert %d: %w", id, ErrNotFound)
	}
	return nil
}

// HasSimilarRecentAlert reports whether an alert created inside the window
// references any of the given device addresses. This is the throttling
// predicate: matching on every address a device has held keeps a MAC
// rotation from defeating alert dedup. Dismissed alerts still count; a
// user who dismissed an alert should not receive the same one again
// moments later.
func (db *DB) HasSimilarRecentAlert(ctx context.Context, addresses []string, window time.Duration) (bool, error) {
	if len(addresses) == 0 {
		return false, nil
	}

	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	// device_addresses is a JSON array rendered from EncodeStringList;
	// substring match on the quoted address is exact because addresses
	// are normalized MACs that cannot contain quotes.
	conditions := make([]string, len(addresses))
	args := make([]any, 0, len(addresses)+1)
	args = append(args, time.Now().Add(-window))
	for i, addr := range addresses {
		conditions[i] = "device_addresses LIKE ?"
		args = append(args, "%\""+addr+"\"%")
	}

	query := fmt.Sprintf(
		`SELECT COUNT(*) FROM alerts WHERE created_at >= ? AND (%s)`,
		strings.Join(conditions, " OR "))

	var count int64
	if err := db.conn.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to query recent alerts: %w", err)
	}
	return count > 0, nil
}

func scanAlert(row rowScanner) (*models.Alert, error) {
	var a models.Alert
	var severity, deviceAddresses, locationIDs string
	var dismissedAt sql.NullTime

	err := row.Scan(&a.ID, &severity, &a.Title, &a.Message,
		&deviceAddresses, &locationIDs, &a.ThreatScore,
		&a.Breakdown.Location, &a.Breakdown.Distance, &a.Breakdown.Time,
		&a.Breakdown.Consistency, &a.Breakdown.DeviceType,
		&a.Dismissed, &dismissedAt, &a.CreatedAt)
	if err != nil {
		return nil, err
	}

	a.Severity = models.Severity(severity)
	a.DeviceAddresses = models.DecodeStringList(deviceAddresses)
	a.LocationIDs = models.DecodeInt64List(locationIDs)
	if dismissedAt.Valid {
		a.DismissedAt = &dismissedAt.Time
	}
	return &a, nil
}
