// TagSentry - BLE Tracker Detection and Location Correlation
// Copyright 2026 TagSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tagsentry/tagsentry

package database

import (
	"context"
	"fmt"
	"time"
)

// schemaContext returns a context with timeout for schema operations.
func schemaContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 60*time.Second)
}

// createTables creates sequences and core tables. All columns are defined
// up front; there is no migration layer yet.
func (db *DB) createTables() error {
	ctx, cancel := schemaContext()
	defer cancel()

	for _, query := range tableCreationQueries() {
		if _, err := db.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query: %s: %w", query, err)
		}
	}
	return nil
}

func tableCreationQueries() []string {
	return []string{
		`CREATE SEQUENCE IF NOT EXISTS seq_device_id START 1`,
		`CREATE SEQUENCE IF NOT EXISTS seq_device_link_id START 1`,
		`CREATE SEQUENCE IF NOT EXISTS seq_location_id START 1`,
		`CREATE SEQUENCE IF NOT EXISTS seq_sighting_id START 1`,
		`CREATE SEQUENCE IF NOT EXISTS seq_whitelist_id START 1`,
		`CREATE SEQUENCE IF NOT EXISTS seq_alert_id START 1`,

		// Canonical devices. mac is the CURRENT address; prior addresses
		// live in device_links.
		`CREATE TABLE IF NOT EXISTS devices (
			id BIGINT PRIMARY KEY DEFAULT nextval('seq_device_id'),
			mac TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			advertised_name TEXT NOT NULL DEFAULT '',
			first_seen TIMESTAMP NOT NULL,
			last_seen TIMESTAMP NOT NULL,
			detection_count INTEGER NOT NULL DEFAULT 0,
			manufacturer_id INTEGER NOT NULL DEFAULT 0,
			manufacturer TEXT NOT NULL DEFAULT '',
			beacon_type TEXT NOT NULL DEFAULT 'unknown',
			fingerprint TEXT NOT NULL DEFAULT '',
			findmy_separated BOOLEAN NOT NULL DEFAULT FALSE,
			max_rssi INTEGER NOT NULL DEFAULT -127,
			signal_band TEXT NOT NULL DEFAULT 'unknown',
			threat_level TEXT NOT NULL DEFAULT 'none'
		)`,

		// Append-only identity graph: every MAC a device has held, with
		// the evidence that justified the link.
		`CREATE TABLE IF NOT EXISTS device_links (
			id BIGINT PRIMARY KEY DEFAULT nextval('seq_device_link_id'),
			device_id BIGINT NOT NULL,
			mac TEXT NOT NULL,
			strength TEXT NOT NULL,
			reason TEXT NOT NULL,
			linked_at TIMESTAMP NOT NULL
		)`,

		// GPS fixes, immutable once recorded. Multiple sightings from one
		// scan cycle share a location row.
		`CREATE TABLE IF NOT EXISTS locations (
			id BIGINT PRIMARY KEY DEFAULT nextval('seq_location_id'),
			latitude DOUBLE NOT NULL,
			longitude DOUBLE NOT NULL,
			accuracy DOUBLE NOT NULL DEFAULT 0,
			altitude DOUBLE,
			timestamp TIMESTAMP NOT NULL,
			provider TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE TABLE IF NOT EXISTS sightings (
			id BIGINT PRIMARY KEY DEFAULT nextval('seq_sighting_id'),
			device_id BIGINT NOT NULL,
			location_id BIGINT NOT NULL,
			rssi INTEGER NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			location_changed BOOLEAN NOT NULL DEFAULT FALSE,
			distance_from_prev DOUBLE,
			scan_trigger TEXT NOT NULL DEFAULT 'PERIODIC'
		)`,

		// At most one active entry per device id.
		`CREATE TABLE IF NOT EXISTS whitelist (
			id BIGINT PRIMARY KEY DEFAULT nextval('seq_whitelist_id'),
			device_id BIGINT NOT NULL UNIQUE,
			label TEXT NOT NULL,
			category TEXT NOT NULL,
			learn_mode BOOLEAN NOT NULL DEFAULT FALSE,
			notes TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,

		// device_addresses and location_ids are JSON text columns; the
		// models package decodes them fail-closed.
		`CREATE TABLE IF NOT EXISTS alerts (
			id BIGINT PRIMARY KEY DEFAULT nextval('seq_alert_id'),
			severity TEXT NOT NULL,
			title TEXT NOT NULL,
			message TEXT NOT NULL,
			device_addresses TEXT NOT NULL DEFAULT '[]',
			location_ids TEXT NOT NULL DEFAULT '[]',
			threat_score DOUBLE NOT NULL,
			location_score DOUBLE NOT NULL DEFAULT 0,
			distance_score DOUBLE NOT NULL DEFAULT 0,
			time_score DOUBLE NOT NULL DEFAULT 0,
			consistency_score DOUBLE NOT NULL DEFAULT 0,
			device_type_score DOUBLE NOT NULL DEFAULT 0,
			dismissed BOOLEAN NOT NULL DEFAULT FALSE,
			dismissed_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		)`,
	}
}

// createIndexes creates indexes for the hot query paths: MAC lookup on
// every advertisement, per-device sighting scans during detection, and
// recency filters on alerts.
func (db *DB) createIndexes() error {
	ctx, cancel := schemaContext()
	defer cancel()

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_devices_mac ON devices(mac)`,
		`CREATE INDEX IF NOT EXISTS idx_devices_last_seen ON devices(last_seen)`,
		`CREATE INDEX IF NOT EXISTS idx_device_links_device ON device_links(device_id)`,
		`CREATE INDEX IF NOT EXISTS idx_device_links_mac ON device_links(mac)`,
		`CREATE INDEX IF NOT EXISTS idx_sightings_device_ts ON sightings(device_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_sightings_location ON sightings(location_id)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_whitelist_device ON whitelist(device_id)`,
	}

	for _, query := range indexes {
		if _, err := db.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to create index: %s: %w", query, err)
		}
	}
	return nil
}
