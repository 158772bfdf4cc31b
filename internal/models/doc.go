// TagSentry - BLE Tracker Detection and Location Correlation
// Copyright 2026 TagSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tagsentry/tagsentry

// Package models defines the shared data structures for TagSentry: devices,
// device links, locations, sightings, whitelist entries, alerts, and the
// transient detection result. JSON-blob columns (device address and location
// id lists on alerts) are typed sequences internally and serialized only at
// the storage boundary, with decoding that fails closed to an empty list.
package models
