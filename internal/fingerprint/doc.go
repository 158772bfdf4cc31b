// TagSentry - BLE Tracker Detection and Location Correlation
// Copyright 2026 TagSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tagsentry/tagsentry

// Package fingerprint extracts a stable identity signal from raw BLE
// advertisements, independent of the rotating MAC address.
//
// BLE privacy features rotate the hardware address every few minutes, so a
// tracker must be re-identified across rotations from weaker signals: the
// manufacturer id, the continuity message type, and whichever payload bytes
// the vendor does not randomize. The package recognizes Apple Find My
// (including the separated AirTag pattern), Samsung SmartTag, Tile, and
// Chipolo signatures, and falls back to whole-payload hashing for unknown
// vendors. Known-randomized Apple continuity traffic (Handoff, Nearby Info)
// is deliberately left unfingerprinted so phones and laptops never
// false-merge across rotations.
package fingerprint
