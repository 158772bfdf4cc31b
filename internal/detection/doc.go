// TagSentry - BLE Tracker Detection and Location Correlation
// Copyright 2026 TagSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tagsentry/tagsentry

// Package detection turns the accumulated device-location ledger into
// calibrated threat scores and deduplicated alerts.
//
// The Scorer computes a bounded [0,1] score as a weighted combination of
// distinct-location coverage, geographic spread, elapsed observation span,
// RSSI consistency, and device-type priors. The Engine runs one detection
// pass: candidate query, whitelist exclusion, concurrent scoring with a
// deterministic final order. The Generator bands scores into severities,
// enforces the per-device throttle window against the correlation store,
// and fans persisted alerts out to notifiers.
//
// A detection pass tolerates per-candidate load failures (skip and log) but
// aborts wholesale on store connectivity failures; nothing partial is ever
// persisted from a cancelled pass.
package detection
