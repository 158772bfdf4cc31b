// TagSentry - BLE Tracker Detection and Location Correlation
// Copyright 2026 TagSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tagsentry/tagsentry

// Package identity resolves observed MAC addresses to canonical devices.
//
// BLE devices rotate their advertised address every few minutes, so the
// linker re-identifies a device across rotations: a known MAC resolves
// unchanged; an exact fingerprint match within the rotation window records a
// STRONG link; a fingerprint-less MAC that appears just as exactly one
// nearby device vanished records a WEAK temporal-proximity link; anything
// else becomes a new canonical device. Resolution never fails hard: the
// worst case over-counts devices, which is always safer than wrongly
// merging two strangers' devices into one.
package identity
