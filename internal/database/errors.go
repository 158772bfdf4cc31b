// TagSentry - BLE Tracker Detection and Location Correlation
// Copyright 2026 TagSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tagsentry/tagsentry

package database

import (
	"errors"
	"io"

	"github.com/tagsentry/tagsentry/internal/logging"
)

// ErrNotFound is returned when an operation targets a row that does not
// exist. Lookup methods return (nil, nil) for absence instead; this error
// is for mutations like dismissing a nonexistent alert.
var ErrNotFound = errors.New("not found")

// closeWithLog closes a resource and logs any error. For cleanup paths
// where a failure should be acknowledged but not fail the operation.
func closeWithLog(closer io.Closer, resourceType string) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		logging.Warn().Str("type", resourceType).Err(err).Msg("Failed to close resource")
	}
}

// closeQuietly closes a resource and explicitly ignores any error. For
// error paths where Close() errors are not actionable.
func closeQuietly(closer io.Closer) {
	if closer != nil {
		_ = closer.Close()
	}
}
