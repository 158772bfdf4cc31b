// TagSentry - BLE Tracker Detection and Location Correlation
// Copyright 2026 TagSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tagsentry/tagsentry

package logging

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	// requestIDKey carries the HTTP request ID set by the API middleware.
	requestIDKey contextKey = "request_id"

	// scanIDKey carries the scan-cycle ID so every log line produced while
	// processing one scan batch can be correlated.
	scanIDKey contextKey = "scan_id"

	loggerKey contextKey = "logger"
)

// GenerateScanID creates a short unique ID for one scan cycle. Eight UUID
// characters keep log lines readable while staying unique enough for
// correlation within a retention window.
func GenerateScanID() string {
	return uuid.New().String()[:8]
}

// GenerateRequestID creates a unique HTTP request ID.
func GenerateRequestID() string {
	return uuid.New().String()
}

// ContextWithScanID returns a new context with the given scan-cycle ID.
func ContextWithScanID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, scanIDKey, id)
}

// ContextWithNewScanID returns a context tagged with a fresh scan-cycle ID.
func ContextWithNewScanID(ctx context.Context) context.Context {
	return ContextWithScanID(ctx, GenerateScanID())
}

// ScanIDFromContext retrieves the scan-cycle ID, or "" if absent.
func ScanIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(scanIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithRequestID returns a new context with the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext retrieves the request ID, or "" if absent.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithLogger stores a pre-configured logger in the context.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func ContextWithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves a logger from context, falling back to the
// global logger.
func LoggerFromContext(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(loggerKey).(zerolog.Logger); ok {
		return logger
	}
	return Logger()
}

// Ctx returns a logger with the context's scan_id and request_id fields
// attached. Preferred in handlers and the ingest pipeline.
//
//	logging.Ctx(ctx).Info().Msg("scan processed")
func Ctx(ctx context.Context) *zerolog.Logger {
	logger := CtxWith(ctx).Logger()
	return &logger
}

// CtxWith returns a logger context builder with the context's correlation
// fields pre-populated, for callers that add further default fields.
func CtxWith(ctx context.Context) zerolog.Context {
	logCtx := LoggerFromContext(ctx).With()
	if scanID := ScanIDFromContext(ctx); scanID != "" {
		logCtx = logCtx.Str("scan_id", scanID)
	}
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		logCtx = logCtx.Str("request_id", requestID)
	}
	return logCtx
}
