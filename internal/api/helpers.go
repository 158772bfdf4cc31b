// TagSentry - BLE Tracker Detection and Location Correlation
// Copyright 2026 TagSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tagsentry/tagsentry

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/tagsentry/tagsentry/internal/logging"
	"github.com/tagsentry/tagsentry/internal/models"
	"github.com/tagsentry/tagsentry/internal/validation"
)

// respondJSON writes the standard response envelope.
func respondJSON(w http.ResponseWriter, status int, response *models.APIResponse) {
	w.Header().Set("Content-Type", "application/json")

	data, err := json.Marshal(response)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Error().Err(err).Msg("Failed to write JSON response")
	}
}

// respondSuccess wraps data in a success envelope. count < 0 omits the
// count field for non-list payloads.
func respondSuccess(w http.ResponseWriter, status int, data interface{}, count int) {
	metadata := models.Metadata{Timestamp: time.Now().UTC()}
	if count >= 0 {
		metadata.Count = count
	}
	respondJSON(w, status, &models.APIResponse{
		Status:   "success",
		Data:     data,
		Metadata: metadata,
	})
}

// respondError writes an error envelope and logs server-side failures.
func respondError(w http.ResponseWriter, status int, code, message string, err error) {
	if err != nil && status >= http.StatusInternalServerError {
		logging.Error().Err(err).Str("code", code).Msg("API error")
	}
	respondJSON(w, status, &models.APIResponse{
		Status:   "error",
		Metadata: models.Metadata{Timestamp: time.Now().UTC()},
		Error: &models.APIError{
			Code:    code,
			Message: message,
		},
	})
}

// respondValidationError maps a validation failure to a 400 with per-field
// details.
func respondValidationError(w http.ResponseWriter, verr *validation.RequestError) {
	details := make(map[string]interface{}, len(verr.Errors()))
	for field, msg := range verr.Fields() {
		details[field] = msg
	}
	respondJSON(w, http.StatusBadRequest, &models.APIResponse{
		Status:   "error",
		Metadata: models.Metadata{Timestamp: time.Now().UTC()},
		Error: &models.APIError{
			Code:    "VALIDATION_ERROR",
			Message: verr.Error(),
			Details: details,
		},
	})
}

// decodeJSON reads a request body into v, rejecting malformed payloads.
func decodeJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// idParam parses the {id} URL parameter.
func idParam(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
