// TagSentry - BLE Tracker Detection and Location Correlation
// Copyright 2026 TagSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tagsentry/tagsentry

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/tagsentry/tagsentry/internal/database"
	"github.com/tagsentry/tagsentry/internal/detection"
	"github.com/tagsentry/tagsentry/internal/ingest"
	"github.com/tagsentry/tagsentry/internal/metrics"
	"github.com/tagsentry/tagsentry/internal/models"
	"github.com/tagsentry/tagsentry/internal/validation"
)

// Store is the slice of the correlation store the API serves from.
// Satisfied by *database.DB.
type Store interface {
	Ping(ctx context.Context) error
	ListDevices(ctx context.Context) ([]models.Device, error)
	GetDeviceByID(ctx context.Context, id int64) (*models.Device, error)
	GetDeviceLinks(ctx context.Context, deviceID int64) ([]models.DeviceLink, error)
	GetSightingsForDevice(ctx context.Context, deviceID int64) ([]models.Sighting, error)
	ListAlerts(ctx context.Context, includeDismissed bool) ([]models.Alert, error)
	DismissAlert(ctx context.Context, id int64) error
	ListWhitelist(ctx context.Context) ([]models.WhitelistEntry, error)
	AddWhitelistEntry(ctx context.Context, entry *models.WhitelistEntry) (int64, error)
	RemoveWhitelistEntry(ctx context.Context, deviceID int64) error
	WhitelistDevicesSeenSince(ctx context.Context, since time.Time, label string) (int64, error)
}

// BatchProcessor ingests one scan batch. Satisfied by *ingest.Pipeline.
type BatchProcessor interface {
	Process(ctx context.Context, batch *ingest.ScanBatch) (*ingest.Result, error)
}

// DetectionRunner triggers one detection pass. Satisfied by
// *detection.Runner.
type DetectionRunner interface {
	RunPass(ctx context.Context) (*detection.PassSummary, error)
}

// Handler carries the API's dependencies.
type Handler struct {
	store     Store
	pipeline  BatchProcessor
	detection DetectionRunner
	version   string
}

// NewHandler wires the API handlers.
func NewHandler(store Store, pipeline BatchProcessor, runner DetectionRunner, version string) *Handler {
	return &Handler{
		store:     store,
		pipeline:  pipeline,
		detection: runner,
		version:   version,
	}
}

// Health reports service liveness and store reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	respondSuccess(w, httpStatus, map[string]string{
		"status":  status,
		"version": h.version,
	}, -1)
}

// IngestScan accepts one scan batch over HTTP. MQTT is the primary
// transport; this endpoint serves scanners that cannot speak MQTT and makes
// batches easy to replay during debugging.
func (h *Handler) IngestScan(w http.ResponseWriter, r *http.Request) {
	var batch ingest.ScanBatch
	if err := decodeJSON(r, &batch); err != nil {
		metrics.RecordIngestRejection("http")
		respondError(w, http.StatusBadRequest, "MALFORMED_PAYLOAD", "request body is not a valid scan batch", nil)
		return
	}

	result, err := h.pipeline.Process(r.Context(), &batch)
	if err != nil {
		metrics.RecordIngestRejection("http")

		var verr *validation.RequestError
		switch {
		case errors.As(err, &verr):
			respondValidationError(w, verr)
		case errors.Is(err, ingest.ErrBatchTooLarge):
			respondError(w, http.StatusRequestEntityTooLarge, "BATCH_TOO_LARGE", err.Error(), nil)
		default:
			respondError(w, http.StatusInternalServerError, "INGEST_ERROR", "scan batch could not be processed", err)
		}
		return
	}

	metrics.RecordIngestBatch("http", len(batch.Advertisements), result.Failed)
	respondSuccess(w, http.StatusAccepted, result, -1)
}

// ListDevices returns every canonical device.
func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.store.ListDevices(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "DATABASE_ERROR", "listing devices failed", err)
		return
	}
	respondSuccess(w, http.StatusOK, devices, len(devices))
}

// deviceDetail is the GET /devices/{id} payload: the device plus its MAC
// rotation history.
type deviceDetail struct {
	Device models.Device       `json:"device"`
	Links  []models.DeviceLink `json:"links"`
}

// GetDevice returns one device with its identity-link history.
func (h *Handler) GetDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "device id must be a positive integer", nil)
		return
	}

	device, err := h.store.GetDeviceByID(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "DATABASE_ERROR", "loading device failed", err)
		return
	}
	if device == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "device not found", nil)
		return
	}

	links, err := h.store.GetDeviceLinks(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "DATABASE_ERROR", "loading device links failed", err)
		return
	}

	respondSuccess(w, http.StatusOK, deviceDetail{Device: *device, Links: links}, -1)
}

// ListDeviceSightings returns a device's sighting history, oldest first.
func (h *Handler) ListDeviceSightings(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "device id must be a positive integer", nil)
		return
	}

	device, err := h.store.GetDeviceByID(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "DATABASE_ERROR", "loading device failed", err)
		return
	}
	if device == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "device not found", nil)
		return
	}

	sightings, err := h.store.GetSightingsForDevice(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "DATABASE_ERROR", "loading sightings failed", err)
		return
	}
	respondSuccess(w, http.StatusOK, sightings, len(sightings))
}

// ListAlerts returns alerts, most recent first. ?include_dismissed=true
// includes handled alerts.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	includeDismissed := r.URL.Query().Get("include_dismissed") == "true"

	alerts, err := h.store.ListAlerts(r.Context(), includeDismissed)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "DATABASE_ERROR", "listing alerts failed", err)
		return
	}
	respondSuccess(w, http.StatusOK, alerts, len(alerts))
}

// DismissAlert marks an alert handled. Idempotent: dismissing twice keeps
// the original dismissal timestamp.
func (h *Handler) DismissAlert(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "alert id must be a positive integer", nil)
		return
	}

	if err := h.store.DismissAlert(r.Context(), id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			respondError(w, http.StatusNotFound, "NOT_FOUND", "alert not found", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "DATABASE_ERROR", "dismissing alert failed", err)
		return
	}
	respondSuccess(w, http.StatusOK, map[string]int64{"dismissed": id}, -1)
}

// ListWhitelist returns all whitelist entries.
func (h *Handler) ListWhitelist(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.ListWhitelist(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "DATABASE_ERROR", "listing whitelist failed", err)
		return
	}
	respondSuccess(w, http.StatusOK, entries, len(entries))
}

// whitelistRequest is the POST /whitelist payload.
type whitelistRequest struct {
	DeviceID int64  `json:"device_id" validate:"required,gt=0"`
	Label    string `json:"label" validate:"required,max=128"`
	Category string `json:"category" validate:"required,oneof=OWN PARTNER TRUSTED"`
	Notes    string `json:"notes" validate:"max=512"`
}

// AddWhitelist creates or updates a whitelist entry for a device.
func (h *Handler) AddWhitelist(w http.ResponseWriter, r *http.Request) {
	var req whitelistRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "MALFORMED_PAYLOAD", "request body is not a valid whitelist entry", nil)
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		respondValidationError(w, verr)
		return
	}

	device, err := h.store.GetDeviceByID(r.Context(), req.DeviceID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "DATABASE_ERROR", "loading device failed", err)
		return
	}
	if device == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "device not found", nil)
		return
	}

	entry := &models.WhitelistEntry{
		DeviceID:  req.DeviceID,
		Label:     req.Label,
		Category:  models.WhitelistCategory(req.Category),
		Notes:     req.Notes,
		CreatedAt: time.Now().UTC(),
	}
	id, err := h.store.AddWhitelistEntry(r.Context(), entry)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "DATABASE_ERROR", "saving whitelist entry failed", err)
		return
	}
	entry.ID = id
	respondSuccess(w, http.StatusCreated, entry, -1)
}

// RemoveWhitelist deletes a device's whitelist entry.
func (h *Handler) RemoveWhitelist(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := idParam(r, "deviceID")
	if !ok {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "device id must be a positive integer", nil)
		return
	}

	if err := h.store.RemoveWhitelistEntry(r.Context(), deviceID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			respondError(w, http.StatusNotFound, "NOT_FOUND", "whitelist entry not found", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "DATABASE_ERROR", "removing whitelist entry failed", err)
		return
	}
	respondSuccess(w, http.StatusOK, map[string]int64{"removed": deviceID}, -1)
}

// learnRequest is the POST /whitelist/learn payload.
type learnRequest struct {
	WindowMinutes int    `json:"window_minutes" validate:"required,gt=0,lte=1440"`
	Label         string `json:"label" validate:"required,max=128"`
}

// LearnWhitelist bulk-whitelists every device seen in the trailing window.
// Meant to run at home: everything currently around the user is theirs.
func (h *Handler) LearnWhitelist(w http.ResponseWriter, r *http.Request) {
	var req learnRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "MALFORMED_PAYLOAD", "request body is not a valid learn request", nil)
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		respondValidationError(w, verr)
		return
	}

	since := time.Now().Add(-time.Duration(req.WindowMinutes) * time.Minute)
	added, err := h.store.WhitelistDevicesSeenSince(r.Context(), since, req.Label)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "DATABASE_ERROR", "learn-mode whitelisting failed", err)
		return
	}
	respondSuccess(w, http.StatusOK, map[string]int64{"whitelisted": added}, -1)
}

// RunDetection triggers a detection pass outside the periodic schedule.
func (h *Handler) RunDetection(w http.ResponseWriter, r *http.Request) {
	summary, err := h.detection.RunPass(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "DETECTION_ERROR", "detection pass failed", err)
		return
	}
	respondSuccess(w, http.StatusOK, summary, -1)
}
