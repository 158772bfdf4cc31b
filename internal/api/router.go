// TagSentry - BLE Tracker Detection and Location Correlation
// Copyright 2026 TagSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tagsentry/tagsentry

// Package api provides the HTTP API using the chi router: scan ingestion,
// device and alert queries, whitelist management and the manual detection
// trigger.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router assembles the HTTP surface.
type Router struct {
	handler    *Handler
	middleware *Middleware
}

// NewRouter creates a router from wired handlers and middleware.
func NewRouter(handler *Handler, middleware *Middleware) *Router {
	return &Router{handler: handler, middleware: middleware}
}

// Setup builds the full route tree.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	// Global stack, applied to every route in order.
	r.Use(RequestIDWithLogging())
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(router.middleware.CORS())

	// Prometheus scrape endpoint, outside the rate limit so a tight
	// scrape interval never competes with API clients.
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(router.middleware.RateLimit())
		r.Use(Instrument())

		r.Get("/health", router.handler.Health)

		r.Post("/scans", router.handler.IngestScan)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", router.handler.ListDevices)
			r.Get("/{id}", router.handler.GetDevice)
			r.Get("/{id}/sightings", router.handler.ListDeviceSightings)
		})

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", router.handler.ListAlerts)
			r.Post("/{id}/dismiss", router.handler.DismissAlert)
		})

		r.Route("/whitelist", func(r chi.Router) {
			r.Get("/", router.handler.ListWhitelist)
			r.Post("/", router.handler.AddWhitelist)
			r.Post("/learn", router.handler.LearnWhitelist)
			r.Delete("/{deviceID}", router.handler.RemoveWhitelist)
		})

		r.Post("/detection/run", router.handler.RunDetection)
	})

	return r
}
