// TagSentry - BLE Tracker Detection and Location Correlation
// Copyright 2026 TagSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tagsentry/tagsentry

package detection

import (
	"context"
	"fmt"
	"time"

	"github.com/tagsentry/tagsentry/internal/logging"
	"github.com/tagsentry/tagsentry/internal/metrics"
	"github.com/tagsentry/tagsentry/internal/models"
)

// Generator converts detection results into persisted alerts, enforcing
// per-device throttling and severity banding.
type Generator struct {
	store          AlertStore
	notifiers      []Notifier
	throttleWindow time.Duration
}

// DefaultThrottleWindow suppresses repeat alerts for the same device set.
// One alert per device per hour is enough to act on; more is noise that
// trains the user to dismiss.
const DefaultThrottleWindow = time.Hour

// NewGenerator creates an alert generator. throttleWindow <= 0 falls back
// to DefaultThrottleWindow.
func NewGenerator(store AlertStore, throttleWindow time.Duration) *Generator {
	if throttleWindow <= 0 {
		throttleWindow = DefaultThrottleWindow
	}
	return &Generator{store: store, throttleWindow: throttleWindow}
}

// RegisterNotifier adds an external delivery channel. Not safe to call
// concurrently with Generate; register everything at wiring time.
func (g *Generator) RegisterNotifier(n Notifier) {
	g.notifiers = append(g.notifiers, n)
	logging.Info().Str("notifier", n.Name()).Msg("registered alert notifier")
}

// Generate converts one detection result into a persisted alert.
//
// Returns (nil, nil) when a similar recent alert already exists for the
// device within the throttle window; suppression is a normal outcome, not
// an error. Store failures propagate.
func (g *Generator) Generate(ctx context.Context, result *models.DetectionResult) (*models.Alert, error) {
	addresses := g.deviceAddresses(ctx, result)

	throttled, err := g.store.HasSimilarRecentAlert(ctx, addresses, g.throttleWindow)
	if err != nil {
		return nil, fmt.Errorf("%w: throttle check: %v", ErrStoreUnavailable, err)
	}
	if throttled {
		metrics.RecordAlertThrottled()
		logging.Debug().
			Strs("addresses", addresses).
			Dur("window", g.throttleWindow).
			Msg("alert suppressed, similar recent alert exists")
		return nil, nil
	}

	alert := buildAlert(result, addresses)
	id, err := g.store.InsertAlert(ctx, alert)
	if err != nil {
		return nil, fmt.Errorf("%w: inserting alert: %v", ErrStoreUnavailable, err)
	}
	alert.ID = id

	metrics.RecordAlert(string(alert.Severity))
	g.notify(ctx, alert)
	return alert, nil
}

// GenerateBatch processes results independently: a suppressed result
// contributes no id, and one result's outcome never affects its siblings.
// Store failures on one result abort the batch since they signal the same
// store every sibling would hit.
func (g *Generator) GenerateBatch(ctx context.Context, results []models.DetectionResult) ([]int64, error) {
	ids := make([]int64, 0, len(results))
	for i := range results {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		alert, err := g.Generate(ctx, &results[i])
		if err != nil {
			return nil, err
		}
		if alert != nil {
			ids = append(ids, alert.ID)
		}
	}
	return ids, nil
}

// buildAlert assembles the alert record for a detection result.
func buildAlert(result *models.DetectionResult, addresses []string) *models.Alert {
	severity := severityForScore(result.Score.Total)
	name := result.Device.DisplayName()

	locationIDs := make([]int64, 0, len(result.Locations))
	for _, loc := range result.Locations {
		locationIDs = append(locationIDs, loc.ID)
	}

	return &models.Alert{
		Severity: severity,
		Title:    fmt.Sprintf("%s Threat: Possible Tracker Detected", severityTitle(severity)),
		Message: fmt.Sprintf("%s threat: %s (%s) appears to be following you. %s (score %.2f)",
			severityTitle(severity), name, result.Device.MAC, result.Reason, result.Score.Total),
		DeviceAddresses: addresses,
		LocationIDs:     locationIDs,
		ThreatScore:     result.Score.Total,
		Breakdown:       result.Score.Breakdown,
		CreatedAt:       time.Now(),
	}
}

// severityTitle renders the severity for titles and messages: the band name
// with only its first letter upper-cased ("Critical", "High", ...).
func severityTitle(s models.Severity) string {
	switch s {
	case models.SeverityCritical:
		return "Critical"
	case models.SeverityHigh:
		return "High"
	case models.SeverityMedium:
		return "Medium"
	default:
		return "Low"
	}
}

// deviceAddresses collects every address implicated by the result: the
// current MAC first, then the rotation history, so a device that rotated
// its MAC inside the throttle window still matches the alert it already
// triggered. A failed history load degrades to the current MAC only.
func (g *Generator) deviceAddresses(ctx context.Context, result *models.DetectionResult) []string {
	addresses := []string{result.Device.MAC}

	links, err := g.store.GetDeviceLinks(ctx, result.Device.ID)
	if err != nil {
		logging.Warn().Err(err).
			Int64("device_id", result.Device.ID).
			Msg("link history unavailable, throttling on current MAC only")
		return addresses
	}

	seen := map[string]bool{result.Device.MAC: true}
	for _, link := range links {
		if link.MAC != "" && !seen[link.MAC] {
			seen[link.MAC] = true
			addresses = append(addresses, link.MAC)
		}
	}
	return addresses
}

// notify fans the alert out to all enabled notifiers. Delivery is fire and
// forget: a dead webhook must never block or fail alert persistence.
func (g *Generator) notify(ctx context.Context, alert *models.Alert) {
	for _, n := range g.notifiers {
		if !n.Enabled() {
			continue
		}
		go func(n Notifier) {
			err := n.Send(ctx, alert)
			metrics.RecordNotifierDelivery(n.Name(), err)
			if err != nil {
				logging.Error().Err(err).Str("notifier", n.Name()).Int64("alert_id", alert.ID).Msg("alert delivery failed")
			}
		}(n)
	}
}
