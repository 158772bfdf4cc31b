// TagSentry - BLE Tracker Detection and Location Correlation
// Copyright 2026 TagSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tagsentry/tagsentry

package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tagsentry/tagsentry/internal/logging"
	"github.com/tagsentry/tagsentry/internal/models"
)

// DeviceStore is the slice of the correlation store the linker needs.
// Satisfied by *database.DB.
type DeviceStore interface {
	// GetDeviceByMAC returns the device currently holding the MAC, or
	// (nil, nil) when the MAC is unknown.
	GetDeviceByMAC(ctx context.Context, mac string) (*models.Device, error)

	// GetRecentDevices returns devices last seen at or after the cutoff,
	// most recent first.
	GetRecentDevices(ctx context.Context, since time.Time) ([]models.Device, error)

	// InsertDevice persists a new canonical device and returns its id.
	InsertDevice(ctx context.Context, device *models.Device) (int64, error)

	// RelinkDeviceMAC atomically moves a canonical device onto a new
	// current MAC and appends the device link in one transaction, so a
	// crash can never leave a half-written identity graph.
	RelinkDeviceMAC(ctx context.Context, deviceID int64, mac string, link *models.DeviceLink) error

	// GetLastSightingForDevice returns the most recent sighting, or
	// (nil, nil) when the device has none.
	GetLastSightingForDevice(ctx context.Context, deviceID int64) (*models.Sighting, error)
}

// Decision describes what Resolve did with an observation.
type Decision string

const (
	// DecisionNone means the MAC already mapped to a known device.
	DecisionNone Decision = "none"
	// DecisionLinked means a MAC rotation was detected and recorded.
	DecisionLinked Decision = "linked"
	// DecisionCreated means a new canonical device was created.
	DecisionCreated Decision = "created"
)

// LinkDecision is the outcome of one resolution.
type LinkDecision struct {
	Decision Decision
	Strength models.LinkStrength // set when Decision == DecisionLinked
	Reason   string
}

// Observation is one device sighting stripped down to what identity
// resolution needs. Latitude/Longitude are the GPS fix of the scan cycle,
// not a device position.
type Observation struct {
	MAC             string
	Fingerprint     models.Fingerprint
	BeaconType      models.BeaconType
	Manufacturer    string
	ManufacturerID  uint16
	AdvertisedName  string
	FindMySeparated bool
	RSSI            int
	Latitude        float64
	Longitude       float64
	ObservedAt      time.Time
}

// Config tunes rotation detection.
type Config struct {
	// RotationWindow bounds how far back fingerprint matching searches.
	// BLE privacy rotations happen on the order of minutes, so a device
	// absent longer than this is treated as genuinely new.
	RotationWindow time.Duration

	// WeakLinkWindow bounds the temporal-proximity heuristic: a device
	// that vanished and a fingerprint-less MAC that appeared within this
	// window may be the same unit.
	WeakLinkWindow time.Duration

	// WeakRSSIDelta is the maximum dBm difference between the vanished
	// device's last sighting and the new observation for a weak link.
	WeakRSSIDelta int

	// WeakMaxDistanceMeters is the maximum distance between the vanished
	// device's last fix and the new observation for a weak link.
	WeakMaxDistanceMeters float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		RotationWindow:        15 * time.Minute,
		WeakLinkWindow:        90 * time.Second,
		WeakRSSIDelta:         15,
		WeakMaxDistanceMeters: 50,
	}
}

// Linker resolves observed MAC addresses to canonical devices, detecting
// MAC rotation along the way.
//
// Resolution never fails hard: the worst case is creating a new device,
// degrading toward over-counting rather than wrongly merging two units.
type Linker struct {
	store  DeviceStore
	config Config

	// macLocks serializes resolution per MAC so two concurrent scan
	// cycles cannot both create a canonical device for the same address.
	macLocks sync.Map
}

// NewLinker creates a linker. Zero-value config fields fall back to
// DefaultConfig values.
func NewLinker(store DeviceStore, config Config) *Linker {
	def := DefaultConfig()
	if config.RotationWindow <= 0 {
		config.RotationWindow = def.RotationWindow
	}
	if config.WeakLinkWindow <= 0 {
		config.WeakLinkWindow = def.WeakLinkWindow
	}
	if config.WeakRSSIDelta <= 0 {
		config.WeakRSSIDelta = def.WeakRSSIDelta
	}
	if config.WeakMaxDistanceMeters <= 0 {
		config.WeakMaxDistanceMeters = def.WeakMaxDistanceMeters
	}
	return &Linker{store: store, config: config}
}

// Resolve maps an observation to a canonical device id, creating or
// relinking devices as needed.
//
// The only hard failure is the store refusing the final device insert;
// lookup failures along the way degrade to creating a new device.
func (l *Linker) Resolve(ctx context.Context, obs Observation) (int64, LinkDecision, error) {
	obs.MAC = models.NormalizeMAC(obs.MAC)

	mu := l.acquireMACLock(obs.MAC)
	defer l.releaseMACLock(obs.MAC, mu)

	// Step 1: known MAC resolves unchanged.
	device, err := l.store.GetDeviceByMAC(ctx, obs.MAC)
	if err != nil {
		logging.Warn().Err(err).Str("mac", obs.MAC).Msg("device lookup failed, treating MAC as new")
	} else if device != nil {
		return device.ID, LinkDecision{Decision: DecisionNone}, nil
	}

	candidates := l.recentCandidates(ctx, obs.ObservedAt)

	// Step 2: strong link on exact fingerprint (or unique name) match.
	if match, strength, reason := l.findStrongMatch(candidates, obs); match != nil {
		if err := l.relink(ctx, match, obs, strength, reason); err != nil {
			logging.Warn().Err(err).Str("mac", obs.MAC).Int64("device_id", match.ID).
				Msg("relink failed, creating new device instead")
		} else {
			return match.ID, LinkDecision{Decision: DecisionLinked, Strength: strength, Reason: reason}, nil
		}
	}

	// Step 3: weak temporal-proximity heuristic, only without a fingerprint.
	if obs.Fingerprint == "" {
		if match := l.findWeakMatch(ctx, candidates, obs); match != nil {
			reason := "temporal_proximity"
			if err := l.relink(ctx, match, obs, models.LinkWeak, reason); err != nil {
				logging.Warn().Err(err).Str("mac", obs.MAC).Int64("device_id", match.ID).
					Msg("weak relink failed, creating new device instead")
			} else {
				return match.ID, LinkDecision{Decision: DecisionLinked, Strength: models.LinkWeak, Reason: reason}, nil
			}
		}
	}

	// Step 4: new canonical device.
	id, err := l.createDevice(ctx, obs)
	if err != nil {
		return 0, LinkDecision{}, fmt.Errorf("create device for %s: %w", obs.MAC, err)
	}
	return id, LinkDecision{Decision: DecisionCreated}, nil
}

// recentCandidates loads rotation candidates; lookup failure degrades to no
// candidates rather than failing resolution.
func (l *Linker) recentCandidates(ctx context.Context, observedAt time.Time) []models.Device {
	cutoff := observedAt.Add(-l.config.RotationWindow)
	candidates, err := l.store.GetRecentDevices(ctx, cutoff)
	if err != nil {
		logging.Warn().Err(err).Msg("recent device lookup failed, skipping rotation linking")
		return nil
	}
	return candidates
}

// findStrongMatch returns the best fingerprint (preferred) or unique
// advertised-name match among candidates.
//
// Multiple fingerprint matches are resolved deterministically: the most
// recently active candidate wins, and the ambiguity is logged rather than
// silently swallowed.
func (l *Linker) findStrongMatch(candidates []models.Device, obs Observation) (*models.Device, models.LinkStrength, string) {
	if obs.Fingerprint != "" {
		var matches []models.Device
		for _, c := range candidates {
			if c.Fingerprint == obs.Fingerprint {
				matches = append(matches, c)
			}
		}
		if len(matches) > 0 {
			best := mostRecent(matches)
			if len(matches) > 1 {
				logging.Warn().
					Str("fingerprint", string(obs.Fingerprint)).
					Int("matches", len(matches)).
					Int64("chosen_device_id", best.ID).
					Msg("ambiguous fingerprint match, most recent device wins")
			}
			return best, models.LinkStrong, fmt.Sprintf("fingerprint_match:%s", obs.Fingerprint)
		}
	}

	if obs.AdvertisedName != "" {
		var matches []models.Device
		for _, c := range candidates {
			if c.AdvertisedName == obs.AdvertisedName {
				matches = append(matches, c)
			}
		}
		// Name matching is only trustworthy when unambiguous.
		if len(matches) == 1 {
			return &matches[0], models.LinkStrong, fmt.Sprintf("name_match:%s", obs.AdvertisedName)
		}
	}

	return nil, "", ""
}

// findWeakMatch applies the temporal-proximity heuristic: exactly one
// candidate vanished within the weak window, at a compatible RSSI envelope
// and location. Any ambiguity disqualifies the heuristic entirely.
func (l *Linker) findWeakMatch(ctx context.Context, candidates []models.Device, obs Observation) *models.Device {
	var match *models.Device
	for i := range candidates {
		c := &candidates[i]

		gone := obs.ObservedAt.Sub(c.LastSeen)
		if gone < 0 || gone > l.config.WeakLinkWindow {
			continue
		}

		last, err := l.store.GetLastSightingForDevice(ctx, c.ID)
		if err != nil || last == nil {
			continue
		}
		if abs(last.RSSI-obs.RSSI) > l.config.WeakRSSIDelta {
			continue
		}
		if models.HasValidCoordinates(obs.Latitude, obs.Longitude) &&
			models.HasValidCoordinates(last.Latitude, last.Longitude) {
			if models.HaversineMeters(last.Latitude, last.Longitude, obs.Latitude, obs.Longitude) > l.config.WeakMaxDistanceMeters {
				continue
			}
		}

		if match != nil {
			// Two plausible candidates: too risky to merge either.
			return nil
		}
		match = c
	}
	return match
}

// relink moves the canonical device onto the newly observed MAC and appends
// the audit link. The store performs both writes in one transaction.
func (l *Linker) relink(ctx context.Context, device *models.Device, obs Observation, strength models.LinkStrength, reason string) error {
	link := &models.DeviceLink{
		DeviceID: device.ID,
		MAC:      obs.MAC,
		Strength: strength,
		Reason:   reason,
		LinkedAt: obs.ObservedAt,
	}
	if err := l.store.RelinkDeviceMAC(ctx, device.ID, obs.MAC, link); err != nil {
		return err
	}

	logging.Info().
		Int64("device_id", device.ID).
		Str("old_mac", device.MAC).
		Str("new_mac", obs.MAC).
		Str("strength", string(strength)).
		Str("reason", reason).
		Msg("MAC rotation linked")
	return nil
}

// createDevice persists a brand-new canonical device from the observation.
func (l *Linker) createDevice(ctx context.Context, obs Observation) (int64, error) {
	device := &models.Device{
		MAC:             obs.MAC,
		AdvertisedName:  obs.AdvertisedName,
		FirstSeen:       obs.ObservedAt,
		LastSeen:        obs.ObservedAt,
		DetectionCount:  0,
		ManufacturerID:  obs.ManufacturerID,
		Manufacturer:    obs.Manufacturer,
		BeaconType:      obs.BeaconType,
		Fingerprint:     obs.Fingerprint,
		FindMySeparated: obs.FindMySeparated,
		MaxRSSI:         obs.RSSI,
		SignalBand:      models.SignalBandFromRSSI(obs.RSSI),
		ThreatLevel:     models.ThreatLevelNone,
	}
	if device.BeaconType == "" {
		device.BeaconType = models.BeaconTypeUnknown
	}
	return l.store.InsertDevice(ctx, device)
}

// acquireMACLock returns the mutex for a MAC, locked.
func (l *Linker) acquireMACLock(mac string) *sync.Mutex {
	muIface, _ := l.macLocks.LoadOrStore(mac, &sync.Mutex{})
	mu := muIface.(*sync.Mutex)
	mu.Lock()
	return mu
}

// releaseMACLock releases the per-MAC mutex lock.
func (l *Linker) releaseMACLock(_ string, mu *sync.Mutex) {
	mu.Unlock()
}

// mostRecent picks the device with the latest LastSeen. Ties break on the
// higher id so the result is deterministic regardless of slice order.
func mostRecent(devices []models.Device) *models.Device {
	best := &devices[0]
	for i := 1; i < len(devices); i++ {
		c := &devices[i]
		if c.LastSeen.After(best.LastSeen) ||
			(c.LastSeen.Equal(best.LastSeen) && c.ID > best.ID) {
			best = c
		}
	}
	return best
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
