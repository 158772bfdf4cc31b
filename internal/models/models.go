// TagSentry - BLE Tracker Detection and Location Correlation
// Copyright 2026 TagSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tagsentry/tagsentry

package models

import (
	"math"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// CoordinateEpsilon is the threshold for considering coordinates as
// effectively zero. The sentinel value (0, 0) marks a sighting without a
// usable GPS fix; 1e-7 degrees is about 1.1cm at the equator, well below
// GPS accuracy, while avoiding direct float equality.
const CoordinateEpsilon = 1e-7

// IsUnknownLocation returns true if the coordinates represent an unknown
// location (the (0, 0) sentinel within epsilon).
func IsUnknownLocation(lat, lon float64) bool {
	return math.Abs(lat) < CoordinateEpsilon && math.Abs(lon) < CoordinateEpsilon
}

// HasValidCoordinates is the inverse of IsUnknownLocation for readability.
func HasValidCoordinates(lat, lon float64) bool {
	return !IsUnknownLocation(lat, lon)
}

// HaversineMeters calculates the great-circle distance between two points
// in meters.
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusM = 6371000.0

	lat1Rad := lat1 * math.Pi / 180.0
	lon1Rad := lon1 * math.Pi / 180.0
	lat2Rad := lat2 * math.Pi / 180.0
	lon2Rad := lon2 * math.Pi / 180.0

	dLat := lat2Rad - lat1Rad
	dLon := lon2Rad - lon1Rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusM * c
}

// Fingerprint is a stable identity signal derived from advertisement payload
// bytes, independent of the rotating MAC address. The canonical rendering is
// "mfg:<id>:type:<msg>:<hash>". An empty Fingerprint means the advertisement
// carried no stable identifying bytes.
type Fingerprint string

// RawAdvertisement is one parsed BLE advertisement as delivered by an edge
// scanner. The scanner has already split out the manufacturer-specific data
// block; TagSentry never touches the radio.
type RawAdvertisement struct {
	MAC              string    `json:"mac" validate:"required"`
	RSSI             int       `json:"rssi" validate:"required,lt=0,gte=-120"`
	ManufacturerID   uint16    `json:"manufacturer_id"`
	ManufacturerData []byte    `json:"manufacturer_data,omitempty"`
	ServiceUUIDs     []string  `json:"service_uuids,omitempty"`
	AdvertisedName   string    `json:"advertised_name,omitempty"`
	TxPower          *int      `json:"tx_power,omitempty"`
	Timestamp        time.Time `json:"timestamp" validate:"required"`
}

// BeaconType classifies a device's advertisement signature.
type BeaconType string

const (
	BeaconTypeAirTag   BeaconType = "airtag"
	BeaconTypeFindMy   BeaconType = "findmy_accessory"
	BeaconTypeSmartTag BeaconType = "smarttag"
	BeaconTypeTile     BeaconType = "tile"
	BeaconTypeChipolo  BeaconType = "chipolo"
	BeaconTypeUnknown  BeaconType = "unknown"
)

// IsKnownTracker reports whether the beacon type is a known tracking product.
func (b BeaconType) IsKnownTracker() bool {
	switch b {
	case BeaconTypeAirTag, BeaconTypeFindMy, BeaconTypeSmartTag, BeaconTypeTile, BeaconTypeChipolo:
		return true
	default:
		return false
	}
}

// SignalBand is a coarse proximity class derived from RSSI.
type SignalBand string

const (
	SignalBandImmediate SignalBand = "immediate"
	SignalBandNear      SignalBand = "near"
	SignalBandFar       SignalBand = "far"
	SignalBandUnknown   SignalBand = "unknown"
)

// SignalBandFromRSSI maps a dBm reading onto a proximity band.
// Thresholds follow typical BLE free-space attenuation: stronger than
// -55 dBm is arm's length, stronger than -75 dBm is same-room.
func SignalBandFromRSSI(rssi int) SignalBand {
	switch {
	case rssi == 0 || rssi < -110:
		return SignalBandUnknown
	case rssi >= -55:
		return SignalBandImmediate
	case rssi >= -75:
		return SignalBandNear
	default:
		return SignalBandFar
	}
}

// ThreatLevel is the banded form of a threat score, stored on the device row
// for cheap listing queries.
type ThreatLevel string

const (
	ThreatLevelNone     ThreatLevel = "none"
	ThreatLevelLow      ThreatLevel = "low"
	ThreatLevelMedium   ThreatLevel = "medium"
	ThreatLevelHigh     ThreatLevel = "high"
	ThreatLevelCritical ThreatLevel = "critical"
)

// ThreatLevelFromScore bands a [0,1] threat score. The bounds mirror the
// alert severity bands so device listings and alerts agree.
func ThreatLevelFromScore(score float64) ThreatLevel {
	switch {
	case score >= 0.9:
		return ThreatLevelCritical
	case score >= 0.7:
		return ThreatLevelHigh
	case score >= 0.6:
		return ThreatLevelMedium
	case score > 0:
		return ThreatLevelLow
	default:
		return ThreatLevelNone
	}
}

// Device is the canonical (logical) identity of one physical BLE unit.
// A unit may accumulate superseded MAC addresses via DeviceLink rows; exactly
// one Device row represents one physical unit at any time.
type Device struct {
	ID              int64       `json:"id"`
	MAC             string      `json:"mac"`
	Name            string      `json:"name,omitempty"`
	AdvertisedName  string      `json:"advertised_name,omitempty"`
	FirstSeen       time.Time   `json:"first_seen"`
	LastSeen        time.Time   `json:"last_seen"`
	DetectionCount  int         `json:"detection_count"`
	ManufacturerID  uint16      `json:"manufacturer_id"`
	Manufacturer    string      `json:"manufacturer,omitempty"`
	BeaconType      BeaconType  `json:"beacon_type"`
	Fingerprint     Fingerprint `json:"fingerprint,omitempty"`
	FindMySeparated bool        `json:"findmy_separated"`
	MaxRSSI         int         `json:"max_rssi"`
	SignalBand      SignalBand  `json:"signal_band"`
	ThreatLevel     ThreatLevel `json:"threat_level"`
}

// DisplayName returns the best human-readable name for the device.
func (d *Device) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	if d.AdvertisedName != "" {
		return d.AdvertisedName
	}
	if d.BeaconType != "" && d.BeaconType != BeaconTypeUnknown {
		return string(d.BeaconType)
	}
	return d.MAC
}

// LinkStrength grades how confidently a rotated MAC was tied to its
// canonical device.
type LinkStrength string

const (
	// LinkStrong means a fingerprint or advertised-name match.
	LinkStrong LinkStrength = "STRONG"
	// LinkWeak means a temporal/proximity heuristic only.
	LinkWeak LinkStrength = "WEAK"
)

// DeviceLink records that a MAC address was linked to a canonical device.
// Links are append-only; history is preserved for audit.
type DeviceLink struct {
	ID       int64        `json:"id"`
	DeviceID int64        `json:"device_id"`
	MAC      string       `json:"mac"`
	Strength LinkStrength `json:"strength"`
	Reason   string       `json:"reason"`
	LinkedAt time.Time    `json:"linked_at"`
}

// Location is a GPS fix. Immutable once recorded.
type Location struct {
	ID        int64     `json:"id"`
	Latitude  float64   `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64   `json:"longitude" validate:"gte=-180,lte=180"`
	Accuracy  float64   `json:"accuracy" validate:"gte=0"`
	Altitude  *float64  `json:"altitude,omitempty"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
	Provider  string    `json:"provider,omitempty"`
}

// ScanTrigger identifies what kicked off the scan cycle that produced a
// sighting.
type ScanTrigger string

const (
	TriggerManual     ScanTrigger = "MANUAL"
	TriggerPeriodic   ScanTrigger = "PERIODIC"
	TriggerContinuous ScanTrigger = "CONTINUOUS"
)

// Sighting correlates one device with one location and signal strength at a
// point in time. Latitude/Longitude are denormalized from the referenced
// location when loaded, so scoring never needs a second query.
type Sighting struct {
	ID               int64       `json:"id"`
	DeviceID         int64       `json:"device_id"`
	LocationID       int64       `json:"location_id"`
	RSSI             int         `json:"rssi"`
	Timestamp        time.Time   `json:"timestamp"`
	LocationChanged  bool        `json:"location_changed"`
	DistanceFromPrev *float64    `json:"distance_from_prev,omitempty"`
	Trigger          ScanTrigger `json:"trigger"`
	Latitude         float64     `json:"latitude"`
	Longitude        float64     `json:"longitude"`
}

// WhitelistCategory classifies why a device is trusted.
type WhitelistCategory string

const (
	WhitelistOwn     WhitelistCategory = "OWN"
	WhitelistPartner WhitelistCategory = "PARTNER"
	WhitelistTrusted WhitelistCategory = "TRUSTED"
)

// WhitelistEntry marks a canonical device as trusted. At most one active
// entry exists per device id.
type WhitelistEntry struct {
	ID        int64             `json:"id"`
	DeviceID  int64             `json:"device_id"`
	Label     string            `json:"label"`
	Category  WhitelistCategory `json:"category"`
	LearnMode bool              `json:"learn_mode"`
	Notes     string            `json:"notes,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Severity indicates the severity level of an alert.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// ScoreBreakdown names the sub-scores that combine into a threat score.
// Each is independently clamped to [0,1] before weighting.
type ScoreBreakdown struct {
	Location    float64 `json:"location_score"`
	Distance    float64 `json:"distance_score"`
	Time        float64 `json:"time_score"`
	Consistency float64 `json:"consistency_score"`
	DeviceType  float64 `json:"device_type_score"`
}

// ThreatScore is a scalar in [0,1] plus its named breakdown.
type ThreatScore struct {
	Total     float64        `json:"total"`
	Breakdown ScoreBreakdown `json:"breakdown"`
}

// Alert is a persisted detection alert. Created by the alert generator,
// mutated only by dismissal.
type Alert struct {
	ID              int64          `json:"id"`
	Severity        Severity       `json:"severity"`
	Title           string         `json:"title"`
	Message         string         `json:"message"`
	DeviceAddresses []string       `json:"device_addresses"`
	LocationIDs     []int64        `json:"location_ids"`
	ThreatScore     float64        `json:"threat_score"`
	Breakdown       ScoreBreakdown `json:"breakdown"`
	Dismissed       bool           `json:"dismissed"`
	DismissedAt     *time.Time     `json:"dismissed_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// DetectionResult is the transient outcome of scoring one candidate device
// during a detection pass. It is never persisted; alerts are derived from it.
type DetectionResult struct {
	Device            Device      `json:"device"`
	Sightings         []Sighting  `json:"sightings"`
	Locations         []Location  `json:"locations"`
	Score             ThreatScore `json:"score"`
	MaxDistanceMeters float64     `json:"max_distance_meters"`
	AvgDistanceMeters float64     `json:"avg_distance_meters"`
	LastSeen          time.Time   `json:"last_seen"`
	Reason            string      `json:"reason"`
}

// NormalizeMAC canonicalizes a MAC address to upper-case colon form so map
// keys and database lookups agree regardless of scanner formatting.
func NormalizeMAC(mac string) string {
	mac = strings.ToUpper(strings.TrimSpace(mac))
	return strings.ReplaceAll(mac, "-", ":")
}

// EncodeStringList serializes a string list for a storage JSON column.
func EncodeStringList(list []string) string {
	if len(list) == 0 {
		return "[]"
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// DecodeStringList decodes a storage JSON column into a string list.
// Malformed input fails closed to an empty list rather than erroring;
// alert rows must stay readable even if a column was hand-edited.
func DecodeStringList(raw string) []string {
	if raw == "" {
		return []string{}
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return []string{}
	}
	return list
}

// EncodeInt64List serializes an int64 list for a storage JSON column.
func EncodeInt64List(list []int64) string {
	if len(list) == 0 {
		return "[]"
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// DecodeInt64List decodes a storage JSON column into an int64 list,
// failing closed to an empty list on malformed input.
func DecodeInt64List(raw string) []int64 {
	if raw == "" {
		return []int64{}
	}
	var list []int64
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return []int64{}
	}
	return list
}
