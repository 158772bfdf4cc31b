// TagSentry - BLE Tracker Detection and Location Correlation
// Copyright 2026 TagSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tagsentry/tagsentry

package fingerprint

import (
	"fmt"
	"strings"

	"github.com/spaolacci/murmur3"

	"github.com/tagsentry/tagsentry/internal/models"
)

// Manufacturer company identifiers (Bluetooth SIG assigned numbers).
const (
	AppleManufacturerID   uint16 = 0x004C
	SamsungManufacturerID uint16 = 0x0075
	TileManufacturerID    uint16 = 0x00C7
	ChipoloManufacturerID uint16 = 0x024B
)

// Apple continuity message types relevant to tracker detection.
const (
	appleTypeOfflineFinding byte = 0x12 // Find My network advertisement
	appleTypeAirPrint       byte = 0x03
	appleTypeHandoff        byte = 0x0C
	appleTypeNearbyAction   byte = 0x0F
	appleTypeNearbyInfo     byte = 0x10
)

// offlineFindingStatusSeparated is the status-byte bit set when a Find My
// accessory has been separated from its owner for a while. Separated mode is
// the state a planted AirTag advertises in.
const offlineFindingStatusSeparated byte = 0x10

// stablePrefixLen bounds how many payload bytes beyond the continuity header
// feed the fingerprint. Trackers that partially randomize their payload keep
// the leading header bytes constant across MAC rotations, so matching on the
// prefix only is the documented tolerance for partial randomization.
const stablePrefixLen = 4

// Result carries everything the fingerprinter could derive from one
// advertisement: the stable identity hash plus classification side-channel
// data that callers persist on the device row.
type Result struct {
	Fingerprint     models.Fingerprint
	BeaconType      models.BeaconType
	Manufacturer    string
	FindMySeparated bool
}

// Extract derives a stable fingerprint from a raw advertisement.
//
// The returned fingerprint is deterministic under byte-identical input and
// stable across MAC rotation for devices whose payload (or payload header)
// does not randomize. The second return value is false when the
// advertisement carries no stable identifying bytes, in which case the
// Result still carries any classification that could be made.
//
// Extract is a pure function: no I/O, no clock, no mutation of the input.
func Extract(adv *models.RawAdvertisement) (Result, bool) {
	if adv == nil {
		return Result{BeaconType: models.BeaconTypeUnknown}, false
	}

	switch adv.ManufacturerID {
	case AppleManufacturerID:
		return extractApple(adv)
	case SamsungManufacturerID:
		return extractPrefix(adv, models.BeaconTypeSmartTag, "Samsung")
	case TileManufacturerID:
		return extractPrefix(adv, models.BeaconTypeTile, "Tile")
	case ChipoloManufacturerID:
		return extractPrefix(adv, models.BeaconTypeChipolo, "Chipolo")
	}

	if bt, uuid := trackerServiceUUID(adv.ServiceUUIDs); bt != models.BeaconTypeUnknown {
		// No manufacturer block but a known tracker service UUID. The UUID
		// itself is the stable signal.
		return Result{
			Fingerprint: hash(adv.ManufacturerID, 0x00, []byte(uuid)),
			BeaconType:  bt,
		}, true
	}

	if len(adv.ManufacturerData) >= 2 {
		// Unknown manufacturer with a payload: fingerprint the whole block.
		// If the payload is pure random it will simply never match again,
		// which degrades toward over-counting rather than wrong merges.
		return Result{
			Fingerprint:  hash(adv.ManufacturerID, 0x00, adv.ManufacturerData),
			BeaconType:   models.BeaconTypeUnknown,
			Manufacturer: fmt.Sprintf("0x%04X", adv.ManufacturerID),
		}, true
	}

	return Result{BeaconType: models.BeaconTypeUnknown}, false
}

// extractApple handles Apple continuity advertisements. The payload is a
// sequence of [type, length, data...] messages; scanners hand us the first
// message of the block, which is the one trackers advertise.
func extractApple(adv *models.RawAdvertisement) (Result, bool) {
	res := Result{Manufacturer: "Apple", BeaconType: models.BeaconTypeFindMy}

	data := adv.ManufacturerData
	if len(data) < 2 {
		res.BeaconType = models.BeaconTypeUnknown
		return res, false
	}

	msgType := data[0]
	body := data[2:]

	switch msgType {
	case appleTypeOfflineFinding:
		// Offline-finding frame: status byte then the rotating public key.
		// Only the message type and status byte are stable; the key rotates
		// with the MAC, so it must stay out of the fingerprint.
		if len(body) < 1 {
			return res, false
		}
		status := body[0]
		res.FindMySeparated = status&offlineFindingStatusSeparated != 0
		if data[1] == 0x19 {
			res.BeaconType = models.BeaconTypeAirTag
		}
		res.Fingerprint = hash(adv.ManufacturerID, msgType, []byte{status})
		return res, true

	case appleTypeHandoff, appleTypeNearbyAction, appleTypeNearbyInfo, appleTypeAirPrint:
		// Known-randomized continuity traffic from phones and laptops.
		// Nothing here survives a rotation; do not invent an identity.
		res.BeaconType = models.BeaconTypeUnknown
		return res, false
	}

	// Other continuity types keep a constant header prefix across rotations.
	prefix := body
	if len(prefix) > stablePrefixLen {
		prefix = prefix[:stablePrefixLen]
	}
	res.Fingerprint = hash(adv.ManufacturerID, msgType, prefix)
	return res, true
}

// extractPrefix fingerprints a known tracker vendor's payload by its
// non-randomized leading bytes.
func extractPrefix(adv *models.RawAdvertisement, bt models.BeaconType, vendor string) (Result, bool) {
	res := Result{BeaconType: bt, Manufacturer: vendor}
	data := adv.ManufacturerData
	if len(data) == 0 {
		return res, false
	}
	prefix := data
	if len(prefix) > stablePrefixLen {
		prefix = prefix[:stablePrefixLen]
	}
	res.Fingerprint = hash(adv.ManufacturerID, 0x00, prefix)
	return res, true
}

// trackerServiceUUID scans advertised service UUIDs for known tracker
// services and returns the matched beacon type and UUID.
func trackerServiceUUID(uuids []string) (models.BeaconType, string) {
	for _, u := range uuids {
		switch normalizeUUID(u) {
		case "feed": // Tile
			return models.BeaconTypeTile, "feed"
		case "fd5a": // Samsung SmartThings Find
			return models.BeaconTypeSmartTag, "fd5a"
		case "fe33": // Chipolo
			return models.BeaconTypeChipolo, "fe33"
		}
	}
	return models.BeaconTypeUnknown, ""
}

// normalizeUUID reduces a 128-bit Bluetooth base UUID to its 16-bit alias.
func normalizeUUID(u string) string {
	u = strings.ToLower(strings.TrimSpace(u))
	// 0000xxxx-0000-1000-8000-00805f9b34fb -> xxxx
	if len(u) == 36 && strings.HasSuffix(u, "-0000-1000-8000-00805f9b34fb") {
		return strings.TrimLeft(u[:8], "0")
	}
	return strings.TrimLeft(u, "0")
}

// hash renders the canonical fingerprint string over the stable bytes.
// Murmur3 is not cryptographic, which is fine: fingerprints are equality
// keys, not authenticators, and 64 bits keeps collision odds negligible at
// household device counts.
func hash(mfg uint16, msgType byte, stable []byte) models.Fingerprint {
	buf := make([]byte, 0, 3+len(stable))
	buf = append(buf, byte(mfg>>8), byte(mfg), msgType)
	buf = append(buf, stable...)
	return models.Fingerprint(fmt.Sprintf("mfg:%04x:type:%02x:%016x", mfg, msgType, murmur3.Sum64(buf)))
}
