// TagSentry - BLE Tracker Detection and Location Correlation
// Copyright 2026 TagSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tagsentry/tagsentry

package logging

import (
	"fmt"
	"math"
	"strings"
)

// Log output may leave the host (remote syslog, support bundles), so the
// most sensitive fields get degraded before logging: device bytes of MAC
// addresses and precise coordinates.

// RedactMAC keeps the OUI (vendor) half of a MAC address and masks the
// device half. "AA:BB:CC:DD:EE:FF" becomes "AA:BB:CC:XX:XX:XX". Malformed
// input is fully masked rather than passed through.
func RedactMAC(mac string) string {
	parts := strings.Split(mac, ":")
	if len(parts) != 6 {
		return "XX:XX:XX:XX:XX:XX"
	}
	return strings.ToUpper(parts[0] + ":" + parts[1] + ":" + parts[2] + ":XX:XX:XX")
}

// CoarseCoordinate rounds a latitude or longitude to two decimal places,
// roughly 1km of precision. Enough to debug correlation, not enough to
// identify a home address from logs.
func CoarseCoordinate(v float64) string {
	return fmt.Sprintf("%.2f", math.Round(v*100)/100)
}
