// TagSentry - BLE Tracker Detection and Location Correlation
// Copyright 2026 TagSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tagsentry/tagsentry

package logging

import "testing"

func TestRedactMAC(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"normal", "AA:BB:CC:DD:EE:FF", "AA:BB:CC:XX:XX:XX"},
		{"lowercase", "aa:bb:cc:dd:ee:ff", "AA:BB:CC:XX:XX:XX"},
		{"malformed", "not-a-mac", "XX:XX:XX:XX:XX:XX"},
		{"empty", "", "XX:XX:XX:XX:XX:XX"},
		{"too few octets", "AA:BB:CC", "XX:XX:XX:XX:XX:XX"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RedactMAC(tt.in); got != tt.want {
				t.Errorf("RedactMAC(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCoarseCoordinate(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{52.520008, "52.52"},
		{-13.404954, "-13.40"},
		{0, "0.00"},
	}
	for _, tt := range tests {
		if got := CoarseCoordinate(tt.in); got != tt.want {
			t.Errorf("CoarseCoordinate(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
