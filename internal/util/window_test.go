package util

import (
	"testing"
	"time"
)

func TestInWindow(t *testing.T) {
	at := func(hour, min int) time.Time {
		return time.Date(2025, 1, 12, hour, min, 0, 0, time.UTC)
	}
	cases := []struct {
		name       string
		now        time.Time
		start, end string
		want       bool
	}{
		{"unrestricted", at(12, 0), "", "", true},
		{"inside same-day", at(3, 30), "02:00", "05:00", true},
		{"start boundary inclusive", at(2, 0), "02:00", "05:00", true},
		{"end boundary inclusive", at(5, 0), "02:00", "05:00", true},
		{"before same-day", at(1, 59), "02:00", "05:00", false},
		{"after same-day", at(5, 1), "02:00", "05:00", false},
		{"wrap late side", at(23, 30), "22:00", "04:00", true},
		{"wrap early side", at(1, 0), "22:00", "04:00", true},
		{"wrap outside", at(12, 0), "22:00", "04:00", false},
		{"open end", at(23, 0), "22:00", "", true},
		{"open end before start", at(21, 0), "22:00", "", false},
		{"open start", at(1, 0), "", "04:00", true},
		{"open start after end", at(5, 0), "", "04:00", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := InWindow(tc.now, tc.start, tc.end, "UTC")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("InWindow(%s, %q, %q) = %v, want %v",
					tc.now.Format("15:04"), tc.start, tc.end, got, tc.want)
			}
		})
	}
}

func TestInWindowRejectsBadValues(t *testing.T) {
	now := time.Now()
	if _, err := InWindow(now, "25:00", "05:00", ""); err == nil {
		t.Fatalf("expected error for bad start")
	}
	if _, err := InWindow(now, "02:00", "0500", ""); err == nil {
		t.Fatalf("expected error for bad end")
	}
	if _, err := InWindow(now, "02:00", "05:00", "Not/AZone"); err == nil {
		t.Fatalf("expected error for bad timezone")
	}
}
