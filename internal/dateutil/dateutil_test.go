package dateutil

import (
	"testing"
	"time"
)

func TestRefreshOnlyOnSecondBoundary(t *testing.T) {
	c := NewCache(time.Hour)
	base := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	c.Refresh(base)
	date := c.Date

	c.Refresh(base.Add(500 * time.Millisecond))
	if c.Date != date {
		t.Fatalf("Date changed within the same second: %q vs %q", c.Date, date)
	}

	c.Refresh(base.Add(time.Second))
	if c.Date == date {
		t.Fatal("Date did not change across a second boundary")
	}
}

func TestExpiresOffset(t *testing.T) {
	c := NewCache(2 * time.Hour)
	now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	c.Refresh(now)
	want := FormatRFCTime(now.Add(2 * time.Hour))
	if c.Expires != want {
		t.Fatalf("Expires = %q, want %q", c.Expires, want)
	}
}
