package monitor

import (
	"fmt"
	"time"
)

// MarketHours is the regular KRX session in one timezone, Mon-Fri
type MarketHours struct {
	Open     time.Duration // since midnight
	Close    time.Duration
	Location *time.Location
}

// NewMarketHours parses HH:MM open and close times
func NewMarketHours(openAt, closeAt string, loc *time.Location) (MarketHours, error) {
	o, err := parseClock(openAt)
	if err != nil {
		return MarketHours{}, fmt.Errorf("market open: %w", err)
	}
	c, err := parseClock(closeAt)
	if err != nil {
		return MarketHours{}, fmt.Errorf("market close: %w", err)
	}
	if c <= o {
		return MarketHours{}, fmt.Errorf("market close %s must be after open %s", closeAt, openAt)
	}
	if loc == nil {
		loc = time.UTC
	}
	return MarketHours{Open: o, Close: c, Location: loc}, nil
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q (want HH:MM)", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// IsOpen reports whether t falls inside the session
func (h MarketHours) IsOpen(t time.Time) bool {
	local := t.In(h.Location)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, h.Location)
	since := local.Sub(midnight)
	return since >= h.Open && since <= h.Close
}
