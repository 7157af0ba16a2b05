package models

import (
	"fmt"
	"strings"
)

// Frequency is the sampling frequency of a stored series. The string value is
// also the canonical rendering used in partition paths.
type Frequency string

const (
	FreqDaily   Frequency = "daily"
	FreqWeekly  Frequency = "weekly"
	FreqMonthly Frequency = "monthly"
)

// ParseFrequency normalizes user/config input to a Frequency.
func ParseFrequency(s string) (Frequency, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "daily", "day", "d", "1d":
		return FreqDaily, nil
	case "weekly", "week", "w", "1w":
		return FreqWeekly, nil
	case "monthly", "month", "m", "1m", "1mo":
		return FreqMonthly, nil
	default:
		return "", fmt.Errorf("unknown frequency %q", s)
	}
}

// Valid reports whether f is one of the supported frequencies.
func (f Frequency) Valid() bool {
	switch f {
	case FreqDaily, FreqWeekly, FreqMonthly:
		return true
	}
	return false
}

func (f Frequency) String() string {
	return string(f)
}
