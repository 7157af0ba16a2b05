package models

import (
	"time"
)

// Bar represents one periodic observation for a symbol. Dates are UTC
// midnight regardless of the venue's session clock.
type Bar struct {
	Date      time.Time `json:"date"`
	Symbol    string    `json:"symbol"`
	Exchange  string    `json:"exchange"`
	DataKind  string    `json:"data_kind"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Adjusted  bool      `json:"adjusted"`
	Source    string    `json:"source"`
	FetchedAt time.Time `json:"fetched_at"`
}

// BarKey is the dedup identity of a row. Two bars with the same key are the
// same observation; the newer write wins.
type BarKey struct {
	Date     int64 // unix milliseconds, UTC midnight
	Symbol   string
	DataKind string
}

// Key returns the dedup identity for the bar.
func (b Bar) Key() BarKey {
	return BarKey{
		Date:     b.Date.UnixMilli(),
		Symbol:   b.Symbol,
		DataKind: b.DataKind,
	}
}

// Year returns the calendar year the bar belongs to, in UTC.
func (b Bar) Year() int {
	return b.Date.UTC().Year()
}

// Midnight truncates t to UTC midnight.
func Midnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the whole-day distance from a to b (negative when b is
// before a). Both are truncated to UTC midnight first.
func DaysBetween(a, b time.Time) int {
	return int(Midnight(b).Sub(Midnight(a)) / (24 * time.Hour))
}
