package models

import (
	"time"
)

// MembershipInterval represents one contiguous period a symbol belonged to a
// universe. A zero EndDate marks an open interval (current member).
// Intervals for the same (universe, symbol) never overlap; the membership
// table is rebuilt wholesale on universe refresh, never edited in place.
type MembershipInterval struct {
	Universe  string    `json:"universe"`
	Symbol    string    `json:"symbol"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
}

// Open reports whether the interval has no end (current member).
func (m MembershipInterval) Open() bool {
	return m.EndDate.IsZero()
}

// Window is an inclusive [Start, End] date span. A zero End marks an open
// window.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Open reports whether the window has no end bound.
func (w Window) Open() bool {
	return w.End.IsZero()
}
