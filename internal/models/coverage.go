package models

import (
	"time"
)

// CoverageStatus classifies a symbol's stored data against a request.
type CoverageStatus string

const (
	// CoverageComplete means stored data satisfies the request within
	// tolerance; no fetch is needed.
	CoverageComplete CoverageStatus = "complete"
	// CoveragePartial means stored data covers part of the request; the
	// fetch plan names the missing end(s).
	CoveragePartial CoverageStatus = "partial"
	// CoverageMissing means no stored data exists for the request scope.
	CoverageMissing CoverageStatus = "missing"
	// CoverageOutOfMembership means the request falls entirely outside the
	// symbol's membership window; nothing is missing and nothing is fetched.
	CoverageOutOfMembership CoverageStatus = "out_of_membership"
)

// CoverageRequest asks whether stored data satisfies [Start, End] for one
// symbol at a frequency. ToleranceDays of 0 means "use the frequency
// default". Built per check and discarded.
type CoverageRequest struct {
	Universe      string    `json:"universe"`
	Symbol        string    `json:"symbol"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	Frequency     Frequency `json:"frequency"`
	ToleranceDays int       `json:"tolerance_days,omitempty"`
}

// CoverageResult is the answer to one CoverageRequest. Effective bounds are
// the request clamped to membership and aligned to frequency. Actual bounds
// are what the store holds (zero when nothing is stored). Fetch bounds are
// zero when that end needs no fetch.
type CoverageResult struct {
	Symbol         string         `json:"symbol"`
	Status         CoverageStatus `json:"status"`
	EffectiveStart time.Time      `json:"effective_start"`
	EffectiveEnd   time.Time      `json:"effective_end"`
	ActualStart    time.Time      `json:"actual_start,omitempty"`
	ActualEnd      time.Time      `json:"actual_end,omitempty"`
	FetchStart     time.Time      `json:"fetch_start,omitempty"`
	FetchEnd       time.Time      `json:"fetch_end,omitempty"`
}

// NeedsFetch reports whether the result carries a fetch plan.
func (r CoverageResult) NeedsFetch() bool {
	return !r.FetchStart.IsZero() || !r.FetchEnd.IsZero()
}

// FetchRanges expands the fetch plan into concrete date ranges. A missing
// archive yields the full effective range; a partial archive yields up to two
// ranges bounded by the stored data, never the already-covered middle.
// Overlap with stored rows is harmless: writes dedup by key.
func (r CoverageResult) FetchRanges() []Window {
	switch r.Status {
	case CoverageMissing:
		return []Window{{Start: r.FetchStart, End: r.FetchEnd}}
	case CoveragePartial:
		var ranges []Window
		if !r.FetchStart.IsZero() {
			ranges = append(ranges, Window{Start: r.FetchStart, End: r.ActualStart})
		}
		if !r.FetchEnd.IsZero() {
			ranges = append(ranges, Window{Start: r.ActualEnd, End: r.FetchEnd})
		}
		return ranges
	}
	return nil
}
