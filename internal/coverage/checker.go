package coverage

import (
	"context"

	"barvault/internal/freq"
	"barvault/internal/models"
	"barvault/logger"
)

// MembershipSource yields the outer membership window for a symbol.
type MembershipSource interface {
	UnionWindow(ctx context.Context, universe, symbol string) (models.Window, bool, error)
}

// ArchiveProbe reports the stored date span for a symbol within one
// data_kind/frequency/adjustment scope.
type ArchiveProbe interface {
	ExistingRange(ctx context.Context, exchange, symbol string, freq models.Frequency) (models.Window, bool, error)
}

// Checker decides whether archived data satisfies a request and, when it does
// not, which range ends must be fetched. It never fetches anything itself.
type Checker struct {
	universe MembershipSource
	archive  ArchiveProbe
	exchange string
	log      *logger.Log
}

// NewChecker wires a checker over the membership store and the archive.
func NewChecker(universe MembershipSource, archive ArchiveProbe, exchange string) *Checker {
	return &Checker{
		universe: universe,
		archive:  archive,
		exchange: exchange,
		log:      logger.GetLogger(),
	}
}

// Check classifies coverage for one request.
//
// The requested range is clamped to the symbol's membership window, aligned
// to the request frequency, and compared against the stored min/max dates.
// Gaps at either end are measured in days against the frequency tolerance
// (or the request's override); only ends whose gap exceeds tolerance make it
// into the fetch plan. A symbol without membership rows is deliberately
// treated as always a member so a thin universe never blocks fetching.
func (c *Checker) Check(ctx context.Context, req models.CoverageRequest) (models.CoverageResult, error) {
	res := models.CoverageResult{Symbol: req.Symbol}

	start := models.Midnight(req.Start)
	end := models.Midnight(req.End)

	// Malformed requests fail before any I/O.
	if _, _, err := freq.AlignWindow(start, end, req.Frequency); err != nil {
		return res, err
	}

	window, found, err := c.universe.UnionWindow(ctx, req.Universe, req.Symbol)
	if err != nil {
		return res, err
	}
	if found {
		if window.Start.After(start) {
			start = window.Start
		}
		if !window.Open() && window.End.Before(end) {
			end = window.End
		}
	}

	if end.Before(start) {
		res.Status = models.CoverageOutOfMembership
		return res, nil
	}

	effStart, effEnd, err := freq.AlignWindow(start, end, req.Frequency)
	if err != nil {
		return res, err
	}
	res.EffectiveStart = effStart
	res.EffectiveEnd = effEnd

	actual, ok, err := c.archive.ExistingRange(ctx, c.exchange, req.Symbol, req.Frequency)
	if err != nil {
		return res, err
	}
	if !ok {
		res.Status = models.CoverageMissing
		res.FetchStart = effStart
		res.FetchEnd = effEnd
		return res, nil
	}
	res.ActualStart = actual.Start
	res.ActualEnd = actual.End

	tolerance := req.ToleranceDays
	if tolerance <= 0 {
		tolerance = freq.Tolerance(req.Frequency)
	}

	startGap := models.DaysBetween(effStart, actual.Start)
	endGap := models.DaysBetween(actual.End, effEnd)
	if startGap < 0 {
		startGap = 0
	}
	if endGap < 0 {
		endGap = 0
	}

	if startGap <= tolerance && endGap <= tolerance {
		res.Status = models.CoverageComplete
		return res, nil
	}

	res.Status = models.CoveragePartial
	if startGap > tolerance {
		res.FetchStart = effStart
	}
	if endGap > tolerance {
		res.FetchEnd = effEnd
	}

	c.log.WithComponent("coverage").WithFields(logger.Fields{
		"symbol":    req.Symbol,
		"status":    string(res.Status),
		"start_gap": startGap,
		"end_gap":   endGap,
		"tolerance": tolerance,
	}).Debug("coverage gap detected")

	return res, nil
}
