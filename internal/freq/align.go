package freq

import (
	"fmt"
	"time"

	"barvault/internal/models"
)

// AlignmentError reports a malformed date range or an unsupported frequency.
// It is raised before any provider or store I/O and is never retried.
type AlignmentError struct {
	Reason string
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("alignment: %s", e.Reason)
}

// IsAlignmentError reports whether err is an AlignmentError.
func IsAlignmentError(err error) bool {
	_, ok := err.(*AlignmentError)
	return ok
}

// Align maps a raw calendar date onto the observation grid for a frequency.
// Raw calendar requests do not correspond to actual observation timestamps
// for non-daily series; comparing them against stored data unaligned produces
// false gaps, which is the only problem this function exists to remove.
//
//	daily   -> the date itself (UTC midnight)
//	weekly  -> the Friday of the Monday-based week containing the date
//	monthly -> the last calendar day of the date's month
func Align(d time.Time, f models.Frequency) (time.Time, error) {
	day := models.Midnight(d)
	switch f {
	case models.FreqDaily:
		return day, nil
	case models.FreqWeekly:
		// Monday-based week offset: Monday=0 .. Sunday=6.
		offset := (int(day.Weekday()) + 6) % 7
		monday := day.AddDate(0, 0, -offset)
		return monday.AddDate(0, 0, 4), nil
	case models.FreqMonthly:
		// Day zero of the next month normalizes to this month's last day.
		return time.Date(day.Year(), day.Month()+1, 0, 0, 0, 0, 0, time.UTC), nil
	default:
		return time.Time{}, &AlignmentError{Reason: fmt.Sprintf("unknown frequency %q", f)}
	}
}

// Tolerance returns the default acceptable day-gap between a required
// boundary and the nearest stored observation for a frequency. Gaps within
// tolerance count as covered.
//
//	daily   -> 2 (absorbs weekends and holidays)
//	weekly  -> 6 (any weekday within the week)
//	monthly -> 3 (last trading day vs calendar month-end)
func Tolerance(f models.Frequency) int {
	switch f {
	case models.FreqDaily:
		return 2
	case models.FreqWeekly:
		return 6
	case models.FreqMonthly:
		return 3
	default:
		return 0
	}
}

// AlignWindow aligns both bounds of an inclusive [start, end] window.
// A start after end or an unknown frequency is rejected with an
// AlignmentError. Alignment is monotone per frequency, so a valid raw order
// is preserved; a zero-length window (single-day membership) is valid.
func AlignWindow(start, end time.Time, f models.Frequency) (time.Time, time.Time, error) {
	if !f.Valid() {
		return time.Time{}, time.Time{}, &AlignmentError{Reason: fmt.Sprintf("unknown frequency %q", f)}
	}
	if models.Midnight(start).After(models.Midnight(end)) {
		return time.Time{}, time.Time{}, &AlignmentError{
			Reason: fmt.Sprintf("start %s after end %s", start.Format("2006-01-02"), end.Format("2006-01-02")),
		}
	}
	alignedStart, err := Align(start, f)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	alignedEnd, err := Align(end, f)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return alignedStart, alignedEnd, nil
}
