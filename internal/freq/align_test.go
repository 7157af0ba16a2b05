package freq

import (
	"testing"
	"time"

	"barvault/internal/models"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestAlignDaily(t *testing.T) {
	in := day(2014, time.January, 1)
	got, err := Align(in, models.FreqDaily)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	if !got.Equal(in) {
		t.Fatalf("daily alignment must be identity: got %s", got.Format("2006-01-02"))
	}
}

func TestAlignWeekly(t *testing.T) {
	cases := []struct {
		in   time.Time
		want time.Time
	}{
		// 2014-01-01 is a Wednesday; its week's Friday is 2014-01-03.
		{day(2014, time.January, 1), day(2014, time.January, 3)},
		{day(2014, time.January, 3), day(2014, time.January, 3)},
		// Saturday and Sunday align back to the same week's Friday.
		{day(2014, time.January, 4), day(2014, time.January, 3)},
		{day(2014, time.January, 5), day(2014, time.January, 3)},
		// Monday starts the next week.
		{day(2014, time.January, 6), day(2014, time.January, 10)},
	}
	for _, c := range cases {
		got, err := Align(c.in, models.FreqWeekly)
		if err != nil {
			t.Fatalf("Align(%s): %v", c.in.Format("2006-01-02"), err)
		}
		if !got.Equal(c.want) {
			t.Errorf("Align(%s) = %s, want %s",
				c.in.Format("2006-01-02"), got.Format("2006-01-02"), c.want.Format("2006-01-02"))
		}
	}
}

func TestAlignMonthly(t *testing.T) {
	cases := []struct {
		in   time.Time
		want time.Time
	}{
		{day(2014, time.January, 1), day(2014, time.January, 31)},
		{day(2014, time.January, 31), day(2014, time.January, 31)},
		{day(2014, time.February, 10), day(2014, time.February, 28)},
		// Leap year February.
		{day(2016, time.February, 1), day(2016, time.February, 29)},
		{day(2014, time.December, 31), day(2014, time.December, 31)},
	}
	for _, c := range cases {
		got, err := Align(c.in, models.FreqMonthly)
		if err != nil {
			t.Fatalf("Align(%s): %v", c.in.Format("2006-01-02"), err)
		}
		if !got.Equal(c.want) {
			t.Errorf("Align(%s) = %s, want %s",
				c.in.Format("2006-01-02"), got.Format("2006-01-02"), c.want.Format("2006-01-02"))
		}
	}
}

func TestAlignUnknownFrequency(t *testing.T) {
	_, err := Align(day(2014, time.January, 1), models.Frequency("hourly"))
	if err == nil {
		t.Fatalf("expected error for unknown frequency")
	}
	if !IsAlignmentError(err) {
		t.Fatalf("expected AlignmentError, got %T", err)
	}
}

func TestTolerance(t *testing.T) {
	cases := []struct {
		f    models.Frequency
		want int
	}{
		{models.FreqDaily, 2},
		{models.FreqWeekly, 6},
		{models.FreqMonthly, 3},
		{models.Frequency("bogus"), 0},
	}
	for _, c := range cases {
		if got := Tolerance(c.f); got != c.want {
			t.Errorf("Tolerance(%s) = %d, want %d", c.f, got, c.want)
		}
	}
}

func TestAlignWindow(t *testing.T) {
	start, end, err := AlignWindow(day(2014, time.January, 1), day(2014, time.March, 15), models.FreqMonthly)
	if err != nil {
		t.Fatalf("AlignWindow: %v", err)
	}
	if !start.Equal(day(2014, time.January, 31)) || !end.Equal(day(2014, time.March, 31)) {
		t.Fatalf("AlignWindow = [%s, %s], want [2014-01-31, 2014-03-31]",
			start.Format("2006-01-02"), end.Format("2006-01-02"))
	}
}

func TestAlignWindowSingleDay(t *testing.T) {
	d := day(2020, time.December, 21)
	start, end, err := AlignWindow(d, d, models.FreqDaily)
	if err != nil {
		t.Fatalf("single-day window must be valid: %v", err)
	}
	if !start.Equal(d) || !end.Equal(d) {
		t.Fatalf("single-day window changed: [%s, %s]", start, end)
	}
}

func TestAlignWindowRejectsReversedRange(t *testing.T) {
	_, _, err := AlignWindow(day(2014, time.March, 1), day(2014, time.January, 1), models.FreqDaily)
	if err == nil {
		t.Fatalf("expected error for start after end")
	}
	if !IsAlignmentError(err) {
		t.Fatalf("expected AlignmentError, got %T", err)
	}
}
