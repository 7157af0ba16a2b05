package models

import (
	"testing"
	"time"
)

func TestParseFrequency(t *testing.T) {
	cases := []struct {
		in      string
		want    Frequency
		wantErr bool
	}{
		{"daily", FreqDaily, false},
		{"Daily", FreqDaily, false},
		{"1d", FreqDaily, false},
		{"weekly", FreqWeekly, false},
		{"w", FreqWeekly, false},
		{"monthly", FreqMonthly, false},
		{"1mo", FreqMonthly, false},
		{"hourly", "", true},
		{"", "", true},
	}
	for _, c := range cases {
		got, err := ParseFrequency(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseFrequency(%q): expected error, got %q", c.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseFrequency(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseFrequency(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestBarKeyIdentity(t *testing.T) {
	d := time.Date(2023, 6, 15, 0, 0, 0, 0, time.UTC)
	a := Bar{Date: d, Symbol: "BTCUSDT", DataKind: "bars", Close: 100}
	b := Bar{Date: d, Symbol: "BTCUSDT", DataKind: "bars", Close: 200}
	if a.Key() != b.Key() {
		t.Fatalf("same date/symbol/kind must share a key: %+v vs %+v", a.Key(), b.Key())
	}
	c := Bar{Date: d.AddDate(0, 0, 1), Symbol: "BTCUSDT", DataKind: "bars"}
	if a.Key() == c.Key() {
		t.Fatalf("different dates must not share a key")
	}
}

func TestDaysBetween(t *testing.T) {
	a := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	b := time.Date(2023, 1, 4, 15, 30, 0, 0, time.UTC)
	if got := DaysBetween(a, b); got != 3 {
		t.Fatalf("DaysBetween = %d, want 3", got)
	}
	if got := DaysBetween(b, a); got != -3 {
		t.Fatalf("reverse DaysBetween = %d, want -3", got)
	}
	if got := DaysBetween(a, a); got != 0 {
		t.Fatalf("zero DaysBetween = %d, want 0", got)
	}
}

func TestCoverageResultNeedsFetch(t *testing.T) {
	var r CoverageResult
	if r.NeedsFetch() {
		t.Fatalf("zero result must not need a fetch")
	}
	r.FetchStart = time.Date(2020, 12, 21, 0, 0, 0, 0, time.UTC)
	if !r.NeedsFetch() {
		t.Fatalf("result with fetch start must need a fetch")
	}
}

func TestMembershipIntervalOpen(t *testing.T) {
	m := MembershipInterval{
		Universe:  "sp500",
		Symbol:    "X",
		StartDate: time.Date(2020, 12, 21, 0, 0, 0, 0, time.UTC),
	}
	if !m.Open() {
		t.Fatalf("zero end date must mean open interval")
	}
	m.EndDate = time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	if m.Open() {
		t.Fatalf("bounded interval reported open")
	}
}

func TestBatchReportTotal(t *testing.T) {
	r := BatchReport{Success: 3, Failed: 2, Skipped: 5}
	if got := r.Total(); got != 10 {
		t.Fatalf("Total = %d, want 10", got)
	}
}
