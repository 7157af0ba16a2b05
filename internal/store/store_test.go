package store

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	appconfig "barvault/config"
	"barvault/internal/models"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	cfg := &appconfig.Config{}
	cfg.Barvault.Name = "barvault"
	cfg.Barvault.Version = "test"
	cfg.Archive.Root = t.TempDir()
	cfg.Archive.DataKind = "bars"
	cfg.Archive.Compression = "snappy"
	cfg.Archive.RowGroupMB = 8

	s, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return s
}

func testBar(date time.Time, symbol string, close float64) models.Bar {
	return models.Bar{
		Date:      date,
		Symbol:    symbol,
		Exchange:  "nyse",
		DataKind:  "bars",
		Open:      close - 1,
		High:      close + 1,
		Low:       close - 2,
		Close:     close,
		Volume:    1000,
		Source:    "binance",
		FetchedAt: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestPartitionKeyPath(t *testing.T) {
	key := PartitionKey{
		Exchange:  "nyse",
		Symbol:    "AAPL",
		DataKind:  "bars",
		Frequency: models.FreqDaily,
		Adjusted:  false,
		Year:      2014,
	}

	want := filepath.Join("exchange=nyse", "symbol=AAPL", "bars", "freq=daily", "adj=false", "year=2014", "part-000")
	if got := key.File(); got != want {
		t.Fatalf("File() = %q, want %q", got, want)
	}

	wantMirror := "exchange=nyse/symbol=AAPL/bars/freq=daily/adj=false/year=2014/part-000"
	if got := key.MirrorKey(); got != wantMirror {
		t.Fatalf("MirrorKey() = %q, want %q", got, wantMirror)
	}

	key.Adjusted = true
	key.Frequency = models.FreqWeekly
	wantAdj := filepath.Join("exchange=nyse", "symbol=AAPL", "bars", "freq=weekly", "adj=true", "year=2014", "part-000")
	if got := key.File(); got != wantAdj {
		t.Fatalf("File() = %q, want %q", got, wantAdj)
	}
}

func TestWriteBarsRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	bars := []models.Bar{
		testBar(day(2014, 1, 6), "AAPL", 12),
		testBar(day(2014, 1, 2), "AAPL", 10),
		testBar(day(2014, 1, 3), "AAPL", 11),
	}
	res, err := s.WriteBars(ctx, "nyse", "AAPL", models.FreqDaily, bars)
	if err != nil {
		t.Fatalf("WriteBars failed: %v", err)
	}
	if res.Rows != 3 || res.Files != 1 {
		t.Fatalf("result = %+v, want 3 rows in 1 file", res)
	}

	got, err := s.ReadRange(ctx, "nyse", "AAPL", models.FreqDaily, day(2014, 1, 1), day(2014, 12, 31))
	if err != nil {
		t.Fatalf("ReadRange failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("read %d bars, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if !got[i-1].Date.Before(got[i].Date) {
			t.Fatalf("bars not sorted by date: %v before %v", got[i-1].Date, got[i].Date)
		}
	}
	if got[0].Close != 10 || got[0].Source != "binance" || got[0].Adjusted {
		t.Fatalf("first bar round-trip mismatch: %+v", got[0])
	}
}

func TestWriteBarsIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	bars := []models.Bar{
		testBar(day(2014, 1, 2), "AAPL", 10),
		testBar(day(2014, 1, 3), "AAPL", 11),
	}
	if _, err := s.WriteBars(ctx, "nyse", "AAPL", models.FreqDaily, bars); err != nil {
		t.Fatalf("first WriteBars failed: %v", err)
	}

	path := filepath.Join(s.Root(), s.Key("nyse", "AAPL", models.FreqDaily, 2014).File())
	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("partition not written: %v", err)
	}

	if _, err := s.WriteBars(ctx, "nyse", "AAPL", models.FreqDaily, bars); err != nil {
		t.Fatalf("second WriteBars failed: %v", err)
	}
	second, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("partition missing after rewrite: %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Fatalf("rewriting identical rows changed the file: %d bytes vs %d bytes", len(first), len(second))
	}
}

func TestWriteBarsMergeDedup(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.WriteBars(ctx, "nyse", "AAPL", models.FreqDaily, []models.Bar{
		testBar(day(2014, 1, 2), "AAPL", 10),
		testBar(day(2014, 1, 3), "AAPL", 11),
	}); err != nil {
		t.Fatalf("first WriteBars failed: %v", err)
	}

	if _, err := s.WriteBars(ctx, "nyse", "AAPL", models.FreqDaily, []models.Bar{
		testBar(day(2014, 1, 3), "AAPL", 99),
		testBar(day(2014, 1, 6), "AAPL", 12),
	}); err != nil {
		t.Fatalf("second WriteBars failed: %v", err)
	}

	got, err := s.ReadRange(ctx, "nyse", "AAPL", models.FreqDaily, day(2014, 1, 1), day(2014, 12, 31))
	if err != nil {
		t.Fatalf("ReadRange failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("read %d bars after merge, want 3", len(got))
	}
	if !got[1].Date.Equal(day(2014, 1, 3)) || got[1].Close != 99 {
		t.Fatalf("duplicate key not overwritten by newer row: %+v", got[1])
	}
}

func TestWriteBarsSpansYears(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	res, err := s.WriteBars(ctx, "nyse", "AAPL", models.FreqDaily, []models.Bar{
		testBar(day(2014, 12, 31), "AAPL", 20),
		testBar(day(2015, 1, 2), "AAPL", 21),
	})
	if err != nil {
		t.Fatalf("WriteBars failed: %v", err)
	}
	if res.Files != 2 {
		t.Fatalf("wrote %d files, want 2", res.Files)
	}

	for _, year := range []int{2014, 2015} {
		path := filepath.Join(s.Root(), s.Key("nyse", "AAPL", models.FreqDaily, year).File())
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("partition for %d missing: %v", year, err)
		}
	}
}

func TestReadRangeFiltersWindow(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	var bars []models.Bar
	for d := 2; d <= 10; d++ {
		bars = append(bars, testBar(day(2014, 1, d), "AAPL", float64(d)))
	}
	if _, err := s.WriteBars(ctx, "nyse", "AAPL", models.FreqDaily, bars); err != nil {
		t.Fatalf("WriteBars failed: %v", err)
	}

	got, err := s.ReadRange(ctx, "nyse", "AAPL", models.FreqDaily, day(2014, 1, 3), day(2014, 1, 7))
	if err != nil {
		t.Fatalf("ReadRange failed: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("read %d bars, want 5", len(got))
	}
	if !got[0].Date.Equal(day(2014, 1, 3)) || !got[len(got)-1].Date.Equal(day(2014, 1, 7)) {
		t.Fatalf("window not respected: first %v last %v", got[0].Date, got[len(got)-1].Date)
	}
}

func TestExistingRange(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, _, err := s.ExistingRange(ctx, "nyse", "AAPL", models.FreqDaily); err != nil {
		t.Fatalf("ExistingRange on empty store errored: %v", err)
	}
	if _, ok, _ := s.ExistingRange(ctx, "nyse", "AAPL", models.FreqDaily); ok {
		t.Fatal("ExistingRange reported coverage for empty store")
	}

	if _, err := s.WriteBars(ctx, "nyse", "AAPL", models.FreqDaily, []models.Bar{
		testBar(day(2014, 3, 4), "AAPL", 10),
		testBar(day(2014, 1, 2), "AAPL", 11),
	}); err != nil {
		t.Fatalf("WriteBars 2014 failed: %v", err)
	}
	if _, err := s.WriteBars(ctx, "nyse", "AAPL", models.FreqDaily, []models.Bar{
		testBar(day(2016, 5, 6), "AAPL", 12),
		testBar(day(2016, 11, 30), "AAPL", 13),
	}); err != nil {
		t.Fatalf("WriteBars 2016 failed: %v", err)
	}

	w, ok, err := s.ExistingRange(ctx, "nyse", "AAPL", models.FreqDaily)
	if err != nil {
		t.Fatalf("ExistingRange failed: %v", err)
	}
	if !ok {
		t.Fatal("ExistingRange found no coverage")
	}
	if !w.Start.Equal(day(2014, 1, 2)) {
		t.Fatalf("range start = %v, want 2014-01-02", w.Start)
	}
	if !w.End.Equal(day(2016, 11, 30)) {
		t.Fatalf("range end = %v, want 2016-11-30", w.End)
	}
}

func TestCorruptPartitionDetected(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.WriteBars(ctx, "nyse", "AAPL", models.FreqDaily, []models.Bar{
		testBar(day(2014, 1, 2), "AAPL", 10),
	}); err != nil {
		t.Fatalf("WriteBars failed: %v", err)
	}

	path := filepath.Join(s.Root(), s.Key("nyse", "AAPL", models.FreqDaily, 2014).File())
	if err := os.WriteFile(path, []byte("not a parquet footer"), 0o644); err != nil {
		t.Fatalf("clobber failed: %v", err)
	}

	_, err := s.ReadRange(ctx, "nyse", "AAPL", models.FreqDaily, day(2014, 1, 1), day(2014, 12, 31))
	var ce *CorruptPartitionError
	if !errors.As(err, &ce) {
		t.Fatalf("ReadRange error = %v, want corrupt partition", err)
	}
	if ce.Path != path {
		t.Fatalf("corrupt path = %q, want %q", ce.Path, path)
	}

	if _, _, err := s.ExistingRange(ctx, "nyse", "AAPL", models.FreqDaily); !IsCorrupt(err) {
		t.Fatalf("ExistingRange error = %v, want corrupt partition", err)
	}
	if _, err := s.WriteBars(ctx, "nyse", "AAPL", models.FreqDaily, []models.Bar{
		testBar(day(2014, 1, 3), "AAPL", 11),
	}); !IsCorrupt(err) {
		t.Fatalf("WriteBars error = %v, want corrupt partition", err)
	}

	// A missing partition is absence, not damage.
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	got, err := s.ReadRange(ctx, "nyse", "AAPL", models.FreqDaily, day(2014, 1, 1), day(2014, 12, 31))
	if err != nil {
		t.Fatalf("ReadRange after remove errored: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("read %d bars from removed partition, want 0", len(got))
	}
}

func TestFileSnapshotChanged(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "part-000")
	if err := os.WriteFile(path, []byte("a"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	snap := snapshotOf(info)

	cur, curErr := os.Stat(path)
	if snap.changed(cur, curErr) {
		t.Fatal("unchanged file reported as changed")
	}

	if err := os.WriteFile(path, []byte("abc"), 0o644); err != nil {
		t.Fatalf("rewrite failed: %v", err)
	}
	cur, curErr = os.Stat(path)
	if !snap.changed(cur, curErr) {
		t.Fatal("resized file not reported as changed")
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	cur, curErr = os.Stat(path)
	if !snap.changed(cur, curErr) {
		t.Fatal("deleted file not reported as changed")
	}

	empty := fileSnapshot{}
	if empty.changed(cur, curErr) {
		t.Fatal("still-missing file reported as changed")
	}
}

func TestMergeBarsLastWriteWins(t *testing.T) {
	existing := []models.Bar{
		testBar(day(2014, 1, 2), "AAPL", 10),
		testBar(day(2014, 1, 3), "AAPL", 11),
	}
	incoming := []models.Bar{
		testBar(day(2014, 1, 3), "AAPL", 99),
		testBar(day(2014, 1, 3), "AAPL", 100),
		testBar(day(2014, 1, 6), "AAPL", 12),
	}

	merged, applied := mergeBars(existing, incoming)
	if len(merged) != 3 {
		t.Fatalf("merged %d rows, want 3", len(merged))
	}
	if applied != 2 {
		t.Fatalf("applied = %d, want 2 distinct incoming keys", applied)
	}
	if merged[1].Close != 100 {
		t.Fatalf("last duplicate should win, got close %v", merged[1].Close)
	}
}
