package kucoin

import (
	"errors"
	"testing"
	"time"

	appconfig "barvault/config"
	"barvault/internal/models"
	"barvault/internal/provider"
)

func testConfig() *appconfig.Config {
	return &appconfig.Config{
		Archive: appconfig.ArchiveConfig{DataKind: "bars"},
		Fetch:   appconfig.FetchConfig{Timeout: 5 * time.Second},
		Source: appconfig.SourceConfig{
			Exchange: "kucoin",
			Kucoin: appconfig.KucoinSourceConfig{
				RateLimit: appconfig.RateLimitConfig{
					RequestsPerSecond: 100,
					BurstSize:         10,
				},
			},
		},
	}
}

func TestNewRejectsUnknownFrequency(t *testing.T) {
	if _, err := New(testConfig(), models.Frequency("hourly")); err == nil {
		t.Fatalf("expected error for unsupported frequency")
	}
}

func TestKlineTypeMapping(t *testing.T) {
	cases := []struct {
		freq models.Frequency
		want string
	}{
		{models.FreqDaily, "1day"},
		{models.FreqWeekly, "1week"},
		{models.FreqMonthly, "1month"},
	}
	for _, c := range cases {
		client, err := New(testConfig(), c.freq)
		if err != nil {
			t.Fatalf("New(%s): %v", c.freq, err)
		}
		if client.klineType != c.want {
			t.Errorf("kline type for %s = %s, want %s", c.freq, client.klineType, c.want)
		}
	}
}

// KuCoin candles put close before high and low.
func TestParseRowVenueOrdering(t *testing.T) {
	client, err := New(testConfig(), models.FreqDaily)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	row := []string{"1704153600", "42000.1", "42201.5", "42500.9", "41800.0", "1200.5", "50000000"}
	bar, err := client.parseRow("BTCUSDT", row)
	if err != nil {
		t.Fatalf("parseRow: %v", err)
	}

	if !bar.Date.Equal(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("date = %s, want 2024-01-02", bar.Date)
	}
	if bar.Open != 42000.1 {
		t.Errorf("open = %v, want 42000.1", bar.Open)
	}
	if bar.Close != 42201.5 {
		t.Errorf("close = %v, want 42201.5", bar.Close)
	}
	if bar.High != 42500.9 {
		t.Errorf("high = %v, want 42500.9", bar.High)
	}
	if bar.Low != 41800.0 {
		t.Errorf("low = %v, want 41800.0", bar.Low)
	}
	if bar.Volume != 1200.5 {
		t.Errorf("volume = %v, want 1200.5", bar.Volume)
	}
	if bar.Symbol != "BTCUSDT" || bar.Exchange != "kucoin" || bar.Source != "kucoin" {
		t.Errorf("identity fields wrong: %+v", bar)
	}
}

func TestParseRowRejectsMalformedRows(t *testing.T) {
	client, err := New(testConfig(), models.FreqDaily)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := client.parseRow("BTCUSDT", []string{"1704153600", "1", "2"}); err == nil {
		t.Fatalf("expected error for short row")
	}
	if _, err := client.parseRow("BTCUSDT", []string{"not-a-time", "1", "2", "3", "4", "5"}); err == nil {
		t.Fatalf("expected error for bad time")
	}
	if _, err := client.parseRow("BTCUSDT", []string{"1704153600", "oops", "2", "3", "4", "5"}); err == nil {
		t.Fatalf("expected error for bad open")
	}
}

func TestClassify(t *testing.T) {
	client, err := New(testConfig(), models.FreqDaily)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cases := []struct {
		name     string
		err      error
		terminal bool
	}{
		{"unknown symbol", errors.New("This pair symbol is not found"), true},
		{"bad parameter", errors.New("Invalid parameter startAt"), true},
		{"throttled", errors.New("429 Too Many Requests"), false},
		{"network", errors.New("dial tcp: connection refused"), false},
	}

	for _, c := range cases {
		classified := client.classify("BTCUSDT", c.err)
		if provider.IsTerminal(classified) != c.terminal {
			t.Errorf("%s: IsTerminal = %v, want %v", c.name, provider.IsTerminal(classified), c.terminal)
		}
	}
}
