package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	binanceapi "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"

	appconfig "barvault/config"
	"barvault/internal/models"
	"barvault/internal/provider"
)

func newKline(open, high, low, closePrice, volume string) *binanceapi.Kline {
	return &binanceapi.Kline{
		OpenTime:  time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC).UnixMilli(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
		CloseTime: time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC).UnixMilli() - 1,
	}
}

func testConfig(url string) *appconfig.Config {
	return &appconfig.Config{
		Archive: appconfig.ArchiveConfig{DataKind: "bars"},
		Fetch:   appconfig.FetchConfig{Timeout: 5 * time.Second},
		Source: appconfig.SourceConfig{
			Exchange: "binance",
			Binance: appconfig.BinanceSourceConfig{
				URL: url,
				RateLimit: appconfig.RateLimitConfig{
					RequestsPerSecond: 100,
					BurstSize:         10,
				},
			},
		},
	}
}

func TestNewRejectsUnknownFrequency(t *testing.T) {
	if _, err := New(testConfig(""), models.Frequency("hourly")); err == nil {
		t.Fatalf("expected error for unsupported frequency")
	}
}

func TestIntervalMapping(t *testing.T) {
	cases := []struct {
		freq models.Frequency
		want string
	}{
		{models.FreqDaily, "1d"},
		{models.FreqWeekly, "1w"},
		{models.FreqMonthly, "1M"},
	}
	for _, c := range cases {
		client, err := New(testConfig(""), c.freq)
		if err != nil {
			t.Fatalf("New(%s): %v", c.freq, err)
		}
		if client.interval != c.want {
			t.Errorf("interval for %s = %s, want %s", c.freq, client.interval, c.want)
		}
	}
}

func TestFetchBarsParsesKlines(t *testing.T) {
	day := func(d int) int64 {
		return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC).UnixMilli()
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-MBX-USED-WEIGHT-1M", "5")

		switch r.URL.Path {
		case "/api/v3/exchangeInfo":
			fmt.Fprintln(w, `{"timezone":"UTC","rateLimits":[{"rateLimitType":"REQUEST_WEIGHT","interval":"MINUTE","intervalNum":1,"limit":1200}],"symbols":[]}`)
		case "/api/v3/klines":
			if got := r.URL.Query().Get("symbol"); got != "BTCUSDT" {
				t.Errorf("symbol = %s, want BTCUSDT", got)
			}
			if got := r.URL.Query().Get("interval"); got != "1d" {
				t.Errorf("interval = %s, want 1d", got)
			}
			fmt.Fprintf(w, `[
[%d,"42000.1","42500.9","41800.0","42201.5","1200.5",%d,"50000000",90000,"600.2","25000000","0"],
[%d,"42201.5","42900.0","42100.0","42700.0","980.1",%d,"41000000",80000,"490.0","20000000","0"]
]`, day(2), day(3)-1, day(3), day(4)-1)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client, err := New(testConfig(server.URL), models.FreqDaily)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	bars, err := client.FetchBars(context.Background(), "BTCUSDT",
		time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("FetchBars: %v", err)
	}

	if len(bars) != 2 {
		t.Fatalf("got %d bars, want 2", len(bars))
	}

	first := bars[0]
	if !first.Date.Equal(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("date = %s, want 2024-01-02", first.Date)
	}
	if first.Symbol != "BTCUSDT" || first.Exchange != "binance" || first.Source != "binance" {
		t.Errorf("identity fields wrong: %+v", first)
	}
	if first.DataKind != "bars" {
		t.Errorf("data_kind = %s, want bars", first.DataKind)
	}
	if first.Open != 42000.1 || first.High != 42500.9 || first.Low != 41800.0 || first.Close != 42201.5 {
		t.Errorf("ohlc wrong: %+v", first)
	}
	if first.Volume != 1200.5 {
		t.Errorf("volume = %v, want 1200.5", first.Volume)
	}
	if first.FetchedAt.IsZero() {
		t.Errorf("fetched_at not set")
	}
}

func TestToBarRejectsBadNumbers(t *testing.T) {
	client, err := New(testConfig(""), models.FreqDaily)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	bad := newKline("not-a-number", "2", "3", "4", "5")
	if _, err := client.toBar("BTCUSDT", bad); err == nil {
		t.Fatalf("expected parse error for bad open")
	}

	good := newKline("1", "2", "0.5", "1.5", "100")
	bar, err := client.toBar("BTCUSDT", good)
	if err != nil {
		t.Fatalf("toBar: %v", err)
	}
	if bar.Open != 1 || bar.High != 2 || bar.Low != 0.5 || bar.Close != 1.5 || bar.Volume != 100 {
		t.Fatalf("parsed values wrong: %+v", bar)
	}
}

func TestClassify(t *testing.T) {
	client, err := New(testConfig(""), models.FreqDaily)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cases := []struct {
		name     string
		err      error
		terminal bool
	}{
		{"unknown symbol", &common.APIError{Code: -1121, Message: "Invalid symbol."}, true},
		{"auth rejected", &common.APIError{Code: -2014, Message: "API-key format invalid."}, true},
		{"malformed request", &common.APIError{Code: -1102, Message: "Mandatory parameter was not sent."}, true},
		{"throttled", &common.APIError{Code: -1003, Message: "Too many requests."}, false},
		{"server trouble", &common.APIError{Code: -1001, Message: "Internal error."}, false},
		{"plain network error", errors.New("connection reset by peer"), false},
	}

	for _, c := range cases {
		classified := client.classify("BTCUSDT", c.err)
		if provider.IsTerminal(classified) != c.terminal {
			t.Errorf("%s: IsTerminal = %v, want %v", c.name, provider.IsTerminal(classified), c.terminal)
		}
		if provider.IsTransient(classified) == c.terminal {
			t.Errorf("%s: IsTransient = %v, want %v", c.name, provider.IsTransient(classified), !c.terminal)
		}
	}
}
