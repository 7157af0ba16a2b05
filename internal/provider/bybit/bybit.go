// Package bybit adapts the Bybit UTA market kline API to the provider
// contract.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	bybitapi "github.com/bybit-exchange/bybit.go.api"
	"golang.org/x/time/rate"

	appconfig "barvault/config"
	"barvault/internal/models"
	"barvault/internal/provider"
	"barvault/internal/symbols"
	"barvault/logger"
)

// klineLimit is the maximum number of klines Bybit returns per request.
const klineLimit = 1000

var intervals = map[models.Frequency]string{
	models.FreqDaily:   "D",
	models.FreqWeekly:  "W",
	models.FreqMonthly: "M",
}

// chunkSteps caps each request window in milliseconds. Monthly uses the
// longest possible month so a chunk can never exceed the venue's row limit.
var chunkSteps = map[models.Frequency]int64{
	models.FreqDaily:   86400000,
	models.FreqWeekly:  7 * 86400000,
	models.FreqMonthly: 31 * 86400000,
}

// Client fetches daily, weekly or monthly spot klines from Bybit. One client
// is bound to a single frequency for its lifetime.
type Client struct {
	config   *appconfig.Config
	api      *bybitapi.Client
	interval string
	step     int64
	limiter  *rate.Limiter
	log      *logger.Log
}

// New creates a Bybit provider for the given frequency.
func New(cfg *appconfig.Config, freq models.Frequency) (*Client, error) {
	interval, ok := intervals[freq]
	if !ok {
		return nil, fmt.Errorf("bybit provider does not support frequency %q", freq)
	}

	log := logger.GetLogger()

	transport := &http.Transport{
		MaxIdleConns:        cfg.Source.Bybit.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.Source.Bybit.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.Source.Bybit.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.Source.Bybit.ConnectionPool.IdleConnTimeout,
		DisableCompression:  false,
	}

	baseURL := bybitapi.MAINNET
	if cfg.Source.Bybit.URL != "" {
		baseURL = cfg.Source.Bybit.URL
	}

	api := bybitapi.NewBybitHttpClient("", "", bybitapi.WithBaseURL(baseURL))
	api.HTTPClient = &http.Client{Transport: transport, Timeout: cfg.Fetch.Timeout}

	rl := cfg.Source.Bybit.RateLimit
	rps := rl.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := rl.BurstSize
	if burst <= 0 {
		burst = 1
	}

	log.WithComponent("bybit_provider").WithFields(logger.Fields{
		"base_url": baseURL,
		"interval": interval,
	}).Info("bybit provider initialized")

	return &Client{
		config:   cfg,
		api:      api,
		interval: interval,
		step:     chunkSteps[freq],
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		log:      log,
	}, nil
}

// Name implements provider.Provider.
func (c *Client) Name() string { return "bybit" }

// Exchange implements provider.Provider.
func (c *Client) Exchange() string { return "bybit" }

// FetchBars walks the window in chunks sized below the venue's row limit.
// Bybit bounds are inclusive and rows come newest first; they are reversed so
// callers always see ascending dates.
func (c *Client) FetchBars(ctx context.Context, symbol string, start, end time.Time) ([]models.Bar, error) {
	venueSymbol := symbols.ToVenue("bybit", symbol)
	canonical := symbols.Canonical("bybit", symbol)

	startMs := models.Midnight(start).UnixMilli()
	endMs := models.Midnight(end).UnixMilli()

	var bars []models.Bar
	chunkStart := startMs
	for chunkStart <= endMs {
		chunkEnd := chunkStart + c.step*(klineLimit-1)
		if chunkEnd > endMs {
			chunkEnd = endMs
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, provider.Transient("bybit rate wait", err)
		}

		params := map[string]interface{}{
			"category": "spot",
			"symbol":   venueSymbol,
			"interval": c.interval,
			"start":    chunkStart,
			"end":      chunkEnd,
			"limit":    klineLimit,
		}

		resp, err := c.api.NewUtaBybitServiceWithParams(params).GetMarketKline(ctx)
		if err != nil {
			provider.ReportLimitFromMessage(c.log, "bybit", symbol, err.Error())
			return nil, provider.Transient("bybit klines", err)
		}
		if err := c.classifyResponse(symbol, resp.RetCode, resp.RetMsg); err != nil {
			return nil, err
		}

		rows, err := klineRows(resp.Result)
		if err != nil {
			return nil, provider.Transient("bybit klines decode", err)
		}
		logger.IncrementProviderCall("bybit", len(rows))

		for i := len(rows) - 1; i >= 0; i-- {
			bar, err := c.parseRow(canonical, rows[i])
			if err != nil {
				c.log.WithComponent("bybit_provider").WithFields(logger.Fields{
					"symbol": symbol,
				}).WithError(err).Debug("skipping unparseable kline")
				continue
			}
			bars = append(bars, bar)
		}

		chunkStart = chunkEnd + c.step
	}

	return bars, nil
}

// klineRows extracts the list rows from the untyped UTA result payload.
func klineRows(result interface{}) ([][]string, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}

	var payload struct {
		List [][]string `json:"list"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal kline list: %w", err)
	}
	return payload.List, nil
}

// parseRow converts one Bybit kline row. The venue's order is
// [startTime, open, high, low, close, volume, turnover] with millisecond
// times.
func (c *Client) parseRow(symbol string, row []string) (models.Bar, error) {
	if len(row) < 6 {
		return models.Bar{}, fmt.Errorf("kline row has %d fields", len(row))
	}

	ms, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return models.Bar{}, fmt.Errorf("time %q: %w", row[0], err)
	}
	open, err := strconv.ParseFloat(row[1], 64)
	if err != nil {
		return models.Bar{}, fmt.Errorf("open %q: %w", row[1], err)
	}
	high, err := strconv.ParseFloat(row[2], 64)
	if err != nil {
		return models.Bar{}, fmt.Errorf("high %q: %w", row[2], err)
	}
	low, err := strconv.ParseFloat(row[3], 64)
	if err != nil {
		return models.Bar{}, fmt.Errorf("low %q: %w", row[3], err)
	}
	closePrice, err := strconv.ParseFloat(row[4], 64)
	if err != nil {
		return models.Bar{}, fmt.Errorf("close %q: %w", row[4], err)
	}
	volume, err := strconv.ParseFloat(row[5], 64)
	if err != nil {
		return models.Bar{}, fmt.Errorf("volume %q: %w", row[5], err)
	}

	return models.Bar{
		Date:      models.Midnight(time.UnixMilli(ms)),
		Symbol:    symbol,
		Exchange:  "bybit",
		DataKind:  c.config.Archive.DataKind,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
		Adjusted:  c.config.Archive.Adjusted,
		Source:    "bybit",
		FetchedAt: time.Now().UTC(),
	}, nil
}

// classifyResponse maps UTA business codes onto the retry taxonomy. Code 0 is
// success.
func (c *Client) classifyResponse(symbol string, retCode int, retMsg string) error {
	if retCode == 0 {
		return nil
	}

	provider.ReportLimitFromMessage(c.log, "bybit", symbol, retMsg)

	lower := strings.ToLower(retMsg)
	if strings.Contains(lower, "symbol") && (strings.Contains(lower, "invalid") || strings.Contains(lower, "not exist") || strings.Contains(lower, "not supported")) {
		return provider.Terminal(symbol, "unknown symbol")
	}

	switch retCode {
	case 10001:
		return provider.Terminal(symbol, fmt.Sprintf("malformed request: %s", retMsg))
	case 10003, 10004, 10005:
		return provider.Terminal(symbol, "api key rejected")
	}
	return provider.Transient("bybit klines", fmt.Errorf("retCode %d: %s", retCode, retMsg))
}
