// Package kucoin adapts the KuCoin spot kline API to the provider contract.
package kucoin

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	sdkapi "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/api"
	spotmarket "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/spot/market"
	sdktype "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/types"
	"golang.org/x/time/rate"

	appconfig "barvault/config"
	"barvault/internal/models"
	"barvault/internal/provider"
	"barvault/internal/symbols"
	"barvault/logger"
)

// klineLimit is the maximum number of candles KuCoin returns per request.
// Requests are chunked so a window never holds more rows than the limit.
const klineLimit = 1500

var klineTypes = map[models.Frequency]string{
	models.FreqDaily:   "1day",
	models.FreqWeekly:  "1week",
	models.FreqMonthly: "1month",
}

// chunkSteps caps each request window in seconds. Monthly uses the longest
// possible month so a chunk can never exceed the venue's row limit.
var chunkSteps = map[models.Frequency]int64{
	models.FreqDaily:   86400,
	models.FreqWeekly:  7 * 86400,
	models.FreqMonthly: 31 * 86400,
}

// Client fetches daily, weekly or monthly spot candles from KuCoin. One
// client is bound to a single frequency for its lifetime.
type Client struct {
	config    *appconfig.Config
	marketAPI spotmarket.MarketAPI
	klineType string
	step      int64
	limiter   *rate.Limiter
	log       *logger.Log
}

// New creates a KuCoin provider for the given frequency using the SDK's
// transport options for connection pooling.
func New(cfg *appconfig.Config, freq models.Frequency) (*Client, error) {
	klineType, ok := klineTypes[freq]
	if !ok {
		return nil, fmt.Errorf("kucoin provider does not support frequency %q", freq)
	}

	log := logger.GetLogger()

	baseURL := "https://api.kucoin.com"
	if cfg.Source.Kucoin.URL != "" {
		if parsed, err := url.Parse(cfg.Source.Kucoin.URL); err == nil && parsed.Host != "" {
			baseURL = fmt.Sprintf("https://%s", parsed.Host)
		}
	}

	transportOpt := sdktype.NewTransportOptionBuilder().
		SetMaxIdleConns(cfg.Source.Kucoin.ConnectionPool.MaxIdleConns).
		SetMaxIdleConnsPerHost(cfg.Source.Kucoin.ConnectionPool.MaxIdleConns).
		SetMaxConnsPerHost(cfg.Source.Kucoin.ConnectionPool.MaxConnsPerHost).
		SetIdleConnTimeout(cfg.Source.Kucoin.ConnectionPool.IdleConnTimeout).
		SetTimeout(cfg.Fetch.Timeout).
		Build()

	option := sdktype.NewClientOptionBuilder().
		WithSpotEndpoint(baseURL).
		WithTransportOption(transportOpt).
		Build()

	client := sdkapi.NewClient(option)
	marketAPI := client.RestService().GetSpotService().GetMarketAPI()

	rl := cfg.Source.Kucoin.RateLimit
	rps := rl.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := rl.BurstSize
	if burst <= 0 {
		burst = 1
	}

	log.WithComponent("kucoin_provider").WithFields(logger.Fields{
		"base_url":   baseURL,
		"kline_type": klineType,
	}).Info("kucoin provider initialized")

	return &Client{
		config:    cfg,
		marketAPI: marketAPI,
		klineType: klineType,
		step:      chunkSteps[freq],
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		log:       log,
	}, nil
}

// Name implements provider.Provider.
func (c *Client) Name() string { return "kucoin" }

// Exchange implements provider.Provider.
func (c *Client) Exchange() string { return "kucoin" }

// FetchBars walks the window in chunks sized below the venue's row limit.
// KuCoin treats endAt as exclusive and returns candles newest first; rows are
// reversed so callers always see ascending dates.
func (c *Client) FetchBars(ctx context.Context, symbol string, start, end time.Time) ([]models.Bar, error) {
	venueSymbol := symbols.ToVenue("kucoin", symbol)
	canonical := symbols.Canonical("kucoin", symbol)

	startSec := models.Midnight(start).Unix()
	endSec := models.Midnight(end).Unix() + 86400

	var bars []models.Bar
	for chunkStart := startSec; chunkStart < endSec; chunkStart += c.step * klineLimit {
		chunkEnd := chunkStart + c.step*klineLimit
		if chunkEnd > endSec {
			chunkEnd = endSec
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, provider.Transient("kucoin rate wait", err)
		}

		req := spotmarket.NewGetKlinesReqBuilder().
			SetSymbol(venueSymbol).
			SetType(c.klineType).
			SetStartAt(chunkStart).
			SetEndAt(chunkEnd).
			Build()

		resp, err := c.marketAPI.GetKlines(req, ctx)
		if err != nil {
			return nil, c.classify(symbol, err)
		}
		if resp == nil {
			return nil, provider.Transient("kucoin klines", fmt.Errorf("empty response for symbol %s", venueSymbol))
		}
		logger.IncrementProviderCall("kucoin", len(resp.Data))

		for i := len(resp.Data) - 1; i >= 0; i-- {
			bar, err := c.parseRow(canonical, resp.Data[i])
			if err != nil {
				c.log.WithComponent("kucoin_provider").WithFields(logger.Fields{
					"symbol": symbol,
				}).WithError(err).Debug("skipping unparseable candle")
				continue
			}
			bars = append(bars, bar)
		}
	}

	return bars, nil
}

// parseRow converts one KuCoin candle row. The venue's order is
// [time, open, close, high, low, volume, turnover] with unix-second times.
func (c *Client) parseRow(symbol string, row []string) (models.Bar, error) {
	if len(row) < 6 {
		return models.Bar{}, fmt.Errorf("candle row has %d fields", len(row))
	}

	sec, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return models.Bar{}, fmt.Errorf("time %q: %w", row[0], err)
	}
	open, err := strconv.ParseFloat(row[1], 64)
	if err != nil {
		return models.Bar{}, fmt.Errorf("open %q: %w", row[1], err)
	}
	closePrice, err := strconv.ParseFloat(row[2], 64)
	if err != nil {
		return models.Bar{}, fmt.Errorf("close %q: %w", row[2], err)
	}
	high, err := strconv.ParseFloat(row[3], 64)
	if err != nil {
		return models.Bar{}, fmt.Errorf("high %q: %w", row[3], err)
	}
	low, err := strconv.ParseFloat(row[4], 64)
	if err != nil {
		return models.Bar{}, fmt.Errorf("low %q: %w", row[4], err)
	}
	volume, err := strconv.ParseFloat(row[5], 64)
	if err != nil {
		return models.Bar{}, fmt.Errorf("volume %q: %w", row[5], err)
	}

	return models.Bar{
		Date:      models.Midnight(time.Unix(sec, 0)),
		Symbol:    symbol,
		Exchange:  "kucoin",
		DataKind:  c.config.Archive.DataKind,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
		Adjusted:  c.config.Archive.Adjusted,
		Source:    "kucoin",
		FetchedAt: time.Now().UTC(),
	}, nil
}

func (c *Client) classify(symbol string, err error) error {
	msg := err.Error()
	provider.ReportLimitFromMessage(c.log, "kucoin", symbol, msg)

	lower := strings.ToLower(msg)
	if strings.Contains(lower, "symbol") && (strings.Contains(lower, "not exist") || strings.Contains(lower, "not found") || strings.Contains(lower, "invalid")) {
		return provider.Terminal(symbol, "unknown symbol")
	}
	if strings.Contains(lower, "parameter") && strings.Contains(lower, "invalid") {
		return provider.Terminal(symbol, fmt.Sprintf("malformed request: %s", msg))
	}
	return provider.Transient("kucoin klines", err)
}
