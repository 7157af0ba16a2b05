// Package binance adapts the Binance spot kline API to the provider
// contract.
package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	binanceapi "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"golang.org/x/time/rate"

	appconfig "barvault/config"
	"barvault/internal/models"
	"barvault/internal/provider"
	"barvault/internal/symbols"
	"barvault/logger"
)

// klineLimit is the maximum number of klines Binance returns per request.
const klineLimit = 1000

var intervals = map[models.Frequency]string{
	models.FreqDaily:   "1d",
	models.FreqWeekly:  "1w",
	models.FreqMonthly: "1M",
}

// Client fetches daily, weekly or monthly spot klines from Binance. One
// client is bound to a single frequency for its lifetime.
type Client struct {
	config      *appconfig.Config
	api         *binanceapi.Client
	interval    string
	limiter     *rate.Limiter
	log         *logger.Log
	limitOnce   sync.Once
	weightLimit int64
}

// New creates a Binance provider for the given frequency using the pooled
// HTTP transport from configuration.
func New(cfg *appconfig.Config, freq models.Frequency) (*Client, error) {
	interval, ok := intervals[freq]
	if !ok {
		return nil, fmt.Errorf("binance provider does not support frequency %q", freq)
	}

	log := logger.GetLogger()

	transport := &http.Transport{
		MaxIdleConns:        cfg.Source.Binance.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.Source.Binance.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.Source.Binance.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.Source.Binance.ConnectionPool.IdleConnTimeout,
		DisableCompression:  false,
	}

	httpClient := &http.Client{
		Transport: &weightTransport{base: transport, log: log},
		Timeout:   cfg.Fetch.Timeout,
	}

	api := binanceapi.NewClient("", "")
	api.HTTPClient = httpClient

	if cfg.Source.Binance.URL != "" {
		if parsed, err := url.Parse(cfg.Source.Binance.URL); err == nil && parsed.Host != "" {
			api.BaseURL = fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
		}
	}

	rl := cfg.Source.Binance.RateLimit
	rps := rl.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := rl.BurstSize
	if burst <= 0 {
		burst = 1
	}

	log.WithComponent("binance_provider").WithFields(logger.Fields{
		"interval":           interval,
		"max_idle_conns":     cfg.Source.Binance.ConnectionPool.MaxIdleConns,
		"max_conns_per_host": cfg.Source.Binance.ConnectionPool.MaxConnsPerHost,
		"timeout":            cfg.Fetch.Timeout,
	}).Info("binance provider initialized")

	return &Client{
		config:   cfg,
		api:      api,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		log:      log,
	}, nil
}

// Name implements provider.Provider.
func (c *Client) Name() string { return "binance" }

// Exchange implements provider.Provider.
func (c *Client) Exchange() string { return "binance" }

// FetchBars pages through the klines endpoint until the requested window is
// covered. Both bounds are inclusive and matched against kline open times.
func (c *Client) FetchBars(ctx context.Context, symbol string, start, end time.Time) ([]models.Bar, error) {
	c.fetchWeightLimit(ctx)

	venueSymbol := symbols.ToVenue("binance", symbol)
	canonical := symbols.Canonical("binance", symbol)

	startMs := models.Midnight(start).UnixMilli()
	endMs := models.Midnight(end).UnixMilli()

	var bars []models.Bar
	cursor := startMs
	for cursor <= endMs {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, provider.Transient("binance rate wait", err)
		}

		klines, err := c.api.NewKlinesService().
			Symbol(venueSymbol).
			Interval(c.interval).
			StartTime(cursor).
			EndTime(endMs).
			Limit(klineLimit).
			Do(ctx)
		if err != nil {
			return nil, c.classify(symbol, err)
		}
		logger.IncrementProviderCall("binance", len(klines))
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			bar, err := c.toBar(canonical, k)
			if err != nil {
				c.log.WithComponent("binance_provider").WithFields(logger.Fields{
					"symbol": symbol,
				}).WithError(err).Debug("skipping unparseable kline")
				continue
			}
			bars = append(bars, bar)
		}

		next := klines[len(klines)-1].CloseTime + 1
		if next <= cursor {
			break
		}
		cursor = next
		if len(klines) < klineLimit {
			break
		}
	}

	return bars, nil
}

func (c *Client) toBar(symbol string, k *binanceapi.Kline) (models.Bar, error) {
	open, err := strconv.ParseFloat(k.Open, 64)
	if err != nil {
		return models.Bar{}, fmt.Errorf("open %q: %w", k.Open, err)
	}
	high, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return models.Bar{}, fmt.Errorf("high %q: %w", k.High, err)
	}
	low, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return models.Bar{}, fmt.Errorf("low %q: %w", k.Low, err)
	}
	closePrice, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return models.Bar{}, fmt.Errorf("close %q: %w", k.Close, err)
	}
	volume, err := strconv.ParseFloat(k.Volume, 64)
	if err != nil {
		return models.Bar{}, fmt.Errorf("volume %q: %w", k.Volume, err)
	}

	return models.Bar{
		Date:      models.Midnight(time.UnixMilli(k.OpenTime)),
		Symbol:    symbol,
		Exchange:  "binance",
		DataKind:  c.config.Archive.DataKind,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
		Adjusted:  c.config.Archive.Adjusted,
		Source:    "binance",
		FetchedAt: time.Now().UTC(),
	}, nil
}

func (c *Client) classify(symbol string, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		provider.ReportLimitFromMessage(c.log, "binance", symbol, apiErr.Message)

		switch apiErr.Code {
		case -1121:
			return provider.Terminal(symbol, "unknown symbol")
		case -2014, -2015:
			return provider.Terminal(symbol, "api key rejected")
		}
		if apiErr.Code <= -1100 && apiErr.Code >= -1199 {
			return provider.Terminal(symbol, fmt.Sprintf("malformed request: %s", apiErr.Message))
		}
	}
	return provider.Transient("binance klines", err)
}

// fetchWeightLimit queries the exchangeInfo endpoint once to learn the
// REQUEST_WEIGHT per minute limit for telemetry.
func (c *Client) fetchWeightLimit(ctx context.Context) {
	c.limitOnce.Do(func() {
		info, err := c.api.NewExchangeInfoService().Do(ctx)
		if err != nil {
			c.log.WithComponent("binance_provider").WithError(err).Warn("failed to fetch request weight limit")
			return
		}
		for _, rl := range info.RateLimits {
			if rl.RateLimitType == "REQUEST_WEIGHT" && rl.Interval == "MINUTE" {
				c.weightLimit = rl.Limit
				c.log.WithComponent("binance_provider").WithFields(logger.Fields{
					"weight_limit": rl.Limit,
				}).Info("binance request weight limit")
				return
			}
		}
	})
}
