package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	appconfig "barvault/config"
	"barvault/internal/coverage"
	"barvault/internal/dashboard"
	"barvault/internal/events"
	"barvault/internal/fetch"
	"barvault/internal/models"
	"barvault/internal/provider"
	"barvault/internal/provider/binance"
	"barvault/internal/provider/bybit"
	"barvault/internal/provider/kucoin"
	"barvault/internal/query"
	"barvault/internal/store"
	"barvault/internal/universe"
	"barvault/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	symbolsFlag := flag.String("symbols", "", "Comma-separated symbols; default is every member of the universe")
	universeFlag := flag.String("universe", "", "Universe name override")
	startFlag := flag.String("start", "", "Range start override (YYYY-MM-DD)")
	endFlag := flag.String("end", "", "Range end override (YYYY-MM-DD)")
	freqFlag := flag.String("freq", "", "Frequency override: daily, weekly or monthly")
	modeFlag := flag.String("mode", "once", "Run mode: once or loop")
	importFlag := flag.String("import-universe", "", "Import membership intervals from a CSV file and exit")

	flag.Parse()

	cfg, err := appconfig.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if *symbolsFlag != "" {
		cfg.Fetch.Symbols = splitSymbols(*symbolsFlag)
	}
	if *universeFlag != "" {
		cfg.Universe.Name = *universeFlag
	}
	if *startFlag != "" {
		cfg.Fetch.Start = *startFlag
	}
	if *endFlag != "" {
		cfg.Fetch.End = *endFlag
	}
	if *freqFlag != "" {
		cfg.Fetch.Frequency = *freqFlag
	}

	mode := strings.ToLower(strings.TrimSpace(*modeFlag))
	if mode != "once" && mode != "loop" {
		log.WithFields(logger.Fields{"mode": *modeFlag}).Error("unknown mode, want once or loop")
		os.Exit(2)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Barvault.Name,
		"version": cfg.Barvault.Version,
	}).Info("starting barvault")

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Dashboard)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		interval := cfg.Metrics.ReportInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		logger.StartReport(ctx, log, interval)
	}

	universeStore, err := universe.New(cfg.Universe.DBPath)
	if err != nil {
		log.WithError(err).Error("failed to open universe store")
		os.Exit(1)
	}

	if *importFlag != "" {
		count, err := universeStore.ImportCSV(ctx, cfg.Universe.Name, *importFlag)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"path": *importFlag}).Error("universe import failed")
			os.Exit(1)
		}
		log.WithFields(logger.Fields{
			"universe":  cfg.Universe.Name,
			"intervals": count,
		}).Info("universe import completed")
		universeStore.Close()
		return
	}

	frequency, err := models.ParseFrequency(cfg.Fetch.Frequency)
	if err != nil {
		log.WithError(err).Error("invalid fetch frequency")
		os.Exit(1)
	}

	barStore, err := store.NewStore(cfg)
	if err != nil {
		log.WithError(err).Error("failed to open bar archive")
		os.Exit(1)
	}

	checker := coverage.NewChecker(universeStore, barStore, cfg.Source.Exchange)

	prov, err := buildProvider(cfg, frequency)
	if err != nil {
		log.WithError(err).Error("failed to build provider")
		os.Exit(1)
	}

	var queryService *query.Service
	if cfg.Query.Enabled {
		queryService, err = query.New(cfg)
		if err != nil {
			log.WithError(err).Warn("query service unavailable; query endpoints disabled")
			queryService = nil
		}
	}
	var barReader dashboard.BarReader
	if queryService != nil {
		barReader = queryService
	}

	dash, err := dashboard.NewServer(cfg, log, checker, barReader)
	if err != nil {
		log.WithError(err).Error("failed to build dashboard")
		os.Exit(1)
	}

	var publisher *events.Publisher
	if cfg.Events.Kafka.Enabled {
		publisher, err = events.NewPublisher(cfg)
		if err != nil {
			log.WithError(err).Warn("kafka publisher unavailable; batch events disabled")
			publisher = nil
		}
	}

	orch := fetch.NewOrchestrator(cfg, checker, barStore)
	if dash != nil {
		orch.OnProgress(dash.PublishProgress)
	}

	var wg sync.WaitGroup
	if dash != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dash.Run(ctx, cfg.Barvault.Name); err != nil {
				log.WithError(err).Warn("dashboard server failed")
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
		cancel()
	}()

	failed := false
	switch mode {
	case "once":
		report, err := runBatch(ctx, cfg, log, orch, universeStore, prov, frequency, dash, publisher)
		if err != nil {
			log.WithError(err).Error("batch aborted")
			failed = true
		} else {
			failed = report.Failed > 0
		}

	case "loop":
		interval := cfg.Fetch.LoopInterval
		if interval <= 0 {
			interval = 24 * time.Hour
		}
		for ctx.Err() == nil {
			if _, err := runBatch(ctx, cfg, log, orch, universeStore, prov, frequency, dash, publisher); err != nil {
				log.WithError(err).Error("batch aborted")
			}
			if ctx.Err() != nil {
				break
			}
			log.WithFields(logger.Fields{"interval": interval.String()}).Info("sleeping until next batch")
			select {
			case <-ctx.Done():
			case <-time.After(interval):
			}
		}
	}

	log.Info("starting graceful shutdown")
	cancel()

	if publisher != nil {
		publisher.Close()
	}
	if queryService != nil {
		if err := queryService.Close(); err != nil {
			log.WithError(err).Warn("failed to close query service")
		}
	}
	if err := universeStore.Close(); err != nil {
		log.WithError(err).Warn("failed to close universe store")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("barvault stopped")

	if mode == "once" && failed {
		os.Exit(1)
	}
}

// runBatch resolves the symbol list and request window, runs one orchestrator
// batch and hands the report to the dashboard and the event publisher.
func runBatch(ctx context.Context, cfg *appconfig.Config, log *logger.Log, orch *fetch.Orchestrator, members *universe.Store, prov provider.Provider, frequency models.Frequency, dash *dashboard.Server, publisher *events.Publisher) (models.BatchReport, error) {
	template, err := batchTemplate(cfg, frequency)
	if err != nil {
		return models.BatchReport{}, err
	}

	symbols, err := batchSymbols(ctx, cfg, members)
	if err != nil {
		return models.BatchReport{}, err
	}

	report := orch.Run(ctx, symbols, template, prov)

	dash.SetReport(report)
	if publisher != nil {
		// the report must go out even when the batch was cancelled
		publisher.PublishReport(context.WithoutCancel(ctx), report)
	}

	log.WithFields(logger.Fields{
		"batch_id":     report.BatchID,
		"success":      report.Success,
		"failed":       report.Failed,
		"skipped":      report.Skipped,
		"rows_written": report.RowsWritten,
		"truncated":    report.Truncated,
	}).Info("batch finished")

	return report, nil
}

// batchTemplate builds the coverage request shared by every symbol in a
// batch. The end date defaults to today so loop mode keeps advancing.
func batchTemplate(cfg *appconfig.Config, frequency models.Frequency) (models.CoverageRequest, error) {
	if cfg.Fetch.Start == "" {
		return models.CoverageRequest{}, fmt.Errorf("fetch start date is required (fetch.start or -start)")
	}
	start, err := time.Parse("2006-01-02", cfg.Fetch.Start)
	if err != nil {
		return models.CoverageRequest{}, fmt.Errorf("parse fetch start: %w", err)
	}

	end := models.Midnight(time.Now().UTC())
	if cfg.Fetch.End != "" {
		end, err = time.Parse("2006-01-02", cfg.Fetch.End)
		if err != nil {
			return models.CoverageRequest{}, fmt.Errorf("parse fetch end: %w", err)
		}
	}

	return models.CoverageRequest{
		Universe:      cfg.Universe.Name,
		Start:         start,
		End:           end,
		Frequency:     frequency,
		ToleranceDays: cfg.Fetch.ToleranceDays,
	}, nil
}

func batchSymbols(ctx context.Context, cfg *appconfig.Config, members *universe.Store) ([]string, error) {
	if len(cfg.Fetch.Symbols) > 0 {
		return cfg.Fetch.Symbols, nil
	}
	symbols, err := members.Symbols(ctx, cfg.Universe.Name)
	if err != nil {
		return nil, fmt.Errorf("list universe symbols: %w", err)
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("universe %q has no members and no symbols were given", cfg.Universe.Name)
	}
	return symbols, nil
}

func buildProvider(cfg *appconfig.Config, frequency models.Frequency) (provider.Provider, error) {
	switch strings.ToLower(cfg.Source.Exchange) {
	case "binance":
		if !cfg.Source.Binance.Enabled {
			return nil, fmt.Errorf("binance source is disabled in config")
		}
		return binance.New(cfg, frequency)
	case "kucoin":
		if !cfg.Source.Kucoin.Enabled {
			return nil, fmt.Errorf("kucoin source is disabled in config")
		}
		return kucoin.New(cfg, frequency)
	case "bybit":
		if !cfg.Source.Bybit.Enabled {
			return nil, fmt.Errorf("bybit source is disabled in config")
		}
		return bybit.New(cfg, frequency)
	default:
		return nil, fmt.Errorf("unsupported exchange %q", cfg.Source.Exchange)
	}
}

func splitSymbols(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.ToUpper(part))
		}
	}
	return out
}
