// Package fetch drives the coverage-check, fetch and store cycle for a batch
// of symbols over a bounded worker pool.
package fetch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	appconfig "barvault/config"
	"barvault/internal/metrics"
	"barvault/internal/models"
	"barvault/internal/provider"
	"barvault/internal/store"
	"barvault/logger"
)

const (
	statusSuccess = "success"
	statusSkipped = "skipped"
	statusFailed  = "failed"
)

// Checker decides whether a symbol needs fetching and which ranges.
type Checker interface {
	Check(ctx context.Context, req models.CoverageRequest) (models.CoverageResult, error)
}

// BarWriter persists fetched bars into the archive.
type BarWriter interface {
	WriteBars(ctx context.Context, exchange, symbol string, freq models.Frequency, bars []models.Bar) (store.WriteResult, error)
}

// Progress is a point-in-time view of a running batch, published after every
// symbol outcome.
type Progress struct {
	BatchID    string `json:"batch_id"`
	Total      int    `json:"total"`
	Dispatched int    `json:"dispatched"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
	Rows       int    `json:"rows"`
}

// outcome is one symbol's result flowing from a worker to the collector.
type outcome struct {
	symbol  string
	status  string
	stage   string
	rows    int
	write   store.WriteResult
	calls   int
	retries int
	err     error
}

// Orchestrator runs fetch batches. Safe for sequential reuse; one batch runs
// at a time per Run call.
type Orchestrator struct {
	config   *appconfig.Config
	checker  Checker
	store    BarWriter
	log      *logger.Log
	progress func(Progress)
}

// NewOrchestrator wires an orchestrator over the coverage checker and the
// archive store.
func NewOrchestrator(cfg *appconfig.Config, checker Checker, barStore BarWriter) *Orchestrator {
	return &Orchestrator{
		config:  cfg,
		checker: checker,
		store:   barStore,
		log:     logger.GetLogger(),
	}
}

// OnProgress registers a callback invoked after every symbol outcome. Used by
// the dashboard hub; nil disables publishing.
func (o *Orchestrator) OnProgress(fn func(Progress)) {
	o.progress = fn
}

// Run fetches every symbol that coverage says needs data and returns the
// aggregated report. Cancellation stops dispatching new symbols; in-flight
// work completes so no partition write is abandoned mid-merge. A corrupt
// partition reported by any worker also stops dispatch: it signals archive
// damage that writing more data around would only deepen.
func (o *Orchestrator) Run(ctx context.Context, symbolList []string, template models.CoverageRequest, prov provider.Provider) models.BatchReport {
	batchID := uuid.New().String()
	report := models.BatchReport{BatchID: batchID, StartedAt: time.Now().UTC()}

	workers := o.config.Fetch.Workers
	if workers < 1 {
		workers = 10
	}
	if workers > len(symbolList) && len(symbolList) > 0 {
		workers = len(symbolList)
	}

	log := o.log.WithComponent("fetch").WithFields(logger.Fields{
		"batch_id":  batchID,
		"symbols":   len(symbolList),
		"workers":   workers,
		"frequency": string(template.Frequency),
		"exchange":  prov.Exchange(),
	})
	log.Info("starting fetch batch")

	jobs := make(chan string)
	results := make(chan outcome)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go o.worker(ctx, i, batchID, template, prov, jobs, results, &wg)
	}

	var dispatched int64
	fetchStats := metrics.FetchStats{SymbolsPlanned: len(symbolList)}
	var storeStats metrics.StoreStats
	prog := Progress{BatchID: batchID, Total: len(symbolList)}

	fatal := make(chan struct{})
	var fatalOnce sync.Once

	done := make(chan struct{})
	go func() {
		defer close(done)
		for out := range results {
			switch out.status {
			case statusSuccess:
				report.Success++
				report.RowsWritten += out.write.Rows
				fetchStats.SymbolsFetched++
				fetchStats.BarsFetched += int64(out.rows)
				storeStats.RowsWritten += int64(out.write.Rows)
				storeStats.FilesWritten += int64(out.write.Files)
				storeStats.BytesWritten += out.write.Bytes
				storeStats.Conflicts += int64(out.write.Conflicts)
				prog.Succeeded++
				prog.Rows += out.write.Rows
			case statusSkipped:
				report.Skipped++
				fetchStats.SymbolsSkipped++
				prog.Skipped++
			case statusFailed:
				report.Failed++
				fetchStats.SymbolsFailed++
				prog.Failed++
				report.Errors = append(report.Errors, models.BatchError{
					Symbol:    out.symbol,
					Message:   fmt.Sprintf("%s: %v", out.stage, out.err),
					Timestamp: time.Now().UTC(),
				})
				if out.stage == "store" {
					storeStats.ErrorsCount++
					storeStats.Conflicts += int64(out.write.Conflicts)
				}
				if store.IsCorrupt(out.err) {
					fatalOnce.Do(func() {
						log.WithError(out.err).WithFields(logger.Fields{
							"symbol": out.symbol,
						}).Error("partition corruption detected, aborting batch")
						close(fatal)
					})
				}
			}
			fetchStats.ProviderCalls += int64(out.calls)
			fetchStats.Retries += int64(out.retries)

			prog.Dispatched = int(atomic.LoadInt64(&dispatched))
			completed := prog.Succeeded + prog.Failed + prog.Skipped
			metrics.Record(o.log, "fetch", "batch_progress", completed, "gauge", logger.Fields{
				"batch_id":  batchID,
				"total":     prog.Total,
				"succeeded": prog.Succeeded,
				"failed":    prog.Failed,
				"skipped":   prog.Skipped,
			})
			if o.progress != nil {
				o.progress(prog)
			}
		}
	}()

dispatch:
	for _, sym := range symbolList {
		select {
		case jobs <- sym:
			atomic.AddInt64(&dispatched, 1)
		case <-fatal:
			break dispatch
		case <-ctx.Done():
			log.WithFields(logger.Fields{
				"dispatched": atomic.LoadInt64(&dispatched),
			}).Warn("batch cancelled, stopping dispatch")
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()
	close(results)
	<-done

	report.Truncated = int(atomic.LoadInt64(&dispatched)) < len(symbolList)
	report.FinishedAt = time.Now().UTC()
	fetchStats.Truncated = report.Truncated

	metrics.ReportFetch(o.log, "fetch", fetchStats)
	metrics.ReportStore(o.log, "store", storeStats)

	summary := log.WithFields(logger.Fields{
		"success":      report.Success,
		"failed":       report.Failed,
		"skipped":      report.Skipped,
		"rows_written": report.RowsWritten,
		"truncated":    report.Truncated,
		"duration":     report.FinishedAt.Sub(report.StartedAt),
	})
	if report.Failed > 0 || report.Truncated {
		summary.Warn("fetch batch finished with failures")
	} else {
		summary.Info("fetch batch finished")
	}

	return report
}

func (o *Orchestrator) worker(ctx context.Context, id int, batchID string, template models.CoverageRequest, prov provider.Provider, jobs <-chan string, results chan<- outcome, wg *sync.WaitGroup) {
	defer wg.Done()

	spacing := o.config.Fetch.CallSpacing
	if spacing <= 0 {
		spacing = 100 * time.Millisecond
	}
	limiter := rate.NewLimiter(rate.Every(spacing), 1)

	log := o.log.WithComponent("fetch").WithFields(logger.Fields{
		"batch_id":  batchID,
		"worker_id": id,
	})

	for symbol := range jobs {
		results <- o.fetchSymbol(ctx, log, limiter, template, prov, symbol)
	}
}

// fetchSymbol runs the full per-symbol cycle: coverage check, ranged fetch
// with retry, normalize, store.
func (o *Orchestrator) fetchSymbol(ctx context.Context, log *logger.Entry, limiter *rate.Limiter, template models.CoverageRequest, prov provider.Provider, symbol string) outcome {
	req := template
	req.Symbol = symbol

	res, err := o.checker.Check(ctx, req)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{"symbol": symbol}).Error("coverage check failed")
		return outcome{symbol: symbol, status: statusFailed, stage: "coverage", err: err}
	}

	switch res.Status {
	case models.CoverageComplete, models.CoverageOutOfMembership:
		log.WithFields(logger.Fields{
			"symbol": symbol,
			"status": string(res.Status),
		}).Debug("symbol needs no fetch, skipping")
		return outcome{symbol: symbol, status: statusSkipped}
	}

	var bars []models.Bar
	calls, retries := 0, 0
	for _, w := range res.FetchRanges() {
		got, n, err := o.fetchRange(ctx, log, limiter, prov, symbol, w)
		calls += n
		if n > 0 {
			retries += n - 1
		}
		if err != nil {
			return outcome{symbol: symbol, status: statusFailed, stage: "provider", calls: calls, retries: retries, err: err}
		}
		bars = append(bars, got...)
	}

	normalizeBars(bars, prov.Name(), prov.Exchange())

	wres, err := o.store.WriteBars(ctx, prov.Exchange(), symbol, req.Frequency, bars)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{"symbol": symbol}).Error("archive write failed")
		return outcome{symbol: symbol, status: statusFailed, stage: "store", write: wres, calls: calls, retries: retries, err: err}
	}

	log.WithFields(logger.Fields{
		"symbol":       symbol,
		"bars_fetched": len(bars),
		"rows_applied": wres.Rows,
		"files":        wres.Files,
	}).Info("symbol fetched")

	return outcome{
		symbol:  symbol,
		status:  statusSuccess,
		rows:    len(bars),
		write:   wres,
		calls:   calls,
		retries: retries,
	}
}

// fetchRange calls the provider for one date range under the retry policy:
// transient failures back off exponentially from the configured base, terminal
// failures abort immediately. The second result is the number of provider
// calls made.
func (o *Orchestrator) fetchRange(ctx context.Context, log *logger.Entry, limiter *rate.Limiter, prov provider.Provider, symbol string, w models.Window) ([]models.Bar, int, error) {
	maxAttempts := o.config.Fetch.RetryAttempts
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	backoff := o.config.Fetch.BackoffBase
	if backoff <= 0 {
		backoff = 2 * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return nil, attempt - 1, err
		}

		start := time.Now()
		bars, err := prov.FetchBars(ctx, symbol, w.Start, w.End)
		if err == nil {
			logger.LogPerformanceEntry(log, "fetch", "provider_fetch", time.Since(start), logger.Fields{
				"symbol":  symbol,
				"bars":    len(bars),
				"attempt": attempt,
			})
			return bars, attempt, nil
		}
		lastErr = err

		if !provider.IsTransient(err) {
			log.WithError(err).WithFields(logger.Fields{"symbol": symbol}).Warn("terminal provider error, not retrying")
			return nil, attempt, err
		}
		if attempt == maxAttempts {
			break
		}

		wait := backoff << (attempt - 1)
		log.WithError(err).WithFields(logger.Fields{
			"symbol":  symbol,
			"attempt": attempt,
			"backoff": wait,
		}).Warn("transient provider error, backing off")
		if err := sleepWithContext(ctx, wait); err != nil {
			return nil, attempt, err
		}
	}

	return nil, maxAttempts, fmt.Errorf("fetch %s after %d attempts: %w", symbol, maxAttempts, lastErr)
}

// normalizeBars enforces the canonical row shape whatever the adapter
// produced: UTC midnight dates, uppercase symbols, provider recorded as
// source.
func normalizeBars(bars []models.Bar, source, exchange string) {
	now := time.Now().UTC()
	for i := range bars {
		bars[i].Date = models.Midnight(bars[i].Date)
		bars[i].Symbol = strings.ToUpper(bars[i].Symbol)
		if bars[i].Exchange == "" {
			bars[i].Exchange = exchange
		}
		if bars[i].Source == "" {
			bars[i].Source = source
		}
		if bars[i].FetchedAt.IsZero() {
			bars[i].FetchedAt = now
		}
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
