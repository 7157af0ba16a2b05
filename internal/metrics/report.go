package metrics

import "barvault/logger"

// StoreStats holds counters for the partitioned store over one batch.
type StoreStats struct {
	RowsWritten  int64
	FilesWritten int64
	BytesWritten int64
	Conflicts    int64
	ErrorsCount  int64
}

// ReportStore emits store metrics using the provided logger and component name.
func ReportStore(log *logger.Log, component string, stats StoreStats) {
	l := log.WithComponent(component)

	errorRate := float64(0)
	if stats.FilesWritten+stats.ErrorsCount > 0 {
		errorRate = float64(stats.ErrorsCount) / float64(stats.FilesWritten+stats.ErrorsCount)
	}

	avgBytesPerFile := float64(0)
	if stats.FilesWritten > 0 {
		avgBytesPerFile = float64(stats.BytesWritten) / float64(stats.FilesWritten)
	}

	Record(log, component, "rows_written", stats.RowsWritten, "counter", logger.Fields{})
	Record(log, component, "files_written", stats.FilesWritten, "counter", logger.Fields{})
	Record(log, component, "bytes_written", stats.BytesWritten, "counter", logger.Fields{"unit": "bytes"})
	Record(log, component, "write_conflicts", stats.Conflicts, "counter", logger.Fields{})
	Record(log, component, "errors_count", stats.ErrorsCount, "counter", logger.Fields{})
	Record(log, component, "error_rate", errorRate, "gauge", logger.Fields{})
	Record(log, component, "avg_bytes_per_file", avgBytesPerFile, "gauge", logger.Fields{"unit": "bytes"})

	entry := l.WithFields(logger.Fields{
		"rows_written":       stats.RowsWritten,
		"files_written":      stats.FilesWritten,
		"bytes_written":      stats.BytesWritten,
		"write_conflicts":    stats.Conflicts,
		"errors_count":       stats.ErrorsCount,
		"error_rate":         errorRate,
		"avg_bytes_per_file": avgBytesPerFile,
	})

	if stats.ErrorsCount > 0 {
		entry.Warn(component + " metrics")
		return
	}

	entry.Info(component + " metrics")
}

// FetchStats holds the outcome counters of one fetch batch.
type FetchStats struct {
	SymbolsPlanned int
	SymbolsFetched int
	SymbolsSkipped int
	SymbolsFailed  int
	BarsFetched    int64
	ProviderCalls  int64
	Retries        int64
	Truncated      bool
}

// ReportFetch emits batch outcome metrics for the fetch orchestrator.
func ReportFetch(log *logger.Log, component string, stats FetchStats) {
	l := log.WithComponent(component)

	errorRate := float64(0)
	if stats.SymbolsFetched+stats.SymbolsFailed > 0 {
		errorRate = float64(stats.SymbolsFailed) / float64(stats.SymbolsFetched+stats.SymbolsFailed)
	}

	avgBarsPerSymbol := float64(0)
	if stats.SymbolsFetched > 0 {
		avgBarsPerSymbol = float64(stats.BarsFetched) / float64(stats.SymbolsFetched)
	}

	Record(log, component, "symbols_planned", stats.SymbolsPlanned, "counter", logger.Fields{})
	Record(log, component, "symbols_fetched", stats.SymbolsFetched, "counter", logger.Fields{})
	Record(log, component, "symbols_skipped", stats.SymbolsSkipped, "counter", logger.Fields{})
	Record(log, component, "symbols_failed", stats.SymbolsFailed, "counter", logger.Fields{})
	Record(log, component, "bars_fetched", stats.BarsFetched, "counter", logger.Fields{})
	Record(log, component, "provider_calls", stats.ProviderCalls, "counter", logger.Fields{})
	Record(log, component, "fetch_retries", stats.Retries, "counter", logger.Fields{})
	Record(log, component, "symbol_error_rate", errorRate, "gauge", logger.Fields{})
	Record(log, component, "avg_bars_per_symbol", avgBarsPerSymbol, "gauge", logger.Fields{})

	entry := l.WithFields(logger.Fields{
		"symbols_planned":     stats.SymbolsPlanned,
		"symbols_fetched":     stats.SymbolsFetched,
		"symbols_skipped":     stats.SymbolsSkipped,
		"symbols_failed":      stats.SymbolsFailed,
		"bars_fetched":        stats.BarsFetched,
		"provider_calls":      stats.ProviderCalls,
		"fetch_retries":       stats.Retries,
		"symbol_error_rate":   errorRate,
		"avg_bars_per_symbol": avgBarsPerSymbol,
		"truncated":           stats.Truncated,
	})

	if stats.SymbolsFailed > 0 || stats.Truncated {
		entry.Warn(component + " metrics")
		return
	}

	entry.Info(component + " metrics")
}
