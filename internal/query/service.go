// Package query provides read-side analytics over the partitioned archive
// without touching the write path.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	appconfig "barvault/config"
	"barvault/internal/models"
	"barvault/internal/store"
	"barvault/logger"
)

// SymbolSpan summarises one symbol's archived rows within the service scope.
type SymbolSpan struct {
	Symbol   string    `json:"symbol"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	RowCount int64     `json:"row_count"`
}

// Stats holds query statistics.
type Stats struct {
	QueriesExecuted int64
	RowsReturned    int64
	Errors          int64
}

// Service runs DuckDB queries over the partition files of one
// (exchange, data_kind, frequency, adjusted) scope. The database is
// in-memory and parquet files are read on demand, so the service sees every
// committed write without cache invalidation.
type Service struct {
	db       *sql.DB
	root     string
	exchange string
	dataKind string
	freq     models.Frequency
	adjusted bool
	log      *logger.Log

	queries int64
	rows    int64
	errors  int64
}

// New opens an in-memory DuckDB scoped to the configured archive.
func New(cfg *appconfig.Config) (*Service, error) {
	freq, err := models.ParseFrequency(cfg.Fetch.Frequency)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if cfg.Query.MemoryLimit != "" {
		if _, err := db.Exec(fmt.Sprintf("SET memory_limit='%s'", cfg.Query.MemoryLimit)); err != nil {
			db.Close()
			return nil, fmt.Errorf("set memory limit: %w", err)
		}
	}

	log := logger.GetLogger()
	log.WithComponent("query").WithFields(logger.Fields{
		"root":         cfg.Archive.Root,
		"exchange":     cfg.Source.Exchange,
		"frequency":    string(freq),
		"memory_limit": cfg.Query.MemoryLimit,
	}).Info("query service initialized")

	return &Service{
		db:       db,
		root:     cfg.Archive.Root,
		exchange: cfg.Source.Exchange,
		dataKind: cfg.Archive.DataKind,
		freq:     freq,
		adjusted: cfg.Archive.Adjusted,
		log:      log,
	}, nil
}

// Close releases the underlying database.
func (s *Service) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// partGlob returns the read_parquet pattern for one symbol; "*" spans every
// symbol in the scope.
func (s *Service) partGlob(symbol string) string {
	key := store.PartitionKey{
		Exchange:  s.exchange,
		Symbol:    symbol,
		DataKind:  s.dataKind,
		Frequency: s.freq,
		Adjusted:  s.adjusted,
	}
	return filepath.Join(s.root, key.YearGlob())
}

// Bars returns the archived bars for symbol with dates inside [start, end],
// ordered by date. A symbol with no partitions on disk reads as empty.
func (s *Service) Bars(ctx context.Context, symbol string, start, end time.Time) ([]models.Bar, error) {
	const q = `
		SELECT date, symbol, exchange, data_kind, open, high, low, close, volume, adjusted, source, fetched_at
		FROM read_parquet($1)
		WHERE date >= $2 AND date <= $3
		ORDER BY date
	`

	rows, err := s.db.QueryContext(ctx, q,
		s.partGlob(symbol),
		models.Midnight(start).UnixMilli(),
		models.Midnight(end).UnixMilli(),
	)
	if err != nil {
		s.log.WithComponent("query").WithError(err).WithFields(logger.Fields{
			"symbol": symbol,
		}).Debug("bar query matched no partitions")
		return nil, nil
	}
	defer rows.Close()

	var out []models.Bar
	for rows.Next() {
		var (
			b       models.Bar
			dateMs  int64
			fetched int64
		)
		if err := rows.Scan(&dateMs, &b.Symbol, &b.Exchange, &b.DataKind,
			&b.Open, &b.High, &b.Low, &b.Close, &b.Volume,
			&b.Adjusted, &b.Source, &fetched); err != nil {
			atomic.AddInt64(&s.errors, 1)
			return nil, fmt.Errorf("scan bar row: %w", err)
		}
		b.Date = time.UnixMilli(dateMs).UTC()
		b.FetchedAt = time.UnixMilli(fetched).UTC()
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		atomic.AddInt64(&s.errors, 1)
		return nil, err
	}

	atomic.AddInt64(&s.queries, 1)
	atomic.AddInt64(&s.rows, int64(len(out)))
	return out, nil
}

// CoverageSummary reports per-symbol date span and row count across the whole
// scope. An empty archive reads as an empty summary.
func (s *Service) CoverageSummary(ctx context.Context) ([]SymbolSpan, error) {
	const q = `
		SELECT symbol, min(date), max(date), count(*)
		FROM read_parquet($1)
		GROUP BY symbol
		ORDER BY symbol
	`

	rows, err := s.db.QueryContext(ctx, q, s.partGlob("*"))
	if err != nil {
		s.log.WithComponent("query").WithError(err).Debug("coverage query matched no partitions")
		return nil, nil
	}
	defer rows.Close()

	var out []SymbolSpan
	for rows.Next() {
		var (
			span  SymbolSpan
			minMs int64
			maxMs int64
		)
		if err := rows.Scan(&span.Symbol, &minMs, &maxMs, &span.RowCount); err != nil {
			atomic.AddInt64(&s.errors, 1)
			return nil, fmt.Errorf("scan coverage row: %w", err)
		}
		span.Start = time.UnixMilli(minMs).UTC()
		span.End = time.UnixMilli(maxMs).UTC()
		out = append(out, span)
	}
	if err := rows.Err(); err != nil {
		atomic.AddInt64(&s.errors, 1)
		return nil, err
	}

	atomic.AddInt64(&s.queries, 1)
	atomic.AddInt64(&s.rows, int64(len(out)))
	return out, nil
}

// ExecuteSQL runs a raw query and returns generic rows for operator ad-hoc
// use.
func (s *Service) ExecuteSQL(ctx context.Context, query string) ([]map[string]interface{}, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		atomic.AddInt64(&s.errors, 1)
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}

	atomic.AddInt64(&s.queries, 1)
	atomic.AddInt64(&s.rows, int64(len(results)))
	return results, rows.Err()
}

// Stats returns cumulative query statistics.
func (s *Service) Stats() Stats {
	return Stats{
		QueriesExecuted: atomic.LoadInt64(&s.queries),
		RowsReturned:    atomic.LoadInt64(&s.rows),
		Errors:          atomic.LoadInt64(&s.errors),
	}
}
