package universe

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"barvault/internal/models"
	"barvault/logger"
)

// Store holds membership intervals in SQLite. A symbol may have several
// non-overlapping intervals (removal and re-entry); the table is rebuilt
// wholesale on universe refresh and never edited row by row.
type Store struct {
	db  *sql.DB
	log *logger.Log
}

// New opens the membership database at path, creating and migrating it if
// needed.
func New(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("universe: db path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, log: logger.GetLogger()}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	statements := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS membership (
			universe   TEXT NOT NULL,
			symbol     TEXT NOT NULL,
			start_date TEXT NOT NULL,
			end_date   TEXT,
			PRIMARY KEY (universe, symbol, start_date)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_membership_symbol ON membership(universe, symbol);`,
	}

	for _, statement := range statements {
		if _, err := s.db.Exec(statement); err != nil {
			return err
		}
	}

	return nil
}

// Lookup returns the membership intervals for symbol ordered by start date.
// An empty result is not an error: callers treat a symbol without membership
// rows as always a member.
func (s *Store) Lookup(ctx context.Context, universe, symbol string) ([]models.MembershipInterval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT start_date, end_date
		FROM membership
		WHERE universe = ? AND symbol = ?
		ORDER BY start_date
	`, universe, symbol)
	if err != nil {
		return nil, fmt.Errorf("lookup membership for %s: %w", symbol, err)
	}
	defer rows.Close()

	var intervals []models.MembershipInterval
	for rows.Next() {
		var startStr string
		var endStr sql.NullString
		if err := rows.Scan(&startStr, &endStr); err != nil {
			return nil, fmt.Errorf("scan membership row: %w", err)
		}

		start, err := parseDate(startStr)
		if err != nil {
			return nil, fmt.Errorf("membership row for %s: %w", symbol, err)
		}
		iv := models.MembershipInterval{
			Universe:  universe,
			Symbol:    symbol,
			StartDate: start,
		}
		if endStr.Valid && endStr.String != "" {
			end, err := parseDate(endStr.String)
			if err != nil {
				return nil, fmt.Errorf("membership row for %s: %w", symbol, err)
			}
			iv.EndDate = end
		}
		intervals = append(intervals, iv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return intervals, nil
}

// UnionWindow collapses all of symbol's intervals to their outer bounds: the
// earliest start and the latest end, open when any interval is open. ok is
// false when the universe has no rows for the symbol.
func (s *Store) UnionWindow(ctx context.Context, universe, symbol string) (models.Window, bool, error) {
	intervals, err := s.Lookup(ctx, universe, symbol)
	if err != nil || len(intervals) == 0 {
		return models.Window{}, false, err
	}

	w := models.Window{Start: intervals[0].StartDate}
	open := false
	for _, iv := range intervals {
		if iv.StartDate.Before(w.Start) {
			w.Start = iv.StartDate
		}
		if iv.Open() {
			open = true
			continue
		}
		if iv.EndDate.After(w.End) {
			w.End = iv.EndDate
		}
	}
	if open {
		w.End = time.Time{}
	}
	return w, true, nil
}

// Symbols returns the distinct members of universe, sorted.
func (s *Store) Symbols(ctx context.Context, universe string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT symbol
		FROM membership
		WHERE universe = ?
		ORDER BY symbol
	`, universe)
	if err != nil {
		return nil, fmt.Errorf("list universe %s: %w", universe, err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, fmt.Errorf("scan symbol row: %w", err)
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

// ReplaceUniverse rebuilds every interval of universe inside one transaction.
func (s *Store) ReplaceUniverse(ctx context.Context, universe string, intervals []models.MembershipInterval) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM membership WHERE universe = ?`, universe); err != nil {
		_ = tx.Rollback()
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO membership (universe, symbol, start_date, end_date)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(universe, symbol, start_date)
		DO UPDATE SET end_date = excluded.end_date
	`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for i := range intervals {
		iv := intervals[i]
		var end any
		if !iv.EndDate.IsZero() {
			end = iv.EndDate.UTC().Format(time.DateOnly)
		}
		_, err = stmt.ExecContext(
			ctx,
			universe,
			iv.Symbol,
			iv.StartDate.UTC().Format(time.DateOnly),
			end,
		)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return err
	}
	return nil
}

// ImportCSV loads `symbol,start_date,end_date` rows (empty end = open
// interval) from path and replaces universe with them. Returns the number of
// intervals imported.
func (s *Store) ImportCSV(ctx context.Context, universe, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open universe csv: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return 0, fmt.Errorf("read universe csv header: %w", err)
	}
	if len(header) < 2 || !strings.EqualFold(strings.TrimSpace(header[0]), "symbol") {
		return 0, fmt.Errorf("universe csv must start with a symbol,start_date,end_date header")
	}

	var intervals []models.MembershipInterval
	line := 1
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("read universe csv: %w", err)
		}
		line++
		if len(rec) < 2 {
			return 0, fmt.Errorf("universe csv line %d: want symbol,start_date,end_date", line)
		}

		iv := models.MembershipInterval{
			Universe: universe,
			Symbol:   strings.ToUpper(strings.TrimSpace(rec[0])),
		}
		iv.StartDate, err = parseDate(strings.TrimSpace(rec[1]))
		if err != nil {
			return 0, fmt.Errorf("universe csv line %d: %w", line, err)
		}
		if len(rec) > 2 && strings.TrimSpace(rec[2]) != "" {
			iv.EndDate, err = parseDate(strings.TrimSpace(rec[2]))
			if err != nil {
				return 0, fmt.Errorf("universe csv line %d: %w", line, err)
			}
		}
		intervals = append(intervals, iv)
	}

	if err := s.ReplaceUniverse(ctx, universe, intervals); err != nil {
		return 0, err
	}

	s.log.WithComponent("universe").WithFields(logger.Fields{
		"universe":  universe,
		"intervals": len(intervals),
		"file":      path,
	}).Info("universe imported")

	return len(intervals), nil
}

func parseDate(value string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD)", value)
	}
	return t, nil
}
