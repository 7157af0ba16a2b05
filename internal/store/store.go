package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	appconfig "barvault/config"
	"barvault/internal/metadata"
	"barvault/internal/models"
	"barvault/logger"
)

// writeAttempts bounds the read-merge-write cycle when a partition file
// changes underneath us between the merge read and the commit rename.
const writeAttempts = 3

// ConflictError reports that a partition file was modified on disk by a
// writer outside this process while a merge was in flight.
type ConflictError struct {
	Path string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("partition %s changed during write", e.Path)
}

// IsConflict reports whether err is a partition write conflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// CorruptPartitionError reports a partition file that exists on disk but
// cannot be decoded. Unlike a missing file, which just means no data yet,
// a corrupt file means the archive itself is damaged and rewriting around
// it would compound the problem.
type CorruptPartitionError struct {
	Path string
	Err  error
}

func (e *CorruptPartitionError) Error() string {
	return fmt.Sprintf("partition %s is corrupt: %v", e.Path, e.Err)
}

func (e *CorruptPartitionError) Unwrap() error { return e.Err }

// IsCorrupt reports whether err indicates a corrupt partition file.
func IsCorrupt(err error) bool {
	var ce *CorruptPartitionError
	return errors.As(err, &ce)
}

// fileSnapshot captures the on-disk identity of a partition file at merge
// read time. Size plus modification time is enough to catch external rewrites
// between read and rename.
type fileSnapshot struct {
	exists  bool
	size    int64
	modTime time.Time
}

func snapshotOf(info os.FileInfo) fileSnapshot {
	return fileSnapshot{exists: true, size: info.Size(), modTime: info.ModTime()}
}

func (s fileSnapshot) changed(info os.FileInfo, statErr error) bool {
	if os.IsNotExist(statErr) {
		return s.exists
	}
	if statErr != nil {
		return true
	}
	if !s.exists {
		return true
	}
	return info.Size() != s.size || !info.ModTime().Equal(s.modTime)
}

// WriteResult summarises one WriteBars call.
type WriteResult struct {
	Rows      int   // incoming rows applied after dedup
	Files     int   // partition files rewritten
	Bytes     int64 // combined size of the rewritten files
	Conflicts int   // conflict retries across all partitions
}

// Store is the partitioned parquet archive. Writes are merge-replace: the
// year partition is read, deduplicated against the incoming rows with the
// newer row winning, sorted, and atomically swapped in via a temp file
// rename. In-process writers serialise on per-partition mutexes; external
// writers are caught by a stat snapshot check before the rename.
type Store struct {
	config   *appconfig.Config
	root     string
	dataKind string
	adjusted bool
	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	log      *logger.Log
	metaGen  *metadata.Generator
	mirror   *Mirror
}

// NewStore builds the archive store rooted at cfg.Archive.Root, creating the
// root directory if needed.
func NewStore(cfg *appconfig.Config) (*Store, error) {
	log := logger.GetLogger()

	if err := os.MkdirAll(cfg.Archive.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create archive root: %w", err)
	}

	s := &Store{
		config:   cfg,
		root:     cfg.Archive.Root,
		dataKind: cfg.Archive.DataKind,
		adjusted: cfg.Archive.Adjusted,
		locks:    make(map[string]*sync.Mutex),
		log:      log,
	}

	if cfg.Archive.Manifest {
		s.metaGen = metadata.NewGenerator(cfg.Archive.Root, cfg.Archive.DataKind)
		if err := s.metaGen.WriteCatalogEntry(filepath.Join(cfg.Archive.Root, "_catalog")); err != nil {
			log.WithComponent("store").WithError(err).Warn("failed to write catalog entry")
		}
	}

	if cfg.Archive.S3.Enabled {
		mirror, err := NewMirror(cfg)
		if err != nil {
			return nil, err
		}
		s.mirror = mirror
	}

	log.WithComponent("store").WithFields(logger.Fields{
		"root":      s.root,
		"data_kind": s.dataKind,
		"adjusted":  s.adjusted,
		"mirror":    s.mirror != nil,
	}).Info("archive store initialized")

	return s, nil
}

// Key builds the partition key for one symbol year in this archive.
func (s *Store) Key(exchange, symbol string, freq models.Frequency, year int) PartitionKey {
	return PartitionKey{
		Exchange:  exchange,
		Symbol:    symbol,
		DataKind:  s.dataKind,
		Frequency: freq,
		Adjusted:  s.adjusted,
		Year:      year,
	}
}

func (s *Store) partitionLock(rel string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[rel]
	if !ok {
		l = &sync.Mutex{}
		s.locks[rel] = l
	}
	return l
}

// WriteBars merges bars into their year partitions for one symbol. Bars may
// span years; each year is committed independently, so a failure leaves
// earlier years durable.
func (s *Store) WriteBars(ctx context.Context, exchange, symbol string, freq models.Frequency, bars []models.Bar) (WriteResult, error) {
	var res WriteResult
	if len(bars) == 0 {
		return res, nil
	}

	byYear := make(map[int][]models.Bar)
	for _, b := range bars {
		byYear[b.Year()] = append(byYear[b.Year()], b)
	}
	years := make([]int, 0, len(byYear))
	for y := range byYear {
		years = append(years, y)
	}
	sort.Ints(years)

	for _, y := range years {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		rows, size, conflicts, err := s.mergeCommit(ctx, s.Key(exchange, symbol, freq, y), byYear[y])
		res.Conflicts += conflicts
		if err != nil {
			return res, err
		}
		res.Rows += rows
		res.Files++
		res.Bytes += size
	}
	return res, nil
}

func (s *Store) mergeCommit(ctx context.Context, key PartitionKey, incoming []models.Bar) (int, int64, int, error) {
	rel := key.File()
	lock := s.partitionLock(rel)
	lock.Lock()
	defer lock.Unlock()

	path := filepath.Join(s.root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, 0, 0, fmt.Errorf("create partition dir: %w", err)
	}

	log := s.log.WithComponent("store").WithFields(logger.Fields{
		"partition": rel,
		"incoming":  len(incoming),
	})

	conflicts := 0
	for attempt := 1; attempt <= writeAttempts; attempt++ {
		snap := fileSnapshot{}
		var existing []models.Bar
		info, statErr := os.Stat(path)
		if statErr == nil {
			snap = snapshotOf(info)
			var err error
			existing, err = readPartition(path)
			if err != nil {
				return 0, 0, conflicts, err
			}
		} else if !os.IsNotExist(statErr) {
			return 0, 0, conflicts, fmt.Errorf("stat partition %s: %w", path, statErr)
		}

		merged, applied := mergeBars(existing, incoming)

		tmp := filepath.Join(filepath.Dir(path), fmt.Sprintf(".%s.%s.tmp", partFileName, uuid.NewString()[:8]))
		size, err := writePartition(tmp, merged, s.config.Archive.Compression, s.config.Archive.RowGroupMB)
		if err != nil {
			os.Remove(tmp)
			return 0, 0, conflicts, err
		}

		curInfo, curErr := os.Stat(path)
		if snap.changed(curInfo, curErr) {
			os.Remove(tmp)
			conflicts++
			logger.IncrementStoreConflict()
			log.WithFields(logger.Fields{"attempt": attempt}).Warn("partition changed during write, retrying merge")
			if attempt == writeAttempts {
				return 0, 0, conflicts, &ConflictError{Path: rel}
			}
			continue
		}

		if err := os.Rename(tmp, path); err != nil {
			os.Remove(tmp)
			return 0, 0, conflicts, fmt.Errorf("commit partition %s: %w", path, err)
		}

		logger.IncrementRowsWritten(applied, size)
		log.WithFields(logger.Fields{
			"rows_total":   len(merged),
			"rows_applied": applied,
			"file_size":    size,
			"attempt":      attempt,
		}).Info("partition committed")

		s.recordCommit(ctx, key, path, size, int64(len(merged)))
		return applied, size, conflicts, nil
	}

	return 0, 0, conflicts, &ConflictError{Path: rel}
}

// mergeBars unions existing and incoming rows keyed by (date, symbol,
// data_kind), incoming winning on duplicates, and returns the union sorted by
// that key. The second result counts distinct incoming keys, which is the
// number of rows added or replaced.
func mergeBars(existing, incoming []models.Bar) ([]models.Bar, int) {
	byKey := make(map[models.BarKey]models.Bar, len(existing)+len(incoming))
	for _, b := range existing {
		byKey[b.Key()] = b
	}

	applied := 0
	seen := make(map[models.BarKey]struct{}, len(incoming))
	for _, b := range incoming {
		byKey[b.Key()] = b
		if _, dup := seen[b.Key()]; !dup {
			seen[b.Key()] = struct{}{}
			applied++
		}
	}

	merged := make([]models.Bar, 0, len(byKey))
	for _, b := range byKey {
		merged = append(merged, b)
	}
	sort.Slice(merged, func(i, j int) bool {
		if !merged[i].Date.Equal(merged[j].Date) {
			return merged[i].Date.Before(merged[j].Date)
		}
		if merged[i].Symbol != merged[j].Symbol {
			return merged[i].Symbol < merged[j].Symbol
		}
		return merged[i].DataKind < merged[j].DataKind
	})
	return merged, applied
}

func (s *Store) recordCommit(ctx context.Context, key PartitionKey, path string, size, records int64) {
	if s.metaGen != nil {
		df := metadata.DataFile{
			Path:        key.MirrorKey(),
			FileSize:    size,
			RecordCount: records,
			Partition: map[string]any{
				"exchange": key.Exchange,
				"symbol":   key.Symbol,
				"freq":     string(key.Frequency),
				"adj":      key.Adjusted,
				"year":     key.Year,
			},
			Timestamp: time.Now().UTC(),
		}
		if err := s.metaGen.AddFile(df); err != nil {
			s.log.WithComponent("store").WithError(err).Warn("failed to update archive metadata")
		}
	}

	if s.mirror != nil {
		data, err := os.ReadFile(path)
		if err != nil {
			s.log.WithComponent("store").WithError(err).Warn("failed to read partition for mirror")
			return
		}
		if err := s.mirror.Upload(ctx, key.MirrorKey(), data); err != nil {
			s.log.WithComponent("store").WithError(err).
				WithEnv("S3_BUCKET").
				WithFields(logger.Fields{"partition": key.File()}).
				Warn("failed to mirror partition")
		}
	}
}

// ReadRange returns the archived bars for symbol with dates inside
// [start, end], sorted by date ascending.
func (s *Store) ReadRange(ctx context.Context, exchange, symbol string, freq models.Frequency, start, end time.Time) ([]models.Bar, error) {
	freqDir := filepath.Join(s.root, s.Key(exchange, symbol, freq, 0).FreqDir())
	years, err := listYears(freqDir)
	if err != nil {
		return nil, err
	}

	var out []models.Bar
	for _, y := range years {
		if y < start.Year() || y > end.Year() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bars, err := readPartition(filepath.Join(s.root, s.Key(exchange, symbol, freq, y).File()))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		for _, b := range bars {
			if b.Date.Before(start) || b.Date.After(end) {
				continue
			}
			out = append(out, b)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// ExistingRange reports the archived date span for symbol. Only the earliest
// and latest year partitions are read; interior years are assumed covered, so
// interior gaps are the coverage checker's problem, not the store's.
func (s *Store) ExistingRange(ctx context.Context, exchange, symbol string, freq models.Frequency) (models.Window, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Window{}, false, err
	}
	freqDir := filepath.Join(s.root, s.Key(exchange, symbol, freq, 0).FreqDir())
	years, err := listYears(freqDir)
	if err != nil {
		return models.Window{}, false, err
	}
	if len(years) == 0 {
		return models.Window{}, false, nil
	}

	first, err := readPartition(filepath.Join(s.root, s.Key(exchange, symbol, freq, years[0]).File()))
	if err != nil {
		return models.Window{}, false, err
	}
	last := first
	if years[len(years)-1] != years[0] {
		last, err = readPartition(filepath.Join(s.root, s.Key(exchange, symbol, freq, years[len(years)-1]).File()))
		if err != nil {
			return models.Window{}, false, err
		}
	}
	if len(first) == 0 || len(last) == 0 {
		return models.Window{}, false, nil
	}

	w := models.Window{Start: first[0].Date, End: last[0].Date}
	for _, b := range first {
		if b.Date.Before(w.Start) {
			w.Start = b.Date
		}
	}
	for _, b := range last {
		if b.Date.After(w.End) {
			w.End = b.Date
		}
	}
	return w, true, nil
}

// Root returns the archive root directory.
func (s *Store) Root() string { return s.root }
