package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"barvault/internal/models"
)

// partFileName is the fixed basename of every partition file. A rewrite
// replaces the file in place, so each partition directory holds exactly one
// part.
const partFileName = "part-000"

// PartitionKey identifies one partition file in the hive-style archive layout:
//
//	exchange={exchange}/symbol={symbol}/{data_kind}/freq={frequency}/adj={adjusted}/year={year}/part-000
type PartitionKey struct {
	Exchange  string
	Symbol    string
	DataKind  string
	Frequency models.Frequency
	Adjusted  bool
	Year      int
}

// FreqDir returns the directory that holds the year partitions for this
// symbol and frequency, relative to the archive root.
func (k PartitionKey) FreqDir() string {
	return filepath.Join(
		fmt.Sprintf("exchange=%s", k.Exchange),
		fmt.Sprintf("symbol=%s", k.Symbol),
		k.DataKind,
		fmt.Sprintf("freq=%s", k.Frequency),
		fmt.Sprintf("adj=%t", k.Adjusted),
	)
}

// Dir returns the partition directory relative to the archive root.
func (k PartitionKey) Dir() string {
	return filepath.Join(k.FreqDir(), fmt.Sprintf("year=%04d", k.Year))
}

// File returns the partition file path relative to the archive root.
func (k PartitionKey) File() string {
	return filepath.Join(k.Dir(), partFileName)
}

// MirrorKey returns the partition file path with forward slashes for S3.
func (k PartitionKey) MirrorKey() string {
	return filepath.ToSlash(k.File())
}

// YearGlob returns a pattern matching every year partition file for this key,
// relative to the archive root. Symbol may be "*" to span the whole scope.
func (k PartitionKey) YearGlob() string {
	return filepath.Join(k.FreqDir(), "year=*", partFileName)
}

// listYears returns the sorted partition years found under freqDir. Entries
// that do not follow the year={year} convention are ignored.
func listYears(freqDir string) ([]int, error) {
	entries, err := os.ReadDir(freqDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list partitions in %s: %w", freqDir, err)
	}

	var years []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rest, ok := strings.CutPrefix(e.Name(), "year=")
		if !ok {
			continue
		}
		y, err := strconv.Atoi(rest)
		if err != nil {
			continue
		}
		years = append(years, y)
	}
	sort.Ints(years)
	return years, nil
}
