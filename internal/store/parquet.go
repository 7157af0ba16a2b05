package store

import (
	"fmt"
	"os"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"

	"barvault/internal/models"
)

// readPartition decodes every row of a partition file. A file that opens but
// will not decode is reported as a CorruptPartitionError; a missing file
// surfaces as the plain open error so callers can test for os.ErrNotExist.
func readPartition(path string) ([]models.Bar, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("open partition %s: %w", path, err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, new(BarRecord), 4)
	if err != nil {
		return nil, &CorruptPartitionError{Path: path, Err: err}
	}
	defer pr.ReadStop()

	num := int(pr.GetNumRows())
	records := make([]BarRecord, num)
	if err := pr.Read(&records); err != nil {
		return nil, &CorruptPartitionError{Path: path, Err: err}
	}

	bars := make([]models.Bar, 0, len(records))
	for _, r := range records {
		bars = append(bars, r.toBar())
	}
	return bars, nil
}

// writePartition encodes bars to path and returns the resulting file size.
// Rows must already be sorted; the writer preserves input order so identical
// inputs produce identical files.
func writePartition(path string, bars []models.Bar, compression string, rowGroupMB int64) (int64, error) {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return 0, fmt.Errorf("create partition %s: %w", path, err)
	}

	pw, err := writer.NewParquetWriter(fw, new(BarRecord), 4)
	if err != nil {
		fw.Close()
		return 0, fmt.Errorf("create parquet writer: %w", err)
	}
	if rowGroupMB > 0 {
		pw.RowGroupSize = rowGroupMB * 1024 * 1024
	}

	switch compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	case "lzo":
		pw.CompressionType = parquet.CompressionCodec_LZO
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, b := range bars {
		if err := pw.Write(recordFromBar(b)); err != nil {
			pw.WriteStop()
			fw.Close()
			return 0, fmt.Errorf("write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		fw.Close()
		return 0, fmt.Errorf("finalize parquet file: %w", err)
	}
	if err := fw.Close(); err != nil {
		return 0, fmt.Errorf("close partition %s: %w", path, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat partition %s: %w", path, err)
	}
	return info.Size(), nil
}
