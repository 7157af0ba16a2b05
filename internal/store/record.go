package store

import (
	"time"

	"barvault/internal/models"
)

// BarRecord is the parquet row layout for archived bars. Dates and fetch
// timestamps are stored as unix milliseconds in UTC; the year column repeats
// the partition year so the files remain self-describing when queried outside
// the directory layout.
type BarRecord struct {
	Date      int64   `parquet:"name=date, type=INT64"`
	Symbol    string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Exchange  string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	DataKind  string  `parquet:"name=data_kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	Year      int32   `parquet:"name=year, type=INT32"`
	Open      float64 `parquet:"name=open, type=DOUBLE"`
	High      float64 `parquet:"name=high, type=DOUBLE"`
	Low       float64 `parquet:"name=low, type=DOUBLE"`
	Close     float64 `parquet:"name=close, type=DOUBLE"`
	Volume    float64 `parquet:"name=volume, type=DOUBLE"`
	Adjusted  bool    `parquet:"name=adjusted, type=BOOLEAN"`
	Source    string  `parquet:"name=source, type=BYTE_ARRAY, convertedtype=UTF8"`
	FetchedAt int64   `parquet:"name=fetched_at, type=INT64"`
}

func recordFromBar(b models.Bar) BarRecord {
	return BarRecord{
		Date:      b.Date.UTC().UnixMilli(),
		Symbol:    b.Symbol,
		Exchange:  b.Exchange,
		DataKind:  b.DataKind,
		Year:      int32(b.Year()),
		Open:      b.Open,
		High:      b.High,
		Low:       b.Low,
		Close:     b.Close,
		Volume:    b.Volume,
		Adjusted:  b.Adjusted,
		Source:    b.Source,
		FetchedAt: b.FetchedAt.UTC().UnixMilli(),
	}
}

func (r BarRecord) toBar() models.Bar {
	return models.Bar{
		Date:      time.UnixMilli(r.Date).UTC(),
		Symbol:    r.Symbol,
		Exchange:  r.Exchange,
		DataKind:  r.DataKind,
		Open:      r.Open,
		High:      r.High,
		Low:       r.Low,
		Close:     r.Close,
		Volume:    r.Volume,
		Adjusted:  r.Adjusted,
		Source:    r.Source,
		FetchedAt: time.UnixMilli(r.FetchedAt).UTC(),
	}
}
