package writer

import (
	"bytes"
	"fmt"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"
)

// LevelRecord is one price level of one captured book.
type LevelRecord struct {
	Exchange     string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol       string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Canonical    string  `parquet:"name=canonical_symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	CapturedAt   int64   `parquet:"name=captured_at, type=INT64"`
	Timestamp    int64   `parquet:"name=timestamp, type=INT64"`
	Nonce        int64   `parquet:"name=nonce, type=INT64"`
	Side         string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Level        int32   `parquet:"name=level, type=INT32"`
	Price        float64 `parquet:"name=price, type=DOUBLE"`
	Quantity     float64 `parquet:"name=quantity, type=DOUBLE"`
	PriceText    string  `parquet:"name=price_text, type=BYTE_ARRAY, convertedtype=UTF8"`
	QuantityText string  `parquet:"name=quantity_text, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// memFile is a write-only in-memory parquet target.
type memFile struct {
	buf *bytes.Buffer
}

func newMemFile() *memFile { return &memFile{buf: &bytes.Buffer{}} }

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }

// Seek reports the current size; the writer only appends.
func (m *memFile) Seek(int64, int) (int64, error) { return int64(m.buf.Len()), nil }

func (m *memFile) Read(b []byte) (int, error)  { return m.buf.Read(b) }
func (m *memFile) Write(b []byte) (int, error) { return m.buf.Write(b) }
func (m *memFile) Close() error                { return nil }
func (m *memFile) Bytes() []byte               { return m.buf.Bytes() }

func compressionCodec(name string) parquet.CompressionCodec {
	switch name {
	case "snappy":
		return parquet.CompressionCodec_SNAPPY
	case "gzip":
		return parquet.CompressionCodec_GZIP
	case "zstd":
		return parquet.CompressionCodec_ZSTD
	default:
		return parquet.CompressionCodec_UNCOMPRESSED
	}
}

// encodeParquet writes records into an in-memory parquet file.
func encodeParquet(records []LevelRecord, compression string) ([]byte, error) {
	fw := newMemFile()
	pw, err := writer.NewParquetWriter(fw, new(LevelRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = compressionCodec(compression)
	for _, r := range records {
		if err := pw.Write(r); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.Bytes(), nil
}
