package writer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/shopspring/decimal"

	"cryptostream/config"
	"cryptostream/models"
)

type fakeUploader struct {
	mu      sync.Mutex
	keys    []string
	bodies  [][]byte
	meta    []map[string]string
	failure error
}

func (f *fakeUploader) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.failure != nil {
		return nil, f.failure
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, aws.ToString(in.Key))
	f.bodies = append(f.bodies, body)
	f.meta = append(f.meta, in.Metadata)
	return &s3.PutObjectOutput{}, nil
}

func testBook(exchange, symbol string, nonce int64) models.OrderBook {
	return models.OrderBook{
		Exchange:  exchange,
		Symbol:    symbol,
		Nonce:     nonce,
		Timestamp: time.Date(2024, 3, 9, 14, 5, 0, 0, time.UTC),
		Bids:      []models.Level{lv(100, 1), lv(99, 2), lv(98, 3)},
		Asks:      []models.Level{lv(101, 1), lv(102, 2)},
	}
}

func TestObjectKey(t *testing.T) {
	a := NewArchive(config.S3Config{Prefix: "/books/"}, "test", &fakeUploader{})
	ts := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	got := a.ObjectKey("okx", "BTC-USDT", ts, "0123456789abcdef")
	want := "books/exchange=okx/symbol=BTC-USDT/year=2024/month=03/day=09/hour=14/okx_BTC-USDT_book_20240309140507_01234567.parquet"
	if got != want {
		t.Fatalf("key = %s\nwant %s", got, want)
	}
}

func TestCaptureUsesTopLevels(t *testing.T) {
	a := NewArchive(config.S3Config{ArchiveDepth: 2}, "test", &fakeUploader{})
	a.store(testBook("binance", "BTCUSDT", 7))
	now := time.Date(2024, 3, 9, 14, 6, 0, 0, time.UTC)
	if n := a.Capture(now); n != 4 {
		t.Fatalf("captured %d records", n)
	}
	records := a.pending[bookKey("binance", "BTCUSDT")]
	if records[0].Side != "bid" || records[0].Level != 1 || records[0].Price != 100 || records[0].Nonce != 7 {
		t.Fatalf("first record %+v", records[0])
	}
	if records[3].Side != "ask" || records[3].Level != 2 || records[3].PriceText != "102" {
		t.Fatalf("last record %+v", records[3])
	}
	if records[0].Canonical != "BTCUSDT" {
		t.Fatalf("canonical symbol %q", records[0].Canonical)
	}
	if records[0].CapturedAt != now.UnixMilli() {
		t.Fatalf("captured at %d", records[0].CapturedAt)
	}
}

func TestFlushUploadsParquetPerSymbol(t *testing.T) {
	up := &fakeUploader{}
	a := NewArchive(config.S3Config{Bucket: "books", ArchiveDepth: 10, Compression: "snappy"}, "1.0.0", up)
	a.store(testBook("binance", "BTCUSDT", 1))
	a.store(testBook("okx", "ETH-USDT", 2))
	a.Capture(time.Now())
	a.Capture(time.Now())

	if err := a.Flush(context.Background(), "test"); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(up.keys) != 4 {
		t.Fatalf("uploads = %v", up.keys)
	}
	if !strings.Contains(up.keys[0], "exchange=binance/symbol=BTCUSDT") || !strings.Contains(up.keys[1], "exchange=okx/symbol=ETH-USDT") {
		t.Fatalf("keys = %v", up.keys)
	}
	if !strings.HasPrefix(up.keys[2], "metadata/manifest-") {
		t.Fatalf("manifest key = %s", up.keys[2])
	}
	if up.keys[3] != "metadata/metadata.json" {
		t.Fatalf("metadata key = %s", up.keys[3])
	}
	var entries []ManifestEntry
	if err := json.Unmarshal(up.bodies[2], &entries); err != nil || len(entries) != 2 {
		t.Fatalf("manifest %s: %v", up.bodies[2], err)
	}
	if entries[0].DataFile.Path != "s3://books/"+up.keys[0] || entries[0].DataFile.RecordCount != 10 {
		t.Fatalf("data file %+v", entries[0].DataFile)
	}
	var table TableMetadata
	if err := json.Unmarshal(up.bodies[3], &table); err != nil || len(table.Snapshots) != 1 || table.CurrentSnapshotID != table.Snapshots[0].SnapshotID {
		t.Fatalf("table metadata %s: %v", up.bodies[3], err)
	}
	for _, body := range up.bodies[:2] {
		if !bytes.HasPrefix(body, []byte("PAR1")) || !bytes.HasSuffix(body, []byte("PAR1")) {
			t.Fatal("body is not a parquet file")
		}
	}
	if up.meta[0]["cryptostream-version"] != "1.0.0" || up.meta[0]["batch-id"] == "" {
		t.Fatalf("metadata %v", up.meta[0])
	}

	if err := a.Flush(context.Background(), "test"); err != nil || len(up.keys) != 4 {
		t.Fatalf("empty flush uploaded: %v %v", up.keys, err)
	}
}

func TestFlushReportsUploadFailure(t *testing.T) {
	boom := errors.New("boom")
	a := NewArchive(config.S3Config{Bucket: "books"}, "test", &fakeUploader{failure: boom})
	a.store(testBook("binance", "BTCUSDT", 1))
	a.Capture(time.Now())
	if err := a.Flush(context.Background(), "test"); !errors.Is(err, boom) {
		t.Fatalf("expected upload error, got %v", err)
	}
	if len(a.pending) != 0 {
		t.Fatal("failed records should be discarded")
	}
}

func TestObserveDropsWhenFull(t *testing.T) {
	a := NewArchive(config.S3Config{ArchiveBuffer: 1}, "test", &fakeUploader{})
	if !a.Observe(testBook("binance", "BTCUSDT", 1)) {
		t.Fatal("first observe dropped")
	}
	if a.Observe(testBook("binance", "BTCUSDT", 2)) {
		t.Fatal("expected drop on full queue")
	}
}

func TestRunFlushesOnShutdown(t *testing.T) {
	up := &fakeUploader{}
	a := NewArchive(config.S3Config{Bucket: "books", ArchiveInterval: time.Hour, FlushInterval: time.Hour}, "test", up)
	ctx, cancel := context.WithCancel(context.Background())
	a.Observe(testBook("okx", "BTC-USDT", 3))
	cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(up.keys) != 3 {
		t.Fatalf("uploads = %v", up.keys)
	}
}

func TestTableLogSnapshotsIncrease(t *testing.T) {
	log := newTableLog("s3://books/orderbooks")
	log.maxKept = 2
	now := time.Unix(100, 0)
	var last int64
	for i := 0; i < 3; i++ {
		name, _, meta, err := log.commit([]DataFile{{Path: "s3://books/a.parquet"}}, now)
		if err != nil {
			t.Fatal(err)
		}
		var table TableMetadata
		if err := json.Unmarshal(meta, &table); err != nil {
			t.Fatal(err)
		}
		if table.CurrentSnapshotID <= last {
			t.Fatalf("snapshot id %d not after %d", table.CurrentSnapshotID, last)
		}
		last = table.CurrentSnapshotID
		if !strings.HasSuffix(name, ".json") || table.Location != "s3://books/orderbooks" {
			t.Fatalf("manifest %s table %+v", name, table)
		}
	}
	if len(log.snapshots) != 2 {
		t.Fatalf("kept %d snapshots", len(log.snapshots))
	}
}

func lv(price, size float64) models.Level {
	return models.Level{Price: decimal.NewFromFloat(price), Size: decimal.NewFromFloat(size)}
}
