// Package writer archives periodic top of book captures to S3 as parquet.
package writer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"cryptostream/config"
	"cryptostream/internal/metrics"
	"cryptostream/internal/symbols"
	"cryptostream/logger"
	"cryptostream/models"
)

// Archive keeps the latest book per symbol, captures its top levels every
// ArchiveInterval and uploads the buffered captures every FlushInterval.
type Archive struct {
	cfg      config.S3Config
	version  string
	uploader Uploader
	in       chan models.OrderBook
	log      *logger.Entry

	table    *tableLog

	mu      sync.Mutex
	latest  map[string]models.OrderBook
	pending map[string][]LevelRecord
}

func NewArchive(cfg config.S3Config, version string, uploader Uploader) *Archive {
	size := cfg.ArchiveBuffer
	if size <= 0 {
		size = 256
	}
	if cfg.ArchiveDepth <= 0 {
		cfg.ArchiveDepth = 20
	}
	return &Archive{
		cfg:      cfg,
		version:  version,
		uploader: uploader,
		in:       make(chan models.OrderBook, size),
		log:      logger.GetLogger().WithComponent("s3_archive").WithFields(logger.Fields{"bucket": cfg.Bucket}),
		table:    newTableLog(fmt.Sprintf("s3://%s/%s", cfg.Bucket, strings.Trim(cfg.Prefix, "/"))),
		latest:   make(map[string]models.OrderBook),
		pending:  make(map[string][]LevelRecord),
	}
}

func bookKey(exchange, symbol string) string { return exchange + "|" + symbol }

// Observe queues book without blocking. A full queue drops the book.
func (a *Archive) Observe(book models.OrderBook) bool {
	select {
	case a.in <- book:
		return true
	default:
		metrics.EmitDropMetric(logger.GetLogger(), metrics.DropMetricArchive, book.Exchange, book.Symbol)
		return false
	}
}

// Run consumes observed books until ctx is done, then captures and flushes
// once more so the last interval is not lost.
func (a *Archive) Run(ctx context.Context) error {
	captureInterval := a.cfg.ArchiveInterval
	if captureInterval <= 0 {
		captureInterval = time.Minute
	}
	flushInterval := a.cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 5 * time.Minute
	}
	capture := time.NewTicker(captureInterval)
	defer capture.Stop()
	flush := time.NewTicker(flushInterval)
	defer flush.Stop()

	a.log.WithFields(logger.Fields{"capture_interval": captureInterval.String(), "flush_interval": flushInterval.String()}).Info("archive started")
	for {
		select {
		case <-ctx.Done():
			a.drain()
			a.Capture(time.Now())
			err := a.Flush(context.WithoutCancel(ctx), "shutdown")
			a.log.Info("archive stopped")
			return err
		case book := <-a.in:
			a.store(book)
		case now := <-capture.C:
			a.Capture(now)
		case <-flush.C:
			a.Flush(ctx, "interval")
		}
	}
}

func (a *Archive) drain() {
	for {
		select {
		case book := <-a.in:
			a.store(book)
		default:
			return
		}
	}
}

func (a *Archive) store(book models.OrderBook) {
	a.mu.Lock()
	a.latest[bookKey(book.Exchange, book.Symbol)] = book
	a.mu.Unlock()
}

// Capture converts the latest book of every symbol into level records. Books
// not updated since the previous capture are captured again. It returns the
// number of records added.
func (a *Archive) Capture(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for key, book := range a.latest {
		records := captureRecords(book.Top(a.cfg.ArchiveDepth), now)
		a.pending[key] = append(a.pending[key], records...)
		n += len(records)
	}
	return n
}

func captureRecords(book models.OrderBook, now time.Time) []LevelRecord {
	records := make([]LevelRecord, 0, len(book.Bids)+len(book.Asks))
	canonical := symbols.Canonical(book.Exchange, book.Symbol)
	add := func(side string, levels []models.Level) {
		for i, l := range levels {
			records = append(records, LevelRecord{
				Exchange:     book.Exchange,
				Symbol:       book.Symbol,
				Canonical:    canonical,
				CapturedAt:   now.UnixMilli(),
				Timestamp:    book.Timestamp.UnixMilli(),
				Nonce:        book.Nonce,
				Side:         side,
				Level:        int32(i + 1),
				Price:        l.Price.InexactFloat64(),
				Quantity:     l.Size.InexactFloat64(),
				PriceText:    l.PriceString(),
				QuantityText: l.SizeString(),
			})
		}
	}
	add("bid", book.Bids)
	add("ask", book.Asks)
	return records
}

// Flush uploads one parquet object per symbol with pending records, then
// commits the uploaded objects as a new table snapshot. Failed uploads are
// logged and their records discarded.
func (a *Archive) Flush(ctx context.Context, reason string) error {
	a.mu.Lock()
	pending := a.pending
	a.pending = make(map[string][]LevelRecord)
	a.mu.Unlock()

	keys := make([]string, 0, len(pending))
	for k, records := range pending {
		if len(records) > 0 {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	sort.Strings(keys)
	a.log.WithFields(logger.Fields{"symbols": len(keys), "reason": reason}).Info("flushing captures")

	var errList []error
	files := make([]DataFile, 0, len(keys))
	for _, k := range keys {
		df, err := a.upload(ctx, pending[k])
		if err != nil {
			errList = append(errList, err)
			continue
		}
		files = append(files, df)
	}
	if len(files) > 0 {
		if err := a.commit(ctx, files); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

func (a *Archive) upload(ctx context.Context, records []LevelRecord) (DataFile, error) {
	first := records[0]
	batchID := uuid.New().String()
	ts := time.UnixMilli(first.CapturedAt).UTC()
	key := a.ObjectKey(first.Exchange, first.Symbol, ts, batchID)
	log := a.log.WithFields(logger.Fields{"s3_key": key, "records": len(records), "batch_id": batchID})

	data, err := encodeParquet(records, a.cfg.Compression)
	if err != nil {
		log.WithError(err).Error("failed to create parquet file")
		return DataFile{}, err
	}

	start := time.Now()
	if err := a.put(ctx, key, data, "parquet", batchID); err != nil {
		log.WithError(err).Error("failed to upload to S3")
		return DataFile{}, err
	}
	logger.LogPerformanceEntry(log, "s3_archive", "upload", time.Since(start), logger.Fields{"file_size": len(data)})
	logger.IncrementArchiveWrite(int64(len(data)))
	return DataFile{
		Path:        fmt.Sprintf("s3://%s/%s", a.cfg.Bucket, key),
		FileSize:    int64(len(data)),
		RecordCount: int64(len(records)),
		Partition: map[string]any{
			"exchange": first.Exchange,
			"symbol":   first.Symbol,
			"date":     ts.Format("2006-01-02"),
			"hour":     ts.Hour(),
		},
	}, nil
}

// commit uploads the manifest of files and the refreshed table metadata.
func (a *Archive) commit(ctx context.Context, files []DataFile) error {
	name, manifest, meta, err := a.table.commit(files, time.Now())
	if err != nil {
		return fmt.Errorf("encode table metadata: %w", err)
	}
	prefix := path.Join(strings.Trim(a.cfg.Prefix, "/"), "metadata")
	if err := a.put(ctx, path.Join(prefix, name), manifest, "json", ""); err != nil {
		a.log.WithError(err).Error("failed to upload manifest")
		return err
	}
	if err := a.put(ctx, path.Join(prefix, "metadata.json"), meta, "json", ""); err != nil {
		a.log.WithError(err).Error("failed to upload table metadata")
		return err
	}
	a.log.WithFields(logger.Fields{"manifest": name, "files": len(files)}).Debug("table snapshot committed")
	return nil
}

func (a *Archive) put(ctx context.Context, key string, data []byte, kind, batchID string) error {
	meta := map[string]string{
		"content-type":         kind,
		"cryptostream-version": a.version,
	}
	if kind == "parquet" {
		meta["compression"] = a.cfg.Compression
	}
	if batchID != "" {
		meta["batch-id"] = batchID
	}
	contentType := "application/octet-stream"
	if kind == "json" {
		contentType = "application/json"
	}
	_, err := a.uploader.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata:    meta,
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", a.cfg.Bucket, err)
	}
	return nil
}

// ObjectKey partitions objects by exchange, symbol and capture hour.
func (a *Archive) ObjectKey(exchange, symbol string, ts time.Time, batchID string) string {
	short := batchID
	if len(short) > 8 {
		short = short[:8]
	}
	filename := fmt.Sprintf("%s_%s_book_%s_%s.parquet", exchange, symbol, ts.Format("20060102150405"), short)
	return path.Join(
		strings.Trim(a.cfg.Prefix, "/"),
		"exchange="+exchange,
		"symbol="+symbol,
		fmt.Sprintf("year=%04d", ts.Year()),
		fmt.Sprintf("month=%02d", ts.Month()),
		fmt.Sprintf("day=%02d", ts.Day()),
		fmt.Sprintf("hour=%02d", ts.Hour()),
		filename,
	)
}
