// Package orderbook merges snapshots and incremental deltas into one
// consistent book per symbol, enforcing nonce ordering and exchange checksums.
package orderbook

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"cryptostream/config"
	"cryptostream/internal/errs"
	"cryptostream/internal/metrics"
	"cryptostream/logger"
	"cryptostream/models"
)

// NonceMode selects how a delta's sequence id is checked against the book.
type NonceMode string

const (
	// NonceContiguous requires the delta to start at book nonce + 1. Batched
	// deltas may overlap as long as they end past the book nonce.
	NonceContiguous NonceMode = "contiguous"
	// NonceMonotonic only requires a strictly greater nonce.
	NonceMonotonic NonceMode = "monotonic"
	// NoncePrevious requires the delta's PrevNonce to equal the book nonce.
	NoncePrevious NonceMode = "previous"
	NonceNone     NonceMode = "none"
)

// TrimPolicy orders the depth trim relative to checksum verification.
type TrimPolicy string

const (
	TrimBeforeChecksum TrimPolicy = "trim_before_checksum"
	TrimAfterChecksum  TrimPolicy = "trim_after_checksum"
)

// Status is the sync state of one symbol's book.
type Status int

const (
	Uninitialized Status = iota
	Synced
	Desynced
)

func (s Status) String() string {
	switch s {
	case Synced:
		return "synced"
	case Desynced:
		return "desynced"
	default:
		return "uninitialized"
	}
}

// ErrBuffered is returned for deltas cached while a book awaits its snapshot.
var ErrBuffered = errors.New("delta buffered until snapshot")

// Config holds the exchange-specific book policy.
type Config struct {
	Depth      int
	NonceMode  NonceMode
	TrimPolicy TrimPolicy
	Checksum   Checksummer
	CacheLimit int
}

// ConfigFrom builds an engine Config from the yaml orderbook section.
func ConfigFrom(cfg config.OrderBookConfig) (Config, error) {
	sum, err := NewChecksummer(cfg.Checksum, cfg.ChecksumDepth)
	if err != nil {
		return Config{}, err
	}
	out := Config{
		Depth:      cfg.Depth,
		NonceMode:  NonceMode(cfg.NonceMode),
		TrimPolicy: TrimPolicy(cfg.TrimPolicy),
		Checksum:   sum,
		CacheLimit: cfg.CacheLimit,
	}
	if out.NonceMode == "" {
		out.NonceMode = NonceContiguous
	}
	if out.TrimPolicy == "" {
		out.TrimPolicy = TrimAfterChecksum
	}
	return out, nil
}

type book struct {
	bids   side
	asks   side
	nonce  int64
	ts     time.Time
	status Status
	cache  []models.Delta
}

// Engine owns the books of one exchange. Each symbol must be written from a
// single goroutine; readers receive copies.
type Engine struct {
	exchange string
	cfg      Config
	log      *logger.Entry

	mu    sync.RWMutex
	books map[string]*book
}

// NewEngine creates an engine for exchange.
func NewEngine(exchange string, cfg Config) *Engine {
	if cfg.NonceMode == "" {
		cfg.NonceMode = NonceContiguous
	}
	if cfg.TrimPolicy == "" {
		cfg.TrimPolicy = TrimAfterChecksum
	}
	return &Engine{
		exchange: exchange,
		cfg:      cfg,
		log:      logger.GetLogger().WithComponent("orderbook").WithFields(logger.Fields{"exchange": exchange}),
		books:    make(map[string]*book),
	}
}

// Exchange returns the exchange id the engine was built for.
func (e *Engine) Exchange() string { return e.exchange }

func (e *Engine) bookLocked(symbol string) *book {
	b, ok := e.books[symbol]
	if !ok {
		b = &book{bids: newSide(true), asks: newSide(false)}
		e.books[symbol] = b
	}
	return b
}

// ApplySnapshot replaces the book for s.Symbol and marks it synced. Deltas
// cached while the book was uninitialized are replayed on top; cached deltas
// at or below the snapshot nonce are skipped. When the cache does not connect
// to the snapshot the cache is kept, the book stays uninitialized and a
// DesyncError wrapping ErrNonceGap is returned so the caller can fetch a newer
// snapshot.
func (e *Engine) ApplySnapshot(s models.Snapshot) (models.OrderBook, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b := e.bookLocked(s.Symbol)
	pending := pendingAfter(b.cache, s.Nonce)
	if len(pending) > 0 && s.Nonce != 0 {
		if err := e.checkOverlap(s.Symbol, s.Nonce, pending[0]); err != nil {
			b.status = Uninitialized
			return models.OrderBook{}, err
		}
	}

	b.bids.replace(s.Bids)
	b.asks.replace(s.Asks)
	b.nonce = s.Nonce
	b.ts = s.Timestamp
	b.cache = nil
	b.status = Synced

	if err := e.verify(s.Symbol, b, s.Checksum, s.HasChecksum); err != nil {
		return models.OrderBook{}, e.desyncLocked(s.Symbol, b, err)
	}

	for i, d := range pending {
		var err error
		if i == 0 {
			err = e.mutate(b, d)
		} else {
			err = e.applyLocked(b, d)
		}
		if err != nil {
			return models.OrderBook{}, e.desyncLocked(s.Symbol, b, err)
		}
	}
	e.log.WithFields(logger.Fields{"symbol": s.Symbol, "nonce": b.nonce, "replayed": len(pending)}).Debug("snapshot applied")
	return e.viewLocked(s.Symbol, b), nil
}

// ApplyDelta merges d into its symbol's book. While the book awaits a snapshot
// the delta is cached and ErrBuffered returned. A desynced book rejects every
// delta with ErrNotSynced until Reset and a new snapshot. Nonce gaps,
// duplicates and checksum mismatches desync the book and return a DesyncError.
func (e *Engine) ApplyDelta(d models.Delta) (models.OrderBook, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b := e.bookLocked(d.Symbol)
	switch b.status {
	case Uninitialized:
		e.cacheLocked(d.Symbol, b, d)
		return models.OrderBook{}, ErrBuffered
	case Desynced:
		return models.OrderBook{}, fmt.Errorf("%s %s: %w", e.exchange, d.Symbol, errs.ErrNotSynced)
	}
	if err := e.applyLocked(b, d); err != nil {
		return models.OrderBook{}, e.desyncLocked(d.Symbol, b, err)
	}
	return e.viewLocked(d.Symbol, b), nil
}

func (e *Engine) cacheLocked(symbol string, b *book, d models.Delta) {
	limit := e.cfg.CacheLimit
	if limit > 0 && len(b.cache) >= limit {
		b.cache = b.cache[1:]
		metrics.DroppedUpdate(e.exchange, symbol)
	}
	b.cache = append(b.cache, d)
}

func pendingAfter(cache []models.Delta, nonce int64) []models.Delta {
	for i, d := range cache {
		if d.Nonce == 0 || d.Nonce > nonce {
			return cache[i:]
		}
	}
	return nil
}

// checkOverlap verifies the first replayed delta covers snapshot nonce + 1.
func (e *Engine) checkOverlap(symbol string, nonce int64, d models.Delta) error {
	if d.Nonce == 0 || e.cfg.NonceMode == NonceNone || e.cfg.NonceMode == NonceMonotonic {
		return nil
	}
	first := d.FirstNonce
	if first == 0 {
		first = d.Nonce
	}
	if first > nonce+1 {
		return &errs.DesyncError{Exchange: e.exchange, Symbol: symbol, Expected: nonce + 1, Got: first, Err: errs.ErrNonceGap}
	}
	return nil
}

func (e *Engine) checkNonce(symbol string, b *book, d models.Delta) error {
	if d.Nonce == 0 {
		return nil
	}
	gap := func(expected, got int64) error {
		return &errs.DesyncError{Exchange: e.exchange, Symbol: symbol, Expected: expected, Got: got, Err: errs.ErrNonceGap}
	}
	switch e.cfg.NonceMode {
	case NonceContiguous:
		first := d.FirstNonce
		if first == 0 {
			first = d.Nonce
		}
		if d.Nonce <= b.nonce || first > b.nonce+1 {
			return gap(b.nonce+1, first)
		}
	case NonceMonotonic:
		if d.Nonce <= b.nonce {
			return gap(b.nonce, d.Nonce)
		}
	case NoncePrevious:
		if d.PrevNonce >= 0 && d.PrevNonce != b.nonce {
			return gap(b.nonce, d.PrevNonce)
		}
	}
	return nil
}

func (e *Engine) applyLocked(b *book, d models.Delta) error {
	if err := e.checkNonce(d.Symbol, b, d); err != nil {
		return err
	}
	return e.mutate(b, d)
}

// mutate applies levels, trims and verifies in the configured order.
func (e *Engine) mutate(b *book, d models.Delta) error {
	for _, lvl := range d.Bids {
		b.bids.update(lvl)
	}
	for _, lvl := range d.Asks {
		b.asks.update(lvl)
	}
	if d.Nonce != 0 {
		b.nonce = d.Nonce
	}
	if !d.Timestamp.IsZero() {
		b.ts = d.Timestamp
	}
	return e.verify(d.Symbol, b, d.Checksum, d.HasChecksum)
}

func (e *Engine) verify(symbol string, b *book, expected int64, has bool) error {
	if e.cfg.TrimPolicy == TrimBeforeChecksum {
		b.bids.trim(e.cfg.Depth)
		b.asks.trim(e.cfg.Depth)
	}
	if has && e.cfg.Checksum != nil {
		if got := e.cfg.Checksum.Checksum(b.bids.levels, b.asks.levels); got != expected {
			return &errs.DesyncError{Exchange: e.exchange, Symbol: symbol, Expected: expected, Got: got, Err: errs.ErrChecksum}
		}
	}
	b.bids.trim(e.cfg.Depth)
	b.asks.trim(e.cfg.Depth)
	return nil
}

func (e *Engine) desyncLocked(symbol string, b *book, err error) error {
	b.status = Desynced
	b.cache = nil
	metrics.Desync(e.exchange, symbol)
	logger.IncrementDesync()
	e.log.WithFields(logger.Fields{"symbol": symbol, "nonce": b.nonce}).WithError(err).Warn("order book desynced")
	return err
}

// Reset discards the book for symbol and returns it to uninitialized so it
// can be rebuilt from a fresh snapshot.
func (e *Engine) Reset(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.books, symbol)
}

// Status returns the sync state of symbol.
func (e *Engine) Status(symbol string) Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if b, ok := e.books[symbol]; ok {
		return b.status
	}
	return Uninitialized
}

// Book returns a copy of a synced book.
func (e *Engine) Book(symbol string) (models.OrderBook, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.books[symbol]
	if !ok || b.status != Synced {
		return models.OrderBook{}, false
	}
	return e.viewLocked(symbol, b), true
}

// Cached returns how many deltas await the snapshot for symbol.
func (e *Engine) Cached(symbol string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if b, ok := e.books[symbol]; ok {
		return len(b.cache)
	}
	return 0
}

// CachedRange returns the first and last nonce cached for symbol.
func (e *Engine) CachedRange(symbol string) (first, last int64, ok bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, exists := e.books[symbol]
	if !exists || len(b.cache) == 0 {
		return 0, 0, false
	}
	head := b.cache[0]
	first = head.FirstNonce
	if first == 0 {
		first = head.Nonce
	}
	return first, b.cache[len(b.cache)-1].Nonce, true
}

// Symbols lists the symbols the engine currently tracks.
func (e *Engine) Symbols() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.books))
	for s := range e.books {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) viewLocked(symbol string, b *book) models.OrderBook {
	return models.OrderBook{
		Exchange:  e.exchange,
		Symbol:    symbol,
		Bids:      b.bids.snapshot(e.cfg.Depth),
		Asks:      b.asks.snapshot(e.cfg.Depth),
		Nonce:     b.nonce,
		Timestamp: b.ts,
	}
}
