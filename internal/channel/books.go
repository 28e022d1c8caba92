// Package channel provides bounded fan-out channels with drop accounting.
package channel

import (
	"context"
	"sync"

	"cryptostream/logger"
	"cryptostream/models"
)

type Stats struct {
	Sent    int64
	Dropped int64
}

// Books carries order book views from supervisors to consumers. Sends never
// block the dispatch goroutine: a full buffer drops the view.
type Books struct {
	C chan models.OrderBook

	name       string
	stats      Stats
	statsMutex sync.RWMutex
	closeOnce  sync.Once
	log        *logger.Log
}

func NewBooks(name string, bufferSize int) *Books {
	log := logger.GetLogger()
	b := &Books{
		C:    make(chan models.OrderBook, bufferSize),
		name: name,
		log:  log,
	}
	log.WithComponent("book_channels").WithFields(logger.Fields{
		"channel":     name,
		"buffer_size": bufferSize,
	}).Info("book channel initialized")
	return b
}

func (b *Books) Name() string { return b.name }

func (b *Books) Close() {
	b.closeOnce.Do(func() {
		close(b.C)
		b.log.WithComponent("book_channels").WithFields(logger.Fields{"channel": b.name}).Info("book channel closed")
	})
}

func (b *Books) IncrementSent() {
	b.statsMutex.Lock()
	b.stats.Sent++
	b.statsMutex.Unlock()
}

func (b *Books) IncrementDropped() {
	b.statsMutex.Lock()
	b.stats.Dropped++
	b.statsMutex.Unlock()
}

// Send queues book without blocking. It returns false when the buffer is
// full or ctx is done.
func (b *Books) Send(ctx context.Context, book models.OrderBook) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	select {
	case b.C <- book:
		b.IncrementSent()
		return true
	default:
		b.IncrementDropped()
		return false
	}
}

// Len and Cap report buffer occupancy.
func (b *Books) Len() int { return len(b.C) }
func (b *Books) Cap() int { return cap(b.C) }

func (b *Books) GetStats() Stats {
	b.statsMutex.RLock()
	defer b.statsMutex.RUnlock()
	return b.stats
}
