package throttle

import (
	"container/list"
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"cryptostream/internal/errs"
)

// costScale converts fractional costs into the integer tokens of rate.Limiter.
const costScale = 1000

// LeakyBucket is a token bucket of fixed capacity refilled at one unit of cost
// per rateLimit milliseconds. Callers queue in arrival order and only the head
// of the queue holds limiter reservations, so a waiter that leaves the queue
// is never charged.
type LeakyBucket struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	burst       int
	maxCapacity int
	queue       *list.List
}

type bucketWaiter struct {
	ready chan struct{}
	head  bool
}

// NewLeakyBucket creates a full bucket. rateLimit is milliseconds per unit of
// cost; maxCapacity bounds the number of callers waiting at once.
func NewLeakyBucket(rateLimit, capacity float64, maxCapacity int) *LeakyBucket {
	if rateLimit <= 0 {
		rateLimit = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	perSecond := 1000 / rateLimit * costScale
	burst := int(math.Round(capacity * costScale))
	return &LeakyBucket{
		limiter:     rate.NewLimiter(rate.Limit(perSecond), burst),
		burst:       burst,
		maxCapacity: maxCapacity,
		queue:       list.New(),
	}
}

func (b *LeakyBucket) Admit(ctx context.Context, cost float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n := int(math.Ceil(cost * costScale))

	b.mu.Lock()
	if b.queue.Len() == 0 && n <= b.burst && b.limiter.AllowN(time.Now(), n) {
		b.mu.Unlock()
		return nil
	}
	if b.maxCapacity > 0 && b.queue.Len() >= b.maxCapacity {
		b.mu.Unlock()
		return errs.ErrQueueFull
	}
	wt := &bucketWaiter{ready: make(chan struct{})}
	elem := b.queue.PushBack(wt)
	if b.queue.Len() == 1 {
		wt.head = true
		close(wt.ready)
	}
	b.mu.Unlock()

	select {
	case <-wt.ready:
	case <-ctx.Done():
		b.mu.Lock()
		if !wt.head {
			b.queue.Remove(elem)
			b.mu.Unlock()
			return ctx.Err()
		}
		b.mu.Unlock()
	}
	defer b.advance(elem)
	return b.drain(ctx, n)
}

// drain waits until the bucket has leaked n tokens. Costs above capacity are
// split so the bucket drains them in sequence. Only the queue head calls it.
func (b *LeakyBucket) drain(ctx context.Context, n int) error {
	for n > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk := n
		if chunk > b.burst {
			chunk = b.burst
		}
		now := time.Now()
		r := b.limiter.ReserveN(now, chunk)
		if delay := r.DelayFrom(now); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				r.Cancel()
				return ctx.Err()
			}
		}
		n -= chunk
	}
	return nil
}

// advance removes the finished head and hands the bucket to the next waiter.
func (b *LeakyBucket) advance(elem *list.Element) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue.Remove(elem)
	if front := b.queue.Front(); front != nil {
		next := front.Value.(*bucketWaiter)
		next.head = true
		close(next.ready)
	}
}

// Queued returns the number of callers currently waiting.
func (b *LeakyBucket) Queued() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue.Len()
}
