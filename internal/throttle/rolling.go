package throttle

import (
	"container/list"
	"context"
	"sync"
	"time"

	"cryptostream/internal/errs"
)

type grant struct {
	at   time.Time
	cost float64
}

type waiter struct {
	cost    float64
	ready   chan struct{}
	granted bool
}

// RollingWindow admits requests while the cost granted within the trailing
// window stays within capacity. Waiters queue in arrival order; the head is
// granted as soon as enough old grants expire.
type RollingWindow struct {
	mu          sync.Mutex
	capacity    float64
	window      time.Duration
	maxCapacity int
	grants      []grant
	used        float64
	queue       *list.List
	timer       *time.Timer
	now         func() time.Time
}

// NewRollingWindow creates a window of the given length and capacity.
func NewRollingWindow(capacity float64, window time.Duration, maxCapacity int) *RollingWindow {
	if capacity <= 0 {
		capacity = 1
	}
	return &RollingWindow{
		capacity:    capacity,
		window:      window,
		maxCapacity: maxCapacity,
		queue:       list.New(),
		now:         time.Now,
	}
}

func (w *RollingWindow) Admit(ctx context.Context, cost float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w.mu.Lock()
	now := w.now()
	w.expire(now)
	if w.queue.Len() == 0 && w.fits(cost) {
		w.record(now, cost)
		w.mu.Unlock()
		return nil
	}
	if w.maxCapacity > 0 && w.queue.Len() >= w.maxCapacity {
		w.mu.Unlock()
		return errs.ErrQueueFull
	}
	wt := &waiter{cost: cost, ready: make(chan struct{})}
	elem := w.queue.PushBack(wt)
	w.schedule(now)
	w.mu.Unlock()

	select {
	case <-wt.ready:
		return nil
	case <-ctx.Done():
		w.mu.Lock()
		defer w.mu.Unlock()
		if wt.granted {
			return nil
		}
		w.queue.Remove(elem)
		// The removed waiter may have been blocking smaller requests behind it.
		w.pump()
		return ctx.Err()
	}
}

// fits reports whether cost can be granted now. A request larger than the
// whole capacity is granted once the window is empty.
func (w *RollingWindow) fits(cost float64) bool {
	if w.used+cost <= w.capacity {
		return true
	}
	return cost > w.capacity && len(w.grants) == 0
}

func (w *RollingWindow) record(now time.Time, cost float64) {
	w.grants = append(w.grants, grant{at: now, cost: cost})
	w.used += cost
}

func (w *RollingWindow) expire(now time.Time) {
	i := 0
	for i < len(w.grants) && now.Sub(w.grants[i].at) >= w.window {
		w.used -= w.grants[i].cost
		i++
	}
	if i > 0 {
		w.grants = append(w.grants[:0], w.grants[i:]...)
	}
	if len(w.grants) == 0 {
		w.used = 0
	}
}

// pump grants queued waiters in order. Callers hold w.mu.
func (w *RollingWindow) pump() {
	now := w.now()
	w.expire(now)
	for w.queue.Len() > 0 {
		front := w.queue.Front()
		wt := front.Value.(*waiter)
		if !w.fits(wt.cost) {
			break
		}
		w.record(now, wt.cost)
		wt.granted = true
		close(wt.ready)
		w.queue.Remove(front)
	}
	w.schedule(now)
}

// schedule arms the timer for the next grant expiry while waiters remain.
func (w *RollingWindow) schedule(now time.Time) {
	if w.queue.Len() == 0 || len(w.grants) == 0 {
		return
	}
	delay := w.grants[0].at.Add(w.window).Sub(now)
	if delay < 0 {
		delay = 0
	}
	if w.timer == nil {
		w.timer = time.AfterFunc(delay, w.onTimer)
		return
	}
	w.timer.Stop()
	w.timer.Reset(delay)
}

func (w *RollingWindow) onTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pump()
}

// Used returns the cost granted within the current window.
func (w *RollingWindow) Used() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.expire(w.now())
	return w.used
}

// Queued returns the number of waiting callers.
func (w *RollingWindow) Queued() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.queue.Len()
}
