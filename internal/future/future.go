// Package future bridges asynchronous socket events to callers awaiting a
// single occurrence of a stream event.
package future

import (
	"context"
	"errors"
	"sync"

	"cryptostream/internal/errs"
)

// Future is a one-shot value that is either resolved or rejected exactly once.
type Future struct {
	done  chan struct{}
	once  sync.Once
	value interface{}
	err   error
}

// New creates a pending future.
func New() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolve settles the future with v. It returns false if already settled.
func (f *Future) Resolve(v interface{}) bool {
	settled := false
	f.once.Do(func() {
		f.value = v
		close(f.done)
		settled = true
	})
	return settled
}

// Reject settles the future with err. It returns false if already settled.
func (f *Future) Reject(err error) bool {
	if err == nil {
		err = errors.New("future rejected without error")
	}
	settled := false
	f.once.Do(func() {
		f.err = err
		close(f.done)
		settled = true
	})
	return settled
}

// Done is closed once the future settles.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Settled reports whether the future has been resolved or rejected.
func (f *Future) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the settled value and error. It must only be called after Done.
func (f *Future) Result() (interface{}, error) {
	<-f.done
	return f.value, f.err
}

// Await blocks until the future settles or ctx ends. A context deadline is
// reported as a TimeoutError; the future itself stays pending.
func (f *Future) Await(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &errs.TimeoutError{Op: "await"}
		}
		return nil, ctx.Err()
	}
}

// Race returns a future settled by the first of fs to settle.
func Race(fs ...*Future) *Future {
	out := New()
	for _, f := range fs {
		go func(f *Future) {
			select {
			case <-f.done:
				v, err := f.Result()
				if err != nil {
					out.Reject(err)
				} else {
					out.Resolve(v)
				}
			case <-out.done:
			}
		}(f)
	}
	return out
}
