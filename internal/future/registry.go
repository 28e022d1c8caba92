package future

import "sync"

// Registry maps a message hash to the single pending future awaiting its next
// occurrence. Values for hashes nobody awaits are dropped, not buffered.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*Future
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{pending: make(map[string]*Future)}
}

// Future returns the pending future for hash, creating one if none exists.
func (r *Registry) Future(hash string) *Future {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.pending[hash]; ok {
		return f
	}
	f := New()
	r.pending[hash] = f
	return f
}

// Pending returns the pending future for hash, if any.
func (r *Registry) Pending(hash string) (*Future, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.pending[hash]
	return f, ok
}

// Resolve settles and clears the pending future for hash. It is a no-op
// returning false when nothing is pending.
func (r *Registry) Resolve(hash string, v interface{}) bool {
	f := r.take(hash)
	if f == nil {
		return false
	}
	return f.Resolve(v)
}

// Reject settles and clears the pending future for hash with err.
func (r *Registry) Reject(hash string, err error) bool {
	f := r.take(hash)
	if f == nil {
		return false
	}
	return f.Reject(err)
}

// RejectAll rejects every pending future and returns how many were settled.
func (r *Registry) RejectAll(err error) int {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]*Future)
	r.mu.Unlock()

	n := 0
	for _, f := range pending {
		if f.Reject(err) {
			n++
		}
	}
	return n
}

// Hashes returns the message hashes that currently have a pending future.
func (r *Registry) Hashes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.pending))
	for h := range r.pending {
		out = append(out, h)
	}
	return out
}

// Len returns the number of pending futures.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Registry) take(hash string) *Future {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.pending[hash]
	if !ok {
		return nil
	}
	delete(r.pending, hash)
	return f
}
