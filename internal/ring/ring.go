// Package ring provides a small bounded FIFO buffer used everywhere the
// spec calls for a capped history with oldest-eviction: the pulse hash
// chain, the heartbeat protocol's received log and per-peer latency
// samples, and consensus's finalized-slot order (see core/mempool.go's insertion-ordered slice-plus-map in the teacher
// repo, generalized here with generics since the same shape recurs across
// unrelated packages).
package ring

// Ring is a fixed-capacity FIFO buffer. It is not safe for concurrent use;
// callers already hold a component mutex when touching one.
type Ring[T any] struct {
	cap  int
	data []T
}

// New creates a Ring with the given capacity. capacity <= 0 means
// unbounded, which no caller in this module should actually want — every
// call site passes a positive bound from spec.md §3.
func New[T any](capacity int) *Ring[T] {
	return &Ring[T]{cap: capacity}
}

// Push appends v, evicting the oldest element if the ring is at capacity.
func (r *Ring[T]) Push(v T) {
	r.data = append(r.data, v)
	if r.cap > 0 && len(r.data) > r.cap {
		// Drop from the front. Re-slicing (rather than copying down) would
		// leak the backing array; copy is cheap at these bounded sizes.
		copy(r.data, r.data[len(r.data)-r.cap:])
		r.data = r.data[:r.cap]
	}
}

// Len returns the number of elements currently stored.
func (r *Ring[T]) Len() int {
	return len(r.data)
}

// Items returns the elements in insertion (oldest-first) order. The
// returned slice aliases internal storage and must be treated as
// read-only by the caller.
func (r *Ring[T]) Items() []T {
	return r.data
}

// Last returns the most recently pushed element and true, or the zero
// value and false if the ring is empty.
func (r *Ring[T]) Last() (T, bool) {
	var zero T
	if len(r.data) == 0 {
		return zero, false
	}
	return r.data[len(r.data)-1], true
}

// Slice returns a copy of elements [start, start+count), clamped to the
// available range. Used by PulseHash export(start, count).
func (r *Ring[T]) Slice(start, count int) []T {
	if start < 0 {
		start = 0
	}
	if start >= len(r.data) {
		return nil
	}
	end := start + count
	if end > len(r.data) || count < 0 {
		end = len(r.data)
	}
	out := make([]T, end-start)
	copy(out, r.data[start:end])
	return out
}

// Reset replaces the ring's contents with items, trimmed to capacity
// (keeping the most recent items). Used by import(chain) when adopting an
// externally supplied chain.
func (r *Ring[T]) Reset(items []T) {
	if r.cap > 0 && len(items) > r.cap {
		items = items[len(items)-r.cap:]
	}
	r.data = append(r.data[:0], items...)
}
