// Package percpu provides a fixed-size array of cache-line-aligned shards,
// one per (coalesced) CPU, used to keep hot counters and per-epoch lists from
// bouncing a single cache line between cores.
//
// This mirrors ksandstr/lfht's percpu.c: with N CPUs online, siblings sharing
// a last-level cache are coalesced two-to-a-bucket once N >= 8
// (shift=1), otherwise each CPU gets its own bucket (shift=0).
//
// Go has no portable sched_getcpu(), so My() approximates "the shard the
// calling goroutine is likely running near" with a cheap round-robin hint
// instead of true CPU affinity. Every caller of this package already treats
// the mapping as best-effort (see Shard.My doc), so the approximation never
// affects correctness — only how evenly contention is spread.
//
// © 2025 lfht authors. MIT License.
package percpu

import (
	"runtime"
	"sync/atomic"
)

// cacheLinePad is the assumed cache line size used to separate buckets so
// that two goroutines updating different buckets never false-share.
const cacheLinePad = 64

// Bucket wraps a caller-supplied payload with padding so consecutive buckets
// in the backing array never share a cache line.
type Bucket[T any] struct {
	Val T
	_   [cacheLinePad]byte
}

// Shard is a fixed-size, never-resized array of per-CPU buckets.
type Shard[T any] struct {
	buckets []Bucket[T]
	shift   int
	hint    atomic.Uint64 // round-robin affinity hint, see package doc
}

// New constructs a Shard sized for the number of logical CPUs visible to the
// Go runtime (GOMAXPROCS), applying the sibling-coalescing shift rule from
// ksandstr/lfht's percpu_new(). init, if non-nil, is called once per bucket
// to establish any bucket-local invariants (e.g. seeding embedded atomics);
// every bucket starts zero-valued before init runs.
func New[T any](init func(*T)) *Shard[T] {
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		n = 1
	}
	shift := 0
	if n >= 8 {
		shift = 1
	}
	nBuckets := n >> shift
	if nBuckets < 1 {
		nBuckets = 1
	}

	s := &Shard[T]{
		buckets: make([]Bucket[T], nBuckets),
		shift:   shift,
	}
	if init != nil {
		for i := range s.buckets {
			init(&s.buckets[i].Val)
		}
	}
	return s
}

// NBuckets returns the fixed bucket count.
func (s *Shard[T]) NBuckets() int { return len(s.buckets) }

// Shift returns the sibling-coalescing shift in effect.
func (s *Shard[T]) Shift() int { return s.shift }

// Get returns bucket i directly; i must be < NBuckets().
func (s *Shard[T]) Get(i int) *T { return &s.buckets[i].Val }

// My returns the bucket assigned to "this CPU" by the best-effort affinity
// hint. Callers must only rely on atomic discipline within the returned
// bucket; which bucket is returned for a given goroutine may change from
// call to call.
func (s *Shard[T]) My() *T {
	i := s.hint.Add(1) % uint64(len(s.buckets))
	return &s.buckets[i].Val
}

// ForEachFromCurrent visits every bucket starting from the caller's current
// shard and XOR-walking the rest (cache-sibling-first traversal, matching
// ksandstr/lfht's `base ^ i` walk), stopping early if fn returns false.
func (s *Shard[T]) ForEachFromCurrent(fn func(*T) bool) {
	n := len(s.buckets)
	base := int(s.hint.Add(1) % uint64(n))
	// XOR is a permutation only over a power-of-two range, so walk the
	// smallest such range covering n and skip indices past the end.
	span := 1
	for span < n {
		span <<= 1
	}
	for i := 0; i < span; i++ {
		j := base ^ i
		if j >= n {
			continue
		}
		if !fn(&s.buckets[j].Val) {
			return
		}
	}
}
