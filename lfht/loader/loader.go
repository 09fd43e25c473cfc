// Package loader provides a thundering-herd-safe GetOrLoad convenience layer
// on top of lfht.Table: concurrent misses for the same key collapse into a
// single call to the caller's LoaderFunc via golang.org/x/sync/singleflight,
// with every waiter receiving the same result.
//
// Directly adapted from the teacher cache package's loaderGroup
// (pkg/loader.go) and LoaderFunc (pkg/loaderfunc.go), retargeted from a
// sharded CLOCK-Pro cache entry onto an lfht.Table[Entry[K, V]].
//
// © 2025 lfht authors. MIT License.
package loader

import (
	"context"
	"hash/maphash"
	"strconv"

	"golang.org/x/sync/singleflight"

	"github.com/Voskan/lfht/lfht"
)

// LoaderFunc is invoked when GetOrLoad misses. It must be safe to call
// concurrently for different keys; the same key's concurrent misses are
// already de-duplicated by the Loader itself, so a LoaderFunc never needs to
// guard against re-entrancy on its own key.
type LoaderFunc[K comparable, V any] func(ctx context.Context, key K) (V, error)

// Entry is the value type actually stored in the underlying lfht.Table: the
// key is kept alongside the value so collisions on Key's hash can be told
// apart during lookup, exactly as the teacher's shard index keeps the full
// key next to each entry rather than trusting the hash alone.
type Entry[K comparable, V any] struct {
	Key   K
	Value V
}

// KeyHashFunc derives the hash a key is stored under. Must agree with
// itself across calls for equal keys; need not be cryptographically strong.
type KeyHashFunc[K comparable] func(key K) uint64

// Loader pairs an lfht.Table with a singleflight group so that GetOrLoad
// never runs the same key's loader twice concurrently.
type Loader[K comparable, V any] struct {
	table   *lfht.Table[Entry[K, V]]
	hashKey KeyHashFunc[K]
	group   singleflight.Group
}

// New constructs a Loader backed by a fresh lfht.Table. hashKey derives the
// table hash for a key; if nil, a maphash-based default is used (mirroring
// the teacher shard's own maphash-based key hashing), which requires K to be
// a type maphash.Comparable accepts (anything comparable; see
// encoding/gob-style caveats around pointers/interfaces in K if used as
// such).
func New[K comparable, V any](hashKey KeyHashFunc[K], opts ...lfht.Option[Entry[K, V]]) *Loader[K, V] {
	if hashKey == nil {
		var seed = maphash.MakeSeed()
		hashKey = func(key K) uint64 { return maphash.Comparable(seed, key) }
	}
	rehash := func(e *Entry[K, V]) uint64 { return hashKey(e.Key) }
	return &Loader[K, V]{
		table:   lfht.New[Entry[K, V]](rehash, opts...),
		hashKey: hashKey,
	}
}

// Get returns the cached value for key, if present.
func (l *Loader[K, V]) Get(key K) (V, bool) {
	h := l.hashKey(key)
	e := l.table.GetFirst(h, func(e *Entry[K, V]) bool { return e.Key == key })
	if e == nil {
		var zero V
		return zero, false
	}
	return e.Value, true
}

// Put unconditionally stores value under key, even if an entry already
// exists — callers that need replace-if-absent semantics should Get first.
func (l *Loader[K, V]) Put(key K, value V) {
	h := l.hashKey(key)
	l.table.Add(h, &Entry[K, V]{Key: key, Value: value})
}

// GetOrLoad returns the cached value for key, loading it via fn on a miss.
// Concurrent GetOrLoad calls for the same key share a single fn invocation;
// every waiter observes the same value and error. A successful load is
// stored in the table before being returned.
func (l *Loader[K, V]) GetOrLoad(ctx context.Context, key K, fn LoaderFunc[K, V]) (V, error) {
	if v, ok := l.Get(key); ok {
		return v, nil
	}

	h := l.hashKey(key)
	groupKey := strconv.FormatUint(h, 16)
	res, err, _ := l.group.Do(groupKey, func() (any, error) {
		v, err := fn(ctx, key)
		if err != nil {
			return v, err
		}
		l.table.Add(h, &Entry[K, V]{Key: key, Value: v})
		return v, nil
	})
	if ctx.Err() != nil {
		var zero V
		return zero, ctx.Err()
	}
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

// LoadResult is the outcome of an asynchronous load: Shared is true when
// this call did not run fn itself but instead received another goroutine's
// in-flight result, matching x/sync/singleflight's own Shared field.
type LoadResult[V any] struct {
	Value  V
	Err    error
	Shared bool
}

// GetOrLoadAsync is GetOrLoad's non-blocking counterpart: it returns
// immediately with a channel that receives exactly one LoadResult.
func (l *Loader[K, V]) GetOrLoadAsync(ctx context.Context, key K, fn LoaderFunc[K, V]) <-chan LoadResult[V] {
	out := make(chan LoadResult[V], 1)

	if v, ok := l.Get(key); ok {
		out <- LoadResult[V]{Value: v}
		close(out)
		return out
	}

	h := l.hashKey(key)
	groupKey := strconv.FormatUint(h, 16)
	ch := l.group.DoChan(groupKey, func() (any, error) {
		v, err := fn(context.Background(), key)
		if err != nil {
			return v, err
		}
		l.table.Add(h, &Entry[K, V]{Key: key, Value: v})
		return v, nil
	})

	go func() {
		defer close(out)
		select {
		case res := <-ch:
			if res.Err != nil {
				out <- LoadResult[V]{Err: res.Err, Shared: res.Shared}
				return
			}
			out <- LoadResult[V]{Value: res.Val.(V), Shared: res.Shared}
		case <-ctx.Done():
			var zero V
			out <- LoadResult[V]{Value: zero, Err: ctx.Err()}
		}
	}()
	return out
}

// Len returns the number of entries currently cached.
func (l *Loader[K, V]) Len() int { return l.table.Len() }

// Generations returns the number of live table generations backing this
// loader's cache.
func (l *Loader[K, V]) Generations() int { return l.table.Generations() }
