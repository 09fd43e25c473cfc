// Package lfht implements a lock-free, open-addressed hash table that
// grows, rehashes, and accommodates mask changes by incrementally
// migrating entries into a fresh table generation in the background,
// rather than blocking callers during a resize.
//
// Ported from ksandstr/lfht's lfht.c/lfht.h. That implementation packs a
// tag (perfect-match bit, migration sentinel, deletion sentinel) directly
// into the spare low bits of the stored value's own pointer word, which
// only works because C never moves or garbage-collects an object out from
// under a pointer with its low bits temporarily masked off. Go's garbage
// collector makes the same trick unsound: a *T with bits stripped out of
// its address is, as far as the collector is concerned, not a pointer at
// all, and the referent can be collected while the table still "holds" it.
//
// This port keeps the tagged-word *idea* — a small state word per slot,
// checked before ever touching the value — but stores it next to, not
// inside, an ordinary *T kept in a parallel, GC-visible owner slice. See
// DESIGN.md for the full writeup.
//
// © 2025 lfht authors. MIT License.
package lfht

import (
	"sync/atomic"
	"unsafe"

	"github.com/Voskan/lfht/epoch"
	"github.com/Voskan/lfht/internal/nbsl"
	"github.com/Voskan/lfht/internal/percpu"
)

// minSizeLog2 matches lfht.h's LFHT_MIN_TABLE_SIZE: the smallest table a
// generation is ever allocated at, expressed as a log2 of slot count.
const minSizeLog2 = 5

// migratePace bounds how many entries a single Add call will migrate out of
// the generation directly below the top before returning,
// matching ht_migrate's "a few entries per opportunistic call" pacing.
const migratePace = 4

// RehashFunc derives the hash an element was (or should be) stored under.
// It must be pure and must agree with whatever hash callers pass to Add,
// DeleteByKey, and GetFirst for a given element — the table never calls it
// except from Contains, where no external hash is available.
type RehashFunc[T any] func(p *T) uint64

// slotState is the state word stored next to (not inside) each slot's
// owner pointer. stateMig marks a slot whose live value has already been
// copied into a newer generation: migPtrs[idx] names exactly where, so a
// reader that lands on this slot routes through to the copy instead of
// treating the slot as empty or tombstoned. This is the GC-safe stand-in
// for lfht.c's mig_bit — see the package doc and DESIGN.md.
type slotState uint32

const (
	stateEmpty slotState = iota
	stateTomb
	stateValid
	stateMig
)

// migPointer is a GC-safe migration pointer: lfht.c packs a target
// generation offset and destination probe address into spare bits of the
// slot's own pointer word, which Go's collector cannot be trusted to see
// through. Here the route is an ordinary struct stored behind an
// atomic.Pointer, reachable from the slot it replaces exactly as the
// packed word would have been.
type migPointer[T any] struct {
	dst    *generation[T]
	dstIdx int
}

// maxMigChainHops bounds how many migration pointers find/deleteMatching
// will follow before giving up. A slot is only ever re-pointed when its
// destination itself migrates onward (the "chained case"), which cannot
// outlive the number of generations that have ever existed; this is a
// belt-and-suspenders backstop against a logic bug turning into an
// infinite loop, not a limit spec.md itself imposes.
const maxMigChainHops = 64

type counterBucket struct{ n atomic.Int64 }

// generation is one table incarnation: a fixed-size open-addressed slot
// array plus per-CPU split elems/deleted counters (get_totals in lfht.c).
// Newer generations are pushed on top of an nbsl stack of generations; the
// oldest ones are incrementally drained and unlinked once empty.
type generation[T any] struct {
	nbsl.Node

	state   []atomic.Uint32
	hash    []atomic.Uint64
	owners  []atomic.Pointer[T]
	migPtrs []atomic.Pointer[migPointer[T]]

	sizeLog2 uint
	mask     uint64

	maxElems       int
	maxWithDeleted int
	maxProbe       int

	elems   *percpu.Shard[counterBucket]
	deleted *percpu.Shard[counterBucket]

	genID uint64

	migCursor atomic.Int64
	halted    atomic.Bool
	haltGenID atomic.Uint64
}

func newGeneration[T any](sizeLog2 uint, genID uint64) *generation[T] {
	size := 1 << sizeLog2
	g := &generation[T]{
		state:    make([]atomic.Uint32, size),
		hash:     make([]atomic.Uint64, size),
		owners:   make([]atomic.Pointer[T], size),
		migPtrs:  make([]atomic.Pointer[migPointer[T]], size),
		sizeLog2: sizeLog2,
		mask:     uint64(size - 1),
		genID:    genID,
		elems:    percpu.New[counterBucket](nil),
		deleted:  percpu.New[counterBucket](nil),
	}
	g.maxElems = size * 3 / 4
	g.maxWithDeleted = size * 9 / 10
	mp := size / 32
	if mp < 16 {
		mp = 16
	}
	g.maxProbe = mp
	return g
}

func (g *generation[T]) bumpElems(delta int64)   { g.elems.My().n.Add(delta) }
func (g *generation[T]) bumpDeleted(delta int64) { g.deleted.My().n.Add(delta) }

// resolveMig follows the migration-pointer chain starting at g's slot idx
// (which must be stateMig) to the generation and index actually holding
// the live value, following further pointers if that destination has
// itself since migrated onward (lfht.c's "chained case").
func resolveMig[T any](g *generation[T], idx int) (*generation[T], int) {
	for hop := 0; hop < maxMigChainHops; hop++ {
		mp := g.migPtrs[idx].Load()
		if mp == nil {
			// Racing with the writer that is mid-way through installing
			// the pointer (state flipped to stateMig just before the
			// pointer store became visible); treat as not-yet-routable.
			return g, idx
		}
		if slotState(mp.dst.state[mp.dstIdx].Load()) != stateMig {
			return mp.dst, mp.dstIdx
		}
		g, idx = mp.dst, mp.dstIdx
	}
	return g, idx
}

func genOf[T any](n *nbsl.Node) *generation[T] {
	return (*generation[T])(unsafe.Pointer(n))
}

func (g *generation[T]) liveElems() int64 {
	var sum int64
	g.elems.ForEachFromCurrent(func(b *counterBucket) bool { sum += b.n.Load(); return true })
	return sum
}

func (g *generation[T]) liveDeleted() int64 {
	var sum int64
	g.deleted.ForEachFromCurrent(func(b *counterBucket) bool { sum += b.n.Load(); return true })
	return sum
}

// addResult is the outcome of a single generation's inner-add attempt,
// mirroring the three things ht_add's inner loop can report: a claimed
// slot, "this table is now secondary" (the caller hit a migration pointer
// at the slot it wanted and must reload main and retry there), or probe
// exhaustion (the caller must replace the generation).
type addResult int

const (
	addOK addResult = iota
	addBecomeSecondary
	addFull
)

// tryAddIndexed scans forward from hash's home slot for an empty or
// tombstoned slot to claim, returning the claimed index on success so a
// migrator can record a migration pointer back to it. A stateMig slot
// encountered mid-probe means this generation has been superseded as a
// migration source for this hash range: the caller must reload the
// table's current top and retry there (addBecomeSecondary), exactly as
// ht_add's "become-secondary" signal does.
func (g *generation[T]) tryAddIndexed(hash uint64, p *T) (int, addResult) {
	start := hash & g.mask
	for step := 0; step < g.maxProbe; step++ {
		idx := int((start + uint64(step)) & g.mask)
	retry:
		st := slotState(g.state[idx].Load())
		switch st {
		case stateMig:
			return 0, addBecomeSecondary
		case stateValid:
			continue
		case stateEmpty, stateTomb:
			if !g.state[idx].CompareAndSwap(uint32(st), uint32(stateValid)) {
				goto retry
			}
			g.hash[idx].Store(hash)
			g.owners[idx].Store(p)
			if st == stateTomb {
				g.bumpDeleted(-1)
			}
			g.bumpElems(1)
			return idx, addOK
		}
	}
	return 0, addFull
}

// find scans g for a live slot under hash satisfying match, following any
// migration pointer it encounters to the generation actually holding the
// value (first_value's per-table scan plus the migration-pointer
// indirection). An empty slot terminates the scan for this generation,
// matching ht.c's "empty or migration-empty marker" rule; a tombstone is
// skipped.
func (g *generation[T]) find(hash uint64, match func(*T) bool) *T {
	start := hash & g.mask
	for step := 0; step < g.maxProbe; step++ {
		idx := int((start + uint64(step)) & g.mask)
		switch slotState(g.state[idx].Load()) {
		case stateEmpty:
			return nil
		case stateTomb:
			continue
		case stateMig:
			ng, nidx := resolveMig(g, idx)
			if ng.hash[nidx].Load() != hash {
				continue
			}
			if v := ng.owners[nidx].Load(); v != nil && match(v) {
				return v
			}
		case stateValid:
			if g.hash[idx].Load() != hash {
				continue
			}
			if v := g.owners[idx].Load(); v != nil && match(v) {
				return v
			}
		}
	}
	return nil
}

// deleteMatching removes the first slot under hash satisfying match,
// following migration pointers exactly as find does. Unlike lfht.c's
// latent-delete (which can only mark a del_bit for the migrator to
// resolve later, because the C protocol's destination write is still
// ephemeral when a delete can race it), this port's migrateSome never
// marks a slot stateMig until the destination copy is already fully
// committed — so there is no window in which the live copy isn't safe to
// delete directly at the chain's end. See DESIGN.md.
func (g *generation[T]) deleteMatching(hash uint64, match func(*T) bool) bool {
	start := hash & g.mask
	for step := 0; step < g.maxProbe; step++ {
		idx := int((start + uint64(step)) & g.mask)
		switch slotState(g.state[idx].Load()) {
		case stateEmpty:
			return false
		case stateTomb:
			continue
		case stateMig:
			ng, nidx := resolveMig(g, idx)
			if ng.hash[nidx].Load() != hash {
				continue
			}
			v := ng.owners[nidx].Load()
			if v == nil || !match(v) {
				continue
			}
			if ng.state[nidx].CompareAndSwap(uint32(stateValid), uint32(stateTomb)) {
				ng.owners[nidx].Store(nil)
				ng.bumpElems(-1)
				ng.bumpDeleted(1)
				return true
			}
		case stateValid:
			if g.hash[idx].Load() != hash {
				continue
			}
			v := g.owners[idx].Load()
			if v == nil || !match(v) {
				continue
			}
			if g.state[idx].CompareAndSwap(uint32(stateValid), uint32(stateTomb)) {
				g.owners[idx].Store(nil)
				g.bumpElems(-1)
				g.bumpDeleted(1)
				return true
			}
		}
	}
	return false
}

// Table is a lock-free multiset keyed by caller-supplied hashes: Add never
// rejects a duplicate hash, and GetFirst/Iterate return in unspecified
// order among same-hash entries, matching lfht.c's semantics.
type Table[T any] struct {
	rehashFn RehashFunc[T]
	cfg      config[T]
	metrics  metricsSink
	gens     nbsl.List
	genIDCtr atomic.Uint64
}

func sizeLog2For(hint int) uint {
	sz := uint(minSizeLog2)
	for (1 << sz) < hint {
		sz++
	}
	return sz
}

// New constructs a Table with the default initial size (lfht.c's
// LFHT_MIN_TABLE_SIZE).
func New[T any](rehash RehashFunc[T], opts ...Option[T]) *Table[T] {
	return NewSized[T](rehash, 1<<minSizeLog2, opts...)
}

// NewSized constructs a Table whose first generation holds at least
// initialCap entries without needing a migration, matching
// lfht_init_sized's first_size_log2 rounding.
func NewSized[T any](rehash RehashFunc[T], initialCap int, opts ...Option[T]) *Table[T] {
	cfg := defaultConfig[T]()
	if err := applyOptions(&cfg, opts); err != nil {
		panic(err)
	}
	if initialCap > cfg.table0Hint {
		cfg.table0Hint = initialCap
	}

	t := &Table[T]{rehashFn: rehash, cfg: cfg}
	t.metrics = newMetricsSink(&t.cfg)
	t.gens.Init()
	g := newGeneration[T](sizeLog2For(t.cfg.table0Hint), t.genIDCtr.Add(1))
	t.gens.Push(t.gens.Top(), &g.Node)
	t.metrics.setGenerations(1)
	return t
}

func (t *Table[T]) topGen() *generation[T] { return genOf[T](t.gens.Top()) }

func (t *Table[T]) genCount() int {
	n := 0
	var it nbsl.Iter
	for x := t.gens.First(&it); x != nil; x = t.gens.Next(&it) {
		n++
	}
	return n
}

// gensOldestToNewest returns every live generation ordered oldest first
// (bottom of the stack first). first_value's lookup scan, spec.md §4.4,
// requires this order specifically: a reader must reach an older
// generation's migration pointer before the newer generation it routes
// to, never the other way around, or a value mid-migration could be
// missed between the two. nbsl.List only walks head-to-tail (newest to
// oldest, since Push installs at the head), so there is no true backward
// cursor — this collects into a slice and reverses it instead. Acceptable
// because a table rarely carries more than a handful of live generations
// at once; migrateSome retires each one before more than one or two sit
// between it and the top. genCount/Len/Clear/migrateSome have no such
// ordering requirement (aggregation and unconditional unlink are
// order-independent) and keep walking head-to-tail directly.
func (t *Table[T]) gensOldestToNewest() []*generation[T] {
	var it nbsl.Iter
	var gens []*generation[T]
	for n := t.gens.First(&it); n != nil; n = t.gens.Next(&it) {
		gens = append(gens, genOf[T](n))
	}
	for i, j := 0, len(gens)-1; i < j; i, j = i+1, j-1 {
		gens[i], gens[j] = gens[j], gens[i]
	}
	return gens
}

// growOrRehash installs a fresh generation above old, sized and labelled
// per reason. If old is no longer the top generation (another goroutine
// already replaced it), this is a silent no-op: the caller retries against
// whatever the new top is.
func (t *Table[T]) growOrRehash(old *generation[T], reason replaceReason) {
	var newSizeLog2 uint
	if reason == reasonDouble {
		newSizeLog2 = old.sizeLog2 + 1
	} else {
		newSizeLog2 = old.sizeLog2
	}
	newGen := newGeneration[T](newSizeLog2, t.genIDCtr.Add(1))
	if !t.gens.Push(&old.Node, &newGen.Node) {
		return
	}
	t.metrics.incReplace(reason)
	t.metrics.setGenerations(t.genCount())
	t.cfg.logger.Sugar().Debugw("lfht: table replaced", "reason", reason.String(), "size_log2", newSizeLog2)
}

func chooseReplaceReason(old *generation[T]) replaceReason {
	live := old.liveElems()
	dead := old.liveDeleted()
	switch {
	case live >= int64(old.maxElems):
		return reasonDouble
	case dead > 0:
		return reasonRehash
	default:
		return reasonRemask
	}
}

// migrateSome moves up to migratePace entries from the generation directly
// below the top into the top, retiring the source
// generation once it is fully scanned and empty. Called opportunistically
// after every successful Add, matching ht_migrate's "pay it down as you go"
// pacing.
//
// Each claimed entry is copied into dst first; only once that copy is
// fully committed does the source slot get a migration pointer installed
// and flip to stateMig (see migPointer and the package doc) — there is no
// window, unlike lfht.c's ephemeral/hazard-bit protocol, where a reader or
// deleter could observe a partially-migrated slot.
func (t *Table[T]) migrateSome() {
	var it nbsl.Iter
	first := t.gens.First(&it)
	if first == nil {
		return
	}
	secondNode := t.gens.Next(&it)
	if secondNode == nil {
		return
	}
	dst := genOf[T](first)
	src := genOf[T](secondNode)

	// Halt semantics (spec.md §4.4): a source that could not find room in
	// its destination pauses until the table's main generation changes
	// again, rather than retrying every single call. haltGenID records
	// which destination rejected it; once a newer top has appeared, the
	// halt is lifted and migration resumes.
	if src.halted.Load() {
		if dst.genID == src.haltGenID.Load() {
			return
		}
		src.halted.Store(false)
		t.cfg.logger.Sugar().Debugw("lfht: migration resumed", "src_gen", src.genID, "dst_gen", dst.genID)
	}

	for n := 0; n < migratePace; n++ {
		idx := int(src.migCursor.Add(1) - 1)
		if idx >= len(src.state) {
			t.maybeRetire(src)
			return
		}
		if slotState(src.state[idx].Load()) != stateValid {
			continue
		}
		v := src.owners[idx].Load()
		if v == nil {
			continue
		}
		h := src.hash[idx].Load()

		dstIdx, res := dst.tryAddIndexed(h, v)
		if res != addOK {
			if res == addFull {
				t.growOrRehash(dst, reasonDouble)
				dst = t.topGen()
				dstIdx, res = dst.tryAddIndexed(h, v)
			}
			if res != addOK {
				src.halted.Store(true)
				src.haltGenID.Store(dst.genID)
				src.migCursor.Add(-1) // re-examine this slot once resumed
				t.metrics.incHalt()
				t.cfg.logger.Sugar().Debugw("lfht: migration halted", "src_gen", src.genID, "dst_gen", dst.genID)
				return
			}
		}

		mp := &migPointer[T]{dst: dst, dstIdx: dstIdx}
		src.migPtrs[idx].Store(mp)
		if !src.state[idx].CompareAndSwap(uint32(stateValid), uint32(stateMig)) {
			// A concurrent delete reached this slot first (it is now a
			// tombstone): the copy we just landed in dst is a phantom
			// that must not survive — the "deleted-during-migration"
			// case, resolved here by deleting the copy directly rather
			// than propagating a latent del_bit.
			dst.deleteMatching(h, func(p *T) bool { return p == v })
			continue
		}
		src.owners[idx].Store(nil)
		// The value now lives in dst, not src — not a deletion, so only
		// src's live count drops; src.deleted is reserved for actual
		// tombstones (it gates rehash via chooseReplaceReason).
		src.bumpElems(-1)
	}
}

func (t *Table[T]) maybeRetire(src *generation[T]) {
	if src.liveElems() != 0 {
		return
	}
	if !t.gens.Delete(&src.Node) {
		return
	}
	t.metrics.setGenerations(t.genCount())
	// Every Add/DeleteByKey/GetFirst/Iterate call brackets its generation
	// scan with an epoch bracket; deferring the final clear through Defer
	// guarantees no in-flight scan that began before this unlink is still
	// looking at src's owners when they are dropped.
	epoch.Defer(func() {
		for i := range src.owners {
			src.owners[i].Store(nil)
		}
	})
}

// Add inserts p under hash. Always succeeds (the table grows rather than
// rejecting an insert), so the bool return exists only for API symmetry
// with DeleteByKey/GetFirst and to surface a future allocation failure.
func (t *Table[T]) Add(hash uint64, p *T) bool {
	ck := epoch.Enter()
	defer epoch.Leave(ck)

	for {
		top := t.topGen()
		switch _, res := top.tryAddIndexed(hash, p); res {
		case addOK:
			t.metrics.incAdd()
			t.migrateSome()
			return true
		case addBecomeSecondary:
			// top was claimed as a migration source for this hash range
			// between us reading it and probing it; reload and retry
			// against whatever is main now, without growing anything.
			continue
		case addFull:
			t.growOrRehash(top, chooseReplaceReason(top))
		}
	}
}

// DeleteByKey removes the specific element p stored under hash. Because
// Table is a multiset, identity (not just hash equality) determines which
// slot is removed. Scans oldest generation to newest, matching
// spec.md's "delete-by-key iterates via lookup" rule (§4.4) — see
// gensOldestToNewest.
func (t *Table[T]) DeleteByKey(hash uint64, p *T) bool {
	ck := epoch.Enter()
	defer epoch.Leave(ck)

	for _, g := range t.gensOldestToNewest() {
		if g.deleteMatching(hash, func(v *T) bool { return v == p }) {
			t.metrics.incDelete()
			return true
		}
	}
	return false
}

// GetFirst returns the first element under hash satisfying cmp, searching
// oldest generation to newest (spec.md §4.4's first_value, "oldest to
// newest (bottom-up) so that a reader following a migration pointer never
// misses a prior live entry" — see gensOldestToNewest).
func (t *Table[T]) GetFirst(hash uint64, cmp func(*T) bool) *T {
	ck := epoch.Enter()
	defer epoch.Leave(ck)
	t.metrics.incLookup()

	for _, g := range t.gensOldestToNewest() {
		if v := g.find(hash, cmp); v != nil {
			return v
		}
	}
	return nil
}

// Contains reports whether p is currently reachable in the table, hashing
// it via the table's RehashFunc — the one place rehashFn is used directly,
// mirroring lfht.c's lfht_get convenience wrapper.
func (t *Table[T]) Contains(p *T) bool {
	return t.GetFirst(t.rehashFn(p), func(v *T) bool { return v == p }) != nil
}

// Clear replaces the entire generation stack with a single fresh, empty
// generation sized per the table's original hint.
func (t *Table[T]) Clear() {
	ck := epoch.Enter()
	defer epoch.Leave(ck)

	newGen := newGeneration[T](sizeLog2For(t.cfg.table0Hint), t.genIDCtr.Add(1))
	for !t.gens.Push(t.gens.Top(), &newGen.Node) {
	}

	var victims []*nbsl.Node
	var it nbsl.Iter
	for n := t.gens.First(&it); n != nil; n = t.gens.Next(&it) {
		if n != &newGen.Node {
			victims = append(victims, n)
		}
	}
	for _, v := range victims {
		t.gens.Delete(v)
	}
	t.metrics.setGenerations(t.genCount())
}

// Generations returns the number of table generations currently linked —
// 1 when no migration is in progress, more while older generations are
// still draining.
func (t *Table[T]) Generations() int {
	ck := epoch.Enter()
	defer epoch.Leave(ck)
	return t.genCount()
}

// Len returns the approximate number of live elements, summed across every
// generation's per-CPU counters.
func (t *Table[T]) Len() int {
	ck := epoch.Enter()
	defer epoch.Leave(ck)

	var total int64
	var it nbsl.Iter
	for n := t.gens.First(&it); n != nil; n = t.gens.Next(&it) {
		total += genOf[T](n).liveElems()
	}
	return int(total)
}
