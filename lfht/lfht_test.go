package lfht

import (
	"fmt"
	"sync"
	"testing"
)

type elem struct {
	key int
	tag string
}

func hashOf(e *elem) uint64 { return uint64(e.key) }

func newIntTable(opts ...Option[elem]) *Table[elem] {
	return New[elem](hashOf, opts...)
}

func TestAddGetFirstRoundTrip(t *testing.T) {
	tbl := newIntTable()
	e := &elem{key: 42, tag: "a"}
	if !tbl.Add(hashOf(e), e) {
		t.Fatalf("Add returned false")
	}
	got := tbl.GetFirst(hashOf(e), func(v *elem) bool { return v.key == 42 })
	if got != e {
		t.Fatalf("GetFirst = %v, want %v", got, e)
	}
}

func TestSingleThreadedBigInsertsAndGrows(t *testing.T) {
	const n = 5000
	tbl := newIntTable()
	elems := make([]*elem, n)
	for i := 0; i < n; i++ {
		elems[i] = &elem{key: i, tag: fmt.Sprintf("v%d", i)}
		if !tbl.Add(hashOf(elems[i]), elems[i]) {
			t.Fatalf("Add(%d) failed", i)
		}
	}
	if got := tbl.Len(); got != n {
		t.Fatalf("Len() = %d, want %d", got, n)
	}
	for i := 0; i < n; i++ {
		got := tbl.GetFirst(uint64(i), func(v *elem) bool { return v.key == i })
		if got == nil || got.key != i {
			t.Fatalf("lookup %d = %v", i, got)
		}
	}
}

// TestMultisetDuplicateHashes verifies distinct elements sharing a hash both
// survive and that DeleteByKey removes by identity, not by hash alone.
func TestMultisetDuplicateHashes(t *testing.T) {
	tbl := newIntTable()
	a := &elem{key: 1, tag: "a"}
	b := &elem{key: 1, tag: "b"}
	tbl.Add(1, a)
	tbl.Add(1, b)

	if tbl.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", tbl.Len())
	}
	if !tbl.DeleteByKey(1, a) {
		t.Fatalf("DeleteByKey(a) failed")
	}
	if tbl.DeleteByKey(1, a) {
		t.Fatalf("DeleteByKey(a) a second time unexpectedly succeeded")
	}
	got := tbl.GetFirst(1, func(v *elem) bool { return true })
	if got != b {
		t.Fatalf("surviving element = %v, want %v", got, b)
	}
}

func TestFullIterationVisitsEveryElement(t *testing.T) {
	const n = 300
	tbl := newIntTable()
	want := make(map[*elem]bool, n)
	for i := 0; i < n; i++ {
		e := &elem{key: i}
		want[e] = true
		tbl.Add(uint64(i), e)
	}

	si := tbl.SnapshotIter()
	defer si.Close()
	seen := make(map[*elem]bool, n)
	for v := si.Value(); v != nil; v = si.Next() {
		seen[v] = true
	}
	if len(seen) != len(want) {
		t.Fatalf("snapshot saw %d elements, want %d", len(seen), len(want))
	}
	for e := range want {
		if !seen[e] {
			t.Fatalf("snapshot missed element %v", e)
		}
	}
}

func TestHashScopedIterateOnlyYieldsMatchingHash(t *testing.T) {
	tbl := newIntTable()
	a := &elem{key: 7, tag: "a"}
	b := &elem{key: 7, tag: "b"}
	other := &elem{key: 8, tag: "other"}
	tbl.Add(7, a)
	tbl.Add(7, b)
	tbl.Add(8, other)

	it := tbl.Iterate(7)
	defer it.Close()
	count := 0
	for v := it.Value(); v != nil; v = it.Next() {
		if v.key != 7 {
			t.Fatalf("iterator under hash 7 yielded %v", v)
		}
		count++
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
}

func TestIterDeleteAtRemovesOnlyCurrentElement(t *testing.T) {
	tbl := newIntTable()
	a := &elem{key: 3, tag: "a"}
	b := &elem{key: 3, tag: "b"}
	tbl.Add(3, a)
	tbl.Add(3, b)

	it := tbl.Iterate(3)
	first := it.Value()
	if !it.DeleteAt(first) {
		t.Fatalf("DeleteAt failed")
	}
	it.Close()

	if tbl.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", tbl.Len())
	}
	remaining := tbl.GetFirst(3, func(v *elem) bool { return true })
	if remaining == first {
		t.Fatalf("DeleteAt removed the wrong element")
	}
}

func TestClearEmptiesTable(t *testing.T) {
	tbl := newIntTable()
	for i := 0; i < 50; i++ {
		tbl.Add(uint64(i), &elem{key: i})
	}
	tbl.Clear()
	if got := tbl.Len(); got != 0 {
		t.Fatalf("Len() after Clear = %d, want 0", got)
	}
	e := &elem{key: 99}
	tbl.Add(99, e)
	if tbl.GetFirst(99, func(v *elem) bool { return true }) != e {
		t.Fatalf("table unusable after Clear")
	}
}

func TestContainsUsesRehashFunc(t *testing.T) {
	tbl := newIntTable()
	e := &elem{key: 55}
	tbl.Add(hashOf(e), e)
	if !tbl.Contains(e) {
		t.Fatalf("Contains(e) = false, want true")
	}
	other := &elem{key: 55}
	if tbl.Contains(other) {
		t.Fatalf("Contains matched a distinct element with the same key")
	}
}

// TestMigrationDrainsOldGenerations forces repeated growth (and therefore
// repeated migration) by inserting far more elements than the initial
// table0 hint, then checks that old generations have actually been retired
// rather than accumulating forever.
func TestMigrationDrainsOldGenerations(t *testing.T) {
	tbl := newIntTable(WithTable0Hint[elem](32))
	const n = 20000
	for i := 0; i < n; i++ {
		tbl.Add(uint64(i), &elem{key: i})
		// Drive additional migration passes beyond what Add alone performs,
		// so the oldest generations fully drain within this test's lifetime.
		for j := 0; j < 3; j++ {
			tbl.migrateSome()
		}
	}
	if got := tbl.Len(); got != n {
		t.Fatalf("Len() = %d, want %d", got, n)
	}
	if gens := tbl.genCount(); gens > 4 {
		t.Fatalf("genCount() = %d, too many live generations left undrained", gens)
	}
}

func TestConcurrentAddDeleteLookup(t *testing.T) {
	tbl := newIntTable()
	const n = 2000
	elems := make([]*elem, n)
	for i := range elems {
		elems[i] = &elem{key: i}
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for _, e := range elems {
			tbl.Add(hashOf(e), e)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			tbl.GetFirst(uint64(i), func(v *elem) bool { return v.key == i })
		}
	}()
	go func() {
		defer wg.Done()
		for i := n - 1; i >= 0; i-- {
			tbl.DeleteByKey(uint64(i), elems[i])
		}
	}()
	wg.Wait()
	// No assertion on final Len(): delete races ahead of add for some keys.
	// The test's value is in detecting panics/deadlocks under -race.
}

// TestMigrationPointerRoundTrip drives a generation far enough into its own
// migration that some of its slots have been re-pointed (stateMig) but the
// generation itself has not yet been fully drained and retired, then checks
// the migration pointer machinery end to end: the source slot's migPtrs
// entry names the exact destination slot holding the copy, and GetFirst/
// DeleteByKey still resolve correctly for an element reachable only through
// that pointer (spec.md §4.4's migration-pointer protocol).
func TestMigrationPointerRoundTrip(t *testing.T) {
	tbl := newIntTable(WithTable0Hint[elem](16))

	// The 512-slot generation appears at insert 256 and, at migratePace
	// entries per Add, drains the 256-slot one by insert 320; stopping at
	// 300 leaves it part-way migrated.
	const n = 300
	elems := make([]*elem, n)
	for i := 0; i < n; i++ {
		elems[i] = &elem{key: i, tag: fmt.Sprintf("v%d", i)}
		tbl.Add(hashOf(elems[i]), elems[i])
	}
	if tbl.genCount() < 2 {
		t.Fatalf("genCount() = %d, want at least 2 live generations to exercise migration", tbl.genCount())
	}

	// The oldest live generation is the one migrateSome has been draining
	// from; gensOldestToNewest is already exercised by GetFirst/DeleteByKey
	// themselves, so reusing it here keeps this test grounded in the same
	// traversal the table actually performs.
	src := tbl.gensOldestToNewest()[0]

	// Find a slot that has already been migrated: stateMig with a populated
	// migPtrs entry pointing at a slot still holding the live copy.
	var foundIdx = -1
	var mp *migPointer[elem]
	for idx := range src.state {
		if slotState(src.state[idx].Load()) != stateMig {
			continue
		}
		if p := src.migPtrs[idx].Load(); p != nil {
			foundIdx, mp = idx, p
			break
		}
	}
	if foundIdx < 0 {
		t.Fatalf("no stateMig slot with a recorded migration pointer found in the source generation")
	}
	if slotState(mp.dst.state[mp.dstIdx].Load()) != stateValid {
		t.Fatalf("migration pointer target at dst[%d] is not stateValid", mp.dstIdx)
	}
	dstVal := mp.dst.owners[mp.dstIdx].Load()
	if dstVal == nil {
		t.Fatalf("migration pointer target at dst[%d] has a nil owner", mp.dstIdx)
	}
	srcHash := src.hash[foundIdx].Load()
	if dstHash := mp.dst.hash[mp.dstIdx].Load(); dstHash != srcHash {
		t.Fatalf("migration pointer target hash = %d, want %d", dstHash, srcHash)
	}

	// GetFirst must resolve straight through the pointer to the relocated
	// value, even though the source generation's own slot is now stateMig.
	got := tbl.GetFirst(srcHash, func(v *elem) bool { return v == dstVal })
	if got != dstVal {
		t.Fatalf("GetFirst via migration pointer = %v, want %v", got, dstVal)
	}

	// DeleteByKey must likewise route through the pointer and remove the
	// copy living in dst, not leave a dangling source-side entry behind.
	if !tbl.DeleteByKey(srcHash, dstVal) {
		t.Fatalf("DeleteByKey via migration pointer failed")
	}
	if tbl.GetFirst(srcHash, func(v *elem) bool { return v == dstVal }) != nil {
		t.Fatalf("element still reachable after DeleteByKey via migration pointer")
	}
}

func TestNewSizedRoundsUpToSupportedSize(t *testing.T) {
	tbl := NewSized[elem](hashOf, 100)
	top := tbl.topGen()
	if top.sizeLog2 < minSizeLog2 {
		t.Fatalf("sizeLog2 = %d, below minimum", top.sizeLog2)
	}
	if 1<<top.sizeLog2 < 100 {
		t.Fatalf("first generation size %d too small for hint 100", 1<<top.sizeLog2)
	}
}
