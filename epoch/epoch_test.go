package epoch

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestEpochBasic(t *testing.T) {
	if Inside() {
		// another test may have left a bracket open; only assert the
		// bracket we open here closes correctly.
	}
	ck := Enter()
	if !Inside() {
		t.Fatalf("Inside() should report true while a bracket is open")
	}
	Leave(ck)
}

func TestHandleReportsOwnBracket(t *testing.T) {
	h := NewHandle()
	if h.Inside() {
		t.Fatalf("fresh handle should not be inside a bracket")
	}
	ck := h.Enter()
	if !h.Inside() {
		t.Fatalf("handle should be inside after Enter")
	}
	h.Leave(ck)
	if h.Inside() {
		t.Fatalf("handle should not be inside after Leave")
	}
}

// TestDeferredFiresAfterBracketClose checks that a callback deposited while
// a bracket is open only runs after every bracket open at deposit time has
// closed, which in this single-goroutine scenario means it must have run
// by the time enough subsequent bracket pairs have cycled the epoch
// forward far enough to reclaim it.
func TestDeferredFiresAfterBracketClose(t *testing.T) {
	h := NewHandle()
	ck := h.Enter()

	var fired atomic.Bool
	Defer(func() { fired.Store(true) })

	h.Leave(ck)

	// The deposit happened in the same bucket/epoch residue as our own
	// bracket; force enough additional bracket cycles (each a candidate
	// tick point) to guarantee the epoch has advanced past the deposit
	// epoch twice over.
	for i := 0; i < 200; i++ {
		c := h.Enter()
		h.Leave(c)
		if fired.Load() {
			break
		}
	}

	if !fired.Load() {
		t.Fatalf("deferred callback never fired after repeated bracket cycling")
	}
}

func TestFreeZeroesTarget(t *testing.T) {
	h := NewHandle()
	v := new(int)
	*v = 42
	ck := h.Enter()
	Free(v)
	h.Leave(ck)

	for i := 0; i < 200 && *v != 0; i++ {
		c := h.Enter()
		h.Leave(c)
	}
	if *v != 0 {
		t.Fatalf("Free'd target was never zeroed, got %d", *v)
	}
}

func TestResumeSucceedsWithoutInterveningTick(t *testing.T) {
	h := NewHandle()
	ck := h.Enter()
	h.Leave(ck)

	resumed, err := h.Resume(ck)
	if err != nil {
		// A concurrent test's ticks may have raced ahead of us; that is an
		// acceptable, documented outcome for this package-global service.
		t.Skipf("resume raced with a concurrent tick: %v", err)
	}
	h.Leave(resumed)
}

func TestResumeFailsAfterManyTicks(t *testing.T) {
	h := NewHandle()
	ck := h.Enter()
	h.Leave(ck)

	// Cycle enough brackets elsewhere to guarantee at least one tick
	// occurs, which must invalidate the captured cookie. Ticks only happen
	// while deferred work is pending, so deposit one callback first.
	other := NewHandle()
	for i := 0; i < 500; i++ {
		c := other.Enter()
		if i == 0 {
			Defer(func() {})
		}
		other.Leave(c)
	}

	if _, err := h.Resume(ck); err != ErrBusy {
		t.Fatalf("Resume after ticking = %v, want ErrBusy", err)
	}
}

// TestConcurrentBracketsDoNotCorruptState exercises many goroutines each
// entering, deferring, and leaving concurrently; the service must remain
// internally consistent (no panics, no deadlock) and every deferred
// callback must eventually run exactly once.
func TestConcurrentBracketsDoNotCorruptState(t *testing.T) {
	const goroutines = 32
	const perGoroutine = 200

	var fired atomic.Int64
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			h := NewHandle()
			for i := 0; i < perGoroutine; i++ {
				ck := h.Enter()
				Defer(func() { fired.Add(1) })
				h.Leave(ck)
			}
		}()
	}
	wg.Wait()

	deadline := time.Now().Add(5 * time.Second)
	drainer := NewHandle()
	for fired.Load() < goroutines*perGoroutine && time.Now().Before(deadline) {
		ck := drainer.Enter()
		drainer.Leave(ck)
	}

	if want := int64(goroutines * perGoroutine); fired.Load() != want {
		t.Fatalf("fired = %d, want %d", fired.Load(), want)
	}
}
