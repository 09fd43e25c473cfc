// Package epoch implements a process-wide epoch-based safe memory
// reclamation service: readers bracket their access with Enter/Leave,
// writers defer cleanup work with Defer, and the service advances a global
// epoch once every currently-active bracket has caught up, at which point
// deferred work from two epochs back is known to have no outstanding
// readers and is run.
//
// Ported from ksandstr/lfht's epoch.c. That implementation binds a client
// record to the calling OS thread via pthread thread-specific storage, so a
// bare e_begin()/e_end() pair always finds the same struct for a given
// thread, including across nested brackets. Go exposes no equivalent
// thread-local hook for goroutines, so this port makes client identity
// explicit instead of implicit:
//
//   - The package-level Enter allocates a permanent client record (Resume
//     revalidates an existing one) and returns a Cookie that carries both
//     the epoch a bracket was opened in and the record's registry slot;
//     Leave finds the record through that slot. This is simple and safe at the cost of growing the
//     registry by one permanent record per call; fine for occasional use.
//   - Handle gives callers that open many brackets (a worker goroutine, a
//     per-connection loop) an explicit, reusable client record instead,
//     exactly the way a *rand.Rand or a bufio.Writer is handed to a single
//     owning goroutine rather than hidden behind package state.
//
// Client records are never freed once allocated — nothing in this package
// relies on a thread-exit hook, so there is nothing to reap. See DESIGN.md
// for the registry's memory tradeoff and the rest of the TLS-removal
// discussion.
//
// © 2025 lfht authors. MIT License.
package epoch

import (
	"errors"
	"sync"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"

	"github.com/Voskan/lfht/internal/nbsl"
	"github.com/Voskan/lfht/internal/percpu"
)

// ErrBusy is returned by Resume when a tick has occurred since the cookie
// being revalidated was issued, meaning any pointers read under the old
// bracket may no longer be safe to dereference.
var ErrBusy = errors.New("epoch: cookie is stale: a tick occurred since it was issued")

const (
	idxBits  = 32
	idxMask  = int64(1)<<idxBits - 1
	epochBit = 0x3fffffff // matches epoch.c's cookie truncation mask

	// deepCheckMask: every 32nd bracket close triggers a full cross-bucket
	// sum instead of trusting just the local bucket's count, matching
	// epoch.c's `& 0x1f` cadence.
	deepCheckMask = 0x1f
)

// Cookie is an opaque bracket handle returned by Enter and Resume and
// consumed by Leave and Resume. Its bit layout is private; callers must
// treat it as an opaque value.
type Cookie int64

func makeCookie(epoch uint64, idx int32) Cookie {
	return Cookie((int64(epoch&epochBit) << idxBits) | (int64(idx) & idxMask))
}

func (c Cookie) idx() int32 { return int32(int64(c) & idxMask) }

func (c Cookie) epochBits() uint64 { return uint64(int64(c)>>idxBits) & epochBit }

// dtorCall is one deposited deferred callback, linked in push order and
// reversed at tick time so that invocation order matches deposit order.
type dtorCall struct {
	next *dtorCall
	fn   func()
}

// bucket is the per-CPU shard payload: for each of the four epoch residues
// (E mod 4), a stack of deferred calls plus a count used by quiescence
// checks to decide cheaply whether a tick would find any work at all.
type bucket struct {
	dtorList [4]atomic.Pointer[dtorCall]
	count    [4]atomic.Int64
}

// client is one bracket-tracking record. A record may be reused across many
// bracket pairs via Handle, or used exactly once via the package-level
// Enter/Leave convenience functions.
type client struct {
	nbsl.Node
	epoch  atomic.Uint64
	active atomic.Int32

	// countSinceTick is touched only by the goroutine currently holding an
	// open bracket on this client; Handle's single-owner contract makes
	// that safe without its own synchronization.
	countSinceTick int
}

// clientOf recovers the enclosing client from the nbsl.Node returned by
// List iteration. Safe because nbsl.Node is embedded as client's first
// field, so the two share an address — the same container_of relationship
// epoch.c expresses with its container_of(cur, struct e_client, link)
// macro.
func clientOf(n *nbsl.Node) *client {
	return (*client)(unsafe.Pointer(n))
}

// registry is an append-only, never-shrinking slab of client records,
// indexed by the slot number packed into every Cookie. Growth is protected
// by a mutex; lookups read a snapshot slice via an atomic pointer so they
// never block a concurrent grow.
type registry struct {
	mu  sync.Mutex
	arr atomic.Pointer[[]*client]
}

func (r *registry) alloc() (int32, *client) {
	c := &client{}
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.arr.Load()
	var next []*client
	if old != nil {
		next = append(append([]*client(nil), *old...), c)
	} else {
		next = []*client{c}
	}
	idx := int32(len(next) - 1)
	r.arr.Store(&next)
	return idx, c
}

func (r *registry) at(idx int32) *client {
	arr := r.arr.Load()
	return (*arr)[idx]
}

var (
	globalEpoch  atomic.Uint64
	pc           *percpu.Shard[bucket]
	clientList   nbsl.List
	reg          registry
	activeGlobal atomic.Int64
	log          atomic.Pointer[zap.Logger]
)

func init() {
	globalEpoch.Store(2)
	clientList.Init()
	pc = percpu.New[bucket](nil)
	log.Store(zap.NewNop())
}

// SetLogger installs a zap.Logger used for slow/rare events: ticks and
// nothing on the bracket hot path. Passing nil restores the no-op logger.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	log.Store(l)
}

func myBucket() *bucket { return pc.My() }

func nextEpoch(e uint64) uint64 {
	if e < (1<<64 - 1) {
		return e + 1
	}
	return 2
}

// tick advances the global epoch by one and runs every deferred call that
// was deposited two epochs ago, in the order it was deposited.
func tick(oldEpoch uint64) {
	newEpoch := nextEpoch(oldEpoch)
	globalEpoch.CompareAndSwap(oldEpoch, newEpoch)
	gone := (oldEpoch - 2) & 3

	pc.ForEachFromCurrent(func(bk *bucket) bool {
		dead := bk.dtorList[gone].Swap(nil)
		var head *dtorCall
		for dead != nil {
			next := dead.next
			dead.next = head
			head = dead
			dead = next
		}
		var down int64
		for head != nil {
			head.fn()
			head = head.next
			down++
		}
		bk.count[gone].Add(-down)
		metricsSinkCurrent().addDeferredDepth(-down)
		return true
	})

	metricsSinkCurrent().incTick()
	log.Load().Debug("epoch tick", zap.Uint64("new_epoch", newEpoch))
}

// sumCounts totals the deferred-call count for epoch residue e across every
// bucket; used by the deep quiescence check.
func sumCounts(e uint64) int64 {
	var sum int64
	pc.ForEachFromCurrent(func(bk *bucket) bool {
		sum += bk.count[e&3].Load()
		return true
	})
	return sum
}

// maybeTick scans every client known to the service; if any other active
// client is still behind epoch, ticking would be premature (some slew is
// tolerated, matching epoch.c). Otherwise it ticks and resets self's
// bracket-closed counter.
func maybeTick(epoch uint64, self *client) {
	var it nbsl.Iter
	for n := clientList.First(&it); n != nil; n = clientList.Next(&it) {
		c := clientOf(n)
		if c != self && c.active.Load() > 0 && c.epoch.Load() < epoch {
			return
		}
	}
	tick(epoch)
	self.countSinceTick = 0
}

func enterClient(c *client, idx int32) Cookie {
	nested := c.active.Add(1) > 1
	if !nested {
		c.epoch.Store(globalEpoch.Load())
	}
	return makeCookie(c.epoch.Load(), idx)
}

// Enter opens a bracket on a fresh, permanent client record and returns a
// cookie that Leave (and, until a tick intervenes, Resume) will accept.
func Enter() Cookie {
	idx, c := reg.alloc()
	for !clientList.Push(clientList.Top(), &c.Node) {
	}
	cookie := enterClient(c, idx)
	metricsSinkCurrent().setActiveClients(activeGlobal.Add(1))
	return cookie
}

// Leave closes the bracket identified by cookie, possibly ticking the
// service forward if every other known client has caught up.
func Leave(cookie Cookie) {
	c := reg.at(cookie.idx())
	assertCookie(c, cookie)
	leaveClient(c)
}

func leaveClient(c *client) {
	oldActive := c.active.Load()
	if oldActive == 1 {
		c.countSinceTick++
		deep := c.countSinceTick&deepCheckMask == 0
		epoch := globalEpoch.Load()
		// A deposit stays pending until the epoch has moved past it, so
		// work queued under any residue, not only the current one, is a
		// reason to try a tick.
		bk := myBucket()
		pending := false
		for r := uint64(0); r < 4 && !pending; r++ {
			pending = bk.count[r].Load() > 0 || (deep && sumCounts(r) > 0)
		}
		if pending {
			maybeTick(epoch, c)
		}
	}
	if c.active.Add(-1) == 0 {
		metricsSinkCurrent().setActiveClients(activeGlobal.Add(-1))
	}
}

// Inside reports whether any bracket anywhere in the process is currently
// open. Because Go has no per-goroutine thread-local storage, this is a
// deliberately coarse, process-wide signal (useful for "has everything
// quiesced" checks) rather than "is the calling goroutine inside a
// bracket" as in the ported C original; callers that need the latter
// should track it themselves via Handle.
func Inside() bool { return activeGlobal.Load() > 0 }

// Resume revalidates cookie against the current global epoch. If a tick has
// occurred since cookie was issued, it returns ErrBusy: any pointers read
// under the original bracket may already be scheduled for reclamation. On
// success, the original client record is reactivated and a fresh cookie is
// returned for the new bracket.
func Resume(cookie Cookie) (Cookie, error) {
	epoch := globalEpoch.Load()
	if cookie.epochBits() != epoch&epochBit {
		return 0, ErrBusy
	}
	c := reg.at(cookie.idx())
	wasIdle := c.active.Load() == 0
	nested := c.active.Add(1) > 1
	c.epoch.Store(epoch)
	if globalEpoch.Load() != epoch && !nested {
		c.active.Add(-1)
		return 0, ErrBusy
	}
	if wasIdle {
		metricsSinkCurrent().setActiveClients(activeGlobal.Add(1))
	}
	return makeCookie(epoch, cookie.idx()), nil
}

// Defer registers fn to run once every bracket open when Defer was called
// has closed. fn must not block and must not itself call into this package.
func Defer(fn func()) {
	bk := myBucket()
	epoch := globalEpoch.Load()
	call := &dtorCall{fn: fn}
	bk.count[epoch&3].Add(1)
	metricsSinkCurrent().addDeferredDepth(1)
	for {
		head := bk.dtorList[epoch&3].Load()
		call.next = head
		if bk.dtorList[epoch&3].CompareAndSwap(head, call) {
			return
		}
	}
}

// Free arranges for *ptr to be zeroed once it is safe to do so, mirroring
// epoch.c's e_free/e_call_dtor(&free, ptr) convenience wrapper.
func Free[T any](ptr *T) {
	Defer(func() {
		var zero T
		*ptr = zero
	})
}

// Handle is an explicit, reusable client record for callers that open many
// brackets and want to avoid growing the registry on every call. A Handle
// must not be used by more than one goroutine at a time.
type Handle struct {
	idx int32
	c   *client
}

// NewHandle allocates a permanent client record for repeated use.
func NewHandle() *Handle {
	idx, c := reg.alloc()
	for !clientList.Push(clientList.Top(), &c.Node) {
	}
	return &Handle{idx: idx, c: c}
}

// Enter opens a bracket on h's client record.
func (h *Handle) Enter() Cookie {
	wasIdle := h.c.active.Load() == 0
	cookie := enterClient(h.c, h.idx)
	if wasIdle {
		metricsSinkCurrent().setActiveClients(activeGlobal.Add(1))
	}
	return cookie
}

// Leave closes the bracket opened by the matching Enter.
func (h *Handle) Leave(cookie Cookie) {
	assertCookie(h.c, cookie)
	leaveClient(h.c)
}

// Inside reports whether h currently has an open bracket.
func (h *Handle) Inside() bool { return h.c.active.Load() > 0 }

// Resume behaves like the package-level Resume but always reactivates h's
// own client record.
func (h *Handle) Resume(cookie Cookie) (Cookie, error) {
	epoch := globalEpoch.Load()
	if cookie.epochBits() != epoch&epochBit {
		return 0, ErrBusy
	}
	wasIdle := h.c.active.Load() == 0
	nested := h.c.active.Add(1) > 1
	h.c.epoch.Store(epoch)
	if globalEpoch.Load() != epoch && !nested {
		h.c.active.Add(-1)
		return 0, ErrBusy
	}
	if wasIdle {
		metricsSinkCurrent().setActiveClients(activeGlobal.Add(1))
	}
	return makeCookie(epoch, h.idx), nil
}
