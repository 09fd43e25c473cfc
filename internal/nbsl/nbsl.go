// Package nbsl implements a non-blocking singly-linked stack using the
// Fomitchev–Ruppert deletion protocol: push at the head, pop the head,
// delete anywhere, and weak (no-snapshot) iteration.
//
// Ported from ksandstr/lfht's nbsl.c, which packs two flag bits into the
// low order bits of an intrusive `next` pointer (F_RESERVED / F_DEAD in the
// original, called FLAG / MARK here). Go cannot hide a live pointer inside
// an integer without losing it to the garbage collector, so the packed word
// is instead represented as an atomic pointer to a small immutable `link`
// value — a compare-and-swap of the outer pointer plays exactly the role of
// the original's single compare-and-swap on the packed word. See
// DESIGN.md for the tradeoff.
//
// © 2025 lfht authors. MIT License.
package nbsl

import "sync/atomic"

type flag uint8

const (
	clean flag = iota
	// flagMarker: the node's immediate successor is about to be removed;
	// that removal must complete before this node's next may change again.
	flagMarker
	// deadMarker: the node itself is logically removed. `to` is a frozen
	// snapshot of what its successor was at the moment of removal.
	deadMarker
)

type link struct {
	to *Node
	fl flag
}

// Node is the intrusive link embedded in any structure kept on an NBSL
// list — epoch client records, LFHT table generations, and so on. Its
// lifetime is owned jointly by whatever holds the enclosing structure and
// (once unlinked) the epoch service's deferred reclamation.
type Node struct {
	next     atomic.Pointer[link]
	backlink atomic.Pointer[Node]
}

// List is a non-blocking singly-linked stack. The zero value, after Init,
// is an empty list.
type List struct {
	head Node
}

// Init prepares an empty list. Must be called before use.
func (l *List) Init() {
	l.head.next.Store(&link{})
}

// Top returns the current head node, or nil if the list is empty.
func (l *List) Top() *Node {
	return l.head.next.Load().to
}

// Push installs n at the head of the list iff the current head is top.
// Returns false if the head has changed (caller should reload Top and
// retry) or if a removal is in progress at the head (in which case Push
// helps complete it before returning false).
func (l *List) Push(top, n *Node) bool {
	cur := l.head.next.Load()
	if cur.to != top {
		return false
	}
	if cur.fl == flagMarker {
		finishRemoval(&l.head)
		return false
	}
	n.next.Store(&link{to: cur.to, fl: clean})
	return l.head.next.CompareAndSwap(cur, &link{to: n, fl: clean})
}

// finishRemoval completes a pending removal at p, where p.next currently
// carries flagMarker pointing at the victim. Safe to call redundantly —
// once another thread has raced ahead and finished the job, this becomes a
// no-op. This implements steps 3-5 of the FR deletion protocol: publish the
// backlink, mark the victim dead, then unlink it from p.
func finishRemoval(p *Node) {
	cur := p.next.Load()
	if cur.fl != flagMarker {
		return
	}
	v := cur.to
	v.backlink.Store(p)

	for {
		vnext := v.next.Load()
		if vnext.fl == deadMarker {
			break
		}
		if vnext.fl == flagMarker {
			// v's own successor is mid-removal; help that first so v's
			// next settles before we mark v itself.
			finishRemoval(v)
			continue
		}
		marked := &link{to: vnext.to, fl: deadMarker}
		if v.next.CompareAndSwap(vnext, marked) {
			break
		}
	}

	final := v.next.Load()
	p.next.CompareAndSwap(cur, &link{to: final.to, fl: clean})
}

// deleteNode removes v, whose parent is currently p, via the FR protocol.
// Returns true iff this call performed the flagging compare-and-swap (step
// 2); false means the caller should relocate p (structure changed, p is
// itself dead, or v is no longer p's child) and retry.
func deleteNode(p, v *Node) bool {
	for {
		cur := p.next.Load()
		if cur.to != v {
			return false
		}
		switch cur.fl {
		case deadMarker:
			return false
		case flagMarker:
			finishRemoval(p)
			return false
		default:
			if p.next.CompareAndSwap(cur, &link{to: v, fl: flagMarker}) {
				finishRemoval(p)
				return true
			}
			// lost the CAS race; reload and retry.
		}
	}
}

// locateParent finds the live node whose next currently points at target,
// helping complete any in-progress removals and recovering via backlink
// when it walks onto a node that has itself been marked dead in the
// meantime. Returns (nil, false) if target is not reachable from head.
func (l *List) locateParent(target *Node) (*Node, bool) {
	p := &l.head
	for {
		cur := p.next.Load()
		switch {
		case cur.fl == deadMarker:
			// p was deleted after we stepped onto it; recover via its
			// backlink (set by whichever call flagged p) and resume.
			bl := p.backlink.Load()
			if bl == nil {
				p = &l.head
			} else {
				p = bl
			}
		case cur.fl == flagMarker:
			finishRemoval(p)
		case cur.to == nil:
			return nil, false
		case cur.to == target:
			return p, true
		default:
			p = cur.to
		}
	}
}

// Pop removes and returns the head node, or nil if the list is empty.
func (l *List) Pop() *Node {
	for {
		cur := l.head.next.Load()
		if cur.to == nil {
			return nil
		}
		if cur.fl == flagMarker {
			finishRemoval(&l.head)
			continue
		}
		v := cur.to
		if deleteNode(&l.head, v) {
			return v
		}
		// raced with another popper or a concurrent Delete(v); retry.
	}
}

// Delete removes target from the list. Returns true iff this call's
// goroutine performed the final flagging step for target; false means
// target was not found (possibly because another goroutine already
// removed it).
func (l *List) Delete(target *Node) bool {
	for {
		p, found := l.locateParent(target)
		if !found {
			return false
		}
		if deleteNode(p, target) {
			return true
		}
		// p went stale between locate and delete; relocate.
	}
}

// Iter is a weak (non-snapshotting) cursor over a List: a concurrently
// removed node may still be observed once, and a returned node may be
// marked dead immediately after being yielded.
type Iter struct {
	node   *Node
	parent *Node
}

func (l *List) advance(it *Iter) *Node {
	p := it.parent
	node := p.next.Load().to
	for node != nil {
		nx := node.next.Load()
		if nx.fl == deadMarker {
			// dead node: skip it via its frozen successor snapshot.
			node = nx.to
			continue
		}
		it.node = node
		it.parent = p
		return node
	}
	it.node = nil
	it.parent = nil
	return nil
}

// First positions it at the first live node and returns it, or nil if the
// list is empty.
func (l *List) First(it *Iter) *Node {
	it.parent = &l.head
	return l.advance(it)
}

// Next advances it to the next live node and returns it, or nil at the end
// of the list.
func (l *List) Next(it *Iter) *Node {
	if it.node == nil {
		return nil
	}
	it.parent = it.node
	return l.advance(it)
}

// DeleteAt removes the node it currently points at, using the cursor's
// stashed parent as a fast-path hint. If the hint is stale (concurrent
// mutation moved the parent relationship), it falls back to a full
// locate-and-delete so the call never spuriously fails due to staleness
// alone. After this call, regardless of outcome, the cursor's parent hint
// is cleared; a second DeleteAt without an intervening Next returns false.
func (l *List) DeleteAt(it *Iter) bool {
	if it.node == nil || it.parent == nil {
		return false
	}
	node, parent := it.node, it.parent
	it.parent = nil
	if deleteNode(parent, node) {
		return true
	}
	return l.Delete(node)
}
