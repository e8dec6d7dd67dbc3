/*
Package epoch implements epoch-based safe memory reclamation for
lock-free data structures.

A thread that wants to read shared objects pins the current epoch with
Pin, which returns a Guard. While the Guard is held, no object retired
after the Guard was pinned will be reclaimed, so pointers loaded from
shared memory stay valid. A writer that unlinks an object from a shared
structure hands it to the collector with Guard.Defer; the deferred
function runs only after every guard that could have observed the
object has been unpinned.

The implementation follows the usual three-epoch scheme: a global epoch
counter, a registry of participants each of which records the epoch it
is pinned at, and a stack of deferred batches tagged with the epoch
current when they were handed over. The global epoch can advance from e
to e+1 only when every pinned participant is at e, so once it reaches
e+2 no guard pinned at or before e remains, and batches tagged e are
run. All coordination is by atomic load and compare-and-swap; nothing
blocks.
*/
package epoch

import (
	"github.com/rogpeppe/nestedmap/gatomic"
)

// A Guard pins the epoch that was current when it was created.
// A Guard belongs to the goroutine that pinned it and must not be
// shared; it is invalid after Unpin.
type Guard struct {
	p   *participant
	fns []func()
}

// participant is one slot in the registry. Its state word holds the
// pinned epoch shifted left by one, with the low bit set while pinned.
// Participants are pushed onto the registry once and then recycled by
// CAS on the state word; they are never removed, which keeps the list
// traversal safe without any further protocol.
type participant struct {
	next  *participant
	state uint64
}

// batch is a set of deferred functions tagged with the epoch that was
// current when the owning guard unpinned.
type batch struct {
	next  *batch
	epoch uint64
	fns   []func()
}

var (
	globalEpoch  uint64
	participants *participant
	garbage      *batch
)

// Pin pins the current epoch and returns the guard that holds the pin.
// The caller must call Unpin when it no longer holds any pointers
// loaded from shared memory.
func Pin() *Guard {
	p := acquire()
	for {
		e := gatomic.LoadUint64(&globalEpoch)
		gatomic.StoreUint64(&p.state, e<<1|1)
		// The epoch may have moved between the load and the store;
		// re-pin until the published epoch is current.
		if gatomic.LoadUint64(&globalEpoch) == e {
			return &Guard{p: p}
		}
	}
}

// Defer schedules fn to run once no guard pinned at or before the
// current epoch remains. It is the retire operation: callers unlink an
// object from the shared structure first and then defer its cleanup.
func (g *Guard) Defer(fn func()) {
	if g.p == nil {
		panic("epoch: use of unpinned guard")
	}
	g.fns = append(g.fns, fn)
}

// Unpin releases the guard's pin, hands any deferred functions to the
// collector and gives the collector a chance to run. The guard must
// not be used again.
func (g *Guard) Unpin() {
	p := g.p
	if p == nil {
		panic("epoch: guard unpinned twice")
	}
	g.p = nil
	if len(g.fns) > 0 {
		// The tag is read after every unlink made under this guard,
		// so it is an upper bound for the epochs at which the
		// objects were still reachable.
		b := &batch{
			epoch: gatomic.LoadUint64(&globalEpoch),
			fns:   g.fns,
		}
		g.fns = nil
		pushBatch(b)
	}
	gatomic.StoreUint64(&p.state, gatomic.LoadUint64(&p.state)&^1)
	collect()
}

// acquire finds an idle participant in the registry or registers a new
// one, and marks it pinned. The epoch recorded at this point may be
// stale; Pin overwrites it before the guard is handed out, and a stale
// pin can only delay the global epoch, never unblock it.
func acquire() *participant {
	for p := gatomic.LoadPointer(&participants); p != nil; p = p.next {
		s := gatomic.LoadUint64(&p.state)
		if s&1 == 0 && gatomic.CompareAndSwapUint64(&p.state, s, s|1) {
			return p
		}
	}
	p := &participant{state: 1}
	for {
		head := gatomic.LoadPointer(&participants)
		p.next = head
		if gatomic.CompareAndSwapPointer(&participants, head, p) {
			return p
		}
	}
}

func pushBatch(b *batch) {
	for {
		head := gatomic.LoadPointer(&garbage)
		b.next = head
		if gatomic.CompareAndSwapPointer(&garbage, head, b) {
			return
		}
	}
}

// collect tries to advance the global epoch and runs every batch whose
// tag is two or more epochs old. Batches that are still too young are
// pushed back.
func collect() {
	tryAdvance()
	head := gatomic.SwapPointer(&garbage, nil)
	if head == nil {
		return
	}
	e := gatomic.LoadUint64(&globalEpoch)
	for b := head; b != nil; {
		next := b.next
		if b.epoch+2 <= e {
			for _, fn := range b.fns {
				fn()
			}
		} else {
			pushBatch(b)
		}
		b = next
	}
}

// tryAdvance moves the global epoch forward by one if every pinned
// participant has caught up with it.
func tryAdvance() {
	e := gatomic.LoadUint64(&globalEpoch)
	for p := gatomic.LoadPointer(&participants); p != nil; p = p.next {
		s := gatomic.LoadUint64(&p.state)
		if s&1 == 1 && s>>1 != e {
			return
		}
	}
	gatomic.CompareAndSwapUint64(&globalEpoch, e, e+1)
}
