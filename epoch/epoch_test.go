package epoch

import (
	"sync"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/rogpeppe/nestedmap/gatomic"
)

// drain pins and unpins until the collector has had enough chances to
// advance past any outstanding batch.
func drain() {
	for i := 0; i < 8; i++ {
		Pin().Unpin()
	}
}

func TestDeferRunsAfterGrace(t *testing.T) {
	c := qt.New(t)
	ran := false
	g := Pin()
	g.Defer(func() { ran = true })
	c.Assert(ran, qt.IsFalse)
	g.Unpin()
	drain()
	c.Assert(ran, qt.IsTrue)
}

func TestDeferBlockedByOlderGuard(t *testing.T) {
	c := qt.New(t)
	older := Pin()

	ran := false
	g := Pin()
	g.Defer(func() { ran = true })
	g.Unpin()

	// The older guard pins an epoch no later than the batch's tag, so
	// the batch must not run however often the collector is poked.
	drain()
	c.Assert(ran, qt.IsFalse)

	older.Unpin()
	drain()
	c.Assert(ran, qt.IsTrue)
}

func TestDeferOrderIndependent(t *testing.T) {
	c := qt.New(t)
	var ran []int
	g := Pin()
	for i := 0; i < 5; i++ {
		i := i
		g.Defer(func() { ran = append(ran, i) })
	}
	g.Unpin()
	drain()
	c.Assert(len(ran), qt.Equals, 5)
}

func TestGuardMisuse(t *testing.T) {
	c := qt.New(t)
	g := Pin()
	g.Unpin()
	c.Assert(func() { g.Unpin() }, qt.PanicMatches, "epoch: guard unpinned twice")
	c.Assert(func() { g.Defer(func() {}) }, qt.PanicMatches, "epoch: use of unpinned guard")
}

func TestParticipantReuse(t *testing.T) {
	c := qt.New(t)
	g1 := Pin()
	p := g1.p
	g1.Unpin()
	g2 := Pin()
	// A single goroutine pinning serially gets its slot back rather
	// than growing the registry.
	c.Assert(g2.p, qt.Equals, p)
	g2.Unpin()
}

func TestNestedGuards(t *testing.T) {
	c := qt.New(t)
	g1 := Pin()
	g2 := Pin()
	c.Assert(g1.p == g2.p, qt.IsFalse)
	ran := false
	g2.Defer(func() { ran = true })
	g2.Unpin()
	g1.Unpin()
	drain()
	c.Assert(ran, qt.IsTrue)
}

func TestConcurrentPinDefer(t *testing.T) {
	const (
		workers = 8
		rounds  = 2000
	)
	var done uint64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				g := Pin()
				g.Defer(func() { gatomic.AddUint64(&done, 1) })
				g.Unpin()
			}
		}()
	}
	wg.Wait()
	for i := 0; i < 64 && gatomic.LoadUint64(&done) != workers*rounds; i++ {
		Pin().Unpin()
	}
	if got := gatomic.LoadUint64(&done); got != workers*rounds {
		t.Fatalf("ran %d deferred functions, want %d", got, workers*rounds)
	}
}
