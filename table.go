package nestedmap

import (
	"github.com/rogpeppe/nestedmap/epoch"
	"github.com/rogpeppe/nestedmap/gatomic"
)

// entry is an immutable key-value pair. An entry is never mutated
// after it has been published; replacing a key's value publishes a
// fresh entry and retires the old one.
type entry[Key, Value any] struct {
	key   Key
	value Value
}

// bucket is the content of one table slot: a leaf holding an entry, or
// a branch holding a child table. Exactly one of the two fields is
// non-nil. An empty slot is represented by a nil *bucket rather than
// by a third variant, so empty slots cost nothing.
type bucket[Key, Value any] struct {
	leaf   *entry[Key, Value]
	branch *table[Key, Value]
}

// table is an inner node of the trie: 256 slots, one per possible
// squeezed byte. Slots are only ever read and written through gatomic;
// the sole exception is withTwoEntries, which fills a table that has
// not been published yet.
type table[Key, Value any] struct {
	slots [256]*bucket[Key, Value]
}

// tlookup finds key under t. The returned pointer refers into a live
// entry and stays valid for the lifetime of the caller's guard.
// Wait-free: one slot load per level, no retries.
func (c *Map[Key, Value]) tlookup(t *table[Key, Value], key Key, sp *sponge[Key], g *epoch.Guard) *Value {
	b := gatomic.LoadPointer(&t.slots[sp.squeeze()])
	switch {
	case b == nil:
		return nil
	case b.leaf != nil:
		// Trajectory equality got us here; only key equality decides.
		if c.eqFunc(b.leaf.key, key) {
			return &b.leaf.value
		}
		return nil
	default:
		return c.tlookup(b.branch, key, sp, g)
	}
}

// tinsert publishes nb, a freshly allocated leaf bucket, somewhere
// under t. It reports the displaced value if nb's key was already
// present. A failed CAS means another writer touched the slot; the
// slot is re-read and the same level retried.
func (c *Map[Key, Value]) tinsert(t *table[Key, Value], nb *bucket[Key, Value], sp *sponge[Key], g *epoch.Guard) (Value, bool) {
	i := sp.squeeze()
	for {
		b := gatomic.LoadPointer(&t.slots[i])
		switch {
		case b == nil:
			if gatomic.CompareAndSwapPointer(&t.slots[i], nil, nb) {
				return z[Value](), false
			}
		case b.branch != nil:
			return c.tinsert(b.branch, nb, sp, g)
		case c.eqFunc(b.leaf.key, nb.leaf.key):
			if gatomic.CompareAndSwapPointer(&t.slots[i], b, nb) {
				old := b.leaf.value
				retire(g, b)
				return old, true
			}
		default:
			// A different key lives at this position, so the leaf
			// becomes a branch holding both. The existing leaf's
			// sponge is rebuilt and aligned to the current depth.
			// Construction consumes the sponges, so it works on
			// copies: if the CAS below loses, the retry must squeeze
			// from the same position again.
			osp := newSponge(b.leaf.key, c.hashFunc)
			osp.matching(sp)
			nsp := *sp
			nt := withTwoEntries(nb, &nsp, b, &osp)
			if gatomic.CompareAndSwapPointer(&t.slots[i], b, &bucket[Key, Value]{branch: nt}) {
				return z[Value](), false
			}
			// The subtree was never published. It is simply dropped:
			// b still belongs to the slot (another writer may have
			// won it), so nothing here may be retired.
		}
	}
}

// tremove unlinks key's leaf under t, if present. Finding a leaf with
// a different key proves key is absent: a key's position at every
// depth is fully determined by its sponge.
func (c *Map[Key, Value]) tremove(t *table[Key, Value], key Key, sp *sponge[Key], g *epoch.Guard) (Value, bool) {
	i := sp.squeeze()
	for {
		b := gatomic.LoadPointer(&t.slots[i])
		switch {
		case b == nil:
			return z[Value](), false
		case b.branch != nil:
			// A branch never reverts to a leaf or an empty slot,
			// even when its subtree drains, so recursing is safe
			// without re-checking this slot.
			return c.tremove(b.branch, key, sp, g)
		case !c.eqFunc(b.leaf.key, key):
			return z[Value](), false
		default:
			if gatomic.CompareAndSwapPointer(&t.slots[i], b, nil) {
				v := b.leaf.value
				retire(g, b)
				return v, true
			}
		}
	}
}

// withTwoEntries builds the subtree that separates two leaves whose
// trajectories agree up to the sponges' current position. While the
// sponges keep colliding the construction nests one level deeper; the
// streams are unbounded and eventually distinct for distinct keys, so
// this terminates. The new tables are filled with plain writes: they
// become shared only via the single publishing CAS in tinsert.
func withTwoEntries[Key, Value any](b1 *bucket[Key, Value], sp1 *sponge[Key], b2 *bucket[Key, Value], sp2 *sponge[Key]) *table[Key, Value] {
	t := new(table[Key, Value])
	i1 := sp1.squeeze()
	i2 := sp2.squeeze()
	if i1 != i2 {
		t.slots[i1] = b1
		t.slots[i2] = b2
	} else {
		t.slots[i1] = &bucket[Key, Value]{branch: withTwoEntries(b1, sp1, b2, sp2)}
	}
	return t
}

// retire hands an unlinked bucket to the collector. The deferred
// function only severs the bucket's links; it never reads the entry,
// so a reader that obtained a value reference under an older guard is
// unaffected.
func retire[Key, Value any](g *epoch.Guard, b *bucket[Key, Value]) {
	g.Defer(func() {
		b.leaf = nil
		b.branch = nil
	})
}
