/*
Package nestedmap provides a lock-free concurrent map built as a
256-way radix trie over a per-key byte stream.

The only synchronization primitive used is compare-and-swap, which
makes every operation lock-free: there are no mutexes, spin waits or
blocking of any kind, and the structure never rehashes. It grows
incrementally instead, by splitting a leaf into a branch when a second
key reaches the same slot.

Readers and writers run under epoch guards (see the epoch package). An
operation takes an explicit *epoch.Guard so that callers can amortize
one pin over many operations and so that Lookup can hand back a
reference whose validity is bounded by the guard. The Get, Set and
Remove convenience methods pin internally and trade the reference for
a copied value.
*/
package nestedmap

import (
	"bytes"
	crand "crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/rogpeppe/nestedmap/epoch"
)

// hashSalt perturbs every digest so that trie shapes are not
// predictable across processes.
var hashSalt = func() uint64 {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		panic(err)
	}
	return binary.LittleEndian.Uint64(b[:])
}()

// StringHash returns digest block seed for a string key.
func StringHash(key string, seed uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], seed^hashSalt)
	var d xxhash.Digest
	d.Reset()
	d.Write(buf[:])
	d.WriteString(key)
	return d.Sum64()
}

// BytesHash returns digest block seed for a byte-slice key.
func BytesHash(key []byte, seed uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], seed^hashSalt)
	var d xxhash.Digest
	d.Reset()
	d.Write(buf[:])
	d.Write(key)
	return d.Sum64()
}

type String string

func (s String) Hash(seed uint64) uint64 {
	return StringHash(string(s), seed)
}

// Hasher is implemented by key types that can hash themselves. The
// seed selects one block of the key's digest: calls with different
// seeds must act as independent hash functions, and two distinct keys
// must differ under some seed. Equal keys must hash equally for every
// seed.
type Hasher interface {
	comparable
	Hash(seed uint64) uint64
}

// Map is a map that can be read and updated by any number of
// goroutines concurrently. Every single-key operation is linearizable.
type Map[Key, Value any] struct {
	root     *table[Key, Value]
	eqFunc   func(Key, Key) bool
	hashFunc func(Key, uint64) uint64
}

// New returns a new empty Map.
func New[Key Hasher, Value any]() *Map[Key, Value] {
	return NewWithFuncs[Key, Value](func(k1, k2 Key) bool {
		return k1 == k2
	}, Key.Hash)
}

// NewWithFuncs is like New except that it uses explicit functions for
// comparison and hashing instead of relying on comparison and hashing
// on the key itself. A nil eqFunc or hashFunc is filled in for string
// and []byte keys.
func NewWithFuncs[Key, Value any](
	eqFunc func(k1, k2 Key) bool,
	hashFunc func(key Key, seed uint64) uint64,
) *Map[Key, Value] {
	if eqFunc == nil {
		var k Key
		switch (interface{}(k)).(type) {
		case string:
			eqFunc = interface{}(func(k1, k2 string) bool {
				return k1 == k2
			}).(func(Key, Key) bool)
		case []byte:
			eqFunc = interface{}(bytes.Equal).(func(Key, Key) bool)
		default:
			panic(fmt.Errorf("no equality type known for %T", k))
		}
	}
	if hashFunc == nil {
		var k Key
		switch (interface{}(k)).(type) {
		case string:
			hashFunc = interface{}(StringHash).(func(Key, uint64) uint64)
		case []byte:
			hashFunc = interface{}(BytesHash).(func(Key, uint64) uint64)
		default:
			panic(fmt.Errorf("no hash type known for %T", k))
		}
	}
	return &Map[Key, Value]{
		root:     new(table[Key, Value]),
		eqFunc:   eqFunc,
		hashFunc: hashFunc,
	}
}

// Lookup returns a reference to the value for key, or nil if key is
// absent. The reference stays valid for the lifetime of g; copy the
// value out before unpinning if it is needed for longer.
func (c *Map[Key, Value]) Lookup(key Key, g *epoch.Guard) *Value {
	sp := newSponge(key, c.hashFunc)
	return c.tlookup(c.root, key, &sp, g)
}

// Insert sets the value for key. If key was already present, the
// displaced value is returned with replaced true.
func (c *Map[Key, Value]) Insert(key Key, value Value, g *epoch.Guard) (old Value, replaced bool) {
	sp := newSponge(key, c.hashFunc)
	nb := &bucket[Key, Value]{
		leaf: &entry[Key, Value]{key: key, value: value},
	}
	return c.tinsert(c.root, nb, &sp, g)
}

// Delete removes key, returning the removed value and reporting
// whether key was present.
func (c *Map[Key, Value]) Delete(key Key, g *epoch.Guard) (Value, bool) {
	sp := newSponge(key, c.hashFunc)
	return c.tremove(c.root, key, &sp, g)
}

// Get returns the value for key and reports whether key is present.
func (c *Map[Key, Value]) Get(key Key) (Value, bool) {
	g := epoch.Pin()
	defer g.Unpin()
	v := c.Lookup(key, g)
	if v == nil {
		return z[Value](), false
	}
	return *v, true
}

// Set sets the value for key, replacing any existing value.
func (c *Map[Key, Value]) Set(key Key, value Value) {
	g := epoch.Pin()
	defer g.Unpin()
	c.Insert(key, value, g)
}

// Remove removes key, returning the removed value and reporting
// whether key was present.
func (c *Map[Key, Value]) Remove(key Key) (Value, bool) {
	g := epoch.Pin()
	defer g.Unpin()
	return c.Delete(key, g)
}

// z returns the zero value of V.
func z[V any]() V {
	var v V
	return v
}
