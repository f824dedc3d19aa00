// Package omap implements an ordered map with inheritance: a point/range
// lookup structure whose child instances transparently fall back to a
// parent for keys they don't hold locally, while writes stay local to the
// child. It backs every layer in the storage engine's layer chain (§4.1).
package omap

import (
	"fmt"

	"github.com/google/btree"

	"github.com/quereus/quereus/internal/errs"
	"github.com/quereus/quereus/internal/value"
)

const degree = 32

type slotKind uint8

const (
	slotValue slotKind = iota
	slotTombstone
)

type slot[V any] struct {
	kind  slotKind
	value V
}

type entry[V any] struct {
	key  value.EncodedKey
	slot slot[V]
}

func lessEntry[V any](a, b entry[V]) bool { return a.key < b.key }

// GetResult is the tri-state outcome of Get: a key is found with a live
// value, found but tombstoned (deleted in this map or a descendant), or
// entirely absent.
type GetResult int

const (
	Miss GetResult = iota
	Found
	Tombstoned
)

// Map is a point/range-lookup structure over EncodedKey, optionally
// inheriting reads from a parent Map. It is the payload-agnostic core
// shared by the storage engine's base and transaction layers; V is
// normally value.Row.
type Map[V any] struct {
	tree      *btree.BTreeG[entry[V]]
	parent    *Map[V]
	immutable bool
}

// New creates a standalone map with no parent.
func New[V any]() *Map[V] {
	return &Map[V]{tree: btree.NewG[entry[V]](degree, lessEntry[V])}
}

// Child returns a new map whose reads fall back to m for keys it does not
// hold locally. m is unaffected by writes to the child.
func (m *Map[V]) Child() *Map[V] {
	return &Map[V]{tree: btree.NewG[entry[V]](degree, lessEntry[V]), parent: m}
}

// MarkImmutable freezes the map against further local mutation. Used when a
// transaction layer is marked committed.
func (m *Map[V]) MarkImmutable() { m.immutable = true }

// Immutable reports whether the map has been frozen.
func (m *Map[V]) Immutable() bool { return m.immutable }

func (m *Map[V]) checkMutable() error {
	if m.immutable {
		return fmt.Errorf("omap: mutation on immutable map: %w", errs.ErrInternal)
	}
	return nil
}

// Put writes a value at key in the local map, shadowing any parent entry.
func (m *Map[V]) Put(key value.EncodedKey, v V) error {
	if err := m.checkMutable(); err != nil {
		return err
	}
	m.tree.ReplaceOrInsert(entry[V]{key: key, slot: slot[V]{kind: slotValue, value: v}})
	return nil
}

// Tombstone marks key as deleted in the local map, shadowing any parent
// value for the same key.
func (m *Map[V]) Tombstone(key value.EncodedKey) error {
	if err := m.checkMutable(); err != nil {
		return err
	}
	var zero V
	m.tree.ReplaceOrInsert(entry[V]{key: key, slot: slot[V]{kind: slotTombstone, value: zero}})
	return nil
}

// Get looks up key, checking the local map first and falling back to the
// parent chain on a local miss. A local tombstone shadows any parent value
// and is reported as Tombstoned without consulting the parent.
func (m *Map[V]) Get(key value.EncodedKey) (V, GetResult) {
	if e, ok := m.tree.Get(entry[V]{key: key}); ok {
		if e.slot.kind == slotTombstone {
			var zero V
			return zero, Tombstoned
		}
		return e.slot.value, Found
	}
	if m.parent != nil {
		return m.parent.Get(key)
	}
	var zero V
	return zero, Miss
}

// ForEachLocal visits every local entry (values and tombstones alike),
// ascending by key, without consulting the parent. Used to replay one map's
// own writes onto another, e.g. merging a released savepoint layer into its
// parent.
func (m *Map[V]) ForEachLocal(yield func(key value.EncodedKey, v V, tombstone bool) bool) {
	m.tree.Ascend(func(e entry[V]) bool {
		return yield(e.key, e.slot.value, e.slot.kind == slotTombstone)
	})
}

// HasLocal reports whether key has a local entry (value or tombstone),
// without consulting the parent.
func (m *Map[V]) HasLocal(key value.EncodedKey) bool {
	_, ok := m.tree.Get(entry[V]{key: key})
	return ok
}

// LocalLen returns the number of local entries (values and tombstones).
func (m *Map[V]) LocalLen() int { return m.tree.Len() }

// HasLocalChanges reports whether the local map holds any entry at all.
func (m *Map[V]) HasLocalChanges() bool { return m.tree.Len() > 0 }

// Parent returns the parent map, or nil if m is standalone.
func (m *Map[V]) Parent() *Map[V] { return m.parent }

// SetParent reparents m. Used only by collapse, which detaches a layer's
// former parent once it becomes unreachable and attaches a materialized
// replacement (or nil).
func (m *Map[V]) SetParent(p *Map[V]) { m.parent = p }

// Range bounds a Scan. A nil Low/High means unbounded on that side.
type Range struct {
	Low      *value.EncodedKey
	High     *value.EncodedKey
	LowIncl  bool
	HighIncl bool
}

func inRange(key value.EncodedKey, r Range) bool {
	if r.Low != nil {
		c := value.CompareEncoded(key, *r.Low)
		if r.LowIncl {
			if c < 0 {
				return false
			}
		} else if c <= 0 {
			return false
		}
	}
	if r.High != nil {
		c := value.CompareEncoded(key, *r.High)
		if r.HighIncl {
			if c > 0 {
				return false
			}
		} else if c >= 0 {
			return false
		}
	}
	return true
}

// localEntries returns this map's own entries within r, ascending, value and
// tombstone slots both included (tombstones are resolved by the caller).
func (m *Map[V]) localEntries(r Range) []entry[V] {
	var out []entry[V]
	m.tree.Ascend(func(e entry[V]) bool {
		if r.High != nil {
			c := value.CompareEncoded(e.key, *r.High)
			if (r.HighIncl && c > 0) || (!r.HighIncl && c >= 0) {
				return false
			}
		}
		if inRange(e.key, r) {
			out = append(out, e)
		}
		return true
	})
	return out
}

// collect returns the fully shadow-resolved, ascending list of effective
// (live) entries within r, walking the whole parent chain.
func (m *Map[V]) collect(r Range) []entry[V] {
	local := m.localEntries(r)
	var parentEffective []entry[V]
	if m.parent != nil {
		parentEffective = m.parent.collect(r)
	}
	return mergeShadow(local, parentEffective)
}

// mergeShadow merges local (value+tombstone slots) over parentEffective
// (value slots only, already resolved), with local entries taking priority
// for shared keys. Both inputs must be ascending by key.
func mergeShadow[V any](local, parentEffective []entry[V]) []entry[V] {
	out := make([]entry[V], 0, len(local)+len(parentEffective))
	i, j := 0, 0
	for i < len(local) && j < len(parentEffective) {
		switch {
		case local[i].key < parentEffective[j].key:
			if local[i].slot.kind == slotValue {
				out = append(out, local[i])
			}
			i++
		case local[i].key > parentEffective[j].key:
			out = append(out, parentEffective[j])
			j++
		default:
			// Same key: local shadows parent, whether value or tombstone.
			if local[i].slot.kind == slotValue {
				out = append(out, local[i])
			}
			i++
			j++
		}
	}
	for ; i < len(local); i++ {
		if local[i].slot.kind == slotValue {
			out = append(out, local[i])
		}
	}
	for ; j < len(parentEffective); j++ {
		out = append(out, parentEffective[j])
	}
	return out
}

// Scan yields the effective (post-shadowing) key/value pairs within r, in
// the requested direction. Iteration stops early if yield returns false.
func (m *Map[V]) Scan(r Range, dir value.Direction, yield func(key value.EncodedKey, v V) bool) {
	merged := m.collect(r)
	if dir == value.Desc {
		for i := len(merged) - 1; i >= 0; i-- {
			if !yield(merged[i].key, merged[i].slot.value) {
				return
			}
		}
		return
	}
	for _, e := range merged {
		if !yield(e.key, e.slot.value) {
			return
		}
	}
}

// Detach materializes the effective contents (parent chain plus local
// shadowing) into a standalone map and drops the parent link. Used by layer
// collapse to make a child independent of a no-longer-referenced parent.
func (m *Map[V]) Detach() *Map[V] {
	effective := m.collect(Range{})
	out := New[V]()
	for _, e := range effective {
		out.tree.ReplaceOrInsert(entry[V]{key: e.key, slot: slot[V]{kind: slotValue, value: e.slot.value}})
	}
	return out
}
