// Package storage implements the layered, multi-version storage engine
// backing the in-memory virtual-table module: base layers, transaction
// layers, table connections, and the table manager that brokers commits and
// collapses (spec.md §4.2–§4.5).
package storage

import (
	"github.com/quereus/quereus/internal/omap"
	"github.com/quereus/quereus/internal/schema"
	"github.com/quereus/quereus/internal/value"
)

// LayerKind tags a Layer's sealed variant (§9: "represent as a sealed
// variant tagged at construction, with shared operations dispatched on the
// tag" rather than instance-of branching between two struct types).
type LayerKind uint8

const (
	LayerBase LayerKind = iota
	LayerTransaction
)

// Layer is one immutable-once-committed slice of a table's layer chain. A
// base layer (LayerBase) is freely mutable under the table's schema-change
// lock; a transaction layer (LayerTransaction) is append-only with respect
// to effective semantics and is parented by exactly one other layer.
type Layer struct {
	kind      LayerKind
	primary   *omap.Map[value.Row]
	secondary map[string]*omap.Map[value.PrimaryKey]
	committed bool
	// seq is the commit sequence number; transaction layers are collapsed
	// strictly in this order (§4.5 "never out of order").
	seq uint64
	// parentLayer mirrors the omap parent chain at the Layer level, so
	// connection/collapse bookkeeping doesn't need to reach into omap
	// internals to find "the layer below".
	parentLayer *Layer
	// refs counts connections using this layer as a read-snapshot or as a
	// pending layer's parent; tryCollapse only proceeds past a layer once
	// this reaches zero.
	refs int
}

func newSecondaryMaps(sc *schema.TableSchema) map[string]*omap.Map[value.PrimaryKey] {
	out := make(map[string]*omap.Map[value.PrimaryKey], len(sc.Indexes))
	for _, idx := range sc.Indexes {
		out[idx.Name] = omap.New[value.PrimaryKey]()
	}
	return out
}

// newBaseLayer creates the root layer for a newly created table.
func newBaseLayer(sc *schema.TableSchema) *Layer {
	return &Layer{
		kind:      LayerBase,
		primary:   omap.New[value.Row](),
		secondary: newSecondaryMaps(sc),
		committed: true,
	}
}

// child creates a transaction layer parented at l.
func (l *Layer) child() *Layer {
	sec := make(map[string]*omap.Map[value.PrimaryKey], len(l.secondary))
	for name, m := range l.secondary {
		sec[name] = m.Child()
	}
	return &Layer{
		kind:        LayerTransaction,
		primary:     l.primary.Child(),
		secondary:   sec,
		parentLayer: l,
	}
}

// ref/unref track how many connections anchor a read snapshot or a pending
// layer's parent at l. tryCollapse only folds a committed layer into its
// parent once the refs of both reach zero, so no connection's existing view
// is pulled out from under it.
func (l *Layer) ref() {
	if l != nil {
		l.refs++
	}
}

func (l *Layer) unref() {
	if l != nil {
		l.refs--
	}
}

func indexKeySpec(sc *schema.TableSchema, idx schema.IndexDef) *value.KeySpec {
	spec := &value.KeySpec{}
	for _, kc := range idx.Columns {
		col := sc.Columns[kc.ColumnIndex]
		spec.Collations = append(spec.Collations, col.Collation)
		spec.Directions = append(spec.Directions, kc.Direction)
	}
	return spec
}

func encodeIndexKey(sc *schema.TableSchema, idx schema.IndexDef, row value.Row) value.EncodedKey {
	vs := make([]value.Value, len(idx.Columns))
	for i, kc := range idx.Columns {
		vs[i] = row[kc.ColumnIndex]
	}
	return value.EncodeKey(value.NewPrimaryKey(vs...), indexKeySpec(sc, idx))
}

func (l *Layer) addSecondaryEntries(sc *schema.TableSchema, pk value.PrimaryKey, row value.Row) {
	for _, idx := range sc.Indexes {
		m, ok := l.secondary[idx.Name]
		if !ok {
			continue
		}
		_ = m.Put(encodeIndexKey(sc, idx, row), pk)
	}
}

func (l *Layer) removeSecondaryEntries(sc *schema.TableSchema, row value.Row) {
	for _, idx := range sc.Indexes {
		m, ok := l.secondary[idx.Name]
		if !ok {
			continue
		}
		_ = m.Tombstone(encodeIndexKey(sc, idx, row))
	}
}

// recordUpsert writes newRow at key into the local (transaction or base)
// layer, updating secondary indexes. oldRow/hadOld describe the row being
// replaced, if any, so stale secondary entries can be removed.
func (l *Layer) recordUpsert(sc *schema.TableSchema, key value.EncodedKey, pk value.PrimaryKey, newRow, oldRow value.Row, hadOld bool) error {
	if err := l.primary.Put(key, newRow); err != nil {
		return err
	}
	if hadOld {
		l.removeSecondaryEntries(sc, oldRow)
	}
	l.addSecondaryEntries(sc, pk, newRow)
	return nil
}

// recordDelete tombstones key in the local layer, removing secondary
// entries for the row being deleted.
func (l *Layer) recordDelete(sc *schema.TableSchema, key value.EncodedKey, oldRow value.Row) error {
	if err := l.primary.Tombstone(key); err != nil {
		return err
	}
	l.removeSecondaryEntries(sc, oldRow)
	return nil
}

// hasChanges reports whether the layer holds any local modification. Only
// meaningful for transaction layers.
func (l *Layer) hasChanges() bool { return l.primary.HasLocalChanges() }

// markCommitted freezes the layer against further local mutation.
func (l *Layer) markCommitted() {
	l.committed = true
	l.primary.MarkImmutable()
	for _, m := range l.secondary {
		m.MarkImmutable()
	}
}

// detach materializes the layer's effective contents (its own entries plus
// everything visible through its parent chain) into a standalone layer with
// no parent link. Used by collapse.
func (l *Layer) detach() *Layer {
	sec := make(map[string]*omap.Map[value.PrimaryKey], len(l.secondary))
	for name, m := range l.secondary {
		sec[name] = m.Detach()
	}
	out := &Layer{
		kind:      l.kind,
		primary:   l.primary.Detach(),
		secondary: sec,
		committed: l.committed,
		seq:       l.seq,
	}
	return out
}

// lookup returns the effective row at key, or ok=false for either a miss or
// a tombstone (§4.5 lookupEffectiveRow: "returns null for either miss or
// tombstone").
func (l *Layer) lookup(key value.EncodedKey) (value.Row, bool) {
	row, res := l.primary.Get(key)
	return row, res == omap.Found
}
