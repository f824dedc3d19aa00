package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quereus/quereus/internal/errs"
	"github.com/quereus/quereus/internal/execmutex"
	"github.com/quereus/quereus/internal/schema"
	"github.com/quereus/quereus/internal/value"
)

// TableManager owns one table's layer chain and brokers every connection's
// commit and collapse against it (spec.md §4.5). There is exactly one
// TableManager per table, shared by every connection open against it.
type TableManager struct {
	schema *schema.TableSchema

	// mu guards committedTip and connections, the small bits of mutable
	// bookkeeping every goroutine touches. It is deliberately not the FIFO
	// execmutex.Mutex used for commit/collapse serialization below, since
	// those critical sections run for the duration of validation, not just a
	// pointer swap.
	mu           sync.Mutex
	base         *Layer
	committedTip *Layer
	connections  map[string]*Connection
	seq          uint64

	locks *execmutex.Registry
}

// NewTableManager creates a manager for a freshly defined table, seeded with
// an empty base layer.
func NewTableManager(sc *schema.TableSchema) *TableManager {
	base := newBaseLayer(sc)
	return &TableManager{
		schema:       sc,
		base:         base,
		committedTip: base,
		connections:  make(map[string]*Connection),
		locks:        execmutex.NewRegistry(),
	}
}

func (tm *TableManager) currentTip() *Layer {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.committedTip
}

// Connect hands out a new connection pointing at the table's current
// committed tip (§4.4).
func (tm *TableManager) Connect() *Connection {
	c := newConnection(tm)
	tm.mu.Lock()
	tm.connections[c.ID] = c
	tm.mu.Unlock()
	return c
}

func (tm *TableManager) disconnect(c *Connection) {
	tm.mu.Lock()
	delete(tm.connections, c.ID)
	tm.mu.Unlock()
}

// collectIntervening walks the committed chain from tip back to (but not
// including) parent, collecting every primary key written by a layer in
// between. reached is false if parent is no longer on the chain (it was
// collapsed away while still referenced, which would be an internal
// bookkeeping bug given ref-counting, not a normal busy condition).
func collectIntervening(tip, parent *Layer) (map[value.EncodedKey]struct{}, bool) {
	keys := make(map[value.EncodedKey]struct{})
	for l := tip; l != parent; l = l.parentLayer {
		if l == nil {
			return keys, false
		}
		l.primary.ForEachLocal(func(k value.EncodedKey, _ value.Row, _ bool) bool {
			keys[k] = struct{}{}
			return true
		})
	}
	return keys, true
}

func conflictsWithPending(keys map[value.EncodedKey]struct{}, pending *Layer) bool {
	conflict := false
	pending.primary.ForEachLocal(func(k value.EncodedKey, _ value.Row, _ bool) bool {
		if _, ok := keys[k]; ok {
			conflict = true
			return false
		}
		return true
	})
	return conflict
}

// commit validates pending (built as a child of parent) against the table's
// current committed tip and, if parent is still the tip, installs pending as
// the new tip. If any other transaction committed after parent was the tip,
// the commit is stale and fails with errs.ErrBusy, whichever rows either
// transaction wrote; the caller (the transaction manager) decides whether
// to retry.
func (tm *TableManager) commit(parent, pending *Layer) (*Layer, error) {
	lock := tm.locks.Named(execmutex.LockCommit)
	if err := lock.Lock(context.Background()); err != nil {
		return nil, err
	}
	defer lock.Unlock()

	tm.mu.Lock()
	tip := tm.committedTip
	tm.mu.Unlock()

	if tip != parent {
		return nil, fmt.Errorf("storage: transaction's parent layer is no longer the committed tip: %w", errs.ErrBusy)
	}

	tm.seq++
	pending.seq = tm.seq
	pending.markCommitted()

	tm.mu.Lock()
	tm.committedTip = pending
	tm.mu.Unlock()

	tm.tryCollapse()
	return pending, nil
}

// tryCollapse folds the oldest committed transaction layer into the base
// layer, provided no connection references either that layer or the base
// itself as a read snapshot or as a pending transaction's parent. It is a
// best-effort, non-blocking pass: a busy collapse lock or a still-referenced
// oldest layer or base simply means collapse happens on a later commit
// instead (§4.5 tryCollapse).
func (tm *TableManager) tryCollapse() {
	lock := tm.locks.Named(execmutex.LockCollapse)
	if !lock.TryLockTimeout(time.Millisecond) {
		return
	}
	defer lock.Unlock()

	tm.mu.Lock()
	tip := tm.committedTip
	base := tm.base
	tm.mu.Unlock()

	if tip == base {
		return
	}

	var chain []*Layer
	for l := tip; l != nil && l != base; l = l.parentLayer {
		chain = append(chain, l)
	}
	oldest := chain[len(chain)-1]
	if oldest.refs != 0 || base.refs != 0 {
		return
	}

	mergeLayerInto(base, oldest)

	if len(chain) == 1 {
		tm.mu.Lock()
		tm.committedTip = base
		tm.mu.Unlock()
		return
	}

	next := chain[len(chain)-2]
	next.parentLayer = base
	next.primary.SetParent(base.primary)
	for name, m := range next.secondary {
		if bm, ok := base.secondary[name]; ok {
			m.SetParent(bm)
		}
	}
}

// ConflictMode mirrors SQL's ON CONFLICT clause for a single DML statement.
type ConflictMode int

const (
	ConflictAbort ConflictMode = iota
	ConflictIgnore
	ConflictReplace
	ConflictRollback
	ConflictFail
)

func (tm *TableManager) encodeKey(pk value.PrimaryKey) value.EncodedKey {
	return value.EncodeKey(pk, tm.schema.KeySpec())
}

// Schema returns the table's schema, for callers (e.g. internal/memorymodule)
// that need to translate a scan plan's bound tuples into encoded keys.
func (tm *TableManager) Schema() *schema.TableSchema { return tm.schema }

// KeySpecFor returns the encoding spec for the primary key (indexName == "")
// or a named secondary index, and whether that index exists.
func (tm *TableManager) KeySpecFor(indexName string) (*value.KeySpec, bool) {
	if indexName == "" {
		return tm.schema.KeySpec(), true
	}
	for _, idx := range tm.schema.Indexes {
		if idx.Name == indexName {
			return indexKeySpec(tm.schema, idx), true
		}
	}
	return nil, false
}

// Upsert applies an insert-or-replace of newRow on conn's write layer,
// honoring mode when a row already exists at newRow's primary key.
// ok reports whether the row was written (false for a silent Ignore).
func (tm *TableManager) Upsert(conn *Connection, newRow value.Row, mode ConflictMode) (ok bool, err error) {
	layer := conn.WriteLayer()
	if layer == nil {
		return false, fmt.Errorf("storage: upsert outside a transaction: %w", errs.ErrMisuse)
	}
	if err := tm.validateRow(newRow); err != nil {
		return false, err
	}
	pk := tm.schema.ExtractKey(newRow)
	key := tm.encodeKey(pk)
	old, existed := layer.lookup(key)
	if existed {
		switch mode {
		case ConflictIgnore:
			return false, nil
		case ConflictReplace:
			// fall through to overwrite
		case ConflictRollback:
			conn.Rollback()
			return false, tm.constraintErr(pk)
		default: // ConflictAbort, ConflictFail
			return false, tm.constraintErr(pk)
		}
	}
	if err := layer.recordUpsert(tm.schema, key, pk, newRow, old, existed); err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes the row at key from conn's write layer, if present.
func (tm *TableManager) Delete(conn *Connection, pk value.PrimaryKey) error {
	layer := conn.WriteLayer()
	if layer == nil {
		return fmt.Errorf("storage: delete outside a transaction: %w", errs.ErrMisuse)
	}
	key := tm.encodeKey(pk)
	old, ok := layer.lookup(key)
	if !ok {
		return nil
	}
	return layer.recordDelete(tm.schema, key, old)
}

// LookupEffectiveRow returns the row visible to conn at pk, or ok=false if
// there is none (§4.5 lookupEffectiveRow).
func (tm *TableManager) LookupEffectiveRow(conn *Connection, pk value.PrimaryKey) (value.Row, bool) {
	return conn.ReadLayer().lookup(tm.encodeKey(pk))
}

func (tm *TableManager) constraintErr(pk value.PrimaryKey) error {
	witnesses := make([]string, 0, len(pk.Values))
	for _, v := range pk.Values {
		witnesses = append(witnesses, v.String())
	}
	return &errs.ConstraintViolation{Name: fmt.Sprintf("%s.primary_key", tm.schema.Name), Witnesses: witnesses}
}

// validateRow enforces the column and check constraints declared on the
// table (§7: not-null and check violations are raised during mutation) before
// row is written to any layer.
func (tm *TableManager) validateRow(row value.Row) error {
	for i, col := range tm.schema.Columns {
		if !col.Nullable && i < len(row) && row[i].IsNull() {
			return &errs.ConstraintViolation{
				Name:      fmt.Sprintf("%s.%s", tm.schema.Name, col.Name),
				Witnesses: []string{"NULL"},
			}
		}
	}
	for _, chk := range tm.schema.Checks {
		ok, err := chk.Evaluate(row)
		if err != nil {
			return fmt.Errorf("storage: evaluating check %s.%s: %w", tm.schema.Name, chk.Name, err)
		}
		if !ok {
			return &errs.ConstraintViolation{Name: fmt.Sprintf("%s.%s", tm.schema.Name, chk.Name)}
		}
	}
	return nil
}
