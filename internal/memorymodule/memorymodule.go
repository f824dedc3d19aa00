// Package memorymodule implements the one virtual-table backend this
// repository ships: the in-memory, layered-MVCC store built in
// internal/storage, wrapped behind the contracts.Module protocol (§6) so it
// can be registered in the catalog under a name ("memory" by default, per
// the default_vtab_module option) like any other backend would be.
//
// DefineTable/DropTable/TableManager are extra surface beyond
// contracts.Module: they let the session façade reach the concrete
// *storage.TableManager backing a table directly, for the savepoint-aware
// Connection API that §4.4's transaction manager needs and that the
// generic ModuleConnection contract (deliberately modeled on a simpler,
// non-transactional vtab shape) does not expose.
package memorymodule

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/quereus/quereus/internal/contracts"
	"github.com/quereus/quereus/internal/errs"
	"github.com/quereus/quereus/internal/omap"
	"github.com/quereus/quereus/internal/schema"
	"github.com/quereus/quereus/internal/storage"
	"github.com/quereus/quereus/internal/value"
)

type tableEntry struct {
	tm   *storage.TableManager
	mu   sync.Mutex
	subs map[uuid.UUID]func(contracts.ChangeEvent)
}

func newTableEntry(tm *storage.TableManager) *tableEntry {
	return &tableEntry{tm: tm, subs: make(map[uuid.UUID]func(contracts.ChangeEvent))}
}

func (e *tableEntry) fire(ev contracts.ChangeEvent) {
	e.mu.Lock()
	listeners := make([]func(contracts.ChangeEvent), 0, len(e.subs))
	for _, l := range e.subs {
		listeners = append(listeners, l)
	}
	e.mu.Unlock()
	for _, l := range listeners {
		l(ev)
	}
}

// Module is the "memory" virtual-table backend: one storage.TableManager
// per defined table, each with its own change-event subscriber set.
type Module struct {
	mu     sync.Mutex
	tables map[string]*tableEntry
}

// New creates an empty memory module with no tables defined.
func New() *Module {
	return &Module{tables: make(map[string]*tableEntry)}
}

// DefineTable creates a fresh, empty table backed by a new
// storage.TableManager. Returns errs.ErrMisuse if the qualified name is
// already defined in this module.
func (m *Module) DefineTable(sc *schema.TableSchema) (*storage.TableManager, error) {
	qn := sc.QualifiedName()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tables[qn]; exists {
		return nil, fmt.Errorf("memorymodule: table %s already defined: %w", qn, errs.ErrMisuse)
	}
	tm := storage.NewTableManager(sc)
	m.tables[qn] = newTableEntry(tm)
	return tm, nil
}

// DropTable removes a table's storage entirely; any subscribers are simply
// discarded along with it.
func (m *Module) DropTable(qualified string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[qualified]; !ok {
		return fmt.Errorf("memorymodule: table %s not defined: %w", qualified, errs.ErrNotFound)
	}
	delete(m.tables, qualified)
	return nil
}

// TableManager returns the concrete storage manager backing qualified, for
// callers (the session façade's transaction registration) that need the
// full Connection/savepoint surface §4.4 describes rather than the generic
// ModuleConnection contract below.
func (m *Module) TableManager(qualified string) (*storage.TableManager, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tables[qualified]
	if !ok {
		return nil, false
	}
	return e.tm, true
}

// NotifySchemaChange fires a schema-only change event to qualified's
// subscribers; called by the session façade after a successful ALTER.
func (m *Module) NotifySchemaChange(qualified string) {
	m.mu.Lock()
	e, ok := m.tables[qualified]
	m.mu.Unlock()
	if ok {
		e.fire(contracts.ChangeEvent{Table: qualified, SchemaOnly: true})
	}
}

// Connect implements contracts.Module: it hands out a ModuleConnection
// wrapping a fresh storage.Connection for the named table.
func (m *Module) Connect(_ context.Context, schemaName, tableName string, _ map[string]string) (contracts.ModuleConnection, error) {
	qn := schemaName + "." + tableName
	m.mu.Lock()
	e, ok := m.tables[qn]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("memorymodule: table %s not defined: %w", qn, errs.ErrNotFound)
	}
	return &connHandle{qualified: qn, entry: e, conn: e.tm.Connect()}, nil
}

// connHandle adapts one storage.Connection to the generic
// contracts.ModuleConnection shape. It only ever uses ConflictAbort
// semantics for XUpdate: richer ON CONFLICT handling is a DML-statement
// concern the session façade implements against storage.TableManager
// directly (see TableManager above), not something the generic module
// protocol carries a parameter for.
type connHandle struct {
	qualified string
	entry     *tableEntry
	conn      *storage.Connection
}

func (h *connHandle) Begin() error {
	h.conn.Begin()
	return nil
}

func (h *connHandle) Commit() error {
	if err := h.conn.Commit(); err != nil {
		return err
	}
	h.entry.fire(contracts.ChangeEvent{Table: h.qualified})
	return nil
}

func (h *connHandle) Rollback() error {
	h.conn.Rollback()
	return nil
}

func (h *connHandle) Disconnect() error {
	h.conn.Close()
	return nil
}

func (h *connHandle) XQuery(_ context.Context, plan contracts.ScanPlan) (contracts.RowIterator, error) {
	spec, ok := h.entry.tm.KeySpecFor(plan.IndexName)
	if !ok {
		return nil, fmt.Errorf("memorymodule: index %s not found on %s: %w", plan.IndexName, h.qualified, errs.ErrNotFound)
	}
	r := omap.Range{LowIncl: plan.LowIncl, HighIncl: plan.HighIncl}
	if plan.Low != nil {
		k := value.EncodeKey(*plan.Low, spec)
		r.Low = &k
	}
	if plan.High != nil {
		k := value.EncodeKey(*plan.High, spec)
		r.High = &k
	}

	var rows []value.Row
	yield := func(row value.Row) bool {
		rows = append(rows, row)
		return true
	}
	if plan.IndexName == "" {
		h.entry.tm.ScanPrimary(h.conn, r, plan.Dir, yield)
	} else {
		h.entry.tm.ScanIndex(h.conn, plan.IndexName, r, plan.Dir, yield)
	}
	return &sliceIterator{rows: rows}, nil
}

func (h *connHandle) XUpdate(_ context.Context, op contracts.UpdateOp, newRow value.Row, oldKey *value.PrimaryKey) (value.Row, error) {
	var mutOp storage.MutationOp
	switch op {
	case contracts.UpdateInsert:
		mutOp = storage.OpInsert
	case contracts.UpdateUpdate:
		mutOp = storage.OpUpdate
	case contracts.UpdateDelete:
		mutOp = storage.OpDelete
	default:
		return nil, fmt.Errorf("memorymodule: unknown update op %d: %w", op, errs.ErrInternal)
	}
	return h.entry.tm.PerformMutation(h.conn, mutOp, newRow, oldKey, storage.ConflictAbort)
}

func (h *connHandle) Subscribe(fn func(contracts.ChangeEvent)) func() {
	token := uuid.New()
	h.entry.mu.Lock()
	h.entry.subs[token] = fn
	h.entry.mu.Unlock()
	return func() {
		h.entry.mu.Lock()
		delete(h.entry.subs, token)
		h.entry.mu.Unlock()
	}
}

// sliceIterator is the simplest possible contracts.RowIterator: XQuery
// already materializes its result (the storage scan operators are
// synchronous, non-blocking in-memory walks), so there is no resource to
// release incrementally.
type sliceIterator struct {
	rows []value.Row
	pos  int
}

func (it *sliceIterator) Next(_ context.Context) (value.Row, bool, error) {
	if it.pos >= len(it.rows) {
		return nil, false, nil
	}
	row := it.rows[it.pos]
	it.pos++
	return row, true, nil
}

func (it *sliceIterator) Close() error { return nil }
