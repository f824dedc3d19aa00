// Package txn implements the transaction manager (spec.md §4.9): the
// autocommit/implicit/explicit state machine that coordinates every
// registered table connection's begin/commit/rollback and savepoint
// lifecycle, runs assertions and drains deferred constraints ahead of
// commit, and clears the change log afterward.
package txn

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/quereus/quereus/internal/assert"
	"github.com/quereus/quereus/internal/catalog"
	"github.com/quereus/quereus/internal/changelog"
	"github.com/quereus/quereus/internal/contracts"
	"github.com/quereus/quereus/internal/deferred"
	"github.com/quereus/quereus/internal/errs"
	"github.com/quereus/quereus/internal/storage"
	"github.com/quereus/quereus/internal/value"
)

// State is one of the transaction manager's three mutually exclusive
// transaction states.
type State int

const (
	StateAutocommit State = iota
	StateImplicit
	StateExplicit
)

func (s State) String() string {
	switch s {
	case StateAutocommit:
		return "autocommit"
	case StateImplicit:
		return "implicit"
	case StateExplicit:
		return "explicit"
	default:
		return "unknown"
	}
}

// Manager is one session's transaction coordinator, spanning every table
// the session has touched.
type Manager struct {
	mu sync.Mutex

	state State

	catalog    *catalog.Catalog
	assertions *assert.Evaluator

	tableManagers map[string]*storage.TableManager
	connections   map[string]*storage.Connection
	order         []string // registration order, preserved for deterministic commit

	changelog *changelog.Log
	deferredQ *deferred.Queue
	keySpecs  map[string]*value.KeySpec

	savepoints map[string]int

	// evaluatingDeferred suppresses the auto-begin a new connection would
	// otherwise get while registering; deferred-constraint evaluators read
	// against a source connection's snapshot, not the live pending layer.
	evaluatingDeferred bool
}

// New creates a transaction manager in the autocommit state.
func New(cat *catalog.Catalog, assertions *assert.Evaluator) *Manager {
	return &Manager{
		catalog:       cat,
		assertions:    assertions,
		tableManagers: make(map[string]*storage.TableManager),
		connections:   make(map[string]*storage.Connection),
		keySpecs:      make(map[string]*value.KeySpec),
		changelog:     changelog.New(),
		deferredQ:     deferred.New(),
		savepoints:    make(map[string]int),
	}
}

// RegisterTableManager makes a table's storage.TableManager available for
// lazy connection on first use. qualified is the table's "schema.table"
// name and spec its primary-key encoding, used by RecordInsert/Delete/
// Update.
func (m *Manager) RegisterTableManager(qualified string, tm *storage.TableManager, spec *value.KeySpec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tableManagers[qualified] = tm
	m.keySpecs[qualified] = spec
}

// State returns the manager's current transaction state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ConnectionFor returns the connection for qualified, lazily connecting to
// its table manager on first reference. If a transaction is open, the new
// connection is begun immediately so it joins the coordinated commit.
func (m *Manager) ConnectionFor(qualified string) (*storage.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectionForLocked(qualified)
}

func (m *Manager) connectionForLocked(qualified string) (*storage.Connection, error) {
	if conn, ok := m.connections[qualified]; ok {
		return conn, nil
	}
	tm, ok := m.tableManagers[qualified]
	if !ok {
		return nil, fmt.Errorf("txn: table %s not registered: %w", qualified, errs.ErrNotFound)
	}
	conn := tm.Connect()
	m.connections[qualified] = conn
	m.order = append(m.order, qualified)
	if m.state != StateAutocommit && !m.evaluatingDeferred {
		conn.Begin()
		// A connection that joins after one or more savepoints were already
		// created must catch up to the same depth, so a later release/
		// rollback-to-savepoint by name applies to it too.
		for conn.Depth() < m.changelog.Depth() {
			conn.CreateSavepoint()
		}
	}
	return conn, nil
}

// EnsureTransaction upgrades autocommit to implicit, beginning every
// currently registered connection. A no-op if a transaction is already
// open.
func (m *Manager) EnsureTransaction() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureTransactionLocked()
}

func (m *Manager) ensureTransactionLocked() {
	if m.state != StateAutocommit {
		return
	}
	m.state = StateImplicit
	for _, qn := range m.order {
		m.connections[qn].Begin()
	}
}

// Begin starts an explicit transaction (SQL BEGIN). It's an error to BEGIN
// while already inside a transaction.
func (m *Manager) Begin() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateAutocommit {
		return fmt.Errorf("txn: BEGIN while a transaction is already open: %w", errs.ErrMisuse)
	}
	m.state = StateExplicit
	for _, qn := range m.order {
		m.connections[qn].Begin()
	}
	return nil
}

// CreateSavepoint opens a transaction if none is open, then pushes a new
// savepoint frame across the change log, the deferred queue, and every
// registered connection.
func (m *Manager) CreateSavepoint(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureTransactionLocked()

	depth := m.changelog.CreateSavepoint()
	m.deferredQ.CreateSavepoint()
	for _, qn := range m.order {
		m.connections[qn].CreateSavepoint()
	}
	m.savepoints[name] = depth
	return nil
}

// ReleaseSavepoint merges a named savepoint's changes into the frame below
// it, across the change log, the deferred queue, and every connection.
func (m *Manager) ReleaseSavepoint(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	depth, ok := m.savepoints[name]
	if !ok {
		return fmt.Errorf("txn: no such savepoint %q: %w", name, errs.ErrMisuse)
	}
	delete(m.savepoints, name)
	for n, d := range m.savepoints {
		if d > depth {
			delete(m.savepoints, n)
		}
	}
	if err := m.changelog.ReleaseSavepoint(depth - 1); err != nil {
		return err
	}
	if err := m.deferredQ.ReleaseSavepoint(depth - 1); err != nil {
		return err
	}
	for _, qn := range m.order {
		conn := m.connections[qn]
		if conn.Depth() >= depth {
			if err := conn.ReleaseSavepoint(depth); err != nil {
				return err
			}
		}
	}
	return nil
}

// RollbackToSavepoint discards every change made since the named
// savepoint, across the change log, the deferred queue, and every
// connection, and forgets any savepoint created after it.
func (m *Manager) RollbackToSavepoint(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	depth, ok := m.savepoints[name]
	if !ok {
		return fmt.Errorf("txn: no such savepoint %q: %w", name, errs.ErrMisuse)
	}
	for n, d := range m.savepoints {
		if d > depth {
			delete(m.savepoints, n)
		}
	}
	if err := m.changelog.RollbackToSavepoint(depth); err != nil {
		return err
	}
	if err := m.deferredQ.RollbackToSavepoint(depth); err != nil {
		return err
	}
	for _, qn := range m.order {
		conn := m.connections[qn]
		if conn.Depth() >= depth {
			if err := conn.RollbackToSavepoint(depth); err != nil {
				return err
			}
		}
	}
	return nil
}

// Commit runs the coordinated commit sequence: global assertions, deferred
// constraint drain, sequential per-connection commit in registration
// order, then change-log clear. A no-op in autocommit state. Any failing
// step triggers a best-effort rollback of every connection before the
// error is returned.
func (m *Manager) Commit(ctx contracts.RuntimeContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commitLocked(ctx)
}

func (m *Manager) commitLocked(ctx contracts.RuntimeContext) error {
	if m.state == StateAutocommit {
		return nil
	}

	if err := m.assertions.EvaluateAtCommit(ctx, m.catalog.Generation(), m.catalog.Assertions(), m.changelog); err != nil {
		m.rollbackAllLocked()
		return err
	}

	m.evaluatingDeferred = true
	tickets := m.deferredQ.Drain()
	m.evaluatingDeferred = false
	for _, tk := range tickets {
		ok, err := tk.Evaluate(ctx)
		if err != nil {
			m.rollbackAllLocked()
			return fmt.Errorf("txn: deferred constraint %s: %w", tk.ConstraintName, err)
		}
		if !ok {
			m.rollbackAllLocked()
			return &errs.ConstraintViolation{Name: tk.ConstraintName, Witnesses: []string{fmt.Sprint(tk.Row)}}
		}
	}

	for _, qn := range m.order {
		if err := m.connections[qn].Commit(); err != nil {
			// Connections earlier in m.order already committed and cannot be
			// unwound. qn's own Commit already discarded its pending layer on
			// failure (storage.Connection.Commit), so rolling back every
			// connection here (§4.9 "roll back all connections, best-effort")
			// is safe: the already-committed ones and qn itself are no-ops,
			// since none of them has an open transaction left to discard.
			m.rollbackAllLocked()
			return err
		}
	}

	m.changelog.Clear()
	m.state = StateAutocommit
	m.savepoints = make(map[string]int)
	return nil
}

// Rollback discards the entire open transaction: every connection, the
// change log, and the deferred queue. A no-op in autocommit state.
func (m *Manager) Rollback() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateAutocommit {
		return nil
	}
	m.rollbackAllLocked()
	return nil
}

// rollbackAllLocked rolls back every registered connection concurrently
// (§4.9 "rollback all connections concurrently"; also used as the
// best-effort cleanup on a failing coordinated commit, where a connection
// with nothing open to discard just no-ops). m.state is only reset to
// StateAutocommit once every connection has actually been rolled back, so no
// caller can observe autocommit while a failed connection's pending layer is
// still undiscarded.
func (m *Manager) rollbackAllLocked() {
	g := new(errgroup.Group)
	for _, qn := range m.order {
		conn := m.connections[qn]
		g.Go(func() error {
			conn.Rollback()
			return nil
		})
	}
	_ = g.Wait()
	m.changelog.Clear()
	m.deferredQ.Clear()
	m.state = StateAutocommit
	m.savepoints = make(map[string]int)
}

// AutocommitIfNeeded commits an implicit transaction at the end of a
// top-level batch; explicit transactions and autocommit are left alone.
func (m *Manager) AutocommitIfNeeded(ctx contracts.RuntimeContext) error {
	m.mu.Lock()
	if m.state != StateImplicit {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	return m.Commit(ctx)
}

// AutorollbackIfNeeded rolls back an implicit transaction after a mutation
// error; explicit transactions are left open for the caller to decide.
func (m *Manager) AutorollbackIfNeeded() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateImplicit {
		return
	}
	m.rollbackAllLocked()
}

// RecordInsert/RecordDelete/RecordUpdate expose the change log to DML
// emitters (§4.9).
func (m *Manager) RecordInsert(table string, key value.PrimaryKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changelog.RecordInsert(table, m.keySpecs[table], key)
}

func (m *Manager) RecordDelete(table string, key value.PrimaryKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changelog.RecordDelete(table, m.keySpecs[table], key)
}

func (m *Manager) RecordUpdate(table string, oldKey, newKey value.PrimaryKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changelog.RecordUpdate(table, m.keySpecs[table], oldKey, newKey)
}

// AddDeferredTicket enqueues a deferred constraint ticket for the current
// transaction, to be evaluated during the next coordinated commit (§4.7).
func (m *Manager) AddDeferredTicket(t deferred.Ticket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deferredQ.Add(t)
}

// DisconnectAll closes every registered connection, as part of a
// session-wide shutdown (§4.10 Close). Per §9's deferral rule, this must
// only be called once no transaction is open; callers that close a session
// mid-transaction are expected to roll back first.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, qn := range m.order {
		m.connections[qn].Close()
	}
	m.connections = make(map[string]*storage.Connection)
	m.order = nil
}
