package storage

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/quereus/quereus/internal/errs"
)

// Connection is one table's view of the storage engine from a single SQL
// session: a read snapshot, an optional pending transaction, and a stack of
// savepoint layers on top of it (spec.md §4.4).
//
// stack[0], when present, is the pending layer opened by Begin. Further
// entries are savepoint layers, each parented at the one below. An empty
// stack means the connection is not inside a transaction for this table.
type Connection struct {
	ID   string
	tm   *TableManager
	snap *Layer
	stack []*Layer
}

func newConnection(tm *TableManager) *Connection {
	tip := tm.currentTip()
	tip.ref()
	return &Connection{
		ID:   uuid.NewString(),
		tm:   tm,
		snap: tip,
	}
}

// InTransaction reports whether a pending layer has been opened for this
// table on this connection.
func (c *Connection) InTransaction() bool { return len(c.stack) > 0 }

// Depth returns the number of layers on the savepoint stack, including the
// pending layer. 0 means no transaction is open.
func (c *Connection) Depth() int { return len(c.stack) }

func (c *Connection) topLayer() *Layer {
	if len(c.stack) == 0 {
		return nil
	}
	return c.stack[len(c.stack)-1]
}

// ReadLayer is the layer reads should be served from: the top of the
// savepoint stack if a transaction is open, otherwise the connection's
// standing read snapshot.
func (c *Connection) ReadLayer() *Layer {
	if l := c.topLayer(); l != nil {
		return l
	}
	return c.snap
}

// WriteLayer is the layer DML should be applied to. It is nil outside a
// transaction; callers implementing autocommit semantics should Begin (and
// Commit immediately after) around a single statement.
func (c *Connection) WriteLayer() *Layer { return c.topLayer() }

// RefreshSnapshot re-points the connection's standing read snapshot at the
// table's current committed tip. Only meaningful outside a transaction: each
// autocommit statement refreshes before it runs, so a long-lived idle
// connection still observes newly committed data, while a connection that
// is mid-scan keeps the snapshot it started with.
func (c *Connection) RefreshSnapshot() {
	if !c.InTransaction() {
		next := c.tm.currentTip()
		if next == c.snap {
			return
		}
		next.ref()
		c.snap.unref()
		c.snap = next
	}
}

// Begin opens the pending layer, parented at the table's current committed
// tip. A no-op if a transaction is already open.
func (c *Connection) Begin() {
	if c.InTransaction() {
		return
	}
	tip := c.tm.currentTip()
	tip.ref()
	c.stack = []*Layer{tip.child()}
}

// CreateSavepoint pushes a new transaction layer onto the stack (opening the
// pending layer first if necessary) and returns its depth, to be passed back
// to ReleaseSavepoint or RollbackToSavepoint.
func (c *Connection) CreateSavepoint() int {
	c.Begin()
	c.stack = append(c.stack, c.topLayer().child())
	return len(c.stack)
}

// ReleaseSavepoint merges every layer from the stack's top down to (and
// including) depth into the layer below it, leaving the stack at depth-1.
// depth must be >= 2 (depth 1 is the pending layer itself; releasing it is
// done by Commit, not ReleaseSavepoint).
func (c *Connection) ReleaseSavepoint(depth int) error {
	if depth < 2 || depth > len(c.stack) {
		return fmt.Errorf("storage: invalid savepoint depth %d: %w", depth, errs.ErrInternal)
	}
	for i := len(c.stack); i >= depth; i-- {
		top := c.stack[i-1]
		parent := c.stack[i-2]
		mergeLayerInto(parent, top)
	}
	c.stack = c.stack[:depth-1]
	return nil
}

// RollbackToSavepoint discards every change made since the named savepoint
// was created, replacing its layer with a fresh, empty one parented the same
// way, and dropping any layers stacked above it. The savepoint itself
// remains open afterward.
func (c *Connection) RollbackToSavepoint(depth int) error {
	if depth < 1 || depth > len(c.stack) {
		return fmt.Errorf("storage: invalid savepoint depth %d: %w", depth, errs.ErrInternal)
	}
	target := c.stack[depth-1]
	if target.parentLayer == nil {
		return fmt.Errorf("storage: layer at depth %d has no parent: %w", depth, errs.ErrInternal)
	}
	c.stack = c.stack[:depth]
	c.stack[depth-1] = target.parentLayer.child()
	return nil
}

// flattenToPending releases every open savepoint, leaving at most the
// pending layer on the stack. Used before Commit and Rollback, which only
// know about the pending layer.
func (c *Connection) flattenToPending() {
	for len(c.stack) > 1 {
		_ = c.ReleaseSavepoint(len(c.stack))
	}
}

// Commit flattens any open savepoints into the pending layer, hands it to
// the table manager for validation and installation, and advances the
// connection's read snapshot. On success the connection returns to "no
// transaction".
func (c *Connection) Commit() error {
	if !c.InTransaction() {
		return nil
	}
	c.flattenToPending()
	pending := c.stack[0]
	parent := pending.parentLayer
	newTip, err := c.tm.commit(parent, pending)
	if err != nil {
		// Busy/stale: the pending layer was never installed, so it is
		// discarded exactly as Rollback discards one (§4.5 commit).
		parent.unref()
		c.stack = nil
		return err
	}
	parent.unref()
	newTip.ref()
	c.snap.unref()
	c.stack = nil
	c.snap = newTip
	return nil
}

// Rollback discards the entire pending transaction, including all
// savepoints, without touching the table's committed state.
func (c *Connection) Rollback() {
	if c.InTransaction() {
		c.stack[0].parentLayer.unref()
	}
	c.stack = nil
}

// Close releases the connection's hold on its current layers. The table
// manager's collapse pass only needs to know a connection no longer
// references a given layer; once closed, this connection must not be used.
func (c *Connection) Close() {
	if c.InTransaction() {
		c.stack[0].parentLayer.unref()
	}
	c.snap.unref()
	c.tm.disconnect(c)
	c.stack = nil
	c.snap = nil
}
