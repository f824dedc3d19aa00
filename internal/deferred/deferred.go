// Package deferred holds per-row deferred constraint tickets in a
// savepoint-scoped stack that mirrors internal/changelog's frame shape
// (spec.md §4.7), so a rollback-to-savepoint discards exactly the tickets
// recorded since that savepoint, and a release folds them into the
// enclosing frame rather than losing them.
package deferred

import (
	"context"
	"fmt"

	"github.com/quereus/quereus/internal/errs"
	"github.com/quereus/quereus/internal/value"
)

// Ticket is one deferred constraint check, captured at the moment the row
// that might violate it was written, not at commit time.
type Ticket struct {
	// Table is the base table the ticket's row belongs to.
	Table string
	// ConstraintName identifies the constraint for violation reporting.
	ConstraintName string
	// Row is the row snapshot as written; ColumnIdentity names each of its
	// ordinals for the evaluator closure to reference by identity rather
	// than position.
	Row            value.Row
	ColumnIdentity []string
	// ContextRow optionally carries a larger row the constraint's
	// expression needs beyond Row alone (e.g. a joined parent row).
	ContextRow value.Row
	// SourceConnectionID identifies which connection's read-snapshot the
	// evaluator should run against, if it needs one.
	SourceConnectionID string
	// Evaluate reports whether the ticket's row currently satisfies its
	// constraint.
	Evaluate func(ctx context.Context) (bool, error)
}

// Queue is the deferred-ticket stack for one transaction.
type Queue struct {
	frames [][]Ticket
}

// New creates a queue with its top-level (empty) frame.
func New() *Queue {
	return &Queue{frames: [][]Ticket{nil}}
}

// Add appends a ticket to the current top frame.
func (q *Queue) Add(t Ticket) {
	top := len(q.frames) - 1
	q.frames[top] = append(q.frames[top], t)
}

// CreateSavepoint pushes a new empty frame and returns its depth.
func (q *Queue) CreateSavepoint() int {
	q.frames = append(q.frames, nil)
	return len(q.frames)
}

// ReleaseSavepoint folds every frame above depth into depth's own frame.
func (q *Queue) ReleaseSavepoint(depth int) error {
	if depth < 1 || depth > len(q.frames) {
		return fmt.Errorf("deferred: invalid savepoint depth %d: %w", depth, errs.ErrInternal)
	}
	for i := len(q.frames); i > depth; i-- {
		q.frames[depth-1] = append(q.frames[depth-1], q.frames[i-1]...)
	}
	q.frames = q.frames[:depth]
	return nil
}

// RollbackToSavepoint discards every ticket recorded at or above depth.
func (q *Queue) RollbackToSavepoint(depth int) error {
	if depth < 1 || depth > len(q.frames) {
		return fmt.Errorf("deferred: invalid savepoint depth %d: %w", depth, errs.ErrInternal)
	}
	q.frames = q.frames[:depth]
	q.frames[depth-1] = nil
	return nil
}

// Clear empties the queue back to a single empty top-level frame.
func (q *Queue) Clear() {
	q.frames = [][]Ticket{nil}
}

// Drain returns every ticket across the whole stack, in the order they
// were recorded frame-by-frame, and clears the queue. The transaction
// manager calls this once, after pre-commit assertion evaluation and
// before the per-connection commit sequence (§4.9).
func (q *Queue) Drain() []Ticket {
	var all []Ticket
	for _, f := range q.frames {
		all = append(all, f...)
	}
	q.Clear()
	return all
}

// Len reports the total number of pending tickets across every frame.
func (q *Queue) Len() int {
	n := 0
	for _, f := range q.frames {
		n += len(f)
	}
	return n
}
