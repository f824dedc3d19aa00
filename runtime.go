package quereus

import (
	"context"
	"fmt"

	"github.com/quereus/quereus/internal/contracts"
	"github.com/quereus/quereus/internal/deferred"
	"github.com/quereus/quereus/internal/errs"
	"github.com/quereus/quereus/internal/schema"
	"github.com/quereus/quereus/internal/storage"
	"github.com/quereus/quereus/internal/value"
)

// RuntimeContext is the concrete contracts.RuntimeContext a Database hands
// an emitted instruction tree's Scheduler (§4.10, §6). Beyond the narrow
// Param accessor the contract requires, it exposes the accessors a real (or
// test-fake) emitter's instructions need to reach the engine core: the
// transaction manager for EnsureTransaction/RecordInsert-style bookkeeping,
// the catalog for table lookups, and a table's storage.Connection for scans
// and mutations. These extra methods are this package's concern, not
// contracts' — contracts only names what a generic scheduler needs to drive
// an instruction; what an instruction does with the context once it's
// running is between the emitter and this façade.
type RuntimeContext struct {
	context.Context
	db     *Database
	params map[string]value.Value
}

// newRuntimeContext builds a RuntimeContext bound to db and ctx, with params
// available to a statement's :name / ?N placeholders.
func newRuntimeContext(ctx context.Context, db *Database, params map[string]value.Value) *RuntimeContext {
	return &RuntimeContext{Context: ctx, db: db, params: params}
}

// Param implements contracts.RuntimeContext.
func (r *RuntimeContext) Param(name string) (value.Value, bool) {
	v, ok := r.params[name]
	return v, ok
}

// Database returns the session root this context runs against.
func (r *RuntimeContext) Database() *Database { return r.db }

// TableConnection returns the storage.Connection for qualified ("schema.
// table"), lazily connecting it and joining it to any open transaction, via
// the transaction manager (§4.9 ConnectionFor).
func (r *RuntimeContext) TableConnection(qualified string) (*storage.Connection, error) {
	return r.db.txnManager.ConnectionFor(qualified)
}

// EnsureTransaction upgrades autocommit to an implicit transaction, as the
// first write instruction in a batch must (§4.9).
func (r *RuntimeContext) EnsureTransaction() {
	r.db.txnManager.EnsureTransaction()
}

// RecordMutation appends a change-log entry for a completed single-row
// mutation (§4.9), so deferred constraints and assertions know which rows
// of which tables changed by the time of commit.
func (r *RuntimeContext) RecordMutation(table string, op contracts.UpdateOp, oldKey, newKey *value.PrimaryKey) error {
	switch op {
	case contracts.UpdateInsert:
		if newKey == nil {
			return fmt.Errorf("quereus: insert change log entry requires a new key: %w", errs.ErrInternal)
		}
		r.db.txnManager.RecordInsert(table, *newKey)
	case contracts.UpdateDelete:
		if oldKey == nil {
			return fmt.Errorf("quereus: delete change log entry requires an old key: %w", errs.ErrInternal)
		}
		r.db.txnManager.RecordDelete(table, *oldKey)
	case contracts.UpdateUpdate:
		if oldKey == nil || newKey == nil {
			return fmt.Errorf("quereus: update change log entry requires both keys: %w", errs.ErrInternal)
		}
		r.db.txnManager.RecordUpdate(table, *oldKey, *newKey)
	default:
		return fmt.Errorf("quereus: unknown update op %d: %w", op, errs.ErrInternal)
	}
	return nil
}

// TableSchema looks up qualified's current schema, the accessor
// instructions need to resolve column ordinals and key specs.
func (r *RuntimeContext) TableSchema(qualified string) (*schema.TableSchema, bool) {
	return r.db.catalog.Table(qualified)
}

// AddDeferredConstraint enqueues a deferred constraint ticket (§4.7),
// checked at the next coordinated commit rather than immediately.
func (r *RuntimeContext) AddDeferredConstraint(t deferred.Ticket) {
	r.db.txnManager.AddDeferredTicket(t)
}
