package storage

import (
	"fmt"

	"github.com/quereus/quereus/internal/errs"
	"github.com/quereus/quereus/internal/value"
)

// MutationOp names the three DML shapes PerformMutation accepts (§4.5).
type MutationOp int

const (
	OpInsert MutationOp = iota
	OpUpdate
	OpDelete
)

// PerformMutation is the sole DML entry point described in §4.5: it ensures
// conn has a pending layer (auto-begin), then applies op honoring mode's
// conflict-resolution semantics. newRow is required for Insert/Update;
// oldKey is required for Update/Delete (Update's oldKey is the row's
// pre-statement primary key, which may differ from newRow's if the
// statement changed PK columns). The returned row is the row as written,
// or nil for a Delete or a suppressed Ignore.
func (tm *TableManager) PerformMutation(conn *Connection, op MutationOp, newRow value.Row, oldKey *value.PrimaryKey, mode ConflictMode) (value.Row, error) {
	conn.Begin()

	switch op {
	case OpInsert:
		ok, err := tm.Upsert(conn, newRow, mode)
		if err != nil || !ok {
			return nil, err
		}
		return newRow, nil

	case OpDelete:
		if oldKey == nil {
			return nil, fmt.Errorf("storage: delete requires a primary key: %w", errs.ErrMisuse)
		}
		if err := tm.Delete(conn, *oldKey); err != nil {
			return nil, err
		}
		return nil, nil

	case OpUpdate:
		if oldKey == nil {
			return nil, fmt.Errorf("storage: update requires the row's prior primary key: %w", errs.ErrMisuse)
		}
		newPK := tm.schema.ExtractKey(newRow)
		if tm.encodeKey(newPK) != tm.encodeKey(*oldKey) {
			if err := tm.Delete(conn, *oldKey); err != nil {
				return nil, err
			}
			ok, err := tm.Upsert(conn, newRow, mode)
			if err != nil || !ok {
				return nil, err
			}
			return newRow, nil
		}
		if err := tm.updateInPlace(conn, newRow); err != nil {
			return nil, err
		}
		return newRow, nil

	default:
		return nil, fmt.Errorf("storage: unknown mutation op %d: %w", op, errs.ErrInternal)
	}
}

// updateInPlace overwrites the row at newRow's own primary key without
// running the insert-conflict check Upsert applies: a statement that keeps
// a row's PK unchanged is replacing itself, not colliding with a sibling
// row, so ConflictMode never applies here.
func (tm *TableManager) updateInPlace(conn *Connection, newRow value.Row) error {
	layer := conn.WriteLayer()
	if layer == nil {
		return fmt.Errorf("storage: update outside a transaction: %w", errs.ErrMisuse)
	}
	if err := tm.validateRow(newRow); err != nil {
		return err
	}
	pk := tm.schema.ExtractKey(newRow)
	key := tm.encodeKey(pk)
	old, existed := layer.lookup(key)
	return layer.recordUpsert(tm.schema, key, pk, newRow, old, existed)
}
