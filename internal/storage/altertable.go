package storage

import (
	"context"
	"fmt"

	"github.com/quereus/quereus/internal/errs"
	"github.com/quereus/quereus/internal/execmutex"
	"github.com/quereus/quereus/internal/omap"
	"github.com/quereus/quereus/internal/schema"
	"github.com/quereus/quereus/internal/value"
)

// withSchemaLock runs fn holding the table's schema-change lock, after
// first collapsing the layer chain down to base. If any non-base layer
// remains afterward — some connection is still reading or writing a
// transaction layer — fn does not run and errs.ErrBusy is returned (§4.5:
// "any alter-schema operation first invokes collapse; if any non-base
// layer remains it fails with busy").
func (tm *TableManager) withSchemaLock(fn func() error) error {
	lock := tm.locks.Named(execmutex.LockSchemaChange)
	if err := lock.Lock(context.Background()); err != nil {
		return err
	}
	defer lock.Unlock()

	tm.tryCollapse()

	tm.mu.Lock()
	collapsed := tm.committedTip == tm.base
	pendingOpen := false
	for _, c := range tm.connections {
		if c.InTransaction() {
			pendingOpen = true
			break
		}
	}
	tm.mu.Unlock()
	if !collapsed || pendingOpen {
		return fmt.Errorf("storage: schema change on %s while other layer versions are in use: %w", tm.schema.Name, errs.ErrBusy)
	}
	return fn()
}

// AddColumn appends col to the schema and backfills every existing base row
// with its default (or NULL), per §4.2.
func (tm *TableManager) AddColumn(col schema.Column) error {
	return tm.withSchemaLock(func() error {
		newSchema, fill := tm.schema.AddColumn(col)
		rewritten := omap.New[value.Row]()
		tm.base.primary.ForEachLocal(func(k value.EncodedKey, row value.Row, tomb bool) bool {
			if tomb {
				_ = rewritten.Tombstone(k)
			} else {
				_ = rewritten.Put(k, schema.BackfillColumn(row, fill))
			}
			return true
		})
		tm.base.primary = rewritten
		tm.schema = newSchema
		return nil
	})
}

// DropColumn removes the column at index, rejecting a column that is part
// of the primary key (§4.2).
func (tm *TableManager) DropColumn(index int) error {
	return tm.withSchemaLock(func() error {
		newSchema, err := tm.schema.DropColumn(index)
		if err != nil {
			return fmt.Errorf("storage: %w: %w", err, errs.ErrMisuse)
		}
		rewritten := omap.New[value.Row]()
		tm.base.primary.ForEachLocal(func(k value.EncodedKey, row value.Row, tomb bool) bool {
			if tomb {
				_ = rewritten.Tombstone(k)
			} else {
				_ = rewritten.Put(k, schema.RemoveColumnFromRow(row, index))
			}
			return true
		})
		tm.base.primary = rewritten
		tm.schema = newSchema
		return nil
	})
}

// RenameColumn changes a column's name; no row data is touched.
func (tm *TableManager) RenameColumn(index int, newName string) error {
	return tm.withSchemaLock(func() error {
		newSchema, err := tm.schema.RenameColumn(index, newName)
		if err != nil {
			return fmt.Errorf("storage: %w: %w", err, errs.ErrMisuse)
		}
		tm.schema = newSchema
		return nil
	})
}

// CreateIndex adds a secondary index, backfilling it from every existing
// base row.
func (tm *TableManager) CreateIndex(def schema.IndexDef) error {
	return tm.withSchemaLock(func() error {
		for _, idx := range tm.schema.Indexes {
			if idx.Name == def.Name {
				return fmt.Errorf("storage: index %s already exists on %s: %w", def.Name, tm.schema.Name, errs.ErrMisuse)
			}
		}
		newSchema := tm.schema.CreateIndex(def)
		idxMap := omap.New[value.PrimaryKey]()
		tm.base.primary.ForEachLocal(func(k value.EncodedKey, row value.Row, tomb bool) bool {
			if tomb {
				return true
			}
			pk := newSchema.ExtractKey(row)
			_ = idxMap.Put(encodeIndexKey(newSchema, def, row), pk)
			return true
		})
		tm.base.secondary[def.Name] = idxMap
		tm.schema = newSchema
		return nil
	})
}

// DropIndex removes a secondary index by name.
func (tm *TableManager) DropIndex(name string) error {
	return tm.withSchemaLock(func() error {
		newSchema, err := tm.schema.DropIndex(name)
		if err != nil {
			return fmt.Errorf("storage: %w: %w", err, errs.ErrNotFound)
		}
		delete(tm.base.secondary, name)
		tm.schema = newSchema
		return nil
	})
}
