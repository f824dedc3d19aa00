// Package schema defines the engine's table/column/index metadata: the
// descriptive layer that storage, catalog, and assertion evaluation all
// consult to interpret rows and keys.
package schema

import (
	"fmt"

	"github.com/quereus/quereus/internal/value"
)

// Column describes one column of a table.
type Column struct {
	Name       string
	Type       value.Kind
	Nullable   bool
	Default    *value.Value
	Collation  value.Collation
	Generated  bool
}

// KeyColumn is one column of an ordered key (primary or secondary), naming
// the column ordinal and its sort direction.
type KeyColumn struct {
	ColumnIndex int
	Direction   value.Direction
}

// PrimaryKeyDef is the ordered list of column indices (and directions) that
// make up a table's primary key. Per spec, arity is always >= 1.
type PrimaryKeyDef struct {
	Columns []KeyColumn
}

// IndexDef describes a secondary index: a name and an ordered key over the
// table's columns. Uniqueness is a property the planner/optimizer consults;
// storage itself only maintains the ordered mapping.
type IndexDef struct {
	Name    string
	Columns []KeyColumn
	Unique  bool
}

// CheckConstraint is a named CHECK predicate; its expression form is owned
// by the (out-of-scope) expression evaluator, so it is carried here as an
// opaque evaluator the planner/emitter produces.
type CheckConstraint struct {
	Name string
	// Evaluate runs the check against a candidate row; returns false if the
	// row violates the constraint.
	Evaluate func(row value.Row) (bool, error)
}

// TableSchema is the full description of one table.
type TableSchema struct {
	SchemaName string
	Name       string
	Columns    []Column
	PrimaryKey PrimaryKeyDef
	Indexes    []IndexDef
	Checks     []CheckConstraint
	// Module names the virtual-table backend, e.g. "memory".
	Module string
	// ModuleArgs are backend-specific configuration arguments.
	ModuleArgs map[string]string
	ReadOnly   bool
}

// QualifiedName returns "schema.table".
func (t *TableSchema) QualifiedName() string {
	return t.SchemaName + "." + t.Name
}

// Validate checks the invariants spec.md requires of a TableSchema:
// primary-key arity >= 1 and every PK column index in range.
func (t *TableSchema) Validate() error {
	if len(t.PrimaryKey.Columns) < 1 {
		return fmt.Errorf("table %s: primary key must have at least one column", t.QualifiedName())
	}
	for _, kc := range t.PrimaryKey.Columns {
		if kc.ColumnIndex < 0 || kc.ColumnIndex >= len(t.Columns) {
			return fmt.Errorf("table %s: primary key column index %d out of range", t.QualifiedName(), kc.ColumnIndex)
		}
	}
	return nil
}

// KeySpec builds a value.KeySpec from the primary key definition, using each
// referenced column's declared collation.
func (t *TableSchema) KeySpec() *value.KeySpec {
	spec := &value.KeySpec{}
	for _, kc := range t.PrimaryKey.Columns {
		col := t.Columns[kc.ColumnIndex]
		spec.Collations = append(spec.Collations, col.Collation)
		spec.Directions = append(spec.Directions, kc.Direction)
	}
	return spec
}

// ExtractKey pulls the primary key tuple out of a full row.
func (t *TableSchema) ExtractKey(row value.Row) value.PrimaryKey {
	vs := make([]value.Value, len(t.PrimaryKey.Columns))
	for i, kc := range t.PrimaryKey.Columns {
		vs[i] = row[kc.ColumnIndex]
	}
	return value.NewPrimaryKey(vs...)
}

// Clone returns a deep-enough copy suitable for in-place schema mutation
// (add/drop/rename column) without aliasing the original's slices.
func (t *TableSchema) Clone() *TableSchema {
	out := *t
	out.Columns = append([]Column(nil), t.Columns...)
	out.Indexes = append([]IndexDef(nil), t.Indexes...)
	out.Checks = append([]CheckConstraint(nil), t.Checks...)
	out.PrimaryKey.Columns = append([]KeyColumn(nil), t.PrimaryKey.Columns...)
	if t.ModuleArgs != nil {
		out.ModuleArgs = make(map[string]string, len(t.ModuleArgs))
		for k, v := range t.ModuleArgs {
			out.ModuleArgs[k] = v
		}
	}
	return &out
}
