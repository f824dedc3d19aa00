package schema

import (
	"fmt"

	"github.com/quereus/quereus/internal/value"
)

// AddColumn appends a new column, returning the new schema and the default
// value to backfill into existing rows (NULL if none was supplied).
func (t *TableSchema) AddColumn(col Column) (*TableSchema, value.Value) {
	out := t.Clone()
	out.Columns = append(out.Columns, col)
	fill := value.Null
	if col.Default != nil {
		fill = *col.Default
	}
	return out, fill
}

// DropColumn removes a column by index. It rejects dropping a column that
// is part of the primary key, per spec.md §4.2.
func (t *TableSchema) DropColumn(index int) (*TableSchema, error) {
	for _, kc := range t.PrimaryKey.Columns {
		if kc.ColumnIndex == index {
			return nil, fmt.Errorf("cannot drop column %q: part of primary key", t.Columns[index].Name)
		}
	}
	out := t.Clone()
	out.Columns = append(out.Columns[:index], out.Columns[index+1:]...)
	for i := range out.PrimaryKey.Columns {
		if out.PrimaryKey.Columns[i].ColumnIndex > index {
			out.PrimaryKey.Columns[i].ColumnIndex--
		}
	}
	for ix := range out.Indexes {
		for i := range out.Indexes[ix].Columns {
			if out.Indexes[ix].Columns[i].ColumnIndex > index {
				out.Indexes[ix].Columns[i].ColumnIndex--
			}
		}
	}
	return out, nil
}

// RenameColumn changes a column's name in place (schema identity, not data,
// changes).
func (t *TableSchema) RenameColumn(index int, newName string) (*TableSchema, error) {
	if index < 0 || index >= len(t.Columns) {
		return nil, fmt.Errorf("column index %d out of range", index)
	}
	out := t.Clone()
	out.Columns[index].Name = newName
	return out, nil
}

// CreateIndex appends a secondary index definition.
func (t *TableSchema) CreateIndex(def IndexDef) *TableSchema {
	out := t.Clone()
	out.Indexes = append(out.Indexes, def)
	return out
}

// DropIndex removes a secondary index by name.
func (t *TableSchema) DropIndex(name string) (*TableSchema, error) {
	out := t.Clone()
	for i, idx := range out.Indexes {
		if idx.Name == name {
			out.Indexes = append(out.Indexes[:i], out.Indexes[i+1:]...)
			return out, nil
		}
	}
	return nil, fmt.Errorf("index %q not found", name)
}

// BackfillColumn applies a newly added column's default/NULL fill to an
// existing row, extending its arity to match the new schema.
func BackfillColumn(row value.Row, fill value.Value) value.Row {
	out := make(value.Row, len(row)+1)
	copy(out, row)
	out[len(row)] = fill
	return out
}

// RemoveColumnFromRow drops the value at index from a row, to match a
// DropColumn schema change.
func RemoveColumnFromRow(row value.Row, index int) value.Row {
	out := make(value.Row, 0, len(row)-1)
	out = append(out, row[:index]...)
	out = append(out, row[index+1:]...)
	return out
}
