package memorymodule

import (
	"context"
	"testing"

	"github.com/quereus/quereus/internal/contracts"
	"github.com/quereus/quereus/internal/schema"
	"github.com/quereus/quereus/internal/value"
)

func widgets() *schema.TableSchema {
	return &schema.TableSchema{
		SchemaName: "main",
		Name:       "widgets",
		Columns: []schema.Column{
			{Name: "id", Type: value.KindInteger},
			{Name: "name", Type: value.KindText},
		},
		PrimaryKey: schema.PrimaryKeyDef{Columns: []schema.KeyColumn{{ColumnIndex: 0}}},
	}
}

func TestConnectQueryAndUpdateRoundTrip(t *testing.T) {
	m := New()
	if _, err := m.DefineTable(widgets()); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	conn, err := m.Connect(ctx, "main", "widgets", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Begin(); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.XUpdate(ctx, contracts.UpdateInsert, value.Row{value.Integer(1), value.Text("alpha")}, nil); err != nil {
		t.Fatal(err)
	}
	if err := conn.Commit(); err != nil {
		t.Fatal(err)
	}

	iter, err := conn.XQuery(ctx, contracts.ScanPlan{Dir: value.Asc})
	if err != nil {
		t.Fatal(err)
	}
	defer iter.Close()
	row, ok, err := iter.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected one row back")
	}
	if s, _ := row[1].AsText(); s != "alpha" {
		t.Fatalf("expected alpha, got %v", row)
	}
	if _, ok, _ := iter.Next(ctx); ok {
		t.Fatal("expected exactly one row")
	}
}

func TestSubscribeFiresOnlyAfterCommit(t *testing.T) {
	m := New()
	if _, err := m.DefineTable(widgets()); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	conn, err := m.Connect(ctx, "main", "widgets", nil)
	if err != nil {
		t.Fatal(err)
	}

	var events []contracts.ChangeEvent
	unsub := conn.Subscribe(func(ev contracts.ChangeEvent) { events = append(events, ev) })
	defer unsub()

	if err := conn.Begin(); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.XUpdate(ctx, contracts.UpdateInsert, value.Row{value.Integer(1), value.Text("alpha")}, nil); err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatal("expected no event before commit")
	}
	if err := conn.Commit(); err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one event after commit, got %d", len(events))
	}
	if events[0].Table != "main.widgets" || events[0].SchemaOnly {
		t.Fatalf("unexpected event %+v", events[0])
	}
}

func TestDeleteRemovesRowThroughXUpdate(t *testing.T) {
	m := New()
	if _, err := m.DefineTable(widgets()); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	conn, err := m.Connect(ctx, "main", "widgets", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Begin(); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.XUpdate(ctx, contracts.UpdateInsert, value.Row{value.Integer(1), value.Text("alpha")}, nil); err != nil {
		t.Fatal(err)
	}
	if err := conn.Commit(); err != nil {
		t.Fatal(err)
	}

	if err := conn.Begin(); err != nil {
		t.Fatal(err)
	}
	pk := value.NewPrimaryKey(value.Integer(1))
	if _, err := conn.XUpdate(ctx, contracts.UpdateDelete, nil, &pk); err != nil {
		t.Fatal(err)
	}
	if err := conn.Commit(); err != nil {
		t.Fatal(err)
	}

	iter, err := conn.XQuery(ctx, contracts.ScanPlan{Dir: value.Asc})
	if err != nil {
		t.Fatal(err)
	}
	defer iter.Close()
	if _, ok, _ := iter.Next(ctx); ok {
		t.Fatal("expected no rows after delete")
	}
}

func TestNotFoundWhenTableNotDefined(t *testing.T) {
	m := New()
	if _, err := m.Connect(context.Background(), "main", "missing", nil); err == nil {
		t.Fatal("expected error connecting to an undefined table")
	}
}
