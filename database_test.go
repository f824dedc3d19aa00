package quereus

import (
	"context"
	"testing"

	"github.com/quereus/quereus/internal/contracts"
	"github.com/quereus/quereus/internal/schema"
	"github.com/quereus/quereus/internal/value"
)

func widgetsSchema() *schema.TableSchema {
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

func TestDefineTableRegistersWithCatalogAndMemoryModule(t *testing.T) {
	d, err := New(Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.DefineTable(widgetsSchema()); err != nil {
		t.Fatal(err)
	}
	sc, ok := d.Catalog().Table("main.widgets")
	if !ok {
		t.Fatal("expected table registered in catalog")
	}
	if sc.Module != "memory" {
		t.Fatalf("expected default module memory, got %q", sc.Module)
	}
	if err := d.DefineTable(widgetsSchema()); err == nil {
		t.Fatal("expected redefining the same table to fail")
	}
}

func TestAddColumnUpdatesCatalogGeneration(t *testing.T) {
	d, err := New(Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.DefineTable(widgetsSchema()); err != nil {
		t.Fatal(err)
	}
	before := d.Catalog().Generation()

	fill := value.Integer(0)
	if err := d.AddColumn("main.widgets", schema.Column{Name: "score", Type: value.KindInteger, Default: &fill}); err != nil {
		t.Fatal(err)
	}
	after := d.Catalog().Generation()
	if after <= before {
		t.Fatalf("expected generation to advance past %d, got %d", before, after)
	}
	sc, _ := d.Catalog().Table("main.widgets")
	if len(sc.Columns) != 3 {
		t.Fatalf("expected 3 columns after AddColumn, got %d", len(sc.Columns))
	}
}

func TestCloseClearsCatalogAndDisconnectsConnections(t *testing.T) {
	d, err := New(Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.DefineTable(widgetsSchema()); err != nil {
		t.Fatal(err)
	}
	if _, err := d.txnManager.ConnectionFor("main.widgets"); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := d.Catalog().Table("main.widgets"); ok {
		t.Fatal("expected Close to clear the catalog")
	}
}

func TestAlterTableRejectsNonMemoryBackedTable(t *testing.T) {
	d, err := New(Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.RenameColumn("main.nonexistent", 0, "x"); err == nil {
		t.Fatal("expected renaming a column on an undefined table to fail")
	}
}

func TestExecInterceptsTransactionControlStatements(t *testing.T) {
	parser := &fakeParser{}
	sched := &fakeScheduler{result: &contracts.Result{RowsAffected: 1}}
	d, err := New(newTestConfig(parser, sched))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	parser.next = fakeStatement{tag: tagBegin}
	if _, err := d.Exec(ctx, "BEGIN", nil); err != nil {
		t.Fatal(err)
	}

	parser.next = fakeStatement{tag: ""}
	res, err := d.Exec(ctx, "INSERT INTO widgets VALUES (1, 'a')", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.RowsAffected != 1 {
		t.Fatalf("expected 1 row affected, got %d", res.RowsAffected)
	}

	parser.next = fakeStatement{tag: tagCommit}
	if _, err := d.Exec(ctx, "COMMIT", nil); err != nil {
		t.Fatal(err)
	}
}

func TestEvalReturnsCursorAndReleasesExecMutex(t *testing.T) {
	parser := &fakeParser{next: fakeStatement{tag: ""}}
	rows := []value.Row{{value.Integer(1), value.Text("a")}, {value.Integer(2), value.Text("b")}}
	sched := &fakeScheduler{rows: rows}
	d, err := New(newTestConfig(parser, sched))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	cur, err := d.Eval(ctx, "SELECT * FROM widgets", nil)
	if err != nil {
		t.Fatal(err)
	}
	var got []value.Row
	for {
		row, ok, err := cur.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		got = append(got, row)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}

	// The execution mutex must have been released by exhaustion, not require
	// an explicit Close; a second Eval must not block.
	if _, err := d.Eval(ctx, "SELECT * FROM widgets", nil); err != nil {
		t.Fatal(err)
	}
}
