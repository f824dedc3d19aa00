package storage

import (
	"errors"
	"testing"

	"github.com/quereus/quereus/internal/errs"
	"github.com/quereus/quereus/internal/omap"
	"github.com/quereus/quereus/internal/schema"
	"github.com/quereus/quereus/internal/value"
)

func testSchema() *schema.TableSchema {
	return &schema.TableSchema{
		SchemaName: "main",
		Name:       "widgets",
		Columns: []schema.Column{
			{Name: "id", Type: value.KindInteger},
			{Name: "name", Type: value.KindText, Collation: value.CollationBinary},
		},
		PrimaryKey: schema.PrimaryKeyDef{Columns: []schema.KeyColumn{{ColumnIndex: 0}}},
		Indexes: []schema.IndexDef{
			{Name: "by_name", Columns: []schema.KeyColumn{{ColumnIndex: 1}}},
		},
	}
}

func row(id int64, name string) value.Row {
	return value.Row{value.Integer(id), value.Text(name)}
}

func TestSingleConnectionInsertAndCommit(t *testing.T) {
	tm := NewTableManager(testSchema())
	conn := tm.Connect()
	conn.Begin()

	if _, err := tm.Upsert(conn, row(1, "alpha"), ConflictAbort); err != nil {
		t.Fatal(err)
	}
	if err := conn.Commit(); err != nil {
		t.Fatal(err)
	}

	r, ok := tm.LookupEffectiveRow(conn, value.NewPrimaryKey(value.Integer(1)))
	if !ok {
		t.Fatal("expected committed row to be visible")
	}
	if s, _ := r[1].AsText(); s != "alpha" {
		t.Fatalf("expected alpha, got %v", r)
	}
}

func TestIsolationSnapshotDoesNotSeeLaterCommit(t *testing.T) {
	tm := NewTableManager(testSchema())

	writer := tm.Connect()
	writer.Begin()
	if _, err := tm.Upsert(writer, row(1, "alpha"), ConflictAbort); err != nil {
		t.Fatal(err)
	}

	reader := tm.Connect() // snapshot taken before writer commits
	if err := writer.Commit(); err != nil {
		t.Fatal(err)
	}

	if _, ok := tm.LookupEffectiveRow(reader, value.NewPrimaryKey(value.Integer(1))); ok {
		t.Fatal("reader's pre-commit snapshot must not see the new row")
	}

	reader.RefreshSnapshot()
	if _, ok := tm.LookupEffectiveRow(reader, value.NewPrimaryKey(value.Integer(1))); !ok {
		t.Fatal("reader should see the row after refreshing its snapshot")
	}
}

func TestConcurrentWriteWriteConflictIsBusy(t *testing.T) {
	tm := NewTableManager(testSchema())

	a := tm.Connect()
	a.Begin()
	if _, err := tm.Upsert(a, row(1, "from-a"), ConflictReplace); err != nil {
		t.Fatal(err)
	}

	b := tm.Connect()
	b.Begin()
	if _, err := tm.Upsert(b, row(1, "from-b"), ConflictReplace); err != nil {
		t.Fatal(err)
	}

	if err := a.Commit(); err != nil {
		t.Fatalf("first committer should succeed, got %v", err)
	}
	err := b.Commit()
	if err == nil {
		t.Fatal("expected second committer to be rejected as busy")
	}
	if !errors.Is(err, errs.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

// TestBusyCommitDiscardsPendingLayerAndUnblocksCollapse checks that a busy
// commit (§4.5: "the pending layer is discarded") actually releases its ref
// on the stale parent, rather than leaking it and blocking tryCollapse
// forever, and that the connection can simply retry against the new tip
// (§8 scenario S6).
func TestBusyCommitDiscardsPendingLayerAndUnblocksCollapse(t *testing.T) {
	tm := NewTableManager(testSchema())

	a := tm.Connect()
	a.Begin()
	if _, err := tm.Upsert(a, row(1, "from-a"), ConflictReplace); err != nil {
		t.Fatal(err)
	}

	b := tm.Connect()
	b.Begin()
	if _, err := tm.Upsert(b, row(2, "from-b"), ConflictReplace); err != nil {
		t.Fatal(err)
	}

	if err := a.Commit(); err != nil {
		t.Fatalf("first committer should succeed, got %v", err)
	}

	staleParent := b.stack[0].parentLayer
	refsBefore := staleParent.refs

	if err := b.Commit(); err == nil || !errors.Is(err, errs.ErrBusy) {
		t.Fatalf("expected second committer to be rejected as busy, got %v", err)
	}
	if b.InTransaction() {
		t.Fatal("a busy commit must discard the connection's pending layer")
	}
	if staleParent.refs != refsBefore-1 {
		t.Fatalf("busy commit must release its ref on the stale parent: refs went %d -> %d, want %d", refsBefore, staleParent.refs, refsBefore-1)
	}

	// Retrying against the new tip (a fresh Begin, not a bare re-commit of
	// the discarded layer) must succeed and the row must land.
	b.Begin()
	if _, err := tm.Upsert(b, row(2, "from-b-retry"), ConflictReplace); err != nil {
		t.Fatal(err)
	}
	if err := b.Commit(); err != nil {
		t.Fatalf("retried commit should succeed, got %v", err)
	}
	if _, ok := tm.LookupEffectiveRow(b, value.NewPrimaryKey(value.Integer(2))); !ok {
		t.Fatal("expected retried insert to be visible after its commit")
	}
}

func TestUpsertRejectsNotNullViolation(t *testing.T) {
	sc := testSchema()
	tm := NewTableManager(sc)
	conn := tm.Connect()
	conn.Begin()

	_, err := tm.Upsert(conn, value.Row{value.Integer(1), value.Null}, ConflictAbort)
	if err == nil {
		t.Fatal("expected a not-null violation")
	}
	var cv *errs.ConstraintViolation
	if !errors.As(err, &cv) {
		t.Fatalf("expected *errs.ConstraintViolation, got %v", err)
	}
	if _, ok := tm.LookupEffectiveRow(conn, value.NewPrimaryKey(value.Integer(1))); ok {
		t.Fatal("a row failing validation must not be written")
	}
}

func TestUpsertRejectsCheckViolation(t *testing.T) {
	sc := testSchema()
	sc.Checks = []schema.CheckConstraint{
		{Name: "name_not_empty", Evaluate: func(r value.Row) (bool, error) {
			s, _ := r[1].AsText()
			return s != "", nil
		}},
	}
	tm := NewTableManager(sc)
	conn := tm.Connect()
	conn.Begin()

	_, err := tm.Upsert(conn, row(1, ""), ConflictAbort)
	if err == nil {
		t.Fatal("expected a check violation")
	}
	if !errors.Is(err, errs.ErrConstraint) {
		t.Fatalf("expected errs.ErrConstraint, got %v", err)
	}
	if _, ok := tm.LookupEffectiveRow(conn, value.NewPrimaryKey(value.Integer(1))); ok {
		t.Fatal("a row failing its check must not be written")
	}

	if _, err := tm.Upsert(conn, row(1, "ok"), ConflictAbort); err != nil {
		t.Fatalf("a row satisfying the check should be accepted, got %v", err)
	}
}

func TestUpdateInPlaceRejectsConstraintViolation(t *testing.T) {
	sc := testSchema()
	tm := NewTableManager(sc)
	conn := tm.Connect()
	conn.Begin()
	if _, err := tm.Upsert(conn, row(1, "alpha"), ConflictAbort); err != nil {
		t.Fatal(err)
	}
	if err := conn.Commit(); err != nil {
		t.Fatal(err)
	}

	conn.Begin()
	if err := tm.updateInPlace(conn, value.Row{value.Integer(1), value.Null}); err == nil {
		t.Fatal("expected a not-null violation on update")
	}
	r, ok := tm.LookupEffectiveRow(conn, value.NewPrimaryKey(value.Integer(1)))
	if !ok {
		t.Fatal("original row should still be visible")
	}
	if s, _ := r[1].AsText(); s != "alpha" {
		t.Fatalf("update failing validation must not overwrite the row, got %v", r)
	}
}

func TestConcurrentDisjointWritesBothCommit(t *testing.T) {
	tm := NewTableManager(testSchema())

	a := tm.Connect()
	a.Begin()
	if _, err := tm.Upsert(a, row(1, "one"), ConflictReplace); err != nil {
		t.Fatal(err)
	}

	b := tm.Connect()
	b.Begin()
	if _, err := tm.Upsert(b, row(2, "two"), ConflictReplace); err != nil {
		t.Fatal(err)
	}

	if err := a.Commit(); err != nil {
		t.Fatal(err)
	}
	// b began from the tip a replaced, so its commit is stale even though
	// the two wrote different rows; it lands once b retries from the new tip.
	if err := b.Commit(); !errors.Is(err, errs.ErrBusy) {
		t.Fatalf("expected stale commit to fail busy, got %v", err)
	}
	b.Begin()
	if _, err := tm.Upsert(b, row(2, "two"), ConflictReplace); err != nil {
		t.Fatal(err)
	}
	if err := b.Commit(); err != nil {
		t.Fatalf("retried commit should succeed, got %v", err)
	}

	c := tm.Connect()
	if _, ok := tm.LookupEffectiveRow(c, value.NewPrimaryKey(value.Integer(1))); !ok {
		t.Fatal("row 1 should be visible")
	}
	if _, ok := tm.LookupEffectiveRow(c, value.NewPrimaryKey(value.Integer(2))); !ok {
		t.Fatal("row 2 should be visible")
	}
}

func TestSavepointRollbackDiscardsSubsequentWrites(t *testing.T) {
	tm := NewTableManager(testSchema())
	conn := tm.Connect()
	conn.Begin()

	if _, err := tm.Upsert(conn, row(1, "kept"), ConflictAbort); err != nil {
		t.Fatal(err)
	}
	sp := conn.CreateSavepoint()
	if _, err := tm.Upsert(conn, row(2, "discarded"), ConflictAbort); err != nil {
		t.Fatal(err)
	}
	if err := conn.RollbackToSavepoint(sp); err != nil {
		t.Fatal(err)
	}
	if err := conn.Commit(); err != nil {
		t.Fatal(err)
	}

	if _, ok := tm.LookupEffectiveRow(conn, value.NewPrimaryKey(value.Integer(1))); !ok {
		t.Fatal("row written before the savepoint must survive")
	}
	if _, ok := tm.LookupEffectiveRow(conn, value.NewPrimaryKey(value.Integer(2))); ok {
		t.Fatal("row written after the savepoint must not survive a rollback to it")
	}
}

func TestSavepointReleaseKeepsChanges(t *testing.T) {
	tm := NewTableManager(testSchema())
	conn := tm.Connect()
	conn.Begin()

	sp := conn.CreateSavepoint()
	if _, err := tm.Upsert(conn, row(1, "released"), ConflictAbort); err != nil {
		t.Fatal(err)
	}
	if err := conn.ReleaseSavepoint(sp); err != nil {
		t.Fatal(err)
	}
	if err := conn.Commit(); err != nil {
		t.Fatal(err)
	}

	if _, ok := tm.LookupEffectiveRow(conn, value.NewPrimaryKey(value.Integer(1))); !ok {
		t.Fatal("row written under a released savepoint must survive commit")
	}
}

func TestConflictIgnoreSkipsExistingRow(t *testing.T) {
	tm := NewTableManager(testSchema())
	conn := tm.Connect()
	conn.Begin()
	if _, err := tm.Upsert(conn, row(1, "first"), ConflictAbort); err != nil {
		t.Fatal(err)
	}
	wrote, err := tm.Upsert(conn, row(1, "second"), ConflictIgnore)
	if err != nil {
		t.Fatal(err)
	}
	if wrote {
		t.Fatal("ConflictIgnore must report no write for an existing key")
	}
	r, _ := tm.LookupEffectiveRow(conn, value.NewPrimaryKey(value.Integer(1)))
	if s, _ := r[1].AsText(); s != "first" {
		t.Fatalf("expected original row to survive, got %v", r)
	}
}

func TestSecondaryIndexScanJoinsBackToPrimary(t *testing.T) {
	tm := NewTableManager(testSchema())
	conn := tm.Connect()
	conn.Begin()
	for i, name := range []string{"beta", "alpha", "gamma"} {
		if _, err := tm.Upsert(conn, row(int64(i+1), name), ConflictAbort); err != nil {
			t.Fatal(err)
		}
	}
	if err := conn.Commit(); err != nil {
		t.Fatal(err)
	}

	var names []string
	tm.ScanIndex(conn, "by_name", omap.Range{}, value.Asc, func(r value.Row) bool {
		s, _ := r[1].AsText()
		names = append(names, s)
		return true
	})
	want := []string{"alpha", "beta", "gamma"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, names)
		}
	}
}

func TestDeleteRemovesRowAndSecondaryEntry(t *testing.T) {
	tm := NewTableManager(testSchema())
	conn := tm.Connect()
	conn.Begin()
	if _, err := tm.Upsert(conn, row(1, "alpha"), ConflictAbort); err != nil {
		t.Fatal(err)
	}
	if err := conn.Commit(); err != nil {
		t.Fatal(err)
	}

	conn.Begin()
	if err := tm.Delete(conn, value.NewPrimaryKey(value.Integer(1))); err != nil {
		t.Fatal(err)
	}
	if err := conn.Commit(); err != nil {
		t.Fatal(err)
	}

	if _, ok := tm.LookupEffectiveRow(conn, value.NewPrimaryKey(value.Integer(1))); ok {
		t.Fatal("deleted row must not be visible")
	}
	var count int
	tm.ScanIndex(conn, "by_name", omap.Range{}, value.Asc, func(value.Row) bool {
		count++
		return true
	})
	if count != 0 {
		t.Fatalf("expected no secondary index entries after delete, got %d", count)
	}
}
