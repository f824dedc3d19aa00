package assert

import (
	"context"
	"errors"
	"testing"

	"github.com/quereus/quereus/internal/catalog"
	"github.com/quereus/quereus/internal/contracts"
	"github.com/quereus/quereus/internal/errs"
	"github.com/quereus/quereus/internal/value"
)

type fakeRuntimeCtx struct{ context.Context }

func (fakeRuntimeCtx) Param(string) (value.Value, bool) { return value.Value{}, false }

type fakeChangedTables struct {
	tables map[string][]value.PrimaryKey
}

func (f fakeChangedTables) ChangedBaseTables() []string {
	out := make([]string, 0, len(f.tables))
	for t := range f.tables {
		out = append(out, t)
	}
	return out
}

func (f fakeChangedTables) ChangedKeyTuples(table string) []value.PrimaryKey {
	return f.tables[table]
}

type fakeAnalyzer struct {
	analyzeCount int
	refs         []RelationRef
	runFull      func(ctx contracts.RuntimeContext, limit int) ([]value.Row, error)
	runForKey    func(ctx contracts.RuntimeContext, ref RelationKey, pk value.PrimaryKey) ([]value.Row, error)
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, stmt contracts.Statement) (AnalyzedAssertion, error) {
	f.analyzeCount++
	return AnalyzedAssertion{Refs: f.refs, RunFull: f.runFull, RunForKey: f.runForKey}, nil
}

func TestSkipsAssertionWhenNoReferencedTableChanged(t *testing.T) {
	analyzer := &fakeAnalyzer{
		refs: []RelationRef{{Key: "main.widgets#0", Table: "main.widgets", Class: ClassGlobal}},
		runFull: func(contracts.RuntimeContext, int) ([]value.Row, error) {
			t.Fatal("RunFull must not be called when the referenced table is untouched")
			return nil, nil
		},
	}
	ev, err := NewEvaluator(analyzer, 8)
	if err != nil {
		t.Fatal(err)
	}
	changed := fakeChangedTables{tables: map[string][]value.PrimaryKey{"main.gadgets": {value.NewPrimaryKey(value.Integer(1))}}}
	assertions := []catalog.Assertion{{Name: "a1"}}

	if err := ev.EvaluateAtCommit(fakeRuntimeCtx{context.Background()}, 1, assertions, changed); err != nil {
		t.Fatal(err)
	}
}

func TestGlobalClassRunsFullQueryAndReportsViolation(t *testing.T) {
	analyzer := &fakeAnalyzer{
		refs: []RelationRef{{Key: "main.widgets#0", Table: "main.widgets", Class: ClassGlobal}},
		runFull: func(contracts.RuntimeContext, int) ([]value.Row, error) {
			return []value.Row{{value.Integer(1)}}, nil
		},
	}
	ev, err := NewEvaluator(analyzer, 8)
	if err != nil {
		t.Fatal(err)
	}
	changed := fakeChangedTables{tables: map[string][]value.PrimaryKey{"main.widgets": {value.NewPrimaryKey(value.Integer(1))}}}
	assertions := []catalog.Assertion{{Name: "a1"}}

	err = ev.EvaluateAtCommit(fakeRuntimeCtx{context.Background()}, 1, assertions, changed)
	if err == nil {
		t.Fatal("expected a constraint violation")
	}
	if !errors.Is(err, errs.ErrConstraint) {
		t.Fatalf("expected ErrConstraint, got %v", err)
	}
}

func TestRowSpecificOnlyChecksChangedKeys(t *testing.T) {
	var checkedKeys []value.PrimaryKey
	analyzer := &fakeAnalyzer{
		refs: []RelationRef{{Key: "main.widgets#0", Table: "main.widgets", Class: ClassRowSpecific}},
		runForKey: func(ctx contracts.RuntimeContext, ref RelationKey, pk value.PrimaryKey) ([]value.Row, error) {
			checkedKeys = append(checkedKeys, pk)
			return nil, nil
		},
	}
	ev, err := NewEvaluator(analyzer, 8)
	if err != nil {
		t.Fatal(err)
	}
	changed := fakeChangedTables{tables: map[string][]value.PrimaryKey{
		"main.widgets": {value.NewPrimaryKey(value.Integer(1)), value.NewPrimaryKey(value.Integer(2))},
	}}
	assertions := []catalog.Assertion{{Name: "a1"}}

	if err := ev.EvaluateAtCommit(fakeRuntimeCtx{context.Background()}, 1, assertions, changed); err != nil {
		t.Fatal(err)
	}
	if len(checkedKeys) != 2 {
		t.Fatalf("expected 2 keys checked, got %d", len(checkedKeys))
	}
}

func TestCacheReusedUntilGenerationBumps(t *testing.T) {
	analyzer := &fakeAnalyzer{
		refs:      []RelationRef{{Key: "main.widgets#0", Table: "main.widgets", Class: ClassRowSpecific}},
		runForKey: func(contracts.RuntimeContext, RelationKey, value.PrimaryKey) ([]value.Row, error) { return nil, nil },
	}
	ev, err := NewEvaluator(analyzer, 8)
	if err != nil {
		t.Fatal(err)
	}
	changed := fakeChangedTables{tables: map[string][]value.PrimaryKey{"main.widgets": {value.NewPrimaryKey(value.Integer(1))}}}
	assertions := []catalog.Assertion{{Name: "a1"}}

	if err := ev.EvaluateAtCommit(fakeRuntimeCtx{context.Background()}, 1, assertions, changed); err != nil {
		t.Fatal(err)
	}
	if err := ev.EvaluateAtCommit(fakeRuntimeCtx{context.Background()}, 1, assertions, changed); err != nil {
		t.Fatal(err)
	}
	if analyzer.analyzeCount != 1 {
		t.Fatalf("expected one Analyze call across same-generation evaluations, got %d", analyzer.analyzeCount)
	}

	if err := ev.EvaluateAtCommit(fakeRuntimeCtx{context.Background()}, 2, assertions, changed); err != nil {
		t.Fatal(err)
	}
	if analyzer.analyzeCount != 2 {
		t.Fatalf("expected a re-analyze after the generation bumped, got %d", analyzer.analyzeCount)
	}
}
