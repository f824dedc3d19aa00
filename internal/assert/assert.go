// Package assert implements the commit-time global assertion evaluator
// (spec.md §4.8): CREATE ASSERTION checks that run only when a referenced
// base table actually changed, with a per-assertion plan cache invalidated
// on schema-generation bumps.
//
// Classification (row-specific vs. global) and plan compilation are owned
// by the planner/optimizer/emitter pipeline, out of scope for this
// package; Analyzer is the seam a concrete pipeline implements. This keeps
// exactly one code path responsible for the row-specific/global
// distinction, instead of letting individual assertions special-case their
// own evaluation strategy.
package assert

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/quereus/quereus/internal/catalog"
	"github.com/quereus/quereus/internal/contracts"
	"github.com/quereus/quereus/internal/errs"
	"github.com/quereus/quereus/internal/value"
)

// RelationKey identifies one distinct table reference within a planned
// violation query, formatted "schema.table#node-id" so the same base table
// referenced twice (e.g. a self-join) gets independent classifications.
type RelationKey string

// Classification is the single rule this package enforces everywhere: a
// relation reference is row-specific iff the predicate reaching it
// functionally determines its row by the table's full primary key.
// Everything else is global.
type Classification int

const (
	ClassRowSpecific Classification = iota
	ClassGlobal
)

// RelationRef is one classified table reference found while walking an
// assertion's planned violation query (§4.8 steps 2-3).
type RelationRef struct {
	Key   RelationKey
	Table string
	Class Classification
}

// AnalyzedAssertion is the result of parsing, planning, and classifying one
// assertion's violation query exactly once (§4.8 steps 1-4).
type AnalyzedAssertion struct {
	Refs []RelationRef

	// RunFull executes the full violation query and returns up to limit
	// violating rows.
	RunFull func(ctx contracts.RuntimeContext, limit int) ([]value.Row, error)

	// RunForKey executes the pre-compiled, PK-filtered rewrite of a single
	// row-specific relation reference for one primary key tuple, returning
	// any rows it yields (non-empty means violated).
	RunForKey func(ctx contracts.RuntimeContext, ref RelationKey, pk value.PrimaryKey) ([]value.Row, error)
}

// Analyzer turns a parsed violation-query statement into an
// AnalyzedAssertion. A concrete implementation sits on top of
// contracts.Planner/Optimizer/Emitter; this package only orchestrates
// when to call it and what to do with the result.
type Analyzer interface {
	Analyze(ctx context.Context, violationQuery contracts.Statement) (AnalyzedAssertion, error)
}

type cacheEntry struct {
	generation uint64
	analyzed   AnalyzedAssertion
}

// Evaluator runs every registered assertion whose referenced tables
// changed, at commit time, caching each assertion's analysis by name and
// invalidating an entry the moment the catalog's schema generation moves
// past the generation it was built against.
type Evaluator struct {
	analyzer Analyzer
	cache    *lru.Cache[string, cacheEntry]
}

// NewEvaluator creates an Evaluator backed by an LRU plan cache of the
// given size (0 means unbounded is not supported; callers should size this
// to roughly the expected number of live assertions).
func NewEvaluator(analyzer Analyzer, cacheSize int) (*Evaluator, error) {
	cache, err := lru.New[string, cacheEntry](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("assert: creating plan cache: %w", err)
	}
	return &Evaluator{analyzer: analyzer, cache: cache}, nil
}

func (e *Evaluator) analyzedFor(ctx context.Context, a catalog.Assertion, generation uint64) (AnalyzedAssertion, error) {
	if entry, ok := e.cache.Get(a.Name); ok && entry.generation == generation {
		return entry.analyzed, nil
	}
	analyzed, err := e.analyzer.Analyze(ctx, a.ViolationQuery)
	if err != nil {
		return AnalyzedAssertion{}, fmt.Errorf("assert: analyzing assertion %s: %w", a.Name, err)
	}
	e.cache.Add(a.Name, cacheEntry{generation: generation, analyzed: analyzed})
	return analyzed, nil
}

// ChangedTables reports which base tables changed and which primary keys
// changed for each, the interface internal/changelog.Log satisfies. Kept
// as an interface here so this package doesn't import changelog directly
// for what is, from its perspective, a read-only query surface.
type ChangedTables interface {
	ChangedBaseTables() []string
	ChangedKeyTuples(table string) []value.PrimaryKey
}

// EvaluateAtCommit runs every assertion in assertions whose referenced
// tables intersect changed, per the algorithm in §4.8. The first violation
// encountered aborts evaluation and is returned as an
// *errs.ConstraintViolation.
func (e *Evaluator) EvaluateAtCommit(ctx contracts.RuntimeContext, generation uint64, assertions []catalog.Assertion, changed ChangedTables) error {
	touched := make(map[string]bool)
	for _, t := range changed.ChangedBaseTables() {
		touched[t] = true
	}
	if len(touched) == 0 {
		return nil
	}

	for _, a := range assertions {
		if err := e.evaluateOne(ctx, a, generation, touched, changed); err != nil {
			return err
		}
	}
	return nil
}

func (e *Evaluator) evaluateOne(ctx contracts.RuntimeContext, a catalog.Assertion, generation uint64, touched map[string]bool, changed ChangedTables) error {
	analyzed, err := e.analyzedFor(ctx, a, generation)
	if err != nil {
		return err
	}

	relevant := false
	anyGlobalTouched := false
	for _, ref := range analyzed.Refs {
		if !touched[ref.Table] {
			continue
		}
		relevant = true
		if ref.Class == ClassGlobal {
			anyGlobalTouched = true
		}
	}
	if !relevant {
		return nil
	}

	if anyGlobalTouched {
		rows, err := analyzed.RunFull(ctx, errs.MaxWitnessSample)
		if err != nil {
			return fmt.Errorf("assert: evaluating assertion %s: %w", a.Name, err)
		}
		if len(rows) > 0 {
			return violation(a.Name, rows)
		}
		return nil
	}

	for _, ref := range analyzed.Refs {
		if ref.Class != ClassRowSpecific || !touched[ref.Table] {
			continue
		}
		for _, pk := range changed.ChangedKeyTuples(ref.Table) {
			rows, err := analyzed.RunForKey(ctx, ref.Key, pk)
			if err != nil {
				return fmt.Errorf("assert: evaluating assertion %s for key %v: %w", a.Name, pk.Values, err)
			}
			if len(rows) > 0 {
				return violation(a.Name, rows)
			}
		}
	}
	return nil
}

func violation(name string, rows []value.Row) error {
	witnesses := make([]string, 0, len(rows))
	for i, r := range rows {
		if i >= errs.MaxWitnessSample {
			break
		}
		witnesses = append(witnesses, formatRow(r))
	}
	return &errs.ConstraintViolation{Name: name, Witnesses: witnesses}
}

func formatRow(r value.Row) string {
	s := "("
	for i, v := range r {
		if i > 0 {
			s += ", "
		}
		s += v.String()
	}
	return s + ")"
}
