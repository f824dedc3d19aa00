// Package contracts names the interfaces the engine core consumes at its
// edges (spec.md §6): parsing, planning, optimization, emission,
// scheduling, and the virtual-table module protocol. None of these are
// implemented by the core itself; internal/memorymodule supplies the one
// Module this repository ships, and tests supply fakes for the rest.
package contracts

import (
	"context"

	"github.com/quereus/quereus/internal/value"
)

// Statement is an opaque parsed statement, except for its Tag, which the
// core inspects to route transaction-control statements (begin, commit,
// rollback, savepoint, release) without understanding anything else about
// the language.
type Statement interface {
	Tag() string
}

// Parser turns SQL text into statements. Everything beyond Statement.Tag is
// opaque to the core and flows through Planner/Optimizer/Emitter untouched.
type Parser interface {
	Parse(text string) (Statement, error)
	ParseAll(text string) ([]Statement, error)
}

// BlockPlan is an ordered list of per-statement plans with whatever
// dependency annotations the planner attaches; the core never inspects it
// beyond handing it to the Optimizer and Emitter.
type BlockPlan interface {
	Statements() []Statement
}

// Planner turns a batch of parsed statements into a BlockPlan.
type Planner interface {
	BuildBlock(ctx context.Context, stmts []Statement) (BlockPlan, error)
}

// Plan is the optimizer's input and output type; opaque to the core.
type Plan any

// Diagnostics carries optional optimizer introspection data for EXPLAIN-like
// tooling; nil fields mean "not collected".
type Diagnostics struct {
	Quickpick any
}

// Optimizer rewrites a plan for execution, or for static analysis only
// (OptimizeForAnalysis stops short of physical operator selection, which is
// what plan-shape validation needs without committing to a scan strategy).
type Optimizer interface {
	Optimize(plan Plan, db any) (Plan, error)
	OptimizeForAnalysis(plan Plan, db any) (Plan, error)
	LastDiagnostics() (*Diagnostics, bool)
}

// Instruction is a root of an executable instruction tree; Programs
// enumerates any sub-programs it references (used by nested/CTE execution).
type Instruction interface {
	Programs() []Instruction
}

// EmissionContext carries whatever environment the emitter needs (session
// options, parameter bindings) without the core needing to know its shape.
type EmissionContext any

// Emitter lowers an optimized plan into an instruction tree.
type Emitter interface {
	Emit(plan Plan, ctx EmissionContext) (Instruction, error)
}

// RuntimeContext is what a Scheduler and a deferred-constraint/assertion
// evaluator run against: the active connections, parameter bindings, and
// whatever the emitted instructions need resolved at run time.
type RuntimeContext interface {
	context.Context
	Param(name string) (value.Value, bool)
}

// Result is a scheduler's output for a statement that doesn't produce rows
// (DDL, or DML without a RETURNING clause).
type Result struct {
	RowsAffected int64
	LastKey      *value.PrimaryKey
}

// RowIterator yields result rows one at a time; Close releases any
// resources held for the iteration.
type RowIterator interface {
	Next(ctx context.Context) (value.Row, bool, error)
	Close() error
}

// Scheduler runs a root Instruction to completion or to a row iterator.
type Scheduler interface {
	Run(ctx RuntimeContext) (*Result, RowIterator, error)
}

// ScanPlan describes a module scan: an optional equality/range key and a
// direction, matching storage's own omap.Range/value.Direction shape so a
// Module backed by internal/storage can forward it without translation.
type ScanPlan struct {
	IndexName string
	Low, High *value.PrimaryKey
	LowIncl   bool
	HighIncl  bool
	Dir       value.Direction
}

// UpdateOp names a single virtual-table mutation kind.
type UpdateOp int

const (
	UpdateInsert UpdateOp = iota
	UpdateUpdate
	UpdateDelete
)

// ChangeEvent is fired by a Module after a committed data or schema change.
type ChangeEvent struct {
	Table      string
	SchemaOnly bool
}

// Module is the virtual-table backend protocol (§6). internal/memorymodule
// is the one implementation this repository ships.
type Module interface {
	Connect(ctx context.Context, schemaName, tableName string, args map[string]string) (ModuleConnection, error)
}

// ModuleConnection is one table's connection handle into a Module.
type ModuleConnection interface {
	Begin() error
	Commit() error
	Rollback() error
	Disconnect() error

	XQuery(ctx context.Context, plan ScanPlan) (RowIterator, error)
	XUpdate(ctx context.Context, op UpdateOp, newRow value.Row, oldKey *value.PrimaryKey) (value.Row, error)

	// Subscribe registers a change listener, returning an unsubscribe
	// function. Modules that never fire change events may return a no-op.
	Subscribe(func(ChangeEvent)) (unsubscribe func())
}
