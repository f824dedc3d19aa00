// Package quereus is the embedded SQL engine's session/database façade
// (spec.md §4.10): the process-wide root that owns the catalog, the
// transaction manager, the assertion evaluator, and the execution mutex
// serializing every top-level statement, and that mediates between the
// (externally supplied) parser/planner/optimizer/emitter/scheduler
// pipeline and the engine core in internal/.
package quereus

import (
	"github.com/quereus/quereus/internal/assert"
	"github.com/quereus/quereus/internal/contracts"
)

// Config wires a Database to its external collaborators (§6): the
// SQL front end this repository does not implement. Parser, Planner,
// Optimizer, and Emitter are the narrow interfaces internal/contracts
// defines; NewScheduler turns an emitted instruction into something
// runnable. AssertionAnalyzer is the planning seam internal/assert needs
// to compile a CREATE ASSERTION's violation query (§4.8) — it sits on top
// of the same Planner/Optimizer/Emitter, so it is supplied directly
// rather than assembled from the other fields.
//
// Every field is optional for embedders that only need the programmatic
// DDL and direct storage surface (no SQL text ever parsed); Prepare/Exec/
// Eval return errs.ErrMisuse if called without the corresponding
// collaborator configured.
type Config struct {
	Parser    contracts.Parser
	Planner   contracts.Planner
	Optimizer contracts.Optimizer
	Emitter   contracts.Emitter
	// NewScheduler builds a Scheduler for one emitted instruction tree.
	NewScheduler func(root contracts.Instruction) contracts.Scheduler

	AssertionAnalyzer assert.Analyzer
	// AssertionCacheSize bounds the assertion plan cache (§3
	// PlanCacheEntry); defaults to 64 if zero.
	AssertionCacheSize int

	// EnableRuntimeStats seeds the runtime_stats option (§6); it can be
	// changed afterward via SetOption.
	EnableRuntimeStats bool
}
