package quereus

import (
	"context"
	"fmt"
	"sync"

	"github.com/quereus/quereus/internal/contracts"
	"github.com/quereus/quereus/internal/errs"
	"github.com/quereus/quereus/internal/value"
)

// PreparedStatement is the result of Database.Prepare: one statement's
// text, parsed, planned, optimized, and emitted exactly once (§4.10), ready
// to run repeatedly against different parameter bindings without repeating
// the front-end pipeline. A Database tracks every PreparedStatement it
// hands out so Close can finalize them all.
type PreparedStatement struct {
	db   *Database
	sql  string
	root contracts.Instruction

	mu     sync.Mutex
	closed bool
}

// Prepare runs sql through the configured Parser/Planner/Optimizer/Emitter
// pipeline once, using Parser.Parse, which yields a single statement — a
// prepared statement holds exactly one instruction tree. Returns
// errs.ErrMisuse if any pipeline stage is unconfigured, and errs.ErrInternal
// if the planner returns other than exactly one planned statement.
func (d *Database) Prepare(ctx context.Context, sql string) (*PreparedStatement, error) {
	if d.cfg.Parser == nil {
		return nil, fmt.Errorf("quereus: Prepare requires Config.Parser: %w", errs.ErrMisuse)
	}
	stmt, err := d.cfg.Parser.Parse(sql)
	if err != nil {
		return nil, fmt.Errorf("quereus: parsing statement: %w", err)
	}

	root, err := d.planAndEmit(ctx, stmt)
	if err != nil {
		return nil, err
	}

	ps := &PreparedStatement{db: d, sql: sql, root: root}
	d.trackStatement(ps)
	return ps, nil
}

// planAndEmit runs one already-parsed statement through BuildBlock,
// Optimize, and Emit, honoring the validate_plan option (§6) by routing
// through OptimizeForAnalysis instead of Optimize when set.
func (d *Database) planAndEmit(ctx context.Context, stmt contracts.Statement) (contracts.Instruction, error) {
	if d.cfg.Planner == nil || d.cfg.Optimizer == nil || d.cfg.Emitter == nil {
		return nil, fmt.Errorf("quereus: requires Config.Planner, Optimizer, and Emitter: %w", errs.ErrMisuse)
	}

	block, err := d.cfg.Planner.BuildBlock(ctx, []contracts.Statement{stmt})
	if err != nil {
		return nil, fmt.Errorf("quereus: planning statement: %w", err)
	}
	planned := block.Statements()
	if len(planned) != 1 {
		return nil, fmt.Errorf("quereus: expected exactly one planned statement, got %d: %w", len(planned), errs.ErrInternal)
	}

	validate, _ := d.options.Get(OptValidatePlan)
	var optimized contracts.Plan
	if validate.(bool) {
		optimized, err = d.cfg.Optimizer.OptimizeForAnalysis(planned[0], d)
	} else {
		optimized, err = d.cfg.Optimizer.Optimize(planned[0], d)
	}
	if err != nil {
		return nil, fmt.Errorf("quereus: optimizing statement: %w", err)
	}

	return d.cfg.Emitter.Emit(optimized, d)
}

// SQL returns the text this statement was prepared from.
func (s *PreparedStatement) SQL() string { return s.sql }

// Run executes the prepared instruction tree once against params, holding
// the session's execution mutex for the duration of the call (§5). A
// row-producing statement returns a non-nil Cursor, which keeps the mutex
// held until it is closed or exhausted; a statement with no rows releases
// the mutex before Run returns.
func (s *PreparedStatement) Run(ctx context.Context, params map[string]value.Value) (*contracts.Result, *Cursor, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, nil, fmt.Errorf("quereus: statement is closed: %w", errs.ErrMisuse)
	}
	return s.db.execInstruction(ctx, s.root, params)
}

// Close finalizes the statement. Idempotent.
func (s *PreparedStatement) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.db.untrackStatement(s)
	return nil
}
