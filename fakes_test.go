package quereus

import (
	"context"

	"github.com/quereus/quereus/internal/contracts"
	"github.com/quereus/quereus/internal/value"
)

// fakeStatement is the test double for contracts.Statement, with an
// optional savepoint name for the SAVEPOINT/RELEASE/ROLLBACK TO forms.
type fakeStatement struct {
	tag    string
	spName string
}

func (s fakeStatement) Tag() string           { return s.tag }
func (s fakeStatement) SavepointName() string { return s.spName }

// fakeParser returns whatever statement the test last assigned to next,
// standing in for a real SQL parser.
type fakeParser struct {
	next fakeStatement
}

func (p *fakeParser) Parse(text string) (contracts.Statement, error) { return p.next, nil }
func (p *fakeParser) ParseAll(text string) ([]contracts.Statement, error) {
	return []contracts.Statement{p.next}, nil
}

type fakeBlockPlan struct{ stmts []contracts.Statement }

func (b fakeBlockPlan) Statements() []contracts.Statement { return b.stmts }

type fakePlanner struct{}

func (fakePlanner) BuildBlock(_ context.Context, stmts []contracts.Statement) (contracts.BlockPlan, error) {
	return fakeBlockPlan{stmts}, nil
}

type fakeOptimizer struct{}

func (fakeOptimizer) Optimize(plan contracts.Plan, _ any) (contracts.Plan, error) { return plan, nil }
func (fakeOptimizer) OptimizeForAnalysis(plan contracts.Plan, _ any) (contracts.Plan, error) {
	return plan, nil
}
func (fakeOptimizer) LastDiagnostics() (*contracts.Diagnostics, bool) { return nil, false }

type fakeInstruction struct{}

func (fakeInstruction) Programs() []contracts.Instruction { return nil }

type fakeEmitter struct{}

func (fakeEmitter) Emit(_ contracts.Plan, _ contracts.EmissionContext) (contracts.Instruction, error) {
	return fakeInstruction{}, nil
}

// fakeRowIterator replays a fixed slice of rows.
type fakeRowIterator struct {
	rows []value.Row
	pos  int
}

func (it *fakeRowIterator) Next(_ context.Context) (value.Row, bool, error) {
	if it.pos >= len(it.rows) {
		return nil, false, nil
	}
	r := it.rows[it.pos]
	it.pos++
	return r, true, nil
}

func (it *fakeRowIterator) Close() error { return nil }

// fakeScheduler runs a scripted result: either a fixed *contracts.Result
// with no rows (a DML/DDL statement), or a row set (a SELECT).
type fakeScheduler struct {
	result *contracts.Result
	rows   []value.Row
}

func (s *fakeScheduler) Run(_ contracts.RuntimeContext) (*contracts.Result, contracts.RowIterator, error) {
	if s.rows == nil {
		return s.result, nil, nil
	}
	return s.result, &fakeRowIterator{rows: s.rows}, nil
}

func newTestConfig(parser *fakeParser, sched *fakeScheduler) Config {
	return Config{
		Parser:    parser,
		Planner:   fakePlanner{},
		Optimizer: fakeOptimizer{},
		Emitter:   fakeEmitter{},
		NewScheduler: func(contracts.Instruction) contracts.Scheduler {
			return sched
		},
	}
}
