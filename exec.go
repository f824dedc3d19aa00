package quereus

import (
	"context"
	"fmt"
	"time"

	"github.com/quereus/quereus/internal/contracts"
	"github.com/quereus/quereus/internal/errs"
	"github.com/quereus/quereus/internal/value"
)

// Transaction-control statement tags (§6): the front end's Parser marks
// these with Statement.Tag() so the façade can intercept them without
// understanding anything else about the SQL surface. Everything else flows
// through Planner/Optimizer/Emitter/Scheduler.
const (
	tagBegin     = "begin"
	tagCommit    = "commit"
	tagRollback  = "rollback"
	tagSavepoint = "savepoint"
	tagRelease   = "release"
)

// savepointStatement is satisfied by a parsed SAVEPOINT, RELEASE, or
// ROLLBACK TO SAVEPOINT statement; Statement itself only carries a Tag, so
// the name these three forms need is an optional capability a concrete
// Parser's Statement type opts into.
type savepointStatement interface {
	contracts.Statement
	SavepointName() string
}

// Exec runs one SQL statement to completion under the session's FIFO
// execution mutex (§5) and returns its summary result. Any rows the
// statement produces are drained and discarded; use Eval to read them.
func (d *Database) Exec(ctx context.Context, sql string, params map[string]value.Value) (*contracts.Result, error) {
	start := time.Now()
	if err := d.execMu.Lock(ctx); err != nil {
		return nil, err
	}
	d.telemetry.RecordMutexWait(ctx, start)
	defer d.execMu.Unlock()

	res, cur, err := d.execSQLLocked(ctx, sql, params)
	if err != nil {
		return nil, err
	}
	if cur != nil {
		for {
			_, ok, nerr := cur.it.Next(ctx)
			if nerr != nil {
				cur.closeLocked()
				return nil, nerr
			}
			if !ok {
				break
			}
		}
		if err := cur.closeLocked(); err != nil {
			return nil, err
		}
		return cur.result, nil
	}
	return res, nil
}

// Eval runs a row-producing SQL statement and returns a Cursor over its
// result. The execution mutex is held for the cursor's entire lifetime —
// the engine does not interleave two top-level statements against one
// session (§5) — and is released by the Cursor's Close, including the
// implicit close on exhaustion or error.
func (d *Database) Eval(ctx context.Context, sql string, params map[string]value.Value) (*Cursor, error) {
	start := time.Now()
	if err := d.execMu.Lock(ctx); err != nil {
		return nil, err
	}
	d.telemetry.RecordMutexWait(ctx, start)

	_, cur, err := d.execSQLLocked(ctx, sql, params)
	if err != nil {
		d.execMu.Unlock()
		return nil, err
	}
	if cur == nil {
		d.execMu.Unlock()
		return nil, fmt.Errorf("quereus: statement produced no rows: %w", errs.ErrMisuse)
	}
	return cur, nil
}

// execSQLLocked parses sql and either intercepts a transaction-control
// statement directly, or runs it through the full pipeline. Callers must
// hold d.execMu.
func (d *Database) execSQLLocked(ctx context.Context, sql string, params map[string]value.Value) (*contracts.Result, *Cursor, error) {
	if d.cfg.Parser == nil {
		return nil, nil, fmt.Errorf("quereus: Exec/Eval requires Config.Parser: %w", errs.ErrMisuse)
	}
	stmt, err := d.cfg.Parser.Parse(sql)
	if err != nil {
		return nil, nil, fmt.Errorf("quereus: parsing statement: %w", err)
	}

	switch stmt.Tag() {
	case tagBegin:
		return nil, nil, d.txnManager.Begin()
	case tagCommit:
		rtc := newRuntimeContext(ctx, d, params)
		return nil, nil, d.txnManager.Commit(rtc)
	case tagRollback:
		if sp, ok := stmt.(savepointStatement); ok && sp.SavepointName() != "" {
			return nil, nil, d.txnManager.RollbackToSavepoint(sp.SavepointName())
		}
		return nil, nil, d.txnManager.Rollback()
	case tagSavepoint:
		sp, ok := stmt.(savepointStatement)
		if !ok || sp.SavepointName() == "" {
			return nil, nil, fmt.Errorf("quereus: SAVEPOINT statement missing a name: %w", errs.ErrInternal)
		}
		return nil, nil, d.txnManager.CreateSavepoint(sp.SavepointName())
	case tagRelease:
		sp, ok := stmt.(savepointStatement)
		if !ok || sp.SavepointName() == "" {
			return nil, nil, fmt.Errorf("quereus: RELEASE statement missing a name: %w", errs.ErrInternal)
		}
		return nil, nil, d.txnManager.ReleaseSavepoint(sp.SavepointName())
	}

	root, err := d.planAndEmit(ctx, stmt)
	if err != nil {
		return nil, nil, err
	}
	res, it, rtc, err := d.runInstructionLocked(ctx, root, params)
	if err != nil {
		return nil, nil, err
	}
	if it == nil {
		if err := d.txnManager.AutocommitIfNeeded(rtc); err != nil {
			return nil, nil, err
		}
		return res, nil, nil
	}
	return res, &Cursor{db: d, it: it, rtc: rtc, result: res}, nil
}

// execInstruction acquires the execution mutex and runs an already-emitted
// instruction tree (a PreparedStatement's Run), symmetric with
// execSQLLocked's pipeline tail.
func (d *Database) execInstruction(ctx context.Context, root contracts.Instruction, params map[string]value.Value) (*contracts.Result, *Cursor, error) {
	start := time.Now()
	if err := d.execMu.Lock(ctx); err != nil {
		return nil, nil, err
	}
	d.telemetry.RecordMutexWait(ctx, start)

	res, it, rtc, err := d.runInstructionLocked(ctx, root, params)
	if err != nil {
		d.execMu.Unlock()
		return nil, nil, err
	}
	if it == nil {
		if err := d.txnManager.AutocommitIfNeeded(rtc); err != nil {
			d.execMu.Unlock()
			return nil, nil, err
		}
		d.execMu.Unlock()
		return res, nil, nil
	}
	return res, &Cursor{db: d, it: it, rtc: rtc, result: res}, nil
}

// runInstructionLocked runs root to completion via Config.NewScheduler. On
// a scheduler error, it autorolls back any implicit transaction the
// statement may have opened, mirroring SQLite's statement-failure behavior.
func (d *Database) runInstructionLocked(ctx context.Context, root contracts.Instruction, params map[string]value.Value) (*contracts.Result, contracts.RowIterator, *RuntimeContext, error) {
	if d.cfg.NewScheduler == nil {
		return nil, nil, nil, fmt.Errorf("quereus: requires Config.NewScheduler: %w", errs.ErrMisuse)
	}
	rtc := newRuntimeContext(ctx, d, params)
	sched := d.cfg.NewScheduler(root)
	res, it, err := sched.Run(rtc)
	if err != nil {
		d.txnManager.AutorollbackIfNeeded()
		return nil, nil, nil, err
	}
	return res, it, rtc, nil
}
