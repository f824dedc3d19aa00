package quereus

import (
	"context"
	"fmt"
	"sync"

	"github.com/quereus/quereus/internal/assert"
	"github.com/quereus/quereus/internal/catalog"
	"github.com/quereus/quereus/internal/contracts"
	"github.com/quereus/quereus/internal/errs"
	"github.com/quereus/quereus/internal/execmutex"
	"github.com/quereus/quereus/internal/memorymodule"
	"github.com/quereus/quereus/internal/schema"
	"github.com/quereus/quereus/internal/storage"
	"github.com/quereus/quereus/internal/telemetry"
	"github.com/quereus/quereus/internal/txn"
)

const defaultAssertionCacheSize = 64

// Database is the process-wide session root (§4.10): it owns the catalog,
// the transaction manager, the assertion evaluator, the default "memory"
// module, and the FIFO execution mutex every top-level statement contends
// for. One Database typically backs one embedding process; nothing here
// prevents more than one, but they share no state.
type Database struct {
	cfg Config

	catalog    *catalog.Catalog
	txnManager *txn.Manager
	assertions *assert.Evaluator
	telemetry  *telemetry.Telemetry
	execMu     *execmutex.Mutex
	options    *Options

	memory *memorymodule.Module

	mu         sync.Mutex
	statements map[*PreparedStatement]struct{}
	closed     bool
}

// New creates a Database wired per cfg: the catalog and transaction manager
// are always built, the default "memory" vtab module is always registered,
// and the assertion evaluator is built around cfg.AssertionAnalyzer (nil is
// fine — it simply means no CREATE ASSERTION can ever be registered, since
// RegisterAssertion returns errs.ErrMisuse when no analyzer is configured).
func New(cfg Config) (*Database, error) {
	cacheSize := cfg.AssertionCacheSize
	if cacheSize <= 0 {
		cacheSize = defaultAssertionCacheSize
	}
	ev, err := assert.NewEvaluator(cfg.AssertionAnalyzer, cacheSize)
	if err != nil {
		return nil, err
	}

	cat := catalog.New()
	d := &Database{
		cfg:        cfg,
		catalog:    cat,
		txnManager: txn.New(cat, ev),
		assertions: ev,
		telemetry:  telemetry.New(cfg.EnableRuntimeStats),
		execMu:     execmutex.New(),
		options:    newOptions(),
		memory:     memorymodule.New(),
		statements: make(map[*PreparedStatement]struct{}),
	}
	if cfg.EnableRuntimeStats {
		_ = d.options.Set(OptRuntimeStats, true)
	}
	d.options.OnChange(OptRuntimeStats, func(v any) {
		d.telemetry.Enabled = v.(bool)
	})

	cat.RegisterModule("memory", d.memory)
	return d, nil
}

// Options returns the session's option bus (§6).
func (d *Database) Options() *Options { return d.options }

// Catalog returns the engine's schema registry, for embedders (or a
// concrete Analyzer/Planner) that need direct read access to registered
// tables, functions, and assertions.
func (d *Database) Catalog() *catalog.Catalog { return d.catalog }

// RegisterModule adds a named virtual-table backend alongside the built-in
// "memory" one. DefineTable looks modules up by the name a TableSchema
// carries in its Module field.
func (d *Database) RegisterModule(name string, m contracts.Module) {
	d.catalog.RegisterModule(name, m)
}

// RegisterFunction adds a scalar/aggregate/table-valued function to the
// catalog for the (external) planner to resolve by name.
func (d *Database) RegisterFunction(fn catalog.Function) {
	d.catalog.RegisterFunction(fn)
}

// RegisterAssertion registers a CREATE ASSERTION's parsed violation query
// under name (§4.8). Analysis (classification, plan compilation) happens
// lazily, the first time a commit actually needs to evaluate it, via
// cfg.AssertionAnalyzer; this call returns errs.ErrMisuse up front if no
// analyzer was configured, since such an assertion could never evaluate.
func (d *Database) RegisterAssertion(name string, violationQuery contracts.Statement) error {
	if d.cfg.AssertionAnalyzer == nil {
		return fmt.Errorf("quereus: RegisterAssertion requires Config.AssertionAnalyzer: %w", errs.ErrMisuse)
	}
	return d.catalog.RegisterAssertion(catalog.Assertion{Name: name, ViolationQuery: violationQuery})
}

// DropAssertion removes a previously registered assertion.
func (d *Database) DropAssertion(name string) error {
	return d.catalog.DropAssertion(name)
}

// DefineTable is the programmatic DDL surface (§4.10): it creates a table's
// storage through the module named in sc.Module (defaulting to the
// default_vtab_module option, "memory" out of the box), then registers the
// schema with the catalog and the table's manager with the transaction
// coordinator. Full SQL CREATE TABLE text is out of this package's scope
// (§1, §6) — an external planner/emitter translates parsed DDL into this
// call.
func (d *Database) DefineTable(sc *schema.TableSchema) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	moduleName := sc.Module
	if moduleName == "" {
		v, _ := d.options.Get(OptDefaultVTabModule)
		moduleName = v.(string)
		sc = sc.Clone()
		sc.Module = moduleName
	}

	qn := sc.QualifiedName()
	if moduleName == "memory" {
		tm, err := d.memory.DefineTable(sc)
		if err != nil {
			return err
		}
		if err := d.catalog.RegisterTable(sc); err != nil {
			d.memory.DropTable(qn)
			return err
		}
		d.txnManager.RegisterTableManager(qn, tm, sc.KeySpec())
		return nil
	}

	m, ok := d.catalog.Module(moduleName)
	if !ok {
		return fmt.Errorf("quereus: module %s not registered: %w", moduleName, errs.ErrNotFound)
	}
	if _, err := m.Connect(context.Background(), sc.SchemaName, sc.Name, sc.ModuleArgs); err != nil {
		return fmt.Errorf("quereus: defining %s via module %s: %w", qn, moduleName, err)
	}
	return d.catalog.RegisterTable(sc)
}

// AddColumn appends a column to qualified's schema, backfilling existing
// rows with its default (§4.2), and republishes the updated schema to the
// catalog (bumping its generation so cached plans are invalidated). Only
// supported for tables backed by the built-in "memory" module: a
// third-party backend manages its own schema changes through its Module
// implementation, out of scope here.
func (d *Database) AddColumn(qualified string, col schema.Column) error {
	return d.alterTable(qualified, func(tm *storage.TableManager) error { return tm.AddColumn(col) })
}

// DropColumn removes a column by index from qualified's schema.
func (d *Database) DropColumn(qualified string, index int) error {
	return d.alterTable(qualified, func(tm *storage.TableManager) error { return tm.DropColumn(index) })
}

// RenameColumn renames a column by index on qualified's schema.
func (d *Database) RenameColumn(qualified string, index int, newName string) error {
	return d.alterTable(qualified, func(tm *storage.TableManager) error { return tm.RenameColumn(index, newName) })
}

// CreateIndex adds a secondary index to qualified, backfilling it from
// existing rows.
func (d *Database) CreateIndex(qualified string, def schema.IndexDef) error {
	return d.alterTable(qualified, func(tm *storage.TableManager) error { return tm.CreateIndex(def) })
}

// DropIndex removes a secondary index by name from qualified.
func (d *Database) DropIndex(qualified string, name string) error {
	return d.alterTable(qualified, func(tm *storage.TableManager) error { return tm.DropIndex(name) })
}

func (d *Database) alterTable(qualified string, apply func(*storage.TableManager) error) error {
	tm, ok := d.memory.TableManager(qualified)
	if !ok {
		return fmt.Errorf("quereus: %s is not a memory-module table: %w", qualified, errs.ErrMisuse)
	}
	if err := apply(tm); err != nil {
		return err
	}
	if err := d.catalog.ReplaceTable(tm.Schema()); err != nil {
		return err
	}
	d.memory.NotifySchemaChange(qualified)
	return nil
}

// Close finalizes every outstanding prepared statement, disconnects every
// registered table connection, and clears the catalog (§4.10 Statement
// lifecycle). Closing mid-transaction rolls that transaction back first,
// since a deferred disconnect (§9) only makes sense while the transaction
// it's deferred for is still running. A Database is meant to be discarded,
// not reused, after Close.
func (d *Database) Close() error {
	d.mu.Lock()
	stmts := make([]*PreparedStatement, 0, len(d.statements))
	for s := range d.statements {
		stmts = append(stmts, s)
	}
	d.closed = true
	d.mu.Unlock()

	var first error
	for _, s := range stmts {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}

	if d.txnManager.State() != txn.StateAutocommit {
		_ = d.txnManager.Rollback()
	}
	d.txnManager.DisconnectAll()
	d.catalog.Clear()

	return first
}

func (d *Database) trackStatement(s *PreparedStatement) {
	d.mu.Lock()
	d.statements[s] = struct{}{}
	d.mu.Unlock()
}

func (d *Database) untrackStatement(s *PreparedStatement) {
	d.mu.Lock()
	delete(d.statements, s)
	d.mu.Unlock()
}
