// Package catalog is the engine's schema registry: tables, functions,
// assertions, and virtual-table modules, plus a monotonic generation
// counter and change-notification bus that the assertion evaluator's plan
// cache and the session's prepared statements key their invalidation on.
package catalog

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/quereus/quereus/internal/contracts"
	"github.com/quereus/quereus/internal/errs"
	"github.com/quereus/quereus/internal/schema"
)

// Function is a registered scalar/aggregate/table-valued function. The
// implementation body is owned by the (out-of-scope) expression evaluator;
// the catalog only tracks identity and arity for lookup and DDL bookkeeping.
type Function struct {
	Name  string
	Arity int
}

// Assertion is a registered CREATE ASSERTION: a name and the parsed
// "violation query" statement the assertion evaluator plans and caches
// (§4.8). The statement type is contracts.Statement so the catalog doesn't
// need to know the parser's concrete AST.
type Assertion struct {
	Name           string
	ViolationQuery contracts.Statement
}

// ChangeKind classifies a catalog mutation for change listeners.
type ChangeKind int

const (
	ChangeTableAdded ChangeKind = iota
	ChangeTableAltered
	ChangeTableDropped
	ChangeFunctionRegistered
	ChangeAssertionRegistered
	ChangeAssertionDropped
)

// Change is delivered to every subscriber after a catalog mutation.
type Change struct {
	Kind       ChangeKind
	Qualified  string
	Generation uint64
}

// Catalog is the engine's single schema registry, shared by every session
// connection. All methods are safe for concurrent use.
type Catalog struct {
	mu sync.RWMutex

	tables     map[string]*schema.TableSchema
	functions  map[string]Function
	assertions map[string]Assertion
	modules    map[string]contracts.Module

	generation uint64
	subs       map[uuid.UUID]func(Change)
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{
		tables:     make(map[string]*schema.TableSchema),
		functions:  make(map[string]Function),
		assertions: make(map[string]Assertion),
		modules:    make(map[string]contracts.Module),
		subs:       make(map[uuid.UUID]func(Change)),
	}
}

// Generation returns the current schema generation, bumped by every
// mutating call below except RegisterModule and Clear.
func (c *Catalog) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// Subscribe registers a change listener and returns a token that
// Unsubscribe accepts to remove it.
func (c *Catalog) Subscribe(listener func(Change)) uuid.UUID {
	token := uuid.New()
	c.mu.Lock()
	c.subs[token] = listener
	c.mu.Unlock()
	return token
}

// Unsubscribe removes a previously registered listener. A no-op if token is
// unknown (already unsubscribed, or never valid).
func (c *Catalog) Unsubscribe(token uuid.UUID) {
	c.mu.Lock()
	delete(c.subs, token)
	c.mu.Unlock()
}

// notify bumps the generation and fires every listener with the new
// generation. Called with c.mu held for writing; listeners run after the
// lock is released so a listener that re-enters the catalog doesn't
// deadlock.
func (c *Catalog) notify(kind ChangeKind, qualified string) {
	c.generation++
	change := Change{Kind: kind, Qualified: qualified, Generation: c.generation}
	listeners := make([]func(Change), 0, len(c.subs))
	for _, l := range c.subs {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()
	for _, l := range listeners {
		l(change)
	}
	c.mu.Lock()
}

// RegisterTable adds a new table definition. It returns errs.ErrMisuse if
// the qualified name is already registered.
func (c *Catalog) RegisterTable(sc *schema.TableSchema) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	qn := sc.QualifiedName()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.tables[qn]; exists {
		return fmt.Errorf("catalog: table %s already registered: %w", qn, errs.ErrMisuse)
	}
	c.tables[qn] = sc
	c.notify(ChangeTableAdded, qn)
	return nil
}

// ReplaceTable installs an altered schema for an already-registered table
// (add/drop/rename column, create/drop index), bumping the generation so
// cached plans referencing the table are invalidated.
func (c *Catalog) ReplaceTable(sc *schema.TableSchema) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	qn := sc.QualifiedName()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.tables[qn]; !exists {
		return fmt.Errorf("catalog: table %s not registered: %w", qn, errs.ErrNotFound)
	}
	c.tables[qn] = sc
	c.notify(ChangeTableAltered, qn)
	return nil
}

// DropTable removes a table definition.
func (c *Catalog) DropTable(qualified string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.tables[qualified]; !exists {
		return fmt.Errorf("catalog: table %s not registered: %w", qualified, errs.ErrNotFound)
	}
	delete(c.tables, qualified)
	c.notify(ChangeTableDropped, qualified)
	return nil
}

// Table looks up a table definition by qualified name.
func (c *Catalog) Table(qualified string) (*schema.TableSchema, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sc, ok := c.tables[qualified]
	return sc, ok
}

// Tables returns every registered qualified table name, sorted.
func (c *Catalog) Tables() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.tables))
	for qn := range c.tables {
		out = append(out, qn)
	}
	sort.Strings(out)
	return out
}

// RegisterFunction adds or replaces a function definition, bumping the
// generation and notifying listeners like the other registrations.
func (c *Catalog) RegisterFunction(fn Function) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.functions[fn.Name] = fn
	c.notify(ChangeFunctionRegistered, fn.Name)
}

// Function looks up a registered function by name.
func (c *Catalog) Function(name string) (Function, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn, ok := c.functions[name]
	return fn, ok
}

// RegisterAssertion adds a CREATE ASSERTION definition.
func (c *Catalog) RegisterAssertion(a Assertion) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.assertions[a.Name]; exists {
		return fmt.Errorf("catalog: assertion %s already registered: %w", a.Name, errs.ErrMisuse)
	}
	c.assertions[a.Name] = a
	c.notify(ChangeAssertionRegistered, a.Name)
	return nil
}

// DropAssertion removes a CREATE ASSERTION definition.
func (c *Catalog) DropAssertion(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.assertions[name]; !exists {
		return fmt.Errorf("catalog: assertion %s not registered: %w", name, errs.ErrNotFound)
	}
	delete(c.assertions, name)
	c.notify(ChangeAssertionDropped, name)
	return nil
}

// Assertions returns every registered assertion.
func (c *Catalog) Assertions() []Assertion {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Assertion, 0, len(c.assertions))
	for _, a := range c.assertions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RegisterModule adds a named virtual-table module implementation.
func (c *Catalog) RegisterModule(name string, m contracts.Module) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modules[name] = m
}

// Module looks up a registered virtual-table module by name.
func (c *Catalog) Module(name string) (contracts.Module, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.modules[name]
	return m, ok
}

// Clear drops every table, function, assertion, and module registration, as
// part of a session-wide shutdown (§4.10 Close). It does not notify
// listeners: a closing session has nothing left to invalidate for.
func (c *Catalog) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables = make(map[string]*schema.TableSchema)
	c.functions = make(map[string]Function)
	c.assertions = make(map[string]Assertion)
	c.modules = make(map[string]contracts.Module)
}
