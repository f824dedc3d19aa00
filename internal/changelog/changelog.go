// Package changelog tracks, for the lifetime of one transaction, which
// tables and primary keys were touched, in a stack of savepoint-scoped
// frames (spec.md §4.6). The assertion evaluator consults it to skip
// assertions whose referenced tables saw no writes, and to enumerate the
// exact primary keys a row-specific assertion needs re-checked; the
// deferred constraint queue and the per-table connection savepoint stacks
// mirror its create/release/rollback-to shape so all three stay in
// lockstep.
package changelog

import (
	"fmt"
	"sort"

	"github.com/quereus/quereus/internal/errs"
	"github.com/quereus/quereus/internal/value"
)

type tableFrame struct {
	// byEncoded dedupes on the canonical byte encoding while keeping the
	// original, decoded tuple around for getChangedKeyTuples.
	byEncoded map[value.EncodedKey]value.PrimaryKey
}

type frame struct {
	tables map[string]*tableFrame
}

func newFrame() *frame {
	return &frame{tables: make(map[string]*tableFrame)}
}

func (f *frame) record(table string, spec *value.KeySpec, key value.PrimaryKey) {
	tf, ok := f.tables[table]
	if !ok {
		tf = &tableFrame{byEncoded: make(map[value.EncodedKey]value.PrimaryKey)}
		f.tables[table] = tf
	}
	tf.byEncoded[value.EncodeKey(key, spec)] = key
}

// Log is the change-log stack for one session. A fresh Log starts with a
// single, always-present top-level frame.
type Log struct {
	frames []*frame
}

// New creates a change log with its top-level frame.
func New() *Log {
	return &Log{frames: []*frame{newFrame()}}
}

func (l *Log) top() *frame { return l.frames[len(l.frames)-1] }

// Depth returns the current number of frames on the stack (1 with no
// savepoints open), mirroring the depth numbering
// CreateSavepoint/ReleaseSavepoint/RollbackToSavepoint use.
func (l *Log) Depth() int { return len(l.frames) }

// RecordInsert records that newKey now exists in table. spec describes the
// key's per-column collation/direction, used to canonicalize the encoding
// two equal keys always collide on.
func (l *Log) RecordInsert(table string, spec *value.KeySpec, newKey value.PrimaryKey) {
	l.top().record(table, spec, newKey)
}

// RecordDelete records that oldKey no longer exists in table.
func (l *Log) RecordDelete(table string, spec *value.KeySpec, oldKey value.PrimaryKey) {
	l.top().record(table, spec, oldKey)
}

// RecordUpdate records both the old and new key touched by an update. If
// the primary key didn't change, only one entry ends up recorded (the
// encoded-key dedup collapses them).
func (l *Log) RecordUpdate(table string, spec *value.KeySpec, oldKey, newKey value.PrimaryKey) {
	l.top().record(table, spec, oldKey)
	l.top().record(table, spec, newKey)
}

// CreateSavepoint pushes a new empty frame and returns its depth.
func (l *Log) CreateSavepoint() int {
	l.frames = append(l.frames, newFrame())
	return len(l.frames)
}

// ReleaseSavepoint merges every frame above depth down into depth's own
// frame, then truncates the stack to depth.
func (l *Log) ReleaseSavepoint(depth int) error {
	if depth < 1 || depth > len(l.frames) {
		return fmt.Errorf("changelog: invalid savepoint depth %d: %w", depth, errs.ErrInternal)
	}
	target := l.frames[depth-1]
	for i := len(l.frames); i > depth; i-- {
		above := l.frames[i-1]
		for table, tf := range above.tables {
			dst, ok := target.tables[table]
			if !ok {
				dst = &tableFrame{byEncoded: make(map[value.EncodedKey]value.PrimaryKey)}
				target.tables[table] = dst
			}
			for ek, pk := range tf.byEncoded {
				dst.byEncoded[ek] = pk
			}
		}
	}
	l.frames = l.frames[:depth]
	return nil
}

// RollbackToSavepoint discards every frame above depth and empties depth's
// own frame, leaving the savepoint open with no recorded changes.
func (l *Log) RollbackToSavepoint(depth int) error {
	if depth < 1 || depth > len(l.frames) {
		return fmt.Errorf("changelog: invalid savepoint depth %d: %w", depth, errs.ErrInternal)
	}
	l.frames = l.frames[:depth]
	l.frames[depth-1] = newFrame()
	return nil
}

// Clear resets the log to a single empty top-level frame, on transaction
// commit or rollback.
func (l *Log) Clear() {
	l.frames = []*frame{newFrame()}
}

// ChangedBaseTables returns every table touched anywhere in the stack,
// sorted for determinism.
func (l *Log) ChangedBaseTables() []string {
	union := make(map[string]struct{})
	for _, f := range l.frames {
		for table := range f.tables {
			union[table] = struct{}{}
		}
	}
	out := make([]string, 0, len(union))
	for t := range union {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ChangedKeyTuples returns every primary key touched for table anywhere in
// the stack, as decoded value tuples (§4.6).
func (l *Log) ChangedKeyTuples(table string) []value.PrimaryKey {
	union := make(map[value.EncodedKey]value.PrimaryKey)
	for _, f := range l.frames {
		if tf, ok := f.tables[table]; ok {
			for ek, pk := range tf.byEncoded {
				union[ek] = pk
			}
		}
	}
	keys := make([]value.EncodedKey, 0, len(union))
	for ek := range union {
		keys = append(keys, ek)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out := make([]value.PrimaryKey, len(keys))
	for i, ek := range keys {
		out[i] = union[ek]
	}
	return out
}
