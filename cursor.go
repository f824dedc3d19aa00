package quereus

import (
	"context"
	"sync"

	"github.com/quereus/quereus/internal/contracts"
	"github.com/quereus/quereus/internal/value"
)

// Cursor iterates a row-producing statement's results. It holds the
// session's execution mutex for its entire lifetime (§5: the engine
// serializes top-level statements, and a live cursor counts as one still
// running), releasing it on Close — explicit, or implicit on exhaustion or
// error — and autocommitting any implicit transaction the statement opened
// at that same moment.
type Cursor struct {
	db     *Database
	it     contracts.RowIterator
	rtc    *RuntimeContext
	result *contracts.Result

	mu     sync.Mutex
	closed bool
}

// Result returns the scheduler's summary result alongside the row stream
// (e.g. RowsAffected for an INSERT ... RETURNING).
func (c *Cursor) Result() *contracts.Result { return c.result }

// Next returns the cursor's next row, or ok=false once exhausted.
// Exhaustion and error both close the cursor.
func (c *Cursor) Next(ctx context.Context) (value.Row, bool, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, false, nil
	}

	row, ok, err := c.it.Next(ctx)
	if err != nil || !ok {
		c.Close()
		return nil, false, err
	}
	return row, true, nil
}

// Close finalizes the cursor and releases the session's execution mutex.
// Idempotent.
func (c *Cursor) Close() error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil
	}
	err := c.closeLocked()
	c.db.execMu.Unlock()
	return err
}

// closeLocked closes the row iterator and autocommits, without touching
// the execution mutex. Database.Exec drains a Cursor internally and owns
// the mutex release itself, so it calls this directly instead of Close.
func (c *Cursor) closeLocked() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.it.Close()
	if aerr := c.db.txnManager.AutocommitIfNeeded(c.rtc); aerr != nil && err == nil {
		err = aerr
	}
	return err
}
