package channel

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type statement struct {
	query string
	args  []any
}

type notification struct {
	channel string
	message string
}

// Tx batches statements and notifications for one atomic commit.
//
// Nothing touches the store until Commit. Commit runs every queued statement
// inside one SQL transaction and commits only if all of them succeeded;
// otherwise it rolls back and returns the first failure wrapped in
// ErrTxFailed. Queued notifications are stored by the same SQL transaction
// and delivered to local subscribers after the commit, never for a rolled
// back transaction.
type Tx struct {
	ch *Channel

	mu    sync.Mutex
	stmts []statement
	notes []notification
	err   error
	done  bool
}

// Transaction starts an empty transaction.
func (c *Channel) Transaction() *Tx {
	return &Tx{ch: c}
}

// AddQuery queues a statement.
func (t *Tx) AddQuery(query string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stmts = append(t.stmts, statement{query: query, args: args})
}

// AddNotify queues a notification. An invalid payload fails the commit.
func (t *Tx) AddNotify(channel, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := validateNotify(channel, message); err != nil && t.err == nil {
		t.err = err
		return
	}
	t.notes = append(t.notes, notification{channel: channel, message: message})
}

// Len reports the number of queued statements.
func (t *Tx) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.stmts)
}

// Commit executes the queued statements atomically.
func (t *Tx) Commit(ctx context.Context) error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return ErrTxDone
	}
	t.done = true
	stmts, notes, queued := t.stmts, t.notes, t.err
	t.mu.Unlock()

	if queued != nil {
		return fmt.Errorf("%w: %w", ErrTxFailed, queued)
	}

	now := time.Now()
	for _, n := range notes {
		stmts = append(stmts, statement{query: insertNotification, args: t.ch.notifyArgs(n, now)})
	}
	if err := t.ch.commit(ctx, stmts); err != nil {
		return err
	}
	for _, n := range notes {
		t.ch.deliver(n.channel, n.message)
	}
	return nil
}

// Rollback discards the queued work.
func (t *Tx) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.stmts = nil
	t.notes = nil
	return nil
}

func (c *Channel) commit(ctx context.Context, stmts []statement) error {
	conn, err := c.ensureConnected(ctx)
	if err != nil {
		return err
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()

	sqlTx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", ErrTxFailed, c.classify(conn, err))
	}
	for i, s := range stmts {
		if _, err := sqlTx.ExecContext(ctx, s.query, s.args...); err != nil {
			_ = sqlTx.Rollback()
			return fmt.Errorf("%w: statement %d: %w", ErrTxFailed, i, c.classify(conn, err))
		}
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrTxFailed, c.classify(conn, err))
	}
	return nil
}
