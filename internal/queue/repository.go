package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/ingest/internal/channel"
)

const entryColumns = `id, resource_action, id_resource, payload, priority,
	attempt_status, attempted_count, attempted_at, created_at`

// Repository reads and writes queue rows through the notification channel.
type Repository struct {
	ch *channel.Channel
}

// NewRepository creates a Repository.
func NewRepository(ch *channel.Channel) *Repository {
	return &Repository{ch: ch}
}

// Transaction starts a channel transaction for RecordOutcome.
func (r *Repository) Transaction() *channel.Tx {
	return r.ch.Transaction()
}

// Enqueue inserts the mutations and publishes one wake notification, all in
// one transaction.
func (r *Repository) Enqueue(ctx context.Context, now time.Time, muts ...Mutation) error {
	return r.enqueue(ctx, now, false, muts)
}

// EnqueueMissing is Enqueue, except that a mutation is skipped when its
// resource already has a Pending entry. Duplicates inside muts collapse to
// the first one.
func (r *Repository) EnqueueMissing(ctx context.Context, now time.Time, muts ...Mutation) error {
	return r.enqueue(ctx, now, true, muts)
}

func (r *Repository) enqueue(ctx context.Context, now time.Time, onlyMissing bool, muts []Mutation) error {
	if len(muts) == 0 {
		return nil
	}

	tx := r.ch.Transaction()
	for _, m := range muts {
		if err := m.Validate(); err != nil {
			_ = tx.Rollback()
			return err
		}
		payload, err := json.Marshal(m.Payload)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("encode payload of %s: %w", m.ResourceID, err)
		}

		args := []any{m.Action.String(), m.ResourceID, string(payload), m.Priority, now.UnixMilli()}
		if onlyMissing {
			tx.AddQuery(`
				INSERT INTO resource_queue (resource_action, id_resource, payload, priority, created_at)
				SELECT ?, ?, ?, ?, ?
				WHERE NOT EXISTS (
					SELECT 1 FROM resource_queue WHERE id_resource = ? AND attempt_status = 0
				)`, append(args, m.ResourceID)...)
			continue
		}
		tx.AddQuery(`
			INSERT INTO resource_queue (resource_action, id_resource, payload, priority, created_at)
			VALUES (?, ?, ?, ?, ?)`, args...)
	}
	tx.AddNotify(Topic, WakeMessage)

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("enqueue %d mutations: %w", len(muts), err)
	}
	return nil
}

// Pending returns up to sel.Limit Pending entries, highest priority first,
// then oldest first.
func (r *Repository) Pending(ctx context.Context, sel Selection) ([]Entry, error) {
	limit := sel.Limit
	if limit <= 0 {
		limit = DefaultBulkSize
	}

	query := `SELECT ` + entryColumns + ` FROM resource_queue WHERE attempt_status = 0`
	var args []any
	if sel.Modulo > 1 {
		query += ` AND id % ? = ?`
		args = append(args, sel.Modulo, sel.Shard)
	}
	query += ` ORDER BY priority DESC, created_at ASC, id ASC LIMIT ?`
	args = append(args, limit)

	var entries []Entry
	err := r.ch.Query(ctx, query, args, func(rows *sql.Rows) error {
		e, err := scanEntry(rows)
		if err != nil {
			return err
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}
	return entries, nil
}

// maxBatchRows caps the rows one RecordOutcome statement touches, keeping
// every statement far below SQLite's bound variable limit.
const maxBatchRows = 500

// RecordOutcome queues the status updates of one drain on tx: batched
// updates for successes, batched updates for failures plus their cause rows.
// With maxAttempts > 0 failed entries that reached the cap become Failed.
// Large outcomes are split over several statements of the same transaction.
func (r *Repository) RecordOutcome(tx *channel.Tx, succeeded []Entry, failed []FailedEntry, now time.Time, maxAttempts int) {
	at := now.UnixMilli()

	for start := 0; start < len(succeeded); start += maxBatchRows {
		part := succeeded[start:min(start+maxBatchRows, len(succeeded))]
		args := []any{at}
		for _, e := range part {
			args = append(args, e.ID)
		}
		tx.AddQuery(`
			UPDATE resource_queue
			SET attempt_status = 1, attempted_count = attempted_count + 1, attempted_at = ?
			WHERE id IN (`+placeholders(len(part))+`)`, args...)
	}

	for start := 0; start < len(failed); start += maxBatchRows {
		recordFailures(tx, failed[start:min(start+maxBatchRows, len(failed))], at, maxAttempts)
	}
}

func recordFailures(tx *channel.Tx, failed []FailedEntry, at int64, maxAttempts int) {
	ids := make([]any, 0, len(failed))
	causes := make([]any, 0, len(failed)*4)
	for _, f := range failed {
		ids = append(ids, f.ID)
		causes = append(causes, f.ID, f.ResourceID, f.Reason, at)
	}

	tx.AddQuery(`
		UPDATE resource_queue
		SET attempted_count = attempted_count + 1, attempted_at = ?
		WHERE id IN (`+placeholders(len(failed))+`)`, append([]any{at}, ids...)...)

	values := strings.TrimSuffix(strings.Repeat("(?, ?, ?, ?), ", len(failed)), ", ")
	tx.AddQuery(`
		INSERT INTO resource_queue_causes (id, id_resource, attempt_reason, attempted_at)
		VALUES `+values, causes...)

	if maxAttempts > 0 {
		tx.AddQuery(`
			UPDATE resource_queue SET attempt_status = -1
			WHERE attempt_status = 0 AND attempted_count >= ? AND id IN (`+placeholders(len(failed))+`)`,
			append([]any{maxAttempts}, ids...)...)
	}
}

// Get returns one entry by id.
func (r *Repository) Get(ctx context.Context, id int64) (Entry, error) {
	var (
		entry Entry
		found bool
	)
	err := r.ch.Query(ctx, `SELECT `+entryColumns+` FROM resource_queue WHERE id = ?`, []any{id}, func(rows *sql.Rows) error {
		e, err := scanEntry(rows)
		if err != nil {
			return err
		}
		entry, found = e, true
		return nil
	})
	if err != nil {
		return Entry{}, fmt.Errorf("get entry %d: %w", id, err)
	}
	if !found {
		return Entry{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return entry, nil
}

// ByResource returns every entry of one resource, oldest first.
func (r *Repository) ByResource(ctx context.Context, resourceID string) ([]Entry, error) {
	var entries []Entry
	err := r.ch.Query(ctx, `SELECT `+entryColumns+` FROM resource_queue WHERE id_resource = ? ORDER BY id ASC`,
		[]any{resourceID}, func(rows *sql.Rows) error {
			e, err := scanEntry(rows)
			if err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("entries of %s: %w", resourceID, err)
	}
	return entries, nil
}

// Causes returns the failure history of one entry in insertion order.
func (r *Repository) Causes(ctx context.Context, id int64) ([]Cause, error) {
	var causes []Cause
	err := r.ch.Query(ctx, `
		SELECT id, id_resource, attempt_reason, attempted_at
		FROM resource_queue_causes WHERE id = ? ORDER BY rowid ASC`, []any{id}, func(rows *sql.Rows) error {
		var (
			c  Cause
			at int64
		)
		if err := rows.Scan(&c.ID, &c.ResourceID, &c.Reason, &at); err != nil {
			return fmt.Errorf("scan cause: %w", err)
		}
		c.AttemptedAt = time.UnixMilli(at).UTC()
		causes = append(causes, c)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("causes of %d: %w", id, err)
	}
	return causes, nil
}

// Stats counts entries per status and the total number of causes.
func (r *Repository) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := r.ch.Query(ctx, `SELECT attempt_status, COUNT(*) FROM resource_queue GROUP BY attempt_status`, nil,
		func(rows *sql.Rows) error {
			var status, n int
			if err := rows.Scan(&status, &n); err != nil {
				return err
			}
			switch Status(status) {
			case Pending:
				st.Pending = n
			case Success:
				st.Success = n
			case Failed:
				st.Failed = n
			}
			return nil
		})
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}

	err = r.ch.Query(ctx, `SELECT COUNT(*) FROM resource_queue_causes`, nil, func(rows *sql.Rows) error {
		return rows.Scan(&st.Causes)
	})
	if err != nil {
		return Stats{}, fmt.Errorf("cause stats: %w", err)
	}
	return st, nil
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e           Entry
		action      string
		payload     string
		status      int
		attemptedAt sql.NullInt64
		createdAt   int64
	)
	err := rows.Scan(&e.ID, &action, &e.ResourceID, &payload, &e.Priority,
		&status, &e.AttemptedCount, &attemptedAt, &createdAt)
	if err != nil {
		return Entry{}, fmt.Errorf("scan entry: %w", err)
	}

	if e.Action, err = ParseAction(action); err != nil {
		return Entry{}, fmt.Errorf("entry %d: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		return Entry{}, fmt.Errorf("entry %d: decode payload: %w", e.ID, err)
	}
	if e.Payload == nil {
		e.Payload = Payload{}
	}
	e.Status = Status(status)
	if attemptedAt.Valid {
		e.AttemptedAt = time.UnixMilli(attemptedAt.Int64).UTC()
	}
	e.CreatedAt = time.UnixMilli(createdAt).UTC()
	return e, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
