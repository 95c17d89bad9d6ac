package channel

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

// notifyRetention is how long notification rows are kept for watchers.
const notifyRetention = time.Minute

const insertNotification = `
	INSERT INTO channel_notifications (origin, channel, message, created_at)
	VALUES (?, ?, ?, ?)`

func (c *Channel) notifyArgs(n notification, at time.Time) []any {
	return []any{c.origin, n.channel, n.message, at.UnixMilli()}
}

// watchState is the watcher's position in channel_notifications.
type watchState struct {
	since    int64
	lastSeen int64
	baseline bool
	conn     *sql.Conn
	version  int64
	pruned   time.Time
}

// startWatch starts the watch goroutine once, on the first subscription.
func (c *Channel) startWatch() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.watching || c.opts.WatchInterval <= 0 {
		return nil
	}
	c.watching = true
	c.workers.Add(1)
	go c.watch(time.Now())
	return nil
}

func (c *Channel) watch(start time.Time) {
	defer c.workers.Done()

	w := &watchState{since: start.UnixMilli()}
	ticker := time.NewTicker(c.opts.WatchInterval)
	defer ticker.Stop()
	for {
		notes, err := c.poll(c.life, w)
		if err != nil && c.life.Err() == nil {
			slog.Debug("notification watch failed", "error", err)
		}
		for _, n := range notes {
			c.deliver(n.channel, n.message)
		}

		select {
		case <-c.life.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll returns the notifications other Channels committed since the last
// poll. PRAGMA data_version only moves when another connection commits, so
// an idle store costs one pragma per tick.
func (c *Channel) poll(ctx context.Context, w *watchState) ([]notification, error) {
	conn, err := c.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()

	var version int64
	if err := conn.QueryRowContext(ctx, `PRAGMA data_version`).Scan(&version); err != nil {
		return nil, c.classify(conn, err)
	}
	if w.baseline && conn == w.conn && version == w.version {
		return nil, nil
	}

	if !w.baseline {
		err := conn.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(id), 0) FROM channel_notifications WHERE created_at < ?`, w.since).Scan(&w.lastSeen)
		if err != nil {
			return nil, c.classify(conn, err)
		}
		w.baseline = true
	}

	rows, err := conn.QueryContext(ctx,
		`SELECT id, origin, channel, message FROM channel_notifications WHERE id > ? ORDER BY id`, w.lastSeen)
	if err != nil {
		return nil, c.classify(conn, err)
	}
	var notes []notification
	for rows.Next() {
		var (
			id     int64
			origin string
			n      notification
		)
		if err := rows.Scan(&id, &origin, &n.channel, &n.message); err != nil {
			rows.Close()
			return nil, err
		}
		w.lastSeen = id
		if origin != c.origin {
			notes = append(notes, n)
		}
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, c.classify(conn, err)
	}
	w.conn, w.version = conn, version

	if now := time.Now(); now.Sub(w.pruned) >= notifyRetention {
		cutoff := now.Add(-notifyRetention).UnixMilli()
		if _, err := conn.ExecContext(ctx, `DELETE FROM channel_notifications WHERE created_at < ?`, cutoff); err != nil {
			return notes, c.classify(conn, err)
		}
		w.pruned = now
	}
	return notes, nil
}
