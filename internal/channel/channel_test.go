package channel

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ingest/internal/store"
)

func setupStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "channel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func setupChannel(t *testing.T) (*Channel, *store.Store) {
	t.Helper()
	st := setupStore(t)
	ch := New(st.Dialer(), Options{ReconnectCount: 3, ReconnectDelay: time.Millisecond})
	t.Cleanup(func() { ch.Close() })

	_, err := ch.Exec(context.Background(), "CREATE TABLE items (name TEXT NOT NULL UNIQUE)")
	require.NoError(t, err)
	return ch, st
}

func countItems(t *testing.T, ch *Channel) int {
	t.Helper()
	var n int
	err := ch.Query(context.Background(), "SELECT COUNT(*) FROM items", nil, func(rows *sql.Rows) error {
		return rows.Scan(&n)
	})
	require.NoError(t, err)
	return n
}

// countingDialer fails the first failures calls, then delegates.
type countingDialer struct {
	next     Dialer
	failures int32
	calls    atomic.Int32

	mu   sync.Mutex
	last *sql.Conn
}

func (d *countingDialer) dial(ctx context.Context) (*sql.Conn, error) {
	n := d.calls.Add(1)
	if d.failures < 0 || n <= d.failures {
		return nil, errors.New("store unreachable")
	}
	conn, err := d.next(ctx)
	d.mu.Lock()
	d.last = conn
	d.mu.Unlock()
	return conn, err
}

func TestExecAndQuery(t *testing.T) {
	ch, _ := setupChannel(t)
	ctx := context.Background()

	_, err := ch.Exec(ctx, "INSERT INTO items (name) VALUES (?), (?)", "b", "a")
	require.NoError(t, err)

	var names []string
	err = ch.Query(ctx, "SELECT name FROM items ORDER BY name", nil, func(rows *sql.Rows) error {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		names = append(names, name)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)
	assert.Equal(t, Connected, ch.State())
}

func TestQuery_CallbackErrorStopsIteration(t *testing.T) {
	ch, _ := setupChannel(t)
	ctx := context.Background()

	_, err := ch.Exec(ctx, "INSERT INTO items (name) VALUES ('a'), ('b')")
	require.NoError(t, err)

	stop := errors.New("stop")
	calls := 0
	err = ch.Query(ctx, "SELECT name FROM items", nil, func(*sql.Rows) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)

	// connection is still usable afterwards
	assert.Equal(t, 2, countItems(t, ch))
}

func TestTransaction_CommitsAllStatements(t *testing.T) {
	ch, _ := setupChannel(t)

	tx := ch.Transaction()
	tx.AddQuery("INSERT INTO items (name) VALUES (?)", "a")
	tx.AddQuery("INSERT INTO items (name) VALUES (?)", "b")
	assert.Equal(t, 2, tx.Len())
	assert.Equal(t, 0, countItems(t, ch), "nothing runs before commit")

	require.NoError(t, tx.Commit(context.Background()))
	assert.Equal(t, 2, countItems(t, ch))
}

func TestTransaction_FailureRollsBackEverything(t *testing.T) {
	ch, _ := setupChannel(t)

	var delivered atomic.Int32
	unsubscribe, err := ch.Subscribe("wake", func(string, string) { delivered.Add(1) })
	require.NoError(t, err)
	defer unsubscribe()

	tx := ch.Transaction()
	tx.AddQuery("INSERT INTO items (name) VALUES (?)", "a")
	tx.AddQuery("INSERT INTO items (name) VALUES (?)", "a") // unique violation
	tx.AddQuery("INSERT INTO items (name) VALUES (?)", "b")
	tx.AddNotify("wake", "now")

	err = tx.Commit(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTxFailed)
	assert.NotErrorIs(t, err, ErrDisconnected)

	assert.Equal(t, 0, countItems(t, ch))
	assert.Equal(t, int32(0), delivered.Load(), "rolled back transaction must not notify")
}

func TestTransaction_NotifiesAfterCommit(t *testing.T) {
	ch, _ := setupChannel(t)

	var got []string
	unsubscribe, err := ch.Subscribe("wake", func(channel, message string) {
		got = append(got, channel+"/"+message)
	})
	require.NoError(t, err)
	defer unsubscribe()

	tx := ch.Transaction()
	tx.AddQuery("INSERT INTO items (name) VALUES ('a')")
	tx.AddNotify("wake", "first")
	tx.AddNotify("wake", "second")
	assert.Empty(t, got)

	require.NoError(t, tx.Commit(context.Background()))
	assert.Equal(t, []string{"wake/first", "wake/second"}, got)
}

func TestTransaction_InvalidNotifyFailsCommit(t *testing.T) {
	ch, _ := setupChannel(t)

	tx := ch.Transaction()
	tx.AddQuery("INSERT INTO items (name) VALUES ('a')")
	tx.AddNotify("wake", "O'Brien; DROP TABLE items")

	err := tx.Commit(context.Background())
	assert.ErrorIs(t, err, ErrTxFailed)
	assert.ErrorIs(t, err, ErrInvalidPayload)
	assert.Equal(t, 0, countItems(t, ch))
}

func TestTransaction_FinishedCannotBeReused(t *testing.T) {
	ch, _ := setupChannel(t)
	ctx := context.Background()

	tx := ch.Transaction()
	require.NoError(t, tx.Commit(ctx))
	assert.ErrorIs(t, tx.Commit(ctx), ErrTxDone)
	assert.ErrorIs(t, tx.Rollback(), ErrTxDone)

	tx = ch.Transaction()
	tx.AddQuery("INSERT INTO items (name) VALUES ('a')")
	require.NoError(t, tx.Rollback())
	assert.ErrorIs(t, tx.Commit(ctx), ErrTxDone)
	assert.Equal(t, 0, countItems(t, ch))
}

func TestPublish_DeliversToSubscribers(t *testing.T) {
	ch, _ := setupChannel(t)
	ctx := context.Background()

	var order []string
	unsubA, err := ch.Subscribe("wake", func(_, msg string) { order = append(order, "a:"+msg) })
	require.NoError(t, err)
	_, err = ch.Subscribe("wake", func(_, msg string) { order = append(order, "b:"+msg) })
	require.NoError(t, err)
	_, err = ch.Subscribe("other", func(_, msg string) { order = append(order, "other:"+msg) })
	require.NoError(t, err)

	require.NoError(t, ch.Publish(ctx, "wake", "x"))
	assert.Equal(t, []string{"a:x", "b:x"}, order)

	unsubA()
	unsubA()
	order = nil
	require.NoError(t, ch.Publish(ctx, "wake", "y"))
	assert.Equal(t, []string{"b:y"}, order)
}

func TestPublish_RejectsOutsideAlphabet(t *testing.T) {
	ch, _ := setupChannel(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		channel string
		message string
	}{
		{"empty channel", "", "ok"},
		{"channel with space", "bad name", "ok"},
		{"channel with leading digit", "1wake", "ok"},
		{"message with quote", "wake", "it's"},
		{"message with space", "wake", "two words"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, ch.Publish(ctx, tt.channel, tt.message), ErrInvalidPayload)
		})
	}

	_, err := ch.Subscribe("no-dashes", func(string, string) {})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	assert.NoError(t, ch.Publish(ctx, "channel_resource", "new_resources"))
	assert.NoError(t, ch.Publish(ctx, "wake", ""))
}

func TestReconnect_SucceedsWithinBudget(t *testing.T) {
	st := setupStore(t)
	d := &countingDialer{next: st.Dialer(), failures: 2}
	ch := New(d.dial, Options{ReconnectCount: 3, ReconnectDelay: time.Millisecond})
	defer ch.Close()

	assert.Equal(t, Disconnected, ch.State())
	_, err := ch.Exec(context.Background(), "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, int32(3), d.calls.Load())
	assert.Equal(t, Connected, ch.State())
}

func TestReconnect_ExhaustedThenFreshAttempt(t *testing.T) {
	st := setupStore(t)
	d := &countingDialer{next: st.Dialer(), failures: -1}
	ch := New(d.dial, Options{ReconnectCount: 3, ReconnectDelay: time.Millisecond})
	defer ch.Close()

	_, err := ch.Exec(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.Equal(t, Exhausted, ch.State())
	assert.Equal(t, int32(3), d.calls.Load())

	assert.ErrorIs(t, ch.Publish(context.Background(), "wake", "x"), ErrDisconnected)
	assert.Equal(t, int32(6), d.calls.Load(), "each new operation starts a fresh attempt")

	// store comes back
	d.failures = 0
	_, err = ch.Exec(context.Background(), "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, Connected, ch.State())
}

func TestLostConnection_DropsHandleAndRedials(t *testing.T) {
	st := setupStore(t)
	d := &countingDialer{next: st.Dialer()}
	ch := New(d.dial, Options{ReconnectCount: 3, ReconnectDelay: time.Millisecond})
	defer ch.Close()
	ctx := context.Background()

	_, err := ch.Exec(ctx, "SELECT 1")
	require.NoError(t, err)

	d.mu.Lock()
	require.NoError(t, d.last.Close())
	d.mu.Unlock()

	_, err = ch.Exec(ctx, "SELECT 1")
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.Equal(t, Disconnected, ch.State())

	_, err = ch.Exec(ctx, "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), d.calls.Load())
	assert.Equal(t, Connected, ch.State())
}

func TestConcurrentCallersShareOneConnect(t *testing.T) {
	st := setupStore(t)
	release := make(chan struct{})
	var calls atomic.Int32
	dial := func(ctx context.Context) (*sql.Conn, error) {
		calls.Add(1)
		<-release
		return st.Dialer()(ctx)
	}
	ch := New(dial, Options{ReconnectCount: 1, ReconnectDelay: time.Millisecond})
	defer ch.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ch.Exec(context.Background(), "SELECT 1")
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return ch.State() == Connecting }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestClose(t *testing.T) {
	ch, _ := setupChannel(t)

	require.NoError(t, ch.Close())
	_, err := ch.Exec(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, Disconnected, ch.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "exhausted", Exhausted.String())
	assert.Equal(t, "state(9)", State(9).String())
}
