// Package channel wraps the transactional store with wake-on-write
// notifications and atomic multi-statement commits.
//
// A Channel owns one long-lived connection. Every operation first makes sure
// the connection is established; a dead connection is dropped and the next
// operation dials again. Dialing runs as an explicit state machine:
//
//	Disconnected -> Connecting -> Connected
//	                    |
//	                    +-------> Exhausted (after ReconnectCount failed dials)
//
// Exhausted and Disconnected behave the same for callers: the next operation
// starts a fresh connect attempt. A connect attempt belongs to the Channel,
// not to the operation that started it: a caller giving up does not cancel
// the attempt other callers are waiting on. Only Close does.
//
// Notifications reach subscribers of the publishing Channel right after the
// commit. They are also written to the channel_notifications table inside the
// same transaction; with a positive WatchInterval every Channel that has
// subscribers polls that table and delivers what other Channels, in this
// process or another one, published. Channel names and messages are
// restricted to a small program-controlled alphabet, so raw user content can
// never reach a notify statement.
package channel

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/go-pkgz/repeater"
	"github.com/google/uuid"
)

var (
	// ErrDisconnected is returned when the store is unreachable after the
	// reconnect budget is spent, or when a connection died mid-operation.
	ErrDisconnected = errors.New("channel disconnected")

	// ErrTxFailed wraps the first statement failure of a transaction.
	ErrTxFailed = errors.New("transaction failed")

	// ErrTxDone is returned when a committed or rolled back transaction is reused.
	ErrTxDone = errors.New("transaction already finished")

	// ErrInvalidPayload is returned for channel names or messages outside
	// the notify alphabet.
	ErrInvalidPayload = errors.New("invalid notify payload")

	// ErrClosed is returned by operations on a closed channel.
	ErrClosed = errors.New("channel closed")
)

var (
	channelNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	messagePattern     = regexp.MustCompile(`^[A-Za-z0-9_.:-]*$`)
)

// State is the connection state of a Channel.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Exhausted
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Exhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Dialer opens one live connection to the store.
type Dialer func(ctx context.Context) (*sql.Conn, error)

// Options control reconnection and the notification watch.
type Options struct {
	ReconnectCount int
	ReconnectDelay time.Duration

	// WatchInterval is how often notifications published by other Channels
	// are polled for. Zero disables the watch.
	WatchInterval time.Duration
}

// DefaultOptions returns 10 attempts, 200ms apart, and a 200ms watch.
func DefaultOptions() Options {
	return Options{
		ReconnectCount: 10,
		ReconnectDelay: 200 * time.Millisecond,
		WatchInterval:  200 * time.Millisecond,
	}
}

// Handler receives a published notification. Handlers run synchronously on
// the publishing goroutine and must not block.
type Handler func(channel, message string)

// Channel is the connection owner. Safe for concurrent use.
type Channel struct {
	dial   Dialer
	opts   Options
	origin string

	// life is cancelled by Close and bounds connect attempts and the watch.
	life     context.Context
	shutdown context.CancelFunc
	workers  sync.WaitGroup

	mu         sync.Mutex
	state      State
	conn       *sql.Conn
	connecting chan struct{}
	lastErr    error
	closed     bool
	watching   bool

	// opMu serializes statements on the single connection.
	opMu sync.Mutex

	subMu   sync.RWMutex
	subs    map[string]map[uint64]Handler
	nextSub uint64
}

// New creates a Channel. No connection is made until the first operation.
func New(dial Dialer, opts Options) *Channel {
	if opts.ReconnectCount < 1 {
		opts.ReconnectCount = 1
	}
	life, shutdown := context.WithCancel(context.Background())
	return &Channel{
		dial:     dial,
		opts:     opts,
		origin:   uuid.NewString(),
		life:     life,
		shutdown: shutdown,
		state:    Disconnected,
		subs:     make(map[string]map[uint64]Handler),
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close stops the watch and any connect attempt, then drops the connection
// and all subscriptions.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.shutdown()
	c.workers.Wait()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = Disconnected
	c.mu.Unlock()

	c.subMu.Lock()
	c.subs = make(map[string]map[uint64]Handler)
	c.subMu.Unlock()

	if conn == nil {
		return nil
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return conn.Close()
}

// ensureConnected returns the live connection, starting a connect attempt if
// none is in flight. Every caller waits for the shared attempt or for its own
// ctx, whichever comes first.
func (c *Channel) ensureConnected(ctx context.Context) (*sql.Conn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.state == Connected && c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	wait := c.connecting
	if wait == nil {
		wait = make(chan struct{})
		c.connecting = wait
		c.state = Connecting
		c.workers.Add(1)
		go c.connect(wait)
	}
	c.mu.Unlock()

	select {
	case <-wait:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return nil, ErrClosed
	case c.state == Connected && c.conn != nil:
		return c.conn, nil
	case c.lastErr != nil:
		return nil, fmt.Errorf("%w: %w", ErrDisconnected, c.lastErr)
	default:
		return nil, ErrDisconnected
	}
}

// connect runs one connect attempt under the reconnect policy and closes done
// once the state is settled.
func (c *Channel) connect(done chan struct{}) {
	defer c.workers.Done()

	var conn *sql.Conn
	attempts := 0
	err := repeater.NewDefault(c.opts.ReconnectCount, c.opts.ReconnectDelay).Do(c.life, func() error {
		attempts++
		var dialErr error
		conn, dialErr = c.dial(c.life)
		if dialErr != nil {
			slog.Debug("store dial failed", "attempt", attempts, "error", dialErr)
			return dialErr
		}
		if conn == nil {
			return errors.New("dialer returned no connection")
		}
		return nil
	})
	if err == nil && conn == nil {
		err = c.life.Err()
		if err == nil {
			err = errors.New("dialer returned no connection")
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.connecting = nil
	close(done)

	if c.closed {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.state = Exhausted
		c.conn = nil
		c.lastErr = err
		slog.Warn("store connection exhausted", "attempts", attempts, "error", err)
		return
	}
	c.state = Connected
	c.conn = conn
	c.lastErr = nil
	slog.Debug("store connected", "attempts", attempts)
}

// classify drops conn when err says it is dead and marks the result as a
// disconnect. Other errors pass through.
func (c *Channel) classify(conn *sql.Conn, err error) error {
	if err == nil {
		return nil
	}
	if !errors.Is(err, driver.ErrBadConn) && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.state = Disconnected
		c.lastErr = err
	}
	c.mu.Unlock()
	conn.Close()
	slog.Warn("store connection lost", "error", err)
	return fmt.Errorf("%w: %w", ErrDisconnected, err)
}

// Exec runs one statement outside any transaction.
func (c *Channel) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	conn, err := c.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()

	res, err := conn.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, c.classify(conn, err)
	}
	return res, nil
}

// Query runs a query and calls each once per row. Returning an error from
// each stops iteration and is returned as is.
func (c *Channel) Query(ctx context.Context, query string, args []any, each func(*sql.Rows) error) error {
	conn, err := c.ensureConnected(ctx)
	if err != nil {
		return err
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return c.classify(conn, err)
	}

	for rows.Next() {
		if err := each(rows); err != nil {
			rows.Close()
			return err
		}
	}
	// rows must be released before classify may close the connection.
	err = rows.Err()
	rows.Close()
	return c.classify(conn, err)
}

// Publish records message on channel for watching Channels and delivers it to
// this Channel's subscribers.
func (c *Channel) Publish(ctx context.Context, channel, message string) error {
	if err := validateNotify(channel, message); err != nil {
		return err
	}
	n := notification{channel: channel, message: message}
	if _, err := c.Exec(ctx, insertNotification, c.notifyArgs(n, time.Now())...); err != nil {
		return err
	}
	c.deliver(channel, message)
	return nil
}

// Subscribe registers h for channel and returns a function that removes it.
func (c *Channel) Subscribe(channel string, h Handler) (func(), error) {
	if !channelNamePattern.MatchString(channel) {
		return nil, fmt.Errorf("%w: channel %q", ErrInvalidPayload, channel)
	}

	if err := c.startWatch(); err != nil {
		return nil, err
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.nextSub++
	id := c.nextSub
	if c.subs[channel] == nil {
		c.subs[channel] = make(map[uint64]Handler)
	}
	c.subs[channel][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subMu.Lock()
			defer c.subMu.Unlock()
			delete(c.subs[channel], id)
			if len(c.subs[channel]) == 0 {
				delete(c.subs, channel)
			}
		})
	}, nil
}

// deliver calls subscribers in subscription order.
func (c *Channel) deliver(channel, message string) {
	c.subMu.RLock()
	ids := make([]uint64, 0, len(c.subs[channel]))
	handlers := make(map[uint64]Handler, len(c.subs[channel]))
	for id, h := range c.subs[channel] {
		ids = append(ids, id)
		handlers[id] = h
	}
	c.subMu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		handlers[id](channel, message)
	}
}

func validateNotify(channel, message string) error {
	if !channelNamePattern.MatchString(channel) {
		return fmt.Errorf("%w: channel %q", ErrInvalidPayload, channel)
	}
	if !messagePattern.MatchString(message) {
		return fmt.Errorf("%w: message %q", ErrInvalidPayload, message)
	}
	return nil
}
