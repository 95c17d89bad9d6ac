package replay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-pkgz/syncs"
)

const (
	DefaultDelay       = 5 * time.Second
	DefaultMaxSize     = 500
	DefaultConcurrency = 4
)

// Debouncer is the replay buffer. Safe for concurrent use.
//
// Only one timer is ever armed. Every flush bumps a generation counter, so a
// timer that fires after its buffer was already flushed does nothing.
type Debouncer struct {
	sink        Sink
	delay       time.Duration
	maxSize     int
	sched       Scheduler
	concurrency int

	mu      sync.Mutex
	pending map[Key]Message
	stop    func() bool
	gen     uint64
	closed  bool
}

// Option configures a Debouncer.
type Option func(*Debouncer)

// WithDelay sets the debounce window. A window <= 0 flushes on every submit.
func WithDelay(d time.Duration) Option {
	return func(db *Debouncer) { db.delay = d }
}

// WithMaxSize sets the overflow cap. Negative means unbounded.
func WithMaxSize(n int) Option {
	return func(db *Debouncer) { db.maxSize = n }
}

// WithScheduler replaces the wall clock timer, for tests.
func WithScheduler(s Scheduler) Option {
	return func(db *Debouncer) { db.sched = s }
}

// WithConcurrency bounds how many groups are replayed in parallel.
func WithConcurrency(n int) Option {
	return func(db *Debouncer) {
		if n > 0 {
			db.concurrency = n
		}
	}
}

// NewDebouncer creates an empty Debouncer flushing into sink.
func NewDebouncer(sink Sink, opts ...Option) *Debouncer {
	db := &Debouncer{
		sink:        sink,
		delay:       DefaultDelay,
		maxSize:     DefaultMaxSize,
		sched:       wallScheduler{},
		concurrency: DefaultConcurrency,
		pending:     make(map[Key]Message),
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

// Submit buffers a batch, keeping the latest message per key.
func (d *Debouncer) Submit(batch []Message) {
	if len(batch) == 0 {
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		slog.Warn("replay buffer closed, replaying directly", "messages", len(batch))
		pending := make(map[Key]Message, len(batch))
		for _, m := range batch {
			pending[m.Key] = m
		}
		_ = d.dispatch(context.Background(), pending)
		return
	}

	newKey := false
	for _, m := range batch {
		if _, ok := d.pending[m.Key]; !ok {
			newKey = true
		}
		d.pending[m.Key] = m
	}

	if (d.maxSize >= 0 && len(d.pending) >= d.maxSize) || d.delay <= 0 {
		pending := d.take()
		d.mu.Unlock()
		slog.Debug("replay buffer flushed early", "messages", len(pending))
		_ = d.dispatch(context.Background(), pending)
		return
	}

	if newKey {
		if d.stop != nil {
			d.stop()
		}
		d.gen++
		gen := d.gen
		d.stop = d.sched.AfterFunc(d.delay, func() { d.fire(gen) })
	}
	d.mu.Unlock()
}

// Size returns the number of buffered keys.
func (d *Debouncer) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Flush replays everything buffered now.
func (d *Debouncer) Flush(ctx context.Context) error {
	d.mu.Lock()
	pending := d.take()
	d.mu.Unlock()
	return d.dispatch(ctx, pending)
}

// Close disarms the timer and flushes. Later submits bypass the buffer.
func (d *Debouncer) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	pending := d.take()
	d.mu.Unlock()
	return d.dispatch(ctx, pending)
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.stop = nil
	pending := d.take()
	d.mu.Unlock()
	_ = d.dispatch(context.Background(), pending)
}

// take empties the buffer and disarms the timer. Caller holds mu.
func (d *Debouncer) take() map[Key]Message {
	if d.stop != nil {
		d.stop()
		d.stop = nil
	}
	d.gen++
	pending := d.pending
	d.pending = make(map[Key]Message)
	return pending
}

func (d *Debouncer) dispatch(ctx context.Context, pending map[Key]Message) error {
	if len(pending) == 0 {
		return nil
	}

	wg := syncs.NewErrSizedGroup(d.concurrency)
	for _, g := range group(pending) {
		g := g
		wg.Go(func() error {
			if err := d.sink.Replay(ctx, g); err != nil {
				slog.Error("replay failed",
					"application", g.Application,
					"resource_type", g.ResourceType,
					"messages", len(g.Messages),
					"error", err)
				return fmt.Errorf("replay %s/%s: %w", g.Application, g.ResourceType, err)
			}
			return nil
		})
	}
	return wg.Wait()
}
