package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/ingest/internal/channel"
	"github.com/roach88/ingest/internal/index"
	"github.com/roach88/ingest/internal/queue"
	"github.com/roach88/ingest/internal/replay"
)

// reasonNoResult is recorded for an entry the index did not report on.
const reasonNoResult = "no result from index"

// Queue is the part of the queue repository the loader drives.
type Queue interface {
	Pending(ctx context.Context, sel queue.Selection) ([]queue.Entry, error)
	Transaction() *channel.Tx
	RecordOutcome(tx *channel.Tx, succeeded []queue.Entry, failed []queue.FailedEntry, now time.Time, maxAttempts int)
}

// Subscriber delivers wake signals published on a topic.
type Subscriber interface {
	Subscribe(topic string, h channel.Handler) (func(), error)
}

// FailureRouter receives the failed entries of a committed cycle.
// *replay.Debouncer implements it.
type FailureRouter interface {
	Submit(batch []replay.Message)
}

// Observer is told about every drain cycle that ran, with its outcome or the
// error that aborted it.
type Observer func(Outcome, error)

// Outcome is the result of one drain cycle.
type Outcome struct {
	Cycle     string              `json:"cycle"`
	Succeeded []queue.Entry       `json:"succeeded"`
	Failed    []queue.FailedEntry `json:"failed"`
}

// Len returns the number of entries the cycle handled.
func (o Outcome) Len() int {
	return len(o.Succeeded) + len(o.Failed)
}

// Loader drains the resource queue into the index.
//
// Thread-safety model:
//   - Drain(): safe from any goroutine; cycles never overlap, callers queue
//     on the gate in arrival order
//   - Wake(), Start(), Stop(): safe from any goroutine
//   - Run(): one goroutine per loader
type Loader struct {
	queue   Queue
	applier index.Applier
	sel     queue.Selection

	observer    Observer
	router      FailureRouter
	wakeSource  Subscriber
	now         func() time.Time
	cycleIDs    func() string
	poll        time.Duration
	maxAttempts int

	gate    gate
	started atomic.Bool
	wake    chan struct{}

	mu          sync.Mutex
	unsubscribe func()
}

// Option configures a Loader.
type Option func(*Loader)

// WithObserver sets the per-cycle observer.
func WithObserver(o Observer) Option {
	return func(l *Loader) { l.observer = o }
}

// WithFailureRouter routes failed entries to the replay path.
func WithFailureRouter(r FailureRouter) Option {
	return func(l *Loader) { l.router = r }
}

// WithWakeSource subscribes the loader to queue wake signals while started.
func WithWakeSource(s Subscriber) Option {
	return func(l *Loader) { l.wakeSource = s }
}

// WithNow replaces the wall clock used for attempt timestamps.
func WithNow(now func() time.Time) Option {
	return func(l *Loader) { l.now = now }
}

// WithCycleIDs replaces the UUIDv7 cycle id generator.
func WithCycleIDs(next func() string) Option {
	return func(l *Loader) { l.cycleIDs = next }
}

// WithPollInterval sets the timer wake of Run. Zero disables polling.
func WithPollInterval(d time.Duration) Option {
	return func(l *Loader) { l.poll = d }
}

// WithMaxAttempts marks entries Failed once they failed n times.
// Zero keeps retrying forever.
func WithMaxAttempts(n int) Option {
	return func(l *Loader) { l.maxAttempts = n }
}

// NewLoader creates a stopped Loader reading sel from q and applying to
// applier.
func NewLoader(q Queue, applier index.Applier, sel queue.Selection, opts ...Option) *Loader {
	if sel.Limit <= 0 {
		sel.Limit = queue.DefaultBulkSize
	}
	l := &Loader{
		queue:    q,
		applier:  applier,
		sel:      sel,
		now:      time.Now,
		cycleIDs: newCycleID,
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func newCycleID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Start allows non-forced drains and subscribes to the wake topic.
func (l *Loader) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started.Load() {
		return nil
	}
	if l.wakeSource != nil {
		unsub, err := l.wakeSource.Subscribe(queue.Topic, func(_, _ string) { l.Wake() })
		if err != nil {
			return err
		}
		l.unsubscribe = unsub
	}
	l.started.Store(true)
	slog.Info("resource loader started",
		"bulk_size", l.sel.Limit,
		"modulo", l.sel.Modulo,
		"shard", l.sel.Shard)
	return nil
}

// Stop refuses further non-forced drains. A drain in flight completes.
func (l *Loader) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.started.Swap(false) {
		return
	}
	if l.unsubscribe != nil {
		l.unsubscribe()
		l.unsubscribe = nil
	}
	slog.Info("resource loader stopped")
}

// Started reports whether the loader accepts non-forced drains.
func (l *Loader) Started() bool {
	return l.started.Load()
}

// Wake asks Run for a drain. Wakes coalesce while one is already pending.
func (l *Loader) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// InFlight reports whether a drain cycle is running.
func (l *Loader) InFlight() bool {
	return l.gate.InFlight()
}

// Waiting returns the number of drain requests queued behind the running one.
func (l *Loader) Waiting() int {
	return l.gate.Waiting()
}

// Run drains on wake signals and poll ticks until ctx is done.
// A full batch wakes the next cycle immediately.
func (l *Loader) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if l.poll > 0 {
		t := time.NewTicker(l.poll)
		defer t.Stop()
		tick = t.C
	}

	l.Wake()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
		case <-l.wake:
		}

		out, err := l.Drain(ctx, false)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		if out.Len() >= l.sel.Limit {
			l.Wake()
		}
	}
}

// Drain runs one cycle: select a batch of Pending entries, apply it to the
// index and commit every entry's outcome in one transaction.
//
// Unless force is set the loader must be started. A call made while another
// cycle runs waits for it. Failed entries that are still Pending are routed
// to the replay path once their outcome is committed; entries the attempt
// cap just made Failed are not. Then the observer is told. The outcome holds
// the entries as committed.
func (l *Loader) Drain(ctx context.Context, force bool) (Outcome, error) {
	if !force && !l.started.Load() {
		return Outcome{}, &DrainError{Code: ErrCodeNotStarted, Err: errNotStarted}
	}

	if err := l.gate.Acquire(ctx); err != nil {
		return Outcome{}, err
	}
	defer l.gate.Release()

	out, err := l.cycle(ctx)
	if err == nil && l.router != nil {
		if msgs := retryable(out.Failed); len(msgs) > 0 {
			l.router.Submit(msgs)
		}
	}
	if l.observer != nil {
		l.observer(out, err)
	}
	return out, err
}

func (l *Loader) cycle(ctx context.Context) (Outcome, error) {
	out := Outcome{Cycle: l.cycleIDs()}
	log := slog.With("cycle", out.Cycle)

	entries, err := l.queue.Pending(ctx, l.sel)
	if err != nil {
		code := ErrCodeSelectFailed
		if errors.Is(err, channel.ErrDisconnected) {
			code = ErrCodeDisconnected
		}
		log.Error("drain failed", "code", code, "error", err)
		return out, &DrainError{Code: code, Cycle: out.Cycle, Err: err}
	}
	if len(entries) == 0 {
		log.Debug("queue empty")
		return out, nil
	}

	ops := make([]index.Operation, 0, len(entries))
	for _, e := range entries {
		ops = append(ops, index.Operation{
			CorrelationID: e.ID,
			ResourceID:    e.ResourceID,
			Action:        e.Action,
			Payload:       e.Payload,
		})
	}

	results, applyErr := l.applier.Apply(ctx, ops)
	if applyErr != nil {
		log.Warn("bulk apply failed", "entries", len(entries), "error", applyErr)
	}
	byID := make(map[int64]index.Result, len(results))
	for _, r := range results {
		byID[r.CorrelationID] = r
	}

	var succeeded []queue.Entry
	var failed []queue.FailedEntry
	for _, e := range entries {
		r, ok := byID[e.ID]
		switch {
		case applyErr != nil:
			failed = append(failed, queue.FailedEntry{Entry: e, Reason: applyErr.Error()})
		case !ok:
			failed = append(failed, queue.FailedEntry{Entry: e, Reason: reasonNoResult})
		case r.Success:
			succeeded = append(succeeded, e)
		default:
			reason := r.Reason
			if reason == "" {
				reason = "rejected by index"
			}
			failed = append(failed, queue.FailedEntry{Entry: e, Reason: reason})
		}
	}

	now := l.now()
	tx := l.queue.Transaction()
	l.queue.RecordOutcome(tx, succeeded, failed, now, l.maxAttempts)
	if err := tx.Commit(ctx); err != nil {
		code := ErrCodeTransactionFailed
		if errors.Is(err, channel.ErrDisconnected) {
			code = ErrCodeDisconnected
		}
		log.Error("drain failed", "code", code, "entries", len(entries), "error", err)
		return out, &DrainError{Code: code, Cycle: out.Cycle, Err: err}
	}

	capped := 0
	for i := range succeeded {
		succeeded[i] = succeeded[i].Attempted(true, now, l.maxAttempts)
	}
	for i := range failed {
		failed[i].Entry = failed[i].Entry.Attempted(false, now, l.maxAttempts)
		if failed[i].Status == queue.Failed {
			capped++
		}
	}

	out.Succeeded = succeeded
	out.Failed = failed
	log.Info("drain completed",
		"succeeded", len(succeeded),
		"failed", len(failed),
		"gave_up", capped)
	return out, nil
}

// retryable converts the failures that remain Pending into replay messages.
func retryable(failed []queue.FailedEntry) []replay.Message {
	var msgs []replay.Message
	for _, f := range failed {
		if f.Status == queue.Pending {
			msgs = append(msgs, replay.FromFailed(f))
		}
	}
	return msgs
}
