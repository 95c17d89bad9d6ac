package ingest

import (
	"context"
	"sync"

	"github.com/gammazero/deque"
)

// gate is a single-slot lock with a FIFO of waiters.
//
// At most one drain holds the slot. Release hands the slot directly to the
// oldest live waiter, so requests run in arrival order and a wake that lands
// during a drain queues the next cycle instead of being dropped.
type gate struct {
	mu      sync.Mutex
	held    bool
	waiters deque.Deque[*waiter]
}

type waiter struct {
	ready     chan struct{}
	abandoned bool
}

// Acquire blocks until the slot is ours or ctx is done.
func (g *gate) Acquire(ctx context.Context) error {
	g.mu.Lock()
	if !g.held {
		g.held = true
		g.mu.Unlock()
		return nil
	}
	w := &waiter{ready: make(chan struct{})}
	g.waiters.PushBack(w)
	g.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		select {
		case <-w.ready:
			// granted while giving up: pass the slot on
			g.mu.Unlock()
			g.Release()
		default:
			w.abandoned = true
			g.mu.Unlock()
		}
		return ctx.Err()
	}
}

// Release frees the slot or hands it to the next waiter.
func (g *gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for g.waiters.Len() > 0 {
		w := g.waiters.PopFront()
		if w.abandoned {
			continue
		}
		close(w.ready)
		return
	}
	g.held = false
}

// InFlight reports whether a drain holds the slot.
func (g *gate) InFlight() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}

// Waiting returns the number of queued drain requests.
func (g *gate) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for i := 0; i < g.waiters.Len(); i++ {
		if !g.waiters.At(i).abandoned {
			n++
		}
	}
	return n
}
