package replay

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/ingest/internal/queue"
)

// Requeuer is the part of the queue repository the requeue sink needs.
type Requeuer interface {
	EnqueueMissing(ctx context.Context, now time.Time, muts ...queue.Mutation) error
}

// RequeueSink puts replayed messages back on the queue. A resource that
// still has a Pending entry is skipped: that entry already carries the retry.
// Messages that would not pass queue validation are dropped.
type RequeueSink struct {
	Queue    Requeuer
	Priority int
	Now      func() time.Time
}

func (s RequeueSink) Replay(ctx context.Context, g Group) error {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}

	muts := make([]queue.Mutation, 0, len(g.Messages))
	for _, m := range g.Messages {
		mut := queue.Mutation{
			ResourceID: m.Key.ResourceID,
			Action:     m.Action,
			Payload:    m.Payload,
			Priority:   s.Priority,
		}
		if err := mut.Validate(); err != nil {
			slog.Warn("dropping unreplayable message", "resource_id", mut.ResourceID, "error", err)
			continue
		}
		muts = append(muts, mut)
	}
	return s.Queue.EnqueueMissing(ctx, now(), muts...)
}
