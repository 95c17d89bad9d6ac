// Package replay buffers mutations the index rejected and hands them back
// for re-ingestion after a quiet period.
//
// The buffer holds the latest message per (application, resource type,
// resource id). A submit that introduces a new key restarts the debounce
// window; a submit that only repeats known keys leaves it alone, so one
// resource failing in a loop cannot hold back everyone else. When the buffer
// reaches its size cap it is flushed at once.
package replay

import (
	"context"
	"sort"
	"time"

	"github.com/roach88/ingest/internal/queue"
)

// Key identifies one buffered resource.
type Key struct {
	Application  string
	ResourceType string
	ResourceID   string
}

// Message is one buffered mutation.
type Message struct {
	Key     Key
	Action  queue.Action
	Payload queue.Payload
	Reason  string
}

// FromFailed builds the replay message of a rejected queue entry.
func FromFailed(f queue.FailedEntry) Message {
	return Message{
		Key: Key{
			Application:  f.Payload.Application(),
			ResourceType: f.Payload.ResourceType(),
			ResourceID:   f.ResourceID,
		},
		Action:  f.Action,
		Payload: f.Payload,
		Reason:  f.Reason,
	}
}

// Group is a flushed batch of one application and resource type, ordered by
// resource id.
type Group struct {
	Application  string
	ResourceType string
	Messages     []Message
}

// Sink receives flushed groups.
type Sink interface {
	Replay(ctx context.Context, g Group) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, g Group) error

func (f SinkFunc) Replay(ctx context.Context, g Group) error {
	return f(ctx, g)
}

// Scheduler arms one-shot timers.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

type wallScheduler struct{}

func (wallScheduler) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// group splits messages by (application, resource type), both sorted.
func group(pending map[Key]Message) []Group {
	type gk struct{ app, typ string }
	byKey := make(map[gk][]Message)
	for k, m := range pending {
		g := gk{k.Application, k.ResourceType}
		byKey[g] = append(byKey[g], m)
	}

	groups := make([]Group, 0, len(byKey))
	for g, msgs := range byKey {
		sort.Slice(msgs, func(i, j int) bool { return msgs[i].Key.ResourceID < msgs[j].Key.ResourceID })
		groups = append(groups, Group{Application: g.app, ResourceType: g.typ, Messages: msgs})
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Application != groups[j].Application {
			return groups[i].Application < groups[j].Application
		}
		return groups[i].ResourceType < groups[j].ResourceType
	})
	return groups
}
