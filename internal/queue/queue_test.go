package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ingest/internal/channel"
	"github.com/roach88/ingest/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupRepo(t *testing.T) (*Repository, *channel.Channel) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	ch := channel.New(st.Dialer(), channel.DefaultOptions())
	t.Cleanup(func() {
		ch.Close()
		st.Close()
	})
	return NewRepository(ch), ch
}

func doc(id string) Mutation {
	return Mutation{
		ResourceID: id,
		Action:     Create,
		Payload: Payload{
			"creatorId":    "user1",
			"application":  "blog",
			"resourceType": "post",
			"name":         "doc " + id,
		},
	}
}

func ids(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ResourceID)
	}
	return out
}

func TestParseAction(t *testing.T) {
	for _, a := range []Action{Create, Update, Delete} {
		parsed, err := ParseAction(a.String())
		require.NoError(t, err)
		assert.Equal(t, a, parsed)
	}

	_, err := ParseAction("upsert")
	assert.ErrorIs(t, err, ErrUnknownAction)

	var a Action
	require.NoError(t, a.UnmarshalText([]byte("delete")))
	assert.Equal(t, Delete, a)
	assert.Error(t, a.UnmarshalText([]byte("DELETE")))

	_, err = Action(0).MarshalText()
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestPayloadAccessors(t *testing.T) {
	var p Payload
	require.NoError(t, json.Unmarshal([]byte(`{
		"creatorId": "u1",
		"application": "blog",
		"resourceType": "post",
		"sharedUsers": ["u2", 3, "u4"],
		"count": 2
	}`), &p))

	assert.Equal(t, "u1", p.Owner())
	assert.Equal(t, "blog", p.Application())
	assert.Equal(t, "post", p.ResourceType())
	assert.Equal(t, []string{"u2", "u4"}, p.Strings("sharedUsers"))
	assert.Nil(t, p.Strings("missing"))
	assert.Equal(t, "", p.Str("count"))

	clone := p.Clone()
	clone["application"] = "wiki"
	assert.Equal(t, "blog", p.Application())
}

func TestEnqueue_PendingOrder(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Enqueue(ctx, t0, doc("a"), doc("b")))
	require.NoError(t, repo.Enqueue(ctx, t0.Add(-time.Minute), doc("older")))

	urgent := doc("urgent")
	urgent.Priority = 5
	require.NoError(t, repo.Enqueue(ctx, t0.Add(time.Minute), urgent))

	pending, err := repo.Pending(ctx, Selection{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"urgent", "older", "a", "b"}, ids(pending))

	first := pending[0]
	assert.Equal(t, Create, first.Action)
	assert.Equal(t, Pending, first.Status)
	assert.Equal(t, 0, first.AttemptedCount)
	assert.True(t, first.AttemptedAt.IsZero())
	assert.Equal(t, t0.Add(time.Minute), first.CreatedAt)
	assert.Equal(t, "user1", first.Payload.Owner())

	limited, err := repo.Pending(ctx, Selection{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"urgent", "older"}, ids(limited))
}

func TestEnqueue_PublishesWake(t *testing.T) {
	repo, ch := setupRepo(t)

	var wakes []string
	unsubscribe, err := ch.Subscribe(Topic, func(_, msg string) { wakes = append(wakes, msg) })
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, repo.Enqueue(context.Background(), t0, doc("a"), doc("b")))
	assert.Equal(t, []string{WakeMessage}, wakes, "one wake per enqueue call")
}

func TestEnqueue_RejectsInvalidMutation(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	bad := doc("")
	err := repo.Enqueue(ctx, t0, doc("a"), bad)
	assert.ErrorIs(t, err, ErrInvalid)

	noAction := doc("b")
	noAction.Action = 0
	assert.ErrorIs(t, repo.Enqueue(ctx, t0, noAction), ErrUnknownAction)

	noOwner := doc("c")
	delete(noOwner.Payload, "creatorId")
	err = repo.Enqueue(ctx, t0, noOwner)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.ErrorContains(t, err, "creatorId")

	pending, err := repo.Pending(ctx, Selection{})
	require.NoError(t, err)
	assert.Empty(t, pending, "nothing from a rejected batch is stored")
}

func TestEnqueueMissing_SkipsLivePending(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Enqueue(ctx, t0, doc("a")))
	require.NoError(t, repo.EnqueueMissing(ctx, t0, doc("a"), doc("b"), doc("b")))

	pending, err := repo.Pending(ctx, Selection{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(pending))

	// once a's entry is done, a fresh one may be queued again
	tx := repo.Transaction()
	repo.RecordOutcome(tx, pending[:1], nil, t0, 0)
	require.NoError(t, tx.Commit(ctx))

	require.NoError(t, repo.EnqueueMissing(ctx, t0, doc("a")))
	all, err := repo.ByResource(ctx, "a")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, Success, all[0].Status)
	assert.Equal(t, Pending, all[1].Status)
}

func TestPending_Sharding(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	for _, id := range []string{"r1", "r2", "r3", "r4", "r5", "r6"} {
		require.NoError(t, repo.Enqueue(ctx, t0, doc(id)))
	}

	seen := map[int64]int{}
	for shard := 0; shard < 3; shard++ {
		entries, err := repo.Pending(ctx, Selection{Limit: 10, Modulo: 3, Shard: shard})
		require.NoError(t, err)
		assert.Len(t, entries, 2)
		for _, e := range entries {
			assert.Equal(t, int64(shard), e.ID%3)
			seen[e.ID]++
		}
	}
	assert.Len(t, seen, 6, "shards cover every entry exactly once")
}

func TestRecordOutcome(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Enqueue(ctx, t0, doc("ok"), doc("bad")))
	pending, err := repo.Pending(ctx, Selection{})
	require.NoError(t, err)
	require.Len(t, pending, 2)

	at := t0.Add(time.Second)
	tx := repo.Transaction()
	repo.RecordOutcome(tx, pending[:1], []FailedEntry{{Entry: pending[1], Reason: "mapping error"}}, at, 0)
	require.NoError(t, tx.Commit(ctx))

	ok, err := repo.Get(ctx, pending[0].ID)
	require.NoError(t, err)
	assert.Equal(t, Success, ok.Status)
	assert.Equal(t, 1, ok.AttemptedCount)
	assert.Equal(t, at, ok.AttemptedAt)

	bad, err := repo.Get(ctx, pending[1].ID)
	require.NoError(t, err)
	assert.Equal(t, Pending, bad.Status, "failed attempt stays pending")
	assert.Equal(t, 1, bad.AttemptedCount)

	causes, err := repo.Causes(ctx, bad.ID)
	require.NoError(t, err)
	require.Len(t, causes, 1)
	assert.Equal(t, Cause{ID: bad.ID, ResourceID: "bad", Reason: "mapping error", AttemptedAt: at}, causes[0])

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 1, Success: 1, Causes: 1}, stats)
}

func TestRecordOutcome_AttemptCap(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Enqueue(ctx, t0, doc("flaky")))
	entry, err := repo.Get(ctx, 1)
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		tx := repo.Transaction()
		repo.RecordOutcome(tx, nil, []FailedEntry{{Entry: entry, Reason: "timeout"}}, t0, 3)
		require.NoError(t, tx.Commit(ctx))

		entry, err = repo.Get(ctx, 1)
		require.NoError(t, err)
		if attempt < 3 {
			assert.Equal(t, Pending, entry.Status, "attempt %d", attempt)
		}
	}
	assert.Equal(t, Failed, entry.Status)
	assert.Equal(t, 3, entry.AttemptedCount)

	causes, err := repo.Causes(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, causes, 3)

	pending, err := repo.Pending(ctx, Selection{})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRecordOutcome_LargeOutcome(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	const succeeded, failed = 600, 9000
	muts := make([]Mutation, 0, succeeded+failed)
	for i := 0; i < succeeded+failed; i++ {
		muts = append(muts, doc(fmt.Sprintf("r%05d", i)))
	}
	require.NoError(t, repo.Enqueue(ctx, t0, muts...))

	pending, err := repo.Pending(ctx, Selection{Limit: succeeded + failed})
	require.NoError(t, err)
	require.Len(t, pending, succeeded+failed)

	failures := make([]FailedEntry, 0, failed)
	for _, e := range pending[succeeded:] {
		failures = append(failures, FailedEntry{Entry: e, Reason: "rejected"})
	}

	tx := repo.Transaction()
	repo.RecordOutcome(tx, pending[:succeeded], failures, t0, 1)
	require.NoError(t, tx.Commit(ctx))

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Success: succeeded, Failed: failed, Causes: failed}, stats)
}

func TestEntryAttempted(t *testing.T) {
	at := t0.Add(1500 * time.Microsecond)
	e := Entry{ID: 1, Status: Pending, AttemptedCount: 1}

	ok := e.Attempted(true, at, 0)
	assert.Equal(t, Success, ok.Status)
	assert.Equal(t, 2, ok.AttemptedCount)
	assert.Equal(t, t0.Add(time.Millisecond), ok.AttemptedAt, "stamped at store precision")

	assert.Equal(t, Pending, e.Attempted(false, at, 0).Status, "no cap")
	assert.Equal(t, Pending, e.Attempted(false, at, 3).Status)
	assert.Equal(t, Failed, e.Attempted(false, at, 2).Status)
	assert.Equal(t, 1, e.AttemptedCount, "receiver is not modified")
}

func TestRecordOutcome_Empty(t *testing.T) {
	repo, _ := setupRepo(t)

	tx := repo.Transaction()
	repo.RecordOutcome(tx, nil, nil, t0, 0)
	assert.Equal(t, 0, tx.Len())
	require.NoError(t, tx.Commit(context.Background()))
}

func TestGet_NotFound(t *testing.T) {
	repo, _ := setupRepo(t)

	_, err := repo.Get(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "", placeholders(0))
	assert.Equal(t, "?", placeholders(1))
	assert.Equal(t, "?, ?, ?", placeholders(3))
}
