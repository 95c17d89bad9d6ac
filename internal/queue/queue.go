// Package queue models the durable resource mutation queue and its SQL
// repository.
//
// An entry moves Pending -> Success when the index accepted it. A failed
// attempt leaves it Pending with attempted_count incremented and a cause row
// appended; with a positive attempt cap it becomes Failed once the cap is hit.
package queue

import (
	"errors"
	"fmt"
	"time"
)

const (
	// Topic is the notify channel every queue writer publishes on.
	Topic = "channel_resource"

	// WakeMessage is the payload of a wake notification.
	WakeMessage = "new_resources"

	// DefaultBulkSize is the number of entries fetched per drain.
	DefaultBulkSize = 100
)

var (
	ErrUnknownAction = errors.New("unknown resource action")
	ErrNotFound      = errors.New("queue entry not found")
	ErrInvalid       = errors.New("invalid mutation")
)

// Action is the mutation kind. Parsed once at the queue boundary.
type Action int

const (
	Create Action = iota + 1
	Update
	Delete
)

// ParseAction maps the stored action name to an Action.
func ParseAction(s string) (Action, error) {
	switch s {
	case "create":
		return Create, nil
	case "update":
		return Update, nil
	case "delete":
		return Delete, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
}

func (a Action) String() string {
	switch a {
	case Create:
		return "create"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (a Action) MarshalText() ([]byte, error) {
	if a < Create || a > Delete {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAction, int(a))
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Action) UnmarshalText(b []byte) error {
	parsed, err := ParseAction(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Status is the attempt status stored in attempt_status.
type Status int

const (
	Failed  Status = -1
	Pending Status = 0
	Success Status = 1
)

func (s Status) String() string {
	switch s {
	case Failed:
		return "failed"
	case Pending:
		return "pending"
	case Success:
		return "success"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	for _, c := range []Status{Failed, Pending, Success} {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", b)
}

// Payload is the resource document carried by an entry.
type Payload map[string]any

// Str returns the string value at key, or "".
func (p Payload) Str(key string) string {
	v, _ := p[key].(string)
	return v
}

// Strings returns the string list at key. Non-string items are skipped.
func (p Payload) Strings(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Owner is the id of the user who created the resource.
func (p Payload) Owner() string { return p.Str("creatorId") }

func (p Payload) Application() string { return p.Str("application") }

func (p Payload) ResourceType() string { return p.Str("resourceType") }

// Clone returns a shallow copy.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Entry is one row of resource_queue.
type Entry struct {
	ID             int64     `json:"id"`
	ResourceID     string    `json:"resource_id"`
	Action         Action    `json:"action"`
	Payload        Payload   `json:"payload"`
	Priority       int       `json:"priority"`
	Status         Status    `json:"status"`
	AttemptedCount int       `json:"attempted_count"`
	AttemptedAt    time.Time `json:"attempted_at,omitzero"`
	CreatedAt      time.Time `json:"created_at"`
}

// Attempted returns e as a committed RecordOutcome leaves it: the attempt is
// counted and stamped, a success is final, and a failure becomes Failed once
// maxAttempts > 0 attempts were made.
func (e Entry) Attempted(succeeded bool, now time.Time, maxAttempts int) Entry {
	e.AttemptedCount++
	e.AttemptedAt = time.UnixMilli(now.UnixMilli()).UTC()
	switch {
	case succeeded:
		e.Status = Success
	case maxAttempts > 0 && e.AttemptedCount >= maxAttempts:
		e.Status = Failed
	}
	return e
}

// FailedEntry is an entry the index rejected, with the reason.
type FailedEntry struct {
	Entry
	Reason string `json:"reason"`
}

// Cause is one row of resource_queue_causes.
type Cause struct {
	ID          int64     `json:"id"`
	ResourceID  string    `json:"resource_id"`
	Reason      string    `json:"reason"`
	AttemptedAt time.Time `json:"attempted_at"`
}

// Mutation is a new entry to enqueue.
type Mutation struct {
	ResourceID string  `json:"resource_id" yaml:"resource_id"`
	Action     Action  `json:"action" yaml:"action"`
	Payload    Payload `json:"payload" yaml:"payload"`
	Priority   int     `json:"priority" yaml:"priority"`
}

// Validate rejects mutations the drain could never index: no resource id,
// an unknown action or a payload without its owner.
func (m Mutation) Validate() error {
	if m.ResourceID == "" {
		return fmt.Errorf("%w: empty resource id", ErrInvalid)
	}
	if m.Action < Create || m.Action > Delete {
		return fmt.Errorf("%w: %w: %d", ErrInvalid, ErrUnknownAction, int(m.Action))
	}
	if m.Payload.Owner() == "" {
		return fmt.Errorf("%w: payload of %s has no creatorId", ErrInvalid, m.ResourceID)
	}
	return nil
}

// Selection narrows a pending fetch. With Modulo > 1 only ids where
// id % Modulo == Shard are returned, so instances can split the queue
// without coordinating.
type Selection struct {
	Limit  int
	Modulo int
	Shard  int
}

// Stats counts entries per status.
type Stats struct {
	Pending int `json:"pending"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Causes  int `json:"causes"`
}
