package testutil

import (
	"fmt"
	"sync"
)

// SequenceIDs hands out "<prefix>-1", "<prefix>-2", ... in call order.
//
// Drain cycle ids are UUIDv7 in production; tests use SequenceIDs so logs and
// golden output are byte-identical between runs.
//
// Thread-safety: Next is safe for concurrent use.
type SequenceIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceIDs creates a generator. An empty prefix becomes "cycle".
func NewSequenceIDs(prefix string) *SequenceIDs {
	if prefix == "" {
		prefix = "cycle"
	}
	return &SequenceIDs{prefix: prefix}
}

// Next returns the next id.
func (g *SequenceIDs) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
