// Package index defines the bulk-apply boundary between the drain loop and a
// search engine.
//
// The drain loop only depends on Applier: a list of operations goes in, one
// Result per operation comes out, matched by CorrelationID. Engine
// implementations live in the bleveindex and elasticindex subpackages.
package index

import (
	"context"

	"github.com/roach88/ingest/internal/queue"
)

const (
	// FolderApplication is the application of folder documents.
	FolderApplication = "explorer"

	// RootFolder is the folder new resources land in.
	RootFolder = "default"

	defaultFolderIndex   = "folder"
	defaultResourceIndex = "resource-"
)

// Operation is one document change to apply.
type Operation struct {
	// CorrelationID is the queue entry id.
	CorrelationID int64
	ResourceID    string
	Action        queue.Action
	Payload       queue.Payload
}

// Result is the per-operation outcome reported by an Applier.
type Result struct {
	CorrelationID int64
	Success       bool
	Reason        string
}

// Applier applies a batch of operations. A returned error means the whole
// batch failed; otherwise every operation should have one Result.
type Applier interface {
	Apply(ctx context.Context, ops []Operation) ([]Result, error)
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, ops []Operation) ([]Result, error)

func (f ApplierFunc) Apply(ctx context.Context, ops []Operation) ([]Result, error) {
	return f(ctx, ops)
}

// Names resolves the index an application's documents are written to.
type Names struct {
	indices map[string]string
}

// NewNames builds Names from an application -> index map. The map is copied.
func NewNames(indices map[string]string) Names {
	n := Names{indices: make(map[string]string, len(indices))}
	for app, name := range indices {
		n.indices[app] = name
	}
	return n
}

// For returns the configured index of app. Unmapped folders go to "folder",
// other applications to "resource-<app>".
func (n Names) For(app string) string {
	if name, ok := n.indices[app]; ok && name != "" {
		return name
	}
	if app == FolderApplication {
		return defaultFolderIndex
	}
	return defaultResourceIndex + app
}

// Of returns the index of op's document.
func (n Names) Of(op Operation) string {
	return n.For(op.Payload.Application())
}
