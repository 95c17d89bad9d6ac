package index

import (
	"context"
	"fmt"

	"github.com/roach88/ingest/internal/queue"
)

// Transformer rewrites an operation's payload before it reaches the engine.
// An error fails that operation only.
type Transformer interface {
	Transform(ctx context.Context, op *Operation) error
}

// TransformerFunc adapts a function to Transformer.
type TransformerFunc func(ctx context.Context, op *Operation) error

func (f TransformerFunc) Transform(ctx context.Context, op *Operation) error {
	return f(ctx, op)
}

// Pipeline runs transformers on every operation, then delegates the
// surviving operations to the next Applier. Results come back in the input
// order.
type Pipeline struct {
	next         Applier
	transformers []Transformer
}

// NewPipeline creates a Pipeline in front of next.
func NewPipeline(next Applier, transformers ...Transformer) *Pipeline {
	return &Pipeline{next: next, transformers: transformers}
}

func (p *Pipeline) Apply(ctx context.Context, ops []Operation) ([]Result, error) {
	results := make([]Result, len(ops))
	pos := make(map[int64]int, len(ops))
	forward := make([]Operation, 0, len(ops))

	for i, op := range ops {
		op.Payload = op.Payload.Clone()
		results[i] = Result{CorrelationID: op.CorrelationID}
		if err := p.transform(ctx, &op); err != nil {
			results[i].Reason = err.Error()
			continue
		}
		pos[op.CorrelationID] = i
		forward = append(forward, op)
	}

	if len(forward) == 0 {
		return results, nil
	}

	applied, err := p.next.Apply(ctx, forward)
	if err != nil {
		return nil, err
	}

	answered := make(map[int64]bool, len(applied))
	for _, r := range applied {
		i, ok := pos[r.CorrelationID]
		if !ok {
			continue
		}
		results[i] = r
		answered[r.CorrelationID] = true
	}
	for id, i := range pos {
		if !answered[id] {
			results[i].Reason = "no result from index"
		}
	}
	return results, nil
}

func (p *Pipeline) transform(ctx context.Context, op *Operation) error {
	for _, t := range p.transformers {
		if err := t.Transform(ctx, op); err != nil {
			return err
		}
	}
	return nil
}

// FolderTransformer files newly created resources into their owner's root
// folder.
type FolderTransformer struct{}

func (FolderTransformer) Transform(_ context.Context, op *Operation) error {
	if op.Action != queue.Create {
		return nil
	}
	owner := op.Payload.Owner()
	if owner == "" {
		return fmt.Errorf("resource %s has no creatorId", op.ResourceID)
	}
	op.Payload["userAndFolderIds"] = []string{UserFolderID(owner, RootFolder)}
	return nil
}

// UserFolderID is the per-user folder key stored on documents.
func UserFolderID(userID, folderID string) string {
	return userID + ":" + folderID
}

// HandleResolver maps a grantee set to its share subject handle.
type HandleResolver interface {
	Resolve(ctx context.Context, users, groups []string) (handle string, ok bool, err error)
}

// VisibilityTransformer replaces the grantee lists of a shared resource with
// a share subject handle.
type VisibilityTransformer struct {
	Resolver HandleResolver
}

func (v VisibilityTransformer) Transform(ctx context.Context, op *Operation) error {
	if op.Action == queue.Delete {
		return nil
	}
	_, hasUsers := op.Payload["sharedUsers"]
	_, hasGroups := op.Payload["sharedGroups"]
	if !hasUsers && !hasGroups {
		return nil
	}

	handle, ok, err := v.Resolver.Resolve(ctx, op.Payload.Strings("sharedUsers"), op.Payload.Strings("sharedGroups"))
	if err != nil {
		return fmt.Errorf("resolve share subject of %s: %w", op.ResourceID, err)
	}
	if !ok {
		delete(op.Payload, "shareSubject")
		return nil
	}
	op.Payload["shareSubject"] = handle
	return nil
}
