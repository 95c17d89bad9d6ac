// Package bleveindex applies operations to local bleve indexes, one per
// index name, either in memory or under a directory.
package bleveindex

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/hashicorp/go-multierror"

	"github.com/roach88/ingest/internal/index"
	"github.com/roach88/ingest/internal/queue"
)

// keywordFields are matched exactly, never tokenized.
var keywordFields = []string{
	"creatorId", "application", "resourceType", "userAndFolderIds", "shareSubject",
}

// Engine is an index.Applier backed by bleve.
type Engine struct {
	dir   string
	names index.Names

	mu      sync.Mutex
	indexes map[string]bleve.Index
}

// New creates an Engine. An empty dir keeps every index in memory.
func New(dir string, names index.Names) *Engine {
	return &Engine{dir: dir, names: names, indexes: make(map[string]bleve.Index)}
}

// Apply writes one bleve batch per target index.
func (e *Engine) Apply(ctx context.Context, ops []index.Operation) ([]index.Result, error) {
	groups := make(map[string][]index.Operation)
	for _, op := range ops {
		name := e.names.Of(op)
		groups[name] = append(groups[name], op)
	}
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]index.Result, 0, len(ops))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		results = append(results, e.applyGroup(name, groups[name])...)
	}
	return results, nil
}

func (e *Engine) applyGroup(name string, ops []index.Operation) []index.Result {
	results := make([]index.Result, 0, len(ops))
	fail := func(ops []index.Operation, reason string) []index.Result {
		for _, op := range ops {
			results = append(results, index.Result{CorrelationID: op.CorrelationID, Reason: reason})
		}
		return results
	}

	idx, err := e.open(name)
	if err != nil {
		return fail(ops, err.Error())
	}

	batch := idx.NewBatch()
	queued := make([]index.Operation, 0, len(ops))
	for _, op := range ops {
		var err error
		if op.Action == queue.Delete {
			if op.ResourceID == "" {
				err = bleve.ErrorEmptyID
			} else {
				batch.Delete(op.ResourceID)
			}
		} else {
			err = batch.Index(op.ResourceID, map[string]any(op.Payload))
		}
		if err != nil {
			results = fail([]index.Operation{op}, err.Error())
			continue
		}
		queued = append(queued, op)
	}

	if len(queued) == 0 {
		return results
	}
	if err := idx.Batch(batch); err != nil {
		slog.Warn("bleve batch failed", "index", name, "size", len(queued), "error", err)
		return fail(queued, err.Error())
	}
	for _, op := range queued {
		results = append(results, index.Result{CorrelationID: op.CorrelationID, Success: true})
	}
	return results
}

func (e *Engine) open(name string) (bleve.Index, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if idx, ok := e.indexes[name]; ok {
		return idx, nil
	}

	var (
		idx bleve.Index
		err error
	)
	if e.dir == "" {
		idx, err = bleve.NewMemOnly(newMapping())
	} else {
		path := filepath.Join(e.dir, name)
		st, statErr := os.Stat(path)
		switch {
		case os.IsNotExist(statErr):
			slog.Info("creating search index", "path", path)
			idx, err = bleve.New(path, newMapping())
		case statErr == nil && !st.IsDir():
			err = fmt.Errorf("index path %s is not a directory", path)
		case statErr == nil:
			idx, err = bleve.Open(path)
		default:
			err = statErr
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", name, err)
	}
	e.indexes[name] = idx
	return idx, nil
}

func newMapping() mapping.IndexMapping {
	doc := bleve.NewDocumentMapping()
	for _, field := range keywordFields {
		fm := bleve.NewTextFieldMapping()
		fm.Analyzer = keyword.Name
		doc.AddFieldMappingsAt(field, fm)
	}

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	return m
}

// Count returns the number of documents in the named index.
func (e *Engine) Count(name string) (uint64, error) {
	idx, err := e.open(name)
	if err != nil {
		return 0, err
	}
	return idx.DocCount()
}

// VisibleTo returns the ids of documents in the named index whose share
// subject is one of handles, sorted.
func (e *Engine) VisibleTo(ctx context.Context, name string, handles []string) ([]string, error) {
	if len(handles) == 0 {
		return nil, nil
	}
	idx, err := e.open(name)
	if err != nil {
		return nil, err
	}

	q := bleve.NewDisjunctionQuery()
	for _, h := range handles {
		tq := bleve.NewTermQuery(h)
		tq.SetField("shareSubject")
		q.AddQuery(tq)
	}
	req := bleve.NewSearchRequestOptions(q, 10000, 0, false)
	res, err := idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", name, err)
	}

	ids := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, hit.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close closes every open index.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs error
	for name, idx := range e.indexes {
		if err := idx.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close index %s: %w", name, err))
		}
	}
	e.indexes = make(map[string]bleve.Index)
	return errs
}
