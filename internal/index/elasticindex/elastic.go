// Package elasticindex applies operations to Elasticsearch through the _bulk
// API.
package elasticindex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esutil"

	"github.com/roach88/ingest/internal/index"
	"github.com/roach88/ingest/internal/queue"
)

// Config locates the cluster.
type Config struct {
	Endpoint string
	Username string
	Password string

	// Transport replaces the HTTP transport, for tests.
	Transport http.RoundTripper
}

// Engine is an index.Applier backed by Elasticsearch.
type Engine struct {
	client *elasticsearch.Client
	names  index.Names
}

// New creates an Engine. No request is sent until the first Apply.
func New(cfg Config, names index.Names) (*Engine, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("elasticsearch endpoint is not set")
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.Endpoint},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return &Engine{client: client, names: names}, nil
}

// Apply sends ops as one bulk request per flush and maps every item status
// back to its operation. Deleting a document that is already gone counts as
// success.
func (e *Engine) Apply(ctx context.Context, ops []index.Operation) ([]index.Result, error) {
	var (
		mu       sync.Mutex
		results  = make(map[int64]index.Result, len(ops))
		batchErr error
	)
	record := func(r index.Result) {
		mu.Lock()
		results[r.CorrelationID] = r
		mu.Unlock()
	}

	bi, err := esutil.NewBulkIndexer(esutil.BulkIndexerConfig{
		Client:     e.client,
		NumWorkers: 1,
		OnError: func(_ context.Context, err error) {
			mu.Lock()
			batchErr = err
			mu.Unlock()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create bulk indexer: %w", err)
	}

	for _, op := range ops {
		item, err := e.item(op, record)
		if err != nil {
			record(index.Result{CorrelationID: op.CorrelationID, Reason: err.Error()})
			continue
		}
		if err := bi.Add(ctx, item); err != nil {
			record(index.Result{CorrelationID: op.CorrelationID, Reason: err.Error()})
		}
	}

	if err := bi.Close(ctx); err != nil {
		return nil, fmt.Errorf("flush bulk indexer: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if batchErr != nil {
		slog.Warn("elasticsearch bulk request failed", "items", len(ops), "error", batchErr)
	}

	out := make([]index.Result, 0, len(ops))
	for _, op := range ops {
		r, ok := results[op.CorrelationID]
		if !ok {
			r = index.Result{CorrelationID: op.CorrelationID, Reason: "no response from elasticsearch"}
			if batchErr != nil {
				r.Reason = batchErr.Error()
			}
		}
		out = append(out, r)
	}
	return out, nil
}

func (e *Engine) item(op index.Operation, record func(index.Result)) (esutil.BulkIndexerItem, error) {
	if op.ResourceID == "" {
		return esutil.BulkIndexerItem{}, errors.New("empty document id")
	}

	item := esutil.BulkIndexerItem{
		Index:      e.names.Of(op),
		DocumentID: op.ResourceID,
		OnSuccess: func(context.Context, esutil.BulkIndexerItem, esutil.BulkIndexerResponseItem) {
			record(index.Result{CorrelationID: op.CorrelationID, Success: true})
		},
		OnFailure: func(_ context.Context, item esutil.BulkIndexerItem, res esutil.BulkIndexerResponseItem, err error) {
			switch {
			case err != nil:
				record(index.Result{CorrelationID: op.CorrelationID, Reason: err.Error()})
			case item.Action == "delete" && res.Status == http.StatusNotFound:
				record(index.Result{CorrelationID: op.CorrelationID, Success: true})
			case res.Error.Type != "":
				record(index.Result{CorrelationID: op.CorrelationID, Reason: res.Error.Type + ": " + res.Error.Reason})
			default:
				record(index.Result{CorrelationID: op.CorrelationID, Reason: fmt.Sprintf("status %d", res.Status)})
			}
		},
	}

	var body any
	switch op.Action {
	case queue.Create:
		item.Action = "index"
		body = op.Payload
	case queue.Update:
		item.Action = "update"
		body = map[string]any{"doc": op.Payload, "doc_as_upsert": true}
	case queue.Delete:
		item.Action = "delete"
		return item, nil
	default:
		return esutil.BulkIndexerItem{}, fmt.Errorf("%w: %d", queue.ErrUnknownAction, int(op.Action))
	}

	data, err := json.Marshal(body)
	if err != nil {
		return esutil.BulkIndexerItem{}, fmt.Errorf("encode document %s: %w", op.ResourceID, err)
	}
	item.Body = bytes.NewReader(data)
	return item, nil
}
