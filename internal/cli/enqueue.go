package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/ingest/internal/queue"
)

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	File       string
	ResourceID string
	Action     string
	Payload    string
	Priority   int
}

// EnqueueResult is the printed result of the enqueue command.
type EnqueueResult struct {
	Enqueued int `json:"enqueued"`
}

func (r EnqueueResult) Text() string {
	return fmt.Sprintf("enqueued %d mutation(s)\n", r.Enqueued)
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Insert mutations into the resource queue",
		Long: `Insert mutations into the resource queue and wake the loader.

Either describe one mutation with flags, or pass a YAML batch file holding a
list of mutations:

  - resource_id: doc-1
    action: create
    priority: 1
    payload:
      creatorId: user1
      application: blog
      resourceType: post

Example:
  ingest enqueue --resource doc-1 --action create --payload '{"creatorId":"user1"}'
  ingest enqueue -f batch.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "YAML batch file")
	cmd.Flags().StringVar(&opts.ResourceID, "resource", "", "resource id")
	cmd.Flags().StringVar(&opts.Action, "action", "create", "create|update|delete")
	cmd.Flags().StringVar(&opts.Payload, "payload", "{}", "payload as a JSON object")
	cmd.Flags().IntVar(&opts.Priority, "priority", 0, "higher drains first")

	return cmd
}

func runEnqueue(opts *EnqueueOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	muts, err := opts.mutations()
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeInput, "invalid mutation", err)
	}
	for _, m := range muts {
		if err := m.Validate(); err != nil {
			return f.Fail(ExitCommandError, ErrCodeInput, "invalid mutation", err)
		}
	}

	a, err := openApp(opts.RootOptions, f)
	if err != nil {
		return err
	}
	defer a.closeLogged()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := a.queue.Enqueue(ctx, time.Now(), muts...); err != nil {
		return f.Fail(ExitFailure, ErrCodeQueue, "enqueue failed", err)
	}
	return f.Success(EnqueueResult{Enqueued: len(muts)})
}

func (o *EnqueueOptions) mutations() ([]queue.Mutation, error) {
	if o.File != "" {
		return readBatch(o.File)
	}
	if o.ResourceID == "" {
		return nil, fmt.Errorf("either --file or --resource is required")
	}
	action, err := queue.ParseAction(o.Action)
	if err != nil {
		return nil, err
	}
	var payload queue.Payload
	if err := json.Unmarshal([]byte(o.Payload), &payload); err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	return []queue.Mutation{{
		ResourceID: o.ResourceID,
		Action:     action,
		Payload:    payload,
		Priority:   o.Priority,
	}}, nil
}

func readBatch(path string) ([]queue.Mutation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var muts []queue.Mutation
	if err := yaml.Unmarshal(data, &muts); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(muts) == 0 {
		return nil, fmt.Errorf("%s holds no mutations", path)
	}
	return muts, nil
}
