package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/ingest/internal/queue"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	EntryID int64
}

// StatusResult is the printed queue summary.
type StatusResult struct {
	queue.Stats
}

func (r StatusResult) Text() string {
	return fmt.Sprintf("pending %d\nsuccess %d\nfailed  %d\ncauses  %d\n",
		r.Pending, r.Success, r.Failed, r.Causes)
}

// EntryResult is one entry with its failure history.
type EntryResult struct {
	Entry  queue.Entry   `json:"entry"`
	Causes []queue.Cause `json:"causes"`
}

func (r EntryResult) Text() string {
	var b strings.Builder
	e := r.Entry
	fmt.Fprintf(&b, "#%d %s %s status=%s attempts=%d priority=%d\n",
		e.ID, e.Action, e.ResourceID, e.Status, e.AttemptedCount, e.Priority)
	for _, c := range r.Causes {
		fmt.Fprintf(&b, "  %s %s\n", c.AttemptedAt.Format("2006-01-02T15:04:05.000Z07:00"), c.Reason)
	}
	return b.String()
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue counts, or one entry with --id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.EntryID, "id", 0, "show one queue entry and its failure causes")

	return cmd
}

func runStatus(opts *StatusOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	a, err := openApp(opts.RootOptions, f)
	if err != nil {
		return err
	}
	defer a.closeLogged()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if opts.EntryID != 0 {
		entry, err := a.queue.Get(ctx, opts.EntryID)
		if errors.Is(err, queue.ErrNotFound) {
			return f.Fail(ExitCommandError, ErrCodeInput, fmt.Sprintf("no queue entry %d", opts.EntryID), nil)
		}
		if err != nil {
			return f.Fail(ExitFailure, ErrCodeQueue, "read entry failed", err)
		}
		causes, err := a.queue.Causes(ctx, opts.EntryID)
		if err != nil {
			return f.Fail(ExitFailure, ErrCodeQueue, "read causes failed", err)
		}
		if causes == nil {
			causes = []queue.Cause{}
		}
		return f.Success(EntryResult{Entry: entry, Causes: causes})
	}

	st, err := a.queue.Stats(ctx)
	if err != nil {
		return f.Fail(ExitFailure, ErrCodeQueue, "read stats failed", err)
	}
	return f.Success(StatusResult{Stats: st})
}
