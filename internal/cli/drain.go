package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/ingest/internal/ingest"
)

// DrainResult is the printed outcome of one drain cycle.
type DrainResult struct {
	Cycle     string       `json:"cycle"`
	Succeeded []int64      `json:"succeeded"`
	Failed    []DrainFault `json:"failed"`
}

// DrainFault is one entry the index rejected.
type DrainFault struct {
	ID         int64  `json:"id"`
	ResourceID string `json:"resource_id"`
	Reason     string `json:"reason"`
}

func (r DrainResult) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "cycle %s: %d succeeded, %d failed\n", r.Cycle, len(r.Succeeded), len(r.Failed))
	for _, f := range r.Failed {
		fmt.Fprintf(&b, "  #%d %s: %s\n", f.ID, f.ResourceID, f.Reason)
	}
	return b.String()
}

func newDrainResult(o ingest.Outcome) DrainResult {
	r := DrainResult{Cycle: o.Cycle, Succeeded: []int64{}, Failed: []DrainFault{}}
	for _, e := range o.Succeeded {
		r.Succeeded = append(r.Succeeded, e.ID)
	}
	for _, f := range o.Failed {
		r.Failed = append(r.Failed, DrainFault{ID: f.ID, ResourceID: f.ResourceID, Reason: f.Reason})
	}
	return r
}

// DrainOptions holds flags for the drain command.
type DrainOptions struct {
	*RootOptions

	// CycleIDs overrides the drain cycle id generator (for testing).
	CycleIDs func() string
}

// NewDrainCommand creates the drain command.
func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DrainOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Run one forced drain cycle",
		Long: `Run one drain cycle and print its outcome.

The cycle runs even though no loader is started. Failures are recorded like
in a served cycle and handed to the replay buffer, which is flushed before
the command exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrain(opts, cmd)
		},
	}

	return cmd
}

func runDrain(opts *DrainOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	a, err := openApp(opts.RootOptions, f)
	if err != nil {
		return err
	}
	defer a.closeLogged()

	applier, err := a.applier()
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeIndex, "failed to open index", err)
	}
	deb := a.debouncer()

	loaderOpts := []ingest.Option{
		ingest.WithFailureRouter(deb),
		ingest.WithMaxAttempts(a.cfg.MaxAttempts),
	}
	if opts.CycleIDs != nil {
		loaderOpts = append(loaderOpts, ingest.WithCycleIDs(opts.CycleIDs))
	}
	loader := ingest.NewLoader(a.queue, applier, a.cfg.Selection(), loaderOpts...)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out, drainErr := loader.Drain(ctx, true)
	if err := deb.Close(ctx); err != nil {
		return f.Fail(ExitFailure, ErrCodeQueue, "replay failed", err)
	}
	if drainErr != nil {
		return f.Fail(ExitFailure, ErrCodeDrain, "drain failed", drainErr)
	}
	return f.Success(newDrainResult(out))
}
