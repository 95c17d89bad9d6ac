package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/ingest/internal/ingest"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions

	// CycleIDs overrides the drain cycle id generator (for testing).
	// If nil, the loader uses UUIDv7 ids.
	CycleIDs func() string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the resource loader until interrupted",
		Long: `Run the resource loader.

The loader drains pending queue entries whenever a producer publishes a wake
signal and on every poll tick. Failed entries are replayed after the debounce
window. On SIGINT or SIGTERM the loader stops and the replay buffer is
flushed.

Example:
  ingest serve --db ./ingest.db
  ingest serve --config ./ingest.yaml --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
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
		ingest.WithWakeSource(a.ch),
		ingest.WithPollInterval(a.cfg.PollInterval),
		ingest.WithMaxAttempts(a.cfg.MaxAttempts),
		ingest.WithObserver(func(o ingest.Outcome, err error) {
			if err == nil && len(o.Failed) > 0 {
				slog.Debug("failures buffered for replay", "cycle", o.Cycle, "buffered", deb.Size())
			}
		}),
	}
	if opts.CycleIDs != nil {
		loaderOpts = append(loaderOpts, ingest.WithCycleIDs(opts.CycleIDs))
	}
	loader := ingest.NewLoader(a.queue, applier, a.cfg.Selection(), loaderOpts...)

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := loader.Start(); err != nil {
		return f.Fail(ExitFailure, ErrCodeUnavailable, "failed to start loader", err)
	}
	fmt.Fprintln(cmd.ErrOrStderr(), "Resource loader started. Press Ctrl-C to stop.")

	runErr := loader.Run(ctx)
	loader.Stop()

	if err := deb.Close(context.Background()); err != nil {
		slog.Error("replay flush failed", "error", err)
	}
	if runErr != nil {
		return WrapExitError(ExitFailure, "loader error", runErr)
	}

	slog.Info("resource loader stopped gracefully")
	return nil
}
