package cli

import (
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"github.com/roach88/ingest/internal/channel"
	"github.com/roach88/ingest/internal/config"
	"github.com/roach88/ingest/internal/index"
	"github.com/roach88/ingest/internal/index/bleveindex"
	"github.com/roach88/ingest/internal/index/elasticindex"
	"github.com/roach88/ingest/internal/queue"
	"github.com/roach88/ingest/internal/replay"
	"github.com/roach88/ingest/internal/share"
	"github.com/roach88/ingest/internal/store"
)

// app holds the components a command works with, built from one Config.
type app struct {
	cfg    config.Config
	store  *store.Store
	ch     *channel.Channel
	queue  *queue.Repository
	shares *share.Resolver

	closers []func() error
}

// loadConfig reads the config file and applies the --db override.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return config.Config{}, err
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	return cfg, nil
}

// openApp opens the store and the components on top of it. Errors are
// written through f and returned as ExitErrors.
func openApp(opts *RootOptions, f *OutputFormatter) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
	}

	slog.Debug("opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeStore, "failed to open database", err)
	}
	a := &app{cfg: cfg, store: st}
	a.closers = append(a.closers, st.Close)

	a.ch = channel.New(st.Dialer(), cfg.ChannelOptions())
	a.closers = append(a.closers, a.ch.Close)
	a.queue = queue.NewRepository(a.ch)

	a.shares, err = share.NewResolver(a.ch, cfg.ShareCacheSize)
	if err != nil {
		_ = a.Close()
		return nil, f.Fail(ExitCommandError, ErrCodeShare, "failed to create share resolver", err)
	}
	a.closers = append(a.closers, a.shares.Close)
	return a, nil
}

// applier builds the configured index engine wrapped in the document
// pipeline.
func (a *app) applier() (index.Applier, error) {
	names := index.NewNames(a.cfg.Index.Indices)

	var engine index.Applier
	switch a.cfg.Index.Engine {
	case config.EngineElastic:
		es, err := elasticindex.New(elasticindex.Config{
			Endpoint: a.cfg.Index.Endpoint,
			Username: a.cfg.Index.Username,
			Password: a.cfg.Index.Password,
		}, names)
		if err != nil {
			return nil, err
		}
		engine = es
	default:
		bl := bleveindex.New(a.cfg.Index.Path, names)
		a.closers = append(a.closers, bl.Close)
		engine = bl
	}

	slog.Debug("index ready", "engine", a.cfg.Index.Engine)
	return index.NewPipeline(engine,
		index.FolderTransformer{},
		index.VisibilityTransformer{Resolver: a.shares},
	), nil
}

// debouncer builds the replay buffer feeding failures back into the queue.
func (a *app) debouncer() *replay.Debouncer {
	return replay.NewDebouncer(
		replay.RequeueSink{Queue: a.queue, Priority: a.cfg.ReplayPriority},
		replay.WithDelay(a.cfg.DebounceDelay),
		replay.WithMaxSize(a.cfg.MaxReplayBufferSize),
		replay.WithConcurrency(a.cfg.ReplayConcurrency),
	)
}

// Close releases everything in reverse order of creation.
func (a *app) Close() error {
	var result *multierror.Error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	a.closers = nil
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return nil
}

func (a *app) closeLogged() {
	if err := a.Close(); err != nil {
		slog.Error("error closing resources", "error", err)
	}
}
