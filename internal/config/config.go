// Package config loads the single Config value every component is built
// from. Sources, lowest precedence first: defaults, an optional YAML file,
// INGEST_* environment variables.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"

	"github.com/roach88/ingest/internal/channel"
	"github.com/roach88/ingest/internal/queue"
)

//go:embed schema.cue
var schemaCUE string

// EnvPrefix prefixes environment overrides: bulk-size is INGEST_BULK_SIZE,
// index.engine is INGEST_INDEX_ENGINE.
const EnvPrefix = "INGEST"

const (
	EngineBleve   = "bleve"
	EngineElastic = "elastic"
)

// Config is the full runtime configuration.
type Config struct {
	Database            string        `mapstructure:"database" json:"database"`
	BulkSize            int           `mapstructure:"bulk-size" json:"bulk-size"`
	Modulo              int           `mapstructure:"modulo" json:"modulo"`
	Shard               int           `mapstructure:"shard" json:"shard"`
	PollInterval        time.Duration `mapstructure:"poll-interval" json:"poll-interval"`
	MaxAttempts         int           `mapstructure:"max-attempts" json:"max-attempts"`
	DebounceDelay       time.Duration `mapstructure:"debounce-delay" json:"debounce-delay"`
	MaxReplayBufferSize int           `mapstructure:"max-replay-buffer-size" json:"max-replay-buffer-size"`
	ReplayConcurrency   int           `mapstructure:"replay-concurrency" json:"replay-concurrency"`
	ReplayPriority      int           `mapstructure:"replay-priority" json:"replay-priority"`
	ReconnectCount      int           `mapstructure:"reconnect-count" json:"reconnect-count"`
	ReconnectDelay      time.Duration `mapstructure:"reconnect-delay" json:"reconnect-delay"`
	WatchInterval       time.Duration `mapstructure:"watch-interval" json:"watch-interval"`
	ShareCacheSize      int           `mapstructure:"share-cache-size" json:"share-cache-size"`
	Index               IndexConfig   `mapstructure:"index" json:"index"`
}

// IndexConfig selects and configures the bulk-apply engine.
type IndexConfig struct {
	Engine   string            `mapstructure:"engine" json:"engine"`
	Path     string            `mapstructure:"path" json:"path"`
	Endpoint string            `mapstructure:"endpoint" json:"endpoint"`
	Username string            `mapstructure:"username" json:"username"`
	Password string            `mapstructure:"password" json:"-"`
	Indices  map[string]string `mapstructure:"indices" json:"indices"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Database:            "ingest.db",
		BulkSize:            queue.DefaultBulkSize,
		Modulo:              1,
		PollInterval:        5 * time.Second,
		DebounceDelay:       5 * time.Second,
		MaxReplayBufferSize: 500,
		ReplayConcurrency:   4,
		ReconnectCount:      10,
		ReconnectDelay:      200 * time.Millisecond,
		WatchInterval:       200 * time.Millisecond,
		ShareCacheSize:      1000,
		Index:               IndexConfig{Engine: EngineBleve, Indices: map[string]string{}},
	}
}

// Load reads path (skipped when empty) over the defaults, applies the
// environment and validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Index.Indices == nil {
		cfg.Index.Indices = map[string]string{}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("database", d.Database)
	v.SetDefault("bulk-size", d.BulkSize)
	v.SetDefault("modulo", d.Modulo)
	v.SetDefault("shard", d.Shard)
	v.SetDefault("poll-interval", d.PollInterval)
	v.SetDefault("max-attempts", d.MaxAttempts)
	v.SetDefault("debounce-delay", d.DebounceDelay)
	v.SetDefault("max-replay-buffer-size", d.MaxReplayBufferSize)
	v.SetDefault("replay-concurrency", d.ReplayConcurrency)
	v.SetDefault("replay-priority", d.ReplayPriority)
	v.SetDefault("reconnect-count", d.ReconnectCount)
	v.SetDefault("reconnect-delay", d.ReconnectDelay)
	v.SetDefault("watch-interval", d.WatchInterval)
	v.SetDefault("share-cache-size", d.ShareCacheSize)
	v.SetDefault("index.engine", d.Index.Engine)
	v.SetDefault("index.path", d.Index.Path)
	v.SetDefault("index.endpoint", d.Index.Endpoint)
	v.SetDefault("index.username", d.Index.Username)
	v.SetDefault("index.password", d.Index.Password)
}

// Validate checks c against the embedded schema and the cross-field rules.
// All violations are reported together.
func (c Config) Validate() error {
	var result *multierror.Error

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	val := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(c.values()))
	if err := val.Validate(cue.Concrete(true)); err != nil {
		for _, e := range cueerrors.Errors(err) {
			result = multierror.Append(result, errors.New(e.Error()))
		}
	}

	if c.Modulo >= 1 && (c.Shard < 0 || c.Shard >= c.Modulo) {
		result = multierror.Append(result, fmt.Errorf("shard %d out of range for modulo %d", c.Shard, c.Modulo))
	}
	if c.PollInterval == 0 && c.WatchInterval == 0 {
		result = multierror.Append(result, errors.New("poll-interval and watch-interval cannot both be zero"))
	}
	if c.Index.Engine == EngineElastic && c.Index.Endpoint == "" {
		result = multierror.Append(result, errors.New("index.endpoint is required for the elastic engine"))
	}

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// values is c in the shape of the CUE schema.
func (c Config) values() map[string]any {
	indices := c.Index.Indices
	if indices == nil {
		indices = map[string]string{}
	}
	return map[string]any{
		"database":               c.Database,
		"bulk-size":              c.BulkSize,
		"modulo":                 c.Modulo,
		"shard":                  c.Shard,
		"poll-interval":          int64(c.PollInterval),
		"max-attempts":           c.MaxAttempts,
		"debounce-delay":         int64(c.DebounceDelay),
		"max-replay-buffer-size": c.MaxReplayBufferSize,
		"replay-concurrency":     c.ReplayConcurrency,
		"replay-priority":        c.ReplayPriority,
		"reconnect-count":        c.ReconnectCount,
		"reconnect-delay":        int64(c.ReconnectDelay),
		"watch-interval":         int64(c.WatchInterval),
		"share-cache-size":       c.ShareCacheSize,
		"index": map[string]any{
			"engine":   c.Index.Engine,
			"path":     c.Index.Path,
			"endpoint": c.Index.Endpoint,
			"username": c.Index.Username,
			"password": c.Index.Password,
			"indices":  indices,
		},
	}
}

// Selection is the loader's queue selection.
func (c Config) Selection() queue.Selection {
	return queue.Selection{Limit: c.BulkSize, Modulo: c.Modulo, Shard: c.Shard}
}

// ChannelOptions is the notification channel's reconnect policy and watch.
func (c Config) ChannelOptions() channel.Options {
	return channel.Options{
		ReconnectCount: c.ReconnectCount,
		ReconnectDelay: c.ReconnectDelay,
		WatchInterval:  c.WatchInterval,
	}
}
