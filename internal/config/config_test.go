package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ingest/internal/queue"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ingest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 100, cfg.BulkSize)
	assert.Equal(t, 10, cfg.ReconnectCount)
	assert.Equal(t, 200*time.Millisecond, cfg.ReconnectDelay)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
database: /var/lib/ingest/queue.db
bulk-size: 50
modulo: 3
shard: 2
poll-interval: 1s
max-attempts: 5
max-replay-buffer-size: -1
index:
  engine: elastic
  endpoint: http://localhost:9200
  indices:
    blog: blog-v2
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/ingest/queue.db", cfg.Database)
	assert.Equal(t, queue.Selection{Limit: 50, Modulo: 3, Shard: 2}, cfg.Selection())
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, -1, cfg.MaxReplayBufferSize)
	assert.Equal(t, EngineElastic, cfg.Index.Engine)
	assert.Equal(t, map[string]string{"blog": "blog-v2"}, cfg.Index.Indices)
	assert.Equal(t, 5*time.Second, cfg.DebounceDelay, "unset keys keep defaults")
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "bulk-size: 50\n")
	t.Setenv("INGEST_BULK_SIZE", "7")
	t.Setenv("INGEST_INDEX_PATH", "/tmp/idx")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.BulkSize)
	assert.Equal(t, "/tmp/idx", cfg.Index.Path)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "read config")
}

func TestValidate_ReportsEveryViolation(t *testing.T) {
	cfg := Default()
	cfg.BulkSize = 0
	cfg.ReconnectCount = 0
	cfg.Index.Engine = "solr"

	err := cfg.Validate()
	require.Error(t, err)
	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.GreaterOrEqual(t, len(merr.Errors), 3)
	assert.ErrorContains(t, err, "bulk-size")
	assert.ErrorContains(t, err, "reconnect-count")
}

func TestValidate_ShardOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.Modulo = 2
	cfg.Shard = 2
	assert.ErrorContains(t, cfg.Validate(), "shard 2 out of range for modulo 2")
}

func TestValidate_ElasticNeedsEndpoint(t *testing.T) {
	cfg := Default()
	cfg.Index.Engine = EngineElastic
	assert.ErrorContains(t, cfg.Validate(), "index.endpoint is required")

	cfg.Index.Endpoint = "http://localhost:9200"
	assert.NoError(t, cfg.Validate())
}

func TestChannelOptions(t *testing.T) {
	cfg := Default()
	opts := cfg.ChannelOptions()
	assert.Equal(t, 10, opts.ReconnectCount)
	assert.Equal(t, 200*time.Millisecond, opts.ReconnectDelay)
	assert.Equal(t, 200*time.Millisecond, opts.WatchInterval)
}

func TestValidate_NeedsSomeWakeSource(t *testing.T) {
	cfg := Default()
	cfg.PollInterval = 0
	assert.NoError(t, cfg.Validate(), "the watch alone wakes the loader")

	cfg.WatchInterval = 0
	assert.ErrorContains(t, cfg.Validate(), "poll-interval and watch-interval cannot both be zero")

	cfg.PollInterval = time.Second
	assert.NoError(t, cfg.Validate())
}
