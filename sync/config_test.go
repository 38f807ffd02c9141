package sync

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sync.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfigValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
log_level = "debug"

[pivot]
snap_limit = 64
seconds_per_block = "6s"

[storage]
batch_size = 100

[healer]
node_batch_size = 256

[fullsync]
header_retry_max = "250ms"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, uint64(64), cfg.Pivot.SnapLimit)
	require.Equal(t, 6*time.Second, cfg.Pivot.SecondsPerBlock.Duration)
	require.Equal(t, 100, cfg.Storage.BatchSize)
	require.Equal(t, 256, cfg.Healer.NodeBatchSize)
	require.Equal(t, 250*time.Millisecond, cfg.FullSync.HeaderRetryMax.Duration)

	// Untouched sections keep their defaults.
	require.Equal(t, DefaultCoordinatorConfig(), cfg.Coordinator)
	require.Equal(t, DefaultAccountFetcherConfig(), cfg.Accounts)
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[storage]
batch_sise = 100
`)
	_, err := LoadConfig(path)
	require.ErrorIs(t, err, ErrConfigUndecoded)
	require.Contains(t, err.Error(), "storage.batch_sise")
}

func TestLoadConfigValidates(t *testing.T) {
	path := writeConfig(t, `
[healer]
filter_false_positive = 1.5
`)
	_, err := LoadConfig(path)
	require.ErrorIs(t, err, ErrConfigRange)

	path = writeConfig(t, `
[coordinator]
block_header_limit = 0
`)
	_, err = LoadConfig(path)
	require.ErrorIs(t, err, ErrConfigZero)
}

func TestLoadConfigBadDuration(t *testing.T) {
	path := writeConfig(t, `
[pivot]
retry_delay = "soon"
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestDurationText(t *testing.T) {
	d := D(1500 * time.Millisecond)
	text, err := d.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "1.5s", string(text))

	var back Duration
	require.NoError(t, back.UnmarshalText(text))
	require.Equal(t, d, back)
}

func TestConfigLogLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "loud"
	require.ErrorIs(t, cfg.Validate(), ErrConfigRange)

	cfg.LogLevel = "warn"
	require.NoError(t, cfg.Validate())
	var buf bytes.Buffer
	logger, err := cfg.NewLogger(&buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "shown")
}

func TestConfigChunkDivisorOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Accounts.MaxChunkDivisor = cfg.Accounts.ChunkCount + 1
	require.ErrorIs(t, cfg.Validate(), ErrConfigZero)

	cfg = DefaultConfig()
	cfg.Accounts.MinChunkDivisor = cfg.Accounts.ChunkCount - 1
	require.ErrorIs(t, cfg.Validate(), ErrConfigZero)

	cfg = DefaultConfig()
	cfg.Accounts.ChunkCount, cfg.Accounts.MinChunkDivisor, cfg.Accounts.MaxChunkDivisor = 1, 1, 1
	require.NoError(t, cfg.Validate())
}
