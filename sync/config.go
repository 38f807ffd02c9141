package sync

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"

	"github.com/eth2030/statesync/log"
)

// Config validation errors.
var (
	ErrConfigZero      = errors.New("config: value must be positive")
	ErrConfigRange     = errors.New("config: value out of range")
	ErrConfigUndecoded = errors.New("config: unknown keys")
)

// Duration is a time.Duration that reads from TOML strings such as "5s".
type Duration struct {
	time.Duration
}

// D wraps a time.Duration.
func D(d time.Duration) Duration { return Duration{d} }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// PivotConfig tunes pivot staleness and pivot updates.
type PivotConfig struct {
	SnapLimit              uint64   `toml:"snap_limit"`
	SecondsPerBlock        Duration `toml:"seconds_per_block"`
	MissingSlotsPercentage float64  `toml:"missing_slots_percentage"`
	RetryDelay             Duration `toml:"retry_delay"`
}

// DefaultPivotConfig returns mainnet defaults: a 128 block window of 12s
// slots.
func DefaultPivotConfig() PivotConfig {
	return PivotConfig{
		SnapLimit:              128,
		SecondsPerBlock:        D(12 * time.Second),
		MissingSlotsPercentage: 0.8,
		RetryDelay:             D(time.Second),
	}
}

// CoordinatorConfig tunes the header download coordinator.
type CoordinatorConfig struct {
	BlockHeaderLimit uint64   `toml:"block_header_limit"`
	RefreshInterval  Duration `toml:"refresh_interval"`
	AssignInterval   Duration `toml:"assign_interval"`
	InboxSize        int      `toml:"inbox_size"`
	PeerCooldown     Duration `toml:"peer_cooldown"`
	PeerCooldownMax  Duration `toml:"peer_cooldown_max"`

	// ChainID selects the built-in checkpoints; Checkpoints adds more. A
	// chain without built-ins only checks the configured ones.
	ChainID     uint64       `toml:"chain_id"`
	Checkpoints []Checkpoint `toml:"checkpoints"`
}

// DefaultCoordinatorConfig returns sensible defaults.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		BlockHeaderLimit: 1024,
		RefreshInterval:  D(5 * time.Second),
		AssignInterval:   D(time.Second),
		InboxSize:        64,
		PeerCooldown:     D(time.Second),
		PeerCooldownMax:  D(30 * time.Second),
		ChainID:          params.MainnetChainConfig.ChainID.Uint64(),
	}
}

// AccountFetcherConfig tunes the account range fetcher.
type AccountFetcherConfig struct {
	BucketChannelCapacity int      `toml:"bucket_channel_capacity"`
	MaxRetriesPerRange    uint64   `toml:"max_retries_per_range"`
	RetryInitial          Duration `toml:"retry_initial"`
	RetryMax              Duration `toml:"retry_max"`
	StorageChannelBatch   int      `toml:"storage_channel_batch"`

	// Account requests cover space/divisor hashes. The divisor starts at
	// ChunkCount and moves with throughput measured against
	// BaselineThroughput (accounts per millisecond), staying between
	// MaxChunkDivisor (widest chunks) and MinChunkDivisor (narrowest).
	ChunkCount         uint64  `toml:"chunk_count"`
	MinChunkDivisor    uint64  `toml:"min_chunk_divisor"`
	MaxChunkDivisor    uint64  `toml:"max_chunk_divisor"`
	BaselineThroughput float64 `toml:"baseline_throughput"`
}

// DefaultAccountFetcherConfig returns sensible defaults.
func DefaultAccountFetcherConfig() AccountFetcherConfig {
	return AccountFetcherConfig{
		BucketChannelCapacity: 1000,
		MaxRetriesPerRange:    10,
		RetryInitial:          D(100 * time.Millisecond),
		RetryMax:              D(10 * time.Second),
		StorageChannelBatch:   300,
		ChunkCount:            800,
		MinChunkDivisor:       100_000,
		MaxChunkDivisor:       100,
		BaselineThroughput:    1.0,
	}
}

// StorageFetcherConfig tunes the storage, large storage and bytecode
// fetchers.
type StorageFetcherConfig struct {
	MaxChannelReads    int `toml:"max_channel_reads"`
	BatchSize          int `toml:"batch_size"`
	MaxParallelFetches int `toml:"max_parallel_fetches"`
	ChannelCapacity    int `toml:"channel_capacity"`
	BytecodeBatchSize  int `toml:"bytecode_batch_size"`
}

// DefaultStorageFetcherConfig returns sensible defaults.
func DefaultStorageFetcherConfig() StorageFetcherConfig {
	return StorageFetcherConfig{
		MaxChannelReads:    200,
		BatchSize:          300,
		MaxParallelFetches: 10,
		ChannelCapacity:    1000,
		BytecodeBatchSize:  50,
	}
}

// HealerConfig tunes the trie healer.
type HealerConfig struct {
	NodeBatchSize       int     `toml:"node_batch_size"`
	MaxInFlightRequests int     `toml:"max_in_flight_requests"`
	CacheSize           int     `toml:"cache_size"`
	FilterCapacity      uint64  `toml:"filter_capacity"`
	FilterFalsePositive float64 `toml:"filter_false_positive"`
}

// DefaultHealerConfig returns sensible defaults.
func DefaultHealerConfig() HealerConfig {
	return HealerConfig{
		NodeBatchSize:       128,
		MaxInFlightRequests: 16,
		CacheSize:           100_000,
		FilterCapacity:      10_000_000,
		FilterFalsePositive: 0.01,
	}
}

// FullSyncConfig tunes the full sync pipeline.
type FullSyncConfig struct {
	ExecuteBatchSize       uint64   `toml:"execute_batch_size"`
	PrefetchBatches        int      `toml:"prefetch_batches"`
	BodyInflight           int      `toml:"body_inflight"`
	MaxHeaderFetchAttempts uint64   `toml:"max_header_fetch_attempts"`
	HeaderRetryMax         Duration `toml:"header_retry_max"`
}

// DefaultFullSyncConfig returns sensible defaults.
func DefaultFullSyncConfig() FullSyncConfig {
	return FullSyncConfig{
		ExecuteBatchSize:       1024,
		PrefetchBatches:        2,
		BodyInflight:           4,
		MaxHeaderFetchAttempts: 100,
		HeaderRetryMax:         D(5 * time.Second),
	}
}

// Config aggregates every tunable of the sync engine. Each component reads
// its own section.
type Config struct {
	LogLevel    string               `toml:"log_level"`
	Pivot       PivotConfig          `toml:"pivot"`
	Coordinator CoordinatorConfig    `toml:"coordinator"`
	Accounts    AccountFetcherConfig `toml:"accounts"`
	Storage     StorageFetcherConfig `toml:"storage"`
	Healer      HealerConfig         `toml:"healer"`
	FullSync    FullSyncConfig       `toml:"fullsync"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:    "info",
		Pivot:       DefaultPivotConfig(),
		Coordinator: DefaultCoordinatorConfig(),
		Accounts:    DefaultAccountFetcherConfig(),
		Storage:     DefaultStorageFetcherConfig(),
		Healer:      DefaultHealerConfig(),
		FullSync:    DefaultFullSyncConfig(),
	}
}

// LoadConfig reads a TOML file over the defaults. Keys the file sets that no
// field takes are rejected, so typos do not silently fall back to defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%w: %s", ErrConfigUndecoded, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	positive := []struct {
		name string
		ok   bool
	}{
		{"pivot.snap_limit", c.Pivot.SnapLimit > 0},
		{"pivot.seconds_per_block", c.Pivot.SecondsPerBlock.Duration > 0},
		{"coordinator.block_header_limit", c.Coordinator.BlockHeaderLimit > 0},
		{"coordinator.refresh_interval", c.Coordinator.RefreshInterval.Duration > 0},
		{"coordinator.assign_interval", c.Coordinator.AssignInterval.Duration > 0},
		{"coordinator.peer_cooldown", c.Coordinator.PeerCooldown.Duration > 0},
		{"coordinator.peer_cooldown_max", c.Coordinator.PeerCooldownMax.Duration >= c.Coordinator.PeerCooldown.Duration},
		{"accounts.bucket_channel_capacity", c.Accounts.BucketChannelCapacity > 0},
		{"accounts.max_retries_per_range", c.Accounts.MaxRetriesPerRange > 0},
		{"accounts.retry_initial", c.Accounts.RetryInitial.Duration > 0},
		{"accounts.chunk_count", c.Accounts.ChunkCount > 0},
		{"accounts.max_chunk_divisor", c.Accounts.MaxChunkDivisor > 0 && c.Accounts.MaxChunkDivisor <= c.Accounts.ChunkCount},
		{"accounts.min_chunk_divisor", c.Accounts.MinChunkDivisor >= c.Accounts.ChunkCount},
		{"accounts.baseline_throughput", c.Accounts.BaselineThroughput > 0},
		{"storage.max_channel_reads", c.Storage.MaxChannelReads > 0},
		{"storage.batch_size", c.Storage.BatchSize > 0},
		{"storage.max_parallel_fetches", c.Storage.MaxParallelFetches > 0},
		{"storage.bytecode_batch_size", c.Storage.BytecodeBatchSize > 0},
		{"healer.node_batch_size", c.Healer.NodeBatchSize > 0},
		{"healer.max_in_flight_requests", c.Healer.MaxInFlightRequests > 0},
		{"healer.cache_size", c.Healer.CacheSize > 0},
		{"healer.filter_capacity", c.Healer.FilterCapacity > 0},
		{"fullsync.execute_batch_size", c.FullSync.ExecuteBatchSize > 0},
		{"fullsync.prefetch_batches", c.FullSync.PrefetchBatches > 0},
		{"fullsync.body_inflight", c.FullSync.BodyInflight > 0},
		{"fullsync.max_header_fetch_attempts", c.FullSync.MaxHeaderFetchAttempts > 0},
	}
	for _, p := range positive {
		if !p.ok {
			return fmt.Errorf("%w: %s", ErrConfigZero, p.name)
		}
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level: %v", ErrConfigRange, err)
	}
	if p := c.Pivot.MissingSlotsPercentage; p <= 0 || p > 1 {
		return fmt.Errorf("%w: pivot.missing_slots_percentage %v not in (0, 1]", ErrConfigRange, p)
	}
	if p := c.Healer.FilterFalsePositive; p <= 0 || p >= 1 {
		return fmt.Errorf("%w: healer.filter_false_positive %v not in (0, 1)", ErrConfigRange, p)
	}
	for _, cp := range c.Coordinator.Checkpoints {
		if cp.Hash == (common.Hash{}) {
			return fmt.Errorf("%w: coordinator.checkpoints: block %d has no hash", ErrConfigRange, cp.Number)
		}
	}
	if _, err := NewCheckpoints(c.Coordinator.ChainID, c.Coordinator.Checkpoints); err != nil {
		return fmt.Errorf("coordinator.checkpoints: %w", err)
	}
	if c.Accounts.RetryMax.Duration < c.Accounts.RetryInitial.Duration {
		return fmt.Errorf("%w: accounts.retry_max below retry_initial", ErrConfigRange)
	}
	return nil
}

// NewLogger returns a JSON logger writing to w at the configured level.
func (c *Config) NewLogger(w io.Writer) (*log.Logger, error) {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	return log.NewJSON(w, level), nil
}
