package sync

import (
	"math"
	gosync "sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/eth2030/statesync/metrics"
)

const (
	// throughputAlpha is the weight of a new sample in the throughput EMA.
	throughputAlpha = 0.3

	// minChunkSamples is the number of answers needed before the chunk size
	// starts to follow throughput.
	minChunkSamples = 3
)

// ChunkSizer sizes account range requests. Each request covers a slice of
// the hash space whose width follows the measured throughput: a fast source
// gets wide chunks, a slow one narrow chunks. Widths stay between
// space/MinChunkDivisor and space/MaxChunkDivisor.
type ChunkSizer struct {
	mu       gosync.Mutex
	cfg      AccountFetcherConfig
	space    *uint256.Int
	min      *uint256.Int
	max      *uint256.Int
	divisor  uint64
	rate     *metrics.EWMA
	observed func(divisor uint64)
}

// NewChunkSizer creates a sizer over the whole account hash space.
func NewChunkSizer(cfg AccountFetcherConfig) *ChunkSizer {
	space := new(uint256.Int).SetAllOne()
	lo := new(uint256.Int).Div(space, uint256.NewInt(max(cfg.MinChunkDivisor, 1)))
	if lo.IsZero() {
		lo.SetOne()
	}
	hi := new(uint256.Int).Div(space, uint256.NewInt(max(cfg.MaxChunkDivisor, 1)))
	if hi.Lt(lo) {
		hi.Set(lo)
	}
	return &ChunkSizer{
		cfg:     cfg,
		space:   space,
		min:     lo,
		max:     hi,
		divisor: max(cfg.ChunkCount, 1),
		rate:    metrics.NewEWMA(throughputAlpha),
	}
}

// Size returns the current chunk width.
func (c *ChunkSizer) Size() *uint256.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sizeLocked()
}

func (c *ChunkSizer) sizeLocked() *uint256.Int {
	size := new(uint256.Int).Div(c.space, uint256.NewInt(c.divisor))
	if size.Lt(c.min) {
		size.Set(c.min)
	}
	if size.Gt(c.max) {
		size.Set(c.max)
	}
	return size
}

// Limit returns the last hash of the chunk starting at origin. It saturates
// at the top of the hash space.
func (c *ChunkSizer) Limit(origin common.Hash) common.Hash {
	size := c.Size()
	v := new(uint256.Int).SetBytes32(origin[:])
	if _, overflow := v.AddOverflow(v, size); overflow {
		return common.MaxHash
	}
	return v.Bytes32()
}

// Record feeds one answer into the throughput estimate.
func (c *ChunkSizer) Record(accounts int, elapsed time.Duration) {
	ms := max(float64(elapsed)/float64(time.Millisecond), 1)
	c.rate.Observe(float64(accounts) / ms)

	c.mu.Lock()
	defer c.mu.Unlock()
	ema, samples := c.rate.Value()
	if samples < minChunkSamples {
		return
	}
	ratio := 1.0
	if c.cfg.BaselineThroughput > 0 {
		ratio = ema / c.cfg.BaselineThroughput
	}
	ratio = math.Min(math.Max(ratio, 0.1), 10)
	divisor := uint64(float64(max(c.cfg.ChunkCount, 1)) / ratio)
	c.divisor = min(max(divisor, max(c.cfg.MaxChunkDivisor, 1)), max(c.cfg.MinChunkDivisor, 1))
	if c.observed != nil {
		c.observed(c.divisor)
	}
}

// Throughput returns the smoothed accounts per millisecond and the number of
// samples behind it.
func (c *ChunkSizer) Throughput() (float64, uint64) {
	return c.rate.Value()
}
