// pivot.go implements the pivot tracker: the block whose state root the
// snapshot download targets, a generation counter that invalidates work
// started against an older pivot, and the wall-clock staleness deadline
// after which peers stop serving that state.
package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/eth2030/statesync/log"
)

// Pivot is the current sync target.
type Pivot struct {
	Header            *types.Header
	Generation        uint64
	StalenessDeadline time.Time
}

// Root returns the state root of the pivot block.
func (p Pivot) Root() common.Hash {
	if p.Header == nil {
		return common.Hash{}
	}
	return p.Header.Root
}

// Number returns the pivot block number.
func (p Pivot) Number() uint64 {
	if p.Header == nil {
		return 0
	}
	return p.Header.Number.Uint64()
}

// PivotSource resolves a header by number, usually from a peer.
type PivotSource interface {
	RequestHeaderByNumber(ctx context.Context, number uint64) (*types.Header, error)
}

// PivotTracker owns the pivot. Reads are cheap; updates replace the whole
// value and bump the generation.
type PivotTracker struct {
	mu      gosync.RWMutex
	cfg     PivotConfig
	pivot   Pivot
	metrics *Metrics
	log     *log.Logger

	now func() time.Time
}

// NewPivotTracker starts tracking header at generation zero.
func NewPivotTracker(cfg PivotConfig, header *types.Header, m *Metrics, logger *log.Logger) *PivotTracker {
	t := &PivotTracker{
		cfg:     cfg,
		metrics: m,
		log:     logger.Module("pivot"),
		now:     time.Now,
	}
	t.pivot = Pivot{Header: header, StalenessDeadline: t.deadline(header)}
	m.PivotGeneration.Set(0)
	return t
}

func (t *PivotTracker) deadline(h *types.Header) time.Time {
	if h == nil {
		return time.Time{}
	}
	window := time.Duration(t.cfg.SnapLimit) * t.cfg.SecondsPerBlock.Duration
	return time.Unix(int64(h.Time), 0).Add(window)
}

// Current returns the current pivot.
func (t *PivotTracker) Current() Pivot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pivot
}

// Update replaces the pivot and increments the generation. Work tagged with
// any earlier generation becomes invalid.
func (t *PivotTracker) Update(header *types.Header) Pivot {
	t.mu.Lock()
	t.pivot = Pivot{
		Header:            header,
		Generation:        t.pivot.Generation + 1,
		StalenessDeadline: t.deadline(header),
	}
	p := t.pivot
	t.mu.Unlock()

	t.metrics.PivotGeneration.Set(int64(p.Generation))
	t.log.Info("Pivot updated", "number", p.Number(), "generation", p.Generation, "deadline", p.StalenessDeadline)
	return p
}

// IsStale reports whether the pivot deadline lies before now.
func (t *PivotTracker) IsStale(now time.Time) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pivot.StalenessDeadline.Before(now)
}

// Valid reports whether work started at gen may still be accepted.
func (t *PivotTracker) Valid(gen uint64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pivot.Generation == gen
}

// StaleFunc returns the check long running loops poll at iteration
// boundaries. It turns true once the pivot moved past gen or the deadline
// passed.
func (t *PivotTracker) StaleFunc(gen uint64) func() bool {
	return func() bool {
		return !t.Valid(gen) || t.IsStale(t.now())
	}
}

// UpdatePivot estimates how far the chain moved since the pivot was taken,
// fetches the header at the estimate from src and installs it. Missing
// answers are retried until ctx ends.
func (t *PivotTracker) UpdatePivot(ctx context.Context, src PivotSource) (Pivot, error) {
	cur := t.Current()
	if cur.Header == nil {
		return Pivot{}, fmt.Errorf("%w: no current pivot", ErrPivotUnavailable)
	}
	elapsed := t.now().Sub(time.Unix(int64(cur.Header.Time), 0))
	if elapsed < 0 {
		elapsed = 0
	}
	slots := uint64(elapsed / t.cfg.SecondsPerBlock.Duration)
	target := cur.Number() + uint64(float64(slots)*t.cfg.MissingSlotsPercentage)

	t.log.Debug("Pivot is stale", "number", cur.Number(), "timestamp", cur.Header.Time, "target", target)
	for {
		header, err := src.RequestHeaderByNumber(ctx, target)
		if header != nil && err == nil {
			return t.Update(header), nil
		}
		t.log.Debug("No pivot header, retrying", "target", target, "err", err)

		timer := time.NewTimer(t.cfg.RetryDelay.Duration)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Pivot{}, ctx.Err()
		case <-timer.C:
		}
	}
}
