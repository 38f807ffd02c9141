// full_sync.go implements the full sync pipeline: walk headers back from
// the sync head to the canonical chain, then download bodies and execute
// blocks in order while the next batches are being prefetched.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/btree"
	"golang.org/x/sync/errgroup"

	"github.com/eth2030/statesync/log"
	"github.com/eth2030/statesync/metrics"
)

// FullSync executes the blocks between the canonical chain and a sync head.
type FullSync struct {
	cfg     FullSyncConfig
	peer    ChainPeer
	store   Store
	chain   Chain
	metrics *Metrics
	log     *log.Logger
}

// NewFullSync creates a full sync pipeline.
func NewFullSync(cfg FullSyncConfig, peer ChainPeer, store Store, chain Chain, m *Metrics, logger *log.Logger) *FullSync {
	return &FullSync{
		cfg:     cfg,
		peer:    peer,
		store:   store,
		chain:   chain,
		metrics: m,
		log:     logger.Module("fullsync"),
	}
}

// headerWalk is the outcome of walking headers back from the sync head.
type headerWalk struct {
	start, end uint64          // block numbers [start, end) to execute
	headers    []*types.Header // ascending, set when one request covered the walk
}

func (w *headerWalk) single() bool { return w.headers != nil }

type blockBatch struct {
	start  uint64
	blocks []*types.Block
	final  bool
}

// Run syncs up to head.
func (s *FullSync) Run(ctx context.Context, head common.Hash) error {
	pending, head, err := s.pendingBlocks(head)
	if err != nil {
		return err
	}
	walk, err := s.walkHeaders(ctx, head)
	if err != nil {
		return err
	}
	if walk.start < walk.end {
		s.log.Info("Full sync started", "from", walk.start, "to", walk.end-1, "pending", len(pending))
		if err := s.executeRange(ctx, walk); err != nil {
			return err
		}
	}
	if len(pending) > 0 {
		if err := s.addBlocks(ctx, pending, true); err != nil {
			return err
		}
	}
	if err := s.store.ClearFullSyncHeaders(); err != nil {
		return fmt.Errorf("clear full sync headers: %w", err)
	}
	return nil
}

// pendingBlocks collects the non-canonical blocks received ahead of sync
// and returns them oldest first, along with the hash to sync headers to.
func (s *FullSync) pendingBlocks(head common.Hash) ([]*types.Block, common.Hash, error) {
	var pending []*types.Block
	for {
		block, err := s.store.PendingBlock(head)
		if err != nil {
			return nil, head, fmt.Errorf("%w: pending block %s: %v", ErrCorruptDB, head, err)
		}
		if block == nil {
			break
		}
		canon, err := s.store.IsCanonical(block.Hash())
		if err != nil {
			return nil, head, fmt.Errorf("%w: %v", ErrCorruptDB, err)
		}
		if canon {
			break
		}
		pending = append(pending, block)
		head = block.ParentHash()
	}
	for i, j := 0, len(pending)-1; i < j; i, j = i+1, j-1 {
		pending[i], pending[j] = pending[j], pending[i]
	}
	return pending, head, nil
}

func (s *FullSync) headerBackoff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Millisecond
	bo.Multiplier = 1.1
	bo.RandomizationFactor = 0
	bo.MaxInterval = s.cfg.HeaderRetryMax.Duration
	bo.MaxElapsedTime = 0
	bo.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(bo, s.cfg.MaxHeaderFetchAttempts-1), ctx)
}

// walkHeaders requests headers new to old from head until it reaches a
// canonical block or genesis. Every request but a lone one is persisted to
// the scratch area by number.
func (s *FullSync) walkHeaders(ctx context.Context, head common.Hash) (*headerWalk, error) {
	var (
		walk    headerWalk
		batches int
		cursor  = head
	)
	for {
		var headers []*types.Header
		op := func() error {
			var err error
			headers, err = s.peer.RequestBlockHeadersFromHash(ctx, cursor, NewToOld)
			if err != nil {
				return err
			}
			if len(headers) == 0 {
				return ErrNoBlocks
			}
			return nil
		}
		notify := func(err error, wait time.Duration) {
			s.log.Debug("Header request failed", "hash", cursor, "wait", wait, "err", err)
		}
		if err := backoff.RetryNotify(op, s.headerBackoff(ctx), notify); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: from %s: %v", ErrHeaderFetchExhausted, cursor, err)
		}
		first, last := headers[0], headers[len(headers)-1]
		if batches == 0 {
			walk.end = first.Number.Uint64() + 1
		}
		cursor = last.ParentHash
		done := cursor == (common.Hash{})
		if !done {
			canon, err := s.store.IsCanonical(cursor)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCorruptDB, err)
			}
			done = canon
		}
		if done {
			// The batch may reach into the canonical chain; drop that part.
			cut, err := s.firstCanonical(headers)
			if err != nil {
				return nil, err
			}
			headers = headers[:cut]
		}
		switch {
		case len(headers) > 0:
			walk.start = headers[len(headers)-1].Number.Uint64()
		default:
			walk.start = first.Number.Uint64() + 1
		}
		if done && batches == 0 {
			walk.headers = make([]*types.Header, len(headers))
			for i, h := range headers {
				walk.headers[len(headers)-1-i] = h
			}
			break
		}
		if len(headers) > 0 {
			if err := s.store.AddFullSyncBatch(headers); err != nil {
				return nil, fmt.Errorf("store full sync headers: %w", err)
			}
		}
		batches++
		if done {
			break
		}
	}
	walk.start = max(walk.start, 1)
	if walk.start > walk.end {
		walk.start = walk.end
	}
	if walk.single() && len(walk.headers) > 0 && walk.headers[0].Number.Uint64() == 0 {
		walk.headers = walk.headers[1:]
	}
	return &walk, nil
}

// firstCanonical returns the index of the first canonical header in a new
// to old batch, or len(headers).
func (s *FullSync) firstCanonical(headers []*types.Header) (int, error) {
	for i, h := range headers {
		canon, err := s.store.IsCanonical(h.Hash())
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrCorruptDB, err)
		}
		if canon {
			return i, nil
		}
	}
	return len(headers), nil
}

// executeRange downloads and executes [walk.start, walk.end). A producer
// fetches bodies ahead of execution; the consumer executes batches strictly
// in block order.
func (s *FullSync) executeRange(ctx context.Context, walk *headerWalk) error {
	batches := make(chan blockBatch, s.cfg.PrefetchBatches)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Closed only on success: after a failure the consumer ends on the
		// cancelled context and the producer's error is the one reported.
		if err := s.produce(gctx, walk, batches); err != nil {
			return err
		}
		close(batches)
		return nil
	})
	g.Go(func() error {
		return s.consume(gctx, walk, batches)
	})
	return g.Wait()
}

func (s *FullSync) produce(ctx context.Context, walk *headerWalk, out chan<- blockBatch) error {
	size := s.cfg.ExecuteBatchSize
	for start := walk.start; start < walk.end; start += size {
		limit := min(size, walk.end-start)
		headers, err := s.batchHeaders(walk, start, limit)
		if err != nil {
			return err
		}
		blocks, err := s.fetchBlocks(ctx, headers)
		if err != nil {
			return err
		}
		batch := blockBatch{start: start, blocks: blocks, final: start+limit >= walk.end}
		s.metrics.PrefetchQueueDepth.Inc()
		if err := send(ctx, out, batch); err != nil {
			return err
		}
	}
	return nil
}

func (s *FullSync) batchHeaders(walk *headerWalk, start, limit uint64) ([]*types.Header, error) {
	if walk.single() {
		if len(walk.headers) == 0 {
			return nil, fmt.Errorf("%w: no headers for %d", ErrNoBlocks, start)
		}
		base := walk.headers[0].Number.Uint64()
		if start < base || start-base+limit > uint64(len(walk.headers)) {
			return nil, fmt.Errorf("%w: headers %d+%d outside walk", ErrInvariant, start, limit)
		}
		return walk.headers[start-base : start-base+limit], nil
	}
	headers, err := s.store.ReadFullSyncBatch(start, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptDB, err)
	}
	for i, h := range headers {
		if h == nil {
			return nil, fmt.Errorf("%w: header %d", ErrMissingFullSyncBatch, start+uint64(i))
		}
	}
	return headers, nil
}

// fetchBlocks downloads bodies until every header has one.
func (s *FullSync) fetchBlocks(ctx context.Context, headers []*types.Header) ([]*types.Block, error) {
	blocks := make([]*types.Block, 0, len(headers))
	for len(blocks) < len(headers) {
		rest := headers[len(blocks):]
		bodies, err := s.peer.RequestBlockBodiesParallel(ctx, rest, s.cfg.BodyInflight)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil || len(bodies) == 0 {
			return nil, fmt.Errorf("%w: from %d: %v", ErrBodiesNotFound, rest[0].Number, err)
		}
		for i, body := range bodies {
			if i >= len(rest) || body == nil {
				break
			}
			blocks = append(blocks, types.NewBlockWithHeader(rest[i]).WithBody(*body))
		}
	}
	return blocks, nil
}

func (s *FullSync) consume(ctx context.Context, walk *headerWalk, in <-chan blockBatch) error {
	buffer := btree.NewG[blockBatch](2, func(a, b blockBatch) bool { return a.start < b.start })
	next := walk.start
	for next < walk.end {
		select {
		case batch, ok := <-in:
			if !ok {
				if head, found := buffer.Min(); !found || head.start != next {
					return fmt.Errorf("%w: batch %d never arrived", ErrInvariant, next)
				}
				in = nil
				break
			}
			s.metrics.PrefetchQueueDepth.Dec()
			buffer.ReplaceOrInsert(batch)
		case <-ctx.Done():
			return ctx.Err()
		}
		for buffer.Len() > 0 {
			batch, _ := buffer.Min()
			if batch.start != next {
				break
			}
			buffer.DeleteMin()
			if err := s.addBlocks(ctx, batch.blocks, batch.final); err != nil {
				return err
			}
			next += uint64(len(batch.blocks))
		}
	}
	return nil
}

// addBlocks executes blocks and moves the head to the last one. The final
// batch runs block by block; the rest run as one unit. When execution
// reports an invalid block, that block and every later one in the batch are
// marked with the last valid ancestor.
func (s *FullSync) addBlocks(ctx context.Context, blocks []*types.Block, final bool) error {
	if len(blocks) == 0 {
		return nil
	}
	timer := metrics.NewTimer(s.metrics.BatchExecTime)
	var err error
	if final {
		lastValid := blocks[0].ParentHash()
		for _, block := range blocks {
			if perr := s.chain.AddBlockPipeline(block); perr != nil {
				err = &BatchFailure{LastValidHash: lastValid, FailedBlockHash: block.Hash(), Err: perr}
				break
			}
			lastValid = block.Hash()
		}
	} else {
		err = s.chain.AddBlocksInBatch(ctx, blocks)
	}
	elapsed := timer.Stop()

	first, last := blocks[0].NumberU64(), blocks[len(blocks)-1].NumberU64()
	if err != nil {
		var failure *BatchFailure
		if errors.As(err, &failure) && errors.Is(failure.Err, ErrInvalidBlock) {
			if merr := s.markInvalid(blocks, failure); merr != nil {
				return merr
			}
		}
		return fmt.Errorf("execute blocks %d-%d: %w", first, last, err)
	}
	headers := make([]*types.Header, len(blocks))
	for i, b := range blocks {
		headers[i] = b.Header()
	}
	if err := s.store.ForkchoiceUpdate(headers); err != nil {
		return fmt.Errorf("forkchoice update to %d: %w", last, err)
	}
	s.metrics.BlocksExecuted.Add(int64(len(blocks)))
	s.log.Info("Executed blocks", "from", first, "to", last, "elapsed", elapsed)
	return nil
}

func (s *FullSync) markInvalid(blocks []*types.Block, failure *BatchFailure) error {
	marking := false
	for _, block := range blocks {
		if block.Hash() == failure.FailedBlockHash {
			marking = true
		}
		if !marking {
			continue
		}
		if err := s.store.SetLatestValidAncestor(block.Hash(), failure.LastValidHash); err != nil {
			return fmt.Errorf("mark invalid block %s: %w", block.Hash(), err)
		}
	}
	return nil
}
