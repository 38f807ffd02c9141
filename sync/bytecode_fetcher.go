package sync

import (
	"context"
	"fmt"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"

	"github.com/eth2030/statesync/crypto"
	"github.com/eth2030/statesync/log"
)

// BytecodeFetcher downloads contract code by hash. Hashes are deduplicated
// across the whole sync; a hash is queued at most once.
type BytecodeFetcher struct {
	cfg     StorageFetcherConfig
	peer    SnapPeer
	store   Store
	metrics *Metrics
	log     *log.Logger

	seen    mapset.Set[common.Hash]
	pending mapset.Set[common.Hash]
}

// NewBytecodeFetcher creates a bytecode fetcher.
func NewBytecodeFetcher(cfg StorageFetcherConfig, peer SnapPeer, store Store, m *Metrics, logger *log.Logger) *BytecodeFetcher {
	return &BytecodeFetcher{
		cfg:     cfg,
		peer:    peer,
		store:   store,
		metrics: m,
		log:     logger.Module("snap/bytecode"),
		seen:    mapset.NewSet[common.Hash](),
		pending: mapset.NewSet[common.Hash](),
	}
}

// Add queues code hashes not seen before.
func (f *BytecodeFetcher) Add(hashes ...common.Hash) {
	for _, h := range hashes {
		if f.seen.Add(h) {
			f.pending.Add(h)
		}
	}
}

// Pending returns the number of hashes still to download.
func (f *BytecodeFetcher) Pending() int { return f.pending.Cardinality() }

// Collect queues every hash received on in until an empty batch arrives or
// in is closed.
func (f *BytecodeFetcher) Collect(ctx context.Context, in <-chan []common.Hash) error {
	for {
		select {
		case hashes, ok := <-in:
			if !ok || len(hashes) == 0 {
				return nil
			}
			f.Add(hashes...)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Fetch downloads pending code until the queue is empty, the pivot goes
// stale or a peer answer makes no progress. It reports whether the queue
// was drained.
func (f *BytecodeFetcher) Fetch(ctx context.Context, stale func() bool) (bool, error) {
	for f.pending.Cardinality() > 0 {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if stale() {
			return false, nil
		}
		batch, err := f.nextBatch()
		if err != nil {
			return false, err
		}
		if len(batch) == 0 {
			continue
		}
		codes, err := f.peer.RequestBytecodes(ctx, batch)
		if err != nil || len(codes) == 0 {
			f.log.Debug("Bytecode request unanswered", "hashes", len(batch), "err", err)
			return false, nil
		}
		var (
			hashes []common.Hash
			blobs  [][]byte
		)
		// Peers may skip codes they do not have but keep the request order,
		// so each answer is matched by walking forward over the batch.
		next := 0
		for _, code := range codes {
			hash := crypto.Keccak256Hash(code)
			j := next
			for j < len(batch) && batch[j] != hash {
				j++
			}
			if j == len(batch) {
				f.log.Debug("Unrequested bytecode in response", "hash", hash)
				continue
			}
			hashes = append(hashes, hash)
			blobs = append(blobs, code)
			next = j + 1
		}
		if len(hashes) == 0 {
			return false, nil
		}
		if err := f.store.WriteCodes(hashes, blobs); err != nil {
			return false, fmt.Errorf("write bytecodes: %w", err)
		}
		for _, h := range hashes {
			f.pending.Remove(h)
		}
		f.metrics.BytecodesDownloaded.Add(int64(len(hashes)))
	}
	return true, nil
}

// nextBatch picks up to BytecodeBatchSize pending hashes, dropping those
// already stored.
func (f *BytecodeFetcher) nextBatch() ([]common.Hash, error) {
	batch := f.pending.ToSlice()
	slices.SortFunc(batch, func(a, b common.Hash) int { return a.Cmp(b) })
	if len(batch) > f.cfg.BytecodeBatchSize {
		batch = batch[:f.cfg.BytecodeBatchSize]
	}
	out := batch[:0]
	for _, h := range batch {
		ok, err := f.store.HasCode(h)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptDB, err)
		}
		if ok {
			f.pending.Remove(h)
			continue
		}
		out = append(out, h)
	}
	return out, nil
}
