package sync

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/eth2030/statesync/log"
	"github.com/eth2030/statesync/trie"
)

// LargeStorageTask hands a storage trie too big for one response to the
// large-storage fetcher. ResumeKey is the last key already persisted; the
// next request starts there, inclusive.
type LargeStorageTask struct {
	Account   common.Hash
	Root      common.Hash
	ResumeKey common.Hash
}

// StorageFetcher downloads storage ranges for batches of accounts.
type StorageFetcher struct {
	cfg     StorageFetcherConfig
	peer    SnapPeer
	store   Store
	metrics *Metrics
	log     *log.Logger
	large   *LargeStorageFetcher
}

// NewStorageFetcher creates a storage fetcher together with the large-storage
// fetcher it delegates oversized tries to.
func NewStorageFetcher(cfg StorageFetcherConfig, peer SnapPeer, store Store, m *Metrics, logger *log.Logger) *StorageFetcher {
	return &StorageFetcher{
		cfg:     cfg,
		peer:    peer,
		store:   store,
		metrics: m,
		log:     logger.Module("snap/storage"),
		large:   NewLargeStorageFetcher(cfg, peer, store, m, logger),
	}
}

type storageBatchResult struct {
	remaining []StorageTask
	stale     bool
}

// Run consumes storage tasks from in until an empty batch arrives or in is
// closed. Fully downloaded accounts are sent on rebuild; whatever is left
// when the pivot goes stale is sent on heal as bare account hashes. Run
// returns once the large-storage fetcher has finished as well. The returned
// flag reports whether the pivot went stale.
func (f *StorageFetcher) Run(ctx context.Context, root common.Hash, stale func() bool, in <-chan []StorageTask, rebuild chan<- []StorageTask, heal chan<- []common.Hash) (bool, error) {
	largeIn := make(chan []LargeStorageTask, f.cfg.ChannelCapacity)

	g, gctx := errgroup.WithContext(ctx)
	var largeStale bool
	g.Go(func() error {
		var err error
		largeStale, err = f.large.Run(gctx, root, stale, largeIn, rebuild, heal)
		return err
	})
	isStale, err := f.run(gctx, root, stale, in, largeIn, rebuild, heal)
	if err == nil {
		err = send(gctx, largeIn, []LargeStorageTask{})
	}
	if werr := g.Wait(); err == nil {
		err = werr
	}
	return isStale || largeStale, err
}

func (f *StorageFetcher) run(ctx context.Context, root common.Hash, stale func() bool, in <-chan []StorageTask, large chan<- []LargeStorageTask, rebuild chan<- []StorageTask, heal chan<- []common.Hash) (bool, error) {
	var (
		pending   []StorageTask
		isStale   bool
		inputDone bool
	)
	receive := func(msgs []StorageTask, ok bool) {
		if !ok || len(msgs) == 0 {
			inputDone = true
			return
		}
		pending = append(pending, msgs...)
	}
	for !inputDone {
		select {
		case msgs, ok := <-in:
			receive(msgs, ok)
		case <-ctx.Done():
			return isStale, ctx.Err()
		}
	drain:
		for i := 0; i < f.cfg.MaxChannelReads && !inputDone; i++ {
			select {
			case msgs, ok := <-in:
				receive(msgs, ok)
			default:
				break drain
			}
		}
		if !isStale && stale() {
			isStale = true
		}
		for !isStale && len(pending) > 0 && (len(pending) >= f.cfg.BatchSize || inputDone) {
			var err error
			pending, isStale, err = f.round(ctx, root, pending, large, rebuild)
			if err != nil {
				return isStale, err
			}
			if !isStale && stale() {
				isStale = true
			}
		}
	}
	if len(pending) > 0 {
		f.log.Info("Storage fetch incomplete, handing accounts to healer", "accounts", len(pending))
		leftovers := make([]common.Hash, len(pending))
		for i, task := range pending {
			leftovers[i] = task.Account
		}
		if err := send(ctx, heal, leftovers); err != nil {
			return isStale, err
		}
	}
	return isStale, nil
}

// round fetches up to MaxParallelFetches batches concurrently and returns the
// queue with the unfinished tasks put back.
func (f *StorageFetcher) round(ctx context.Context, root common.Hash, pending []StorageTask, large chan<- []LargeStorageTask, rebuild chan<- []StorageTask) ([]StorageTask, bool, error) {
	var batches [][]StorageTask
	for len(pending) > 0 && len(batches) < f.cfg.MaxParallelFetches {
		n := min(f.cfg.BatchSize, len(pending))
		batches = append(batches, pending[:n:n])
		pending = pending[n:]
	}
	results := make([]storageBatchResult, len(batches))

	g, gctx := errgroup.WithContext(ctx)
	for i, batch := range batches {
		g.Go(func() error {
			res, err := f.fetchBatch(gctx, root, batch, large, rebuild)
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return pending, false, err
	}
	isStale := false
	rest := make([]StorageTask, 0, len(pending))
	for _, res := range results {
		rest = append(rest, res.remaining...)
		isStale = isStale || res.stale
	}
	return append(rest, pending...), isStale, nil
}

// fetchBatch requests the storage of one batch. Any answer that cannot be
// used puts the whole batch back and reports the pivot as stale.
func (f *StorageFetcher) fetchBatch(ctx context.Context, root common.Hash, batch []StorageTask, large chan<- []LargeStorageTask, rebuild chan<- []StorageTask) (storageBatchResult, error) {
	roots := make([]common.Hash, len(batch))
	accounts := make([]common.Hash, len(batch))
	for i, task := range batch {
		roots[i], accounts[i] = task.Root, task.Account
	}
	resp, err := f.peer.RequestStorageRanges(ctx, root, roots, accounts, common.Hash{})
	if ctx.Err() != nil {
		return storageBatchResult{remaining: batch}, ctx.Err()
	}
	if err != nil || resp == nil || len(resp.Keys) == 0 {
		f.log.Debug("Storage request unanswered", "accounts", len(batch), "err", err)
		return storageBatchResult{remaining: batch, stale: true}, nil
	}
	incomplete, err := verifyStorageRanges(batch, resp)
	if err != nil {
		f.log.Debug("Storage ranges rejected", "accounts", len(batch), "err", err)
		return storageBatchResult{remaining: batch, stale: true}, nil
	}

	n := len(resp.Keys)
	switch {
	case incomplete && n == 1:
		// The first account alone filled the response.
		task := batch[0]
		keys := resp.Keys[0]
		if err := f.persist(task.Account, keys, resp.Values[0]); err != nil {
			return storageBatchResult{remaining: batch}, err
		}
		lt := LargeStorageTask{Account: task.Account, Root: task.Root, ResumeKey: keys[len(keys)-1]}
		f.log.Debug("Delegating large storage trie", "account", task.Account, "resume", lt.ResumeKey)
		if err := send(ctx, large, []LargeStorageTask{lt}); err != nil {
			return storageBatchResult{remaining: batch}, err
		}
		return storageBatchResult{remaining: batch[1:]}, nil
	case incomplete:
		n--
	}
	for i := 0; i < n; i++ {
		if err := f.persist(batch[i].Account, resp.Keys[i], resp.Values[i]); err != nil {
			return storageBatchResult{remaining: batch}, err
		}
	}
	if err := send(ctx, rebuild, append([]StorageTask(nil), batch[:n]...)); err != nil {
		return storageBatchResult{remaining: batch[n:]}, err
	}
	return storageBatchResult{remaining: batch[n:]}, nil
}

func (f *StorageFetcher) persist(account common.Hash, keys []common.Hash, values [][]byte) error {
	if err := f.store.WriteStorage(account, keys, values); err != nil {
		return fmt.Errorf("write storage of %s: %w", account, err)
	}
	f.metrics.StorageSlotsDownloaded.Add(int64(len(keys)))
	return nil
}

// verifyStorageRanges checks every returned range against its account's
// storage root. Ranges before the last must be whole tries; the last is
// checked against the proof and reported as incomplete when more slots
// follow it.
func verifyStorageRanges(batch []StorageTask, resp *StorageRanges) (bool, error) {
	n := len(resp.Keys)
	if n != len(resp.Values) || n > len(batch) {
		return false, fmt.Errorf("%w: %d key sets, %d value sets, %d accounts", trie.ErrRangeMismatch, n, len(resp.Values), len(batch))
	}
	for i := 0; i < n-1; i++ {
		more, err := trie.VerifyRange(batch[i].Root, common.Hash{}, resp.Keys[i], resp.Values[i], nil)
		if err != nil {
			return false, fmt.Errorf("range %d: %w", i, err)
		}
		if more {
			return false, fmt.Errorf("%w: range %d incomplete", trie.ErrRangeProof, i)
		}
	}
	last := n - 1
	more, err := trie.VerifyRange(batch[last].Root, common.Hash{}, resp.Keys[last], resp.Values[last], resp.Proof)
	if err != nil {
		return false, fmt.Errorf("range %d: %w", last, err)
	}
	if more && len(resp.Keys[last]) == 0 {
		return false, fmt.Errorf("%w: empty incomplete range", trie.ErrRangeProof)
	}
	return more, nil
}

// send delivers v on ch unless ctx ends first.
func send[T any](ctx context.Context, ch chan<- T, v T) error {
	select {
	case ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
