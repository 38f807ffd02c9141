package sync

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/eth2030/statesync/log"
	"github.com/eth2030/statesync/trie"
)

// LargeStorageFetcher downloads single storage tries that do not fit in one
// response, continuing from the last persisted key of each.
type LargeStorageFetcher struct {
	cfg     StorageFetcherConfig
	peer    SnapPeer
	store   Store
	metrics *Metrics
	log     *log.Logger
}

// NewLargeStorageFetcher creates a large-storage fetcher.
func NewLargeStorageFetcher(cfg StorageFetcherConfig, peer SnapPeer, store Store, m *Metrics, logger *log.Logger) *LargeStorageFetcher {
	return &LargeStorageFetcher{
		cfg:     cfg,
		peer:    peer,
		store:   store,
		metrics: m,
		log:     logger.Module("snap/largestorage"),
	}
}

type largeTaskResult struct {
	next  *LargeStorageTask
	stale bool
}

// Run consumes tasks from in until an empty batch arrives or in is closed.
// Finished tries go to rebuild. Tries still unfinished at the end go both to
// heal and, marked with IncompleteStorageRoot, to rebuild so the partial
// trie gets built without being validated.
func (f *LargeStorageFetcher) Run(ctx context.Context, root common.Hash, stale func() bool, in <-chan []LargeStorageTask, rebuild chan<- []StorageTask, heal chan<- []common.Hash) (bool, error) {
	var (
		pending   []LargeStorageTask
		isStale   bool
		inputDone bool
	)
	receive := func(msgs []LargeStorageTask, ok bool) {
		if !ok || len(msgs) == 0 {
			inputDone = true
			return
		}
		pending = append(pending, msgs...)
	}
	for {
		if !inputDone {
			if len(pending) == 0 || isStale {
				select {
				case msgs, ok := <-in:
					receive(msgs, ok)
				case <-ctx.Done():
					return isStale, ctx.Err()
				}
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
		}
		if !isStale && stale() {
			isStale = true
		}
		if !isStale && len(pending) > 0 {
			var err error
			pending, isStale, err = f.round(ctx, root, pending, rebuild)
			if err != nil {
				return isStale, err
			}
		}
		if inputDone && (isStale || len(pending) == 0) {
			break
		}
	}
	if len(pending) == 0 {
		return isStale, nil
	}

	f.log.Info("Large storage fetch incomplete", "accounts", len(pending))
	leftovers := make([]common.Hash, len(pending))
	partial := make([]StorageTask, len(pending))
	for i, task := range pending {
		leftovers[i] = task.Account
		partial[i] = StorageTask{Account: task.Account, Root: IncompleteStorageRoot}
	}
	if err := send(ctx, heal, leftovers); err != nil {
		return isStale, err
	}
	return isStale, send(ctx, rebuild, partial)
}

func (f *LargeStorageFetcher) round(ctx context.Context, root common.Hash, pending []LargeStorageTask, rebuild chan<- []StorageTask) ([]LargeStorageTask, bool, error) {
	n := min(f.cfg.MaxParallelFetches, len(pending))
	tasks, rest := pending[:n:n], pending[n:]
	results := make([]largeTaskResult, n)

	g, gctx := errgroup.WithContext(ctx)
	for i, task := range tasks {
		g.Go(func() error {
			res, err := f.fetch(gctx, root, task, rebuild)
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return pending, false, err
	}
	isStale := false
	next := make([]LargeStorageTask, 0, len(pending))
	for _, res := range results {
		if res.next != nil {
			next = append(next, *res.next)
		}
		isStale = isStale || res.stale
	}
	return append(next, rest...), isStale, nil
}

// fetch continues one trie from its resume key.
func (f *LargeStorageFetcher) fetch(ctx context.Context, root common.Hash, task LargeStorageTask, rebuild chan<- []StorageTask) (largeTaskResult, error) {
	resp, err := f.peer.RequestStorageRange(ctx, root, task.Root, task.Account, task.ResumeKey)
	if ctx.Err() != nil {
		return largeTaskResult{next: &task}, ctx.Err()
	}
	if err != nil || resp == nil {
		f.log.Debug("Storage range unanswered", "account", task.Account, "err", err)
		return largeTaskResult{next: &task, stale: true}, nil
	}
	more, err := trie.VerifyRange(task.Root, task.ResumeKey, resp.Keys, resp.Values, resp.Proof)
	if err != nil {
		f.log.Debug("Storage range rejected", "account", task.Account, "err", err)
		return largeTaskResult{next: &task, stale: true}, nil
	}
	if more && (len(resp.Keys) == 0 || resp.Keys[len(resp.Keys)-1] == task.ResumeKey) {
		// No progress past the resume key.
		return largeTaskResult{next: &task, stale: true}, nil
	}
	if err := f.store.WriteStorage(task.Account, resp.Keys, resp.Values); err != nil {
		return largeTaskResult{next: &task}, fmt.Errorf("write storage of %s: %w", task.Account, err)
	}
	f.metrics.StorageSlotsDownloaded.Add(int64(len(resp.Keys)))

	if more {
		task.ResumeKey = resp.Keys[len(resp.Keys)-1]
		return largeTaskResult{next: &task}, nil
	}
	f.log.Debug("Large storage trie complete", "account", task.Account)
	return largeTaskResult{}, send(ctx, rebuild, []StorageTask{{Account: task.Account, Root: task.Root}})
}
