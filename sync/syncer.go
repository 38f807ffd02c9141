package sync

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"github.com/eth2030/statesync/log"
)

// Peer is everything the syncer asks of the network.
type Peer interface {
	HeaderPeer
	ChainPeer
	SnapPeer
}

// Syncer drives sync cycles. A cycle runs snap sync while it is enabled and
// full sync afterwards.
type Syncer struct {
	cfg     *Config
	peer    Peer
	store   Store
	chain   Chain
	metrics *Metrics
	log     *log.Logger

	snapEnabled atomic.Bool
	progress    *ProgressTracker
	healer      *Healer
	bytecodes   *BytecodeFetcher

	now func() time.Time
}

// NewSyncer creates a syncer. snap selects the mode of the first cycle.
func NewSyncer(cfg *Config, peer Peer, store Store, chain Chain, m *Metrics, logger *log.Logger, snap bool) (*Syncer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	healer, err := NewHealer(cfg.Healer, peer, store, m, logger)
	if err != nil {
		return nil, err
	}
	s := &Syncer{
		cfg:       cfg,
		peer:      peer,
		store:     store,
		chain:     chain,
		metrics:   m,
		log:       logger.Module("syncer"),
		progress:  NewProgressTracker(m),
		healer:    healer,
		bytecodes: NewBytecodeFetcher(cfg.Storage, peer, store, m, logger),
		now:       time.Now,
	}
	s.snapEnabled.Store(snap)
	return s, nil
}

// SnapEnabled reports whether the next cycle runs snap sync.
func (s *Syncer) SnapEnabled() bool { return s.snapEnabled.Load() }

// Progress returns a snapshot of the running cycle.
func (s *Syncer) Progress() ProgressInfo { return s.progress.GetProgress() }

// StartSync runs one sync cycle towards head. Recoverable failures are
// logged and swallowed so the host simply triggers another cycle; fatal
// ones are returned.
func (s *Syncer) StartSync(ctx context.Context, head common.Hash) error {
	start := s.now()
	err := s.SyncCycle(ctx, head)
	switch {
	case err == nil:
		s.log.Info("Sync cycle finished", "head", head, "elapsed", s.now().Sub(start))
		return nil
	case IsRecoverable(err):
		s.log.Warn("Sync cycle failed, will retry", "head", head, "err", err)
		return nil
	default:
		s.log.Error("Sync cycle failed", "head", head, "err", err)
		return err
	}
}

// SyncCycle runs one cycle and returns any error.
func (s *Syncer) SyncCycle(ctx context.Context, head common.Hash) error {
	defer s.progress.SetStage(StageIdle)
	if s.snapEnabled.Load() {
		return s.snapCycle(ctx, head)
	}
	return s.fullCycle(ctx, head)
}

func (s *Syncer) fullCycle(ctx context.Context, head common.Hash) error {
	s.progress.Start(false, 0, 0)
	s.progress.SetStage(StageFullSync)
	fs := NewFullSync(s.cfg.FullSync, s.peer, s.store, s.chain, s.metrics, s.log)
	if err := fs.Run(ctx, head); err != nil {
		return err
	}
	s.progress.SetStage(StageComplete)
	return nil
}

func (s *Syncer) snapCycle(ctx context.Context, head common.Hash) error {
	headers, err := s.peer.RequestBlockHeadersFromHash(ctx, head, NewToOld)
	if err != nil || len(headers) == 0 {
		return fmt.Errorf("%w: sync head %s: %v", ErrNoBlocks, head, err)
	}
	tracker := NewPivotTracker(s.cfg.Pivot, headers[0], s.metrics, s.log)
	s.progress.Start(true, 0, headers[0].Number.Uint64())
	if tracker.IsStale(s.now()) {
		if _, err := tracker.UpdatePivot(ctx, s.peer); err != nil {
			return err
		}
	}
	pivot := tracker.Current()
	s.progress.SetPivot(pivot)
	s.log.Info("Snap sync started", "pivot", pivot.Number(), "root", pivot.Root())

	coord := NewCoordinator(s.cfg.Coordinator, s.peer, tracker, s.metrics, s.log)
	cctx, cancel := context.WithCancel(ctx)
	coordDone := make(chan error, 1)
	go func() { coordDone <- coord.Run(cctx) }()
	defer func() {
		cancel()
		<-coordDone
	}()

	needStorage, err := s.downloadState(ctx, pivot, tracker.StaleFunc(pivot.Generation))
	if err != nil {
		return err
	}
	pivot, err = s.heal(ctx, tracker, needStorage)
	if err != nil {
		return err
	}
	if err := s.fetchBytecodes(ctx); err != nil {
		return err
	}
	if err := s.verifyStateRoot(pivot.Root()); err != nil {
		return err
	}
	if err := s.downloadHeaders(ctx, coord, pivot); err != nil {
		return err
	}
	s.log.Info("Snap sync complete, switching to full sync", "pivot", pivot.Number(), "generation", pivot.Generation)
	s.snapEnabled.Store(false)
	if pivot.Header.Hash() == head {
		s.progress.SetStage(StageComplete)
		return nil
	}
	return s.fullCycle(ctx, head)
}

// downloadState runs the account, storage, bytecode and rebuild stages
// against one pivot. It returns the accounts whose storage still needs
// healing.
func (s *Syncer) downloadState(ctx context.Context, pivot Pivot, stale func() bool) (mapset.Set[common.Hash], error) {
	s.progress.SetStage(StageAccounts)
	var (
		capacity  = s.cfg.Storage.ChannelCapacity
		storageIn = make(chan []StorageTask, capacity)
		codeIn    = make(chan []common.Hash, capacity)
		rebuildIn = make(chan []StorageTask, capacity)
		healIn    = make(chan []common.Hash, capacity)
		leftovers = mapset.NewSet[common.Hash]()
		root      = pivot.Root()

		accounts  = NewAccountFetcher(s.cfg.Accounts, s.peer, s.store, s.metrics, s.log)
		storage   = NewStorageFetcher(s.cfg.Storage, s.peer, s.store, s.metrics, s.log)
		rebuilder = NewStorageRebuilder(s.store, s.log)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.bytecodes.Collect(gctx, codeIn) })
	g.Go(func() error { return rebuilder.Run(gctx, rebuildIn) })
	g.Go(func() error {
		for {
			select {
			case hashes, ok := <-healIn:
				if !ok {
					return nil
				}
				leftovers.Append(hashes...)
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})
	g.Go(func() error {
		_, err := storage.Run(gctx, root, stale, storageIn, rebuildIn, healIn)
		close(healIn)
		if err != nil {
			return err
		}
		return send(gctx, rebuildIn, []StorageTask{})
	})
	g.Go(func() error {
		res, err := accounts.Run(gctx, root, stale, storageIn, codeIn)
		if err != nil {
			return err
		}
		s.progress.SetStage(StageStorage)
		s.log.Info("Accounts inserted", "accounts", res.Accounts, "complete", res.Complete)
		if err := send(gctx, storageIn, []StorageTask{}); err != nil {
			return err
		}
		return send(gctx, codeIn, []common.Hash{})
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	leftovers.Append(rebuilder.Mismatched().ToSlice()...)
	s.log.Info("State download finished", "storage_to_heal", leftovers.Cardinality(), "codes", s.bytecodes.Pending())
	return leftovers, nil
}

// heal repairs the state and storage tries, moving the pivot forward
// whenever it goes stale. The returned pivot is the one healing completed
// against.
func (s *Syncer) heal(ctx context.Context, tracker *PivotTracker, storage mapset.Set[common.Hash]) (Pivot, error) {
	s.progress.SetStage(StageHealing)
	for {
		if tracker.IsStale(s.now()) {
			p, err := tracker.UpdatePivot(ctx, s.peer)
			if err != nil {
				return Pivot{}, err
			}
			s.progress.SetPivot(p)
			if tracker.IsStale(s.now()) {
				if err := s.pause(ctx); err != nil {
					return Pivot{}, err
				}
				continue
			}
		}
		pivot := tracker.Current()
		stale := tracker.StaleFunc(pivot.Generation)

		done, err := s.healer.HealState(ctx, pivot.Root(), stale)
		if err != nil {
			return Pivot{}, err
		}
		if done {
			accounts := storage.Union(mapset.NewSet(s.healer.HealedAccounts()...))
			done, err = s.healer.HealStorage(ctx, pivot.Root(), accounts.ToSlice(), stale)
			if err != nil {
				return Pivot{}, err
			}
		}
		if done {
			s.log.Info("Healing complete", "pivot", pivot.Number(), "nodes", s.metrics.HealedNodes.Value())
			return pivot, nil
		}
		if !stale() {
			if err := s.pause(ctx); err != nil {
				return Pivot{}, err
			}
		}
	}
}

func (s *Syncer) fetchBytecodes(ctx context.Context) error {
	s.progress.SetStage(StageBytecodes)
	s.bytecodes.Add(s.healer.HealedCodes()...)
	never := func() bool { return false }
	for {
		done, err := s.bytecodes.Fetch(ctx, never)
		if err != nil || done {
			return err
		}
		if err := s.pause(ctx); err != nil {
			return err
		}
	}
}

// verifyStateRoot checks that the pivot state trie is fully stored.
// Healing only writes a node once its subtree is complete, so a stored root
// is a complete trie.
func (s *Syncer) verifyStateRoot(root common.Hash) error {
	ok, err := s.store.HasTrieNode(root)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptDB, err)
	}
	if !ok && root != types.EmptyRootHash {
		return fmt.Errorf("%w: root %s not stored", ErrStateRootMismatch, root)
	}
	return nil
}

// downloadHeaders fetches headers 1..pivot through the coordinator and makes
// the pivot the canonical head.
func (s *Syncer) downloadHeaders(ctx context.Context, coord *Coordinator, pivot Pivot) error {
	s.progress.SetStage(StageHeaders)
	if err := coord.DownloadHeaders(ctx, pivot.Number()); err != nil {
		return err
	}
	headers, err := coord.Wait(ctx)
	if err != nil {
		return err
	}
	if n := len(headers); n > 0 {
		if headers[n-1].Hash() != pivot.Header.Hash() {
			return fmt.Errorf("%w: header %d is %s, pivot %s", ErrHeaderChainMismatch, pivot.Number(), headers[n-1].Hash(), pivot.Header.Hash())
		}
	} else {
		headers = []*types.Header{pivot.Header}
	}
	if err := s.store.ForkchoiceUpdate(headers); err != nil {
		return fmt.Errorf("forkchoice update to pivot: %w", err)
	}
	s.progress.UpdateBlock(pivot.Number())
	return nil
}

func (s *Syncer) pause(ctx context.Context) error {
	timer := time.NewTimer(s.cfg.Pivot.RetryDelay.Duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
