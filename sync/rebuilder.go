package sync

import (
	"context"
	"fmt"
	"runtime"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/eth2030/statesync/log"
	"github.com/eth2030/statesync/trie"
)

// IncompleteStorageRoot marks a storage task whose download did not finish.
// Its trie is rebuilt from what the snapshot holds but never validated.
var IncompleteStorageRoot = common.Hash{}

const nodeSinkFlushSize = 1024

// nodeSink buffers trie nodes emitted by a builder and writes them to the
// store in emission order, so a node is never persisted before its
// children.
type nodeSink struct {
	store  Store
	hashes []common.Hash
	blobs  [][]byte
	err    error
}

func newNodeSink(store Store) *nodeSink {
	return &nodeSink{store: store}
}

func (s *nodeSink) add(_ trie.Path, hash common.Hash, blob []byte) {
	if s.err != nil {
		return
	}
	s.hashes = append(s.hashes, hash)
	s.blobs = append(s.blobs, common.CopyBytes(blob))
	if len(s.hashes) >= nodeSinkFlushSize {
		s.err = s.flush()
	}
}

func (s *nodeSink) flush() error {
	if s.err != nil {
		return s.err
	}
	if len(s.hashes) == 0 {
		return nil
	}
	if err := s.store.WriteTrieNodes(s.hashes, s.blobs); err != nil {
		s.err = err
		return err
	}
	s.hashes, s.blobs = s.hashes[:0], s.blobs[:0]
	return nil
}

// StorageRebuilder turns downloaded storage snapshots into storage tries.
type StorageRebuilder struct {
	store      Store
	log        *log.Logger
	mismatched mapset.Set[common.Hash]
	rebuilt    mapset.Set[common.Hash]
	workers    int
}

// NewStorageRebuilder creates a rebuilder.
func NewStorageRebuilder(store Store, logger *log.Logger) *StorageRebuilder {
	return &StorageRebuilder{
		store:      store,
		log:        logger.Module("snap/rebuild"),
		mismatched: mapset.NewSet[common.Hash](),
		rebuilt:    mapset.NewSet[common.Hash](),
		workers:    runtime.NumCPU(),
	}
}

// Run rebuilds every task received on in until an empty batch arrives or in
// is closed.
func (r *StorageRebuilder) Run(ctx context.Context, in <-chan []StorageTask) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for {
		var (
			tasks []StorageTask
			ok    bool
		)
		select {
		case tasks, ok = <-in:
		case <-gctx.Done():
			g.Wait()
			return gctx.Err()
		}
		if !ok || len(tasks) == 0 {
			return g.Wait()
		}
		for _, task := range tasks {
			task := task
			g.Go(func() error { return r.Rebuild(task) })
		}
	}
}

// Rebuild builds the storage trie of one account from its snapshot and
// writes the nodes. A complete task whose rebuilt root differs from the
// expected one is recorded as mismatched for the healer.
func (r *StorageRebuilder) Rebuild(task StorageTask) error {
	sink := newNodeSink(r.store)
	builder := trie.NewBuilder(sink.add)
	err := r.store.IterateStorage(task.Account, func(slot common.Hash, value []byte) error {
		return builder.Add(slot, value)
	})
	if err != nil {
		return fmt.Errorf("rebuild storage of %s: %w", task.Account, err)
	}
	root := builder.Root()
	if err := sink.flush(); err != nil {
		return fmt.Errorf("rebuild storage of %s: %w", task.Account, err)
	}
	r.rebuilt.Add(task.Account)
	if task.Root != IncompleteStorageRoot && root != task.Root {
		r.log.Debug("Storage root mismatch", "account", task.Account, "want", task.Root, "have", root, "slots", builder.Count())
		r.mismatched.Add(task.Account)
	}
	return nil
}

// Mismatched returns the accounts whose rebuilt storage root did not match.
func (r *StorageRebuilder) Mismatched() mapset.Set[common.Hash] {
	return r.mismatched
}

// Rebuilt returns every account a trie was built for.
func (r *StorageRebuilder) Rebuilt() mapset.Set[common.Hash] {
	return r.rebuilt
}
