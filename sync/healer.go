// healer.go implements trie healing. Healing walks a trie top-down from its
// root, fetching every node the store lacks by path. A fetched node is
// written only once all of its children are stored, so a stored node always
// has a complete subtree beneath it. Nodes whose children are still missing
// wait in the membatch, which survives pivot changes.
package sync

import (
	"context"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"golang.org/x/sync/errgroup"

	"github.com/eth2030/statesync/crypto"
	"github.com/eth2030/statesync/log"
	"github.com/eth2030/statesync/trie"
)

// NodeRequest asks for the node at Path in the trie addressed by
// AccountPath; an empty AccountPath means the state trie. Parent is the path
// of the node that referenced it, equal to Path for a root.
type NodeRequest struct {
	AccountPath trie.Path
	Path        trie.Path
	Parent      trie.Path
	Hash        common.Hash
}

func (r NodeRequest) key() trie.PathKey { return trie.NewPathKey(r.AccountPath, r.Path) }

func (r NodeRequest) parentKey() trie.PathKey { return trie.NewPathKey(r.AccountPath, r.Parent) }

func (r NodeRequest) isRoot() bool { return r.Path.Equal(r.Parent) }

func (r NodeRequest) wirePath() TrieNodePath {
	return TrieNodePath{Account: r.AccountPath, Storage: r.Path}
}

// Healer repairs the state trie and storage tries of a pivot.
type Healer struct {
	cfg     HealerConfig
	peer    SnapPeer
	store   Store
	cache   *HealingCache
	metrics *Metrics
	log     *log.Logger

	membatch *Membatch
	healed   mapset.Set[common.Hash]
	codes    mapset.Set[common.Hash]
}

// NewHealer creates a healer with an empty membatch.
func NewHealer(cfg HealerConfig, peer SnapPeer, store Store, m *Metrics, logger *log.Logger) (*Healer, error) {
	cache, err := NewHealingCache(cfg, store)
	if err != nil {
		return nil, err
	}
	return &Healer{
		cfg:      cfg,
		peer:     peer,
		store:    store,
		cache:    cache,
		metrics:  m,
		log:      logger.Module("heal"),
		membatch: NewMembatch(),
		healed:   mapset.NewSet[common.Hash](),
		codes:    mapset.NewSet[common.Hash](),
	}, nil
}

// Membatch exposes the pending node set.
func (h *Healer) Membatch() *Membatch { return h.membatch }

// Cache exposes the node presence cache.
func (h *Healer) Cache() *HealingCache { return h.cache }

// HealedAccounts returns the accounts whose state leaves were fetched while
// healing the state trie. Their storage needs healing too.
func (h *Healer) HealedAccounts() []common.Hash { return h.healed.ToSlice() }

// HealedCodes returns the code hashes of accounts found while healing.
func (h *Healer) HealedCodes() []common.Hash { return h.codes.ToSlice() }

// HealState heals the state trie of root. It returns false if the pivot went
// stale or peers stopped serving before the trie was complete; what was
// committed so far stays committed and the membatch keeps the rest.
func (h *Healer) HealState(ctx context.Context, root common.Hash, stale func() bool) (bool, error) {
	seed := NodeRequest{Hash: root}
	return h.pass(ctx, root, []NodeRequest{seed}, stale)
}

// HealStorage heals the storage tries of accounts under the state root.
// Storage roots are read from the account snapshot.
func (h *Healer) HealStorage(ctx context.Context, root common.Hash, accounts []common.Hash, stale func() bool) (bool, error) {
	seeds := make([]NodeRequest, 0, len(accounts))
	for _, hash := range accounts {
		acct, err := h.store.Account(hash)
		if err != nil {
			return false, fmt.Errorf("%w: read account %s: %v", ErrCorruptDB, hash, err)
		}
		if acct == nil {
			h.log.Debug("Account missing from snapshot, skipping storage heal", "account", hash)
			continue
		}
		seeds = append(seeds, NodeRequest{AccountPath: trie.PathFromHash(hash), Hash: acct.Root})
	}
	return h.pass(ctx, root, seeds, stale)
}

// pass runs one healing pass over the tries rooted at seeds.
func (h *Healer) pass(ctx context.Context, root common.Hash, seeds []NodeRequest, stale func() bool) (bool, error) {
	if stale() {
		return false, nil
	}
	var queue []NodeRequest
	for _, seed := range seeds {
		if seed.Hash == types.EmptyRootHash || seed.Hash == (common.Hash{}) {
			h.rootHealed(seed)
			continue
		}
		ok, err := h.cache.Has(seed.Hash)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrCorruptDB, err)
		}
		if ok {
			h.rootHealed(seed)
			continue
		}
		if e, ok := h.membatch.Get(seed.key()); ok {
			if e.Request.Hash == seed.Hash {
				if err := h.rederive(e, &queue); err != nil {
					return false, err
				}
				continue
			}
			h.membatch.Delete(seed.key())
		}
		queue = append(queue, seed)
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if stale() {
			h.log.Info("Pivot stale, pausing heal", "queued", len(queue), "membatch", h.membatch.Len())
			return false, nil
		}
		var (
			batches [][]NodeRequest
			take    = min(len(queue), h.cfg.NodeBatchSize*h.cfg.MaxInFlightRequests)
		)
		// Take from the tail: depth first keeps the membatch small. The round
		// is copied out since processing appends to queue.
		round := append([]NodeRequest(nil), queue[len(queue)-take:]...)
		queue = queue[:len(queue)-take]
		for len(round) > 0 {
			n := min(h.cfg.NodeBatchSize, len(round))
			batches = append(batches, round[:n:n])
			round = round[n:]
		}
		blobs, err := h.fetch(ctx, root, batches)
		if err != nil {
			return false, err
		}
		progress := false
		for i, batch := range batches {
			for j, req := range batch {
				if j >= len(blobs[i]) || crypto.Keccak256Hash(blobs[i][j]) != req.Hash {
					queue = append(queue, req)
					continue
				}
				progress = true
				if err := h.process(req, blobs[i][j], &queue); err != nil {
					return false, err
				}
			}
		}
		if !progress {
			h.log.Debug("No healing progress, peers not serving", "queued", len(queue))
			return false, nil
		}
	}

	for _, seed := range seeds {
		if seed.Hash == types.EmptyRootHash || seed.Hash == (common.Hash{}) {
			continue
		}
		if ok, err := h.cache.Has(seed.Hash); err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// fetch requests all batches concurrently. A failed request yields no blobs
// for its batch.
func (h *Healer) fetch(ctx context.Context, root common.Hash, batches [][]NodeRequest) ([][][]byte, error) {
	blobs := make([][][]byte, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	for i, batch := range batches {
		g.Go(func() error {
			paths := make([]TrieNodePath, len(batch))
			for j, req := range batch {
				paths[j] = req.wirePath()
			}
			resp, err := h.peer.RequestTrieNodes(gctx, root, paths)
			if err != nil {
				h.log.Debug("Trie node request failed", "nodes", len(batch), "err", err)
				return gctx.Err()
			}
			blobs[i] = resp
			return nil
		})
	}
	return blobs, g.Wait()
}

// process handles a node whose hash matched its request.
func (h *Healer) process(req NodeRequest, blob []byte, queue *[]NodeRequest) error {
	if e, ok := h.membatch.Get(req.key()); ok && e.Request.Hash == req.Hash {
		return nil
	}
	node, err := trie.DecodeNode(blob)
	if err != nil {
		return fmt.Errorf("%w: node %s at %s: %v", ErrInvariant, req.Hash, req.Path, err)
	}
	if len(req.AccountPath) == 0 {
		if err := h.storeLeaves(req, node); err != nil {
			return err
		}
	}
	entry := &MembatchEntry{Request: req, Blob: blob}
	return h.settle(entry, node, queue)
}

// rederive recomputes the missing children of a membatch entry found again
// in a later pass. Children that are now stored no longer count, matching
// child entries are recursed into and everything else is requested anew.
func (h *Healer) rederive(e *MembatchEntry, queue *[]NodeRequest) error {
	node, err := trie.DecodeNode(e.Blob)
	if err != nil {
		return fmt.Errorf("%w: membatch node %s: %v", ErrInvariant, e.Request.Hash, err)
	}
	return h.settle(e, node, queue)
}

// settle counts the missing children of e and either commits it or parks it
// in the membatch. Waiting child entries are revisited after e is parked so
// that their commits can reach it.
func (h *Healer) settle(e *MembatchEntry, node *trie.Node, queue *[]NodeRequest) error {
	type pending struct {
		entry *MembatchEntry
		node  *trie.Node
	}
	stack := []pending{{e, node}}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		var (
			missing []NodeRequest
			waiting []pending
		)
		for _, ref := range cur.node.Refs {
			child := NodeRequest{
				AccountPath: cur.entry.Request.AccountPath,
				Path:        cur.entry.Request.Path.Append(ref.Path...),
				Parent:      cur.entry.Request.Path,
				Hash:        ref.Hash,
			}
			ok, err := h.cache.Has(ref.Hash)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrCorruptDB, err)
			}
			if ok {
				continue
			}
			if ce, ok := h.membatch.Get(child.key()); ok {
				if ce.Request.Hash == ref.Hash {
					cn, err := trie.DecodeNode(ce.Blob)
					if err != nil {
						return fmt.Errorf("%w: membatch node %s: %v", ErrInvariant, ce.Request.Hash, err)
					}
					waiting = append(waiting, pending{ce, cn})
					continue
				}
				h.membatch.Delete(child.key())
			}
			missing = append(missing, child)
		}
		cur.entry.Missing = len(missing) + len(waiting)
		if cur.entry.Missing == 0 {
			if err := h.commit(cur.entry); err != nil {
				return err
			}
			continue
		}
		h.membatch.Put(cur.entry.Request.key(), cur.entry)
		*queue = append(*queue, missing...)
		stack = append(stack, waiting...)
	}
	return nil
}

// commit writes a node whose children are all stored together with every
// ancestor in the membatch that this completes. Writes happen child first
// and the membatch is only updated once they succeeded.
func (h *Healer) commit(e *MembatchEntry) error {
	var (
		chain  []*MembatchEntry
		hashes []common.Hash
		blobs  [][]byte
	)
	for e != nil {
		chain = append(chain, e)
		hashes = append(hashes, e.Request.Hash)
		blobs = append(blobs, e.Blob)
		if e.Request.isRoot() {
			break
		}
		parent, ok := h.membatch.Get(e.Request.parentKey())
		if !ok || parent.Missing > 1 {
			break
		}
		e = parent
	}
	if err := h.store.WriteTrieNodes(hashes, blobs); err != nil {
		return fmt.Errorf("write healed nodes: %w", err)
	}
	for _, c := range chain {
		h.membatch.Delete(c.Request.key())
		h.cache.Add(c.Request.Hash)
		if c.Request.isRoot() {
			h.rootHealed(c.Request)
			continue
		}
		h.membatch.Decrement(c.Request.parentKey())
	}
	h.metrics.HealedNodes.Add(int64(len(hashes)))
	return nil
}

func (h *Healer) rootHealed(req NodeRequest) {
	if len(req.AccountPath) > 0 {
		h.metrics.HealedAccounts.Inc()
	}
}

// storeLeaves writes the accounts found in a state trie node to the
// snapshot and remembers them for storage healing.
func (h *Healer) storeLeaves(req NodeRequest, node *trie.Node) error {
	if len(node.Leaves) == 0 {
		return nil
	}
	hashes := make([]common.Hash, 0, len(node.Leaves))
	accounts := make([]*types.StateAccount, 0, len(node.Leaves))
	for _, leaf := range node.Leaves {
		hash, ok := req.Path.Append(leaf.Path...).Hash()
		if !ok {
			return fmt.Errorf("%w: state leaf at %s has short path", ErrInvariant, req.Path)
		}
		acct := new(types.StateAccount)
		if err := rlp.DecodeBytes(leaf.Value, acct); err != nil {
			return fmt.Errorf("%w: state leaf %s: %v", ErrInvariant, hash, err)
		}
		hashes = append(hashes, hash)
		accounts = append(accounts, acct)
		if acct.Root != types.EmptyRootHash {
			h.healed.Add(hash)
		}
		if ch := common.BytesToHash(acct.CodeHash); ch != types.EmptyCodeHash && ch != (common.Hash{}) {
			h.codes.Add(ch)
		}
	}
	if err := h.store.WriteAccounts(hashes, accounts); err != nil {
		return fmt.Errorf("write healed accounts: %w", err)
	}
	return nil
}
