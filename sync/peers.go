package sync

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/eth2030/statesync/trie"
)

// Every peer request below may answer with a nil result, with or without an
// error. That is the signal for a stale pivot or a peer that refused to
// serve; the caller requeues the work.

// HeaderOrder selects the walk direction of a header request.
type HeaderOrder int

const (
	OldToNew HeaderOrder = iota
	NewToOld
)

// HeaderPeer serves header ranges to the download coordinator.
type HeaderPeer interface {
	// PeerIDs returns the peers currently able to serve headers.
	PeerIDs() []string
	RequestHeadersFrom(ctx context.Context, peer string, start, limit uint64) ([]*types.Header, error)
}

// ChainPeer serves the chain data used by full sync and pivot selection.
type ChainPeer interface {
	RequestBlockHeadersFromHash(ctx context.Context, hash common.Hash, order HeaderOrder) ([]*types.Header, error)
	RequestHeaderByNumber(ctx context.Context, number uint64) (*types.Header, error)
	// RequestBlockBodiesParallel returns bodies for a prefix of headers.
	RequestBlockBodiesParallel(ctx context.Context, headers []*types.Header, concurrency int) ([]*types.Body, error)
}

// AccountRange is an unverified account range answer.
type AccountRange struct {
	Hashes   []common.Hash
	Accounts []*types.StateAccount
	Proof    [][]byte
}

// StorageRanges answers a multi-account storage request. Keys[i] and Values[i] belong to
// the i-th requested account; fewer entries than accounts means the peer
// stopped early. Proof, if present, covers the last range only and marks it
// as possibly incomplete.
type StorageRanges struct {
	Keys   [][]common.Hash
	Values [][][]byte
	Proof  [][]byte
}

// StorageRange answers a single-account storage request from a start key.
type StorageRange struct {
	Keys   []common.Hash
	Values [][]byte
	Proof  [][]byte
}

// TrieNodePath addresses a node for a trie node request. State trie nodes
// leave Account empty.
type TrieNodePath struct {
	Account trie.Path
	Storage trie.Path
}

// Wire returns the path set in the form trie node requests carry: the
// compact state path alone, or the full account key followed by the compact
// storage path.
func (p TrieNodePath) Wire() [][]byte {
	if len(p.Account) == 0 {
		return [][]byte{p.Storage.Compact()}
	}
	if h, ok := p.Account.Hash(); ok {
		return [][]byte{h.Bytes(), p.Storage.Compact()}
	}
	return [][]byte{p.Account.Compact(), p.Storage.Compact()}
}

// SnapPeer serves state snapshot data.
type SnapPeer interface {
	// RequestAccountRange returns the accounts from start on, stopping after
	// the first key at or past limit, with a proof of the covered range.
	RequestAccountRange(ctx context.Context, root, start, limit common.Hash) (*AccountRange, error)
	RequestStorageRanges(ctx context.Context, root common.Hash, roots, accounts []common.Hash, start common.Hash) (*StorageRanges, error)
	RequestStorageRange(ctx context.Context, root, storageRoot, account, start common.Hash) (*StorageRange, error)
	// RequestBytecodes returns codes in request order; missing ones may be
	// left out.
	RequestBytecodes(ctx context.Context, hashes []common.Hash) ([][]byte, error)
	// RequestTrieNodes returns node blobs in request order; an answer may
	// stop short.
	RequestTrieNodes(ctx context.Context, root common.Hash, paths []TrieNodePath) ([][]byte, error)
}

// Store is the persistent side of the sync engine. core/rawdb.SyncDB
// implements it.
type Store interface {
	HasTrieNode(hash common.Hash) (bool, error)
	TrieNode(hash common.Hash) ([]byte, error)
	WriteTrieNodes(hashes []common.Hash, blobs [][]byte) error

	WriteAccounts(hashes []common.Hash, accounts []*types.StateAccount) error
	Account(hash common.Hash) (*types.StateAccount, error)
	WriteStorage(account common.Hash, keys []common.Hash, values [][]byte) error
	IterateStorage(account common.Hash, fn func(slot common.Hash, value []byte) error) error

	HasCode(hash common.Hash) (bool, error)
	WriteCodes(hashes []common.Hash, codes [][]byte) error

	WriteHeaders(headers []*types.Header) error
	IsCanonical(hash common.Hash) (bool, error)
	PendingBlock(hash common.Hash) (*types.Block, error)

	AddFullSyncBatch(headers []*types.Header) error
	ReadFullSyncBatch(start, limit uint64) ([]*types.Header, error)
	ClearFullSyncHeaders() error

	ForkchoiceUpdate(headers []*types.Header) error
	SetLatestValidAncestor(bad, valid common.Hash) error
}

// Chain is the block execution engine.
type Chain interface {
	// AddBlockPipeline executes and stores a single block.
	AddBlockPipeline(block *types.Block) error
	// AddBlocksInBatch executes blocks as one unit. On failure it returns a
	// *BatchFailure locating the offending block.
	AddBlocksInBatch(ctx context.Context, blocks []*types.Block) error
}
