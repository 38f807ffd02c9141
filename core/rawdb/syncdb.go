package rawdb

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethdb"
)

var (
	// ErrLengthMismatch is returned when parallel key and value slices differ
	// in length.
	ErrLengthMismatch = errors.New("rawdb: key/value length mismatch")

	// ErrEmptyForkchoice is returned by ForkchoiceUpdate without headers.
	ErrEmptyForkchoice = errors.New("rawdb: forkchoice update without headers")

	// ErrCorrupt is returned when a stored entry does not decode.
	ErrCorrupt = errors.New("corrupt database")
)

// SyncDB is the persistent store behind the sync engine. Each method writes
// through its own batch, so concurrent callers touching disjoint keys never
// contend beyond the underlying database.
type SyncDB struct {
	db ethdb.KeyValueStore
}

// NewSyncDB wraps db.
func NewSyncDB(db ethdb.KeyValueStore) *SyncDB {
	return &SyncDB{db: db}
}

// DB exposes the underlying store.
func (s *SyncDB) DB() ethdb.KeyValueStore { return s.db }

// Close closes the underlying store.
func (s *SyncDB) Close() error { return s.db.Close() }

// HasTrieNode reports whether a node is stored under hash.
func (s *SyncDB) HasTrieNode(hash common.Hash) (bool, error) {
	return HasTrieNode(s.db, hash)
}

// TrieNode returns the node stored under hash, or nil.
func (s *SyncDB) TrieNode(hash common.Hash) ([]byte, error) {
	return ReadTrieNode(s.db, hash), nil
}

// WriteTrieNodes stores nodes keyed by their hashes.
func (s *SyncDB) WriteTrieNodes(hashes []common.Hash, blobs [][]byte) error {
	if len(hashes) != len(blobs) {
		return fmt.Errorf("%w: %d hashes, %d nodes", ErrLengthMismatch, len(hashes), len(blobs))
	}
	return s.batched(func(b ethdb.Batch, i int) error {
		return WriteTrieNode(b, hashes[i], blobs[i])
	}, len(hashes))
}

// WriteAccounts writes account snapshot entries.
func (s *SyncDB) WriteAccounts(hashes []common.Hash, accounts []*types.StateAccount) error {
	if len(hashes) != len(accounts) {
		return fmt.Errorf("%w: %d hashes, %d accounts", ErrLengthMismatch, len(hashes), len(accounts))
	}
	return s.batched(func(b ethdb.Batch, i int) error {
		return WriteAccountSnapshot(b, hashes[i], accounts[i])
	}, len(hashes))
}

// Account returns the snapshot entry of an account, or nil.
func (s *SyncDB) Account(hash common.Hash) (*types.StateAccount, error) {
	return ReadAccountSnapshot(s.db, hash)
}

// WriteStorage writes storage slots of one account.
func (s *SyncDB) WriteStorage(account common.Hash, keys []common.Hash, values [][]byte) error {
	if len(keys) != len(values) {
		return fmt.Errorf("%w: %d keys, %d values", ErrLengthMismatch, len(keys), len(values))
	}
	return s.batched(func(b ethdb.Batch, i int) error {
		return WriteStorageSnapshot(b, account, keys[i], values[i])
	}, len(keys))
}

// IterateStorage visits the stored slots of account in ascending order.
func (s *SyncDB) IterateStorage(account common.Hash, fn func(slot common.Hash, value []byte) error) error {
	return IterateStorageSnapshot(s.db, account, fn)
}

// HasCode reports whether the bytecode with the given hash is stored.
func (s *SyncDB) HasCode(hash common.Hash) (bool, error) {
	return HasCode(s.db, hash), nil
}

// WriteCodes stores bytecodes keyed by their hashes.
func (s *SyncDB) WriteCodes(hashes []common.Hash, codes [][]byte) error {
	if len(hashes) != len(codes) {
		return fmt.Errorf("%w: %d hashes, %d codes", ErrLengthMismatch, len(hashes), len(codes))
	}
	return s.batched(func(b ethdb.Batch, i int) error {
		return WriteCode(b, hashes[i], codes[i])
	}, len(hashes))
}

// WriteHeaders stores headers without touching the canonical chain.
func (s *SyncDB) WriteHeaders(headers []*types.Header) error {
	return s.batched(func(b ethdb.Batch, i int) error {
		return WriteHeader(b, headers[i])
	}, len(headers))
}

// IsCanonical reports whether hash is the canonical block at its height.
func (s *SyncDB) IsCanonical(hash common.Hash) (bool, error) {
	number := ReadHeaderNumber(s.db, hash)
	if number == nil {
		return false, nil
	}
	return ReadCanonicalHash(s.db, *number) == hash, nil
}

// PendingBlock returns a buffered block that is not yet part of the chain.
func (s *SyncDB) PendingBlock(hash common.Hash) (*types.Block, error) {
	return ReadPendingBlock(s.db, hash)
}

// AddPendingBlock buffers a block received ahead of the chain.
func (s *SyncDB) AddPendingBlock(block *types.Block) error {
	return WritePendingBlock(s.db, block)
}

// AddFullSyncBatch stores headers in the full sync scratch table.
func (s *SyncDB) AddFullSyncBatch(headers []*types.Header) error {
	return s.batched(func(b ethdb.Batch, i int) error {
		return WriteFullSyncHeader(b, headers[i])
	}, len(headers))
}

// ReadFullSyncBatch returns the scratch headers for [start, start+limit).
// Missing entries are nil.
func (s *SyncDB) ReadFullSyncBatch(start, limit uint64) ([]*types.Header, error) {
	headers := make([]*types.Header, 0, limit)
	for n := start; n < start+limit; n++ {
		h, err := ReadFullSyncHeader(s.db, n)
		if err != nil {
			return nil, err
		}
		headers = append(headers, h)
	}
	return headers, nil
}

// ClearFullSyncHeaders drops the scratch table.
func (s *SyncDB) ClearFullSyncHeaders() error {
	return DeleteFullSyncHeaders(s.db)
}

// ForkchoiceUpdate makes headers canonical and the last of them the head.
func (s *SyncDB) ForkchoiceUpdate(headers []*types.Header) error {
	if len(headers) == 0 {
		return ErrEmptyForkchoice
	}
	batch := s.db.NewBatch()
	for _, h := range headers {
		if err := WriteHeader(batch, h); err != nil {
			return err
		}
		if err := WriteCanonicalHash(batch, h.Number.Uint64(), h.Hash()); err != nil {
			return err
		}
	}
	head := headers[len(headers)-1].Hash()
	if err := WriteHeadHeaderHash(batch, head); err != nil {
		return err
	}
	if err := WriteHeadBlockHash(batch, head); err != nil {
		return err
	}
	return batch.Write()
}

// SetLatestValidAncestor marks bad as descending from an invalid block.
func (s *SyncDB) SetLatestValidAncestor(bad, valid common.Hash) error {
	return WriteLatestValidAncestor(s.db, bad, valid)
}

// LatestValidAncestor returns the marker written for bad, if any.
func (s *SyncDB) LatestValidAncestor(bad common.Hash) (common.Hash, bool) {
	return ReadLatestValidAncestor(s.db, bad)
}

// batched runs write for indices [0, n) against a batch, flushing whenever
// it grows past the ideal size.
func (s *SyncDB) batched(write func(b ethdb.Batch, i int) error, n int) error {
	batch := s.db.NewBatch()
	for i := 0; i < n; i++ {
		if err := write(batch, i); err != nil {
			return err
		}
		if batch.ValueSize() >= ethdb.IdealBatchSize {
			if err := batch.Write(); err != nil {
				return err
			}
			batch.Reset()
		}
	}
	return batch.Write()
}
