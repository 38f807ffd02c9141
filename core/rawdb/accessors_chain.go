package rawdb

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/rlp"
)

// --- Header Accessors ---

// WriteHeader stores a header and its hash->number mapping.
func WriteHeader(db ethdb.KeyValueWriter, header *types.Header) error {
	data, err := rlp.EncodeToBytes(header)
	if err != nil {
		return err
	}
	hash, number := header.Hash(), header.Number.Uint64()
	if err := db.Put(headerKey(number, hash), data); err != nil {
		return err
	}
	return db.Put(headerNumberKey(hash), encodeBlockNumber(number))
}

// ReadHeaderNumber returns the number of the header with the given hash, or
// nil if it is unknown.
func ReadHeaderNumber(db ethdb.KeyValueReader, hash common.Hash) *uint64 {
	data, _ := db.Get(headerNumberKey(hash))
	if len(data) != 8 {
		return nil
	}
	number := binary.BigEndian.Uint64(data)
	return &number
}

// ReadHeader retrieves the header with the given hash, or nil if absent.
func ReadHeader(db ethdb.KeyValueReader, hash common.Hash) (*types.Header, error) {
	number := ReadHeaderNumber(db, hash)
	if number == nil {
		return nil, nil
	}
	data, _ := db.Get(headerKey(*number, hash))
	if len(data) == 0 {
		return nil, nil
	}
	header := new(types.Header)
	if err := rlp.DecodeBytes(data, header); err != nil {
		return nil, fmt.Errorf("%w: header %s: %v", ErrCorrupt, hash, err)
	}
	return header, nil
}

// --- Canonical Chain Accessors ---

// WriteCanonicalHash marks hash as the canonical block at number.
func WriteCanonicalHash(db ethdb.KeyValueWriter, number uint64, hash common.Hash) error {
	return db.Put(canonicalKey(number), hash[:])
}

// ReadCanonicalHash returns the canonical hash at number, or the zero hash.
func ReadCanonicalHash(db ethdb.KeyValueReader, number uint64) common.Hash {
	data, _ := db.Get(canonicalKey(number))
	if len(data) == 0 {
		return common.Hash{}
	}
	return common.BytesToHash(data)
}

// WriteHeadHeaderHash stores the hash of the current head header.
func WriteHeadHeaderHash(db ethdb.KeyValueWriter, hash common.Hash) error {
	return db.Put(headHeaderKey, hash[:])
}

// ReadHeadHeaderHash returns the head header hash, or the zero hash.
func ReadHeadHeaderHash(db ethdb.KeyValueReader) common.Hash {
	data, _ := db.Get(headHeaderKey)
	if len(data) == 0 {
		return common.Hash{}
	}
	return common.BytesToHash(data)
}

// WriteHeadBlockHash stores the hash of the current head block.
func WriteHeadBlockHash(db ethdb.KeyValueWriter, hash common.Hash) error {
	return db.Put(headBlockKey, hash[:])
}

// ReadHeadBlockHash returns the head block hash, or the zero hash.
func ReadHeadBlockHash(db ethdb.KeyValueReader) common.Hash {
	data, _ := db.Get(headBlockKey)
	if len(data) == 0 {
		return common.Hash{}
	}
	return common.BytesToHash(data)
}

// --- Pending Blocks ---

// WritePendingBlock stores a block that arrived ahead of the local chain.
func WritePendingBlock(db ethdb.KeyValueWriter, block *types.Block) error {
	data, err := rlp.EncodeToBytes(block)
	if err != nil {
		return err
	}
	return db.Put(pendingBlockKey(block.Hash()), data)
}

// ReadPendingBlock returns the pending block with the given hash, or nil.
func ReadPendingBlock(db ethdb.KeyValueReader, hash common.Hash) (*types.Block, error) {
	data, _ := db.Get(pendingBlockKey(hash))
	if len(data) == 0 {
		return nil, nil
	}
	block := new(types.Block)
	if err := rlp.DecodeBytes(data, block); err != nil {
		return nil, fmt.Errorf("%w: pending block %s: %v", ErrCorrupt, hash, err)
	}
	return block, nil
}

// DeletePendingBlock removes a pending block.
func DeletePendingBlock(db ethdb.KeyValueWriter, hash common.Hash) error {
	return db.Delete(pendingBlockKey(hash))
}

// --- Invalid Ancestors ---

// WriteLatestValidAncestor records that bad descends from an invalid block
// whose last valid ancestor is valid.
func WriteLatestValidAncestor(db ethdb.KeyValueWriter, bad, valid common.Hash) error {
	return db.Put(invalidAncestorKey(bad), valid[:])
}

// ReadLatestValidAncestor returns the recorded ancestor of bad. ok is false
// if bad is not marked.
func ReadLatestValidAncestor(db ethdb.KeyValueReader, bad common.Hash) (valid common.Hash, ok bool) {
	data, _ := db.Get(invalidAncestorKey(bad))
	if len(data) != common.HashLength {
		return common.Hash{}, false
	}
	return common.BytesToHash(data), true
}
