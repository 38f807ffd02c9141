package trie

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	gethtrie "github.com/ethereum/go-ethereum/trie"

	"github.com/eth2030/statesync/crypto"
)

var (
	// ErrRangeMismatch is returned when a range has different numbers of keys
	// and values.
	ErrRangeMismatch = errors.New("trie: range key/value count mismatch")

	// ErrRangeProof wraps every proof verification failure.
	ErrRangeProof = errors.New("trie: invalid range proof")
)

// VerifyRange checks that keys/values form a contiguous slice of the trie
// with the given root, starting at origin, against the boundary proof nodes
// supplied by the peer. more reports whether the trie holds entries past the
// last key. An empty proof is only accepted when the range covers the whole
// trie.
func VerifyRange(root, origin common.Hash, keys []common.Hash, values [][]byte, proof [][]byte) (more bool, err error) {
	if len(keys) != len(values) {
		return false, fmt.Errorf("%w: %d keys, %d values", ErrRangeMismatch, len(keys), len(values))
	}
	kbytes := make([][]byte, len(keys))
	for i := range keys {
		kbytes[i] = keys[i].Bytes()
	}
	if len(proof) == 0 {
		more, err = gethtrie.VerifyRangeProof(root, origin[:], kbytes, values, nil)
	} else {
		more, err = gethtrie.VerifyRangeProof(root, origin[:], kbytes, values, proofSet(proof))
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRangeProof, err)
	}
	return more, nil
}

// proofSet indexes proof nodes by their hash.
func proofSet(proof [][]byte) *memorydb.Database {
	db := memorydb.New()
	for _, node := range proof {
		db.Put(crypto.Keccak256(node), node)
	}
	return db
}
