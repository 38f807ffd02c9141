package trie

import (
	"bytes"
	"encoding/binary"
	"sort"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethrawdb "github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	gethtrie "github.com/ethereum/go-ethereum/trie"
	"github.com/ethereum/go-ethereum/triedb"
	"github.com/stretchr/testify/require"

	"github.com/eth2030/statesync/crypto"
)

// testEntries returns n hashed keys in ascending order with distinct values.
func testEntries(n int) ([]common.Hash, [][]byte) {
	keys := make([]common.Hash, n)
	for i := range keys {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(i))
		keys[i] = crypto.Keccak256Hash(buf[:])
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i][:], keys[j][:]) < 0 })
	values := make([][]byte, n)
	for i := range values {
		values[i] = append([]byte("value-"), keys[i][:4]...)
	}
	return keys, values
}

// referenceTrie builds the same entries with go-ethereum's trie.
func referenceTrie(t *testing.T, keys []common.Hash, values [][]byte) *gethtrie.Trie {
	t.Helper()
	tr := gethtrie.NewEmpty(triedb.NewDatabase(gethrawdb.NewMemoryDatabase(), nil))
	for i, k := range keys {
		require.NoError(t, tr.Update(k[:], values[i]))
	}
	return tr
}

// proveRange collects the boundary proof for [first, last] into a flat list.
func proveRange(t *testing.T, tr *gethtrie.Trie, first, last common.Hash) [][]byte {
	t.Helper()
	db := memorydb.New()
	require.NoError(t, tr.Prove(first[:], db))
	require.NoError(t, tr.Prove(last[:], db))

	var proof [][]byte
	it := db.NewIterator(nil, nil)
	defer it.Release()
	for it.Next() {
		proof = append(proof, common.CopyBytes(it.Value()))
	}
	return proof
}
