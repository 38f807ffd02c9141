package rawdb

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethdb"
)

// --- Trie Nodes ---

// WriteTrieNode stores a trie node under its hash.
func WriteTrieNode(db ethdb.KeyValueWriter, hash common.Hash, node []byte) error {
	return db.Put(trieNodeKey(hash), node)
}

// ReadTrieNode returns the node with the given hash, or nil.
func ReadTrieNode(db ethdb.KeyValueReader, hash common.Hash) []byte {
	data, _ := db.Get(trieNodeKey(hash))
	return data
}

// HasTrieNode reports whether the node with the given hash is stored.
func HasTrieNode(db ethdb.KeyValueReader, hash common.Hash) (bool, error) {
	return db.Has(trieNodeKey(hash))
}

// --- Contract Code ---

// WriteCode stores contract bytecode under its hash.
func WriteCode(db ethdb.KeyValueWriter, codeHash common.Hash, code []byte) error {
	return db.Put(codeKey(codeHash), code)
}

// ReadCode returns the bytecode with the given hash, or nil.
func ReadCode(db ethdb.KeyValueReader, codeHash common.Hash) []byte {
	data, _ := db.Get(codeKey(codeHash))
	return data
}

// HasCode reports whether the bytecode with the given hash is stored.
func HasCode(db ethdb.KeyValueReader, codeHash common.Hash) bool {
	ok, _ := db.Has(codeKey(codeHash))
	return ok
}

// --- Snapshot ---

// WriteAccountSnapshot stores an account in slim RLP form.
func WriteAccountSnapshot(db ethdb.KeyValueWriter, hash common.Hash, account *types.StateAccount) error {
	return db.Put(accountSnapshotKey(hash), types.SlimAccountRLP(*account))
}

// ReadAccountSnapshot returns the snapshot entry of an account, or nil.
func ReadAccountSnapshot(db ethdb.KeyValueReader, hash common.Hash) (*types.StateAccount, error) {
	data, _ := db.Get(accountSnapshotKey(hash))
	if len(data) == 0 {
		return nil, nil
	}
	account, err := types.FullAccount(data)
	if err != nil {
		return nil, fmt.Errorf("%w: account %s: %v", ErrCorrupt, hash, err)
	}
	return account, nil
}

// WriteStorageSnapshot stores one storage slot of an account.
func WriteStorageSnapshot(db ethdb.KeyValueWriter, account, slot common.Hash, value []byte) error {
	return db.Put(storageSnapshotKey(account, slot), value)
}

// ReadStorageSnapshot returns a storage slot value, or nil.
func ReadStorageSnapshot(db ethdb.KeyValueReader, account, slot common.Hash) []byte {
	data, _ := db.Get(storageSnapshotKey(account, slot))
	return data
}

// IterateStorageSnapshot calls fn for every stored slot of account in
// ascending slot order. Iteration stops at the first error fn returns.
func IterateStorageSnapshot(db ethdb.Iteratee, account common.Hash, fn func(slot common.Hash, value []byte) error) error {
	prefix := storageSnapshotsKey(account)
	it := db.NewIterator(prefix, nil)
	defer it.Release()

	for it.Next() {
		key := it.Key()
		if len(key) != len(prefix)+common.HashLength {
			continue
		}
		if err := fn(common.BytesToHash(key[len(prefix):]), it.Value()); err != nil {
			return err
		}
	}
	return it.Error()
}
