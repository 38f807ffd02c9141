// Package rawdb provides the key schema and low-level accessors the sync
// engine persists through, on top of go-ethereum's ethdb key/value stores.
//
// Each data type uses a distinct key prefix to avoid collisions. SyncDB
// bundles the accessors into the store the sync package writes to.
package rawdb

import (
	"fmt"

	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
)

const (
	// DefaultCache is the LevelDB cache allowance in megabytes.
	DefaultCache = 512

	// DefaultHandles is the number of open files LevelDB may keep.
	DefaultHandles = 256

	metricsNamespace = "statesync/db/"
)

// NewMemoryDatabase returns an in-memory key/value store.
func NewMemoryDatabase() ethdb.KeyValueStore {
	return memorydb.New()
}

// OpenDatabase opens (or creates) a LevelDB store at path. Non-positive cache
// and handle values fall back to the defaults.
func OpenDatabase(path string, cache, handles int, readonly bool) (ethdb.KeyValueStore, error) {
	if cache <= 0 {
		cache = DefaultCache
	}
	if handles <= 0 {
		handles = DefaultHandles
	}
	db, err := leveldb.New(path, cache, handles, metricsNamespace, readonly)
	if err != nil {
		return nil, fmt.Errorf("rawdb: open %s: %w", path, err)
	}
	return db, nil
}
