package sync

import (
	"fmt"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	bloomfilter "github.com/holiman/bloomfilter/v2"
)

// NodeChecker answers whether a trie node is persisted.
type NodeChecker interface {
	HasTrieNode(hash common.Hash) (bool, error)
}

// HealingCache answers "is this node already stored" for the healer without
// hitting the database for every hash. An LRU keeps recently written or
// repeatedly confirmed hashes; anything else is confirmed against the store.
// A node is never reported present unless it was added or the store holds
// it.
type HealingCache struct {
	store  NodeChecker
	filter *bloomfilter.Filter
	recent *lru.Cache[common.Hash, struct{}]

	hits, lookups, dbReads atomic.Uint64
}

// CacheStats reports HealingCache activity.
type CacheStats struct {
	Lookups uint64
	Hits    uint64
	DBReads uint64
	Items   uint64
}

// NewHealingCache creates a cache over store.
func NewHealingCache(cfg HealerConfig, store NodeChecker) (*HealingCache, error) {
	filter, err := bloomfilter.NewOptimal(cfg.FilterCapacity, cfg.FilterFalsePositive)
	if err != nil {
		return nil, fmt.Errorf("healing cache filter: %w", err)
	}
	recent, err := lru.New[common.Hash, struct{}](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("healing cache lru: %w", err)
	}
	return &HealingCache{store: store, filter: filter, recent: recent}, nil
}

func filterKey(h common.Hash) uint64 { return xxhash.Sum64(h[:]) }

// Has reports whether the node is known to be stored. Nodes found in the
// store are admitted to the LRU on their second sighting; the filter is the
// doorkeeper that remembers the first.
func (c *HealingCache) Has(hash common.Hash) (bool, error) {
	c.lookups.Add(1)
	if c.recent.Contains(hash) {
		c.hits.Add(1)
		return true, nil
	}
	c.dbReads.Add(1)
	ok, err := c.store.HasTrieNode(hash)
	if err != nil || !ok {
		return false, err
	}
	key := filterKey(hash)
	if c.filter.ContainsHash(key) {
		c.recent.Add(hash, struct{}{})
	} else {
		c.filter.AddHash(key)
	}
	return true, nil
}

// Add records a node that was just written.
func (c *HealingCache) Add(hash common.Hash) {
	c.filter.AddHash(filterKey(hash))
	c.recent.Add(hash, struct{}{})
}

// Stats returns a snapshot of the cache counters.
func (c *HealingCache) Stats() CacheStats {
	return CacheStats{
		Lookups: c.lookups.Load(),
		Hits:    c.hits.Load(),
		DBReads: c.dbReads.Load(),
		Items:   c.filter.N(),
	}
}
