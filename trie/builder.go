package trie

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethtrie "github.com/ethereum/go-ethereum/trie"
)

// ErrBuilderOrder is returned when keys are not fed in strictly ascending
// order.
var ErrBuilderOrder = errors.New("trie builder: keys must be strictly ascending")

// NodeWriter receives every node the builder completes. The blob is only
// valid for the duration of the call.
type NodeWriter func(path Path, hash common.Hash, blob []byte)

// Builder rebuilds a trie from entries that arrive in key order, emitting
// finished nodes as it goes. Memory use is bounded by trie depth.
type Builder struct {
	st    *gethtrie.StackTrie
	last  common.Hash
	count int
}

// NewBuilder returns a builder that hands completed nodes to write. A nil
// writer only computes the root.
func NewBuilder(write NodeWriter) *Builder {
	var onNode gethtrie.OnTrieNode
	if write != nil {
		onNode = func(path []byte, hash common.Hash, blob []byte) {
			write(Path(path), hash, blob)
		}
	}
	return &Builder{st: gethtrie.NewStackTrie(onNode)}
}

// Add inserts the next entry. Empty values are skipped since they denote
// deletions.
func (b *Builder) Add(key common.Hash, value []byte) error {
	if len(value) == 0 {
		return nil
	}
	if b.count > 0 && key.Cmp(b.last) <= 0 {
		return fmt.Errorf("%w: %s after %s", ErrBuilderOrder, key, b.last)
	}
	if err := b.st.Update(key[:], value); err != nil {
		return err
	}
	b.last = key
	b.count++
	return nil
}

// Count returns the number of entries added.
func (b *Builder) Count() int { return b.count }

// Root finalizes the trie and returns its root hash, flushing the remaining
// nodes to the writer. The builder must not be used afterwards.
func (b *Builder) Root() common.Hash {
	if b.count == 0 {
		return types.EmptyRootHash
	}
	return b.st.Hash()
}
