package sync

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/eth2030/statesync/trie"
)

func TestMembatchPutRemovesSettledEntries(t *testing.T) {
	mb := NewMembatch()
	key := trie.NewPathKey(nil, trie.Path{1, 2})
	mb.Put(key, &MembatchEntry{Missing: 2})
	require.Equal(t, 1, mb.Len())

	mb.Put(key, &MembatchEntry{Missing: 0})
	require.Zero(t, mb.Len())
	_, ok := mb.Get(key)
	require.False(t, ok)
}

func TestMembatchDecrementSaturates(t *testing.T) {
	mb := NewMembatch()
	key := trie.NewPathKey(trie.PathFromHash(common.HexToHash("0xaa")), nil)
	entry := &MembatchEntry{Request: NodeRequest{Hash: common.HexToHash("0x01")}, Missing: 2}
	mb.Put(key, entry)

	e, done := mb.Decrement(key)
	require.False(t, done)
	require.Nil(t, e)
	require.Equal(t, 1, entry.Missing)

	e, done = mb.Decrement(key)
	require.True(t, done)
	require.Same(t, entry, e)
	require.Zero(t, entry.Missing)
	require.Zero(t, mb.Len())

	// Nothing left to decrement.
	e, done = mb.Decrement(key)
	require.False(t, done)
	require.Nil(t, e)
}

func TestMembatchKeysSeparateTries(t *testing.T) {
	mb := NewMembatch()
	path := trie.Path{3}
	state := trie.NewPathKey(nil, path)
	storage := trie.NewPathKey(trie.PathFromHash(common.HexToHash("0x01")), path)
	require.NotEqual(t, state, storage)

	mb.Put(state, &MembatchEntry{Missing: 1})
	mb.Put(storage, &MembatchEntry{Missing: 3})
	mb.Delete(state)
	e, ok := mb.Get(storage)
	require.True(t, ok)
	require.Equal(t, 3, e.Missing)
}
