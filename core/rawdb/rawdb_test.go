package rawdb

import (
	"bytes"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func makeHash(b byte) common.Hash {
	var h common.Hash
	h[31] = b
	return h
}

func makeHeader(number uint64, parent common.Hash) *types.Header {
	return &types.Header{
		ParentHash: parent,
		Number:     new(big.Int).SetUint64(number),
		Difficulty: new(big.Int),
		GasLimit:   30_000_000,
		Time:       1_700_000_000 + number*12,
	}
}

func TestSchema_NoPrefixCollision(t *testing.T) {
	h := makeHash(1)
	keys := [][]byte{
		headerKey(1, h),
		headerNumberKey(h),
		canonicalKey(1),
		codeKey(h),
		trieNodeKey(h),
		accountSnapshotKey(h),
		storageSnapshotKey(h, h),
		fullSyncHeaderKey(1),
		pendingBlockKey(h),
		invalidAncestorKey(h),
	}
	seen := make(map[string]bool)
	for _, k := range keys {
		require.False(t, seen[string(k)], "duplicate key %x", k)
		seen[string(k)] = true
	}
}

func TestHeader_Roundtrip(t *testing.T) {
	db := NewMemoryDatabase()
	h := makeHeader(42, makeHash(9))
	require.NoError(t, WriteHeader(db, h))

	got, err := ReadHeader(db, h.Hash())
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, h.Hash(), got.Hash())
	require.Equal(t, uint64(42), *ReadHeaderNumber(db, h.Hash()))

	missing, err := ReadHeader(db, makeHash(99))
	require.NoError(t, err)
	require.Nil(t, missing)
	require.Nil(t, ReadHeaderNumber(db, makeHash(99)))
}

func TestSnapshot_StorageIteration(t *testing.T) {
	db := NewMemoryDatabase()
	acct, other := makeHash(1), makeHash(2)

	slots := []common.Hash{makeHash(30), makeHash(10), makeHash(20)}
	for _, s := range slots {
		require.NoError(t, WriteStorageSnapshot(db, acct, s, s[31:]))
	}
	require.NoError(t, WriteStorageSnapshot(db, other, makeHash(5), []byte{5}))

	var got []common.Hash
	err := IterateStorageSnapshot(db, acct, func(slot common.Hash, value []byte) error {
		require.Equal(t, slot[31:], value)
		got = append(got, slot)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []common.Hash{makeHash(10), makeHash(20), makeHash(30)}, got)
}

func TestSnapshot_Account(t *testing.T) {
	db := NewMemoryDatabase()
	acct := &types.StateAccount{
		Nonce:    7,
		Balance:  uint256.NewInt(1000),
		Root:     types.EmptyRootHash,
		CodeHash: types.EmptyCodeHash.Bytes(),
	}
	require.NoError(t, WriteAccountSnapshot(db, makeHash(1), acct))

	got, err := ReadAccountSnapshot(db, makeHash(1))
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, uint64(7), got.Nonce)
	require.Equal(t, types.EmptyRootHash, got.Root)
	require.True(t, bytes.Equal(types.EmptyCodeHash.Bytes(), got.CodeHash))

	missing, err := ReadAccountSnapshot(db, makeHash(2))
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestCorruptEntries(t *testing.T) {
	s := NewSyncDB(NewMemoryDatabase())
	db := s.DB()
	garbage := []byte{0xff, 0x01, 0x02}

	hash := makeHash(7)
	require.NoError(t, db.Put(accountSnapshotKey(hash), garbage))
	_, err := s.Account(hash)
	require.ErrorIs(t, err, ErrCorrupt)

	require.NoError(t, db.Put(pendingBlockKey(hash), garbage))
	_, err = s.PendingBlock(hash)
	require.ErrorIs(t, err, ErrCorrupt)

	require.NoError(t, db.Put(headerNumberKey(hash), encodeBlockNumber(5)))
	require.NoError(t, db.Put(headerKey(5, hash), garbage))
	_, err = ReadHeader(db, hash)
	require.ErrorIs(t, err, ErrCorrupt)

	require.NoError(t, db.Put(fullSyncHeaderKey(3), garbage))
	_, err = s.ReadFullSyncBatch(3, 1)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestFullSyncScratch(t *testing.T) {
	s := NewSyncDB(NewMemoryDatabase())
	var headers []*types.Header
	parent := common.Hash{}
	for n := uint64(1); n <= 5; n++ {
		h := makeHeader(n, parent)
		headers = append(headers, h)
		parent = h.Hash()
	}
	require.NoError(t, s.AddFullSyncBatch(headers))

	got, err := s.ReadFullSyncBatch(2, 5)
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i := 0; i < 4; i++ {
		require.Equal(t, headers[i+1].Hash(), got[i].Hash())
	}
	require.Nil(t, got[4], "header 6 was never written")

	require.NoError(t, s.ClearFullSyncHeaders())
	got, err = s.ReadFullSyncBatch(1, 5)
	require.NoError(t, err)
	for _, h := range got {
		require.Nil(t, h)
	}
}

func TestForkchoiceUpdate(t *testing.T) {
	s := NewSyncDB(NewMemoryDatabase())
	h1 := makeHeader(1, common.Hash{})
	h2 := makeHeader(2, h1.Hash())
	side := makeHeader(2, makeHash(77))

	require.NoError(t, s.WriteHeaders([]*types.Header{side}))
	ok, err := s.IsCanonical(side.Hash())
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.ForkchoiceUpdate([]*types.Header{h1, h2}))
	for _, h := range []*types.Header{h1, h2} {
		ok, err := s.IsCanonical(h.Hash())
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.Equal(t, h2.Hash(), ReadHeadHeaderHash(s.DB()))
	require.Equal(t, h2.Hash(), ReadHeadBlockHash(s.DB()))

	require.ErrorIs(t, s.ForkchoiceUpdate(nil), ErrEmptyForkchoice)
}

func TestPendingBlocks(t *testing.T) {
	s := NewSyncDB(NewMemoryDatabase())
	block := types.NewBlockWithHeader(makeHeader(10, makeHash(3)))
	require.NoError(t, s.AddPendingBlock(block))

	got, err := s.PendingBlock(block.Hash())
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, block.Hash(), got.Hash())

	require.NoError(t, DeletePendingBlock(s.DB(), block.Hash()))
	got, err = s.PendingBlock(block.Hash())
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestLatestValidAncestor(t *testing.T) {
	s := NewSyncDB(NewMemoryDatabase())
	_, ok := s.LatestValidAncestor(makeHash(1))
	require.False(t, ok)

	require.NoError(t, s.SetLatestValidAncestor(makeHash(1), makeHash(2)))
	valid, ok := s.LatestValidAncestor(makeHash(1))
	require.True(t, ok)
	require.Equal(t, makeHash(2), valid)
}

func TestSyncDB_LengthMismatch(t *testing.T) {
	s := NewSyncDB(NewMemoryDatabase())
	require.ErrorIs(t, s.WriteTrieNodes([]common.Hash{makeHash(1)}, nil), ErrLengthMismatch)
	require.ErrorIs(t, s.WriteStorage(makeHash(1), nil, [][]byte{{1}}), ErrLengthMismatch)
	require.ErrorIs(t, s.WriteCodes(nil, [][]byte{{1}}), ErrLengthMismatch)
}

func TestOpenDatabase_LevelDB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chaindata")
	db, err := OpenDatabase(path, 16, 16, false)
	require.NoError(t, err)

	s := NewSyncDB(db)
	require.NoError(t, s.WriteTrieNodes([]common.Hash{makeHash(1)}, [][]byte{{0xc0}}))
	require.NoError(t, s.Close())

	db, err = OpenDatabase(path, 16, 16, true)
	require.NoError(t, err)
	defer db.Close()
	ok, err := HasTrieNode(db, makeHash(1))
	require.NoError(t, err)
	require.True(t, ok)
}
