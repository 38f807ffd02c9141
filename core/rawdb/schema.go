package rawdb

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
)

// Key prefixes for the database schema. Every record type gets its own
// prefix so that keys of different kinds never collide.
var (
	headerPrefix       = []byte("h") // h + num (8 bytes BE) + hash -> header RLP
	headerNumberPrefix = []byte("H") // H + hash -> num (8 bytes BE)
	canonicalPrefix    = []byte("c") // c + num (8 bytes BE) -> canonical hash
	headHeaderKey      = []byte("LastHeader")
	headBlockKey       = []byte("LastBlock")

	codePrefix     = []byte("C") // C + code hash -> contract bytecode
	trieNodePrefix = []byte("t") // t + node hash -> trie node RLP

	snapshotAccountPrefix = []byte("a") // a + account hash -> slim account RLP
	snapshotStoragePrefix = []byte("o") // o + account hash + slot hash -> slot value

	fullSyncHeaderPrefix  = []byte("F") // F + num (8 bytes BE) -> header RLP, scratch space
	pendingBlockPrefix    = []byte("p") // p + hash -> block RLP
	invalidAncestorPrefix = []byte("I") // I + bad hash -> latest valid ancestor hash
)

// encodeBlockNumber encodes a block number as an 8-byte big-endian value.
func encodeBlockNumber(number uint64) []byte {
	enc := make([]byte, 8)
	binary.BigEndian.PutUint64(enc, number)
	return enc
}

func join(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// headerKey = headerPrefix + num + hash
func headerKey(number uint64, hash common.Hash) []byte {
	return join(headerPrefix, encodeBlockNumber(number), hash[:])
}

// headerNumberKey = headerNumberPrefix + hash
func headerNumberKey(hash common.Hash) []byte {
	return join(headerNumberPrefix, hash[:])
}

// canonicalKey = canonicalPrefix + num
func canonicalKey(number uint64) []byte {
	return join(canonicalPrefix, encodeBlockNumber(number))
}

// codeKey = codePrefix + codeHash
func codeKey(codeHash common.Hash) []byte {
	return join(codePrefix, codeHash[:])
}

// trieNodeKey = trieNodePrefix + hash
func trieNodeKey(hash common.Hash) []byte {
	return join(trieNodePrefix, hash[:])
}

// accountSnapshotKey = snapshotAccountPrefix + account hash
func accountSnapshotKey(account common.Hash) []byte {
	return join(snapshotAccountPrefix, account[:])
}

// storageSnapshotKey = snapshotStoragePrefix + account hash + slot hash
func storageSnapshotKey(account, slot common.Hash) []byte {
	return join(snapshotStoragePrefix, account[:], slot[:])
}

// storageSnapshotsKey = snapshotStoragePrefix + account hash
func storageSnapshotsKey(account common.Hash) []byte {
	return join(snapshotStoragePrefix, account[:])
}

// fullSyncHeaderKey = fullSyncHeaderPrefix + num
func fullSyncHeaderKey(number uint64) []byte {
	return join(fullSyncHeaderPrefix, encodeBlockNumber(number))
}

// pendingBlockKey = pendingBlockPrefix + hash
func pendingBlockKey(hash common.Hash) []byte {
	return join(pendingBlockPrefix, hash[:])
}

// invalidAncestorKey = invalidAncestorPrefix + hash
func invalidAncestorKey(hash common.Hash) []byte {
	return join(invalidAncestorPrefix, hash[:])
}
