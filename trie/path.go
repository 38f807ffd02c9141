// Package trie holds the Merkle-Patricia trie pieces the sync engine needs:
// nibble paths that address nodes inside the state and storage tries, node
// decoding for healing, range-proof verification for downloaded ranges and
// a streaming builder that rebuilds tries from sorted snapshot data.
package trie

import (
	"encoding/hex"

	"github.com/ethereum/go-ethereum/common"
)

// Path is a sequence of nibbles (values 0-15) locating a node relative to
// the root of its trie. The empty path is the root.
type Path []byte

// PathFromHash returns the full 64-nibble path of a hashed key.
func PathFromHash(h common.Hash) Path {
	hex := keybytesToHex(h[:])
	return Path(hex[:len(hex)-1])
}

// PathFromCompact decodes a hex-prefix encoded path. Leaf terminators are
// dropped.
func PathFromCompact(compact []byte) Path {
	hex := compactToHex(compact)
	if hasTerm(hex) {
		hex = hex[:len(hex)-1]
	}
	return Path(hex)
}

// Append returns a new path with the nibbles appended. The receiver is never
// modified, so paths can be shared between queued requests.
func (p Path) Append(nibbles ...byte) Path {
	out := make(Path, len(p)+len(nibbles))
	copy(out, p)
	copy(out[len(p):], nibbles)
	return out
}

// Equal reports whether both paths hold the same nibbles.
func (p Path) Equal(o Path) bool {
	return string(p) == string(o)
}

// Compact returns the hex-prefix encoding of the path.
func (p Path) Compact() []byte {
	return hexToCompact(p)
}

// IsFull reports whether the path spells out a complete 32-byte key.
func (p Path) IsFull() bool {
	return len(p) == 2*common.HashLength
}

// Hash packs a full path back into the key it spells out. ok is false if the
// path is not exactly 64 nibbles long.
func (p Path) Hash() (h common.Hash, ok bool) {
	if !p.IsFull() {
		return common.Hash{}, false
	}
	copy(h[:], hexToKeybytes(p))
	return h, true
}

// String renders the path as a nibble string, e.g. "0a3f".
func (p Path) String() string {
	const digits = "0123456789abcdef"
	buf := make([]byte, len(p))
	for i, n := range p {
		if n < 16 {
			buf[i] = digits[n]
		} else {
			buf[i] = 'T'
		}
	}
	return string(buf)
}

// PathKey identifies a node across the whole state and storage trie forest.
// Storage trie nodes carry the owning account's path, state trie nodes an
// empty one.
type PathKey string

// NewPathKey builds the key for the node at storage within the trie owned by
// account. The two halves are separated by a byte no nibble can take.
func NewPathKey(account, storage Path) PathKey {
	buf := make([]byte, 0, len(account)+1+len(storage))
	buf = append(buf, account...)
	buf = append(buf, 0xff)
	buf = append(buf, storage...)
	return PathKey(buf)
}

func (k PathKey) String() string {
	return hex.EncodeToString([]byte(k))
}
