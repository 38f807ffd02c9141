package trie

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

var (
	errDecodeEmpty     = errors.New("trie: empty node blob")
	errDecodeElemCount = errors.New("trie: invalid number of list elements")
	errDecodeInvalid   = errors.New("trie: invalid encoded node")
	errOversizedInline = errors.New("trie: oversized embedded node")
)

// Ref is a hashed child reference. Path is relative to the node it was
// decoded from.
type Ref struct {
	Path Path
	Hash common.Hash
}

// Leaf is a value reachable from a node without resolving any hash. Path is
// relative to the decoded node and holds the full remaining key, without the
// terminator.
type Leaf struct {
	Path  Path
	Value []byte
}

// Node is the flattened view of a decoded trie node that healing needs: the
// hashed children still to be resolved and the leaves already at hand.
// Embedded (inline) children are expanded in place.
type Node struct {
	Refs   []Ref
	Leaves []Leaf
}

// DecodeNode decodes the RLP encoding of a branch, extension or leaf node.
func DecodeNode(blob []byte) (*Node, error) {
	if len(blob) == 0 {
		return nil, errDecodeEmpty
	}
	n := new(Node)
	if err := decodeInto(n, nil, blob); err != nil {
		return nil, err
	}
	return n, nil
}

func decodeInto(n *Node, prefix Path, blob []byte) error {
	elems, _, err := rlp.SplitList(blob)
	if err != nil {
		return fmt.Errorf("%w: %v", errDecodeInvalid, err)
	}
	switch c, _ := rlp.CountValues(elems); c {
	case 2:
		return decodeShort(n, prefix, elems)
	case 17:
		return decodeFull(n, prefix, elems)
	default:
		return fmt.Errorf("%w: %d", errDecodeElemCount, c)
	}
}

func decodeShort(n *Node, prefix Path, elems []byte) error {
	kbuf, rest, err := splitString(elems)
	if err != nil {
		return err
	}
	key := compactToHex(kbuf)
	if hasTerm(key) {
		val, _, err := splitString(rest)
		if err != nil {
			return fmt.Errorf("%w: leaf value: %v", errDecodeInvalid, err)
		}
		n.Leaves = append(n.Leaves, Leaf{
			Path:  prefix.Append(key[:len(key)-1]...),
			Value: val,
		})
		return nil
	}
	if err := decodeRef(n, prefix.Append(key...), rest); err != nil {
		return fmt.Errorf("extension child: %w", err)
	}
	return nil
}

func decodeFull(n *Node, prefix Path, elems []byte) error {
	for i := 0; i < 16; i++ {
		_, _, rest, err := rlp.Split(elems)
		if err != nil {
			return fmt.Errorf("%w: child %d: %v", errDecodeInvalid, i, err)
		}
		if err := decodeRef(n, prefix.Append(byte(i)), elems[:len(elems)-len(rest)]); err != nil {
			return fmt.Errorf("child %d: %w", i, err)
		}
		elems = rest
	}
	val, _, err := splitString(elems)
	if err != nil {
		return fmt.Errorf("%w: branch value: %v", errDecodeInvalid, err)
	}
	if len(val) > 0 {
		n.Leaves = append(n.Leaves, Leaf{Path: prefix.Append(), Value: val})
	}
	return nil
}

// decodeRef decodes one encoded child reference: an empty string, a 32 byte
// hash or an embedded node smaller than a hash.
func decodeRef(n *Node, path Path, buf []byte) error {
	kind, val, rest, err := rlp.Split(buf)
	if err != nil {
		return fmt.Errorf("%w: %v", errDecodeInvalid, err)
	}
	switch {
	case kind == rlp.List:
		if size := len(buf) - len(rest); size > common.HashLength {
			return fmt.Errorf("%w: %d bytes", errOversizedInline, size)
		}
		return decodeInto(n, path, buf[:len(buf)-len(rest)])
	case kind == rlp.String && len(val) == 0:
		return nil
	case kind == rlp.String && len(val) == common.HashLength:
		n.Refs = append(n.Refs, Ref{Path: path, Hash: common.BytesToHash(val)})
		return nil
	default:
		return fmt.Errorf("%w: invalid reference of %d bytes", errDecodeInvalid, len(val))
	}
}

// splitString reads one string element, accepting the single-byte form.
func splitString(b []byte) (content, rest []byte, err error) {
	kind, content, rest, err := rlp.Split(b)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errDecodeInvalid, err)
	}
	if kind == rlp.List {
		return nil, nil, fmt.Errorf("%w: expected string, got list", errDecodeInvalid)
	}
	return content, rest, nil
}
