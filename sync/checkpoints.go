package sync

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
)

// Checkpoint pins the hash of one block. Header batches that contradict a
// checkpoint are dropped before they reach the header store.
type Checkpoint struct {
	Number uint64      `toml:"number"`
	Hash   common.Hash `toml:"hash"`
}

var builtinCheckpoints = map[uint64][]Checkpoint{
	params.MainnetChainConfig.ChainID.Uint64(): {
		{Number: 0, Hash: params.MainnetGenesisHash},
		{Number: 1, Hash: common.HexToHash("0x88e96d4537bea4d9c05d12549907b32561d3bf31f45aae734cdc119f13406cb6")},
		{Number: params.MainnetChainConfig.DAOForkBlock.Uint64(), Hash: common.HexToHash("0x4985f5ca3d2afbec36529aa96f74de3cc10a2a4a6c44f2157a57d2c6059a11bb")},
		// First proof-of-stake block.
		{Number: 15_537_394, Hash: common.HexToHash("0x56a9bb0302da44b8c0b3df540781424684c3af04d0b7a38d72842b762076a664")},
	},
	params.SepoliaChainConfig.ChainID.Uint64(): {
		{Number: 0, Hash: params.SepoliaGenesisHash},
	},
	params.HoleskyChainConfig.ChainID.Uint64(): {
		{Number: 0, Hash: params.HoleskyGenesisHash},
	},
	params.HoodiChainConfig.ChainID.Uint64(): {
		{Number: 0, Hash: params.HoodiGenesisHash},
	},
}

// Checkpoints maps block numbers to their known hashes.
type Checkpoints map[uint64]common.Hash

// NewCheckpoints merges the built-in checkpoints of chainID with extra. An
// unknown chain only gets extra. A configured entry that disagrees with an
// earlier one is an error; the returned set keeps the earlier hash.
func NewCheckpoints(chainID uint64, extra []Checkpoint) (Checkpoints, error) {
	cps := make(Checkpoints)
	for _, cp := range builtinCheckpoints[chainID] {
		cps[cp.Number] = cp.Hash
	}
	var err error
	for _, cp := range extra {
		if have, ok := cps[cp.Number]; ok && have != cp.Hash {
			if err == nil {
				err = fmt.Errorf("%w: checkpoint %d is %s, configured %s", ErrConfigRange, cp.Number, have, cp.Hash)
			}
			continue
		}
		cps[cp.Number] = cp.Hash
	}
	return cps, err
}

// Check returns an error for the first header whose own hash, or whose
// parent link, contradicts a checkpoint.
func (c Checkpoints) Check(headers []*types.Header) error {
	if len(c) == 0 {
		return nil
	}
	for _, h := range headers {
		n := h.Number.Uint64()
		if want, ok := c[n]; ok {
			if got := h.Hash(); got != want {
				return fmt.Errorf("%w: header %d is %s, want %s", ErrCheckpointMismatch, n, got, want)
			}
		}
		if n == 0 {
			continue
		}
		if want, ok := c[n-1]; ok && h.ParentHash != want {
			return fmt.Errorf("%w: header %d has parent %s, want %s", ErrCheckpointMismatch, n, h.ParentHash, want)
		}
	}
	return nil
}
