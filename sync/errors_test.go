package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/eth2030/statesync/core/rawdb"
)

func TestIsRecoverable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, true},
		{ErrNoBlocks, true},
		{fmt.Errorf("walk: %w", ErrHeaderFetchExhausted), true},
		{ErrBodiesNotFound, true},
		{ErrAccountRangeFailed, true},
		{ErrHeaderChainMismatch, true},
		{fmt.Errorf("peer a: %w", ErrCheckpointMismatch), true},
		{errors.New("peer went away"), true},
		{context.DeadlineExceeded, true},
		{context.Canceled, false},
		{fmt.Errorf("heal: %w", context.Canceled), false},
		{ErrStateRootMismatch, false},
		{fmt.Errorf("read: %w", ErrCorruptDB), false},
		{fmt.Errorf("%w: account 0x01: rlp: too short", rawdb.ErrCorrupt), false},
		{ErrMissingFullSyncBatch, false},
		{ErrInvariant, false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, IsRecoverable(tt.err), "err %v", tt.err)
	}
}

func TestBatchFailureUnwrap(t *testing.T) {
	bad := common.HexToHash("0xbad")
	good := common.HexToHash("0x600d")
	var err error = &BatchFailure{LastValidHash: good, FailedBlockHash: bad, Err: fmt.Errorf("gas: %w", ErrInvalidBlock)}
	err = fmt.Errorf("execute: %w", err)

	var failure *BatchFailure
	require.ErrorAs(t, err, &failure)
	require.Equal(t, bad, failure.FailedBlockHash)
	require.ErrorIs(t, err, ErrInvalidBlock)
	require.True(t, IsRecoverable(err))
}
