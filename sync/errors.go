package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/eth2030/statesync/core/rawdb"
)

// Retryable errors. The caller starts a fresh sync cycle.
var (
	ErrNoBlocks             = errors.New("sync: no blocks found")
	ErrHeaderFetchExhausted = errors.New("full sync: header fetch attempts exhausted")
	ErrBodiesNotFound       = errors.New("full sync: block bodies not found")
	ErrAccountRangeFailed   = errors.New("account fetcher: range request failed after retries")
	ErrPivotUnavailable     = errors.New("pivot: no header for pivot")
	ErrCoordinatorClosed    = errors.New("coordinator: closed")
	ErrInvalidBlock         = errors.New("chain: invalid block")
	ErrHeaderChainMismatch  = errors.New("sync: downloaded headers do not reach the pivot")
	ErrCheckpointMismatch   = errors.New("sync: header contradicts checkpoint")
)

// Fatal errors. The computed result is wrong and retrying with the same
// inputs cannot help.
var (
	ErrStateRootMismatch    = errors.New("sync: state root mismatch after healing")
	ErrCorruptDB            = rawdb.ErrCorrupt
	ErrMissingFullSyncBatch = errors.New("full sync: missing scratch headers")
	ErrInvariant            = errors.New("sync: invariant violated")
)

var fatalErrors = []error{
	ErrStateRootMismatch,
	ErrCorruptDB,
	ErrMissingFullSyncBatch,
	ErrInvariant,
}

// IsRecoverable reports whether a sync cycle that failed with err may simply
// be retried. Cancellation is not recoverable: the host asked us to stop.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	for _, fatal := range fatalErrors {
		if errors.Is(err, fatal) {
			return false
		}
	}
	return true
}

// BatchFailure is returned by the execution engine when a block inside a
// batch fails. LastValidHash is the last block that was applied.
type BatchFailure struct {
	LastValidHash   common.Hash
	FailedBlockHash common.Hash
	Err             error
}

func (e *BatchFailure) Error() string {
	return fmt.Sprintf("batch failed at block %s (last valid %s): %v", e.FailedBlockHash, e.LastValidHash, e.Err)
}

func (e *BatchFailure) Unwrap() error { return e.Err }
