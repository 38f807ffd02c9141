// account_fetcher.go implements the bucket-based account range fetcher. It
// sweeps the account trie of the pivot from the zero hash upwards, verifies
// each batch against its range proof before anything else touches it, fans
// the accounts out into 256 buckets and finally inserts the buckets in hash
// order: snapshot entries, a rebuilt state trie and the storage and code
// work the accounts imply.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/eth2030/statesync/log"
	"github.com/eth2030/statesync/trie"
)

var (
	errStale      = errors.New("sync: pivot stale")
	errNoResponse = errors.New("sync: peer returned no data")
)

// StorageTask asks for the storage of one account, expected to hash to
// Root.
type StorageTask struct {
	Account common.Hash
	Root    common.Hash
}

// AccountResult summarizes one account fetcher run.
type AccountResult struct {
	Root         common.Hash // root of the rebuilt state trie
	Accounts     int
	StorageTasks int
	Codes        int
	Complete     bool
}

// AccountFetcher downloads the account range of a state root.
type AccountFetcher struct {
	cfg     AccountFetcherConfig
	peer    SnapPeer
	store   Store
	metrics *Metrics
	log     *log.Logger
	chunks  *ChunkSizer
}

// NewAccountFetcher creates an account fetcher.
func NewAccountFetcher(cfg AccountFetcherConfig, peer SnapPeer, store Store, m *Metrics, logger *log.Logger) *AccountFetcher {
	chunks := NewChunkSizer(cfg)
	chunks.observed = func(divisor uint64) { m.AccountChunkDivisor.Set(int64(divisor)) }
	m.AccountChunkDivisor.Set(int64(chunks.divisor))
	return &AccountFetcher{
		cfg:     cfg,
		peer:    peer,
		store:   store,
		metrics: m,
		log:     logger.Module("snap/accounts"),
		chunks:  chunks,
	}
}

func (f *AccountFetcher) backoff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.cfg.RetryInitial.Duration
	bo.MaxInterval = f.cfg.RetryMax.Duration
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(bo, f.cfg.MaxRetriesPerRange), ctx)
}

// Run sweeps the accounts of root. Storage tasks and code hashes are sent on
// storageOut and codeOut as buckets get inserted; either may be nil. A stale
// pivot ends the sweep early with Complete unset; what was downloaded so far
// is still inserted.
func (f *AccountFetcher) Run(ctx context.Context, root common.Hash, stale func() bool, storageOut chan<- []StorageTask, codeOut chan<- []common.Hash) (AccountResult, error) {
	buckets := newBucketSet(f.cfg.BucketChannelCapacity)
	complete, err := f.sweep(ctx, root, stale, buckets)
	buckets.close()
	if err != nil {
		return AccountResult{}, err
	}
	res, err := f.insert(ctx, buckets, storageOut, codeOut)
	if err != nil {
		return AccountResult{}, err
	}
	res.Complete = complete
	if complete && res.Root != root {
		return res, fmt.Errorf("%w: rebuilt %s, want %s", ErrStateRootMismatch, res.Root, root)
	}
	f.log.Info("Account range done", "accounts", res.Accounts, "storage", res.StorageTasks, "codes", res.Codes, "complete", complete)
	return res, nil
}

// sweep pulls verified batches until the trie is exhausted or the pivot goes
// stale. Each request is bounded by the chunk sizer; a peer answers up to the
// first key at or past the limit, so a non-empty trie tail never yields an
// empty batch.
func (f *AccountFetcher) sweep(ctx context.Context, root common.Hash, stale func() bool, buckets *bucketSet) (bool, error) {
	cursor := common.Hash{}
	for {
		var (
			batch []AccountUpdate
			more  bool
		)
		op := func() error {
			if stale() {
				return backoff.Permanent(errStale)
			}
			start := time.Now()
			resp, err := f.peer.RequestAccountRange(ctx, root, cursor, f.chunks.Limit(cursor))
			if err != nil {
				return err
			}
			if resp == nil {
				return errNoResponse
			}
			batch, more, err = verifyAccountRange(root, cursor, resp)
			if err != nil {
				return err
			}
			f.chunks.Record(len(batch), time.Since(start))
			return nil
		}
		notify := func(err error, wait time.Duration) {
			f.log.Debug("Account range retry", "cursor", cursor, "wait", wait, "err", err)
		}
		if err := backoff.RetryNotify(op, f.backoff(ctx), notify); err != nil {
			switch {
			case errors.Is(err, errStale):
				f.log.Info("Pivot stale, stopping account sweep", "cursor", cursor)
				return false, nil
			case ctx.Err() != nil:
				return false, ctx.Err()
			default:
				return false, fmt.Errorf("%w: cursor %s: %v", ErrAccountRangeFailed, cursor, err)
			}
		}
		if err := buckets.send(ctx, batch); err != nil {
			return false, err
		}
		f.metrics.AccountsDownloaded.Add(int64(len(batch)))

		if !more || len(batch) == 0 {
			return true, nil
		}
		next, ok := nextHash(batch[len(batch)-1].Hash)
		if !ok {
			return true, nil
		}
		cursor = next
	}
}

// verifyAccountRange checks the whole answer against its proof before any of
// it is used.
func verifyAccountRange(root, origin common.Hash, resp *AccountRange) ([]AccountUpdate, bool, error) {
	if len(resp.Hashes) != len(resp.Accounts) {
		return nil, false, fmt.Errorf("%w: %d hashes, %d accounts", trie.ErrRangeMismatch, len(resp.Hashes), len(resp.Accounts))
	}
	values := make([][]byte, len(resp.Accounts))
	for i, acct := range resp.Accounts {
		if acct == nil {
			return nil, false, fmt.Errorf("%w: nil account at %d", trie.ErrRangeProof, i)
		}
		enc, err := rlp.EncodeToBytes(acct)
		if err != nil {
			return nil, false, err
		}
		values[i] = enc
	}
	more, err := trie.VerifyRange(root, origin, resp.Hashes, values, resp.Proof)
	if err != nil {
		return nil, false, err
	}
	batch := make([]AccountUpdate, len(resp.Hashes))
	for i := range resp.Hashes {
		batch[i] = AccountUpdate{Hash: resp.Hashes[i], Account: resp.Accounts[i]}
	}
	return batch, more, nil
}

// insert walks the buckets in ascending order. Buckets partition the hash
// space in order, so the concatenation is globally sorted and can feed the
// trie builder directly.
func (f *AccountFetcher) insert(ctx context.Context, buckets *bucketSet, storageOut chan<- []StorageTask, codeOut chan<- []common.Hash) (AccountResult, error) {
	var res AccountResult
	nodes := newNodeSink(f.store)
	builder := trie.NewBuilder(nodes.add)

	var (
		tasks []StorageTask
		codes []common.Hash
	)
	flushTasks := func(final bool) error {
		if storageOut == nil || len(tasks) == 0 || (!final && len(tasks) < f.cfg.StorageChannelBatch) {
			return nil
		}
		select {
		case storageOut <- tasks:
		case <-ctx.Done():
			return ctx.Err()
		}
		tasks = nil
		return nil
	}
	flushCodes := func(final bool) error {
		if codeOut == nil || len(codes) == 0 || (!final && len(codes) < f.cfg.StorageChannelBatch) {
			return nil
		}
		select {
		case codeOut <- codes:
		case <-ctx.Done():
			return ctx.Err()
		}
		codes = nil
		return nil
	}

	for i := 0; i < NumBuckets; i++ {
		updates := buckets.bucket(i)
		if len(updates) == 0 {
			continue
		}
		hashes := make([]common.Hash, len(updates))
		accounts := make([]*types.StateAccount, len(updates))
		for j, u := range updates {
			hashes[j], accounts[j] = u.Hash, u.Account

			enc, err := rlp.EncodeToBytes(u.Account)
			if err != nil {
				return res, err
			}
			if err := builder.Add(u.Hash, enc); err != nil {
				return res, fmt.Errorf("%w: bucket %d: %v", ErrInvariant, i, err)
			}
			if u.Account.Root != types.EmptyRootHash && u.Account.Root != (common.Hash{}) {
				tasks = append(tasks, StorageTask{Account: u.Hash, Root: u.Account.Root})
				res.StorageTasks++
			}
			if ch := common.BytesToHash(u.Account.CodeHash); len(u.Account.CodeHash) > 0 && ch != types.EmptyCodeHash {
				codes = append(codes, ch)
				res.Codes++
			}
		}
		if err := f.store.WriteAccounts(hashes, accounts); err != nil {
			return res, fmt.Errorf("write accounts of bucket %d: %w", i, err)
		}
		res.Accounts += len(updates)
		if err := flushTasks(false); err != nil {
			return res, err
		}
		if err := flushCodes(false); err != nil {
			return res, err
		}
	}
	if err := flushTasks(true); err != nil {
		return res, err
	}
	if err := flushCodes(true); err != nil {
		return res, err
	}
	res.Root = builder.Root()
	if err := nodes.flush(); err != nil {
		return res, err
	}
	return res, nil
}
