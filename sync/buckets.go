package sync

import (
	"bytes"
	"context"
	"sort"
	gosync "sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

// NumBuckets is the number of fixed account-hash partitions. A bucket is
// chosen by the first byte of the hash.
const NumBuckets = 256

// AccountUpdate is one downloaded account, keyed by its hashed address.
type AccountUpdate struct {
	Hash    common.Hash
	Account *types.StateAccount
}

// BucketOf returns the bucket an account hash belongs to.
func BucketOf(h common.Hash) uint8 { return h[0] }

// BucketRange returns the inclusive hash range of bucket i.
func BucketRange(i uint8) (start, end common.Hash) {
	s := new(uint256.Int).Lsh(uint256.NewInt(uint64(i)), 248)
	e := new(uint256.Int)
	if i == NumBuckets-1 {
		e.SetAllOne()
	} else {
		e.Lsh(uint256.NewInt(uint64(i)+1), 248)
		e.SubUint64(e, 1)
	}
	return s.Bytes32(), e.Bytes32()
}

// nextHash returns h+1. ok is false when h is the all-ones hash.
func nextHash(h common.Hash) (next common.Hash, ok bool) {
	v := new(uint256.Int).SetBytes32(h[:])
	v, overflow := v.AddOverflow(v, uint256.NewInt(1))
	if overflow {
		return common.Hash{}, false
	}
	return v.Bytes32(), true
}

// sortDedup orders updates by hash and drops adjacent duplicates in place.
// Running it on its own output is a no-op.
func sortDedup(updates []AccountUpdate) []AccountUpdate {
	sort.SliceStable(updates, func(i, j int) bool {
		return bytes.Compare(updates[i].Hash[:], updates[j].Hash[:]) < 0
	})
	out := updates[:0]
	for i, u := range updates {
		if i > 0 && u.Hash == out[len(out)-1].Hash {
			continue
		}
		out = append(out, u)
	}
	return out
}

// bucketSet fans verified accounts out into 256 append buffers. Each bucket
// has one bounded channel and one writer goroutine, so a buffer is never
// touched by two writers.
type bucketSet struct {
	chans [NumBuckets]chan []AccountUpdate
	bufs  [NumBuckets][]AccountUpdate
	wg    gosync.WaitGroup
}

func newBucketSet(capacity int) *bucketSet {
	b := new(bucketSet)
	for i := range b.chans {
		b.chans[i] = make(chan []AccountUpdate, capacity)
		b.wg.Add(1)
		go func(i int) {
			defer b.wg.Done()
			for batch := range b.chans[i] {
				b.bufs[i] = append(b.bufs[i], batch...)
			}
		}(i)
	}
	return b
}

// send groups updates by bucket and hands each group to its writer. Updates
// need not be sorted.
func (b *bucketSet) send(ctx context.Context, updates []AccountUpdate) error {
	var groups [NumBuckets][]AccountUpdate
	for _, u := range updates {
		id := BucketOf(u.Hash)
		groups[id] = append(groups[id], u)
	}
	for id, group := range groups {
		if len(group) == 0 {
			continue
		}
		select {
		case b.chans[id] <- group:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// close stops the writers and waits for them to drain.
func (b *bucketSet) close() {
	for _, ch := range b.chans {
		close(ch)
	}
	b.wg.Wait()
}

// bucket returns the sorted, deduplicated contents of bucket i. Only valid
// after close.
func (b *bucketSet) bucket(i int) []AccountUpdate {
	b.bufs[i] = sortDedup(b.bufs[i])
	return b.bufs[i]
}
