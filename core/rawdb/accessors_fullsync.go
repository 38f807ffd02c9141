package rawdb

import (
	"fmt"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/rlp"
)

// Full sync stores the headers it walks backwards over in a scratch table
// keyed by number, so the body phase can replay them oldest first.

// WriteFullSyncHeader stores a scratch header under its number.
func WriteFullSyncHeader(db ethdb.KeyValueWriter, header *types.Header) error {
	data, err := rlp.EncodeToBytes(header)
	if err != nil {
		return err
	}
	return db.Put(fullSyncHeaderKey(header.Number.Uint64()), data)
}

// ReadFullSyncHeader returns the scratch header at number, or nil.
func ReadFullSyncHeader(db ethdb.KeyValueReader, number uint64) (*types.Header, error) {
	data, _ := db.Get(fullSyncHeaderKey(number))
	if len(data) == 0 {
		return nil, nil
	}
	header := new(types.Header)
	if err := rlp.DecodeBytes(data, header); err != nil {
		return nil, fmt.Errorf("%w: scratch header %d: %v", ErrCorrupt, number, err)
	}
	return header, nil
}

// DeleteFullSyncHeaders drops the whole scratch table.
func DeleteFullSyncHeaders(db ethdb.KeyValueStore) error {
	it := db.NewIterator(fullSyncHeaderPrefix, nil)
	defer it.Release()

	batch := db.NewBatch()
	for it.Next() {
		if err := batch.Delete(it.Key()); err != nil {
			return err
		}
		if batch.ValueSize() >= ethdb.IdealBatchSize {
			if err := batch.Write(); err != nil {
				return err
			}
			batch.Reset()
		}
	}
	if err := it.Error(); err != nil {
		return err
	}
	return batch.Write()
}
