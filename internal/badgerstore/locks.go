package badgerstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/cern-cta/CTA-sub017/internal/core"
)

// badgerRecords keeps lock records under the lock/ prefix. The item version
// (the commit timestamp of its last write) is the revision.
type badgerRecords struct {
	db *badger.DB
}

func (r badgerRecords) GetRecord(_ context.Context, key string) ([]byte, uint64, error) {
	var (
		data []byte
		rev  uint64
	)
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(lockKey(key))
		if err != nil {
			return err
		}
		rev = item.Version()
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, 0, core.NewNotFoundError("LockRecord", key)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("reading lock record %s: %w", key, err)
	}
	return data, rev, nil
}

func (r badgerRecords) CreateRecord(_ context.Context, key string, data []byte) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(lockKey(key))
		if err == nil {
			return core.NewAlreadyExistsError("LockRecord", key)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(lockKey(key), data)
	})
	// A racing creator commits first; ours reads as already existing.
	if errors.Is(err, badger.ErrConflict) {
		return core.NewAlreadyExistsError("LockRecord", key)
	}
	return err
}

func (r badgerRecords) UpdateRecord(_ context.Context, key string, data []byte, rev uint64) error {
	return r.compareAndSwap(key, rev, func(txn *badger.Txn) error {
		return txn.Set(lockKey(key), data)
	})
}

func (r badgerRecords) DeleteRecord(_ context.Context, key string, rev uint64) error {
	return r.compareAndSwap(key, rev, func(txn *badger.Txn) error {
		return txn.Delete(lockKey(key))
	})
}

func (r badgerRecords) compareAndSwap(key string, rev uint64, write func(txn *badger.Txn) error) error {
	conflict := core.NewConflictError("Lock record changed concurrently.", map[string]any{"resource_id": key})
	err := r.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(lockKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return conflict
		}
		if err != nil {
			return err
		}
		if item.Version() != rev {
			return conflict
		}
		return write(txn)
	})
	if errors.Is(err, badger.ErrConflict) {
		return conflict
	}
	return err
}
