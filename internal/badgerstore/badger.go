// Package badgerstore stores objects and lock records in an embedded
// BadgerDB.
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/cern-cta/CTA-sub017/internal/backend"
	"github.com/cern-cta/CTA-sub017/internal/core"
)

// key prefixes
const (
	keyPrefixObject = "obj/"
	keyPrefixLock   = "lock/"
)

func objectKey(name string) []byte { return []byte(keyPrefixObject + name) }
func lockKey(name string) []byte   { return []byte(keyPrefixLock + name) }

// Backend implements backend.Backend using BadgerDB.
type Backend struct {
	db     *badger.DB
	path   string
	locker *backend.RecordLocker
	logger *slog.Logger
}

// Open opens the database directory at path. An empty path opens an
// in-memory database.
func Open(path string, opts ...backend.LockerOption) (*Backend, error) {
	bopts := badger.DefaultOptions(path)
	if path == "" {
		bopts = bopts.WithInMemory(true)
	}
	bopts.Logger = nil // badger has its own logger interface

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	b := &Backend{
		db:     db,
		path:   path,
		logger: slog.Default().With("component", "badgerstore"),
	}
	b.locker = backend.NewRecordLocker(badgerRecords{db: db}, b.Exists, opts...)
	b.logger.Info("badger object store opened", "path", path, "in_memory", path == "")
	return b, nil
}

// retryUpdate retries a BadgerDB update on transaction conflicts.
func (b *Backend) retryUpdate(ctx context.Context, fn func(txn *badger.Txn) error) error {
	const maxRetries = 50
	const retryDelay = time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			time.Sleep(retryDelay)
		}
		err := b.db.Update(fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, badger.ErrConflict) {
			lastErr = err
			continue
		}
		return err
	}
	return fmt.Errorf("transaction conflict after %d retries: %w", maxRetries, lastErr)
}

func (b *Backend) Create(ctx context.Context, name string, payload []byte) error {
	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(objectKey(name))
		if err == nil {
			return core.NewAlreadyExistsError("Object", name)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(objectKey(name), nonNil(payload))
	})
}

func (b *Backend) Exists(_ context.Context, name string) (bool, error) {
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(objectKey(name))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking object %s: %w", name, err)
	}
	return true, nil
}

func (b *Backend) Read(_ context.Context, name string) ([]byte, error) {
	var payload []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(objectKey(name))
		if err != nil {
			return err
		}
		payload, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, core.NewNoSuchObjectError(name)
	}
	if err != nil {
		return nil, fmt.Errorf("reading object %s: %w", name, err)
	}
	return payload, nil
}

func (b *Backend) Write(ctx context.Context, name string, payload []byte) error {
	err := b.retryUpdate(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(objectKey(name)); err != nil {
			return err
		}
		return txn.Set(objectKey(name), nonNil(payload))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return core.NewNoSuchObjectError(name)
	}
	return err
}

func (b *Backend) Remove(ctx context.Context, name string) error {
	err := b.retryUpdate(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(objectKey(name)); err != nil {
			return err
		}
		return txn.Delete(objectKey(name))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return core.NewNoSuchObjectError(name)
	}
	return err
}

func (b *Backend) List(_ context.Context) ([]string, error) {
	var names []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefixObject)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			names = append(names, strings.TrimPrefix(string(it.Item().Key()), keyPrefixObject))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing objects: %w", err)
	}
	return names, nil
}

func (b *Backend) LockExclusive(ctx context.Context, name string, timeout time.Duration) (backend.Lock, error) {
	return b.locker.Lock(ctx, name, backend.LockExclusive, timeout)
}

func (b *Backend) LockShared(ctx context.Context, name string, timeout time.Duration) (backend.Lock, error) {
	return b.locker.Lock(ctx, name, backend.LockShared, timeout)
}

func (b *Backend) LockState(ctx context.Context, name string) (*backend.LockInfo, error) {
	return b.locker.State(ctx, name)
}

func (b *Backend) Describe() string {
	if b.path == "" {
		return "badger(memory)"
	}
	return "badger(" + b.path + ")"
}

func (b *Backend) Close() error {
	return b.db.Close()
}

func nonNil(p []byte) []byte {
	if p == nil {
		return []byte{}
	}
	return p
}
