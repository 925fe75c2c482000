package kv

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cern-cta/CTA-sub017/internal/backend"
	"github.com/cern-cta/CTA-sub017/internal/core"
)

// Backend implements backend.Backend over two NATS KV buckets: one holding
// object payloads and one holding lock records.
type Backend struct {
	objects *Store
	locker  *backend.RecordLocker
	locks   *Store
}

// NewBackend creates a backend from the object and lock bucket stores.
func NewBackend(objects, locks *Store, opts ...backend.LockerOption) *Backend {
	b := &Backend{objects: objects, locks: locks}
	b.locker = backend.NewRecordLocker(NewLockRecords(locks), b.Exists, opts...)
	return b
}

func (b *Backend) Create(ctx context.Context, name string, payload []byte) error {
	_, err := b.objects.Create(ctx, name, payload)
	if core.CodeOf(err) == core.ErrCodeAlreadyExists {
		return core.NewAlreadyExistsError("Object", name)
	}
	return err
}

func (b *Backend) Exists(ctx context.Context, name string) (bool, error) {
	return b.objects.Exists(ctx, name)
}

func (b *Backend) Read(ctx context.Context, name string) ([]byte, error) {
	data, _, err := b.objects.Get(ctx, name)
	if core.IsNotFound(err) {
		return nil, core.NewNoSuchObjectError(name)
	}
	return data, err
}

// Write overwrites an existing object. The revision read first makes the
// write fail rather than resurrect an object removed concurrently.
func (b *Backend) Write(ctx context.Context, name string, payload []byte) error {
	_, rev, err := b.objects.Get(ctx, name)
	if core.IsNotFound(err) {
		return core.NewNoSuchObjectError(name)
	}
	if err != nil {
		return err
	}
	_, err = b.objects.Update(ctx, name, payload, rev)
	return err
}

func (b *Backend) Remove(ctx context.Context, name string) error {
	ok, err := b.objects.Exists(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return core.NewNoSuchObjectError(name)
	}
	return b.objects.Delete(ctx, name)
}

func (b *Backend) List(ctx context.Context) ([]string, error) {
	keys, err := b.objects.Keys(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
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
	return fmt.Sprintf("nats-kv(%s,%s)", b.objects.Bucket(), b.locks.Bucket())
}

// Close is a no-op; the NATS connection is owned by the caller.
func (b *Backend) Close() error { return nil }
