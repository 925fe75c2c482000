package kv

import (
	"context"
)

// LockRecords stores backend lock records in a dedicated bucket. Key
// creation is the mutual exclusion primitive; NATS revisions give the
// compare-and-swap needed for shared holders and release.
type LockRecords struct {
	store *Store
}

// NewLockRecords wraps the lock bucket store.
func NewLockRecords(store *Store) *LockRecords {
	return &LockRecords{store: store}
}

func (l *LockRecords) GetRecord(ctx context.Context, key string) ([]byte, uint64, error) {
	return l.store.Get(ctx, key)
}

func (l *LockRecords) CreateRecord(ctx context.Context, key string, data []byte) error {
	_, err := l.store.Create(ctx, key, data)
	return err
}

func (l *LockRecords) UpdateRecord(ctx context.Context, key string, data []byte, rev uint64) error {
	_, err := l.store.Update(ctx, key, data, rev)
	return err
}

func (l *LockRecords) DeleteRecord(ctx context.Context, key string, rev uint64) error {
	return l.store.DeleteRevision(ctx, key, rev)
}
