// Package kv implements the object store backend on NATS JetStream
// key-value buckets.
package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/cern-cta/CTA-sub017/internal/core"
)

// Store provides typed access to a NATS KV bucket, translating NATS errors
// into core error kinds.
type Store struct {
	kv jetstream.KeyValue
}

// NewStore wraps a NATS KV bucket.
func NewStore(kv jetstream.KeyValue) *Store {
	return &Store{kv: kv}
}

// Bucket returns the bucket name.
func (s *Store) Bucket() string {
	return s.kv.Bucket()
}

// Get retrieves a value and its revision.
func (s *Store) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return nil, 0, core.NewNotFoundError("Key", key)
		}
		return nil, 0, fmt.Errorf("kv get %s: %w", key, err)
	}
	return entry.Value(), entry.Revision(), nil
}

// Put stores a value at key unconditionally.
func (s *Store) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := s.kv.Put(ctx, key, value)
	if err != nil {
		return 0, fmt.Errorf("kv put %s: %w", key, err)
	}
	return rev, nil
}

// Create stores a value at key only if it doesn't already exist.
// Returns core.ErrAlreadyExists if the key already exists.
func (s *Store) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := s.kv.Create(ctx, key, value)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return 0, core.NewAlreadyExistsError("Key", key)
		}
		return 0, fmt.Errorf("kv create %s: %w", key, err)
	}
	return rev, nil
}

// Update stores a value at key only if the revision matches.
// Returns core.ErrConflict on a stale revision.
func (s *Store) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	rev, err := s.kv.Update(ctx, key, value, revision)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return 0, revisionConflict(key, revision)
		}
		return 0, fmt.Errorf("kv update %s: %w", key, err)
	}
	return rev, nil
}

// Delete removes a key unconditionally.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.kv.Delete(ctx, key); err != nil {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

// DeleteRevision removes a key only if its last revision matches.
func (s *Store) DeleteRevision(ctx context.Context, key string, revision uint64) error {
	if err := s.kv.Delete(ctx, key, jetstream.LastRevision(revision)); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return revisionConflict(key, revision)
		}
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

// Keys returns all keys in the bucket.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		// If no keys exist, NATS returns an error
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("kv keys: %w", err)
	}
	return keys, nil
}

// Exists checks if a key exists.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, _, err := s.Get(ctx, key)
	if err == nil {
		return true, nil
	}
	if core.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

func revisionConflict(key string, revision uint64) error {
	return core.NewConflictError(
		fmt.Sprintf("Key '%s' changed since revision %d.", key, revision),
		map[string]any{"resource_id": key, "revision": revision},
	)
}
