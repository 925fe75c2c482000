// Package backend defines the key-addressed, lock-capable blob store that
// every object store implementation sits on, plus an in-memory
// implementation.
package backend

import (
	"context"
	"fmt"
	"os"
	"time"
)

// LockMode is the mode of a backend lock.
type LockMode int

const (
	LockExclusive LockMode = iota + 1
	LockShared
)

func (m LockMode) String() string {
	switch m {
	case LockExclusive:
		return "exclusive"
	case LockShared:
		return "shared"
	}
	return fmt.Sprintf("LockMode(%d)", int(m))
}

// Backend is a store of opaque byte blobs addressed by name.
//
// Lock operations block until the lock is granted, the timeout elapses
// (core.ErrLockTimeout) or ctx is done. Locking a name that has no object
// fails with core.ErrNotFound after the lock has been dropped again.
type Backend interface {
	Create(ctx context.Context, name string, payload []byte) error
	Exists(ctx context.Context, name string) (bool, error)
	Read(ctx context.Context, name string) ([]byte, error)
	Write(ctx context.Context, name string, payload []byte) error
	Remove(ctx context.Context, name string) error
	List(ctx context.Context) ([]string, error)

	LockExclusive(ctx context.Context, name string, timeout time.Duration) (Lock, error)
	LockShared(ctx context.Context, name string, timeout time.Duration) (Lock, error)
	// LockState returns the current lock on name, or nil when unlocked.
	LockState(ctx context.Context, name string) (*LockInfo, error)

	// Describe returns a short human readable description (type and location).
	Describe() string
	Close() error
}

// Lock is a held backend lock. Release is idempotent.
type Lock interface {
	Release(ctx context.Context) error
	// Refresh extends the lease of a held lock. It fails with
	// core.ErrConflict once the lock was released or its lease lapsed.
	Refresh(ctx context.Context) error
	Holder() string
	Mode() LockMode
}

// LockInfo describes who holds a lock.
type LockInfo struct {
	Mode    LockMode
	Holders []string
}

// DefaultHolderLabel identifies the current process in lock records.
func DefaultHolderLabel() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}
