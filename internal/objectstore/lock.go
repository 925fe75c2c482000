package objectstore

import (
	"context"
	"sync"
	"time"

	"github.com/cern-cta/CTA-sub017/internal/backend"
	"github.com/cern-cta/CTA-sub017/internal/core"
)

// DefaultLockTimeout bounds lock acquisition when the context carries no
// deadline.
var DefaultLockTimeout = 30 * time.Second

// Lockable is an object that can be locked with LockExclusive or LockShared.
type Lockable interface {
	Address() string
	Backend() backend.Backend
	lockState() *objectLockState
}

type objectLockState struct {
	mu   sync.Mutex
	mode backend.LockMode // zero when unlocked
	held backend.Lock
}

func (s *objectLockState) current() backend.LockMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *objectLockState) set(m backend.LockMode, lk backend.Lock) {
	s.mu.Lock()
	s.mode = m
	s.held = lk
	s.mu.Unlock()
}

// refresh confirms the lock is still ours and pushes its lease forward, so
// that a write never lands after another process broke an expired lease.
func (s *objectLockState) refresh(ctx context.Context) error {
	s.mu.Lock()
	lk := s.held
	s.mu.Unlock()
	if lk == nil {
		return nil
	}
	return lk.Refresh(ctx)
}

// ScopedLock is a held lock on one object. Release it with defer right after
// acquisition; Release is idempotent, so an early explicit Release is fine.
type ScopedLock struct {
	obj  Lockable
	lock backend.Lock

	mu       sync.Mutex
	released bool
}

// LockExclusive takes an exclusive lock on obj.
func LockExclusive(ctx context.Context, obj Lockable) (*ScopedLock, error) {
	return lockObject(ctx, obj, backend.LockExclusive)
}

// LockShared takes a shared lock on obj.
func LockShared(ctx context.Context, obj Lockable) (*ScopedLock, error) {
	return lockObject(ctx, obj, backend.LockShared)
}

func lockObject(ctx context.Context, obj Lockable, mode backend.LockMode) (*ScopedLock, error) {
	if obj.Address() == "" {
		return nil, core.NewInconsistentError("Cannot lock an object without address.", nil)
	}
	if obj.lockState().current() != 0 {
		return nil, core.NewInconsistentError("Object is already locked by this handle.",
			map[string]any{"address": obj.Address()})
	}
	timeout := DefaultLockTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	be := obj.Backend()
	var (
		lk  backend.Lock
		err error
	)
	if mode == backend.LockExclusive {
		lk, err = be.LockExclusive(ctx, obj.Address(), timeout)
	} else {
		lk, err = be.LockShared(ctx, obj.Address(), timeout)
	}
	if err != nil {
		return nil, err
	}
	obj.lockState().set(mode, lk)
	return &ScopedLock{obj: obj, lock: lk}, nil
}

// Release drops the lock.
func (l *ScopedLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true
	l.obj.lockState().set(0, nil)
	return l.lock.Release(context.WithoutCancel(ctx))
}

// Refresh extends the lease of the lock. Long scopes call it between steps;
// Commit and Remove call it before writing.
func (l *ScopedLock) Refresh(ctx context.Context) error {
	return l.lock.Refresh(ctx)
}

// Mode returns the lock mode.
func (l *ScopedLock) Mode() backend.LockMode {
	return l.lock.Mode()
}

func requireLocked(obj Lockable) error {
	if obj.lockState().current() == 0 {
		return core.NewInconsistentError("Object accessed without a lock.", map[string]any{"address": obj.Address()})
	}
	return nil
}

func requireExclusive(obj Lockable) error {
	if obj.lockState().current() != backend.LockExclusive {
		return core.NewInconsistentError("Object modified without an exclusive lock.", map[string]any{"address": obj.Address()})
	}
	return nil
}
