package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cern-cta/CTA-sub017/internal/clock"
	"github.com/cern-cta/CTA-sub017/internal/core"
)

// RecordStore is the compare-and-swap surface a backend exposes for its lock
// records. Revisions are opaque; each successful write yields a new one.
type RecordStore interface {
	// GetRecord returns core.ErrNotFound when the record does not exist.
	GetRecord(ctx context.Context, key string) ([]byte, uint64, error)
	// CreateRecord returns core.ErrAlreadyExists when the record exists.
	CreateRecord(ctx context.Context, key string, data []byte) error
	// UpdateRecord returns core.ErrConflict when rev is stale.
	UpdateRecord(ctx context.Context, key string, data []byte, rev uint64) error
	// DeleteRecord returns core.ErrConflict when rev is stale.
	DeleteRecord(ctx context.Context, key string, rev uint64) error
}

// LockRecord is the persisted state of one object lock.
type LockRecord struct {
	Mode    string               `json:"mode"`
	Holders map[string]time.Time `json:"holders"`
}

func (r *LockRecord) dropExpired(now time.Time) {
	for token, expiry := range r.Holders {
		if !expiry.IsZero() && now.After(expiry) {
			delete(r.Holders, token)
		}
	}
}

// grant adds token when mode is compatible with the current holders.
func (r *LockRecord) grant(mode LockMode, token string, expiry time.Time) bool {
	if r.Holders == nil {
		r.Holders = make(map[string]time.Time)
	}
	if len(r.Holders) > 0 {
		if mode == LockExclusive || r.Mode != LockShared.String() {
			return false
		}
	}
	r.Mode = mode.String()
	r.Holders[token] = expiry
	return true
}

const maxReleaseAttempts = 50

// RecordLocker implements exclusive and shared locks on top of a RecordStore.
// Waiters poll with capped exponential backoff. Holders carry a lease so a
// crashed process cannot block an object forever.
type RecordLocker struct {
	records RecordStore
	exists  func(ctx context.Context, name string) (bool, error)
	holder  string
	lease   time.Duration
	clock   clock.Clock
	backoff core.BackoffPolicy
}

// LockerOption configures a RecordLocker.
type LockerOption func(*RecordLocker)

// WithHolderLabel sets the process label written into lock tokens.
func WithHolderLabel(label string) LockerOption {
	return func(l *RecordLocker) { l.holder = label }
}

// WithLockLease sets how long a lock survives without being released.
// Zero disables expiry.
func WithLockLease(d time.Duration) LockerOption {
	return func(l *RecordLocker) { l.lease = d }
}

// WithLockClock sets the clock used to stamp and expire leases.
func WithLockClock(c clock.Clock) LockerOption {
	return func(l *RecordLocker) { l.clock = c }
}

// DefaultLockLease is the lease given to a lock holder.
const DefaultLockLease = 10 * time.Minute

// NewRecordLocker creates a locker. exists is consulted once a lock is
// granted, so that locking a missing object fails with core.ErrNotFound.
func NewRecordLocker(records RecordStore, exists func(ctx context.Context, name string) (bool, error), opts ...LockerOption) *RecordLocker {
	l := &RecordLocker{
		records: records,
		exists:  exists,
		holder:  DefaultHolderLabel(),
		lease:   DefaultLockLease,
		clock:   clock.Real(),
		backoff: core.DefaultLockBackoff,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock acquires a lock on name in the given mode.
func (l *RecordLocker) Lock(ctx context.Context, name string, mode LockMode, timeout time.Duration) (Lock, error) {
	token := l.holder + "/" + uuid.NewString()
	deadline := time.Now().Add(timeout)

	for attempt := 1; ; attempt++ {
		granted, err := l.tryAcquire(ctx, name, mode, token)
		if err != nil {
			return nil, fmt.Errorf("locking %s: %w", name, err)
		}
		if granted {
			break
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, core.NewLockTimeoutError(name, mode.String())
		}
		wait := core.CalculateBackoff(l.backoff, attempt)
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	lk := &recordLock{locker: l, name: name, token: token, mode: mode}
	ok, err := l.exists(ctx, name)
	if err != nil || !ok {
		_ = lk.Release(ctx)
		if err != nil {
			return nil, err
		}
		return nil, core.NewNoSuchObjectError(name)
	}
	return lk, nil
}

func (l *RecordLocker) tryAcquire(ctx context.Context, name string, mode LockMode, token string) (bool, error) {
	now := l.clock.Now()
	var expiry time.Time
	if l.lease > 0 {
		expiry = now.Add(l.lease)
	}

	data, rev, err := l.records.GetRecord(ctx, name)
	if errors.Is(err, core.ErrNotFound) {
		rec := LockRecord{}
		rec.grant(mode, token, expiry)
		encoded, mErr := json.Marshal(&rec)
		if mErr != nil {
			return false, mErr
		}
		cErr := l.records.CreateRecord(ctx, name, encoded)
		if errors.Is(cErr, core.ErrAlreadyExists) {
			return false, nil
		}
		return cErr == nil, cErr
	}
	if err != nil {
		return false, err
	}

	var rec LockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return false, fmt.Errorf("decoding lock record: %w", err)
	}
	rec.dropExpired(now)
	if !rec.grant(mode, token, expiry) {
		return false, nil
	}
	encoded, err := json.Marshal(&rec)
	if err != nil {
		return false, err
	}
	uErr := l.records.UpdateRecord(ctx, name, encoded, rev)
	if errors.Is(uErr, core.ErrConflict) {
		return false, nil
	}
	return uErr == nil, uErr
}

func (l *RecordLocker) release(ctx context.Context, name, token string) error {
	for attempt := 1; attempt <= maxReleaseAttempts; attempt++ {
		data, rev, err := l.records.GetRecord(ctx, name)
		if errors.Is(err, core.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var rec LockRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decoding lock record: %w", err)
		}
		if _, held := rec.Holders[token]; !held {
			return nil
		}
		delete(rec.Holders, token)
		rec.dropExpired(l.clock.Now())
		if len(rec.Holders) == 0 {
			err = l.records.DeleteRecord(ctx, name, rev)
		} else {
			var encoded []byte
			encoded, err = json.Marshal(&rec)
			if err != nil {
				return err
			}
			err = l.records.UpdateRecord(ctx, name, encoded, rev)
		}
		if errors.Is(err, core.ErrConflict) {
			time.Sleep(core.CalculateBackoff(l.backoff, attempt))
			continue
		}
		return err
	}
	return core.NewConflictError(fmt.Sprintf("Could not release lock on '%s'.", name), map[string]any{"resource_id": name})
}

// refresh extends the lease of token on name. A token that is gone, or whose
// lease lapsed even if no one took the lock since, is reported as lost.
func (l *RecordLocker) refresh(ctx context.Context, name, token string) error {
	lost := core.NewConflictError(fmt.Sprintf("Lock on '%s' is no longer held.", name),
		map[string]any{"resource_id": name, "holder": token})
	for attempt := 1; attempt <= maxReleaseAttempts; attempt++ {
		data, rev, err := l.records.GetRecord(ctx, name)
		if errors.Is(err, core.ErrNotFound) {
			return lost
		}
		if err != nil {
			return err
		}
		var rec LockRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decoding lock record: %w", err)
		}
		now := l.clock.Now()
		expiry, held := rec.Holders[token]
		if !held || (!expiry.IsZero() && now.After(expiry)) {
			return lost
		}
		if l.lease <= 0 {
			return nil
		}
		rec.Holders[token] = now.Add(l.lease)
		encoded, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		err = l.records.UpdateRecord(ctx, name, encoded, rev)
		if errors.Is(err, core.ErrConflict) {
			time.Sleep(core.CalculateBackoff(l.backoff, attempt))
			continue
		}
		return err
	}
	return core.NewConflictError(fmt.Sprintf("Could not refresh lock on '%s'.", name), map[string]any{"resource_id": name})
}

// State returns the current holders of the lock on name.
func (l *RecordLocker) State(ctx context.Context, name string) (*LockInfo, error) {
	data, _, err := l.records.GetRecord(ctx, name)
	if errors.Is(err, core.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec LockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding lock record: %w", err)
	}
	rec.dropExpired(l.clock.Now())
	if len(rec.Holders) == 0 {
		return nil, nil
	}
	info := &LockInfo{Mode: LockShared}
	if rec.Mode == LockExclusive.String() {
		info.Mode = LockExclusive
	}
	for token := range rec.Holders {
		info.Holders = append(info.Holders, token)
	}
	sort.Strings(info.Holders)
	return info, nil
}

type recordLock struct {
	locker *RecordLocker
	name   string
	token  string
	mode   LockMode

	mu       sync.Mutex
	released bool
}

func (lk *recordLock) Release(ctx context.Context) error {
	lk.mu.Lock()
	defer lk.mu.Unlock()
	if lk.released {
		return nil
	}
	if err := lk.locker.release(ctx, lk.name, lk.token); err != nil {
		return fmt.Errorf("releasing lock on %s: %w", lk.name, err)
	}
	lk.released = true
	return nil
}

func (lk *recordLock) Refresh(ctx context.Context) error {
	lk.mu.Lock()
	defer lk.mu.Unlock()
	if lk.released {
		return core.NewConflictError(fmt.Sprintf("Lock on '%s' was released.", lk.name),
			map[string]any{"resource_id": lk.name, "holder": lk.token})
	}
	return lk.locker.refresh(ctx, lk.name, lk.token)
}

func (lk *recordLock) Holder() string { return lk.token }

func (lk *recordLock) Mode() LockMode { return lk.mode }
