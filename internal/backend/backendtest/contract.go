// Package backendtest holds the behavioural contract every backend.Backend
// implementation is tested against.
package backendtest

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cern-cta/CTA-sub017/internal/backend"
	"github.com/cern-cta/CTA-sub017/internal/core"
)

// Factory returns a fresh, empty backend for one subtest.
type Factory func(t *testing.T) backend.Backend

// Run exercises the full Backend contract.
func Run(t *testing.T, newBackend Factory) {
	t.Run("CreateReadWriteRemove", func(t *testing.T) { testCreateReadWriteRemove(t, newBackend(t)) })
	t.Run("CreateExisting", func(t *testing.T) { testCreateExisting(t, newBackend(t)) })
	t.Run("MissingObject", func(t *testing.T) { testMissingObject(t, newBackend(t)) })
	t.Run("List", func(t *testing.T) { testList(t, newBackend(t)) })
	t.Run("LockMissingObject", func(t *testing.T) { testLockMissingObject(t, newBackend(t)) })
	t.Run("ExclusiveExcludesAll", func(t *testing.T) { testExclusiveExcludesAll(t, newBackend(t)) })
	t.Run("SharedLocksCoexist", func(t *testing.T) { testSharedLocksCoexist(t, newBackend(t)) })
	t.Run("WaiterAcquiresAfterRelease", func(t *testing.T) { testWaiterAcquiresAfterRelease(t, newBackend(t)) })
	t.Run("ReleaseIdempotent", func(t *testing.T) { testReleaseIdempotent(t, newBackend(t)) })
	t.Run("RefreshHeldLock", func(t *testing.T) { testRefreshHeldLock(t, newBackend(t)) })
}

const short = 30 * time.Millisecond

func testCreateReadWriteRemove(t *testing.T, be backend.Backend) {
	ctx := context.Background()
	if err := be.Create(ctx, "obj", []byte("v1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	ok, err := be.Exists(ctx, "obj")
	if err != nil || !ok {
		t.Fatalf("Exists() = %v, %v, want true, nil", ok, err)
	}
	got, err := be.Read(ctx, "obj")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(got, []byte("v1")) {
		t.Errorf("Read() = %q, want %q", got, "v1")
	}
	if err := be.Write(ctx, "obj", []byte("v2")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	got, err = be.Read(ctx, "obj")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(got, []byte("v2")) {
		t.Errorf("Read() after Write = %q, want %q", got, "v2")
	}
	if err := be.Remove(ctx, "obj"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	ok, err = be.Exists(ctx, "obj")
	if err != nil || ok {
		t.Fatalf("Exists() after Remove = %v, %v, want false, nil", ok, err)
	}
}

func testCreateExisting(t *testing.T, be backend.Backend) {
	ctx := context.Background()
	if err := be.Create(ctx, "dup", []byte("a")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	err := be.Create(ctx, "dup", []byte("b"))
	if !errors.Is(err, core.ErrAlreadyExists) {
		t.Fatalf("second Create() error = %v, want already_exists", err)
	}
	got, _ := be.Read(ctx, "dup")
	if !bytes.Equal(got, []byte("a")) {
		t.Errorf("Read() = %q, want original payload %q", got, "a")
	}
}

func testMissingObject(t *testing.T, be backend.Backend) {
	ctx := context.Background()
	if _, err := be.Read(ctx, "ghost"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Read(missing) error = %v, want not_found", err)
	}
	if err := be.Write(ctx, "ghost", []byte("x")); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Write(missing) error = %v, want not_found", err)
	}
	if err := be.Remove(ctx, "ghost"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Remove(missing) error = %v, want not_found", err)
	}
}

func testList(t *testing.T, be backend.Backend) {
	ctx := context.Background()
	for _, name := range []string{"b", "a", "c"} {
		if err := be.Create(ctx, name, []byte(name)); err != nil {
			t.Fatalf("Create(%s) error = %v", name, err)
		}
	}
	names, err := be.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	seen := map[string]bool{}
	for _, n := range names {
		seen[n] = true
	}
	for _, want := range []string{"a", "b", "c"} {
		if !seen[want] {
			t.Errorf("List() = %v, missing %q", names, want)
		}
	}
}

func testLockMissingObject(t *testing.T, be backend.Backend) {
	ctx := context.Background()
	_, err := be.LockExclusive(ctx, "ghost", time.Second)
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("LockExclusive(missing) error = %v, want not_found", err)
	}
	info, err := be.LockState(ctx, "ghost")
	if err != nil {
		t.Fatalf("LockState() error = %v", err)
	}
	if info != nil {
		t.Errorf("LockState() = %+v, want nil after failed lock", info)
	}
}

func testExclusiveExcludesAll(t *testing.T, be backend.Backend) {
	ctx := context.Background()
	mustCreate(t, be, "x")
	lk, err := be.LockExclusive(ctx, "x", time.Second)
	if err != nil {
		t.Fatalf("LockExclusive() error = %v", err)
	}
	if lk.Mode() != backend.LockExclusive {
		t.Errorf("Mode() = %v, want exclusive", lk.Mode())
	}
	info, err := be.LockState(ctx, "x")
	if err != nil || info == nil {
		t.Fatalf("LockState() = %v, %v", info, err)
	}
	if info.Mode != backend.LockExclusive || len(info.Holders) != 1 || info.Holders[0] != lk.Holder() {
		t.Errorf("LockState() = %+v, want exclusive held by %s", info, lk.Holder())
	}
	if _, err := be.LockExclusive(ctx, "x", short); !errors.Is(err, core.ErrLockTimeout) {
		t.Errorf("second LockExclusive() error = %v, want lock_timeout", err)
	}
	if _, err := be.LockShared(ctx, "x", short); !errors.Is(err, core.ErrLockTimeout) {
		t.Errorf("LockShared() under exclusive error = %v, want lock_timeout", err)
	}
	if err := lk.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	lk2, err := be.LockExclusive(ctx, "x", time.Second)
	if err != nil {
		t.Fatalf("LockExclusive() after release error = %v", err)
	}
	_ = lk2.Release(ctx)
}

func testSharedLocksCoexist(t *testing.T, be backend.Backend) {
	ctx := context.Background()
	mustCreate(t, be, "s")
	a, err := be.LockShared(ctx, "s", time.Second)
	if err != nil {
		t.Fatalf("LockShared(a) error = %v", err)
	}
	b, err := be.LockShared(ctx, "s", time.Second)
	if err != nil {
		t.Fatalf("LockShared(b) error = %v", err)
	}
	info, _ := be.LockState(ctx, "s")
	if info == nil || info.Mode != backend.LockShared || len(info.Holders) != 2 {
		t.Errorf("LockState() = %+v, want 2 shared holders", info)
	}
	if _, err := be.LockExclusive(ctx, "s", short); !errors.Is(err, core.ErrLockTimeout) {
		t.Errorf("LockExclusive() under shared error = %v, want lock_timeout", err)
	}
	_ = a.Release(ctx)
	if _, err := be.LockExclusive(ctx, "s", short); !errors.Is(err, core.ErrLockTimeout) {
		t.Errorf("LockExclusive() with one shared holder left error = %v, want lock_timeout", err)
	}
	_ = b.Release(ctx)
	x, err := be.LockExclusive(ctx, "s", time.Second)
	if err != nil {
		t.Fatalf("LockExclusive() after shared release error = %v", err)
	}
	_ = x.Release(ctx)
}

func testWaiterAcquiresAfterRelease(t *testing.T, be backend.Backend) {
	ctx := context.Background()
	mustCreate(t, be, "w")
	lk, err := be.LockExclusive(ctx, "w", time.Second)
	if err != nil {
		t.Fatalf("LockExclusive() error = %v", err)
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = lk.Release(context.Background())
	}()
	lk2, err := be.LockExclusive(ctx, "w", 5*time.Second)
	if err != nil {
		t.Fatalf("waiting LockExclusive() error = %v", err)
	}
	_ = lk2.Release(ctx)
}

func testReleaseIdempotent(t *testing.T, be backend.Backend) {
	ctx := context.Background()
	mustCreate(t, be, "r")
	lk, err := be.LockExclusive(ctx, "r", time.Second)
	if err != nil {
		t.Fatalf("LockExclusive() error = %v", err)
	}
	if err := lk.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := lk.Release(ctx); err != nil {
		t.Fatalf("second Release() error = %v", err)
	}
	info, _ := be.LockState(ctx, "r")
	if info != nil {
		t.Errorf("LockState() = %+v, want nil", info)
	}
}

func testRefreshHeldLock(t *testing.T, be backend.Backend) {
	ctx := context.Background()
	mustCreate(t, be, "r")
	lk, err := be.LockShared(ctx, "r", time.Second)
	if err != nil {
		t.Fatalf("LockShared() error = %v", err)
	}
	if err := lk.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	info, err := be.LockState(ctx, "r")
	if err != nil || info == nil || len(info.Holders) != 1 || info.Holders[0] != lk.Holder() {
		t.Fatalf("LockState() after Refresh() = %+v, %v, want held by %s", info, err, lk.Holder())
	}
	if err := lk.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := lk.Refresh(ctx); !errors.Is(err, core.ErrConflict) {
		t.Errorf("Refresh() after Release() error = %v, want conflict", err)
	}
}

func mustCreate(t *testing.T, be backend.Backend, name string) {
	t.Helper()
	if err := be.Create(context.Background(), name, []byte("payload")); err != nil {
		t.Fatalf("Create(%s) error = %v", name, err)
	}
}
