package backend

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cern-cta/CTA-sub017/internal/core"
)

// Memory is a process-local Backend. All state lives in maps guarded by one
// mutex; locks go through the same RecordLocker as the shared backends so
// they behave identically under contention.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
	records map[string]memoryRecord
	rev     uint64
	locker  *RecordLocker
}

type memoryRecord struct {
	data []byte
	rev  uint64
}

// NewMemory creates an empty in-memory backend.
func NewMemory(opts ...LockerOption) *Memory {
	m := &Memory{
		objects: make(map[string][]byte),
		records: make(map[string]memoryRecord),
	}
	m.locker = NewRecordLocker(memoryRecords{m}, m.Exists, opts...)
	return m
}

func (m *Memory) Create(_ context.Context, name string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[name]; ok {
		return core.NewAlreadyExistsError("Object", name)
	}
	m.objects[name] = cloneBytes(payload)
	return nil
}

func (m *Memory) Exists(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[name]
	return ok, nil
}

func (m *Memory) Read(_ context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[name]
	if !ok {
		return nil, core.NewNoSuchObjectError(name)
	}
	return cloneBytes(data), nil
}

func (m *Memory) Write(_ context.Context, name string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[name]; !ok {
		return core.NewNoSuchObjectError(name)
	}
	m.objects[name] = cloneBytes(payload)
	return nil
}

func (m *Memory) Remove(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[name]; !ok {
		return core.NewNoSuchObjectError(name)
	}
	delete(m.objects, name)
	return nil
}

func (m *Memory) List(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.objects))
	for name := range m.objects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *Memory) LockExclusive(ctx context.Context, name string, timeout time.Duration) (Lock, error) {
	return m.locker.Lock(ctx, name, LockExclusive, timeout)
}

func (m *Memory) LockShared(ctx context.Context, name string, timeout time.Duration) (Lock, error) {
	return m.locker.Lock(ctx, name, LockShared, timeout)
}

func (m *Memory) LockState(ctx context.Context, name string) (*LockInfo, error) {
	return m.locker.State(ctx, name)
}

func (m *Memory) Describe() string { return "memory" }

func (m *Memory) Close() error { return nil }

type memoryRecords struct{ m *Memory }

func (r memoryRecords) GetRecord(_ context.Context, key string) ([]byte, uint64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	rec, ok := r.m.records[key]
	if !ok {
		return nil, 0, core.NewNotFoundError("LockRecord", key)
	}
	return cloneBytes(rec.data), rec.rev, nil
}

func (r memoryRecords) CreateRecord(_ context.Context, key string, data []byte) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.records[key]; ok {
		return core.NewAlreadyExistsError("LockRecord", key)
	}
	r.m.rev++
	r.m.records[key] = memoryRecord{data: cloneBytes(data), rev: r.m.rev}
	return nil
}

func (r memoryRecords) UpdateRecord(_ context.Context, key string, data []byte, rev uint64) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	rec, ok := r.m.records[key]
	if !ok || rec.rev != rev {
		return core.NewConflictError("Lock record changed concurrently.", map[string]any{"resource_id": key})
	}
	r.m.rev++
	r.m.records[key] = memoryRecord{data: cloneBytes(data), rev: r.m.rev}
	return nil
}

func (r memoryRecords) DeleteRecord(_ context.Context, key string, rev uint64) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	rec, ok := r.m.records[key]
	if !ok || rec.rev != rev {
		return core.NewConflictError("Lock record changed concurrently.", map[string]any{"resource_id": key})
	}
	delete(r.m.records, key)
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
