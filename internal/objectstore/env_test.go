package objectstore

import (
	"context"
	"testing"
	"time"

	"github.com/cern-cta/CTA-sub017/internal/backend"
	"github.com/cern-cta/CTA-sub017/internal/clock"
	"github.com/cern-cta/CTA-sub017/internal/core"
)

type testEnv struct {
	ctx   context.Context
	be    *backend.Memory
	setup *AgentReference
	clock *clock.FakeClock
}

// newTestEnv returns a bootstrapped store. The setup agent reference is only
// used to name the register; it is not registered.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		ctx:   context.Background(),
		be:    backend.NewMemory(),
		setup: NewAgentReference("unitTest"),
		clock: clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	if _, err := Bootstrap(env.ctx, env.be, env.setup); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	return env
}

func (env *testEnv) registerAgent(t *testing.T, name string, timeout time.Duration) *AgentReference {
	t.Helper()
	ref := NewAgentReference(name)
	ag := NewAgent(ref.Address(), env.be)
	ag.SetTimeout(timeout)
	if err := ag.InsertAndRegisterSelf(env.ctx); err != nil {
		t.Fatalf("InsertAndRegisterSelf(%s) error = %v", name, err)
	}
	return ref
}

func (env *testEnv) agentRegister(t *testing.T) *AgentRegister {
	t.Helper()
	re := NewRootEntry(env.be)
	if err := re.FetchNoLock(env.ctx); err != nil {
		t.Fatalf("root FetchNoLock() error = %v", err)
	}
	address, err := re.AgentRegisterAddress()
	if err != nil {
		t.Fatalf("AgentRegisterAddress() error = %v", err)
	}
	ar := NewAgentRegister(address, env.be)
	if err := ar.FetchNoLock(env.ctx); err != nil {
		t.Fatalf("agent register FetchNoLock() error = %v", err)
	}
	return ar
}

func (env *testEnv) ownership(t *testing.T, ref *AgentReference) []string {
	t.Helper()
	ag := NewAgent(ref.Address(), env.be)
	if err := ag.FetchNoLock(env.ctx); err != nil {
		t.Fatalf("agent FetchNoLock() error = %v", err)
	}
	return ag.OwnershipList()
}

func (env *testEnv) ownerOf(t *testing.T, address string) string {
	t.Helper()
	obj := NewGenericObject(address, env.be)
	if err := obj.FetchNoLock(env.ctx); err != nil {
		t.Fatalf("FetchNoLock(%s) error = %v", address, err)
	}
	return obj.Owner()
}

func (env *testEnv) exists(t *testing.T, address string) bool {
	t.Helper()
	ok, err := env.be.Exists(env.ctx, address)
	if err != nil {
		t.Fatalf("Exists(%s) error = %v", address, err)
	}
	return ok
}

// queue returns the registered queue for (kind, key, qt), or nil.
func (env *testEnv) queue(t *testing.T, kind QueueKind, key string, qt QueueType) *Queue {
	t.Helper()
	re := NewRootEntry(env.be)
	if err := re.FetchNoLock(env.ctx); err != nil {
		t.Fatalf("root FetchNoLock() error = %v", err)
	}
	address, err := re.QueueAddress(kind, key, qt)
	if core.IsNotFound(err) {
		return nil
	}
	if err != nil {
		t.Fatalf("QueueAddress() error = %v", err)
	}
	q := NewQueue(kind, address, env.be)
	if err := q.FetchNoLock(env.ctx); err != nil {
		t.Fatalf("queue FetchNoLock() error = %v", err)
	}
	return q
}

// insertRetrieveRequest creates a retrieve request owned by ref, with one
// tape file per vid (copy numbers from 1).
func (env *testEnv) insertRetrieveRequest(t *testing.T, ref *AgentReference, fileID uint64, vids ...string) string {
	t.Helper()
	address := ref.NextID("RetrieveRequest")
	if err := ref.AddToOwnership(env.ctx, env.be, address); err != nil {
		t.Fatalf("AddToOwnership() error = %v", err)
	}
	rr := NewRetrieveRequest(address, env.be)
	rr.SetArchiveFile(fileID, 1000+fileID)
	for i, vid := range vids {
		rr.AddTapeFile(TapeFile{VID: vid, CopyNb: uint32(i + 1), FSeq: fileID})
	}
	rr.SetOwner(ref.Address())
	if err := rr.Insert(env.ctx); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	return address
}

type staticStates map[string]core.TapeState

func (s staticStates) GetTapeStates(_ context.Context, vids []string) (map[string]core.TapeState, error) {
	out := make(map[string]core.TapeState, len(vids))
	for _, v := range vids {
		if st, ok := s[v]; ok {
			out[v] = st
		}
	}
	return out, nil
}
