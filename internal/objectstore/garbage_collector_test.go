package objectstore

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/cern-cta/CTA-sub017/internal/backend"
	"github.com/cern-cta/CTA-sub017/internal/core"
)

func (env *testEnv) newGC(ref *AgentReference, states TapeStateSource, maxWatched int) *GarbageCollector {
	return NewGarbageCollector(env.be, ref, states, WithGCClock(env.clock), WithMaxWatchedAgents(maxWatched))
}

func (env *testEnv) runGC(t *testing.T, gc *GarbageCollector) GCPassStats {
	t.Helper()
	stats, err := gc.RunOnePass(env.ctx)
	if err != nil {
		t.Fatalf("RunOnePass() error = %v", err)
	}
	env.clock.Advance(time.Second)
	return stats
}

func TestGarbageCollector_CleansDeadEmptyAgents(t *testing.T) {
	env := newTestEnv(t)
	agA := env.registerAgent(t, "unitTestAgentA", 0)
	agB := env.registerAgent(t, "unitTestAgentB", 0)
	gcRef := env.registerAgent(t, "unitTestGarbageCollector", time.Minute)
	gc := env.newGC(gcRef, staticStates{}, DefaultMaxWatchedAgents)

	stats := env.runGC(t, gc)
	if stats.Acquired != 2 || stats.Cleaned != 0 {
		t.Errorf("first pass stats = %+v, want 2 acquired, 0 cleaned", stats)
	}
	if got := gc.WatchedAgents(); len(got) != 2 {
		t.Errorf("WatchedAgents() = %v, want 2 agents", got)
	}
	stats = env.runGC(t, gc)
	if stats.Cleaned != 2 {
		t.Errorf("second pass stats = %+v, want 2 cleaned", stats)
	}

	for _, ref := range []*AgentReference{agA, agB} {
		if env.exists(t, ref.Address()) {
			t.Errorf("agent %s still exists", ref.Address())
		}
	}
	if got := env.agentRegister(t).GetAgents(); !slices.Equal(got, []string{gcRef.Address()}) {
		t.Errorf("GetAgents() = %v, want only the collector", got)
	}
	if got := env.ownership(t, gcRef); len(got) != 0 {
		t.Errorf("collector ownership = %v, want empty", got)
	}

	if err := UnregisterAgent(env.ctx, env.be, gcRef); err != nil {
		t.Fatalf("UnregisterAgent() error = %v", err)
	}
	re := NewRootEntry(env.be)
	rlk, err := LockExclusive(env.ctx, re)
	if err != nil {
		t.Fatalf("LockExclusive() error = %v", err)
	}
	defer rlk.Release(env.ctx)
	if err := re.Fetch(env.ctx); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if err := re.RemoveAgentRegisterAndCommit(env.ctx); err != nil {
		t.Fatalf("RemoveAgentRegisterAndCommit() error = %v", err)
	}
	if err := re.RemoveIfEmpty(env.ctx); err != nil {
		t.Fatalf("RemoveIfEmpty() error = %v", err)
	}
}

func TestGarbageCollector_LiveAgentIsKept(t *testing.T) {
	env := newTestEnv(t)
	live := env.registerAgent(t, "live", 500*time.Millisecond)
	gcRef := env.registerAgent(t, "gc", time.Minute)
	gc := env.newGC(gcRef, staticStates{}, DefaultMaxWatchedAgents)

	for i := 0; i < 3; i++ {
		env.runGC(t, gc)
		if err := live.BumpHeartbeat(env.ctx, env.be); err != nil {
			t.Fatalf("BumpHeartbeat() error = %v", err)
		}
	}
	if !env.exists(t, live.Address()) {
		t.Fatal("live agent was cleaned up")
	}
	if owner := env.ownerOf(t, live.Address()); owner != gcRef.Address() {
		t.Errorf("live agent owner = %q, want collector", owner)
	}
	if c, ok := env.agentRegister(t).Collector(live.Address()); !ok || c != gcRef.Address() {
		t.Errorf("Collector() = %q, %v, want collector, true", c, ok)
	}

	// Once it stops beating it is collected.
	env.runGC(t, gc)
	env.runGC(t, gc)
	if env.exists(t, live.Address()) {
		t.Error("silent agent was not cleaned up")
	}
}

func TestGarbageCollector_RemovesOrphanAgentRegister(t *testing.T) {
	env := newTestEnv(t)
	agA := env.registerAgent(t, "unitTestAgentA", 0)
	gcRef := env.registerAgent(t, "gc", time.Minute)

	address := agA.NextID("AgentRegister")
	if err := agA.AddToOwnership(env.ctx, env.be, address); err != nil {
		t.Fatalf("AddToOwnership() error = %v", err)
	}
	orphan := NewAgentRegister(address, env.be)
	orphan.SetOwner(agA.Address())
	if err := orphan.Insert(env.ctx); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	gc := env.newGC(gcRef, staticStates{}, DefaultMaxWatchedAgents)
	env.runGC(t, gc)
	env.runGC(t, gc)

	if env.exists(t, address) {
		t.Error("orphan agent register still exists")
	}
	if env.exists(t, agA.Address()) {
		t.Error("dead agent still exists")
	}
}

func TestGarbageCollector_RemovesOrphanArchiveQueue(t *testing.T) {
	env := newTestEnv(t)
	agA := env.registerAgent(t, "unitTestAgentA", 0)
	gcRef := env.registerAgent(t, "gc", time.Minute)

	address := agA.NextID("ArchiveQueue")
	if err := agA.AddToOwnership(env.ctx, env.be, address); err != nil {
		t.Fatalf("AddToOwnership() error = %v", err)
	}
	q := NewArchiveQueue(address, env.be)
	q.Initialize("pool", QueuePendingTransfer)
	q.SetOwner(agA.Address())
	if err := q.Insert(env.ctx); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	gc := env.newGC(gcRef, staticStates{}, DefaultMaxWatchedAgents)
	env.runGC(t, gc)
	env.runGC(t, gc)

	if env.exists(t, address) {
		t.Error("orphan archive queue still exists")
	}
	if env.queue(t, ArchiveQueueKind, "pool", QueuePendingTransfer) != nil {
		t.Error("root entry references a queue")
	}
}

func TestGarbageCollector_MergesOrphanRetrieveQueue(t *testing.T) {
	env := newTestEnv(t)
	agA := env.registerAgent(t, "unitTestAgentA", 0)
	gcRef := env.registerAgent(t, "gc", time.Minute)

	qAddress := agA.NextID("RetrieveQueue")
	reqAddress := agA.NextID("RetrieveRequest")
	rr := NewRetrieveRequest(reqAddress, env.be)
	rr.SetArchiveFile(7, 700)
	rr.AddTapeFile(TapeFile{VID: "Tape0", CopyNb: 1})
	rr.SetActiveCopyNb(1)
	rr.SetOwner(qAddress)
	if err := rr.Insert(env.ctx); err != nil {
		t.Fatalf("Insert(request) error = %v", err)
	}
	if err := agA.AddToOwnership(env.ctx, env.be, qAddress); err != nil {
		t.Fatalf("AddToOwnership() error = %v", err)
	}
	q := NewRetrieveQueue(qAddress, env.be)
	q.Initialize("Tape0", QueuePendingTransfer)
	q.AddJobs([]JobRef{{Address: reqAddress, CopyNb: 1, Size: 700}})
	q.SetOwner(agA.Address())
	if err := q.Insert(env.ctx); err != nil {
		t.Fatalf("Insert(queue) error = %v", err)
	}

	gc := env.newGC(gcRef, staticStates{"Tape0": core.TapeActive}, DefaultMaxWatchedAgents)
	env.runGC(t, gc)
	env.runGC(t, gc)

	if env.exists(t, qAddress) {
		t.Error("orphan queue still exists")
	}
	registered := env.queue(t, RetrieveQueueKind, "Tape0", QueuePendingTransfer)
	if registered == nil || !registered.Contains(reqAddress) {
		t.Fatal("request was not merged into the registered queue")
	}
	if owner := env.ownerOf(t, reqAddress); owner != registered.Address() {
		t.Errorf("request owner = %q, want %q", owner, registered.Address())
	}
}

func TestGarbageCollector_RequeuesRetrieveRequests(t *testing.T) {
	env := newTestEnv(t)
	agA := env.registerAgent(t, "unitTestAgentA", 0)
	gcRef := env.registerAgent(t, "unitTestGarbageCollector", time.Minute)

	var addresses []string
	for pass := 0; pass < 6; pass++ {
		address := agA.NextID("RetrieveRequest")
		addresses = append(addresses, address)
		if err := agA.AddToOwnership(env.ctx, env.be, address); err != nil {
			t.Fatalf("AddToOwnership() error = %v", err)
		}
		// Pass 0 is referenced but never created.
		if pass < 1 {
			continue
		}
		rr := NewRetrieveRequest(address, env.be)
		rr.SetArchiveFile(123456789+uint64(pass), 1000+uint64(pass))
		rr.AddTapeFile(TapeFile{VID: "Tape0", CopyNb: 1, FSeq: uint64(pass)})
		rr.AddTapeFile(TapeFile{VID: "Tape1", CopyNb: 2, FSeq: uint64(pass)})
		rr.SetOwner(agA.Address())
		if err := rr.Insert(env.ctx); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
		// Passes 1 and 2 are created but not queued.
		if pass < 3 {
			continue
		}
		q, qlk, err := GetLockedAndFetchedQueue(env.ctx, env.be, agA, RetrieveQueueKind, "Tape0", QueuePendingTransfer)
		if err != nil {
			t.Fatalf("GetLockedAndFetchedQueue() error = %v", err)
		}
		q.AddJobs([]JobRef{{Address: address, CopyNb: 1, Size: 1000 + uint64(pass)}})
		if err := q.Commit(env.ctx); err != nil {
			t.Fatalf("Commit() error = %v", err)
		}
		qlk.Release(env.ctx)
		// Passes 3 and 4 are queued but still owned by the agent.
		if pass < 5 {
			continue
		}
		lk, err := LockExclusive(env.ctx, rr)
		if err != nil {
			t.Fatalf("LockExclusive() error = %v", err)
		}
		if err := rr.Fetch(env.ctx); err != nil {
			t.Fatalf("Fetch() error = %v", err)
		}
		rr.SetOwner(q.Address())
		rr.SetActiveCopyNb(1)
		if err := rr.Commit(env.ctx); err != nil {
			t.Fatalf("Commit() error = %v", err)
		}
		lk.Release(env.ctx)
	}

	states := staticStates{"Tape0": core.TapeActive, "Tape1": core.TapeDisabled}
	gc := env.newGC(gcRef, states, DefaultMaxWatchedAgents)
	env.runGC(t, gc)
	env.runGC(t, gc)

	if env.exists(t, agA.Address()) {
		t.Fatal("dead agent still exists")
	}
	q := env.queue(t, RetrieveQueueKind, "Tape0", QueuePendingTransfer)
	if q == nil {
		t.Fatal("Tape0 queue does not exist")
	}
	if s := q.Summary(); s.Jobs != 5 {
		t.Errorf("Tape0 queue jobs = %d, want 5", s.Jobs)
	}
	for _, address := range addresses[1:] {
		if owner := env.ownerOf(t, address); owner != q.Address() {
			t.Errorf("owner of %s = %q, want Tape0 queue", address, owner)
		}
		rr := NewRetrieveRequest(address, env.be)
		if err := rr.FetchNoLock(env.ctx); err != nil {
			t.Fatalf("FetchNoLock() error = %v", err)
		}
		if rr.ActiveCopyNb() != 1 {
			t.Errorf("ActiveCopyNb() of %s = %d, want 1", address, rr.ActiveCopyNb())
		}
	}
	if env.queue(t, RetrieveQueueKind, "Tape1", QueuePendingTransfer) != nil {
		t.Error("Tape1 queue exists, want all requests on the ACTIVE tape")
	}
}

func TestGarbageCollector_FailsRetrieveWithoutEligibleReplica(t *testing.T) {
	env := newTestEnv(t)
	agA := env.registerAgent(t, "unitTestAgentA", 0)
	gcRef := env.registerAgent(t, "gc", time.Minute)
	address := env.insertRetrieveRequest(t, agA, 1, "Tape0")

	gc := env.newGC(gcRef, staticStates{"Tape0": core.TapeBroken}, DefaultMaxWatchedAgents)
	env.runGC(t, gc)
	env.runGC(t, gc)

	q := env.queue(t, RetrieveQueueKind, "Tape0", QueueToReportToUser)
	if q == nil || !q.Contains(address) {
		t.Fatal("request is not in the Tape0 ToReportToUser queue")
	}
	rr := NewRetrieveRequest(address, env.be)
	if err := rr.FetchNoLock(env.ctx); err != nil {
		t.Fatalf("FetchNoLock() error = %v", err)
	}
	if job, _ := rr.ActiveJob(); job.Status != JobToReportForFailure {
		t.Errorf("job status = %v, want %v", job.Status, JobToReportForFailure)
	}
}

func TestGarbageCollector_RequeuesArchiveJobs(t *testing.T) {
	env := newTestEnv(t)
	agA := env.registerAgent(t, "unitTestAgentA", 0)
	gcRef := env.registerAgent(t, "gc", time.Minute)

	address := agA.NextID("ArchiveRequest")
	if err := agA.AddToOwnership(env.ctx, env.be, address); err != nil {
		t.Fatalf("AddToOwnership() error = %v", err)
	}
	ar := NewArchiveRequest(address, env.be)
	ar.SetArchiveFile(1, 100)
	ar.AddJob(1, "poolA", agA.Address())
	ar.AddJob(2, "poolB", agA.Address())
	ar.SetOwner(agA.Address())
	if err := ar.Insert(env.ctx); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	gc := env.newGC(gcRef, staticStates{}, DefaultMaxWatchedAgents)
	env.runGC(t, gc)
	env.runGC(t, gc)

	check := NewArchiveRequest(address, env.be)
	if err := check.FetchNoLock(env.ctx); err != nil {
		t.Fatalf("FetchNoLock() error = %v", err)
	}
	for i, pool := range []string{"poolA", "poolB"} {
		q := env.queue(t, ArchiveQueueKind, pool, QueuePendingTransfer)
		if q == nil || !q.Contains(address) {
			t.Fatalf("request is not queued in %s", pool)
		}
		if owner, _ := check.JobOwner(uint32(i + 1)); owner != q.Address() {
			t.Errorf("job %d owner = %q, want %s queue", i+1, owner, pool)
		}
	}
}

func TestGarbageCollector_ReturnsAgentsOfDeadCollector(t *testing.T) {
	env := newTestEnv(t)
	watched := env.registerAgent(t, "watched", time.Hour)
	gc1Ref := env.registerAgent(t, "gc1", 0)
	gc2Ref := env.registerAgent(t, "gc2", time.Hour)

	gc1 := env.newGC(gc1Ref, staticStates{}, 1)
	env.runGC(t, gc1)
	if owner := env.ownerOf(t, watched.Address()); owner != gc1Ref.Address() {
		t.Fatalf("watched agent owner = %q, want gc1", owner)
	}

	gc2 := env.newGC(gc2Ref, staticStates{}, 1)
	env.runGC(t, gc2) // acquires gc1
	env.runGC(t, gc2) // gc1 never beat again

	if env.exists(t, gc1Ref.Address()) {
		t.Fatal("dead collector still exists")
	}
	ar := env.agentRegister(t)
	if !slices.Contains(ar.GetUntrackedAgents(), watched.Address()) {
		t.Errorf("GetUntrackedAgents() = %v, want it to contain the watched agent", ar.GetUntrackedAgents())
	}
	if owner := env.ownerOf(t, watched.Address()); owner != ar.Address() {
		t.Errorf("watched agent owner = %q, want register", owner)
	}

	env.runGC(t, gc2)
	if owner := env.ownerOf(t, watched.Address()); owner != gc2Ref.Address() {
		t.Errorf("watched agent owner after takeover = %q, want gc2", owner)
	}
}

func TestCleanupDeadAgent_Errors(t *testing.T) {
	env := newTestEnv(t)
	agA := env.registerAgent(t, "unitTestAgentA", 0)
	gcRef := env.registerAgent(t, "gc", time.Minute)
	gc := env.newGC(gcRef, staticStates{}, DefaultMaxWatchedAgents)

	if err := gc.CleanupDeadAgent(env.ctx, agA.Address()); !errors.Is(err, core.ErrInconsistent) {
		t.Errorf("CleanupDeadAgent() on unowned agent error = %v, want inconsistent", err)
	}

	env.runGC(t, gc)
	if err := gc.CleanupDeadAgent(env.ctx, agA.Address()); err != nil {
		t.Fatalf("CleanupDeadAgent() error = %v", err)
	}
	if err := gc.CleanupDeadAgent(env.ctx, agA.Address()); !core.IsNotFound(err) {
		t.Errorf("second CleanupDeadAgent() error = %v, want not_found", err)
	}
	if got := gc.WatchedAgents(); len(got) != 0 {
		t.Errorf("WatchedAgents() = %v, want empty", got)
	}
}

// checkRegister verifies that the register lists exactly the live agents,
// each either tracked or untracked.
func (env *testEnv) checkRegister(t *testing.T, live ...*AgentReference) {
	t.Helper()
	ar := env.agentRegister(t)
	seen := make(map[string]int)
	for _, ta := range ar.GetTrackedAgents() {
		seen[ta.Agent]++
	}
	for _, a := range ar.GetUntrackedAgents() {
		seen[a]++
	}
	for a, n := range seen {
		if n != 1 {
			t.Errorf("agent %s listed %d times in the register", a, n)
		}
	}
	want := make(map[string]bool, len(live))
	for _, ref := range live {
		want[ref.Address()] = true
		if seen[ref.Address()] == 0 {
			t.Errorf("live agent %s is not registered", ref.Address())
		}
	}
	for a := range seen {
		if !want[a] {
			t.Errorf("register lists %s, which is not a live agent", a)
		}
	}
}

func TestGarbageCollector_TrimDropsUnregisteredAgent(t *testing.T) {
	env := newTestEnv(t)
	worker := env.registerAgent(t, "worker", time.Hour)
	gcRef := env.registerAgent(t, "gc", time.Hour)
	gc := env.newGC(gcRef, staticStates{}, DefaultMaxWatchedAgents)

	env.runGC(t, gc)
	if got := env.ownership(t, gcRef); !slices.Equal(got, []string{worker.Address()}) {
		t.Fatalf("collector ownership = %v, want the worker", got)
	}
	if err := UnregisterAgent(env.ctx, env.be, worker); err != nil {
		t.Fatalf("UnregisterAgent(worker) error = %v", err)
	}

	env.runGC(t, gc)
	if got := gc.WatchedAgents(); len(got) != 0 {
		t.Errorf("WatchedAgents() = %v, want empty", got)
	}
	if got := env.ownership(t, gcRef); len(got) != 0 {
		t.Errorf("collector ownership = %v, want empty", got)
	}
	env.checkRegister(t, gcRef)
	if err := UnregisterAgent(env.ctx, env.be, gcRef); err != nil {
		t.Errorf("UnregisterAgent(collector) error = %v", err)
	}
}

func TestGarbageCollector_DropsAgentWhoseObjectVanished(t *testing.T) {
	env := newTestEnv(t)
	worker := env.registerAgent(t, "worker", time.Hour)
	gcRef := env.registerAgent(t, "gc", time.Hour)
	gc := env.newGC(gcRef, staticStates{}, DefaultMaxWatchedAgents)

	env.runGC(t, gc)
	// The worker crashed between deleting its object and leaving the register.
	if err := env.be.Remove(env.ctx, worker.Address()); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	env.runGC(t, gc)
	if got := gc.WatchedAgents(); len(got) != 0 {
		t.Errorf("WatchedAgents() = %v, want empty", got)
	}
	if got := env.ownership(t, gcRef); len(got) != 0 {
		t.Errorf("collector ownership = %v, want empty", got)
	}
	env.checkRegister(t, gcRef)
}

func TestGarbageCollector_RegisterListsLiveAgentsThroughCycles(t *testing.T) {
	env := newTestEnv(t)
	gcRef := env.registerAgent(t, "gc", time.Hour)
	gc := env.newGC(gcRef, staticStates{}, 2)
	env.checkRegister(t, gcRef)

	dead := env.registerAgent(t, "dead", 0)
	leaving := env.registerAgent(t, "leaving", time.Hour)
	waiting := env.registerAgent(t, "waiting", time.Hour)
	env.checkRegister(t, gcRef, dead, leaving, waiting)

	// Acquire: two of the three are tracked, one waits.
	env.runGC(t, gc)
	env.checkRegister(t, gcRef, dead, leaving, waiting)
	if got := len(env.agentRegister(t).GetTrackedAgents()); got != 2 {
		t.Errorf("tracked agents = %d, want 2", got)
	}

	// Cleanup of the dead agent, trim of the leaving one.
	if !gc.isWatched(leaving.Address()) {
		t.Fatalf("WatchedAgents() = %v, want it to contain %s", gc.WatchedAgents(), leaving.Address())
	}
	if err := UnregisterAgent(env.ctx, env.be, leaving); err != nil {
		t.Fatalf("UnregisterAgent(leaving) error = %v", err)
	}
	env.runGC(t, gc)
	env.runGC(t, gc)
	env.checkRegister(t, gcRef, waiting)
	if env.exists(t, dead.Address()) {
		t.Error("dead agent still exists")
	}

	got := env.ownership(t, gcRef)
	if !slices.Equal(got, gc.WatchedAgents()) {
		t.Errorf("collector ownership = %v, want the watched agents %v", got, gc.WatchedAgents())
	}
}

func (env *testEnv) insertRepackRequest(t *testing.T, ref *AgentReference, vid string, status RepackStatus, expandFinished bool) string {
	t.Helper()
	address := ref.NextID("RepackRequest")
	if err := ref.AddToOwnership(env.ctx, env.be, address); err != nil {
		t.Fatalf("AddToOwnership() error = %v", err)
	}
	rr := NewRepackRequest(address, env.be)
	rr.SetVID(vid)
	rr.SetStatus(status)
	rr.SetExpandFinished(expandFinished)
	rr.SetOwner(ref.Address())
	if err := rr.Insert(env.ctx); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	return address
}

func TestGarbageCollector_RequeuesRepackRequests(t *testing.T) {
	tests := []struct {
		name       string
		status     RepackStatus
		wantQueue  QueueType
		wantStatus RepackStatus
	}{
		{"pending", RepackPending, QueueRepackPending, RepackPending},
		{"to expand", RepackToExpand, QueueRepackToExpand, RepackToExpand},
		{"running before expansion finished", RepackRunning, QueueRepackToExpand, RepackToExpand},
		{"starting before expansion finished", RepackStarting, QueueRepackToExpand, RepackToExpand},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			agA := env.registerAgent(t, "unitTestAgentA", 0)
			gcRef := env.registerAgent(t, "unitTestGarbageCollector", time.Minute)
			address := env.insertRepackRequest(t, agA, "V00101", tt.status, false)

			gc := env.newGC(gcRef, staticStates{}, DefaultMaxWatchedAgents)
			env.runGC(t, gc)
			env.runGC(t, gc)

			if env.exists(t, agA.Address()) {
				t.Error("dead agent still exists")
			}
			q := env.queue(t, RepackQueueKind, RepackQueueKey, tt.wantQueue)
			if q == nil || !q.Contains(address) {
				t.Fatalf("request is not in the %s queue", tt.wantQueue)
			}
			if owner := env.ownerOf(t, address); owner != q.Address() {
				t.Errorf("owner = %q, want %q", owner, q.Address())
			}
			rr := NewRepackRequest(address, env.be)
			if err := rr.FetchNoLock(env.ctx); err != nil {
				t.Fatalf("FetchNoLock() error = %v", err)
			}
			if rr.Status() != tt.wantStatus {
				t.Errorf("Status() = %v, want %v", rr.Status(), tt.wantStatus)
			}
		})
	}
}

func TestGarbageCollector_LeavesExpandedRepackRequestWithCollector(t *testing.T) {
	for _, status := range []RepackStatus{RepackRunning, RepackStarting} {
		t.Run(status.String(), func(t *testing.T) {
			env := newTestEnv(t)
			agA := env.registerAgent(t, "unitTestAgentA", 0)
			gcRef := env.registerAgent(t, "unitTestGarbageCollector", time.Minute)
			address := env.insertRepackRequest(t, agA, "V00101", status, true)

			gc := env.newGC(gcRef, staticStates{}, DefaultMaxWatchedAgents)
			env.runGC(t, gc)
			env.runGC(t, gc)

			if env.exists(t, agA.Address()) {
				t.Error("dead agent still exists")
			}
			if owner := env.ownerOf(t, address); owner != gcRef.Address() {
				t.Errorf("owner = %q, want %q", owner, gcRef.Address())
			}
			if !slices.Contains(env.ownership(t, gcRef), address) {
				t.Error("collector does not own the repack request")
			}
			for _, qt := range []QueueType{QueueRepackPending, QueueRepackToExpand} {
				if q := env.queue(t, RepackQueueKind, RepackQueueKey, qt); q != nil && q.Contains(address) {
					t.Errorf("request is queued in %s", qt)
				}
			}
			rr := NewRepackRequest(address, env.be)
			if err := rr.FetchNoLock(env.ctx); err != nil {
				t.Fatalf("FetchNoLock() error = %v", err)
			}
			if rr.Status() != status {
				t.Errorf("Status() = %v, want %v", rr.Status(), status)
			}
		})
	}
}

func (env *testEnv) insertDriveRegister(t *testing.T, ref *AgentReference) string {
	t.Helper()
	address := ref.NextID("DriveRegister")
	if err := ref.AddToOwnership(env.ctx, env.be, address); err != nil {
		t.Fatalf("AddToOwnership() error = %v", err)
	}
	dr := NewDriveRegister(address, env.be)
	dr.SetOwner(ref.Address())
	if err := dr.Insert(env.ctx); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	return address
}

func TestGarbageCollector_RemovesOrphanDriveRegister(t *testing.T) {
	env := newTestEnv(t)
	agA := env.registerAgent(t, "unitTestAgentA", 0)
	gcRef := env.registerAgent(t, "gc", time.Minute)
	address := env.insertDriveRegister(t, agA)

	gc := env.newGC(gcRef, staticStates{}, DefaultMaxWatchedAgents)
	env.runGC(t, gc)
	env.runGC(t, gc)

	if env.exists(t, address) {
		t.Error("orphan drive register still exists")
	}
	if env.exists(t, agA.Address()) {
		t.Error("dead agent still exists")
	}
}

func TestGarbageCollector_HandsReferencedDriveRegisterToRoot(t *testing.T) {
	env := newTestEnv(t)
	agA := env.registerAgent(t, "unitTestAgentA", 0)
	gcRef := env.registerAgent(t, "gc", time.Minute)
	address := env.insertDriveRegister(t, agA)

	re := NewRootEntry(env.be)
	rlk, err := LockExclusive(env.ctx, re)
	if err != nil {
		t.Fatalf("LockExclusive() error = %v", err)
	}
	if err := re.Fetch(env.ctx); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	re.payload.DriveRegisterAddress = address
	if err := re.Commit(env.ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	rlk.Release(env.ctx)

	gc := env.newGC(gcRef, staticStates{}, DefaultMaxWatchedAgents)
	env.runGC(t, gc)
	env.runGC(t, gc)

	if !env.exists(t, address) {
		t.Fatal("referenced drive register was removed")
	}
	if owner := env.ownerOf(t, address); owner != RootAddress {
		t.Errorf("owner = %q, want %q", owner, RootAddress)
	}
}

// lockCounter counts exclusive locks taken per object name.
type lockCounter struct {
	backend.Backend
	mu        sync.Mutex
	exclusive map[string]int
}

func (c *lockCounter) LockExclusive(ctx context.Context, name string, timeout time.Duration) (backend.Lock, error) {
	c.mu.Lock()
	c.exclusive[name]++
	c.mu.Unlock()
	return c.Backend.LockExclusive(ctx, name, timeout)
}

func (c *lockCounter) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exclusive[name]
}

func TestGarbageCollector_RequeuesOncePerQueue(t *testing.T) {
	env := newTestEnv(t)
	agA := env.registerAgent(t, "unitTestAgentA", 0)
	gcRef := env.registerAgent(t, "gc", time.Minute)

	_, qlk, err := GetLockedAndFetchedQueue(env.ctx, env.be, gcRef, RetrieveQueueKind, "Tape0", QueuePendingTransfer)
	if err != nil {
		t.Fatalf("GetLockedAndFetchedQueue() error = %v", err)
	}
	qlk.Release(env.ctx)
	queueAddress := env.queue(t, RetrieveQueueKind, "Tape0", QueuePendingTransfer).Address()

	var retrieves []string
	for i := uint64(1); i <= 3; i++ {
		retrieves = append(retrieves, env.insertRetrieveRequest(t, agA, i, "Tape0"))
	}
	repackPending := env.insertRepackRequest(t, agA, "V00101", RepackPending, false)
	repackRunning := env.insertRepackRequest(t, agA, "V00102", RepackRunning, false)

	counter := &lockCounter{Backend: env.be, exclusive: make(map[string]int)}
	gc := NewGarbageCollector(counter, gcRef, staticStates{"Tape0": core.TapeActive},
		WithGCClock(env.clock), WithMaxWatchedAgents(DefaultMaxWatchedAgents))
	env.runGC(t, gc)
	env.runGC(t, gc)

	if env.exists(t, agA.Address()) {
		t.Fatal("dead agent still exists")
	}
	if got := counter.count(queueAddress); got != 1 {
		t.Errorf("Tape0 queue locked %d times, want 1", got)
	}
	q := env.queue(t, RetrieveQueueKind, "Tape0", QueuePendingTransfer)
	for _, address := range retrieves {
		if !q.Contains(address) {
			t.Errorf("%s is not in the Tape0 queue", address)
		}
	}
	if pending := env.queue(t, RepackQueueKind, RepackQueueKey, QueueRepackPending); pending == nil || !pending.Contains(repackPending) {
		t.Error("pending repack request is not in the RepackPending queue")
	}
	if toExpand := env.queue(t, RepackQueueKind, RepackQueueKey, QueueRepackToExpand); toExpand == nil || !toExpand.Contains(repackRunning) {
		t.Error("running repack request is not in the RepackToExpand queue")
	}
}
