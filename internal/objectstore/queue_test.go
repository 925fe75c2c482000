package objectstore

import (
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/cern-cta/CTA-sub017/internal/core"
)

func jobAddresses(jobs []JobRef) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Address)
	}
	return out
}

func TestQueue_AddJobsKeepsSummary(t *testing.T) {
	q := NewRetrieveQueue("q", nil)
	q.Initialize("V1", QueuePendingTransfer)
	added := q.AddJobs([]JobRef{{Address: "a", Size: 10}, {Address: "b", Size: 20}, {Address: "a", Size: 10}})
	if added != 2 {
		t.Errorf("AddJobs() = %d, want 2", added)
	}
	if s := q.Summary(); s.Jobs != 2 || s.Bytes != 30 {
		t.Errorf("Summary() = %+v, want {Jobs:2 Bytes:30}", s)
	}
	if n := q.RemoveJobs([]string{"a", "zzz"}); n != 1 {
		t.Errorf("RemoveJobs() = %d, want 1", n)
	}
	if s := q.Summary(); s.Jobs != 1 || s.Bytes != 20 {
		t.Errorf("Summary() = %+v, want {Jobs:1 Bytes:20}", s)
	}
}

func TestQueue_AddJobsSkipsQueued(t *testing.T) {
	q := NewRetrieveQueue("q", nil)
	q.Initialize("V1", QueuePendingTransfer)
	var batch []JobRef
	for i := 0; i < 2000; i++ {
		batch = append(batch, JobRef{Address: fmt.Sprintf("req-%d", i), Size: 1})
	}
	if added := q.AddJobs(batch[:1000]); added != 1000 {
		t.Fatalf("AddJobs(first half) = %d, want 1000", added)
	}
	if added := q.AddJobs(batch); added != 1000 {
		t.Errorf("AddJobs(all) = %d, want 1000", added)
	}
	if s := q.Summary(); s.Jobs != 2000 || s.Bytes != 2000 {
		t.Errorf("Summary() = %+v, want {Jobs:2000 Bytes:2000}", s)
	}
	if got := q.Jobs()[1000].Address; got != "req-1000" {
		t.Errorf("Jobs()[1000] = %s, want req-1000", got)
	}
}

func TestQueue_Ordering(t *testing.T) {
	jobs := []JobRef{
		{Address: "low", Priority: 1},
		{Address: "high", Priority: 9},
		{Address: "mid", Priority: 5},
		{Address: "high2", Priority: 9},
	}

	retrieve := NewRetrieveQueue("r", nil)
	retrieve.Initialize("V1", QueuePendingTransfer)
	retrieve.AddJobs(jobs)
	if got := jobAddresses(retrieve.Jobs()); !slices.Equal(got, []string{"low", "high", "mid", "high2"}) {
		t.Errorf("retrieve order = %v, want insertion order", got)
	}

	archive := NewArchiveQueue("a", nil)
	archive.Initialize("pool", QueuePendingTransfer)
	archive.AddJobs(jobs)
	if got := jobAddresses(archive.Jobs()); !slices.Equal(got, []string{"high", "high2", "mid", "low"}) {
		t.Errorf("archive order = %v, want [high high2 mid low]", got)
	}

	report := NewArchiveQueue("ar", nil)
	report.Initialize("pool", QueueToReportForFailure)
	report.AddJobs(jobs)
	if got := jobAddresses(report.Jobs()); !slices.Equal(got, []string{"low", "high", "mid", "high2"}) {
		t.Errorf("archive report order = %v, want insertion order", got)
	}
}

func TestQueue_Candidates(t *testing.T) {
	q := NewRetrieveQueue("q", nil)
	q.AddJobs([]JobRef{{Address: "a", Size: 100}, {Address: "b", Size: 100}, {Address: "c", Size: 100}})

	tests := []struct {
		name     string
		criteria PopCriteria
		want     []string
	}{
		{"unbounded", PopCriteria{}, []string{"a", "b", "c"}},
		{"files", PopCriteria{Files: 2}, []string{"a", "b"}},
		{"bytes", PopCriteria{Bytes: 250}, []string{"a", "b"}},
		{"oversized first job", PopCriteria{Bytes: 10}, []string{"a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := jobAddresses(q.candidates(tt.criteria)); !slices.Equal(got, tt.want) {
				t.Errorf("candidates(%+v) = %v, want %v", tt.criteria, got, tt.want)
			}
		})
	}
}

func TestQueue_CleanupReservation(t *testing.T) {
	q := NewRetrieveQueue("q", nil)
	q.SetCleanupFlag(true)
	q.AssignCleanup("Agent-a")
	q.TickCleanupHeartbeat()
	info := q.CleanupInfo()
	if !info.DoCleanup || info.AssignedAgent != "Agent-a" || info.Heartbeat != 2 {
		t.Errorf("CleanupInfo() = %+v, want flag set, Agent-a, heartbeat 2", info)
	}
	q.SetCleanupFlag(false)
	if info := q.CleanupInfo(); info.DoCleanup || info.AssignedAgent != "" {
		t.Errorf("CleanupInfo() after clear = %+v", info)
	}
}

func TestParseQueueType(t *testing.T) {
	qt, err := ParseQueueType("toreporttouser")
	if err != nil || qt != QueueToReportToUser {
		t.Errorf("ParseQueueType() = %v, %v, want ToReportToUser", qt, err)
	}
	if _, err := ParseQueueType("bogus"); !errors.Is(err, core.ErrInvalidRequest) {
		t.Errorf("ParseQueueType(bogus) error = %v, want invalid_request", err)
	}
}

func TestQueueTypeFor(t *testing.T) {
	tests := []struct {
		kind   QueueKind
		status JobStatus
		want   QueueType
	}{
		{RetrieveQueueKind, JobToTransfer, QueuePendingTransfer},
		{RetrieveQueueKind, JobToReportForFailure, QueueToReportToUser},
		{RetrieveQueueKind, JobFailed, QueueFailed},
		{ArchiveQueueKind, JobToReportForFailure, QueueToReportForFailure},
		{ArchiveQueueKind, JobToReportToUser, QueueToReportToUser},
	}
	for _, tt := range tests {
		got, err := QueueTypeFor(tt.kind, tt.status)
		if err != nil || got != tt.want {
			t.Errorf("QueueTypeFor(%v, %v) = %v, %v, want %v", tt.kind, tt.status, got, err, tt.want)
		}
	}
}

func TestRootEntry_QueueLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ref := env.registerAgent(t, "worker", time.Minute)

	q, qlk, err := GetLockedAndFetchedQueue(env.ctx, env.be, ref, RetrieveQueueKind, "V1", QueuePendingTransfer)
	if err != nil {
		t.Fatalf("GetLockedAndFetchedQueue() error = %v", err)
	}
	address := q.Address()
	if q.Key() != "V1" || q.QueueType() != QueuePendingTransfer {
		t.Errorf("queue identity = %s/%v, want V1/PendingTransfer", q.Key(), q.QueueType())
	}
	q.AddJobs([]JobRef{{Address: "job"}})
	if err := q.Commit(env.ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	qlk.Release(env.ctx)

	if owner := env.ownerOf(t, address); owner != RootAddress {
		t.Errorf("queue owner = %q, want %q", owner, RootAddress)
	}
	if got := env.ownership(t, ref); len(got) != 0 {
		t.Errorf("agent ownership after queue creation = %v, want empty", got)
	}

	q2, qlk2, err := GetLockedAndFetchedQueue(env.ctx, env.be, ref, RetrieveQueueKind, "V1", QueuePendingTransfer)
	if err != nil {
		t.Fatalf("second GetLockedAndFetchedQueue() error = %v", err)
	}
	if q2.Address() != address {
		t.Errorf("second lookup address = %q, want %q", q2.Address(), address)
	}
	qlk2.Release(env.ctx)

	if gone, err := RemoveQueueIfEmpty(env.ctx, env.be, RetrieveQueueKind, "V1", QueuePendingTransfer); err != nil || gone {
		t.Errorf("RemoveQueueIfEmpty() on non-empty queue = %v, %v, want false, nil", gone, err)
	}

	re := NewRootEntry(env.be)
	rlk, err := LockExclusive(env.ctx, re)
	if err != nil {
		t.Fatalf("LockExclusive(root) error = %v", err)
	}
	if err := re.Fetch(env.ctx); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if err := re.RemoveQueueAndCommit(env.ctx, RetrieveQueueKind, "V1", QueuePendingTransfer); !errors.Is(err, ErrQueueNotEmpty) {
		t.Errorf("RemoveQueueAndCommit() error = %v, want ErrQueueNotEmpty", err)
	}
	rlk.Release(env.ctx)
}

func TestRemoveQueueIfEmpty_KeepsFlaggedQueue(t *testing.T) {
	env := newTestEnv(t)
	ref := env.registerAgent(t, "worker", time.Minute)

	q, qlk, err := GetLockedAndFetchedQueue(env.ctx, env.be, ref, RetrieveQueueKind, "V1", QueuePendingTransfer)
	if err != nil {
		t.Fatalf("GetLockedAndFetchedQueue() error = %v", err)
	}
	q.SetCleanupFlag(true)
	if err := q.Commit(env.ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	qlk.Release(env.ctx)

	if gone, err := RemoveQueueIfEmpty(env.ctx, env.be, RetrieveQueueKind, "V1", QueuePendingTransfer); err != nil || gone {
		t.Fatalf("RemoveQueueIfEmpty() on flagged queue = %v, %v, want false, nil", gone, err)
	}

	q, qlk, err = GetLockedAndFetchedQueue(env.ctx, env.be, ref, RetrieveQueueKind, "V1", QueuePendingTransfer)
	if err != nil {
		t.Fatalf("GetLockedAndFetchedQueue() error = %v", err)
	}
	address := q.Address()
	q.SetCleanupFlag(false)
	if err := q.Commit(env.ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	qlk.Release(env.ctx)

	gone, err := RemoveQueueIfEmpty(env.ctx, env.be, RetrieveQueueKind, "V1", QueuePendingTransfer)
	if err != nil || !gone {
		t.Fatalf("RemoveQueueIfEmpty() = %v, %v, want true, nil", gone, err)
	}
	if env.exists(t, address) {
		t.Error("queue object still exists")
	}
	if env.queue(t, RetrieveQueueKind, "V1", QueuePendingTransfer) != nil {
		t.Error("root entry still references the queue")
	}
}

func TestGetLockedAndFetchedQueue_DropsDanglingPointer(t *testing.T) {
	env := newTestEnv(t)
	ref := env.registerAgent(t, "worker", time.Minute)

	q, qlk, err := GetLockedAndFetchedQueue(env.ctx, env.be, ref, ArchiveQueueKind, "pool", QueuePendingTransfer)
	if err != nil {
		t.Fatalf("GetLockedAndFetchedQueue() error = %v", err)
	}
	stale := q.Address()
	if err := q.Remove(env.ctx); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	qlk.Release(env.ctx)

	q, qlk, err = GetLockedAndFetchedQueue(env.ctx, env.be, ref, ArchiveQueueKind, "pool", QueuePendingTransfer)
	if err != nil {
		t.Fatalf("GetLockedAndFetchedQueue() after removal error = %v", err)
	}
	defer qlk.Release(env.ctx)
	if q.Address() == stale {
		t.Errorf("queue address = %q, want a new queue", q.Address())
	}
}

func TestRootEntry_Teardown(t *testing.T) {
	env := newTestEnv(t)
	re := NewRootEntry(env.be)
	rlk, err := LockExclusive(env.ctx, re)
	if err != nil {
		t.Fatalf("LockExclusive() error = %v", err)
	}
	defer rlk.Release(env.ctx)
	if err := re.Fetch(env.ctx); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if err := re.RemoveIfEmpty(env.ctx); !errors.Is(err, core.ErrConflict) {
		t.Errorf("RemoveIfEmpty() with register error = %v, want conflict", err)
	}
	if err := re.RemoveAgentRegisterAndCommit(env.ctx); err != nil {
		t.Fatalf("RemoveAgentRegisterAndCommit() error = %v", err)
	}
	if err := re.RemoveIfEmpty(env.ctx); err != nil {
		t.Fatalf("RemoveIfEmpty() error = %v", err)
	}
	if env.exists(t, RootAddress) {
		t.Error("root entry still exists")
	}
}
