package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cern-cta/CTA-sub017/internal/backend"
	"github.com/cern-cta/CTA-sub017/internal/catalogue"
	"github.com/cern-cta/CTA-sub017/internal/clock"
	"github.com/cern-cta/CTA-sub017/internal/core"
	"github.com/cern-cta/CTA-sub017/internal/objectstore"
)

var admin = core.SecurityIdentity{Username: "admin", Host: "localhost"}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*core.TapeStateEvent
}

func (p *recordingPublisher) PublishTapeStateChange(ev *core.TapeStateEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

type testEnv struct {
	ctx   context.Context
	be    *backend.Memory
	ref   *objectstore.AgentReference
	cat   *catalogue.Dummy
	db    *DB
	sched *Scheduler
	pub   *recordingPublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	be := backend.NewMemory()
	ref := objectstore.NewAgentReference("schedulerTest")
	if _, err := objectstore.Bootstrap(ctx, be, ref); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	if err := objectstore.RegisterAgent(ctx, be, ref, "scheduler test", time.Minute); err != nil {
		t.Fatalf("RegisterAgent() error = %v", err)
	}
	cat := catalogue.NewDummy()
	pub := &recordingPublisher{}
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	db := NewDB(be, ref, cat, WithDBClock(fake))
	return &testEnv{
		ctx:   ctx,
		be:    be,
		ref:   ref,
		cat:   cat,
		db:    db,
		sched: New(db, cat, WithEventPublisher(pub), WithClock(fake)),
		pub:   pub,
	}
}

func (env *testEnv) setState(t *testing.T, vid string, state core.TapeState) {
	t.Helper()
	if err := env.cat.ModifyTapeState(env.ctx, admin, vid, state, nil, "test setup"); err != nil {
		t.Fatalf("ModifyTapeState(%s, %s) error = %v", vid, state, err)
	}
}

func (env *testEnv) state(t *testing.T, vid string) core.TapeState {
	t.Helper()
	st, err := env.cat.GetTapeState(env.ctx, vid)
	if err != nil {
		t.Fatalf("GetTapeState(%s) error = %v", vid, err)
	}
	return st
}

func (env *testEnv) cleanupFlag(t *testing.T, vid string) bool {
	t.Helper()
	infos, err := env.db.GetRetrieveQueuesCleanupInfo(env.ctx)
	if err != nil {
		t.Fatalf("GetRetrieveQueuesCleanupInfo() error = %v", err)
	}
	for _, info := range infos {
		if info.VID == vid {
			return info.DoCleanup
		}
	}
	return false
}

func TestTriggerTapeStateChange(t *testing.T) {
	const (
		active     = core.TapeActive
		disabled   = core.TapeDisabled
		repacking  = core.TapeRepacking
		repackingP = core.TapeRepackingPending
		repackingD = core.TapeRepackingDisabled
		broken     = core.TapeBroken
		brokenP    = core.TapeBrokenPending
		exported   = core.TapeExported
		exportedP  = core.TapeExportedPending
	)
	tests := []struct {
		from, to  core.TapeState
		want      core.TapeState
		userError bool
		cleanup   bool
	}{
		{active, active, active, false, false},
		{active, disabled, disabled, false, false},
		{active, repacking, repackingP, false, true},
		{active, repackingP, active, true, false},
		{active, repackingD, active, true, false},
		{active, broken, brokenP, false, true},
		{active, brokenP, active, true, false},
		{active, exported, exportedP, false, true},
		{active, exportedP, active, true, false},

		{disabled, active, active, false, false},
		{disabled, disabled, disabled, false, false},
		{disabled, repacking, repackingP, false, true},
		{disabled, repackingD, disabled, true, false},
		{disabled, broken, brokenP, false, true},
		{disabled, exported, exportedP, false, true},

		{repacking, active, active, false, false},
		{repacking, disabled, disabled, false, false},
		{repacking, repacking, repacking, false, false},
		{repacking, repackingD, repackingD, false, false},
		{repacking, broken, brokenP, false, true},
		{repacking, exported, exportedP, false, true},

		{repackingD, active, repackingD, true, false},
		{repackingD, disabled, repackingD, true, false},
		{repackingD, repacking, repacking, false, false},
		{repackingD, repackingD, repackingD, false, false},
		{repackingD, broken, brokenP, false, true},
		{repackingD, exported, exportedP, false, true},

		{broken, active, active, false, false},
		{broken, disabled, disabled, false, false},
		{broken, repacking, repackingP, false, true},
		{broken, repackingD, broken, true, false},
		{broken, broken, broken, false, false},
		{broken, exported, exportedP, false, true},

		{exported, active, active, false, false},
		{exported, disabled, disabled, false, false},
		{exported, repacking, repackingP, false, true},
		{exported, repackingD, exported, true, false},
		{exported, broken, brokenP, false, true},
		{exported, exported, exported, false, false},

		{repackingP, active, repackingP, true, false},
		{brokenP, active, brokenP, true, false},
		{exportedP, active, exportedP, true, false},
		{brokenP, repacking, brokenP, true, false},

		// Re-triggering the settled state re-arms the cleanup.
		{repackingP, repacking, repackingP, false, true},
		{brokenP, broken, brokenP, false, true},
		{exportedP, exported, exportedP, false, true},
	}
	env := newTestEnv(t)
	const vid = "TAPE01"
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			env.setState(t, vid, tt.from)
			if err := env.db.SetRetrieveQueueCleanupFlag(env.ctx, vid, false); err != nil {
				t.Fatalf("SetRetrieveQueueCleanupFlag(false) error = %v", err)
			}

			err := env.sched.TriggerTapeStateChange(env.ctx, admin, vid, tt.to, "test")
			if gotUserErr := errors.Is(err, core.ErrInvalidRequest); gotUserErr != tt.userError {
				t.Errorf("TriggerTapeStateChange() error = %v, want user error %v", err, tt.userError)
			}
			if !tt.userError && err != nil {
				t.Fatalf("TriggerTapeStateChange() error = %v", err)
			}
			if got := env.state(t, vid); got != tt.want {
				t.Errorf("state = %s, want %s", got, tt.want)
			}
			if got := env.cleanupFlag(t, vid); got != tt.cleanup {
				t.Errorf("cleanup flag = %v, want %v", got, tt.cleanup)
			}
		})
	}
}

func TestTriggerTapeStateChange_PublishesAcceptedChanges(t *testing.T) {
	env := newTestEnv(t)
	env.setState(t, "TAPE01", core.TapeActive)

	if err := env.sched.TriggerTapeStateChange(env.ctx, admin, "TAPE01", core.TapeBroken, "dropped"); err != nil {
		t.Fatalf("TriggerTapeStateChange() error = %v", err)
	}
	if err := env.sched.TriggerTapeStateChange(env.ctx, admin, "TAPE01", core.TapeActive, ""); err == nil {
		t.Fatal("TriggerTapeStateChange() from pending error = nil, want user error")
	}

	if len(env.pub.events) != 1 {
		t.Fatalf("published %d events, want 1", len(env.pub.events))
	}
	ev := env.pub.events[0]
	if ev.VID != "TAPE01" || ev.PreviousState != core.TapeActive || ev.State != core.TapeBrokenPending || !ev.Cleanup {
		t.Errorf("event = %+v, want ACTIVE -> BROKEN_PENDING with cleanup", ev)
	}
	if ev.Reason != "dropped" || ev.RequestedBy != "admin@localhost" {
		t.Errorf("event reason/requester = %q/%q", ev.Reason, ev.RequestedBy)
	}
	if ev.Time != "2026-01-01T00:00:00.000Z" {
		t.Errorf("event time = %q", ev.Time)
	}
}

func TestTriggerTapeStateChange_UnknownTape(t *testing.T) {
	env := newTestEnv(t)
	err := env.sched.TriggerTapeStateChange(env.ctx, admin, "NOPE01", core.TapeActive, "")
	if !core.IsNotFound(err) {
		t.Errorf("TriggerTapeStateChange() error = %v, want not_found", err)
	}
	if err := env.sched.TriggerTapeStateChange(env.ctx, admin, "bad/vid", core.TapeActive, ""); !errors.Is(err, core.ErrInvalidRequest) {
		t.Errorf("TriggerTapeStateChange(bad/vid) error = %v, want invalid_request", err)
	}
}

func TestSettleTapeState(t *testing.T) {
	env := newTestEnv(t)
	env.setState(t, "TAPE01", core.TapeRepackingPending)

	got, err := env.sched.SettleTapeState(env.ctx, admin, "TAPE01", core.TapeRepackingPending)
	if err != nil || got != core.TapeRepacking {
		t.Fatalf("SettleTapeState() = %s, %v, want REPACKING", got, err)
	}
	if _, err := env.sched.SettleTapeState(env.ctx, admin, "TAPE01", core.TapeRepackingPending); !errors.Is(err, core.ErrConflict) {
		t.Errorf("second SettleTapeState() error = %v, want conflict", err)
	}
	if _, err := env.sched.SettleTapeState(env.ctx, admin, "TAPE01", core.TapeActive); !errors.Is(err, core.ErrInvalidRequest) {
		t.Errorf("SettleTapeState(ACTIVE) error = %v, want invalid_request", err)
	}
}
