// Package cleanup migrates the queued retrieve requests of tapes whose state
// is changing away from a readable state.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cern-cta/CTA-sub017/internal/clock"
	"github.com/cern-cta/CTA-sub017/internal/core"
	"github.com/cern-cta/CTA-sub017/internal/objectstore"
	"github.com/cern-cta/CTA-sub017/internal/scheduler"
)

const (
	// DefaultBatchSize is how many jobs are popped per batch.
	DefaultBatchSize = 500
	// DefaultTimeout is how long a foreign cleanup claim must stay still
	// before it is taken over.
	DefaultTimeout = 120 * time.Second

	giveBackTimeout = 30 * time.Second
)

// DB is the part of the scheduler database the runner drives.
type DB interface {
	AgentAddress() string
	GetRetrieveQueuesCleanupInfo(ctx context.Context) ([]scheduler.RetrieveQueueCleanupInfo, error)
	ReserveRetrieveQueueForCleanup(ctx context.Context, vid string, expectedHeartbeat *uint64) error
	TickRetrieveQueueCleanupHeartbeat(ctx context.Context, vid string) error
	GetNextRetrieveJobsToTransferBatch(ctx context.Context, vid string, criteria objectstore.PopCriteria) ([]scheduler.RetrieveJob, error)
	OwnedRetrieveJobs(ctx context.Context, vid string) ([]scheduler.RetrieveJob, error)
	RequeueRetrieveRequests(ctx context.Context, vid string, requeues []scheduler.Requeue) error
	FailRetrieveRequests(ctx context.Context, vid string, jobs []scheduler.RetrieveJob, reason string) error
	SetRetrieveQueueCleanupFlag(ctx context.Context, vid string, on bool) error
	RemoveEmptyRetrieveQueues(ctx context.Context, vid string) error
}

// TapeStates reads tape states from the catalogue.
type TapeStates interface {
	objectstore.TapeStateSource
	GetTapeState(ctx context.Context, vid string) (core.TapeState, error)
}

// Settler moves a tape out of its *_PENDING state.
type Settler interface {
	SettleTapeState(ctx context.Context, admin core.SecurityIdentity, vid string, pending core.TapeState) (core.TapeState, error)
}

// PassStats summarizes one runner pass.
type PassStats struct {
	Flagged  int
	Cleaned  int
	Skipped  int
	Requeued int
	Failed   int
}

// claim is a foreign cleanup reservation as last observed.
type claim struct {
	agent     string
	heartbeat uint64
	since     time.Time
}

// Runner drains the PendingTransfer queue of every tape flagged for
// cleanup, moving each request to its best other replica or failing it to
// the user.
type Runner struct {
	db        DB
	states    TapeStates
	settler   Settler
	identity  core.SecurityIdentity
	batchSize int
	timeout   time.Duration
	clock     clock.Clock
	log       *slog.Logger
	tracer    trace.Tracer

	mu     sync.Mutex
	claims map[string]claim
}

// Option configures a Runner.
type Option func(*Runner)

// WithBatchSize sets how many jobs are popped per batch.
func WithBatchSize(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithTimeout sets how long a foreign claim must stay still before it is
// taken over. Zero takes over at once.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d >= 0 {
			r.timeout = d
		}
	}
}

// WithClock sets the clock used to age foreign claims.
func WithClock(c clock.Clock) Option {
	return func(r *Runner) { r.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.log = l }
}

// WithTracerProvider sets where per-tape spans go. The global provider is
// used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Runner) { r.tracer = tp.Tracer("github.com/cern-cta/CTA-sub017/internal/cleanup") }
}

// WithIdentity sets the identity recorded on settled tape states.
func WithIdentity(id core.SecurityIdentity) Option {
	return func(r *Runner) { r.identity = id }
}

// New returns a runner over db. states resolves replica states and settler
// completes the tape state change once a queue is drained.
func New(db DB, states TapeStates, settler Settler, opts ...Option) *Runner {
	r := &Runner{
		db:        db,
		states:    states,
		settler:   settler,
		identity:  core.SecurityIdentity{Username: "queue-cleanup", Host: db.AgentAddress()},
		batchSize: DefaultBatchSize,
		timeout:   DefaultTimeout,
		clock:     clock.Real(),
		log:       slog.Default(),
		tracer:    otel.Tracer("github.com/cern-cta/CTA-sub017/internal/cleanup"),
		claims:    make(map[string]claim),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("component", "queue_cleanup", "agent_address", db.AgentAddress())
	return r
}

// RunOnePass cleans up every flagged tape once. A failure on one tape is
// logged and the pass moves on; the first error is returned.
func (r *Runner) RunOnePass(ctx context.Context) (PassStats, error) {
	var stats PassStats
	infos, err := r.db.GetRetrieveQueuesCleanupInfo(ctx)
	if err != nil {
		return stats, fmt.Errorf("listing queues to clean up: %w", err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].VID < infos[j].VID })

	var firstErr error
	flagged := make(map[string]bool, len(infos))
	for _, info := range infos {
		if !info.DoCleanup {
			continue
		}
		flagged[info.VID] = true
		stats.Flagged++
		reserved, err := r.reserve(ctx, info)
		if err != nil {
			r.log.Error("failed to reserve queue for cleanup", "vid", info.VID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !reserved {
			stats.Skipped++
			continue
		}
		requeued, failed, err := r.tracedCleanupVID(ctx, info.VID)
		stats.Requeued += requeued
		stats.Failed += failed
		if err != nil {
			r.log.Error("queue cleanup failed", "vid", info.VID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		stats.Cleaned++
	}
	r.forgetClaims(flagged)
	return stats, firstErr
}

// reserve claims the cleanup of info.VID. It reports false when another
// runner holds a claim that has not gone stale yet or wins the race.
func (r *Runner) reserve(ctx context.Context, info scheduler.RetrieveQueueCleanupInfo) (bool, error) {
	me := r.db.AgentAddress()
	var expected *uint64
	if info.AssignedAgent != "" && info.AssignedAgent != me {
		if !r.claimIsStale(info) {
			r.log.Debug("queue cleanup claimed by another agent", "vid", info.VID,
				"assigned_agent", info.AssignedAgent, "heartbeat", info.Heartbeat)
			return false, nil
		}
		hb := info.Heartbeat
		expected = &hb
		r.log.Info("taking over stale queue cleanup", "vid", info.VID, "assigned_agent", info.AssignedAgent)
	}
	err := r.db.ReserveRetrieveQueueForCleanup(ctx, info.VID, expected)
	if errors.Is(err, core.ErrConflict) || core.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// claimIsStale records the foreign claim of info and reports whether it has
// been seen unchanged for the cleanup timeout.
func (r *Runner) claimIsStale(info scheduler.RetrieveQueueCleanupInfo) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	c, ok := r.claims[info.VID]
	if !ok || c.agent != info.AssignedAgent || c.heartbeat != info.Heartbeat {
		c = claim{agent: info.AssignedAgent, heartbeat: info.Heartbeat, since: now}
		r.claims[info.VID] = c
	}
	return now.Sub(c.since) >= r.timeout
}

func (r *Runner) forgetClaims(keep map[string]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for vid := range r.claims {
		if !keep[vid] {
			delete(r.claims, vid)
		}
	}
}

func (r *Runner) tracedCleanupVID(ctx context.Context, vid string) (requeued, failed int, err error) {
	ctx, span := r.tracer.Start(ctx, "cleanup.queue", trace.WithAttributes(attribute.String("vid", vid)))
	defer span.End()
	requeued, failed, err = r.cleanupVID(ctx, vid)
	span.SetAttributes(attribute.Int("requeued", requeued), attribute.Int("failed", failed))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return requeued, failed, err
}

// cleanupVID drains the PendingTransfer queue of a reserved vid, then
// settles the tape state and drops the flag. Jobs of vid still owned by this
// agent from an interrupted pass are migrated first.
func (r *Runner) cleanupVID(ctx context.Context, vid string) (requeued, failed int, err error) {
	state, err := r.states.GetTapeState(ctx, vid)
	if err != nil {
		return 0, 0, fmt.Errorf("getting state of %s: %w", vid, err)
	}
	log := r.log.With("vid", vid, "tape_state", string(state))
	leftovers, err := r.db.OwnedRetrieveJobs(ctx, vid)
	if err != nil {
		return 0, 0, fmt.Errorf("listing jobs of %s owned by this agent: %w", vid, err)
	}
	if !state.IsPending() {
		log.Warn("cleanup flag set on a tape that is not transitioning, clearing it")
		if err := r.giveBack(ctx, vid, leftovers); err != nil {
			return 0, 0, err
		}
		return 0, 0, r.finish(ctx, vid)
	}
	settled, _ := state.SettledState()

	if len(leftovers) > 0 {
		log.Warn("migrating jobs left by an interrupted pass", "jobs", len(leftovers))
		nr, nf, err := r.migrate(ctx, vid, settled, leftovers)
		requeued += nr
		failed += nf
		if err != nil {
			return requeued, failed, err
		}
	}

	for {
		jobs, err := r.db.GetNextRetrieveJobsToTransferBatch(ctx, vid, objectstore.PopCriteria{Files: uint64(r.batchSize)})
		if err != nil {
			if gbErr := r.giveBack(ctx, vid, jobs); gbErr != nil {
				log.Error("failed to return popped jobs to their queue", "jobs", len(jobs), "error", gbErr)
			}
			return requeued, failed, fmt.Errorf("popping jobs of %s: %w", vid, err)
		}
		if len(jobs) == 0 {
			break
		}
		nr, nf, err := r.migrate(ctx, vid, settled, jobs)
		requeued += nr
		failed += nf
		if err != nil {
			return requeued, failed, err
		}
		if err := r.db.TickRetrieveQueueCleanupHeartbeat(ctx, vid); err != nil {
			return requeued, failed, fmt.Errorf("ticking cleanup heartbeat of %s: %w", vid, err)
		}
		log.Info("migrated batch", "requeued", nr, "failed", nf)
	}

	if _, err := r.settler.SettleTapeState(ctx, r.identity, vid, state); err != nil {
		return requeued, failed, fmt.Errorf("settling state of %s: %w", vid, err)
	}
	log.Info("queue cleanup complete", "state", string(settled), "requeued", requeued, "failed", failed)
	return requeued, failed, r.finish(ctx, vid)
}

// migrate runs migrateBatch and, when it fails, returns the jobs it did not
// move to the PendingTransfer queue of vid.
func (r *Runner) migrate(ctx context.Context, vid string, settled core.TapeState, jobs []scheduler.RetrieveJob) (requeued, failed int, err error) {
	requeued, failed, err = r.migrateBatch(ctx, vid, settled, jobs)
	if err == nil {
		return requeued, failed, nil
	}
	if gbErr := r.giveBack(ctx, vid, jobs); gbErr != nil {
		r.log.Error("failed to return jobs to their queue", "vid", vid, "jobs", len(jobs), "error", gbErr)
	}
	return requeued, failed, err
}

// giveBack queues jobs owned by this agent on the PendingTransfer queue of
// vid again. Jobs that already moved elsewhere are skipped. It runs even when
// ctx is done; jobs it cannot return stay owned by this agent and are picked
// up by the next pass over vid.
func (r *Runner) giveBack(ctx context.Context, vid string, jobs []scheduler.RetrieveJob) error {
	if len(jobs) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), giveBackTimeout)
	defer cancel()
	requeues := make([]scheduler.Requeue, 0, len(jobs))
	for _, j := range jobs {
		requeues = append(requeues, scheduler.Requeue{Job: j, CopyNb: j.CopyNb})
	}
	err := r.db.RequeueRetrieveRequests(ctx, vid, requeues)
	if !objectstore.OnlyLostRaces(err) {
		return fmt.Errorf("returning jobs to %s: %w", vid, err)
	}
	return nil
}

func (r *Runner) finish(ctx context.Context, vid string) error {
	if err := r.db.SetRetrieveQueueCleanupFlag(ctx, vid, false); err != nil {
		return fmt.Errorf("clearing cleanup flag of %s: %w", vid, err)
	}
	if err := r.db.RemoveEmptyRetrieveQueues(ctx, vid); err != nil {
		return err
	}
	return nil
}

// migrateBatch sends each job to the best replica outside vid, or fails it
// to the ToReportToUser queue of vid.
func (r *Runner) migrateBatch(ctx context.Context, vid string, settled core.TapeState, jobs []scheduler.RetrieveJob) (requeued, failed int, err error) {
	byVID := make(map[string][]scheduler.Requeue)
	var toFail []scheduler.RetrieveJob
	for _, j := range jobs {
		best, err := objectstore.SelectBestReplica(ctx, r.states, j.Request.TapeFiles(), vid)
		if core.IsNotFound(err) {
			toFail = append(toFail, j)
			continue
		}
		if err != nil {
			return 0, 0, err
		}
		byVID[best.VID] = append(byVID[best.VID], scheduler.Requeue{Job: j, CopyNb: best.CopyNb})
	}

	targets := make([]string, 0, len(byVID))
	for target := range byVID {
		targets = append(targets, target)
	}
	sort.Strings(targets)
	for _, target := range targets {
		err := r.db.RequeueRetrieveRequests(ctx, target, byVID[target])
		if !objectstore.OnlyLostRaces(err) {
			return requeued, failed, fmt.Errorf("requeueing to %s: %w", target, err)
		}
		requeued += len(byVID[target])
	}
	if len(toFail) > 0 {
		reason := fmt.Sprintf("tape %s state changed to %s, no eligible replica", vid, settled)
		err := r.db.FailRetrieveRequests(ctx, vid, toFail, reason)
		if !objectstore.OnlyLostRaces(err) {
			return requeued, failed, fmt.Errorf("failing requests of %s: %w", vid, err)
		}
		failed = len(toFail)
	}
	return requeued, failed, nil
}
