package objectstore

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/cern-cta/CTA-sub017/internal/backend"
	"github.com/cern-cta/CTA-sub017/internal/clock"
	"github.com/cern-cta/CTA-sub017/internal/core"
)

// DefaultMaxWatchedAgents is how many agents one collector watches at most.
const DefaultMaxWatchedAgents = 2

// GCPassStats summarizes one collector pass.
type GCPassStats struct {
	Acquired int
	Watched  int
	Cleaned  int
	Objects  int
}

// GarbageCollector watches other agents and recovers the objects of those
// whose heartbeat stopped.
type GarbageCollector struct {
	be         backend.Backend
	agentRef   *AgentReference
	states     TapeStateSource
	log        *slog.Logger
	clock      clock.Clock
	maxWatched int

	retrieve *ContainerAlgorithms[*RetrieveRequest]
	archive  *ContainerAlgorithms[*ArchiveRequest]
	repack   *ContainerAlgorithms[*RepackRequest]

	mu      sync.Mutex
	watched map[string]*agentWatchdog
}

// GCOption configures a GarbageCollector.
type GCOption func(*GarbageCollector)

// WithMaxWatchedAgents bounds the number of agents watched at once.
func WithMaxWatchedAgents(n int) GCOption {
	return func(gc *GarbageCollector) {
		if n > 0 {
			gc.maxWatched = n
		}
	}
}

// WithGCClock sets the clock used for heartbeat timeouts.
func WithGCClock(c clock.Clock) GCOption {
	return func(gc *GarbageCollector) { gc.clock = c }
}

// WithGCLogger sets the logger.
func WithGCLogger(l *slog.Logger) GCOption {
	return func(gc *GarbageCollector) { gc.log = l }
}

// NewGarbageCollector creates a collector acting as agentRef. states is
// used to pick the queue of requeued retrieve requests.
func NewGarbageCollector(be backend.Backend, agentRef *AgentReference, states TapeStateSource, opts ...GCOption) *GarbageCollector {
	gc := &GarbageCollector{
		be:         be,
		agentRef:   agentRef,
		states:     states,
		log:        slog.Default(),
		clock:      clock.Real(),
		maxWatched: DefaultMaxWatchedAgents,
		retrieve:   NewRetrieveAlgorithms(be, agentRef),
		archive:    NewArchiveAlgorithms(be, agentRef),
		repack:     NewRepackAlgorithms(be, agentRef),
		watched:    make(map[string]*agentWatchdog),
	}
	for _, opt := range opts {
		opt(gc)
	}
	gc.log = gc.log.With("component", "gc", "agent_address", agentRef.Address())
	return gc
}

// WatchedAgents returns the addresses of the agents being watched.
func (gc *GarbageCollector) WatchedAgents() []string {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	out := make([]string, 0, len(gc.watched))
	for a := range gc.watched {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// RunOnePass bumps this collector's heartbeat, forgets agents that
// vanished, takes over untracked agents up to the watch limit and cleans
// up the watched agents whose heartbeat timed out.
func (gc *GarbageCollector) RunOnePass(ctx context.Context) (GCPassStats, error) {
	var stats GCPassStats
	if err := gc.agentRef.BumpHeartbeat(ctx, gc.be); err != nil {
		return stats, fmt.Errorf("bumping collector heartbeat: %w", err)
	}
	if err := gc.trimGoneAgents(ctx); err != nil {
		return stats, err
	}
	acquired, err := gc.acquireTargets(ctx)
	stats.Acquired = acquired
	if err != nil {
		return stats, err
	}
	cleaned, objects, err := gc.checkHeartbeats(ctx)
	stats.Cleaned = cleaned
	stats.Objects = objects
	stats.Watched = len(gc.WatchedAgents())
	return stats, err
}

// trimGoneAgents stops watching the agents that left the register, and
// drops them from this collector's ownership.
func (gc *GarbageCollector) trimGoneAgents(ctx context.Context) error {
	watched := gc.WatchedAgents()
	if len(watched) == 0 {
		return nil
	}
	ar, err := gc.agentRegister(ctx)
	if err != nil {
		return err
	}
	if err := ar.FetchNoLock(ctx); err != nil {
		return fmt.Errorf("fetching agent register: %w", err)
	}
	live := make(map[string]bool)
	for _, a := range ar.GetAgents() {
		live[a] = true
	}
	for _, address := range watched {
		if live[address] {
			continue
		}
		gc.log.Info("watched agent is gone", "watched_agent", address)
		if err := gc.forget(ctx, address); err != nil {
			return err
		}
	}
	return nil
}

// forget drops a watched agent from this collector's ownership and stops
// watching it.
func (gc *GarbageCollector) forget(ctx context.Context, address string) error {
	if err := gc.agentRef.RemoveFromOwnership(ctx, gc.be, address); err != nil {
		return fmt.Errorf("dropping agent %s from collector ownership: %w", address, err)
	}
	gc.unwatch(address)
	return nil
}

func (gc *GarbageCollector) agentRegister(ctx context.Context) (*AgentRegister, error) {
	re := NewRootEntry(gc.be)
	if err := re.FetchNoLock(ctx); err != nil {
		return nil, fmt.Errorf("fetching root entry: %w", err)
	}
	address, err := re.AgentRegisterAddress()
	if err != nil {
		return nil, err
	}
	return NewAgentRegister(address, gc.be), nil
}

func (gc *GarbageCollector) acquireTargets(ctx context.Context) (int, error) {
	if len(gc.WatchedAgents()) >= gc.maxWatched {
		return 0, nil
	}
	ar, err := gc.agentRegister(ctx)
	if err != nil {
		return 0, err
	}
	arlk, err := LockShared(ctx, ar)
	if err != nil {
		return 0, fmt.Errorf("locking agent register: %w", err)
	}
	if err := ar.Fetch(ctx); err != nil {
		arlk.Release(ctx)
		return 0, fmt.Errorf("fetching agent register: %w", err)
	}
	candidates := ar.GetUntrackedAgents()
	if err := arlk.Release(ctx); err != nil {
		return 0, err
	}

	acquired := 0
	for _, candidate := range candidates {
		if len(gc.WatchedAgents()) >= gc.maxWatched {
			break
		}
		if candidate == gc.agentRef.Address() || gc.isWatched(candidate) {
			continue
		}
		ok, err := gc.acquireAgent(ctx, ar.Address(), candidate)
		if err != nil {
			return acquired, fmt.Errorf("acquiring agent %s: %w", candidate, err)
		}
		if ok {
			acquired++
		}
	}
	return acquired, nil
}

// acquireAgent makes this collector the owner of candidate and records it as
// tracked in the register. The agent lock and the register lock are never
// held together.
func (gc *GarbageCollector) acquireAgent(ctx context.Context, arAddress, candidate string) (bool, error) {
	ok, err := gc.be.Exists(ctx, candidate)
	if err != nil {
		return false, err
	}
	if !ok {
		gc.log.Info("removing vanished agent from register", "watched_agent", candidate)
		return false, gc.updateRegister(ctx, arAddress, func(ar *AgentRegister) { ar.RemoveAgent(candidate) })
	}

	if err := gc.agentRef.AddToOwnership(ctx, gc.be, candidate); err != nil {
		return false, err
	}
	ag := NewAgent(candidate, gc.be)
	lk, err := LockExclusive(ctx, ag)
	if err != nil {
		if core.IsNotFound(err) {
			return false, gc.agentRef.RemoveFromOwnership(ctx, gc.be, candidate)
		}
		return false, err
	}
	defer lk.Release(ctx)
	if err := ag.Fetch(ctx); err != nil {
		return false, err
	}

	if owner := ag.Owner(); owner != arAddress {
		// Already taken by a collector whose register update did not happen.
		if err := lk.Release(ctx); err != nil {
			return false, err
		}
		if err := gc.agentRef.RemoveFromOwnership(ctx, gc.be, candidate); err != nil {
			return false, err
		}
		return false, gc.updateRegister(ctx, arAddress, func(ar *AgentRegister) { ar.TrackAgent(candidate, owner) })
	}

	ag.SetOwner(gc.agentRef.Address())
	if err := ag.Commit(ctx); err != nil {
		return false, err
	}
	heartbeat, timeout := ag.Heartbeat(), ag.Timeout()
	if err := lk.Release(ctx); err != nil {
		return false, err
	}
	if err := gc.updateRegister(ctx, arAddress, func(ar *AgentRegister) { ar.TrackAgent(candidate, gc.agentRef.Address()) }); err != nil {
		return false, err
	}

	gc.mu.Lock()
	gc.watched[candidate] = newAgentWatchdog(candidate, heartbeat, timeout, gc.clock.Now())
	gc.mu.Unlock()
	gc.log.Info("watching agent", "watched_agent", candidate, "heartbeat", heartbeat, "timeout", timeout)
	return true, nil
}

func (gc *GarbageCollector) updateRegister(ctx context.Context, arAddress string, fn func(ar *AgentRegister)) error {
	ar := NewAgentRegister(arAddress, gc.be)
	lk, err := LockExclusive(ctx, ar)
	if err != nil {
		return fmt.Errorf("locking agent register: %w", err)
	}
	defer lk.Release(ctx)
	if err := ar.Fetch(ctx); err != nil {
		return fmt.Errorf("fetching agent register: %w", err)
	}
	fn(ar)
	return ar.Commit(ctx)
}

func (gc *GarbageCollector) checkHeartbeats(ctx context.Context) (cleaned, objects int, err error) {
	var firstErr error
	for _, address := range gc.WatchedAgents() {
		ag := NewAgent(address, gc.be)
		if fErr := ag.FetchNoLock(ctx); fErr != nil {
			if core.IsNotFound(fErr) {
				// The agent removed itself but is still registered.
				gc.log.Info("watched agent object is gone", "watched_agent", address)
				fErr = gc.dropVanishedAgent(ctx, address)
				if fErr == nil {
					continue
				}
			}
			if firstErr == nil {
				firstErr = fErr
			}
			continue
		}
		gc.mu.Lock()
		w := gc.watched[address]
		alive := w == nil || w.observe(ag.Heartbeat(), ag.Timeout(), gc.clock.Now())
		gc.mu.Unlock()
		if alive {
			continue
		}

		gc.log.Warn("agent heartbeat timed out", "dead_agent", address, "heartbeat", ag.Heartbeat(), "owned_objects", len(ag.OwnershipList()))
		n, cErr := gc.cleanupDeadAgent(ctx, address)
		objects += n
		if cErr != nil {
			gc.log.Error("failed to clean up dead agent", "dead_agent", address, "error", cErr)
			if firstErr == nil {
				firstErr = cErr
			}
			continue
		}
		gc.unwatch(address)
		cleaned++
	}
	return cleaned, objects, firstErr
}

// CleanupDeadAgent recovers every object owned by the dead agent at address,
// then removes the agent. This collector must own the agent.
func (gc *GarbageCollector) CleanupDeadAgent(ctx context.Context, address string) error {
	_, err := gc.cleanupDeadAgent(ctx, address)
	if err == nil {
		gc.unwatch(address)
	}
	return err
}

func (gc *GarbageCollector) cleanupDeadAgent(ctx context.Context, address string) (int, error) {
	ag := NewAgent(address, gc.be)
	lk, err := LockExclusive(ctx, ag)
	if err != nil {
		return 0, err
	}
	if err := ag.Fetch(ctx); err != nil {
		lk.Release(ctx)
		return 0, err
	}
	if ag.Owner() != gc.agentRef.Address() {
		lk.Release(ctx)
		return 0, core.NewInconsistentError(
			fmt.Sprintf("Agent '%s' is owned by '%s', not by this collector.", address, ag.Owner()),
			map[string]any{"agent_address": address, "owner": ag.Owner(), "collector": gc.agentRef.Address()})
	}
	owned := ag.OwnershipList()
	if err := lk.Release(ctx); err != nil {
		return 0, err
	}

	// Requests are sorted by destination queue and requeued in batches once
	// every owned object was visited. Other objects are handled one by one.
	recovered := 0
	sorter := newRequeueSorter()
	var sorted []string
	for _, objAddress := range owned {
		obj := NewGenericObject(objAddress, gc.be)
		err := obj.FetchNoLock(ctx)
		switch {
		case core.IsNotFound(err):
		case err != nil:
			return recovered, fmt.Errorf("collecting %s: %w", objAddress, err)
		default:
			isRequest, err := gc.sortRequest(ctx, sorter, obj.Type(), objAddress, address)
			if err != nil {
				return recovered, fmt.Errorf("collecting %s: %w", objAddress, err)
			}
			if isRequest {
				sorted = append(sorted, objAddress)
				continue
			}
			if err := gc.garbageCollect(ctx, obj.Type(), objAddress, address); err != nil {
				return recovered, fmt.Errorf("collecting %s: %w", objAddress, err)
			}
		}
		if err := gc.dropOwnership(ctx, address, objAddress); err != nil {
			return recovered, err
		}
		recovered++
	}

	if len(sorted) > 0 {
		gc.log.Info("requeueing requests of dead agent", "dead_agent", address, "requests", len(sorted), "elements", sorter.Len())
	}
	failed, flushErr := gc.flushSorter(ctx, sorter, address)
	done := slices.DeleteFunc(sorted, func(a string) bool { return failed[a] })
	if err := gc.dropOwnership(ctx, address, done...); err != nil {
		return recovered, err
	}
	recovered += len(done)
	if flushErr != nil {
		return recovered, flushErr
	}

	lk, err = LockExclusive(ctx, ag)
	if err != nil {
		return recovered, err
	}
	defer lk.Release(ctx)
	if err := ag.Fetch(ctx); err != nil {
		return recovered, err
	}
	if err := ag.RemoveAndUnregisterSelf(ctx); err != nil {
		return recovered, err
	}
	if err := lk.Release(ctx); err != nil {
		return recovered, err
	}
	if err := gc.agentRef.RemoveFromOwnership(ctx, gc.be, address); err != nil {
		return recovered, err
	}
	gc.log.Info("cleaned up dead agent", "dead_agent", address, "objects", recovered)
	return recovered, nil
}

func (gc *GarbageCollector) dropOwnership(ctx context.Context, agentAddress string, objAddresses ...string) error {
	if len(objAddresses) == 0 {
		return nil
	}
	ag := NewAgent(agentAddress, gc.be)
	lk, err := LockExclusive(ctx, ag)
	if err != nil {
		return err
	}
	defer lk.Release(ctx)
	if err := ag.Fetch(ctx); err != nil {
		return err
	}
	for _, a := range objAddresses {
		ag.RemoveFromOwnership(a)
	}
	return ag.Commit(ctx)
}

func (gc *GarbageCollector) dropVanishedAgent(ctx context.Context, address string) error {
	ar, err := gc.agentRegister(ctx)
	if err != nil {
		return err
	}
	if err := gc.updateRegister(ctx, ar.Address(), func(ar *AgentRegister) { ar.RemoveAgent(address) }); err != nil {
		return err
	}
	return gc.forget(ctx, address)
}

func (gc *GarbageCollector) isWatched(address string) bool {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	_, ok := gc.watched[address]
	return ok
}

func (gc *GarbageCollector) unwatch(address string) {
	gc.mu.Lock()
	delete(gc.watched, address)
	gc.mu.Unlock()
}
