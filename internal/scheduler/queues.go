package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/cern-cta/CTA-sub017/internal/core"
	"github.com/cern-cta/CTA-sub017/internal/objectstore"
)

// RetrieveQueueCleanupInfo is the cleanup state of one tape's
// PendingTransfer retrieve queue.
type RetrieveQueueCleanupInfo struct {
	VID           string `json:"vid"`
	DoCleanup     bool   `json:"do_cleanup"`
	AssignedAgent string `json:"assigned_agent,omitempty"`
	Heartbeat     uint64 `json:"heartbeat"`
	Jobs          uint64 `json:"jobs"`
}

// QueueInfo describes one queue for listings.
type QueueInfo struct {
	Kind    string                  `json:"kind"`
	Key     string                  `json:"key"`
	Type    string                  `json:"type"`
	Address string                  `json:"address"`
	Jobs    uint64                  `json:"jobs"`
	Bytes   uint64                  `json:"bytes"`
	Cleanup objectstore.CleanupInfo `json:"cleanup"`
}

// AgentInfo describes one registered agent for listings.
type AgentInfo struct {
	Address     string        `json:"address"`
	Description string        `json:"description"`
	Heartbeat   uint64        `json:"heartbeat"`
	Timeout     time.Duration `json:"timeout"`
	Owned       int           `json:"owned"`
	NeedsGC     bool          `json:"needs_gc"`
	Collector   string        `json:"collector,omitempty"`
}

// queueAddress returns the address of an existing queue, or "" when the root
// entry or the queue does not exist.
func (db *DB) queueAddress(ctx context.Context, kind objectstore.QueueKind, key string, qt objectstore.QueueType) (string, error) {
	re := objectstore.NewRootEntry(db.be)
	if err := re.FetchNoLock(ctx); err != nil {
		if core.IsNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("fetching root entry: %w", err)
	}
	address, err := re.QueueAddress(kind, key, qt)
	if core.IsNotFound(err) {
		return "", nil
	}
	return address, err
}

// updateCleanupQueue applies fn to the PendingTransfer queue of vid under an
// exclusive lock and commits. A missing queue yields a not-found error.
func (db *DB) updateCleanupQueue(ctx context.Context, vid string, fn func(q *objectstore.Queue) error) error {
	address, err := db.queueAddress(ctx, objectstore.RetrieveQueueKind, vid, objectstore.QueuePendingTransfer)
	if err != nil {
		return err
	}
	if address == "" {
		return core.NewNotFoundError("RetrieveQueue", vid)
	}
	q := objectstore.NewRetrieveQueue(address, db.be)
	lk, err := objectstore.LockExclusive(ctx, q)
	if err != nil {
		return err
	}
	defer lk.Release(ctx)
	if err := q.Fetch(ctx); err != nil {
		return err
	}
	if err := fn(q); err != nil {
		return err
	}
	return q.Commit(ctx)
}

// GetRetrieveQueuesCleanupInfo returns the cleanup state of every
// PendingTransfer retrieve queue, sorted by VID.
func (db *DB) GetRetrieveQueuesCleanupInfo(ctx context.Context) ([]RetrieveQueueCleanupInfo, error) {
	re := objectstore.NewRootEntry(db.be)
	if err := re.FetchNoLock(ctx); err != nil {
		if core.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching root entry: %w", err)
	}
	var out []RetrieveQueueCleanupInfo
	for _, p := range re.ListQueues(objectstore.RetrieveQueueKind) {
		if p.Type != objectstore.QueuePendingTransfer {
			continue
		}
		q := objectstore.NewRetrieveQueue(p.Address, db.be)
		if err := q.FetchNoLock(ctx); err != nil {
			if core.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		info := q.CleanupInfo()
		out = append(out, RetrieveQueueCleanupInfo{
			VID:           p.Key,
			DoCleanup:     info.DoCleanup,
			AssignedAgent: info.AssignedAgent,
			Heartbeat:     info.Heartbeat,
			Jobs:          q.Summary().Jobs,
		})
	}
	return out, nil
}

// SetRetrieveQueueCleanupFlag sets or clears the cleanup flag of the
// PendingTransfer queue of vid. Setting it creates the queue if needed;
// clearing it on a missing queue does nothing.
func (db *DB) SetRetrieveQueueCleanupFlag(ctx context.Context, vid string, on bool) error {
	if !on {
		err := db.updateCleanupQueue(ctx, vid, func(q *objectstore.Queue) error {
			q.SetCleanupFlag(false)
			return nil
		})
		if core.IsNotFound(err) {
			return nil
		}
		return err
	}
	q, lk, err := objectstore.GetLockedAndFetchedQueue(ctx, db.be, db.agentRef, objectstore.RetrieveQueueKind, vid, objectstore.QueuePendingTransfer)
	if err != nil {
		return err
	}
	defer lk.Release(ctx)
	q.SetCleanupFlag(true)
	return q.Commit(ctx)
}

// ReserveRetrieveQueueForCleanup assigns the PendingTransfer queue of vid to
// this agent for cleanup. With a nil expectedHeartbeat the queue must be
// unassigned or already ours. Otherwise its heartbeat must still equal
// *expectedHeartbeat, which lets a stale owner be taken over. Any other
// state is a conflict.
func (db *DB) ReserveRetrieveQueueForCleanup(ctx context.Context, vid string, expectedHeartbeat *uint64) error {
	return db.updateCleanupQueue(ctx, vid, func(q *objectstore.Queue) error {
		info := q.CleanupInfo()
		if !info.DoCleanup {
			return core.NewConflictError("Queue does not need cleanup.", map[string]any{"vid": vid})
		}
		if expectedHeartbeat == nil {
			if info.AssignedAgent != "" && info.AssignedAgent != db.agentRef.Address() {
				return core.NewConflictError("Queue is already reserved for cleanup.",
					map[string]any{"vid": vid, "assigned_agent": info.AssignedAgent})
			}
		} else if info.Heartbeat != *expectedHeartbeat {
			return core.NewConflictError("Queue cleanup heartbeat moved.",
				map[string]any{"vid": vid, "expected": *expectedHeartbeat, "actual": info.Heartbeat})
		}
		q.AssignCleanup(db.agentRef.Address())
		return nil
	})
}

// TickRetrieveQueueCleanupHeartbeat bumps the cleanup heartbeat of the
// PendingTransfer queue of vid. The queue must be reserved by this agent.
func (db *DB) TickRetrieveQueueCleanupHeartbeat(ctx context.Context, vid string) error {
	return db.updateCleanupQueue(ctx, vid, func(q *objectstore.Queue) error {
		if assigned := q.CleanupInfo().AssignedAgent; assigned != db.agentRef.Address() {
			return core.NewConflictError("Queue is reserved by another agent.",
				map[string]any{"vid": vid, "assigned_agent": assigned})
		}
		q.TickCleanupHeartbeat()
		return nil
	})
}

// RemoveEmptyRetrieveQueues removes every empty, unflagged retrieve queue of
// vid.
func (db *DB) RemoveEmptyRetrieveQueues(ctx context.Context, vid string) error {
	for _, qt := range []objectstore.QueueType{
		objectstore.QueuePendingTransfer,
		objectstore.QueueToReportToUser,
		objectstore.QueueFailed,
	} {
		if _, err := objectstore.RemoveQueueIfEmpty(ctx, db.be, objectstore.RetrieveQueueKind, vid, qt); err != nil {
			return fmt.Errorf("removing %s queue of %s: %w", qt, vid, err)
		}
	}
	return nil
}

// GetQueueSummary returns the summary of one queue. A missing queue is
// reported as not found.
func (db *DB) GetQueueSummary(ctx context.Context, kind objectstore.QueueKind, key string, qt objectstore.QueueType) (objectstore.QueueSummary, error) {
	address, err := db.queueAddress(ctx, kind, key, qt)
	if err != nil {
		return objectstore.QueueSummary{}, err
	}
	if address == "" {
		return objectstore.QueueSummary{}, core.NewNotFoundError(kind.String()+"Queue", key+"/"+qt.String())
	}
	q := objectstore.NewQueue(kind, address, db.be)
	if err := q.FetchNoLock(ctx); err != nil {
		return objectstore.QueueSummary{}, err
	}
	return q.Summary(), nil
}

// ListQueues returns every queue referenced from the root entry.
func (db *DB) ListQueues(ctx context.Context) ([]QueueInfo, error) {
	re := objectstore.NewRootEntry(db.be)
	if err := re.FetchNoLock(ctx); err != nil {
		if core.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching root entry: %w", err)
	}
	var out []QueueInfo
	for _, kind := range []objectstore.QueueKind{objectstore.ArchiveQueueKind, objectstore.RetrieveQueueKind, objectstore.RepackQueueKind} {
		for _, p := range re.ListQueues(kind) {
			q := objectstore.NewQueue(kind, p.Address, db.be)
			if err := q.FetchNoLock(ctx); err != nil {
				if core.IsNotFound(err) {
					continue
				}
				return nil, err
			}
			s := q.Summary()
			out = append(out, QueueInfo{
				Kind:    kind.String(),
				Key:     p.Key,
				Type:    p.Type.String(),
				Address: p.Address,
				Jobs:    s.Jobs,
				Bytes:   s.Bytes,
				Cleanup: q.CleanupInfo(),
			})
		}
	}
	return out, nil
}

// ListAgents returns every agent in the register with its collector, if
// tracked.
func (db *DB) ListAgents(ctx context.Context) ([]AgentInfo, error) {
	re := objectstore.NewRootEntry(db.be)
	if err := re.FetchNoLock(ctx); err != nil {
		if core.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching root entry: %w", err)
	}
	arAddress, err := re.AgentRegisterAddress()
	if core.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ar := objectstore.NewAgentRegister(arAddress, db.be)
	if err := ar.FetchNoLock(ctx); err != nil {
		return nil, err
	}
	collectors := make(map[string]string)
	for _, t := range ar.GetTrackedAgents() {
		collectors[t.Agent] = t.Collector
	}

	var out []AgentInfo
	for _, address := range ar.GetAgents() {
		ag := objectstore.NewAgent(address, db.be)
		if err := ag.FetchNoLock(ctx); err != nil {
			if core.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, AgentInfo{
			Address:     address,
			Description: ag.Description(),
			Heartbeat:   ag.Heartbeat(),
			Timeout:     ag.Timeout(),
			Owned:       len(ag.OwnershipList()),
			NeedsGC:     ag.NeedsGC(),
			Collector:   collectors[address],
		})
	}
	return out, nil
}
