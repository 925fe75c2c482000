package objectstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cern-cta/CTA-sub017/internal/backend"
	"github.com/cern-cta/CTA-sub017/internal/core"
)

const getQueueAttempts = 5

// GetLockedAndFetchedQueue returns the (kind, key, qt) queue locked
// exclusively and fetched, creating it through the root entry if it does
// not exist. Root references to vanished queues are dropped and the lookup
// retried.
func GetLockedAndFetchedQueue(ctx context.Context, be backend.Backend, agentRef *AgentReference, kind QueueKind, key string, qt QueueType) (*Queue, *ScopedLock, error) {
	var lastErr error
	for attempt := 0; attempt < getQueueAttempts; attempt++ {
		re := NewRootEntry(be)
		if err := re.FetchNoLock(ctx); err != nil {
			return nil, nil, fmt.Errorf("fetching root entry: %w", err)
		}
		address, err := re.QueueAddress(kind, key, qt)
		if core.IsNotFound(err) {
			address, err = addOrGetQueue(ctx, be, agentRef, kind, key, qt)
		}
		if err != nil {
			return nil, nil, err
		}

		q := NewQueue(kind, address, be)
		qlk, err := LockExclusive(ctx, q)
		if core.IsNotFound(err) {
			lastErr = err
			if err := dropQueuePointer(ctx, be, kind, key, qt, address); err != nil {
				return nil, nil, err
			}
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("locking queue %s: %w", address, err)
		}
		if err := q.Fetch(ctx); err != nil {
			qlk.Release(ctx)
			if core.IsNotFound(err) {
				lastErr = err
				continue
			}
			return nil, nil, err
		}
		return q, qlk, nil
	}
	return nil, nil, fmt.Errorf("getting %s queue %s/%s after %d attempts: %w", kind, key, qt, getQueueAttempts, lastErr)
}

func addOrGetQueue(ctx context.Context, be backend.Backend, agentRef *AgentReference, kind QueueKind, key string, qt QueueType) (string, error) {
	re := NewRootEntry(be)
	rlk, err := LockExclusive(ctx, re)
	if err != nil {
		return "", fmt.Errorf("locking root entry: %w", err)
	}
	defer rlk.Release(ctx)
	if err := re.Fetch(ctx); err != nil {
		return "", fmt.Errorf("fetching root entry: %w", err)
	}
	return re.AddOrGetQueueAndCommit(ctx, agentRef, kind, key, qt)
}

func dropQueuePointer(ctx context.Context, be backend.Backend, kind QueueKind, key string, qt QueueType, address string) error {
	re := NewRootEntry(be)
	rlk, err := LockExclusive(ctx, re)
	if err != nil {
		return fmt.Errorf("locking root entry: %w", err)
	}
	defer rlk.Release(ctx)
	if err := re.Fetch(ctx); err != nil {
		return fmt.Errorf("fetching root entry: %w", err)
	}
	return re.RemoveQueuePointerIfMatches(ctx, kind, key, qt, address)
}

// RemoveQueueIfEmpty deletes the (kind, key, qt) queue and its root
// reference when it holds no jobs and carries no cleanup flag. It reports
// whether the queue is gone.
func RemoveQueueIfEmpty(ctx context.Context, be backend.Backend, kind QueueKind, key string, qt QueueType) (bool, error) {
	re := NewRootEntry(be)
	rlk, err := LockExclusive(ctx, re)
	if err != nil {
		return false, fmt.Errorf("locking root entry: %w", err)
	}
	defer rlk.Release(ctx)
	if err := re.Fetch(ctx); err != nil {
		return false, fmt.Errorf("fetching root entry: %w", err)
	}
	address, err := re.QueueAddress(kind, key, qt)
	if core.IsNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	q := NewQueue(kind, address, be)
	qlk, err := LockExclusive(ctx, q)
	if core.IsNotFound(err) {
		return true, re.RemoveQueuePointerIfMatches(ctx, kind, key, qt, address)
	}
	if err != nil {
		return false, fmt.Errorf("locking queue %s: %w", address, err)
	}
	defer qlk.Release(ctx)
	if err := q.Fetch(ctx); err != nil {
		return false, err
	}
	if !q.IsEmpty() || q.CleanupInfo().DoCleanup {
		return false, nil
	}
	if err := q.Remove(ctx); err != nil {
		return false, fmt.Errorf("removing queue %s: %w", address, err)
	}
	return true, re.RemoveQueuePointerIfMatches(ctx, kind, key, qt, address)
}

// TapeStateSource resolves tape states for replica selection.
type TapeStateSource interface {
	GetTapeStates(ctx context.Context, vids []string) (map[string]core.TapeState, error)
}

// SelectBestReplica picks the copy to retrieve from: ACTIVE tapes first,
// then DISABLED ones, lowest copy number on ties. excludeVID is never
// selected. Returns a not-found error when no copy is eligible.
func SelectBestReplica(ctx context.Context, states TapeStateSource, files []TapeFile, excludeVID string) (TapeFile, error) {
	vids := make([]string, 0, len(files))
	for _, tf := range files {
		if tf.VID != excludeVID {
			vids = append(vids, tf.VID)
		}
	}
	if len(vids) == 0 {
		return TapeFile{}, core.NewNotFoundError("Replica", excludeVID)
	}
	known, err := states.GetTapeStates(ctx, vids)
	if err != nil {
		return TapeFile{}, fmt.Errorf("getting tape states: %w", err)
	}

	var (
		best     TapeFile
		bestRank = -1
	)
	for _, tf := range files {
		if tf.VID == excludeVID {
			continue
		}
		st, ok := known[tf.VID]
		if !ok {
			continue
		}
		rank, eligible := st.RetrieveRank()
		if !eligible {
			continue
		}
		if bestRank < 0 || rank < bestRank || (rank == bestRank && tf.CopyNb < best.CopyNb) {
			best, bestRank = tf, rank
		}
	}
	if bestRank < 0 {
		return TapeFile{}, core.NewNotFoundError("Replica", excludeVID)
	}
	return best, nil
}

// Bootstrap creates the root entry and the agent register if they do not
// exist yet, and returns the register address.
func Bootstrap(ctx context.Context, be backend.Backend, agentRef *AgentReference) (string, error) {
	re := NewRootEntry(be)
	if err := re.Insert(ctx); err != nil && !errors.Is(err, core.ErrAlreadyExists) {
		return "", fmt.Errorf("inserting root entry: %w", err)
	}
	re = NewRootEntry(be)
	rlk, err := LockExclusive(ctx, re)
	if err != nil {
		return "", fmt.Errorf("locking root entry: %w", err)
	}
	defer rlk.Release(ctx)
	if err := re.Fetch(ctx); err != nil {
		return "", fmt.Errorf("fetching root entry: %w", err)
	}
	return re.AddOrGetAgentRegisterPointerAndCommit(ctx, agentRef)
}

// RegisterAgent creates the agent object of agentRef and adds it to the
// agent register.
func RegisterAgent(ctx context.Context, be backend.Backend, agentRef *AgentReference, description string, timeout time.Duration) error {
	ag := NewAgent(agentRef.Address(), be)
	ag.SetDescription(description)
	if timeout > 0 {
		ag.SetTimeout(timeout)
	}
	return ag.InsertAndRegisterSelf(ctx)
}

// UnregisterAgent deletes the agent object of agentRef. It fails with an
// agent_not_empty error while the agent still owns objects.
func UnregisterAgent(ctx context.Context, be backend.Backend, agentRef *AgentReference) error {
	ag := NewAgent(agentRef.Address(), be)
	lk, err := LockExclusive(ctx, ag)
	if err != nil {
		return fmt.Errorf("locking agent %s: %w", agentRef.Address(), err)
	}
	defer lk.Release(ctx)
	if err := ag.Fetch(ctx); err != nil {
		return err
	}
	return ag.RemoveAndUnregisterSelf(ctx)
}
