package objectstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cern-cta/CTA-sub017/internal/backend"
	"github.com/cern-cta/CTA-sub017/internal/core"
)

// queueableRequest is a request whose jobs can be referenced from queues.
// Elements are addressed by copy number.
type queueableRequest interface {
	Lockable
	Fetch(ctx context.Context) error
	Commit(ctx context.Context) error
	Owner() string
	elementOwner(copyNb uint32) (string, error)
	setElementOwner(copyNb uint32, owner string) error
	setElementStatus(copyNb uint32, s JobStatus, failureLog string) error
}

// InsertedElement is one job to reference from a queue.
type InsertedElement struct {
	Address   string
	CopyNb    uint32
	Size      uint64
	Priority  uint64
	StartTime int64
	// NewStatus, when set, is applied to the job during the switch.
	NewStatus  *JobStatus
	FailureLog string
}

func (e InsertedElement) jobRef() JobRef {
	return JobRef{Address: e.Address, CopyNb: e.CopyNb, Size: e.Size, Priority: e.Priority, StartTime: e.StartTime}
}

// ElementFailure is an element whose ownership could not be switched.
type ElementFailure struct {
	Address string
	CopyNb  uint32
	Err     error
}

// OwnershipSwitchFailure lists the elements that were not switched. Those
// the call referenced are dereferenced again.
type OwnershipSwitchFailure struct {
	Failures []ElementFailure
}

func (e *OwnershipSwitchFailure) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s/%d: %v", f.Address, f.CopyNb, f.Err))
	}
	return fmt.Sprintf("ownership switch failed for %d elements: %s", len(e.Failures), strings.Join(parts, "; "))
}

func (e *OwnershipSwitchFailure) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Err)
	}
	return out
}

// OnlyLostRaces reports whether err is nil or an OwnershipSwitchFailure
// whose elements all vanished or moved to another owner.
func OnlyLostRaces(err error) bool {
	if err == nil {
		return true
	}
	var osf *OwnershipSwitchFailure
	if !errors.As(err, &osf) {
		return false
	}
	for _, f := range osf.Failures {
		if !lostRace(f.Err) {
			return false
		}
	}
	return true
}

// missingJob reports a reference to a copy its request does not carry. The
// reference is corrupt rather than stale, so it is not a lost race.
func missingJob(address string, copyNb uint32) error {
	return core.NewInconsistentError("Request has no job for the referenced copy.",
		map[string]any{"address": address, "copy_nb": copyNb})
}

func lostRace(err error) bool {
	return core.IsNotFound(err) || errors.Is(err, core.ErrWrongPreviousOwner)
}

// PoppedElement is a job taken out of a queue. Request holds the state read
// while switching ownership; it is no longer locked.
type PoppedElement[R queueableRequest] struct {
	Address string
	CopyNb  uint32
	Size    uint64
	Request R
}

// leaseRefreshInterval is the number of elements handled under a queue lock
// between two lease refreshes.
const leaseRefreshInterval = 100

// ContainerAlgorithms moves jobs of one request kind between queues and
// agents, keeping both sides of every reference consistent.
type ContainerAlgorithms[R queueableRequest] struct {
	be         backend.Backend
	agentRef   *AgentReference
	kind       QueueKind
	newRequest func(address string, be backend.Backend) R
}

// NewRetrieveAlgorithms returns the algorithms for retrieve queues.
func NewRetrieveAlgorithms(be backend.Backend, agentRef *AgentReference) *ContainerAlgorithms[*RetrieveRequest] {
	return &ContainerAlgorithms[*RetrieveRequest]{be: be, agentRef: agentRef, kind: RetrieveQueueKind, newRequest: NewRetrieveRequest}
}

// NewArchiveAlgorithms returns the algorithms for archive queues.
func NewArchiveAlgorithms(be backend.Backend, agentRef *AgentReference) *ContainerAlgorithms[*ArchiveRequest] {
	return &ContainerAlgorithms[*ArchiveRequest]{be: be, agentRef: agentRef, kind: ArchiveQueueKind, newRequest: NewArchiveRequest}
}

// NewRepackAlgorithms returns the algorithms for repack queues.
func NewRepackAlgorithms(be backend.Backend, agentRef *AgentReference) *ContainerAlgorithms[*RepackRequest] {
	return &ContainerAlgorithms[*RepackRequest]{be: be, agentRef: agentRef, kind: RepackQueueKind, newRequest: NewRepackRequest}
}

// SwitchOption tunes one ownership switch.
type SwitchOption func(*switchOptions)

type switchOptions struct {
	keepAgentOwnership bool
}

// KeepAgentOwnership leaves the switched requests in this process's agent
// ownership. Requests with several jobs use it until their last job is queued.
func KeepAgentOwnership() SwitchOption {
	return func(o *switchOptions) { o.keepAgentOwnership = true }
}

// ReferenceAndSwitchOwnership references elems from the (key, qt) queue and
// moves each job's ownership from prevOwner to that queue. The queue is
// created if needed. When prevOwner is this process's agent, the elements
// leave its ownership list.
func (c *ContainerAlgorithms[R]) ReferenceAndSwitchOwnership(ctx context.Context, key string, qt QueueType, prevOwner string, elems []InsertedElement, opts ...SwitchOption) error {
	return c.referenceAndSwitch(ctx, key, qt, prevOwner, elems, false, opts)
}

// ReferenceAndSwitchOwnershipIfNecessary is ReferenceAndSwitchOwnership
// that also accepts jobs already owned by the destination queue. It lets an
// interrupted switch be replayed.
func (c *ContainerAlgorithms[R]) ReferenceAndSwitchOwnershipIfNecessary(ctx context.Context, key string, qt QueueType, prevOwner string, elems []InsertedElement) error {
	return c.referenceAndSwitch(ctx, key, qt, prevOwner, elems, true, nil)
}

func (c *ContainerAlgorithms[R]) referenceAndSwitch(ctx context.Context, key string, qt QueueType, prevOwner string, elems []InsertedElement, ifNecessary bool, opts []SwitchOption) error {
	if len(elems) == 0 {
		return nil
	}
	var o switchOptions
	for _, opt := range opts {
		opt(&o)
	}
	q, qlk, err := GetLockedAndFetchedQueue(ctx, c.be, c.agentRef, c.kind, key, qt)
	if err != nil {
		return err
	}
	defer qlk.Release(ctx)

	refs := make([]JobRef, 0, len(elems))
	queued := make(map[string]bool, len(elems))
	for _, e := range elems {
		queued[e.Address] = q.Contains(e.Address)
		refs = append(refs, e.jobRef())
	}
	q.AddJobs(refs)
	if err := q.Commit(ctx); err != nil {
		return fmt.Errorf("committing queue %s: %w", q.Address(), err)
	}

	var failures []ElementFailure
	for i, e := range elems {
		if i > 0 && i%leaseRefreshInterval == 0 {
			if err := qlk.Refresh(ctx); err != nil {
				return fmt.Errorf("holding queue %s: %w", q.Address(), err)
			}
		}
		if err := c.switchElement(ctx, e, prevOwner, q.Address(), ifNecessary); err != nil {
			failures = append(failures, ElementFailure{Address: e.Address, CopyNb: e.CopyNb, Err: err})
		}
	}
	if len(failures) > 0 {
		// References that predate this call are left alone.
		failed := make([]string, 0, len(failures))
		for _, f := range failures {
			if !queued[f.Address] {
				failed = append(failed, f.Address)
			}
		}
		q.RemoveJobs(failed)
		if err := q.Commit(ctx); err != nil {
			return fmt.Errorf("committing queue %s: %w", q.Address(), err)
		}
	}
	if err := qlk.Release(ctx); err != nil {
		return err
	}

	if prevOwner == c.agentRef.Address() && !o.keepAgentOwnership {
		// Elements that failed for another reason than a lost race are
		// still ours.
		kept := make(map[string]bool)
		for _, f := range failures {
			if !lostRace(f.Err) {
				kept[f.Address] = true
			}
		}
		addresses := make([]string, 0, len(elems))
		for _, e := range elems {
			if !kept[e.Address] {
				addresses = append(addresses, e.Address)
			}
		}
		if err := c.agentRef.RemoveBatchFromOwnership(ctx, c.be, addresses); err != nil {
			return fmt.Errorf("removing switched elements from agent ownership: %w", err)
		}
	}
	if len(failures) > 0 {
		return &OwnershipSwitchFailure{Failures: failures}
	}
	return nil
}

func (c *ContainerAlgorithms[R]) switchElement(ctx context.Context, e InsertedElement, prevOwner, queueAddress string, ifNecessary bool) error {
	req := c.newRequest(e.Address, c.be)
	lk, err := LockExclusive(ctx, req)
	if err != nil {
		return err
	}
	defer lk.Release(ctx)
	if err := req.Fetch(ctx); err != nil {
		return err
	}
	owner, err := req.elementOwner(e.CopyNb)
	if err != nil {
		return err
	}
	if owner != prevOwner && !(ifNecessary && owner == queueAddress) {
		return core.NewWrongPreviousOwnerError(e.Address, prevOwner, owner)
	}
	if err := req.setElementOwner(e.CopyNb, queueAddress); err != nil {
		return err
	}
	if e.NewStatus != nil {
		if err := req.setElementStatus(e.CopyNb, *e.NewStatus, e.FailureLog); err != nil {
			return err
		}
	}
	return req.Commit(ctx)
}

// PopNextBatch takes jobs from the front of the (key, qt) queue, within
// criteria, and moves them into this process's agent ownership. A missing
// queue yields an empty batch. References to requests that vanished or that
// the queue no longer owns are dropped.
//
// The returned elements are owned by this process's agent even when an error
// is returned with them; the caller must queue them again.
func (c *ContainerAlgorithms[R]) PopNextBatch(ctx context.Context, key string, qt QueueType, criteria PopCriteria) ([]PoppedElement[R], error) {
	re := NewRootEntry(c.be)
	if err := re.FetchNoLock(ctx); err != nil {
		if core.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching root entry: %w", err)
	}
	address, err := re.QueueAddress(c.kind, key, qt)
	if err != nil {
		if core.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	q := NewQueue(c.kind, address, c.be)
	qlk, err := LockExclusive(ctx, q)
	if err != nil {
		if core.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("locking queue %s: %w", address, err)
	}
	defer qlk.Release(ctx)
	if err := q.Fetch(ctx); err != nil {
		return nil, err
	}
	candidates := q.candidates(criteria)
	if len(candidates) == 0 {
		return nil, nil
	}

	addresses := make([]string, 0, len(candidates))
	for _, j := range candidates {
		addresses = append(addresses, j.Address)
	}
	if err := c.agentRef.AddBatchToOwnership(ctx, c.be, addresses); err != nil {
		return nil, fmt.Errorf("adding popped elements to agent ownership: %w", err)
	}

	var (
		popped  []PoppedElement[R]
		dropped []string
		takeErr error
	)
	for i, j := range candidates {
		if i > 0 && i%leaseRefreshInterval == 0 {
			if err := qlk.Refresh(ctx); err != nil {
				takeErr = fmt.Errorf("holding queue %s: %w", address, err)
				break
			}
		}
		req, err := c.takeElement(ctx, j, address)
		if err != nil {
			if lostRace(err) {
				dropped = append(dropped, j.Address)
				continue
			}
			takeErr = fmt.Errorf("taking %s from queue %s: %w", j.Address, address, err)
			break
		}
		popped = append(popped, PoppedElement[R]{Address: j.Address, CopyNb: j.CopyNb, Size: j.Size, Request: req})
	}

	// Only the taken and dropped references leave the queue. The others are
	// still owned by it.
	removed := make([]string, 0, len(popped)+len(dropped))
	taken := make(map[string]bool, len(popped))
	for _, p := range popped {
		removed = append(removed, p.Address)
		taken[p.Address] = true
	}
	removed = append(removed, dropped...)
	var notOurs []string
	for _, a := range addresses {
		if !taken[a] {
			notOurs = append(notOurs, a)
		}
	}

	q.RemoveJobs(removed)
	if err := q.Commit(ctx); err != nil {
		return popped, fmt.Errorf("committing queue %s: %w", address, err)
	}
	if err := qlk.Release(ctx); err != nil {
		return popped, err
	}
	if err := c.agentRef.RemoveBatchFromOwnership(ctx, c.be, notOurs); err != nil {
		return popped, fmt.Errorf("removing dropped elements from agent ownership: %w", err)
	}
	return popped, takeErr
}

func (c *ContainerAlgorithms[R]) takeElement(ctx context.Context, j JobRef, queueAddress string) (R, error) {
	var zero R
	req := c.newRequest(j.Address, c.be)
	lk, err := LockExclusive(ctx, req)
	if err != nil {
		return zero, err
	}
	defer lk.Release(ctx)
	if err := req.Fetch(ctx); err != nil {
		return zero, err
	}
	owner, err := req.elementOwner(j.CopyNb)
	if err != nil {
		return zero, err
	}
	if owner != queueAddress {
		return zero, core.NewWrongPreviousOwnerError(j.Address, queueAddress, owner)
	}
	if err := req.setElementOwner(j.CopyNb, c.agentRef.Address()); err != nil {
		return zero, err
	}
	if err := req.Commit(ctx); err != nil {
		return zero, err
	}
	return req, nil
}
