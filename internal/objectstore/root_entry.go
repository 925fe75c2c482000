package objectstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/cern-cta/CTA-sub017/internal/backend"
	"github.com/cern-cta/CTA-sub017/internal/core"
)

// RootAddress is the well-known address of the root entry.
const RootAddress = "root"

// QueuePointer is a root entry reference to a queue.
type QueuePointer struct {
	Key     string    `cbor:"key" json:"key"`
	Type    QueueType `cbor:"type" json:"type"`
	Address string    `cbor:"address" json:"address"`
}

type rootEntryPayload struct {
	AgentRegisterAddress string         `cbor:"agent_register"`
	AgentRegisterIntent  string         `cbor:"agent_register_intent,omitempty"`
	RetrieveQueues       []QueuePointer `cbor:"retrieve_queues"`
	ArchiveQueues        []QueuePointer `cbor:"archive_queues"`
	RepackQueues         []QueuePointer `cbor:"repack_queues,omitempty"`
	DriveRegisterAddress string         `cbor:"drive_register,omitempty"`
}

// RootEntry is the entry point of the object store: it points to the agent
// register and to every queue.
type RootEntry struct {
	object[rootEntryPayload]
}

// NewRootEntry returns a handle on the root entry.
func NewRootEntry(be backend.Backend) *RootEntry {
	return &RootEntry{object: newObject[rootEntryPayload](be, RootAddress, TypeRootEntry)}
}

// AgentRegisterAddress returns the register address, or a not-found error
// when none was created yet.
func (r *RootEntry) AgentRegisterAddress() (string, error) {
	if r.payload.AgentRegisterAddress == "" {
		return "", core.NewNotFoundError("AgentRegister", RootAddress)
	}
	return r.payload.AgentRegisterAddress, nil
}

// AddOrGetAgentRegisterPointerAndCommit returns the register address,
// creating the register first if needed. The caller holds an exclusive lock
// on the root entry.
//
// Creation records the address as an intent before inserting the register,
// so an interrupted creation is completed by the next caller.
func (r *RootEntry) AddOrGetAgentRegisterPointerAndCommit(ctx context.Context, agentRef *AgentReference) (string, error) {
	if err := requireExclusive(r); err != nil {
		return "", err
	}
	if r.payload.AgentRegisterAddress != "" {
		return r.payload.AgentRegisterAddress, nil
	}

	address := r.payload.AgentRegisterIntent
	ar := NewAgentRegister(address, r.be)
	exists := false
	if address != "" {
		ok, err := ar.Exists(ctx)
		if err != nil {
			return "", err
		}
		exists = ok
	} else {
		address = agentRef.NextID("AgentRegister")
		ar = NewAgentRegister(address, r.be)
		r.payload.AgentRegisterIntent = address
		if err := r.Commit(ctx); err != nil {
			return "", fmt.Errorf("recording agent register intent: %w", err)
		}
	}

	if !exists {
		ar.SetOwner(agentRef.Address())
		ar.SetBackupOwner(RootAddress)
		if err := ar.Insert(ctx); err != nil {
			return "", fmt.Errorf("inserting agent register: %w", err)
		}
	}

	arlk, err := LockExclusive(ctx, ar)
	if err != nil {
		return "", fmt.Errorf("locking agent register: %w", err)
	}
	defer arlk.Release(ctx)
	if err := ar.Fetch(ctx); err != nil {
		return "", err
	}

	r.payload.AgentRegisterAddress = address
	r.payload.AgentRegisterIntent = ""
	if err := r.Commit(ctx); err != nil {
		return "", fmt.Errorf("committing root entry: %w", err)
	}

	ar.SetOwner(RootAddress)
	ar.SetBackupOwner(RootAddress)
	if err := ar.Commit(ctx); err != nil {
		return "", fmt.Errorf("committing agent register: %w", err)
	}
	return address, nil
}

// RemoveAgentRegisterAndCommit deletes the (empty) agent register. The
// caller holds an exclusive lock on the root entry.
func (r *RootEntry) RemoveAgentRegisterAndCommit(ctx context.Context) error {
	if err := requireExclusive(r); err != nil {
		return err
	}
	address := r.payload.AgentRegisterAddress
	if address == "" {
		return nil
	}
	ar := NewAgentRegister(address, r.be)
	arlk, err := LockExclusive(ctx, ar)
	if err != nil && !core.IsNotFound(err) {
		return fmt.Errorf("locking agent register: %w", err)
	}
	if err == nil {
		defer arlk.Release(ctx)
		if err := ar.Fetch(ctx); err != nil {
			return err
		}
		if !ar.IsEmpty() {
			return core.NewConflictError("Agent register is not empty.", map[string]any{
				"address": address, "agents": len(ar.GetAgents()),
			})
		}
		if err := ar.Remove(ctx); err != nil {
			return err
		}
	}
	r.payload.AgentRegisterAddress = ""
	return r.Commit(ctx)
}

// IsEmpty reports whether the root entry references nothing.
func (r *RootEntry) IsEmpty() bool {
	return r.payload.AgentRegisterAddress == "" &&
		r.payload.AgentRegisterIntent == "" &&
		len(r.payload.RetrieveQueues) == 0 &&
		len(r.payload.ArchiveQueues) == 0 &&
		len(r.payload.RepackQueues) == 0 &&
		r.payload.DriveRegisterAddress == ""
}

// RemoveIfEmpty deletes the root entry if it references nothing. The caller
// holds an exclusive lock.
func (r *RootEntry) RemoveIfEmpty(ctx context.Context) error {
	if !r.IsEmpty() {
		return core.NewConflictError("Root entry is not empty.", nil)
	}
	return r.Remove(ctx)
}

func (r *RootEntry) pointers(kind QueueKind) *[]QueuePointer {
	switch kind {
	case ArchiveQueueKind:
		return &r.payload.ArchiveQueues
	case RepackQueueKind:
		return &r.payload.RepackQueues
	}
	return &r.payload.RetrieveQueues
}

func (r *RootEntry) indexQueue(kind QueueKind, key string, qt QueueType) int {
	return slices.IndexFunc(*r.pointers(kind), func(p QueuePointer) bool {
		return p.Key == key && p.Type == qt
	})
}

// QueueAddress returns the address of the queue for (kind, key, type), or a
// not-found error.
func (r *RootEntry) QueueAddress(kind QueueKind, key string, qt QueueType) (string, error) {
	i := r.indexQueue(kind, key, qt)
	if i < 0 {
		return "", core.NewNotFoundError(kind.String()+"Queue", key+"/"+qt.String())
	}
	return (*r.pointers(kind))[i].Address, nil
}

// ListQueues returns the queue pointers of kind, sorted by key then type.
func (r *RootEntry) ListQueues(kind QueueKind) []QueuePointer {
	out := slices.Clone(*r.pointers(kind))
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// AddOrGetQueueAndCommit returns the queue address for (kind, key, type),
// creating the queue if needed. The caller holds an exclusive lock on the
// root entry.
//
// A new queue is owned by the creating agent until the root entry points to
// it, then handed to the root entry.
func (r *RootEntry) AddOrGetQueueAndCommit(ctx context.Context, agentRef *AgentReference, kind QueueKind, key string, qt QueueType) (string, error) {
	if err := requireExclusive(r); err != nil {
		return "", err
	}
	if addr, err := r.QueueAddress(kind, key, qt); err == nil {
		return addr, nil
	}

	address := agentRef.NextID(fmt.Sprintf("%sQueue%s-%s", kind, qt, key))
	if err := agentRef.AddToOwnership(ctx, r.be, address); err != nil {
		return "", fmt.Errorf("adding queue to agent ownership: %w", err)
	}
	q := NewQueue(kind, address, r.be)
	q.Initialize(key, qt)
	q.SetOwner(agentRef.Address())
	q.SetBackupOwner(RootAddress)
	if err := q.Insert(ctx); err != nil {
		return "", fmt.Errorf("inserting queue %s: %w", address, err)
	}

	ptrs := r.pointers(kind)
	*ptrs = append(*ptrs, QueuePointer{Key: key, Type: qt, Address: address})
	if err := r.Commit(ctx); err != nil {
		return "", fmt.Errorf("committing root entry: %w", err)
	}

	qlk, err := LockExclusive(ctx, q)
	if err != nil {
		return "", fmt.Errorf("locking queue %s: %w", address, err)
	}
	defer qlk.Release(ctx)
	if err := q.Fetch(ctx); err != nil {
		return "", err
	}
	q.SetOwner(RootAddress)
	if err := q.Commit(ctx); err != nil {
		return "", fmt.Errorf("committing queue %s: %w", address, err)
	}
	if err := qlk.Release(ctx); err != nil {
		return "", err
	}
	if err := agentRef.RemoveFromOwnership(ctx, r.be, address); err != nil {
		return "", fmt.Errorf("removing queue from agent ownership: %w", err)
	}
	return address, nil
}

// ErrQueueNotEmpty is returned when removing a queue that still holds jobs.
var ErrQueueNotEmpty = errors.New("queue is not empty")

// RemoveQueueAndCommit deletes the queue for (kind, key, type) and its
// pointer. A missing queue object only drops the pointer. The caller holds
// an exclusive lock on the root entry.
func (r *RootEntry) RemoveQueueAndCommit(ctx context.Context, kind QueueKind, key string, qt QueueType) error {
	if err := requireExclusive(r); err != nil {
		return err
	}
	i := r.indexQueue(kind, key, qt)
	if i < 0 {
		return core.NewNotFoundError(kind.String()+"Queue", key+"/"+qt.String())
	}
	address := (*r.pointers(kind))[i].Address

	q := NewQueue(kind, address, r.be)
	qlk, err := LockExclusive(ctx, q)
	switch {
	case core.IsNotFound(err):
	case err != nil:
		return fmt.Errorf("locking queue %s: %w", address, err)
	default:
		defer qlk.Release(ctx)
		if err := q.Fetch(ctx); err != nil {
			return err
		}
		if !q.IsEmpty() {
			return fmt.Errorf("removing queue %s with %d jobs: %w", address, q.Summary().Jobs, ErrQueueNotEmpty)
		}
		if err := q.Remove(ctx); err != nil {
			return err
		}
	}
	return r.removeQueuePointer(ctx, kind, key, qt, address)
}

// RemoveQueuePointerIfMatches drops the pointer for (kind, key, type) if it
// still designates address. Used for pointers to vanished queues.
func (r *RootEntry) RemoveQueuePointerIfMatches(ctx context.Context, kind QueueKind, key string, qt QueueType, address string) error {
	if err := requireExclusive(r); err != nil {
		return err
	}
	return r.removeQueuePointer(ctx, kind, key, qt, address)
}

func (r *RootEntry) removeQueuePointer(ctx context.Context, kind QueueKind, key string, qt QueueType, address string) error {
	ptrs := r.pointers(kind)
	before := len(*ptrs)
	*ptrs = slices.DeleteFunc(*ptrs, func(p QueuePointer) bool {
		return p.Key == key && p.Type == qt && p.Address == address
	})
	if len(*ptrs) == before {
		return nil
	}
	return r.Commit(ctx)
}

// DriveRegisterAddress returns the drive register address, or a not-found
// error when none was created yet.
func (r *RootEntry) DriveRegisterAddress() (string, error) {
	if r.payload.DriveRegisterAddress == "" {
		return "", core.NewNotFoundError("DriveRegister", RootAddress)
	}
	return r.payload.DriveRegisterAddress, nil
}

// AddOrGetDriveRegisterPointerAndCommit returns the drive register address,
// creating the register if needed. The caller holds an exclusive lock on the
// root entry.
//
// Like a queue, a new register is owned by the creating agent until the root
// entry points to it.
func (r *RootEntry) AddOrGetDriveRegisterPointerAndCommit(ctx context.Context, agentRef *AgentReference) (string, error) {
	if err := requireExclusive(r); err != nil {
		return "", err
	}
	if r.payload.DriveRegisterAddress != "" {
		return r.payload.DriveRegisterAddress, nil
	}

	address := agentRef.NextID("DriveRegister")
	if err := agentRef.AddToOwnership(ctx, r.be, address); err != nil {
		return "", fmt.Errorf("adding drive register to agent ownership: %w", err)
	}
	dr := NewDriveRegister(address, r.be)
	dr.SetOwner(agentRef.Address())
	dr.SetBackupOwner(RootAddress)
	if err := dr.Insert(ctx); err != nil {
		return "", fmt.Errorf("inserting drive register: %w", err)
	}

	r.payload.DriveRegisterAddress = address
	if err := r.Commit(ctx); err != nil {
		return "", fmt.Errorf("committing root entry: %w", err)
	}

	dlk, err := LockExclusive(ctx, dr)
	if err != nil {
		return "", fmt.Errorf("locking drive register: %w", err)
	}
	defer dlk.Release(ctx)
	if err := dr.Fetch(ctx); err != nil {
		return "", err
	}
	dr.SetOwner(RootAddress)
	if err := dr.Commit(ctx); err != nil {
		return "", fmt.Errorf("committing drive register: %w", err)
	}
	if err := dlk.Release(ctx); err != nil {
		return "", err
	}
	if err := agentRef.RemoveFromOwnership(ctx, r.be, address); err != nil {
		return "", fmt.Errorf("removing drive register from agent ownership: %w", err)
	}
	return address, nil
}
