package objectstore

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/cern-cta/CTA-sub017/internal/backend"
	"github.com/cern-cta/CTA-sub017/internal/core"
)

// DefaultAgentTimeout is the heartbeat timeout given to new agents.
const DefaultAgentTimeout = 5 * time.Minute

type agentPayload struct {
	Description     string   `cbor:"description"`
	OwnedObjects    []string `cbor:"owned_objects"`
	Heartbeat       uint64   `cbor:"heartbeat"`
	TimeoutUs       int64    `cbor:"timeout_us"`
	BackupOwnerHint string   `cbor:"backup_owner_hint,omitempty"`
	NeedsGC         bool     `cbor:"needs_gc,omitempty"`
}

// Agent is the durable record of one process's in-flight work.
type Agent struct {
	object[agentPayload]
}

// NewAgent returns a handle on the agent at address.
func NewAgent(address string, be backend.Backend) *Agent {
	ag := &Agent{object: newObject[agentPayload](be, address, TypeAgent)}
	ag.payload.TimeoutUs = DefaultAgentTimeout.Microseconds()
	return ag
}

func (a *Agent) SetDescription(d string) { a.payload.Description = d }
func (a *Agent) Description() string     { return a.payload.Description }

func (a *Agent) SetTimeout(d time.Duration) { a.payload.TimeoutUs = d.Microseconds() }
func (a *Agent) Timeout() time.Duration {
	return time.Duration(a.payload.TimeoutUs) * time.Microsecond
}

func (a *Agent) Heartbeat() uint64 { return a.payload.Heartbeat }
func (a *Agent) BumpHeartbeat()    { a.payload.Heartbeat++ }

func (a *Agent) NeedsGC() bool     { return a.payload.NeedsGC }
func (a *Agent) SetNeedsGC(b bool) { a.payload.NeedsGC = b }

// AddToOwnership adds address to the ownership list. Adding twice is a
// no-op.
func (a *Agent) AddToOwnership(address string) {
	if !slices.Contains(a.payload.OwnedObjects, address) {
		a.payload.OwnedObjects = append(a.payload.OwnedObjects, address)
	}
}

// RemoveFromOwnership removes address from the ownership list, if present.
func (a *Agent) RemoveFromOwnership(address string) {
	a.payload.OwnedObjects = slices.DeleteFunc(a.payload.OwnedObjects, func(s string) bool { return s == address })
}

// OwnershipList returns a copy of the ownership list.
func (a *Agent) OwnershipList() []string {
	return slices.Clone(a.payload.OwnedObjects)
}

func (a *Agent) IsEmpty() bool { return len(a.payload.OwnedObjects) == 0 }

// InsertAndRegisterSelf creates the agent object and adds it to the
// register's untracked set. The object is inserted while the register is
// locked, so a collector never sees the register entry without the object.
func (a *Agent) InsertAndRegisterSelf(ctx context.Context) error {
	re := NewRootEntry(a.be)
	rlk, err := LockShared(ctx, re)
	if err != nil {
		return fmt.Errorf("locking root entry: %w", err)
	}
	defer rlk.Release(ctx)
	if err := re.Fetch(ctx); err != nil {
		return fmt.Errorf("fetching root entry: %w", err)
	}
	arAddress, err := re.AgentRegisterAddress()
	if err != nil {
		return err
	}
	if err := rlk.Release(ctx); err != nil {
		return err
	}

	ar := NewAgentRegister(arAddress, a.be)
	arlk, err := LockExclusive(ctx, ar)
	if err != nil {
		return fmt.Errorf("locking agent register: %w", err)
	}
	defer arlk.Release(ctx)
	if err := ar.Fetch(ctx); err != nil {
		return fmt.Errorf("fetching agent register: %w", err)
	}
	ar.AddAgent(a.address)
	if err := ar.Commit(ctx); err != nil {
		return fmt.Errorf("committing agent register: %w", err)
	}

	a.owner = arAddress
	a.backupOwner = arAddress
	if err := a.Insert(ctx); err != nil {
		return fmt.Errorf("inserting agent %s: %w", a.address, err)
	}
	return nil
}

// RemoveAndUnregisterSelf deletes the agent object and removes it from the
// register. The caller holds an exclusive lock on the agent and has fetched
// it.
func (a *Agent) RemoveAndUnregisterSelf(ctx context.Context) error {
	if err := requireExclusive(a); err != nil {
		return err
	}
	if !a.IsEmpty() {
		return core.NewAgentNotEmptyError(a.address, len(a.payload.OwnedObjects))
	}
	if err := a.Remove(ctx); err != nil {
		return fmt.Errorf("removing agent %s: %w", a.address, err)
	}

	re := NewRootEntry(a.be)
	if err := re.FetchNoLock(ctx); err != nil {
		return fmt.Errorf("fetching root entry: %w", err)
	}
	arAddress, err := re.AgentRegisterAddress()
	if err != nil {
		return err
	}
	ar := NewAgentRegister(arAddress, a.be)
	arlk, err := LockExclusive(ctx, ar)
	if err != nil {
		return fmt.Errorf("locking agent register: %w", err)
	}
	defer arlk.Release(ctx)
	if err := ar.Fetch(ctx); err != nil {
		return fmt.Errorf("fetching agent register: %w", err)
	}
	ar.RemoveAgent(a.address)
	if err := ar.Commit(ctx); err != nil {
		return fmt.Errorf("committing agent register: %w", err)
	}
	return nil
}
