package objectstore

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/cern-cta/CTA-sub017/internal/backend"
)

// AgentReference is the process-local handle on the process's own agent
// object. It generates the agent address and object names, and serializes
// the process's ownership list updates.
type AgentReference struct {
	address string

	mu      sync.Mutex // serializes agent object updates from this process
	idMu    sync.Mutex
	counter uint64
}

// NewAgentReference creates a reference with a fresh, unique agent address
// of the form Agent-<name>-<host>-<pid>-<uuid>.
func NewAgentReference(name string) *AgentReference {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	host = strings.SplitN(host, ".", 2)[0]
	return &AgentReference{
		address: fmt.Sprintf("Agent-%s-%s-%d-%s", name, host, os.Getpid(), uuid.NewString()),
	}
}

// Address returns the agent object address.
func (r *AgentReference) Address() string { return r.address }

// NextID returns a new object name, unique to this agent.
func (r *AgentReference) NextID(prefix string) string {
	r.idMu.Lock()
	defer r.idMu.Unlock()
	r.counter++
	return fmt.Sprintf("%s-%s-%d", prefix, r.address, r.counter)
}

// AddToOwnership adds address to the agent's ownership list.
func (r *AgentReference) AddToOwnership(ctx context.Context, be backend.Backend, address string) error {
	return r.AddBatchToOwnership(ctx, be, []string{address})
}

// AddBatchToOwnership adds addresses to the agent's ownership list in one
// commit.
func (r *AgentReference) AddBatchToOwnership(ctx context.Context, be backend.Backend, addresses []string) error {
	if len(addresses) == 0 {
		return nil
	}
	return r.update(ctx, be, func(ag *Agent) {
		for _, a := range addresses {
			ag.AddToOwnership(a)
		}
	})
}

// RemoveFromOwnership removes address from the agent's ownership list.
func (r *AgentReference) RemoveFromOwnership(ctx context.Context, be backend.Backend, address string) error {
	return r.RemoveBatchFromOwnership(ctx, be, []string{address})
}

// RemoveBatchFromOwnership removes addresses in one commit.
func (r *AgentReference) RemoveBatchFromOwnership(ctx context.Context, be backend.Backend, addresses []string) error {
	if len(addresses) == 0 {
		return nil
	}
	return r.update(ctx, be, func(ag *Agent) {
		for _, a := range addresses {
			ag.RemoveFromOwnership(a)
		}
	})
}

// BumpHeartbeat increments the agent's heartbeat counter.
func (r *AgentReference) BumpHeartbeat(ctx context.Context, be backend.Backend) error {
	return r.update(ctx, be, func(ag *Agent) { ag.BumpHeartbeat() })
}

func (r *AgentReference) update(ctx context.Context, be backend.Backend, fn func(ag *Agent)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ag := NewAgent(r.address, be)
	lk, err := LockExclusive(ctx, ag)
	if err != nil {
		return fmt.Errorf("locking agent %s: %w", r.address, err)
	}
	defer lk.Release(ctx)
	if err := ag.Fetch(ctx); err != nil {
		return fmt.Errorf("fetching agent %s: %w", r.address, err)
	}
	fn(ag)
	if err := ag.Commit(ctx); err != nil {
		return fmt.Errorf("committing agent %s: %w", r.address, err)
	}
	return nil
}
