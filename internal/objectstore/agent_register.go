package objectstore

import (
	"slices"

	"github.com/cern-cta/CTA-sub017/internal/backend"
)

// TrackedAgent pairs a tracked agent with the collector agent watching it.
type TrackedAgent struct {
	Agent     string `cbor:"agent" json:"agent"`
	Collector string `cbor:"collector" json:"collector"`
}

type agentRegisterPayload struct {
	Tracked   []TrackedAgent `cbor:"tracked"`
	Untracked []string       `cbor:"untracked"`
}

// AgentRegister lists every live agent, either untracked (waiting for a
// collector) or tracked by one.
type AgentRegister struct {
	object[agentRegisterPayload]
}

// NewAgentRegister returns a handle on the register at address.
func NewAgentRegister(address string, be backend.Backend) *AgentRegister {
	return &AgentRegister{object: newObject[agentRegisterPayload](be, address, TypeAgentRegister)}
}

// AddAgent registers a new agent as untracked.
func (r *AgentRegister) AddAgent(agent string) {
	if r.indexTracked(agent) >= 0 || slices.Contains(r.payload.Untracked, agent) {
		return
	}
	r.payload.Untracked = append(r.payload.Untracked, agent)
}

// RemoveAgent drops agent from both sets.
func (r *AgentRegister) RemoveAgent(agent string) {
	r.payload.Untracked = slices.DeleteFunc(r.payload.Untracked, func(s string) bool { return s == agent })
	r.payload.Tracked = slices.DeleteFunc(r.payload.Tracked, func(t TrackedAgent) bool { return t.Agent == agent })
}

// TrackAgent moves agent from the untracked to the tracked set, recording
// the collector. Tracking an already tracked agent only updates the
// collector.
func (r *AgentRegister) TrackAgent(agent, collector string) {
	r.payload.Untracked = slices.DeleteFunc(r.payload.Untracked, func(s string) bool { return s == agent })
	if i := r.indexTracked(agent); i >= 0 {
		r.payload.Tracked[i].Collector = collector
		return
	}
	r.payload.Tracked = append(r.payload.Tracked, TrackedAgent{Agent: agent, Collector: collector})
}

// UntrackAgent moves agent back to the untracked set.
func (r *AgentRegister) UntrackAgent(agent string) {
	i := r.indexTracked(agent)
	if i < 0 {
		return
	}
	r.payload.Tracked = slices.Delete(r.payload.Tracked, i, i+1)
	if !slices.Contains(r.payload.Untracked, agent) {
		r.payload.Untracked = append(r.payload.Untracked, agent)
	}
}

// Collector returns the collector tracking agent, if any.
func (r *AgentRegister) Collector(agent string) (string, bool) {
	if i := r.indexTracked(agent); i >= 0 {
		return r.payload.Tracked[i].Collector, true
	}
	return "", false
}

func (r *AgentRegister) indexTracked(agent string) int {
	return slices.IndexFunc(r.payload.Tracked, func(t TrackedAgent) bool { return t.Agent == agent })
}

// GetAgents returns all agents, tracked first.
func (r *AgentRegister) GetAgents() []string {
	out := make([]string, 0, len(r.payload.Tracked)+len(r.payload.Untracked))
	for _, t := range r.payload.Tracked {
		out = append(out, t.Agent)
	}
	return append(out, r.payload.Untracked...)
}

// GetUntrackedAgents returns the agents no collector watches.
func (r *AgentRegister) GetUntrackedAgents() []string {
	return slices.Clone(r.payload.Untracked)
}

// GetTrackedAgents returns the tracked agents with their collectors.
func (r *AgentRegister) GetTrackedAgents() []TrackedAgent {
	return slices.Clone(r.payload.Tracked)
}

func (r *AgentRegister) IsEmpty() bool {
	return len(r.payload.Tracked) == 0 && len(r.payload.Untracked) == 0
}
