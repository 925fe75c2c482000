package objectstore

import (
	"time"
)

// agentWatchdog follows the heartbeat of one watched agent. The agent is
// dead once its heartbeat has not moved for longer than its timeout.
type agentWatchdog struct {
	address    string
	timeout    time.Duration
	heartbeat  uint64
	lastChange time.Time
}

func newAgentWatchdog(address string, heartbeat uint64, timeout time.Duration, now time.Time) *agentWatchdog {
	return &agentWatchdog{address: address, timeout: timeout, heartbeat: heartbeat, lastChange: now}
}

// observe records a heartbeat reading and reports whether the agent is
// still alive.
func (w *agentWatchdog) observe(heartbeat uint64, timeout time.Duration, now time.Time) bool {
	w.timeout = timeout
	if heartbeat != w.heartbeat {
		w.heartbeat = heartbeat
		w.lastChange = now
		return true
	}
	return now.Sub(w.lastChange) <= w.timeout
}
