package objectstore

import (
	"fmt"
	"slices"
	"strings"

	"github.com/cern-cta/CTA-sub017/internal/backend"
	"github.com/cern-cta/CTA-sub017/internal/core"
)

// QueueKind separates retrieve queues (keyed by VID) from archive queues
// (keyed by tape pool) and repack queues (single key RepackQueueKey).
type QueueKind int

const (
	RetrieveQueueKind QueueKind = iota + 1
	ArchiveQueueKind
	RepackQueueKind
)

// RepackQueueKey is the key of both repack queues.
const RepackQueueKey = "repack"

func (k QueueKind) String() string {
	switch k {
	case RetrieveQueueKind:
		return "Retrieve"
	case ArchiveQueueKind:
		return "Archive"
	case RepackQueueKind:
		return "Repack"
	}
	return fmt.Sprintf("QueueKind(%d)", int(k))
}

func (k QueueKind) objectType() ObjectType {
	switch k {
	case ArchiveQueueKind:
		return TypeArchiveQueue
	case RepackQueueKind:
		return TypeRepackQueue
	}
	return TypeRetrieveQueue
}

// QueueType is the role of a queue for its key.
type QueueType int

const (
	QueuePendingTransfer QueueType = iota + 1
	QueueToReportToUser
	QueueToReportForFailure
	QueueFailed
	QueueRepackPending
	QueueRepackToExpand
)

var queueTypeNames = map[QueueType]string{
	QueuePendingTransfer:    "PendingTransfer",
	QueueToReportToUser:     "ToReportToUser",
	QueueToReportForFailure: "ToReportForFailure",
	QueueFailed:             "Failed",
	QueueRepackPending:      "RepackPending",
	QueueRepackToExpand:     "RepackToExpand",
}

func (t QueueType) String() string {
	if s, ok := queueTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("QueueType(%d)", int(t))
}

// ParseQueueType parses a queue type name, case-insensitively.
func ParseQueueType(s string) (QueueType, error) {
	for t, name := range queueTypeNames {
		if strings.EqualFold(name, s) {
			return t, nil
		}
	}
	return 0, core.NewInvalidRequestError(fmt.Sprintf("Unknown queue type '%s'.", s), map[string]any{"queue_type": s})
}

// JobRef is a queue entry pointing to one job of a request.
type JobRef struct {
	Address   string `cbor:"address" json:"address"`
	CopyNb    uint32 `cbor:"copy_nb" json:"copy_nb"`
	Size      uint64 `cbor:"size" json:"size"`
	Priority  uint64 `cbor:"priority" json:"priority"`
	StartTime int64  `cbor:"start_time" json:"start_time"`
}

// QueueSummary is kept equal to the job list on every mutation.
type QueueSummary struct {
	Jobs  uint64 `cbor:"jobs" json:"jobs"`
	Bytes uint64 `cbor:"bytes" json:"bytes"`
}

// CleanupInfo is the cleanup reservation of a retrieve PendingTransfer queue.
type CleanupInfo struct {
	DoCleanup     bool   `cbor:"do_cleanup" json:"do_cleanup"`
	AssignedAgent string `cbor:"assigned_agent,omitempty" json:"assigned_agent,omitempty"`
	Heartbeat     uint64 `cbor:"heartbeat" json:"heartbeat"`
}

type queuePayload struct {
	Kind    QueueKind    `cbor:"kind"`
	Key     string       `cbor:"key"`
	Type    QueueType    `cbor:"type"`
	Jobs    []JobRef     `cbor:"jobs"`
	Summary QueueSummary `cbor:"summary"`
	Cleanup CleanupInfo  `cbor:"cleanup"`
}

// Queue is an ordered list of job references for one (key, type).
type Queue struct {
	object[queuePayload]
}

// NewQueue returns a handle on the queue at address.
func NewQueue(kind QueueKind, address string, be backend.Backend) *Queue {
	q := &Queue{object: newObject[queuePayload](be, address, kind.objectType())}
	q.payload.Kind = kind
	return q
}

// NewRetrieveQueue returns a handle on a retrieve queue.
func NewRetrieveQueue(address string, be backend.Backend) *Queue {
	return NewQueue(RetrieveQueueKind, address, be)
}

// NewArchiveQueue returns a handle on an archive queue.
func NewArchiveQueue(address string, be backend.Backend) *Queue {
	return NewQueue(ArchiveQueueKind, address, be)
}

// Initialize sets the identity of a new queue.
func (q *Queue) Initialize(key string, qt QueueType) {
	q.payload.Key = key
	q.payload.Type = qt
}

func (q *Queue) Kind() QueueKind       { return q.payload.Kind }
func (q *Queue) Key() string           { return q.payload.Key }
func (q *Queue) QueueType() QueueType  { return q.payload.Type }
func (q *Queue) Summary() QueueSummary { return q.payload.Summary }
func (q *Queue) IsEmpty() bool         { return len(q.payload.Jobs) == 0 }

// Jobs returns a copy of the job references in queue order.
func (q *Queue) Jobs() []JobRef { return slices.Clone(q.payload.Jobs) }

// Contains reports whether address is referenced.
func (q *Queue) Contains(address string) bool {
	return slices.ContainsFunc(q.payload.Jobs, func(j JobRef) bool { return j.Address == address })
}

func (q *Queue) prioritized() bool {
	return q.payload.Kind == ArchiveQueueKind && q.payload.Type == QueuePendingTransfer
}

// AddJobs references jobs, skipping addresses already present, and returns
// the number added. Archive transfer queues keep higher priorities first;
// every other queue is FIFO.
func (q *Queue) AddJobs(jobs []JobRef) int {
	present := make(map[string]struct{}, len(q.payload.Jobs)+len(jobs))
	for _, e := range q.payload.Jobs {
		present[e.Address] = struct{}{}
	}
	added := 0
	for _, j := range jobs {
		if _, ok := present[j.Address]; ok {
			continue
		}
		present[j.Address] = struct{}{}
		if q.prioritized() {
			i := slices.IndexFunc(q.payload.Jobs, func(e JobRef) bool { return e.Priority < j.Priority })
			if i < 0 {
				q.payload.Jobs = append(q.payload.Jobs, j)
			} else {
				q.payload.Jobs = slices.Insert(q.payload.Jobs, i, j)
			}
		} else {
			q.payload.Jobs = append(q.payload.Jobs, j)
		}
		added++
	}
	q.updateSummary()
	return added
}

// RemoveJobs drops the references to addresses and returns how many were
// present.
func (q *Queue) RemoveJobs(addresses []string) int {
	drop := make(map[string]struct{}, len(addresses))
	for _, a := range addresses {
		drop[a] = struct{}{}
	}
	before := len(q.payload.Jobs)
	q.payload.Jobs = slices.DeleteFunc(q.payload.Jobs, func(j JobRef) bool {
		_, ok := drop[j.Address]
		return ok
	})
	q.updateSummary()
	return before - len(q.payload.Jobs)
}

// PopCriteria bounds a pop. Zero fields are unbounded.
type PopCriteria struct {
	Files uint64
	Bytes uint64
}

// candidates returns the front of the queue within criteria. At least one
// job is returned when the queue is not empty.
func (q *Queue) candidates(c PopCriteria) []JobRef {
	var (
		out   []JobRef
		bytes uint64
	)
	for _, j := range q.payload.Jobs {
		if c.Files > 0 && uint64(len(out)) >= c.Files {
			break
		}
		if c.Bytes > 0 && len(out) > 0 && bytes+j.Size > c.Bytes {
			break
		}
		out = append(out, j)
		bytes += j.Size
	}
	return out
}

func (q *Queue) updateSummary() {
	s := QueueSummary{Jobs: uint64(len(q.payload.Jobs))}
	for _, j := range q.payload.Jobs {
		s.Bytes += j.Size
	}
	q.payload.Summary = s
}

// CleanupInfo returns the cleanup reservation.
func (q *Queue) CleanupInfo() CleanupInfo { return q.payload.Cleanup }

// SetCleanupFlag sets or clears the cleanup flag. Clearing it also drops the
// reservation.
func (q *Queue) SetCleanupFlag(on bool) {
	q.payload.Cleanup.DoCleanup = on
	if !on {
		q.payload.Cleanup.AssignedAgent = ""
	}
}

// AssignCleanup records agent as the cleanup owner and bumps the heartbeat.
func (q *Queue) AssignCleanup(agent string) {
	q.payload.Cleanup.AssignedAgent = agent
	q.payload.Cleanup.Heartbeat++
}

// TickCleanupHeartbeat bumps the cleanup heartbeat.
func (q *Queue) TickCleanupHeartbeat() {
	q.payload.Cleanup.Heartbeat++
}
