package objectstore

import (
	"fmt"

	"github.com/cern-cta/CTA-sub017/internal/backend"
	"github.com/cern-cta/CTA-sub017/internal/core"
)

// RepackStatus is the lifecycle state of a repack request.
type RepackStatus int

const (
	RepackPending RepackStatus = iota + 1
	RepackToExpand
	RepackStarting
	RepackRunning
	RepackComplete
	RepackFailed
)

var repackStatusNames = map[RepackStatus]string{
	RepackPending:  "Pending",
	RepackToExpand: "ToExpand",
	RepackStarting: "Starting",
	RepackRunning:  "Running",
	RepackComplete: "Complete",
	RepackFailed:   "Failed",
}

func (s RepackStatus) String() string {
	if name, ok := repackStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("RepackStatus(%d)", int(s))
}

type repackRequestPayload struct {
	VID            string       `cbor:"vid"`
	BufferURL      string       `cbor:"buffer_url"`
	Status         RepackStatus `cbor:"status"`
	ExpandFinished bool         `cbor:"expand_finished"`
	Priority       uint64       `cbor:"priority"`
	CreationTime   int64        `cbor:"creation_time"`
	Requester      string       `cbor:"requester"`
}

// RepackRequest asks for every file of one tape to be rewritten elsewhere.
// A repack request is a single element: it is referenced from a repack
// queue with copy number 0 and owned through its header.
type RepackRequest struct {
	object[repackRequestPayload]
}

// NewRepackRequest returns a handle on the request at address.
func NewRepackRequest(address string, be backend.Backend) *RepackRequest {
	return &RepackRequest{object: newObject[repackRequestPayload](be, address, TypeRepackRequest)}
}

func (r *RepackRequest) SetVID(vid string)        { r.payload.VID = vid }
func (r *RepackRequest) VID() string              { return r.payload.VID }
func (r *RepackRequest) SetBufferURL(u string)    { r.payload.BufferURL = u }
func (r *RepackRequest) BufferURL() string        { return r.payload.BufferURL }
func (r *RepackRequest) SetStatus(s RepackStatus) { r.payload.Status = s }
func (r *RepackRequest) Status() RepackStatus     { return r.payload.Status }
func (r *RepackRequest) SetExpandFinished(b bool) { r.payload.ExpandFinished = b }
func (r *RepackRequest) ExpandFinished() bool     { return r.payload.ExpandFinished }
func (r *RepackRequest) SetPriority(p uint64)     { r.payload.Priority = p }
func (r *RepackRequest) Priority() uint64         { return r.payload.Priority }
func (r *RepackRequest) SetCreationTime(t int64)  { r.payload.CreationTime = t }
func (r *RepackRequest) CreationTime() int64      { return r.payload.CreationTime }
func (r *RepackRequest) SetRequester(s string)    { r.payload.Requester = s }
func (r *RepackRequest) Requester() string        { return r.payload.Requester }

// QueueType returns the repack queue the request belongs to after its owner
// died. A request whose expansion finished is already running and has no
// queue.
func (r *RepackRequest) QueueType() (QueueType, error) {
	switch r.payload.Status {
	case RepackPending:
		return QueueRepackPending, nil
	case RepackToExpand:
		return QueueRepackToExpand, nil
	case RepackStarting, RepackRunning:
		if !r.payload.ExpandFinished {
			return QueueRepackToExpand, nil
		}
	}
	return 0, core.NewInconsistentError(
		fmt.Sprintf("The status %s has no corresponding queue type.", r.payload.Status),
		map[string]any{"address": r.address, "status": r.payload.Status.String(), "expand_finished": r.payload.ExpandFinished})
}

func (r *RepackRequest) elementOwner(copyNb uint32) (string, error) {
	if copyNb != 0 {
		return "", missingJob(r.address, copyNb)
	}
	return r.Owner(), nil
}

func (r *RepackRequest) setElementOwner(copyNb uint32, owner string) error {
	if copyNb != 0 {
		return missingJob(r.address, copyNb)
	}
	r.SetOwner(owner)
	return nil
}

func (r *RepackRequest) setElementStatus(copyNb uint32, s JobStatus, _ string) error {
	return core.NewInconsistentError("Repack requests have no job status.",
		map[string]any{"address": r.address, "copy_nb": copyNb, "status": s.String()})
}
