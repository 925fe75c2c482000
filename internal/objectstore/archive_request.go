package objectstore

import (
	"slices"

	"github.com/cern-cta/CTA-sub017/internal/backend"
)

// ArchiveJob is one copy to write. Each job carries its own owner.
type ArchiveJob struct {
	CopyNb      uint32    `cbor:"copy_nb" json:"copy_nb"`
	TapePool    string    `cbor:"tape_pool" json:"tape_pool"`
	Status      JobStatus `cbor:"status" json:"status"`
	Owner       string    `cbor:"owner" json:"owner"`
	FailureLogs []string  `cbor:"failure_logs,omitempty" json:"failure_logs,omitempty"`
}

type archiveRequestPayload struct {
	ArchiveFileID uint64       `cbor:"archive_file_id"`
	FileSize      uint64       `cbor:"file_size"`
	Jobs          []ArchiveJob `cbor:"jobs"`
	Priority      uint64       `cbor:"priority"`
	CreationTime  int64        `cbor:"creation_time"`
	Requester     string       `cbor:"requester"`
}

// ArchiveRequest is a user request to write one file to one or more tape
// pools. Ownership is tracked per job; the header owner only matters while
// the request is being created.
type ArchiveRequest struct {
	object[archiveRequestPayload]
}

// NewArchiveRequest returns a handle on the request at address.
func NewArchiveRequest(address string, be backend.Backend) *ArchiveRequest {
	return &ArchiveRequest{object: newObject[archiveRequestPayload](be, address, TypeArchiveRequest)}
}

func (r *ArchiveRequest) SetArchiveFile(id, size uint64) {
	r.payload.ArchiveFileID = id
	r.payload.FileSize = size
}

func (r *ArchiveRequest) ArchiveFileID() uint64   { return r.payload.ArchiveFileID }
func (r *ArchiveRequest) FileSize() uint64        { return r.payload.FileSize }
func (r *ArchiveRequest) SetPriority(p uint64)    { r.payload.Priority = p }
func (r *ArchiveRequest) Priority() uint64        { return r.payload.Priority }
func (r *ArchiveRequest) SetCreationTime(t int64) { r.payload.CreationTime = t }
func (r *ArchiveRequest) CreationTime() int64     { return r.payload.CreationTime }
func (r *ArchiveRequest) SetRequester(s string)   { r.payload.Requester = s }

// AddJob adds a copy to write to tapePool, owned by owner.
func (r *ArchiveRequest) AddJob(copyNb uint32, tapePool, owner string) {
	r.payload.Jobs = slices.DeleteFunc(r.payload.Jobs, func(j ArchiveJob) bool { return j.CopyNb == copyNb })
	r.payload.Jobs = append(r.payload.Jobs, ArchiveJob{CopyNb: copyNb, TapePool: tapePool, Status: JobToTransfer, Owner: owner})
}

// Jobs returns the jobs of the request.
func (r *ArchiveRequest) Jobs() []ArchiveJob { return slices.Clone(r.payload.Jobs) }

// JobOwner returns the owner of job copyNb.
func (r *ArchiveRequest) JobOwner(copyNb uint32) (string, error) {
	return r.elementOwner(copyNb)
}

func (r *ArchiveRequest) job(copyNb uint32) *ArchiveJob {
	for i := range r.payload.Jobs {
		if r.payload.Jobs[i].CopyNb == copyNb {
			return &r.payload.Jobs[i]
		}
	}
	return nil
}

func (r *ArchiveRequest) elementOwner(copyNb uint32) (string, error) {
	j := r.job(copyNb)
	if j == nil {
		return "", missingJob(r.address, copyNb)
	}
	return j.Owner, nil
}

func (r *ArchiveRequest) setElementOwner(copyNb uint32, owner string) error {
	j := r.job(copyNb)
	if j == nil {
		return missingJob(r.address, copyNb)
	}
	j.Owner = owner
	return nil
}

func (r *ArchiveRequest) setElementStatus(copyNb uint32, s JobStatus, failureLog string) error {
	j := r.job(copyNb)
	if j == nil {
		return missingJob(r.address, copyNb)
	}
	j.Status = s
	if failureLog != "" {
		j.FailureLogs = append(j.FailureLogs, failureLog)
	}
	return nil
}
