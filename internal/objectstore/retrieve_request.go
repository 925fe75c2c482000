package objectstore

import (
	"slices"

	"github.com/cern-cta/CTA-sub017/internal/backend"
)

// TapeFile is one copy of the file on tape.
type TapeFile struct {
	VID    string `cbor:"vid" json:"vid"`
	CopyNb uint32 `cbor:"copy_nb" json:"copy_nb"`
	FSeq   uint64 `cbor:"fseq" json:"fseq"`
}

// RetrieveJob is the per-copy state of a retrieve request.
type RetrieveJob struct {
	CopyNb      uint32    `cbor:"copy_nb" json:"copy_nb"`
	Status      JobStatus `cbor:"status" json:"status"`
	Retries     uint32    `cbor:"retries" json:"retries"`
	FailureLogs []string  `cbor:"failure_logs,omitempty" json:"failure_logs,omitempty"`
}

type retrieveRequestPayload struct {
	ArchiveFileID uint64        `cbor:"archive_file_id"`
	FileSize      uint64        `cbor:"file_size"`
	TapeFiles     []TapeFile    `cbor:"tape_files"`
	Jobs          []RetrieveJob `cbor:"jobs"`
	ActiveCopyNb  uint32        `cbor:"active_copy_nb"`
	Priority      uint64        `cbor:"priority"`
	CreationTime  int64         `cbor:"creation_time"`
	Requester     string        `cbor:"requester"`
}

// RetrieveRequest is a user request to read one file back from tape. Its
// header owner is the request's logical owner: an agent or a queue.
type RetrieveRequest struct {
	object[retrieveRequestPayload]
}

// NewRetrieveRequest returns a handle on the request at address.
func NewRetrieveRequest(address string, be backend.Backend) *RetrieveRequest {
	return &RetrieveRequest{object: newObject[retrieveRequestPayload](be, address, TypeRetrieveRequest)}
}

func (r *RetrieveRequest) SetArchiveFile(id, size uint64) {
	r.payload.ArchiveFileID = id
	r.payload.FileSize = size
}

func (r *RetrieveRequest) ArchiveFileID() uint64 { return r.payload.ArchiveFileID }
func (r *RetrieveRequest) FileSize() uint64      { return r.payload.FileSize }

func (r *RetrieveRequest) SetPriority(p uint64)    { r.payload.Priority = p }
func (r *RetrieveRequest) Priority() uint64        { return r.payload.Priority }
func (r *RetrieveRequest) SetCreationTime(t int64) { r.payload.CreationTime = t }
func (r *RetrieveRequest) CreationTime() int64     { return r.payload.CreationTime }
func (r *RetrieveRequest) SetRequester(s string)   { r.payload.Requester = s }
func (r *RetrieveRequest) Requester() string       { return r.payload.Requester }

// AddTapeFile records a copy and creates its job in ToTransfer.
func (r *RetrieveRequest) AddTapeFile(tf TapeFile) {
	r.payload.TapeFiles = slices.DeleteFunc(r.payload.TapeFiles, func(e TapeFile) bool { return e.CopyNb == tf.CopyNb })
	r.payload.TapeFiles = append(r.payload.TapeFiles, tf)
	if r.job(tf.CopyNb) == nil {
		r.payload.Jobs = append(r.payload.Jobs, RetrieveJob{CopyNb: tf.CopyNb, Status: JobToTransfer})
	}
}

// TapeFiles returns the copies of the file.
func (r *RetrieveRequest) TapeFiles() []TapeFile { return slices.Clone(r.payload.TapeFiles) }

// TapeFile returns the copy with copyNb.
func (r *RetrieveRequest) TapeFile(copyNb uint32) (TapeFile, bool) {
	i := slices.IndexFunc(r.payload.TapeFiles, func(tf TapeFile) bool { return tf.CopyNb == copyNb })
	if i < 0 {
		return TapeFile{}, false
	}
	return r.payload.TapeFiles[i], true
}

// Jobs returns the per-copy jobs.
func (r *RetrieveRequest) Jobs() []RetrieveJob { return slices.Clone(r.payload.Jobs) }

func (r *RetrieveRequest) ActiveCopyNb() uint32          { return r.payload.ActiveCopyNb }
func (r *RetrieveRequest) SetActiveCopyNb(copyNb uint32) { r.payload.ActiveCopyNb = copyNb }

// ActiveJob returns the job of the active copy.
func (r *RetrieveRequest) ActiveJob() (RetrieveJob, bool) {
	j := r.job(r.payload.ActiveCopyNb)
	if j == nil {
		return RetrieveJob{}, false
	}
	return *j, true
}

func (r *RetrieveRequest) job(copyNb uint32) *RetrieveJob {
	for i := range r.payload.Jobs {
		if r.payload.Jobs[i].CopyNb == copyNb {
			return &r.payload.Jobs[i]
		}
	}
	return nil
}

func (r *RetrieveRequest) elementOwner(uint32) (string, error) {
	return r.owner, nil
}

// setElementOwner makes copyNb the active copy and owner the request owner.
func (r *RetrieveRequest) setElementOwner(copyNb uint32, owner string) error {
	if copyNb != 0 {
		if r.job(copyNb) == nil {
			return missingJob(r.address, copyNb)
		}
		r.payload.ActiveCopyNb = copyNb
	}
	r.owner = owner
	return nil
}

func (r *RetrieveRequest) setElementStatus(copyNb uint32, s JobStatus, failureLog string) error {
	if copyNb == 0 {
		copyNb = r.payload.ActiveCopyNb
	}
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
