// Package scheduler is the scheduler boundary of the object store: queueing
// of user requests, the queue operations used by the cleanup runner and the
// admin listings, and the tape state change trigger.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cern-cta/CTA-sub017/internal/backend"
	"github.com/cern-cta/CTA-sub017/internal/clock"
	"github.com/cern-cta/CTA-sub017/internal/core"
	"github.com/cern-cta/CTA-sub017/internal/objectstore"
)

// RetrieveJob is a retrieve job popped from a queue and owned by this
// process's agent.
type RetrieveJob = objectstore.PoppedElement[*objectstore.RetrieveRequest]

// RetrieveSpec describes a user retrieve request.
type RetrieveSpec struct {
	ArchiveFileID uint64
	FileSize      uint64
	TapeFiles     []objectstore.TapeFile
	Priority      uint64
	Requester     string
	// CopyNb forces the copy to read from. Zero selects the best replica.
	CopyNb uint32
}

// ArchiveCopy is one copy of an archive request.
type ArchiveCopy struct {
	CopyNb   uint32
	TapePool string
}

// ArchiveSpec describes a user archive request.
type ArchiveSpec struct {
	ArchiveFileID uint64
	FileSize      uint64
	Copies        []ArchiveCopy
	Priority      uint64
	Requester     string
}

// Requeue sends a popped job to the PendingTransfer queue of another copy.
type Requeue struct {
	Job    RetrieveJob
	CopyNb uint32
}

// DB is the scheduler database on top of the object store. All mutations
// are made on behalf of one agent.
type DB struct {
	be       backend.Backend
	agentRef *objectstore.AgentReference
	states   objectstore.TapeStateSource
	clock    clock.Clock
	log      *slog.Logger

	retrieve *objectstore.ContainerAlgorithms[*objectstore.RetrieveRequest]
	archive  *objectstore.ContainerAlgorithms[*objectstore.ArchiveRequest]
	repack   *objectstore.ContainerAlgorithms[*objectstore.RepackRequest]
}

// DBOption configures a DB.
type DBOption func(*DB)

// WithDBClock sets the clock used to stamp request creation times.
func WithDBClock(c clock.Clock) DBOption {
	return func(db *DB) { db.clock = c }
}

// WithDBLogger sets the logger.
func WithDBLogger(l *slog.Logger) DBOption {
	return func(db *DB) { db.log = l }
}

// NewDB returns a scheduler database acting as agentRef. states resolves
// tape states when a retrieve request picks its copy.
func NewDB(be backend.Backend, agentRef *objectstore.AgentReference, states objectstore.TapeStateSource, opts ...DBOption) *DB {
	db := &DB{
		be:       be,
		agentRef: agentRef,
		states:   states,
		clock:    clock.Real(),
		log:      slog.Default(),
		retrieve: objectstore.NewRetrieveAlgorithms(be, agentRef),
		archive:  objectstore.NewArchiveAlgorithms(be, agentRef),
		repack:   objectstore.NewRepackAlgorithms(be, agentRef),
	}
	for _, opt := range opts {
		opt(db)
	}
	db.log = db.log.With("component", "scheduler_db")
	return db
}

// AgentAddress returns the address of the agent the DB acts as.
func (db *DB) AgentAddress() string { return db.agentRef.Address() }

// Backend returns the object store backend.
func (db *DB) Backend() backend.Backend { return db.be }

// QueueRetrieve creates a retrieve request and queues it on the
// PendingTransfer queue of its selected copy. It returns the request address
// and the VID it was queued on.
func (db *DB) QueueRetrieve(ctx context.Context, spec RetrieveSpec) (string, string, error) {
	if len(spec.TapeFiles) == 0 {
		return "", "", core.NewInvalidRequestError("Retrieve request without tape files.", nil)
	}
	var target objectstore.TapeFile
	if spec.CopyNb != 0 {
		found := false
		for _, tf := range spec.TapeFiles {
			if tf.CopyNb == spec.CopyNb {
				target, found = tf, true
			}
		}
		if !found {
			return "", "", core.NewInvalidRequestError(fmt.Sprintf("No tape file with copy number %d.", spec.CopyNb), nil)
		}
	} else {
		best, err := objectstore.SelectBestReplica(ctx, db.states, spec.TapeFiles, "")
		if core.IsNotFound(err) {
			return "", "", core.NewInvalidRequestError("No tape is available to retrieve the file.",
				map[string]any{"archive_file_id": spec.ArchiveFileID})
		}
		if err != nil {
			return "", "", err
		}
		target = best
	}

	address := db.agentRef.NextID("RetrieveRequest")
	if err := db.agentRef.AddToOwnership(ctx, db.be, address); err != nil {
		return "", "", err
	}
	rr := objectstore.NewRetrieveRequest(address, db.be)
	rr.SetArchiveFile(spec.ArchiveFileID, spec.FileSize)
	for _, tf := range spec.TapeFiles {
		rr.AddTapeFile(tf)
	}
	rr.SetPriority(spec.Priority)
	rr.SetRequester(spec.Requester)
	rr.SetCreationTime(db.clock.Now().Unix())
	rr.SetOwner(db.agentRef.Address())
	rr.SetBackupOwner(db.agentRef.Address())
	if err := rr.Insert(ctx); err != nil {
		return "", "", fmt.Errorf("inserting retrieve request: %w", err)
	}

	elem := objectstore.InsertedElement{
		Address:   address,
		CopyNb:    target.CopyNb,
		Size:      spec.FileSize,
		Priority:  spec.Priority,
		StartTime: rr.CreationTime(),
	}
	if err := db.retrieve.ReferenceAndSwitchOwnership(ctx, target.VID, objectstore.QueuePendingTransfer, db.agentRef.Address(), []objectstore.InsertedElement{elem}); err != nil {
		return "", "", err
	}
	db.log.Debug("queued retrieve request", "request_address", address, "vid", target.VID, "copy_nb", target.CopyNb)
	return address, target.VID, nil
}

// QueueArchive creates an archive request and queues each copy on the
// PendingTransfer queue of its tape pool.
func (db *DB) QueueArchive(ctx context.Context, spec ArchiveSpec) (string, error) {
	if len(spec.Copies) == 0 {
		return "", core.NewInvalidRequestError("Archive request without copies.", nil)
	}
	address := db.agentRef.NextID("ArchiveRequest")
	if err := db.agentRef.AddToOwnership(ctx, db.be, address); err != nil {
		return "", err
	}
	ar := objectstore.NewArchiveRequest(address, db.be)
	ar.SetArchiveFile(spec.ArchiveFileID, spec.FileSize)
	ar.SetPriority(spec.Priority)
	ar.SetRequester(spec.Requester)
	ar.SetCreationTime(db.clock.Now().Unix())
	for _, c := range spec.Copies {
		ar.AddJob(c.CopyNb, c.TapePool, db.agentRef.Address())
	}
	ar.SetOwner(db.agentRef.Address())
	if err := ar.Insert(ctx); err != nil {
		return "", fmt.Errorf("inserting archive request: %w", err)
	}

	// The request stays in the agent ownership until its last copy is queued.
	for i, c := range spec.Copies {
		elem := objectstore.InsertedElement{
			Address:   address,
			CopyNb:    c.CopyNb,
			Size:      spec.FileSize,
			Priority:  spec.Priority,
			StartTime: ar.CreationTime(),
		}
		var opts []objectstore.SwitchOption
		if i < len(spec.Copies)-1 {
			opts = append(opts, objectstore.KeepAgentOwnership())
		}
		err := db.archive.ReferenceAndSwitchOwnership(ctx, c.TapePool, objectstore.QueuePendingTransfer, db.agentRef.Address(), []objectstore.InsertedElement{elem}, opts...)
		if err != nil {
			return "", err
		}
	}
	return address, nil
}

// GetNextRetrieveJobsToTransferBatch pops jobs from the PendingTransfer
// queue of vid into this agent's ownership.
func (db *DB) GetNextRetrieveJobsToTransferBatch(ctx context.Context, vid string, criteria objectstore.PopCriteria) ([]RetrieveJob, error) {
	return db.retrieve.PopNextBatch(ctx, vid, objectstore.QueuePendingTransfer, criteria)
}

// OwnedRetrieveJobs returns the retrieve requests this agent still owns
// whose active copy is on vid: jobs popped by a pass that was interrupted
// before queueing them elsewhere.
func (db *DB) OwnedRetrieveJobs(ctx context.Context, vid string) ([]RetrieveJob, error) {
	me := db.agentRef.Address()
	ag := objectstore.NewAgent(me, db.be)
	if err := ag.FetchNoLock(ctx); err != nil {
		return nil, fmt.Errorf("fetching agent %s: %w", me, err)
	}
	var jobs []RetrieveJob
	for _, address := range ag.OwnershipList() {
		obj := objectstore.NewGenericObject(address, db.be)
		if err := obj.FetchNoLock(ctx); err != nil {
			if core.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if obj.Type() != objectstore.TypeRetrieveRequest || obj.Owner() != me {
			continue
		}
		rr := objectstore.NewRetrieveRequest(address, db.be)
		if err := rr.FetchNoLock(ctx); err != nil {
			if core.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		tf, ok := rr.TapeFile(rr.ActiveCopyNb())
		if !ok || tf.VID != vid {
			continue
		}
		jobs = append(jobs, RetrieveJob{Address: address, CopyNb: tf.CopyNb, Size: rr.FileSize(), Request: rr})
	}
	return jobs, nil
}

// RequeueRetrieveRequests queues popped jobs on the PendingTransfer queue of
// vid, switching each to the given copy.
func (db *DB) RequeueRetrieveRequests(ctx context.Context, vid string, requeues []Requeue) error {
	elems := make([]objectstore.InsertedElement, 0, len(requeues))
	for _, r := range requeues {
		elems = append(elems, objectstore.InsertedElement{
			Address:   r.Job.Address,
			CopyNb:    r.CopyNb,
			Size:      r.Job.Size,
			Priority:  r.Job.Request.Priority(),
			StartTime: r.Job.Request.CreationTime(),
		})
	}
	return db.retrieve.ReferenceAndSwitchOwnership(ctx, vid, objectstore.QueuePendingTransfer, db.agentRef.Address(), elems)
}

// FailRetrieveRequests moves popped jobs to the ToReportToUser queue of vid
// with a failure reason.
func (db *DB) FailRetrieveRequests(ctx context.Context, vid string, jobs []RetrieveJob, reason string) error {
	failed := objectstore.JobToReportForFailure
	elems := make([]objectstore.InsertedElement, 0, len(jobs))
	for _, j := range jobs {
		elems = append(elems, objectstore.InsertedElement{
			Address:    j.Address,
			CopyNb:     j.CopyNb,
			Size:       j.Size,
			Priority:   j.Request.Priority(),
			StartTime:  j.Request.CreationTime(),
			NewStatus:  &failed,
			FailureLog: reason,
		})
	}
	return db.retrieve.ReferenceAndSwitchOwnership(ctx, vid, objectstore.QueueToReportToUser, db.agentRef.Address(), elems)
}
