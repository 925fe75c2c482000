package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/cern-cta/CTA-sub017/internal/core"
	"github.com/cern-cta/CTA-sub017/internal/objectstore"
)

// RepackSpec describes a request to repack one tape.
type RepackSpec struct {
	VID       string
	BufferURL string
	Priority  uint64
	Requester string
}

// RepackInfo is one queued repack request.
type RepackInfo struct {
	Address   string `json:"address"`
	VID       string `json:"vid"`
	Status    string `json:"status"`
	Queue     string `json:"queue"`
	BufferURL string `json:"buffer_url,omitempty"`
	Created   int64  `json:"created"`
}

// QueueRepack creates a repack request for spec.VID and queues it on the
// RepackPending queue.
func (db *DB) QueueRepack(ctx context.Context, spec RepackSpec) (string, error) {
	if spec.VID == "" {
		return "", core.NewInvalidRequestError("Repack request without VID.", nil)
	}
	me := db.agentRef.Address()
	address := db.agentRef.NextID("RepackRequest")
	if err := db.agentRef.AddToOwnership(ctx, db.be, address); err != nil {
		return "", err
	}
	rr := objectstore.NewRepackRequest(address, db.be)
	rr.SetVID(spec.VID)
	rr.SetBufferURL(spec.BufferURL)
	rr.SetPriority(spec.Priority)
	rr.SetRequester(spec.Requester)
	rr.SetStatus(objectstore.RepackPending)
	rr.SetCreationTime(db.clock.Now().Unix())
	rr.SetOwner(me)
	rr.SetBackupOwner(me)
	if err := rr.Insert(ctx); err != nil {
		return "", fmt.Errorf("inserting repack request: %w", err)
	}

	elem := objectstore.InsertedElement{Address: address, Priority: spec.Priority, StartTime: rr.CreationTime()}
	if err := db.repack.ReferenceAndSwitchOwnership(ctx, objectstore.RepackQueueKey, objectstore.QueueRepackPending, me, []objectstore.InsertedElement{elem}); err != nil {
		return "", err
	}
	db.log.Info("queued repack request", "request_address", address, "vid", spec.VID)
	return address, nil
}

// PromoteRepackRequestsToToExpand moves up to n pending repack requests to
// the RepackToExpand queue and returns how many were promoted. A request
// whose status could not be updated goes back to the pending queue.
func (db *DB) PromoteRepackRequestsToToExpand(ctx context.Context, n uint64) (int, error) {
	popped, popErr := db.repack.PopNextBatch(ctx, objectstore.RepackQueueKey, objectstore.QueueRepackPending, objectstore.PopCriteria{Files: n})
	if len(popped) == 0 {
		return 0, popErr
	}

	var (
		promote, back []objectstore.InsertedElement
		errs          = []error{popErr}
	)
	for _, p := range popped {
		elem := objectstore.InsertedElement{Address: p.Address, Priority: p.Request.Priority(), StartTime: p.Request.CreationTime()}
		if err := db.setRepackStatus(ctx, p.Address, objectstore.RepackToExpand); err != nil {
			errs = append(errs, err)
			back = append(back, elem)
			continue
		}
		promote = append(promote, elem)
	}
	me := db.agentRef.Address()
	if err := db.repack.ReferenceAndSwitchOwnership(ctx, objectstore.RepackQueueKey, objectstore.QueueRepackToExpand, me, promote); err != nil {
		errs = append(errs, err)
	}
	if err := db.repack.ReferenceAndSwitchOwnership(ctx, objectstore.RepackQueueKey, objectstore.QueueRepackPending, me, back); err != nil {
		errs = append(errs, err)
	}
	if len(promote) > 0 {
		db.log.Info("promoted repack requests", "requests", len(promote))
	}
	return len(promote), errors.Join(errs...)
}

func (db *DB) setRepackStatus(ctx context.Context, address string, s objectstore.RepackStatus) error {
	rr := objectstore.NewRepackRequest(address, db.be)
	lk, err := objectstore.LockExclusive(ctx, rr)
	if err != nil {
		return err
	}
	defer lk.Release(ctx)
	if err := rr.Fetch(ctx); err != nil {
		return err
	}
	rr.SetStatus(s)
	return rr.Commit(ctx)
}

// ListRepackRequests returns the requests of both repack queues, pending
// first.
func (db *DB) ListRepackRequests(ctx context.Context) ([]RepackInfo, error) {
	re := objectstore.NewRootEntry(db.be)
	if err := re.FetchNoLock(ctx); err != nil {
		if core.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching root entry: %w", err)
	}
	var out []RepackInfo
	for _, qt := range []objectstore.QueueType{objectstore.QueueRepackPending, objectstore.QueueRepackToExpand} {
		address, err := re.QueueAddress(objectstore.RepackQueueKind, objectstore.RepackQueueKey, qt)
		if core.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		q := objectstore.NewQueue(objectstore.RepackQueueKind, address, db.be)
		if err := q.FetchNoLock(ctx); err != nil {
			if core.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		for _, j := range q.Jobs() {
			rr := objectstore.NewRepackRequest(j.Address, db.be)
			if err := rr.FetchNoLock(ctx); err != nil {
				if core.IsNotFound(err) {
					continue
				}
				return nil, err
			}
			out = append(out, RepackInfo{
				Address:   j.Address,
				VID:       rr.VID(),
				Status:    rr.Status().String(),
				Queue:     qt.String(),
				BufferURL: rr.BufferURL(),
				Created:   rr.CreationTime(),
			})
		}
	}
	return out, nil
}
