package objectstore

import (
	"context"
	"fmt"

	"github.com/cern-cta/CTA-sub017/internal/core"
)

// garbageCollect dispatches on the stored type tag. Each handler takes its
// own locks and is a no-op when the object is no longer owned by
// presumedOwner.
func (gc *GarbageCollector) garbageCollect(ctx context.Context, typ ObjectType, address, presumedOwner string) error {
	switch typ {
	case TypeAgent:
		return gc.collectAgent(ctx, address, presumedOwner)
	case TypeAgentRegister:
		return gc.collectAgentRegister(ctx, address, presumedOwner)
	case TypeRetrieveQueue:
		return gc.collectQueue(ctx, RetrieveQueueKind, address, presumedOwner)
	case TypeArchiveQueue:
		return gc.collectQueue(ctx, ArchiveQueueKind, address, presumedOwner)
	case TypeRepackQueue:
		return gc.collectQueue(ctx, RepackQueueKind, address, presumedOwner)
	case TypeRetrieveRequest, TypeArchiveRequest, TypeRepackRequest:
		return gc.collectRequest(ctx, typ, address, presumedOwner)
	case TypeDriveRegister:
		return gc.collectDriveRegister(ctx, address, presumedOwner)
	case TypeRootEntry:
		return core.NewInconsistentError("Root entry found in an agent ownership list.",
			map[string]any{"address": address, "agent_address": presumedOwner})
	}
	return core.NewInconsistentError(fmt.Sprintf("Object '%s' has unknown type %s.", address, typ),
		map[string]any{"address": address, "type": typ.String()})
}

// collectAgent handles an agent watched by a dead collector: it goes back to
// the register as untracked.
func (gc *GarbageCollector) collectAgent(ctx context.Context, address, deadCollector string) error {
	ar, err := gc.agentRegister(ctx)
	if err != nil {
		return err
	}

	ag := NewAgent(address, gc.be)
	lk, err := LockExclusive(ctx, ag)
	if core.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer lk.Release(ctx)
	if err := ag.Fetch(ctx); err != nil {
		return err
	}
	owner := ag.Owner()
	if owner == deadCollector {
		ag.SetOwner(ar.Address())
		if err := ag.Commit(ctx); err != nil {
			return err
		}
		owner = ar.Address()
	}
	if err := lk.Release(ctx); err != nil {
		return err
	}
	if owner != ar.Address() {
		return nil
	}

	gc.log.Info("returning agent of dead collector to register", "watched_agent", address, "dead_agent", deadCollector)
	return gc.updateRegister(ctx, ar.Address(), func(r *AgentRegister) {
		if c, ok := r.Collector(address); ok && c == deadCollector {
			r.UntrackAgent(address)
		}
	})
}

// collectAgentRegister finishes an interrupted register creation, or
// removes an empty register the root entry does not reference.
func (gc *GarbageCollector) collectAgentRegister(ctx context.Context, address, deadAgent string) error {
	re := NewRootEntry(gc.be)
	rlk, err := LockExclusive(ctx, re)
	if err != nil {
		return fmt.Errorf("locking root entry: %w", err)
	}
	defer rlk.Release(ctx)
	if err := re.Fetch(ctx); err != nil {
		return err
	}

	referenced := re.payload.AgentRegisterAddress == address
	if !referenced && re.payload.AgentRegisterAddress == "" && re.payload.AgentRegisterIntent == address {
		if _, err := re.AddOrGetAgentRegisterPointerAndCommit(ctx, gc.agentRef); err != nil {
			return err
		}
		return nil
	}

	ar := NewAgentRegister(address, gc.be)
	arlk, err := LockExclusive(ctx, ar)
	if core.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer arlk.Release(ctx)
	if err := ar.Fetch(ctx); err != nil {
		return err
	}
	if ar.Owner() != deadAgent {
		return nil
	}
	if referenced {
		ar.SetOwner(RootAddress)
		return ar.Commit(ctx)
	}
	if !ar.IsEmpty() {
		gc.log.Warn("leaving unreferenced non-empty agent register", "register_address", address, "agents", len(ar.GetAgents()))
		return nil
	}
	gc.log.Info("removing unreferenced agent register", "register_address", address)
	return ar.Remove(ctx)
}

// collectQueue hands an interrupted queue creation to the root entry, or
// merges an unreferenced queue into the registered one for its key.
func (gc *GarbageCollector) collectQueue(ctx context.Context, kind QueueKind, address, deadAgent string) error {
	q := NewQueue(kind, address, gc.be)
	qlk, err := LockExclusive(ctx, q)
	if core.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer qlk.Release(ctx)
	if err := q.Fetch(ctx); err != nil {
		return err
	}
	if q.Owner() != deadAgent {
		return nil
	}

	re := NewRootEntry(gc.be)
	if err := re.FetchNoLock(ctx); err != nil {
		return fmt.Errorf("fetching root entry: %w", err)
	}
	if registered, err := re.QueueAddress(kind, q.Key(), q.QueueType()); err == nil && registered == address {
		q.SetOwner(RootAddress)
		return q.Commit(ctx)
	}
	if q.IsEmpty() {
		gc.log.Info("removing unreferenced queue", "queue_address", address)
		return q.Remove(ctx)
	}

	key, qt, jobs := q.Key(), q.QueueType(), q.Jobs()
	if err := qlk.Release(ctx); err != nil {
		return err
	}
	elems := make([]InsertedElement, 0, len(jobs))
	for _, j := range jobs {
		elems = append(elems, InsertedElement{Address: j.Address, CopyNb: j.CopyNb, Size: j.Size, Priority: j.Priority, StartTime: j.StartTime})
	}
	gc.log.Info("merging unreferenced queue", "queue_address", address, "key", key, "queue_type", qt.String(), "jobs", len(jobs))
	err = gc.requeue(ctx, queueTarget{kind: kind, key: key, qt: qt}, address, elems)
	if !OnlyLostRaces(err) {
		return err
	}

	q = NewQueue(kind, address, gc.be)
	qlk, err = LockExclusive(ctx, q)
	if core.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer qlk.Release(ctx)
	if err := q.Fetch(ctx); err != nil {
		return err
	}
	return q.Remove(ctx)
}

// collectRequest requeues a single request owned by deadAgent.
func (gc *GarbageCollector) collectRequest(ctx context.Context, typ ObjectType, address, deadAgent string) error {
	s := newRequeueSorter()
	if _, err := gc.sortRequest(ctx, s, typ, address, deadAgent); err != nil {
		return err
	}
	_, err := gc.flushSorter(ctx, s, deadAgent)
	return err
}

// sortRequest adds the jobs of a request still owned by deadAgent to s. It
// reports false when typ is not a queueable request.
func (gc *GarbageCollector) sortRequest(ctx context.Context, s *requeueSorter, typ ObjectType, address, deadAgent string) (bool, error) {
	switch typ {
	case TypeRetrieveRequest:
		return true, gc.sortRetrieveRequest(ctx, s, address, deadAgent)
	case TypeArchiveRequest:
		return true, gc.sortArchiveRequest(ctx, s, address, deadAgent)
	case TypeRepackRequest:
		return true, gc.sortRepackRequest(ctx, s, address, deadAgent)
	}
	return false, nil
}

// sortRetrieveRequest picks the queue of a retrieve request owned by a dead
// agent according to the status of its active job.
func (gc *GarbageCollector) sortRetrieveRequest(ctx context.Context, s *requeueSorter, address, deadAgent string) error {
	req := NewRetrieveRequest(address, gc.be)
	lk, err := LockExclusive(ctx, req)
	if core.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer lk.Release(ctx)
	if err := req.Fetch(ctx); err != nil {
		return err
	}
	if req.Owner() != deadAgent {
		return nil
	}
	if err := lk.Release(ctx); err != nil {
		return err
	}

	status := JobToTransfer
	if job, ok := req.ActiveJob(); ok {
		status = job.Status
	}
	elem := InsertedElement{
		Address:   address,
		CopyNb:    req.ActiveCopyNb(),
		Size:      req.FileSize(),
		Priority:  req.Priority(),
		StartTime: req.CreationTime(),
	}
	activeVID := ""
	if tf, ok := req.TapeFile(req.ActiveCopyNb()); ok {
		activeVID = tf.VID
	} else if files := req.TapeFiles(); len(files) > 0 {
		activeVID = files[0].VID
		elem.CopyNb = files[0].CopyNb
	}

	var (
		key = activeVID
		qt  QueueType
	)
	if status == JobToTransfer {
		best, err := SelectBestReplica(ctx, gc.states, req.TapeFiles(), "")
		switch {
		case err == nil:
			key, qt, elem.CopyNb = best.VID, QueuePendingTransfer, best.CopyNb
		case core.IsNotFound(err):
			failed := JobToReportForFailure
			qt = QueueToReportToUser
			elem.NewStatus = &failed
			elem.FailureLog = "no eligible replica after agent failure"
		default:
			return err
		}
	} else {
		qt, err = QueueTypeFor(RetrieveQueueKind, status)
		if err != nil {
			return err
		}
	}
	if key == "" {
		return core.NewInconsistentError("Retrieve request without tape files.", map[string]any{"address": address})
	}

	gc.log.Debug("sorting retrieve request", "request_address", address, "vid", key, "queue_type", qt.String(), "copy_nb", elem.CopyNb)
	s.add(queueTarget{kind: RetrieveQueueKind, key: key, qt: qt}, elem)
	return nil
}

// sortArchiveRequest sorts every job of an archive request still owned by
// the dead agent to the queue of its tape pool matching its status.
func (gc *GarbageCollector) sortArchiveRequest(ctx context.Context, s *requeueSorter, address, deadAgent string) error {
	req := NewArchiveRequest(address, gc.be)
	lk, err := LockExclusive(ctx, req)
	if core.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer lk.Release(ctx)
	if err := req.Fetch(ctx); err != nil {
		return err
	}
	jobs := req.Jobs()
	if err := lk.Release(ctx); err != nil {
		return err
	}

	for _, j := range jobs {
		if j.Owner != deadAgent {
			continue
		}
		qt, err := QueueTypeFor(ArchiveQueueKind, j.Status)
		if err != nil {
			return err
		}
		elem := InsertedElement{
			Address:   address,
			CopyNb:    j.CopyNb,
			Size:      req.FileSize(),
			Priority:  req.Priority(),
			StartTime: req.CreationTime(),
		}
		gc.log.Debug("sorting archive job", "request_address", address, "tape_pool", j.TapePool, "queue_type", qt.String(), "copy_nb", j.CopyNb)
		s.add(queueTarget{kind: ArchiveQueueKind, key: j.TapePool, qt: qt}, elem)
	}
	return nil
}

// sortRepackRequest sorts a repack request owned by the dead agent to the
// repack queue matching its status. A request whose expansion finished has
// no queue: the collector takes it over and leaves it as it is.
func (gc *GarbageCollector) sortRepackRequest(ctx context.Context, s *requeueSorter, address, deadAgent string) error {
	req := NewRepackRequest(address, gc.be)
	lk, err := LockExclusive(ctx, req)
	if core.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer lk.Release(ctx)
	if err := req.Fetch(ctx); err != nil {
		return err
	}
	if req.Owner() != deadAgent {
		return nil
	}

	qt, qerr := req.QueueType()
	if qerr != nil {
		if err := gc.agentRef.AddToOwnership(ctx, gc.be, address); err != nil {
			return err
		}
		req.SetOwner(gc.agentRef.Address())
		if err := req.Commit(ctx); err != nil {
			return err
		}
		gc.log.Warn("failed to requeue repack request, leaving it with the collector", "request_address", address,
			"vid", req.VID(), "status", req.Status().String(), "error", qerr)
		return nil
	}
	if qt == QueueRepackToExpand && req.Status() != RepackToExpand {
		req.SetStatus(RepackToExpand)
		if err := req.Commit(ctx); err != nil {
			return err
		}
	}
	gc.log.Debug("sorting repack request", "request_address", address, "vid", req.VID(), "queue_type", qt.String())
	s.add(queueTarget{kind: RepackQueueKind, key: RepackQueueKey, qt: qt}, InsertedElement{
		Address:   address,
		Priority:  req.Priority(),
		StartTime: req.CreationTime(),
	})
	return nil
}

// collectDriveRegister hands an interrupted drive register creation to the
// root entry, or removes a register the root entry does not reference.
func (gc *GarbageCollector) collectDriveRegister(ctx context.Context, address, deadAgent string) error {
	re := NewRootEntry(gc.be)
	if err := re.FetchNoLock(ctx); err != nil && !core.IsNotFound(err) {
		return fmt.Errorf("fetching root entry: %w", err)
	}
	referenced := re.payload.DriveRegisterAddress == address

	dr := NewDriveRegister(address, gc.be)
	lk, err := LockExclusive(ctx, dr)
	if core.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer lk.Release(ctx)
	if err := dr.Fetch(ctx); err != nil {
		return err
	}
	if dr.Owner() != deadAgent {
		return nil
	}
	if referenced {
		dr.SetOwner(RootAddress)
		return dr.Commit(ctx)
	}
	gc.log.Info("removing unreferenced drive register", "register_address", address)
	return dr.Remove(ctx)
}
