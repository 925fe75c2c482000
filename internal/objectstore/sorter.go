package objectstore

import (
	"context"
	"errors"
	"fmt"
)

// queueTarget identifies one destination queue.
type queueTarget struct {
	kind QueueKind
	key  string
	qt   QueueType
}

// requeueSorter groups the requests recovered from a dead agent by
// destination queue, so each queue is locked once per batch instead of once
// per request.
type requeueSorter struct {
	order   []queueTarget
	batches map[queueTarget][]InsertedElement
}

func newRequeueSorter() *requeueSorter {
	return &requeueSorter{batches: make(map[queueTarget][]InsertedElement)}
}

func (s *requeueSorter) add(t queueTarget, e InsertedElement) {
	if _, ok := s.batches[t]; !ok {
		s.order = append(s.order, t)
	}
	s.batches[t] = append(s.batches[t], e)
}

// Len returns the number of sorted elements.
func (s *requeueSorter) Len() int {
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

// flushSorter queues every batch of s, in the order its queues were first
// added, moving ownership away from prevOwner. It returns the addresses that
// could not be switched for another reason than a lost race: those are still
// owned by prevOwner.
func (gc *GarbageCollector) flushSorter(ctx context.Context, s *requeueSorter, prevOwner string) (map[string]bool, error) {
	failed := make(map[string]bool)
	var errs []error
	for _, t := range s.order {
		elems := s.batches[t]
		err := gc.requeue(ctx, t, prevOwner, elems)
		if OnlyLostRaces(err) {
			gc.log.Info("requeued recovered requests", "previous_owner", prevOwner, "queue_kind", t.kind.String(),
				"key", t.key, "queue_type", t.qt.String(), "elements", len(elems))
			continue
		}
		var osf *OwnershipSwitchFailure
		if errors.As(err, &osf) {
			for _, f := range osf.Failures {
				if !lostRace(f.Err) {
					failed[f.Address] = true
				}
			}
		} else {
			for _, e := range elems {
				failed[e.Address] = true
			}
		}
		errs = append(errs, fmt.Errorf("requeueing to %s queue %s/%s: %w", t.kind, t.key, t.qt, err))
	}
	return failed, errors.Join(errs...)
}

func (gc *GarbageCollector) requeue(ctx context.Context, t queueTarget, prevOwner string, elems []InsertedElement) error {
	switch t.kind {
	case ArchiveQueueKind:
		return gc.archive.ReferenceAndSwitchOwnershipIfNecessary(ctx, t.key, t.qt, prevOwner, elems)
	case RepackQueueKind:
		return gc.repack.ReferenceAndSwitchOwnershipIfNecessary(ctx, t.key, t.qt, prevOwner, elems)
	}
	return gc.retrieve.ReferenceAndSwitchOwnershipIfNecessary(ctx, t.key, t.qt, prevOwner, elems)
}
