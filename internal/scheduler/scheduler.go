package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cern-cta/CTA-sub017/internal/catalogue"
	"github.com/cern-cta/CTA-sub017/internal/clock"
	"github.com/cern-cta/CTA-sub017/internal/core"
)

// EventPublisher receives accepted tape state changes.
type EventPublisher interface {
	PublishTapeStateChange(event *core.TapeStateEvent) error
}

// Scheduler validates tape state changes against the catalogue and arms the
// queue cleanup of the tapes that need it.
type Scheduler struct {
	db        *DB
	catalogue catalogue.Catalogue
	events    EventPublisher
	clock     clock.Clock
	log       *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithEventPublisher sets where accepted changes are published.
func WithEventPublisher(p EventPublisher) Option {
	return func(s *Scheduler) { s.events = p }
}

// WithClock sets the clock used to stamp events.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// New returns a Scheduler over db and cat.
func New(db *DB, cat catalogue.Catalogue, opts ...Option) *Scheduler {
	s := &Scheduler{db: db, catalogue: cat, clock: clock.Real(), log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "scheduler")
	return s
}

// DB returns the scheduler database.
func (s *Scheduler) DB() *DB { return s.db }

// Catalogue returns the tape catalogue.
func (s *Scheduler) Catalogue() catalogue.Catalogue { return s.catalogue }

// TriggerTapeStateChange requests that vid moves to desired.
//
// ACTIVE and DISABLED are set directly. REPACKING, BROKEN and EXPORTED go
// through their *_PENDING state and arm the cleanup of the tape's retrieve
// queue; the cleanup runner settles them. Requesting the settled state of a
// tape that is already pending re-arms the cleanup. REPACKING_DISABLED is
// only reachable from REPACKING, and a REPACKING_DISABLED tape can only go
// back to REPACKING or on to BROKEN or EXPORTED. Rejected transitions return
// an invalid_request error and leave the tape untouched.
func (s *Scheduler) TriggerTapeStateChange(ctx context.Context, admin core.SecurityIdentity, vid string, desired core.TapeState, reason string) error {
	if verr := core.ValidateVID(vid); verr != nil {
		return verr
	}
	if desired.IsPending() {
		return core.NewInvalidRequestError(
			fmt.Sprintf("Cannot request the transitional state %s.", desired),
			map[string]any{"vid": vid, "state": string(desired)})
	}
	current, err := s.catalogue.GetTapeState(ctx, vid)
	if err != nil {
		return err
	}
	log := s.log.With("vid", vid, "previous_state", string(current), "desired_state", string(desired))

	if current.IsPending() {
		settled, _ := current.SettledState()
		if desired != settled {
			return rejected(vid, current, desired)
		}
		if err := s.db.SetRetrieveQueueCleanupFlag(ctx, vid, true); err != nil {
			return fmt.Errorf("re-arming queue cleanup of %s: %w", vid, err)
		}
		log.Info("re-armed queue cleanup")
		return nil
	}
	if desired == current {
		return nil
	}

	switch {
	case desired == core.TapeRepackingDisabled && current != core.TapeRepacking:
		return rejected(vid, current, desired)
	case current == core.TapeRepackingDisabled && (desired == core.TapeActive || desired == core.TapeDisabled):
		return rejected(vid, current, desired)
	}

	next, cleanup := desired, false
	if current != core.TapeRepackingDisabled || desired != core.TapeRepacking {
		if pending, ok := desired.PendingState(); ok {
			next, cleanup = pending, true
		}
	}

	prev := current
	if err := s.catalogue.ModifyTapeState(ctx, admin, vid, next, &prev, reason); err != nil {
		return fmt.Errorf("modifying state of %s: %w", vid, err)
	}
	if cleanup {
		if err := s.db.SetRetrieveQueueCleanupFlag(ctx, vid, true); err != nil {
			return fmt.Errorf("arming queue cleanup of %s: %w", vid, err)
		}
	}
	log.Info("tape state changed", "state", string(next), "cleanup", cleanup, "requested_by", admin.String())
	s.publish(&core.TapeStateEvent{
		VID:           vid,
		PreviousState: current,
		State:         next,
		Reason:        reason,
		Cleanup:       cleanup,
		RequestedBy:   admin.String(),
		Time:          core.FormatTime(s.clock.Now()),
	})
	return nil
}

// SettleTapeState moves vid from its *_PENDING state to the settled state
// and publishes the change. The catalogue refuses the change if the tape
// left the pending state meanwhile.
func (s *Scheduler) SettleTapeState(ctx context.Context, admin core.SecurityIdentity, vid string, pending core.TapeState) (core.TapeState, error) {
	settled, ok := pending.SettledState()
	if !ok {
		return "", core.NewInvalidRequestError(fmt.Sprintf("State %s is not transitional.", pending), map[string]any{"vid": vid})
	}
	prev := pending
	if err := s.catalogue.ModifyTapeState(ctx, admin, vid, settled, &prev, ""); err != nil {
		return "", err
	}
	s.publish(&core.TapeStateEvent{
		VID:           vid,
		PreviousState: pending,
		State:         settled,
		RequestedBy:   admin.String(),
		Time:          core.FormatTime(s.clock.Now()),
	})
	return settled, nil
}

func (s *Scheduler) publish(event *core.TapeStateEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishTapeStateChange(event); err != nil {
		s.log.Warn("failed to publish tape state change", "vid", event.VID, "error", err)
	}
}

func rejected(vid string, current, desired core.TapeState) error {
	return core.NewInvalidRequestError(
		fmt.Sprintf("Cannot change the state of tape %s from %s to %s.", vid, current, desired),
		map[string]any{"vid": vid, "current_state": string(current), "desired_state": string(desired)})
}
