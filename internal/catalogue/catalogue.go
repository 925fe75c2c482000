// Package catalogue is the tape catalogue boundary: the source of truth for
// tape states consumed by the scheduler and the queue cleanup runner.
package catalogue

import (
	"context"
	"fmt"
	"time"

	"github.com/cern-cta/CTA-sub017/internal/core"
)

// Tape is one catalogue entry.
type Tape struct {
	VID             string         `json:"vid"`
	State           core.TapeState `json:"state"`
	StateReason     string         `json:"state_reason,omitempty"`
	StateModifiedBy string         `json:"state_modified_by,omitempty"`
	StateUpdateTime time.Time      `json:"state_update_time"`
}

// Catalogue is the subset of the tape catalogue the core needs.
type Catalogue interface {
	GetTapeState(ctx context.Context, vid string) (core.TapeState, error)
	// GetTapeStates returns the states of the known vids; unknown vids are
	// absent from the result.
	GetTapeStates(ctx context.Context, vids []string) (map[string]core.TapeState, error)
	// ModifyTapeState sets the state of vid. When prev is non-nil the change
	// only happens if the current state equals *prev.
	ModifyTapeState(ctx context.Context, admin core.SecurityIdentity, vid string, state core.TapeState, prev *core.TapeState, reason string) error
	CreateTape(ctx context.Context, admin core.SecurityIdentity, vid string, state core.TapeState) error
	ListTapes(ctx context.Context) ([]Tape, error)
}

func newPrevMismatchError(vid string, expected, actual core.TapeState) *core.Error {
	return core.NewConflictError(
		fmt.Sprintf("Tape '%s' is in state %s, expected %s.", vid, actual, expected),
		map[string]any{"vid": vid, "expected_state": string(expected), "actual_state": string(actual)},
	)
}

func noSuchTape(vid string) *core.Error {
	return core.NewNotFoundError("Tape", vid)
}
