package core

import (
	"fmt"
	"strings"
)

// TapeState is the operational state of a tape as stored in the catalogue.
type TapeState string

// Tape states. The *_PENDING states mark a transition whose queue cleanup has
// not completed yet.
const (
	TapeActive            TapeState = "ACTIVE"
	TapeDisabled          TapeState = "DISABLED"
	TapeRepacking         TapeState = "REPACKING"
	TapeRepackingPending  TapeState = "REPACKING_PENDING"
	TapeRepackingDisabled TapeState = "REPACKING_DISABLED"
	TapeBroken            TapeState = "BROKEN"
	TapeBrokenPending     TapeState = "BROKEN_PENDING"
	TapeExported          TapeState = "EXPORTED"
	TapeExportedPending   TapeState = "EXPORTED_PENDING"
)

var allTapeStates = []TapeState{
	TapeActive, TapeDisabled,
	TapeRepacking, TapeRepackingPending, TapeRepackingDisabled,
	TapeBroken, TapeBrokenPending,
	TapeExported, TapeExportedPending,
}

// AllTapeStates returns every known state.
func AllTapeStates() []TapeState {
	out := make([]TapeState, len(allTapeStates))
	copy(out, allTapeStates)
	return out
}

// ParseTapeState parses a state name, case-insensitively.
func ParseTapeState(s string) (TapeState, error) {
	up := TapeState(strings.ToUpper(strings.TrimSpace(s)))
	for _, st := range allTapeStates {
		if st == up {
			return st, nil
		}
	}
	return "", NewInvalidRequestError(fmt.Sprintf("Unknown tape state '%s'.", s), map[string]any{"state": s})
}

// IsPending reports whether s is a transitional *_PENDING state.
func (s TapeState) IsPending() bool {
	return s == TapeRepackingPending || s == TapeBrokenPending || s == TapeExportedPending
}

// PendingState returns the *_PENDING state that precedes s, if any.
func (s TapeState) PendingState() (TapeState, bool) {
	switch s {
	case TapeRepacking:
		return TapeRepackingPending, true
	case TapeBroken:
		return TapeBrokenPending, true
	case TapeExported:
		return TapeExportedPending, true
	}
	return "", false
}

// SettledState returns the state a *_PENDING state settles into once the
// queues of the tape have been cleaned up.
func (s TapeState) SettledState() (TapeState, bool) {
	switch s {
	case TapeRepackingPending:
		return TapeRepacking, true
	case TapeBrokenPending:
		return TapeBroken, true
	case TapeExportedPending:
		return TapeExported, true
	}
	return "", false
}

// RetrieveRank orders states by preference as a retrieve destination.
// Lower is better; ok is false for states that cannot serve user retrieves.
func (s TapeState) RetrieveRank() (rank int, ok bool) {
	switch s {
	case TapeActive:
		return 0, true
	case TapeDisabled:
		return 1, true
	}
	return 0, false
}

// SecurityIdentity identifies who requested a change.
type SecurityIdentity struct {
	Username string `json:"username"`
	Host     string `json:"host"`
}

func (id SecurityIdentity) String() string {
	return id.Username + "@" + id.Host
}

// TapeStateEvent is emitted whenever a tape state change is accepted.
type TapeStateEvent struct {
	VID           string    `json:"vid"`
	PreviousState TapeState `json:"previous_state"`
	State         TapeState `json:"state"`
	Reason        string    `json:"reason,omitempty"`
	Cleanup       bool      `json:"cleanup"`
	RequestedBy   string    `json:"requested_by,omitempty"`
	Time          string    `json:"time"`
}

// ValidateVID checks that a tape VID can be embedded in object names and
// message subjects.
func ValidateVID(vid string) *Error {
	if vid == "" {
		return NewInvalidRequestError("VID must not be empty.", nil)
	}
	if len(vid) > 100 {
		return NewInvalidRequestError("VID is too long.", map[string]any{"vid": vid})
	}
	if strings.ContainsAny(vid, " \t\n/.*>") {
		return NewInvalidRequestError(fmt.Sprintf("VID '%s' contains forbidden characters.", vid), map[string]any{"vid": vid})
	}
	return nil
}
