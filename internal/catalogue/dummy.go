package catalogue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cern-cta/CTA-sub017/internal/core"
)

// Dummy is a map-backed catalogue. Tapes that were never created spring into
// existence on their first state modification.
type Dummy struct {
	mu    sync.Mutex
	tapes map[string]Tape
	now   func() time.Time
}

// NewDummy creates an empty catalogue.
func NewDummy() *Dummy {
	return &Dummy{tapes: make(map[string]Tape), now: time.Now}
}

func (d *Dummy) GetTapeState(_ context.Context, vid string) (core.TapeState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tapes[vid]
	if !ok {
		return "", noSuchTape(vid)
	}
	return t.State, nil
}

func (d *Dummy) GetTapeStates(_ context.Context, vids []string) (map[string]core.TapeState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]core.TapeState, len(vids))
	for _, vid := range vids {
		if t, ok := d.tapes[vid]; ok {
			out[vid] = t.State
		}
	}
	return out, nil
}

func (d *Dummy) ModifyTapeState(_ context.Context, admin core.SecurityIdentity, vid string, state core.TapeState, prev *core.TapeState, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tapes[vid]
	if prev != nil && (!ok || t.State != *prev) {
		return newPrevMismatchError(vid, *prev, t.State)
	}
	d.tapes[vid] = Tape{
		VID:             vid,
		State:           state,
		StateReason:     reason,
		StateModifiedBy: admin.String(),
		StateUpdateTime: d.now(),
	}
	return nil
}

func (d *Dummy) CreateTape(_ context.Context, admin core.SecurityIdentity, vid string, state core.TapeState) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tapes[vid]; ok {
		return core.NewAlreadyExistsError("Tape", vid)
	}
	d.tapes[vid] = Tape{VID: vid, State: state, StateModifiedBy: admin.String(), StateUpdateTime: d.now()}
	return nil
}

func (d *Dummy) ListTapes(_ context.Context) ([]Tape, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Tape, 0, len(d.tapes))
	for _, t := range d.tapes {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VID < out[j].VID })
	return out, nil
}
