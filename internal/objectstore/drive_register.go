package objectstore

import (
	"slices"
	"sort"

	"github.com/cern-cta/CTA-sub017/internal/backend"
)

// DriveStatus is the last state a tape drive reported.
type DriveStatus string

const (
	DriveUp       DriveStatus = "Up"
	DriveDown     DriveStatus = "Down"
	DriveDraining DriveStatus = "Draining"
)

// DriveState is one drive entry of the drive register.
type DriveState struct {
	Name       string      `cbor:"name" json:"name"`
	Host       string      `cbor:"host" json:"host"`
	Library    string      `cbor:"library" json:"library"`
	Status     DriveStatus `cbor:"status" json:"status"`
	Reason     string      `cbor:"reason,omitempty" json:"reason,omitempty"`
	LastUpdate int64       `cbor:"last_update" json:"last_update"`
}

type driveRegisterPayload struct {
	Drives []DriveState `cbor:"drives"`
}

// DriveRegister holds the reported state of every tape drive. It is
// referenced from the root entry.
type DriveRegister struct {
	object[driveRegisterPayload]
}

// NewDriveRegister returns a handle on the register at address.
func NewDriveRegister(address string, be backend.Backend) *DriveRegister {
	return &DriveRegister{object: newObject[driveRegisterPayload](be, address, TypeDriveRegister)}
}

// SetDriveState records d, replacing the entry of the same name.
func (r *DriveRegister) SetDriveState(d DriveState) {
	if i := slices.IndexFunc(r.payload.Drives, func(e DriveState) bool { return e.Name == d.Name }); i >= 0 {
		r.payload.Drives[i] = d
		return
	}
	r.payload.Drives = append(r.payload.Drives, d)
}

// RemoveDrive drops the entry of drive name.
func (r *DriveRegister) RemoveDrive(name string) {
	r.payload.Drives = slices.DeleteFunc(r.payload.Drives, func(e DriveState) bool { return e.Name == name })
}

// DriveState returns the entry of drive name.
func (r *DriveRegister) DriveState(name string) (DriveState, bool) {
	i := slices.IndexFunc(r.payload.Drives, func(e DriveState) bool { return e.Name == name })
	if i < 0 {
		return DriveState{}, false
	}
	return r.payload.Drives[i], true
}

// Drives returns the drive entries sorted by name.
func (r *DriveRegister) Drives() []DriveState {
	out := slices.Clone(r.payload.Drives)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
