// Package objectstore implements the ownership protocol on top of a
// backend.Backend: typed objects, agents and their register, queues of tape
// jobs, the container algorithms that move jobs between owners, and the
// garbage collector that recovers objects owned by dead agents.
package objectstore

import (
	"context"
	"fmt"

	"github.com/cern-cta/CTA-sub017/internal/backend"
	"github.com/cern-cta/CTA-sub017/internal/codec"
	"github.com/cern-cta/CTA-sub017/internal/core"
)

// object is the typed view of one backend entry. P is the CBOR payload.
//
// Fetch requires a lock from LockShared or LockExclusive; Commit and Remove
// require an exclusive one. FetchNoLock reads a possibly stale copy that
// must not be used for decisions.
type object[P any] struct {
	be      backend.Backend
	address string
	typ     ObjectType

	owner       string
	backupOwner string
	payload     P

	fetched bool
	noLock  bool
	locks   objectLockState
}

func newObject[P any](be backend.Backend, address string, typ ObjectType) object[P] {
	return object[P]{be: be, address: address, typ: typ}
}

func (o *object[P]) Address() string          { return o.address }
func (o *object[P]) Backend() backend.Backend { return o.be }
func (o *object[P]) Type() ObjectType         { return o.typ }

func (o *object[P]) lockState() *objectLockState { return &o.locks }

// Owner returns the owner from the last fetch or SetOwner.
func (o *object[P]) Owner() string { return o.owner }

func (o *object[P]) SetOwner(owner string) { o.owner = owner }

func (o *object[P]) BackupOwner() string { return o.backupOwner }

func (o *object[P]) SetBackupOwner(owner string) { o.backupOwner = owner }

// Exists reports whether the object is present in the backend.
func (o *object[P]) Exists(ctx context.Context) (bool, error) {
	return o.be.Exists(ctx, o.address)
}

// Fetch reads the object. The caller must hold a lock on it.
func (o *object[P]) Fetch(ctx context.Context) error {
	if err := requireLocked(o); err != nil {
		return err
	}
	if err := o.read(ctx); err != nil {
		return err
	}
	o.noLock = false
	return nil
}

// FetchNoLock reads the object without locking it.
func (o *object[P]) FetchNoLock(ctx context.Context) error {
	if err := o.read(ctx); err != nil {
		return err
	}
	o.noLock = true
	return nil
}

func (o *object[P]) read(ctx context.Context) error {
	data, err := o.be.Read(ctx, o.address)
	if err != nil {
		return err
	}
	h, err := unmarshalHeader(data)
	if err != nil {
		return fmt.Errorf("decoding %s: %w", o.address, err)
	}
	if o.typ != TypeUnknown && h.Type != o.typ {
		return core.NewInconsistentError(
			fmt.Sprintf("Object '%s' has type %s, expected %s.", o.address, h.Type, o.typ),
			map[string]any{"address": o.address, "type": h.Type.String(), "expected_type": o.typ.String()})
	}
	var p P
	if err := codec.Unmarshal(h.Payload, &p); err != nil {
		return fmt.Errorf("decoding %s payload of %s: %w", h.Type, o.address, err)
	}
	o.typ = h.Type
	o.owner = h.Owner
	o.backupOwner = h.BackupOwner
	o.payload = p
	o.fetched = true
	return nil
}

func (o *object[P]) encode() ([]byte, error) {
	payload, err := codec.Marshal(&o.payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload of %s: %w", o.typ, o.address, err)
	}
	h := header{Type: o.typ, Owner: o.owner, BackupOwner: o.backupOwner, Payload: payload}
	return h.marshal(), nil
}

// Commit writes the object back. The caller must hold an exclusive lock and
// must have fetched it under that lock.
func (o *object[P]) Commit(ctx context.Context) error {
	if err := requireExclusive(o); err != nil {
		return err
	}
	if !o.fetched || o.noLock {
		return core.NewInconsistentError("Commit of an object not fetched under lock.", map[string]any{"address": o.address})
	}
	data, err := o.encode()
	if err != nil {
		return err
	}
	if err := o.locks.refresh(ctx); err != nil {
		return fmt.Errorf("committing %s: %w", o.address, err)
	}
	return o.be.Write(ctx, o.address, data)
}

// Insert creates the object. It must not be locked.
func (o *object[P]) Insert(ctx context.Context) error {
	if o.locks.current() != 0 {
		return core.NewInconsistentError("Insert of a locked object.", map[string]any{"address": o.address})
	}
	data, err := o.encode()
	if err != nil {
		return err
	}
	if err := o.be.Create(ctx, o.address, data); err != nil {
		return err
	}
	o.fetched = true
	o.noLock = false
	return nil
}

// Remove deletes the object. The caller must hold an exclusive lock.
func (o *object[P]) Remove(ctx context.Context) error {
	if err := requireExclusive(o); err != nil {
		return err
	}
	if err := o.locks.refresh(ctx); err != nil {
		return fmt.Errorf("removing %s: %w", o.address, err)
	}
	return o.be.Remove(ctx, o.address)
}

// GenericObject reads any object to find its type tag and owner.
type GenericObject struct {
	object[codec.RawMessage]
}

// NewGenericObject returns a handle on address.
func NewGenericObject(address string, be backend.Backend) *GenericObject {
	return &GenericObject{object: newObject[codec.RawMessage](be, address, TypeUnknown)}
}
