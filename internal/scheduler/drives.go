package scheduler

import (
	"context"
	"fmt"

	"github.com/cern-cta/CTA-sub017/internal/core"
	"github.com/cern-cta/CTA-sub017/internal/objectstore"
)

// ReportDriveState records the state of one drive in the drive register,
// creating the register on first use.
func (db *DB) ReportDriveState(ctx context.Context, d objectstore.DriveState) error {
	if d.Name == "" {
		return core.NewInvalidRequestError("Drive state without drive name.", nil)
	}
	switch d.Status {
	case objectstore.DriveUp, objectstore.DriveDown, objectstore.DriveDraining:
	default:
		return core.NewInvalidRequestError(fmt.Sprintf("Unknown drive status '%s'.", d.Status),
			map[string]any{"drive": d.Name, "status": string(d.Status)})
	}
	if d.LastUpdate == 0 {
		d.LastUpdate = db.clock.Now().Unix()
	}

	address, err := db.driveRegisterAddress(ctx)
	if err != nil {
		return err
	}
	dr := objectstore.NewDriveRegister(address, db.be)
	lk, err := objectstore.LockExclusive(ctx, dr)
	if err != nil {
		return fmt.Errorf("locking drive register: %w", err)
	}
	defer lk.Release(ctx)
	if err := dr.Fetch(ctx); err != nil {
		return err
	}
	dr.SetDriveState(d)
	if err := dr.Commit(ctx); err != nil {
		return err
	}
	db.log.Debug("recorded drive state", "drive", d.Name, "status", string(d.Status))
	return nil
}

// ListDrives returns the last reported state of every drive.
func (db *DB) ListDrives(ctx context.Context) ([]objectstore.DriveState, error) {
	re := objectstore.NewRootEntry(db.be)
	if err := re.FetchNoLock(ctx); err != nil {
		if core.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching root entry: %w", err)
	}
	address, err := re.DriveRegisterAddress()
	if core.IsNotFound(err) {
		return nil, nil
	}
	dr := objectstore.NewDriveRegister(address, db.be)
	if err := dr.FetchNoLock(ctx); err != nil {
		if core.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return dr.Drives(), nil
}

func (db *DB) driveRegisterAddress(ctx context.Context) (string, error) {
	re := objectstore.NewRootEntry(db.be)
	if err := re.FetchNoLock(ctx); err != nil {
		return "", fmt.Errorf("fetching root entry: %w", err)
	}
	if address, err := re.DriveRegisterAddress(); err == nil {
		return address, nil
	}
	rlk, err := objectstore.LockExclusive(ctx, re)
	if err != nil {
		return "", fmt.Errorf("locking root entry: %w", err)
	}
	defer rlk.Release(ctx)
	if err := re.Fetch(ctx); err != nil {
		return "", fmt.Errorf("fetching root entry: %w", err)
	}
	return re.AddOrGetDriveRegisterPointerAndCommit(ctx, db.agentRef)
}
