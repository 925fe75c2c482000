package rdbms

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cern-cta/CTA-sub017/internal/core"
)

// sqliteRecords stores lock records in the locks table. The rev column is
// bumped on every update and used as the compare-and-swap token.
type sqliteRecords struct {
	db *sql.DB
}

func (r sqliteRecords) GetRecord(ctx context.Context, key string) ([]byte, uint64, error) {
	var (
		data []byte
		rev  int64
	)
	err := r.db.QueryRowContext(ctx, `SELECT data, rev FROM locks WHERE name = ?`, key).Scan(&data, &rev)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, core.NewNotFoundError("LockRecord", key)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("reading lock record %s: %w", key, err)
	}
	return data, uint64(rev), nil
}

func (r sqliteRecords) CreateRecord(ctx context.Context, key string, data []byte) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO locks (name, data, rev) VALUES (?, ?, 1)`, key, data)
	if isConstraintViolation(err) {
		return core.NewAlreadyExistsError("LockRecord", key)
	}
	if err != nil {
		return fmt.Errorf("creating lock record %s: %w", key, err)
	}
	return nil
}

func (r sqliteRecords) UpdateRecord(ctx context.Context, key string, data []byte, rev uint64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE locks SET data = ?, rev = rev + 1 WHERE name = ? AND rev = ?`, data, key, int64(rev))
	if err != nil {
		return fmt.Errorf("updating lock record %s: %w", key, err)
	}
	return casResult(res, key)
}

func (r sqliteRecords) DeleteRecord(ctx context.Context, key string, rev uint64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM locks WHERE name = ? AND rev = ?`, key, int64(rev))
	if err != nil {
		return fmt.Errorf("deleting lock record %s: %w", key, err)
	}
	return casResult(res, key)
}

func casResult(res sql.Result, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.NewConflictError("Lock record changed concurrently.", map[string]any{"resource_id": key})
	}
	return nil
}
