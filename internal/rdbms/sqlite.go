// Package rdbms stores objects and lock records in SQLite.
package rdbms

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cern-cta/CTA-sub017/internal/backend"
	"github.com/cern-cta/CTA-sub017/internal/core"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteBackend implements backend.Backend on a SQLite database.
type SQLiteBackend struct {
	db     *sql.DB
	path   string
	locker *backend.RecordLocker
	logger *slog.Logger
}

// NewSQLiteBackend opens (creating if needed) the database at path.
// MemoryPath gives a database private to the returned backend.
func NewSQLiteBackend(path string, opts ...backend.LockerOption) (*SQLiteBackend, error) {
	logger := slog.Default().With("component", "rdbms")

	var dsn string
	if path == MemoryPath {
		dsn = MemoryPath
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == MemoryPath {
		// Every connection to :memory: is a distinct database.
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	}

	b := &SQLiteBackend{db: db, path: path, logger: logger}
	if err := b.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	b.locker = backend.NewRecordLocker(sqliteRecords{db: db}, b.Exists, opts...)

	logger.Info("SQLite object store initialized", "path", path)
	return b, nil
}

func (b *SQLiteBackend) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS objects (
			name TEXT PRIMARY KEY,
			payload BLOB NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS locks (
			name TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			rev INTEGER NOT NULL
		);
	`
	_, err := b.db.Exec(schema)
	return err
}

func (b *SQLiteBackend) Create(ctx context.Context, name string, payload []byte) error {
	res, err := b.db.ExecContext(ctx,
		`INSERT INTO objects (name, payload, updated_at) VALUES (?, ?, ?) ON CONFLICT(name) DO NOTHING`,
		name, nonNil(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("inserting object %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("inserting object %s: %w", name, err)
	}
	if n == 0 {
		return core.NewAlreadyExistsError("Object", name)
	}
	return nil
}

func (b *SQLiteBackend) Exists(ctx context.Context, name string) (bool, error) {
	var one int
	err := b.db.QueryRowContext(ctx, `SELECT 1 FROM objects WHERE name = ?`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking object %s: %w", name, err)
	}
	return true, nil
}

func (b *SQLiteBackend) Read(ctx context.Context, name string) ([]byte, error) {
	var payload []byte
	err := b.db.QueryRowContext(ctx, `SELECT payload FROM objects WHERE name = ?`, name).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewNoSuchObjectError(name)
	}
	if err != nil {
		return nil, fmt.Errorf("reading object %s: %w", name, err)
	}
	return payload, nil
}

func (b *SQLiteBackend) Write(ctx context.Context, name string, payload []byte) error {
	res, err := b.db.ExecContext(ctx,
		`UPDATE objects SET payload = ?, updated_at = ? WHERE name = ?`,
		nonNil(payload), time.Now().UTC(), name)
	if err != nil {
		return fmt.Errorf("writing object %s: %w", name, err)
	}
	return requireRow(res, name)
}

func (b *SQLiteBackend) Remove(ctx context.Context, name string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM objects WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("removing object %s: %w", name, err)
	}
	return requireRow(res, name)
}

func (b *SQLiteBackend) List(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT name FROM objects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing objects: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning object name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (b *SQLiteBackend) LockExclusive(ctx context.Context, name string, timeout time.Duration) (backend.Lock, error) {
	return b.locker.Lock(ctx, name, backend.LockExclusive, timeout)
}

func (b *SQLiteBackend) LockShared(ctx context.Context, name string, timeout time.Duration) (backend.Lock, error) {
	return b.locker.Lock(ctx, name, backend.LockShared, timeout)
}

func (b *SQLiteBackend) LockState(ctx context.Context, name string) (*backend.LockInfo, error) {
	return b.locker.State(ctx, name)
}

func (b *SQLiteBackend) Describe() string {
	return "sqlite(" + b.path + ")"
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func requireRow(res sql.Result, name string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.NewNoSuchObjectError(name)
	}
	return nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// isConstraintViolation reports whether err is a uniqueness failure.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed")
}
