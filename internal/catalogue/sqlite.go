package catalogue

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

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/cern-cta/CTA-sub017/internal/core"
)

// SQLite is a catalogue persisted in a SQLite database.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLite opens the catalogue database at path, creating the schema if
// needed.
func NewSQLite(path string) (*SQLite, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	return open(path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path, false)
}

// NewInMemory opens a catalogue in a private in-memory database. Each call
// gets its own uniquely named database and its own schema.
func NewInMemory() (*SQLite, error) {
	name := uuid.NewString()
	return open("file:"+name+"?mode=memory&cache=shared", "memory:"+name, true)
}

func open(dsn, label string, memory bool) (*SQLite, error) {
	logger := slog.Default().With("component", "catalogue")

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if memory {
		// The database lives as long as one connection holds it open.
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	}

	c := &SQLite{db: db, logger: logger}
	if err := c.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	logger.Info("tape catalogue initialized", "database", label)
	return c, nil
}

func (c *SQLite) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tapes (
			vid TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			state_reason TEXT NOT NULL DEFAULT '',
			state_modified_by TEXT NOT NULL DEFAULT '',
			state_update_time DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_tapes_state ON tapes(state);
	`
	_, err := c.db.Exec(schema)
	return err
}

func (c *SQLite) Close() error {
	return c.db.Close()
}

func (c *SQLite) GetTapeState(ctx context.Context, vid string) (core.TapeState, error) {
	var state string
	err := c.db.QueryRowContext(ctx, `SELECT state FROM tapes WHERE vid = ?`, vid).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", noSuchTape(vid)
	}
	if err != nil {
		return "", fmt.Errorf("reading tape %s: %w", vid, err)
	}
	return core.TapeState(state), nil
}

func (c *SQLite) GetTapeStates(ctx context.Context, vids []string) (map[string]core.TapeState, error) {
	out := make(map[string]core.TapeState, len(vids))
	if len(vids) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(vids)), ",")
	args := make([]any, len(vids))
	for i, v := range vids {
		args[i] = v
	}
	rows, err := c.db.QueryContext(ctx, `SELECT vid, state FROM tapes WHERE vid IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("reading tape states: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var vid, state string
		if err := rows.Scan(&vid, &state); err != nil {
			return nil, fmt.Errorf("scanning tape state: %w", err)
		}
		out[vid] = core.TapeState(state)
	}
	return out, rows.Err()
}

func (c *SQLite) ModifyTapeState(ctx context.Context, admin core.SecurityIdentity, vid string, state core.TapeState, prev *core.TapeState, reason string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT state FROM tapes WHERE vid = ?`, vid).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return noSuchTape(vid)
	}
	if err != nil {
		return fmt.Errorf("reading tape %s: %w", vid, err)
	}
	if prev != nil && core.TapeState(current) != *prev {
		return newPrevMismatchError(vid, *prev, core.TapeState(current))
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE tapes SET state = ?, state_reason = ?, state_modified_by = ?, state_update_time = ? WHERE vid = ?`,
		string(state), reason, admin.String(), time.Now().UTC(), vid)
	if err != nil {
		return fmt.Errorf("updating tape %s: %w", vid, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing tape %s: %w", vid, err)
	}
	c.logger.Info("tape state modified", "vid", vid, "state", state, "previous_state", current, "requested_by", admin.String())
	return nil
}

func (c *SQLite) CreateTape(ctx context.Context, admin core.SecurityIdentity, vid string, state core.TapeState) error {
	res, err := c.db.ExecContext(ctx,
		`INSERT INTO tapes (vid, state, state_modified_by, state_update_time) VALUES (?, ?, ?, ?) ON CONFLICT(vid) DO NOTHING`,
		vid, string(state), admin.String(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("creating tape %s: %w", vid, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("creating tape %s: %w", vid, err)
	}
	if n == 0 {
		return core.NewAlreadyExistsError("Tape", vid)
	}
	return nil
}

func (c *SQLite) ListTapes(ctx context.Context) ([]Tape, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT vid, state, state_reason, state_modified_by, state_update_time FROM tapes ORDER BY vid`)
	if err != nil {
		return nil, fmt.Errorf("listing tapes: %w", err)
	}
	defer rows.Close()

	var out []Tape
	for rows.Next() {
		var (
			t     Tape
			state string
		)
		if err := rows.Scan(&t.VID, &state, &t.StateReason, &t.StateModifiedBy, &t.StateUpdateTime); err != nil {
			return nil, fmt.Errorf("scanning tape: %w", err)
		}
		t.State = core.TapeState(state)
		out = append(out, t)
	}
	return out, rows.Err()
}
