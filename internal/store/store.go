package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cusdeb/dominion/internal/build"
	"github.com/cusdeb/dominion/internal/paths"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("build not found")
	ErrExists   = errors.New("build already exists")
)

type Store interface {
	Create(ctx context.Context, record build.Record) error
	Get(ctx context.Context, id build.ID) (build.Record, error)
	List(ctx context.Context, opts ListOptions) ([]build.Record, error)
	ClaimNext(ctx context.Context, slots int, now time.Time) (build.Record, bool, error)
	Finish(ctx context.Context, id build.ID, status build.Status, log string, now time.Time) (bool, error)
	Close() error
}

type ListOptions struct {
	Status build.Status
	Limit  int
}

const recordColumns = `id, user_id, status, config_json, created_at_unix_nano, started_at_unix_nano, finished_at_unix_nano, log`

// SQLite keeps build records in a single sqlite database. All access goes
// through one connection, which serialises claims.
type SQLite struct {
	db   *sql.DB
	path string
}

func Open(ctx context.Context, path string) (*SQLite, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		var err error
		path, err = paths.BuildDBPath()
		if err != nil {
			return nil, fmt.Errorf("resolve build database path: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create build database directory for %q: %w", path, err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open build database %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, path: path}
	if err := s.initDB(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Path() string {
	return s.path
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) initDB(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS builds (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL,
			config_json TEXT NOT NULL,
			created_at_unix_nano INTEGER NOT NULL,
			started_at_unix_nano INTEGER,
			finished_at_unix_nano INTEGER,
			log TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_builds_status_created ON builds(status, created_at_unix_nano);
	`)
	if err != nil {
		return fmt.Errorf("initialise build schema: %w", err)
	}
	return nil
}

func (s *SQLite) Create(ctx context.Context, record build.Record) error {
	if err := build.ValidateID(record.ID); err != nil {
		return err
	}
	if record.Status == "" {
		record.Status = build.StatusPending
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	configJSON, err := json.Marshal(record.Config)
	if err != nil {
		return fmt.Errorf("encode build config for %s: %w", record.ID, err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO builds (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		record.ID,
		record.UserID,
		string(record.Status),
		string(configJSON),
		record.CreatedAt.UnixNano(),
		nullableTime(record.StartedAt),
		nullableTime(record.FinishedAt),
		record.Log,
	)
	if err != nil {
		return fmt.Errorf("insert build %s: %w", record.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert build %s: %w", record.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrExists, record.ID)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, id build.ID) (build.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM builds WHERE id = ?`, id)
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return build.Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return build.Record{}, fmt.Errorf("query build %s: %w", id, err)
	}
	return record, nil
}

func (s *SQLite) List(ctx context.Context, opts ListOptions) ([]build.Record, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + recordColumns + ` FROM builds`
	args := []any{}
	if opts.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(opts.Status))
	}
	query += ` ORDER BY created_at_unix_nano DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	defer rows.Close()

	var out []build.Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan build: %w", err)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// ClaimNext marks the oldest pending build as building, but only while
// fewer than slots builds are building. The select and the update are one
// statement, so two claims can never return the same record.
func (s *SQLite) ClaimNext(ctx context.Context, slots int, now time.Time) (build.Record, bool, error) {
	if slots < 1 {
		slots = 1
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE builds
		SET status = ?, started_at_unix_nano = ?
		WHERE id = (
			SELECT id FROM builds
			WHERE status = ?
			ORDER BY created_at_unix_nano, id
			LIMIT 1
		)
		AND (SELECT COUNT(*) FROM builds WHERE status = ?) < ?
		RETURNING `+recordColumns,
		string(build.StatusBuilding),
		now.UnixNano(),
		string(build.StatusPending),
		string(build.StatusBuilding),
		slots,
	)
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return build.Record{}, false, nil
		}
		return build.Record{}, false, fmt.Errorf("claim next pending build: %w", err)
	}
	return record, true, nil
}

// Finish records the terminal state of a build. It reports false without
// changing anything when the build is already terminal.
func (s *SQLite) Finish(ctx context.Context, id build.ID, status build.Status, log string, now time.Time) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("invalid terminal status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE builds
		SET status = ?, finished_at_unix_nano = ?, log = ?
		WHERE id = ? AND status IN (?, ?)
	`,
		string(status),
		now.UnixNano(),
		log,
		id,
		string(build.StatusPending),
		string(build.StatusBuilding),
	)
	if err != nil {
		return false, fmt.Errorf("finish build %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finish build %s: %w", id, err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (build.Record, error) {
	var (
		record     build.Record
		status     string
		configJSON string
		createdAt  int64
		startedAt  sql.NullInt64
		finishedAt sql.NullInt64
	)
	if err := s.Scan(
		&record.ID,
		&record.UserID,
		&status,
		&configJSON,
		&createdAt,
		&startedAt,
		&finishedAt,
		&record.Log,
	); err != nil {
		return build.Record{}, err
	}

	record.Status = build.Status(status)
	record.CreatedAt = time.Unix(0, createdAt).UTC()
	record.StartedAt = timeFromNull(startedAt)
	record.FinishedAt = timeFromNull(finishedAt)
	if err := json.Unmarshal([]byte(configJSON), &record.Config); err != nil {
		return build.Record{}, fmt.Errorf("decode build config for %s: %w", record.ID, err)
	}
	return record, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func timeFromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}
