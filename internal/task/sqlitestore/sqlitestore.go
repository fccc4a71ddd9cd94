// Package sqlitestore is a task.Store on an embedded SQLite database.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/UniQw/uniqw-lectures/internal/apperr"
	"github.com/UniQw/uniqw-lectures/internal/task"
)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

const schema = `CREATE TABLE IF NOT EXISTS %s (
    id         TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL,
    name       TEXT NOT NULL,
    url        TEXT NOT NULL,
    status     TEXT NOT NULL,
    pdf        TEXT,
    error      TEXT
)`

// Store is a task.Store backed by SQLite.
type Store struct {
	db    *sql.DB
	table string
}

// Open opens (creating if needed) the database at path and ensures the table exists.
func Open(ctx context.Context, path, table string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(schema, table)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_created_at ON %s (created_at)", table, table)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}
	return &Store{db: db, table: table}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Store) Create(ctx context.Context, t task.Task) error {
	_, err := s.exec(ctx,
		`INSERT INTO `+s.table+` (id, created_at, name, url, status) VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.CreatedAt.UnixMicro(), t.Name, t.SourceURL, string(t.Status),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return task.ErrExists
		}
		return apperr.Wrap(apperr.ErrStorage, "sqlitestore", "create", err)
	}
	return nil
}

const columns = `id, created_at, name, url, status, pdf, error`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (task.Task, error) {
	var (
		t        task.Task
		created  int64
		status   string
		pdf, msg sql.NullString
	)
	if err := row.Scan(&t.ID, &created, &t.Name, &t.SourceURL, &status, &pdf, &msg); err != nil {
		return task.Task{}, err
	}
	st, err := task.ParseStatus(status)
	if err != nil {
		return task.Task{}, err
	}
	t.Status = st
	t.CreatedAt = time.UnixMicro(created).UTC()
	if pdf.Valid {
		t.ArtifactRef = &pdf.String
	}
	if msg.Valid {
		t.Error = &msg.String
	}
	return t, nil
}

func (s *Store) Get(ctx context.Context, id string) (task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM `+s.table+` WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, task.ErrNotFound
	}
	if err != nil {
		return task.Task{}, apperr.Wrap(apperr.ErrStorage, "sqlitestore", "get", err)
	}
	return t, nil
}

func (s *Store) List(ctx context.Context) ([]task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+columns+` FROM `+s.table+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, "sqlitestore", "list", err)
	}
	defer rows.Close()

	out := []task.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.ErrStorage, "sqlitestore", "scan", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, "sqlitestore", "list", err)
	}
	return out, nil
}

func (s *Store) MarkProcessing(ctx context.Context, id string) (bool, error) {
	return s.update(ctx, id,
		`UPDATE `+s.table+` SET status = ? WHERE id = ? AND status NOT IN (?, ?)`,
		string(task.StatusProcessing), id, string(task.StatusFailed), string(task.StatusDone))
}

func (s *Store) MarkDone(ctx context.Context, id, artifactRef string) (bool, error) {
	return s.update(ctx, id,
		`UPDATE `+s.table+` SET status = ?, pdf = ? WHERE id = ? AND status <> ?`,
		string(task.StatusDone), artifactRef, id, string(task.StatusFailed))
}

func (s *Store) MarkFailed(ctx context.Context, id, message string) (bool, error) {
	return s.update(ctx, id,
		`UPDATE `+s.table+` SET status = ?, error = ?, pdf = NULL WHERE id = ? AND status <> ?`,
		string(task.StatusFailed), task.TruncateError(message), id, string(task.StatusFailed))
}

// update runs a conditional single-row update. Zero affected rows means
// either the guard rejected it or the row is missing; a lookup tells which.
func (s *Store) update(ctx context.Context, id, query string, args ...any) (bool, error) {
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return false, apperr.Wrap(apperr.ErrStorage, "sqlitestore", "update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Wrap(apperr.ErrStorage, "sqlitestore", "rows affected", err)
	}
	if n > 0 {
		return true, nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM `+s.table+` WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, task.ErrNotFound
	}
	if err != nil {
		return false, apperr.Wrap(apperr.ErrStorage, "sqlitestore", "lookup", err)
	}
	return false, nil
}
