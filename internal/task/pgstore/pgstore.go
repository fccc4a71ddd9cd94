// Package pgstore is a task.Store on PostgreSQL via a pgx connection pool.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/UniQw/uniqw-lectures/internal/apperr"
	"github.com/UniQw/uniqw-lectures/internal/task"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// Store is a task.Store backed by PostgreSQL.
type Store struct {
	pool  *pgxpool.Pool
	name  string
	table string
}

// Open connects to databaseURL and ensures the table exists.
func Open(ctx context.Context, databaseURL, table string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{pool: pool, name: table, table: pgx.Identifier{table}.Sanitize()}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + s.table + ` (
			id         TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL,
			name       TEXT NOT NULL,
			url        TEXT NOT NULL,
			status     TEXT NOT NULL,
			pdf        TEXT,
			error      TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS ` + pgx.Identifier{s.name + "_created_at_idx"}.Sanitize() + ` ON ` + s.table + ` (created_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Create(ctx context.Context, t task.Task) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table+` (id, created_at, name, url, status) VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.CreatedAt, t.Name, t.SourceURL, string(t.Status),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return task.ErrExists
		}
		return apperr.Wrap(apperr.ErrStorage, "pgstore", "create", err)
	}
	return nil
}

func scanTask(row pgx.Row) (task.Task, error) {
	var (
		t      task.Task
		status string
	)
	if err := row.Scan(&t.ID, &t.CreatedAt, &t.Name, &t.SourceURL, &status, &t.ArtifactRef, &t.Error); err != nil {
		return task.Task{}, err
	}
	st, err := task.ParseStatus(status)
	if err != nil {
		return task.Task{}, err
	}
	t.Status = st
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}

const columns = `id, created_at, name, url, status, pdf, error`

func (s *Store) Get(ctx context.Context, id string) (task.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+columns+` FROM `+s.table+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return task.Task{}, task.ErrNotFound
	}
	if err != nil {
		return task.Task{}, apperr.Wrap(apperr.ErrStorage, "pgstore", "get", err)
	}
	return t, nil
}

func (s *Store) List(ctx context.Context) ([]task.Task, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+columns+` FROM `+s.table+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, "pgstore", "list", err)
	}
	defer rows.Close()

	out := []task.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.ErrStorage, "pgstore", "scan", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, "pgstore", "list", err)
	}
	return out, nil
}

func (s *Store) MarkProcessing(ctx context.Context, id string) (bool, error) {
	return s.update(ctx, `SET status = 'processing' WHERE id = $1 AND status NOT IN ('failed', 'done')`, id)
}

func (s *Store) MarkDone(ctx context.Context, id, artifactRef string) (bool, error) {
	return s.update(ctx, `SET status = 'done', pdf = $2 WHERE id = $1 AND status <> 'failed'`, id, artifactRef)
}

func (s *Store) MarkFailed(ctx context.Context, id, message string) (bool, error) {
	return s.update(ctx, `SET status = 'failed', error = $2, pdf = NULL WHERE id = $1 AND status <> 'failed'`,
		id, task.TruncateError(message))
}

// update applies a guarded update and, in the same statement, checks whether
// the row exists so a rejected update can be told apart from a missing task.
func (s *Store) update(ctx context.Context, setWhere string, args ...any) (bool, error) {
	query := `WITH upd AS (UPDATE ` + s.table + ` ` + setWhere + ` RETURNING 1)
		SELECT EXISTS (SELECT 1 FROM upd), EXISTS (SELECT 1 FROM ` + s.table + ` WHERE id = $1)`
	var applied, exists bool
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&applied, &exists); err != nil {
		return false, apperr.Wrap(apperr.ErrStorage, "pgstore", "update", err)
	}
	if !exists {
		return false, task.ErrNotFound
	}
	return applied, nil
}
