package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MikeSquared-Agency/codessa/internal/workspace"
)

// Store is the Postgres-backed workspace store.
type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Migrate creates the workspace tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id          TEXT PRIMARY KEY,
	source      TEXT NOT NULL,
	thread_id   TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMPTZ,
	status      TEXT NOT NULL DEFAULT 'captured',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS messages (
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	idx             INTEGER NOT NULL,
	role            TEXT NOT NULL,
	text            TEXT NOT NULL,
	ts              TIMESTAMPTZ,
	PRIMARY KEY (conversation_id, idx)
);

CREATE TABLE IF NOT EXISTS artifacts (
	id                   UUID PRIMARY KEY,
	conversation_id      TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	kind                 TEXT NOT NULL,
	title                TEXT NOT NULL,
	language             TEXT NOT NULL,
	content              TEXT NOT NULL,
	content_hash         TEXT NOT NULL,
	source_message_index INTEGER NOT NULL,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (conversation_id, source_message_index, content_hash)
);

CREATE TABLE IF NOT EXISTS execution_actions (
	id           UUID PRIMARY KEY,
	type         TEXT NOT NULL,
	target       TEXT NOT NULL,
	title        TEXT NOT NULL,
	body         TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'queued',
	retry_count  INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT NOT NULL DEFAULT '',
	failure_kind TEXT NOT NULL DEFAULT '',
	external_url TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS execution_actions_status_idx ON execution_actions (status, created_at);

CREATE TABLE IF NOT EXISTS ingestion_ledger (
	content_hash TEXT PRIMARY KEY,
	origin_path  TEXT NOT NULL,
	processed_at TIMESTAMPTZ NOT NULL,
	outcome      TEXT NOT NULL,
	error_detail TEXT NOT NULL DEFAULT ''
);
`

// classify maps driver errors onto workspace sentinels.
func classify(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return workspace.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23503", "23505": // foreign_key_violation, unique_violation
			return fmt.Errorf("%s: %w", pgErr.Message, workspace.ErrConflict)
		}
	}
	return err
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func fromNullTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
