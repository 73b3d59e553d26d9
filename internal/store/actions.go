package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/MikeSquared-Agency/codessa/internal/workspace"
)

const actionColumns = `id, type, target, title, body, status, retry_count, last_error, failure_kind, external_url, created_at, completed_at`

func scanAction(row pgx.Row) (workspace.Action, error) {
	var (
		a         workspace.Action
		completed *time.Time
	)
	err := row.Scan(&a.ID, &a.Type, &a.Target, &a.Title, &a.Body, &a.Status, &a.RetryCount,
		&a.LastError, &a.FailureKind, &a.ExternalURL, &a.CreatedAt, &completed)
	if err != nil {
		return workspace.Action{}, err
	}
	a.CompletedAt = fromNullTime(completed)
	return a, nil
}

// InsertAction queues a new action. A zero ID is replaced with a random one.
func (s *Store) InsertAction(ctx context.Context, a workspace.Action) (workspace.Action, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = workspace.ActionQueued
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO execution_actions (id, type, target, title, body, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		RETURNING `+actionColumns,
		a.ID, string(a.Type), a.Target, a.Title, a.Body, string(a.Status),
	)
	out, err := scanAction(row)
	if err != nil {
		return workspace.Action{}, fmt.Errorf("insert action: %w", classify(err))
	}
	return out, nil
}

// GetAction fetches one action by id.
func (s *Store) GetAction(ctx context.Context, id uuid.UUID) (workspace.Action, error) {
	a, err := scanAction(s.pool.QueryRow(ctx, `SELECT `+actionColumns+` FROM execution_actions WHERE id = $1`, id))
	if err != nil {
		return workspace.Action{}, fmt.Errorf("get action %s: %w", id, classify(err))
	}
	return a, nil
}

// QueryPendingActions lists actions in the filter's status, oldest first.
func (s *Store) QueryPendingActions(ctx context.Context, f workspace.ActionFilter) ([]workspace.Action, error) {
	status := f.Status
	if status == "" {
		status = workspace.ActionQueued
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+actionColumns+` FROM execution_actions
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT $2 OFFSET $3`, string(status), limit, max(f.Offset, 0))
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	var out []workspace.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateActionStatus applies u to the action under a row lock. Transitions
// that would break the action lifecycle return workspace.ErrConflict.
func (s *Store) UpdateActionStatus(ctx context.Context, id uuid.UUID, u workspace.ActionUpdate) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := scanAction(tx.QueryRow(ctx, `SELECT `+actionColumns+` FROM execution_actions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return fmt.Errorf("load action %s: %w", id, classify(err))
	}
	next, err := current.Apply(u)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE execution_actions SET
			status = $2, retry_count = $3, last_error = $4, failure_kind = $5,
			external_url = $6, completed_at = $7
		WHERE id = $1`,
		id, string(next.Status), next.RetryCount, next.LastError, next.FailureKind,
		next.ExternalURL, nullTime(next.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("update action: %w", err)
	}
	return tx.Commit(ctx)
}
