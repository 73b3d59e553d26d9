package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MikeSquared-Agency/codessa/internal/artifact"
	"github.com/MikeSquared-Agency/codessa/internal/transcript"
	"github.com/MikeSquared-Agency/codessa/internal/workspace"
)

// GetConversation fetches a conversation and its messages in order.
func (s *Store) GetConversation(ctx context.Context, id string) (workspace.ConversationRecord, error) {
	var (
		rec     workspace.ConversationRecord
		started *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, source, thread_id, title, started_at, status, created_at, updated_at
		FROM conversations WHERE id = $1`, id,
	).Scan(&rec.ID, &rec.Source, &rec.ThreadID, &rec.Title, &started, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return workspace.ConversationRecord{}, fmt.Errorf("get conversation %s: %w", id, classify(err))
	}
	rec.StartedAt = fromNullTime(started)

	rows, err := s.pool.Query(ctx, `
		SELECT idx, role, text, ts FROM messages
		WHERE conversation_id = $1 ORDER BY idx`, id)
	if err != nil {
		return workspace.ConversationRecord{}, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m  transcript.Message
			ts *time.Time
		)
		if err := rows.Scan(&m.Index, &m.Role, &m.Text, &ts); err != nil {
			return workspace.ConversationRecord{}, fmt.Errorf("scan message: %w", err)
		}
		m.Timestamp = fromNullTime(ts)
		rec.Messages = append(rec.Messages, m)
	}
	return rec, rows.Err()
}

// UpsertConversation inserts rec or updates its mutable fields. Messages are
// written by index and existing indices are never rewritten, so a longer
// message list extends the stored one. A stored row with a different source
// is a conflict.
func (s *Store) UpsertConversation(ctx context.Context, rec workspace.ConversationRecord) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var inserted bool
	err = tx.QueryRow(ctx, `
		INSERT INTO conversations (id, source, thread_id, title, started_at, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			status = EXCLUDED.status,
			updated_at = now()
		WHERE conversations.source = EXCLUDED.source
		RETURNING (xmax = 0)`,
		rec.ID, string(rec.Source), rec.ThreadID, rec.Title, nullTime(rec.StartedAt), string(rec.Status),
	).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("conversation %s has a different source: %w", rec.ID, workspace.ErrConflict)
	}
	if err != nil {
		return false, fmt.Errorf("upsert conversation: %w", classify(err))
	}

	batch := &pgx.Batch{}
	for _, m := range rec.Messages {
		batch.Queue(`
			INSERT INTO messages (conversation_id, idx, role, text, ts)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (conversation_id, idx) DO NOTHING`,
			rec.ID, m.Index, string(m.Role), m.Text, nullTime(m.Timestamp),
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return false, fmt.Errorf("insert messages: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// UpsertArtifact inserts a unless an artifact with the same conversation,
// message index and content hash exists. It reports whether a row was added.
func (s *Store) UpsertArtifact(ctx context.Context, a artifact.Artifact) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO artifacts (id, conversation_id, kind, title, language, content, content_hash, source_message_index, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT DO NOTHING`,
		a.ID, a.ConversationID, string(a.Kind), a.Title, a.Language, a.Content, a.ContentHash, a.SourceMessageIndex,
	)
	if err != nil {
		return false, fmt.Errorf("upsert artifact: %w", classify(err))
	}
	return tag.RowsAffected() == 1, nil
}

// ListArtifacts returns a conversation's artifacts by message index.
func (s *Store) ListArtifacts(ctx context.Context, conversationID string) ([]artifact.Artifact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, kind, title, language, content, content_hash, source_message_index
		FROM artifacts WHERE conversation_id = $1
		ORDER BY source_message_index, created_at`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	var out []artifact.Artifact
	for rows.Next() {
		var a artifact.Artifact
		if err := rows.Scan(&a.ID, &a.ConversationID, &a.Kind, &a.Title, &a.Language, &a.Content, &a.ContentHash, &a.SourceMessageIndex); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
