package upsert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MikeSquared-Agency/codessa/internal/artifact"
	"github.com/MikeSquared-Agency/codessa/internal/transcript"
	"github.com/MikeSquared-Agency/codessa/internal/workspace"
)

// Store is the slice of the workspace store the engine writes through.
type Store interface {
	GetConversation(ctx context.Context, id string) (workspace.ConversationRecord, error)
	UpsertConversation(ctx context.Context, rec workspace.ConversationRecord) (bool, error)
	UpsertArtifact(ctx context.Context, a artifact.Artifact) (bool, error)
}

// Result describes what one Sync call changed.
type Result struct {
	ConversationID   string
	Created          bool
	Updated          bool
	ArtifactsCreated int
	ArtifactsSkipped int
	Conflicts        []error
}

// Engine writes conversations and their artifacts into the workspace store
// so that repeating a sync never duplicates anything.
type Engine struct {
	store  Store
	logger *slog.Logger
}

func New(store Store, logger *slog.Logger) *Engine {
	return &Engine{store: store, logger: logger}
}

// Sync upserts conv and links arts to it. Conflicts are logged, collected in
// the result and skipped; any other store error aborts and is returned.
func (e *Engine) Sync(ctx context.Context, conv transcript.Conversation, arts []artifact.Artifact) (Result, error) {
	res := Result{ConversationID: conv.ID}

	existing, err := e.store.GetConversation(ctx, conv.ID)
	switch {
	case errors.Is(err, workspace.ErrNotFound):
		rec := workspace.ConversationRecord{
			ID:        conv.ID,
			Source:    conv.Source,
			ThreadID:  conv.ThreadID,
			Title:     conv.Title,
			StartedAt: conv.StartedAt,
			Status:    statusFor(workspace.StatusCaptured, arts),
			Messages:  conv.Messages,
		}
		created, err := e.store.UpsertConversation(ctx, rec)
		if err != nil {
			if errors.Is(err, workspace.ErrConflict) {
				return e.conflict(res, err), nil
			}
			return res, fmt.Errorf("create conversation %s: %w", conv.ID, err)
		}
		res.Created = created
		res.Updated = !created

	case err != nil:
		return res, fmt.Errorf("load conversation %s: %w", conv.ID, err)

	default:
		if existing.Source != conv.Source {
			err := fmt.Errorf("conversation %s stored with source %q, got %q: %w",
				conv.ID, existing.Source, conv.Source, workspace.ErrConflict)
			return e.conflict(res, err), nil
		}

		merged, changed := merge(existing, conv, arts)
		if changed {
			if _, err := e.store.UpsertConversation(ctx, merged); err != nil {
				if errors.Is(err, workspace.ErrConflict) {
					return e.conflict(res, err), nil
				}
				return res, fmt.Errorf("update conversation %s: %w", conv.ID, err)
			}
			res.Updated = true
		}
	}

	for _, a := range arts {
		created, err := e.store.UpsertArtifact(ctx, a)
		if err != nil {
			if errors.Is(err, workspace.ErrConflict) {
				e.logger.Warn("artifact conflict, skipping",
					"conversation_id", conv.ID,
					"artifact_id", a.ID.String(),
					"error", err,
				)
				res.Conflicts = append(res.Conflicts, err)
				continue
			}
			return res, fmt.Errorf("upsert artifact %s: %w", a.ID, err)
		}
		if created {
			res.ArtifactsCreated++
		} else {
			res.ArtifactsSkipped++
		}
	}

	e.logger.Debug("conversation synced",
		"conversation_id", conv.ID,
		"created", res.Created,
		"updated", res.Updated,
		"artifacts_created", res.ArtifactsCreated,
		"artifacts_skipped", res.ArtifactsSkipped,
	)
	return res, nil
}

func (e *Engine) conflict(res Result, err error) Result {
	e.logger.Warn("conversation conflict, skipping", "conversation_id", res.ConversationID, "error", err)
	res.Conflicts = append(res.Conflicts, err)
	return res
}

// merge applies the mutable fields of conv onto existing. Identity fields
// are never touched.
func merge(existing workspace.ConversationRecord, conv transcript.Conversation, arts []artifact.Artifact) (workspace.ConversationRecord, bool) {
	changed := false
	if conv.Title != "" && conv.Title != existing.Title {
		existing.Title = conv.Title
		changed = true
	}
	if s := statusFor(existing.Status, arts); s != existing.Status {
		existing.Status = s
		changed = true
	}
	if len(conv.Messages) > len(existing.Messages) {
		existing.Messages = append(existing.Messages, conv.Messages[len(existing.Messages):]...)
		changed = true
	}
	return existing, changed
}

func statusFor(current workspace.ConversationStatus, arts []artifact.Artifact) workspace.ConversationStatus {
	if current == workspace.StatusExtracted || len(arts) > 0 {
		return workspace.StatusExtracted
	}
	return workspace.StatusCaptured
}
