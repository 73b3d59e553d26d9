// Package workspace defines the records kept in the workspace store and the
// lifecycle rules for queued actions.
package workspace

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/codessa/internal/transcript"
)

var (
	// ErrConflict means the store already holds a record whose identity
	// disagrees with the write.
	ErrConflict = errors.New("workspace: conflict")
	ErrNotFound = errors.New("workspace: not found")
)

// ConversationStatus is the mutable status marker on a conversation.
type ConversationStatus string

const (
	StatusCaptured  ConversationStatus = "captured"
	StatusExtracted ConversationStatus = "extracted"
)

// ConversationRecord is a conversation as stored. ID, Source, ThreadID and
// StartedAt never change once written.
type ConversationRecord struct {
	ID        string
	Source    transcript.Source
	ThreadID  string
	Title     string
	StartedAt time.Time
	Status    ConversationStatus
	Messages  []transcript.Message
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ActionType is the kind of tracker resource an action materializes into.
type ActionType string

const (
	ActionIssue       ActionType = "issue"
	ActionPullRequest ActionType = "pull_request"
	ActionDiscussion  ActionType = "discussion"
)

// ActionStatus moves Queued → Pushed → Completed, or Queued → Failed.
type ActionStatus string

const (
	ActionQueued    ActionStatus = "queued"
	ActionPushed    ActionStatus = "pushed"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
)

// Action is a follow-up queued for the external tracker.
type Action struct {
	ID          uuid.UUID
	Type        ActionType
	Target      string // "owner/repo" or "repo"
	Title       string
	Body        string
	Status      ActionStatus
	RetryCount  int
	LastError   string
	FailureKind string
	ExternalURL string
	CreatedAt   time.Time
	CompletedAt time.Time
}

// IdempotencyKey is the stable key sent with every attempt to create the
// action's external resource.
func (a Action) IdempotencyKey() string {
	return "codessa-action-" + a.ID.String()
}

// ActionFilter selects actions. Zero Status means Queued.
type ActionFilter struct {
	Status ActionStatus
	Limit  int
	Offset int
}

// ActionUpdate is the write-back applied to an action. Empty string fields
// and a zero CompletedAt leave the stored value untouched.
type ActionUpdate struct {
	Status      ActionStatus
	RetryCount  int
	LastError   string
	FailureKind string
	ExternalURL string
	CompletedAt time.Time
}

// CanTransition reports whether an action may move from one status to
// another. Staying Queued is allowed so retries can record progress.
func CanTransition(from, to ActionStatus) bool {
	switch from {
	case ActionQueued:
		return to == ActionQueued || to == ActionPushed || to == ActionCompleted || to == ActionFailed
	case ActionPushed:
		return to == ActionCompleted
	default:
		return false
	}
}

// Apply returns a with u applied, or ErrConflict when the transition is not
// allowed.
func (a Action) Apply(u ActionUpdate) (Action, error) {
	if !CanTransition(a.Status, u.Status) {
		return a, fmt.Errorf("action %s %s → %s: %w", a.ID, a.Status, u.Status, ErrConflict)
	}
	a.Status = u.Status
	a.RetryCount = u.RetryCount
	if u.LastError != "" {
		a.LastError = u.LastError
	}
	if u.FailureKind != "" {
		a.FailureKind = u.FailureKind
	}
	if u.ExternalURL != "" {
		a.ExternalURL = u.ExternalURL
	}
	if !u.CompletedAt.IsZero() {
		a.CompletedAt = u.CompletedAt
	}
	return a, nil
}
