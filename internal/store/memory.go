package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/codessa/internal/artifact"
	"github.com/MikeSquared-Agency/codessa/internal/ledger"
	"github.com/MikeSquared-Agency/codessa/internal/transcript"
	"github.com/MikeSquared-Agency/codessa/internal/workspace"
)

type artifactKey struct {
	conversationID string
	messageIndex   int
	contentHash    string
}

// Memory is an in-process workspace store with the same semantics as Store.
// It backs dry runs and tests.
type Memory struct {
	mu            sync.Mutex
	conversations map[string]workspace.ConversationRecord
	artifacts     map[artifactKey]artifact.Artifact
	actions       map[uuid.UUID]workspace.Action
	ledger        map[string]ledger.Record
	now           func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]workspace.ConversationRecord),
		artifacts:     make(map[artifactKey]artifact.Artifact),
		actions:       make(map[uuid.UUID]workspace.Action),
		ledger:        make(map[string]ledger.Record),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func copyMessages(msgs []transcript.Message) []transcript.Message {
	return append([]transcript.Message(nil), msgs...)
}

func (m *Memory) GetConversation(_ context.Context, id string) (workspace.ConversationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.conversations[id]
	if !ok {
		return workspace.ConversationRecord{}, fmt.Errorf("get conversation %s: %w", id, workspace.ErrNotFound)
	}
	rec.Messages = copyMessages(rec.Messages)
	return rec, nil
}

func (m *Memory) UpsertConversation(_ context.Context, rec workspace.ConversationRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	existing, ok := m.conversations[rec.ID]
	if !ok {
		rec.Messages = copyMessages(rec.Messages)
		rec.CreatedAt, rec.UpdatedAt = now, now
		m.conversations[rec.ID] = rec
		return true, nil
	}
	if existing.Source != rec.Source {
		return false, fmt.Errorf("conversation %s has a different source: %w", rec.ID, workspace.ErrConflict)
	}

	existing.Title = rec.Title
	existing.Status = rec.Status
	existing.UpdatedAt = now
	have := make(map[int]bool, len(existing.Messages))
	for _, msg := range existing.Messages {
		have[msg.Index] = true
	}
	for _, msg := range rec.Messages {
		if !have[msg.Index] {
			existing.Messages = append(existing.Messages, msg)
		}
	}
	sort.SliceStable(existing.Messages, func(i, j int) bool {
		return existing.Messages[i].Index < existing.Messages[j].Index
	})
	m.conversations[rec.ID] = existing
	return false, nil
}

func (m *Memory) UpsertArtifact(_ context.Context, a artifact.Artifact) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[a.ConversationID]; !ok {
		return false, fmt.Errorf("artifact %s references unknown conversation %s: %w", a.ID, a.ConversationID, workspace.ErrConflict)
	}
	k := artifactKey{a.ConversationID, a.SourceMessageIndex, a.ContentHash}
	if _, ok := m.artifacts[k]; ok {
		return false, nil
	}
	m.artifacts[k] = a
	return true, nil
}

func (m *Memory) ListArtifacts(_ context.Context, conversationID string) ([]artifact.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []artifact.Artifact
	for k, a := range m.artifacts {
		if k.conversationID == conversationID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceMessageIndex != out[j].SourceMessageIndex {
			return out[i].SourceMessageIndex < out[j].SourceMessageIndex
		}
		return out[i].ContentHash < out[j].ContentHash
	})
	return out, nil
}

// ArtifactCount returns the number of stored artifacts.
func (m *Memory) ArtifactCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.artifacts)
}

// ConversationCount returns the number of stored conversations.
func (m *Memory) ConversationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conversations)
}

func (m *Memory) InsertAction(_ context.Context, a workspace.Action) (workspace.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if _, ok := m.actions[a.ID]; ok {
		return workspace.Action{}, fmt.Errorf("insert action %s: %w", a.ID, workspace.ErrConflict)
	}
	if a.Status == "" {
		a.Status = workspace.ActionQueued
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.now()
	}
	m.actions[a.ID] = a
	return a, nil
}

func (m *Memory) GetAction(_ context.Context, id uuid.UUID) (workspace.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok {
		return workspace.Action{}, fmt.Errorf("get action %s: %w", id, workspace.ErrNotFound)
	}
	return a, nil
}

func (m *Memory) QueryPendingActions(_ context.Context, f workspace.ActionFilter) ([]workspace.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := f.Status
	if status == "" {
		status = workspace.ActionQueued
	}
	var out []workspace.Action
	for _, a := range m.actions {
		if a.Status == status {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) UpdateActionStatus(_ context.Context, id uuid.UUID, u workspace.ActionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok {
		return fmt.Errorf("update action %s: %w", id, workspace.ErrNotFound)
	}
	next, err := a.Apply(u)
	if err != nil {
		return err
	}
	m.actions[id] = next
	return nil
}

type memoryLedger struct {
	m *Memory
}

// LedgerBackend keeps ledger records alongside the in-memory workspace.
func (m *Memory) LedgerBackend() ledger.Backend {
	return memoryLedger{m: m}
}

func (b memoryLedger) Load(context.Context) ([]ledger.Record, error) {
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	out := make([]ledger.Record, 0, len(b.m.ledger))
	for _, r := range b.m.ledger {
		out = append(out, r)
	}
	return out, nil
}

func (b memoryLedger) Save(_ context.Context, records []ledger.Record) error {
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	for _, r := range records {
		if prev, ok := b.m.ledger[r.ContentHash]; ok && prev.Outcome == ledger.Success {
			continue
		}
		b.m.ledger[r.ContentHash] = r
	}
	return nil
}
