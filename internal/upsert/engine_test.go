package upsert

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/codessa/internal/artifact"
	"github.com/MikeSquared-Agency/codessa/internal/store"
	"github.com/MikeSquared-Agency/codessa/internal/transcript"
	"github.com/MikeSquared-Agency/codessa/internal/workspace"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleConversation(msgs ...string) transcript.Conversation {
	var out []transcript.Message
	for i, m := range msgs {
		role := transcript.RoleUser
		if i%2 == 1 {
			role = transcript.RoleAssistant
		}
		out = append(out, transcript.Message{Role: role, Text: m})
	}
	return transcript.NewConversation(transcript.SourceChatGPT, "thread-1", "Sample", time.Time{}, out)
}

func TestEngine_IdempotentReingestion(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	e := New(mem, testLogger())

	conv := sampleConversation("write code", "```go\nfunc A() {}\n```\n```go\nfunc B() {}\n```")
	arts := artifact.Extract(conv)
	if len(arts) != 2 {
		t.Fatalf("setup: expected 2 artifacts, got %d", len(arts))
	}

	first, err := e.Sync(ctx, conv, arts)
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if !first.Created || first.ArtifactsCreated != 2 {
		t.Errorf("first sync = %+v", first)
	}

	second, err := e.Sync(ctx, conv, artifact.Extract(conv))
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if second.Created || second.Updated || second.ArtifactsCreated != 0 || second.ArtifactsSkipped != 2 {
		t.Errorf("second sync should be a no-op, got %+v", second)
	}
	if mem.ConversationCount() != 1 || mem.ArtifactCount() != 2 {
		t.Errorf("store has %d conversations, %d artifacts", mem.ConversationCount(), mem.ArtifactCount())
	}
}

func TestEngine_ExtendsMessagesKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	e := New(mem, testLogger())

	short := sampleConversation("q1", "a1")
	short.StartedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := e.Sync(ctx, short, nil); err != nil {
		t.Fatal(err)
	}

	long := sampleConversation("q1", "a1", "q2", "```py\nprint(2)\n```")
	long.Title = "Sample (continued)"
	long.StartedAt = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	res, err := e.Sync(ctx, long, artifact.Extract(long))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Updated || res.ArtifactsCreated != 1 {
		t.Errorf("result = %+v", res)
	}

	got, _ := mem.GetConversation(ctx, long.ID)
	if len(got.Messages) != 4 || got.Title != "Sample (continued)" {
		t.Errorf("record = %+v", got)
	}
	if !got.StartedAt.Equal(short.StartedAt) {
		t.Errorf("identity field changed: started_at = %v", got.StartedAt)
	}
	if got.Status != workspace.StatusExtracted {
		t.Errorf("status = %q", got.Status)
	}
}

func TestEngine_SourceConflictIsSkipped(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	e := New(mem, testLogger())

	conv := sampleConversation("q")
	if _, err := e.Sync(ctx, conv, nil); err != nil {
		t.Fatal(err)
	}

	clash := conv
	clash.Source = transcript.SourceClaude
	res, err := e.Sync(ctx, clash, nil)
	if err != nil {
		t.Fatalf("conflict must not be returned as an error: %v", err)
	}
	if len(res.Conflicts) != 1 || !errors.Is(res.Conflicts[0], workspace.ErrConflict) {
		t.Errorf("conflicts = %v", res.Conflicts)
	}
}

// flakyStore wraps Memory and fails selected artifact writes.
type flakyStore struct {
	*store.Memory
	conflictHash string
	brokenHash   string
}

func (f *flakyStore) UpsertArtifact(ctx context.Context, a artifact.Artifact) (bool, error) {
	switch a.ContentHash {
	case f.conflictHash:
		return false, workspace.ErrConflict
	case f.brokenHash:
		return false, errors.New("connection reset")
	}
	return f.Memory.UpsertArtifact(ctx, a)
}

func TestEngine_ArtifactErrors(t *testing.T) {
	ctx := context.Background()
	conv := sampleConversation("q", "```go\nfunc A() {}\n```\n```go\nfunc B() {}\n```")
	arts := artifact.Extract(conv)

	fs := &flakyStore{Memory: store.NewMemory(), conflictHash: arts[0].ContentHash}
	res, err := New(fs, testLogger()).Sync(ctx, conv, arts)
	if err != nil {
		t.Fatalf("artifact conflict should be isolated: %v", err)
	}
	if len(res.Conflicts) != 1 || res.ArtifactsCreated != 1 {
		t.Errorf("result = %+v", res)
	}

	fs = &flakyStore{Memory: store.NewMemory(), brokenHash: arts[1].ContentHash}
	if _, err := New(fs, testLogger()).Sync(ctx, conv, arts); err == nil {
		t.Fatal("expected store error to propagate")
	}
}
