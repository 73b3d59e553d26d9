package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/MikeSquared-Agency/codessa/internal/ledger"
	"github.com/MikeSquared-Agency/codessa/internal/report"
	"github.com/MikeSquared-Agency/codessa/internal/store"
	"github.com/MikeSquared-Agency/codessa/internal/transcript"
	"github.com/MikeSquared-Agency/codessa/internal/upsert"
	"github.com/MikeSquared-Agency/codessa/internal/workspace"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func gptConversation(id, title, user, assistant string) map[string]any {
	return map[string]any{
		"id":          id,
		"title":       title,
		"create_time": 1739260800,
		"mapping": map[string]any{
			"u": map[string]any{
				"id": "u", "parent": nil, "children": []string{"a"},
				"message": map[string]any{
					"author":  map[string]any{"role": "user"},
					"content": map[string]any{"parts": []string{user}},
				},
			},
			"a": map[string]any{
				"id": "a", "parent": "u", "children": []string{},
				"message": map[string]any{
					"author":  map[string]any{"role": "assistant"},
					"content": map[string]any{"parts": []string{assistant}},
				},
			},
		},
	}
}

func writeExport(t *testing.T, dir, name string, convs ...map[string]any) string {
	t.Helper()
	data, err := json.Marshal(convs)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// flakyStore fails writes for one conversation while failing is set.
type flakyStore struct {
	*store.Memory
	mu      sync.Mutex
	failID  string
	failing bool
}

func (f *flakyStore) UpsertConversation(ctx context.Context, rec workspace.ConversationRecord) (bool, error) {
	f.mu.Lock()
	fail := f.failing && rec.ID == f.failID
	f.mu.Unlock()
	if fail {
		return false, errors.New("connection reset by peer")
	}
	return f.Memory.UpsertConversation(ctx, rec)
}

func (f *flakyStore) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

type harness struct {
	store  *flakyStore
	ledger *ledger.Ledger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := store.NewMemory()
	led, err := ledger.Open(context.Background(), mem.LedgerBackend())
	if err != nil {
		t.Fatal(err)
	}
	return &harness{store: &flakyStore{Memory: mem}, ledger: led}
}

func (h *harness) runner(cfg Config) *Runner {
	eng := upsert.New(h.store, testLogger())
	return NewRunner(cfg, transcript.DefaultRegistry(), h.ledger, eng, testLogger())
}

const authAnswer = "## Auth Handler\n\n```go\nfunc Auth(w http.ResponseWriter, r *http.Request) {}\n```"

func TestRun_PartialFileIsReprocessedWithoutDuplicates(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := writeExport(t, dir, "chat_export.json",
		gptConversation("conv-a", "Auth", "write auth", authAnswer),
		gptConversation("conv-b", "Cache", "write cache", "```python\ndef get(key):\n    return cache[key]\n```"),
	)

	h := newHarness(t)
	h.store.failID = "chatgpt:conv-b"
	h.store.setFailing(true)

	sum, err := h.runner(Config{Root: dir}).Run(ctx)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if sum.ConversationsCreated != 1 || sum.ArtifactsCreated != 1 {
		t.Errorf("first run summary = %+v", sum)
	}
	if sum.FailuresByKind()[report.KindStoreError] != 1 {
		t.Errorf("failures = %+v", sum.Failures)
	}
	hash := transcript.HashBytes(mustRead(t, path))
	rec, ok := h.ledger.Lookup(hash)
	if !ok || rec.Outcome != ledger.PartialFailure {
		t.Fatalf("ledger record = %+v, %v", rec, ok)
	}

	h.store.setFailing(false)
	sum, err = h.runner(Config{Root: dir}).Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if sum.ConversationsCreated != 1 || sum.ArtifactsCreated != 1 || sum.ArtifactsSkipped != 1 {
		t.Errorf("second run summary = %+v", sum)
	}
	if h.store.ConversationCount() != 2 || h.store.ArtifactCount() != 2 {
		t.Errorf("store has %d conversations, %d artifacts", h.store.ConversationCount(), h.store.ArtifactCount())
	}
	if rec, _ := h.ledger.Lookup(hash); rec.Outcome != ledger.Success {
		t.Errorf("outcome = %s, want success", rec.Outcome)
	}

	sum, _ = h.runner(Config{Root: dir}).Run(ctx)
	if sum.FilesSkipped != 1 || sum.FilesProcessed != 0 {
		t.Errorf("third run summary = %+v", sum)
	}
}

func TestRun_AuthHandlerScenario(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeExport(t, dir, "chat_export.json", gptConversation("conv-a", "Auth", "write auth", authAnswer))

	h := newHarness(t)
	if _, err := h.runner(Config{Root: dir}).Run(ctx); err != nil {
		t.Fatal(err)
	}

	arts, err := h.store.ListArtifacts(ctx, "chatgpt:conv-a")
	if err != nil || len(arts) != 1 {
		t.Fatalf("artifacts = %v, %v", arts, err)
	}
	if arts[0].Title != "Auth Handler" || arts[0].Language != "go" {
		t.Errorf("artifact = %q/%q", arts[0].Title, arts[0].Language)
	}
	conv, _ := h.store.GetConversation(ctx, "chatgpt:conv-a")
	if conv.Status != workspace.StatusExtracted {
		t.Errorf("status = %s", conv.Status)
	}
}

func TestRun_SkipsHiddenAndDuplicateContent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	conv := gptConversation("conv-a", "Auth", "write auth", authAnswer)
	writeExport(t, dir, "a.json", conv)
	writeExport(t, dir, "b-renamed.json", conv)
	writeExport(t, dir, ".hidden.json", gptConversation("conv-h", "Hidden", "q", "a"))

	h := newHarness(t)
	sum, err := h.runner(Config{Root: dir, Workers: 2}).Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.FilesDiscovered != 2 {
		t.Errorf("discovered = %d, want 2", sum.FilesDiscovered)
	}
	if sum.FilesProcessed != 1 || sum.FilesSkipped != 1 {
		t.Errorf("processed=%d skipped=%d", sum.FilesProcessed, sum.FilesSkipped)
	}
	if h.store.ArtifactCount() != 1 {
		t.Errorf("artifacts = %d", h.store.ArtifactCount())
	}
}

func TestRun_UnrecognizedFileFails(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(path, []byte("just some notes\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	h := newHarness(t)
	sum, err := h.runner(Config{Root: dir}).Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.FilesFailed != 1 || sum.FailuresByKind()[report.KindParseDiagnostic] != 1 {
		t.Errorf("summary = %+v", sum)
	}
	rec, ok := h.ledger.Lookup(transcript.HashBytes([]byte("just some notes\n")))
	if !ok || rec.Outcome != ledger.Failure || rec.ErrorDetail == "" {
		t.Errorf("ledger record = %+v", rec)
	}
}

func TestRun_DryRunDoesNotPersistLedger(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeExport(t, dir, "a.json", gptConversation("conv-a", "Auth", "write auth", authAnswer))

	mem := store.NewMemory()
	led, _ := ledger.Open(ctx, mem.LedgerBackend())
	r := NewRunner(Config{Root: dir, DryRun: true}, transcript.DefaultRegistry(), led, upsert.New(store.NewMemory(), testLogger()), testLogger())

	sum, err := r.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !sum.DryRun || sum.FilesProcessed != 1 {
		t.Errorf("summary = %+v", sum)
	}
	records, _ := mem.LedgerBackend().Load(ctx)
	if len(records) != 0 {
		t.Errorf("dry run persisted %d ledger records", len(records))
	}
}

func TestRun_SingleFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeExport(t, dir, "a.json", gptConversation("conv-a", "A", "q", "a"))
	only := writeExport(t, dir, "b.json", gptConversation("conv-b", "B", "q", "a"))

	h := newHarness(t)
	sum, err := h.runner(Config{Root: dir, SingleFile: only}).Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.FilesDiscovered != 1 || h.store.ConversationCount() != 1 {
		t.Errorf("summary = %+v", sum)
	}

	if _, err := h.runner(Config{SingleFile: filepath.Join(dir, "missing.json")}).Run(ctx); err == nil {
		t.Error("expected error for missing single file")
	}
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dir := t.TempDir()
	path := writeExport(t, dir, "a.json", gptConversation("conv-a", "A", "q", "a"))

	h := newHarness(t)
	if _, err := h.runner(Config{Root: dir}).Run(ctx); err != nil {
		t.Fatal(err)
	}
	if rec, ok := h.ledger.Lookup(transcript.HashBytes(mustRead(t, path))); ok && rec.Outcome == ledger.Success {
		t.Error("cancelled run must never record success")
	}
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestFailureDetail_TruncatesOnRuneBoundary(t *testing.T) {
	var diags []transcript.Diagnostic
	for i := 1; i <= 40; i++ {
		diags = append(diags, transcript.Diagnostic{
			Format:  "chatgpt",
			Path:    "/e/会話エクスポート.json",
			Line:    i,
			Message: "malformed line",
		})
	}

	got := failureDetail(diags, []string{"store error"})
	if len(got) > maxDetailBytes {
		t.Errorf("len = %d, want <= %d", len(got), maxDetailBytes)
	}
	if !utf8.ValidString(got) {
		t.Errorf("detail is not valid UTF-8: %q", got[len(got)-8:])
	}
	if len(got) < maxDetailBytes-utf8.UTFMax {
		t.Errorf("len = %d, truncated more than one rune short", len(got))
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"abcdef", 3, "abc"},
		{"会話", 4, "会"},
		{"会話", 3, "会"},
		{"会話", 2, ""},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
