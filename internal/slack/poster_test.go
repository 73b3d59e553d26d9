package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/MikeSquared-Agency/codessa/internal/report"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFormatFailures_Truncates(t *testing.T) {
	var failures []report.ItemFailure
	for i := 0; i < 25; i++ {
		failures = append(failures, report.ItemFailure{Item: fmt.Sprintf("file-%d.json", i), Kind: report.KindParseDiagnostic, Error: "bad"})
	}

	msg := formatFailures(failures)

	checks := []string{
		"*Failures: 25*",
		"1. [parse_diagnostic] `file-0.json` bad",
		"_...and 5 more_",
	}
	for _, check := range checks {
		if !strings.Contains(msg, check) {
			t.Errorf("expected message to contain %q", check)
		}
	}
	if strings.Contains(msg, "file-20.json") {
		t.Error("expected listing to stop at 20 items")
	}
}

func TestPostRunSummary_PostsThreadForFailures(t *testing.T) {
	var (
		mu       sync.Mutex
		payloads []map[string]any
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer xoxb-test" {
			t.Errorf("expected Bearer xoxb-test, got %q", r.Header.Get("Authorization"))
		}

		body, _ := io.ReadAll(r.Body)
		var payload map[string]any
		json.Unmarshal(body, &payload)
		mu.Lock()
		payloads = append(payloads, payload)
		mu.Unlock()

		if payload["channel"] != "C123" {
			t.Errorf("expected channel C123, got %v", payload["channel"])
		}

		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
			"ts": "1234567890.123456",
		})
	}))
	defer server.Close()

	p := NewPoster("xoxb-test", "C123", discardLogger())
	p.apiURL = server.URL

	s := report.Summary{
		FilesProcessed: 1,
		Failures:       []report.ItemFailure{{Item: "acme/widgets", Kind: report.KindRetryBudgetExhausted, Error: "503"}},
	}
	ts, err := p.PostRunSummary(context.Background(), "execute", s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts != "1234567890.123456" {
		t.Errorf("expected ts 1234567890.123456, got %q", ts)
	}

	if len(payloads) != 2 {
		t.Fatalf("expected summary and thread posts, got %d", len(payloads))
	}
	if !strings.Contains(payloads[0]["text"].(string), "*Codessa Run Summary*") {
		t.Errorf("summary text = %v", payloads[0]["text"])
	}
	if payloads[1]["thread_ts"] != "1234567890.123456" {
		t.Errorf("thread_ts = %v", payloads[1]["thread_ts"])
	}
}

func TestPostRunSummary_SlackError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"ok":    false,
			"error": "channel_not_found",
		})
	}))
	defer server.Close()

	p := NewPoster("xoxb-test", "C123", discardLogger())
	p.apiURL = server.URL

	_, err := p.PostRunSummary(context.Background(), "capture", report.Summary{})
	if err == nil || !strings.Contains(err.Error(), "channel_not_found") {
		t.Fatalf("expected channel_not_found error, got %v", err)
	}
}
