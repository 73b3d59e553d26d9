package report

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Kind classifies a per-item failure.
type Kind string

const (
	KindParseDiagnostic      Kind = "parse_diagnostic"
	KindStoreConflict        Kind = "store_conflict"
	KindStoreError           Kind = "store_error"
	KindRemoteNonRetryable   Kind = "remote_non_retryable"
	KindRetryBudgetExhausted Kind = "retry_budget_exhausted"
)

// ItemFailure is one file, conversation or action that did not go through.
type ItemFailure struct {
	Item  string `json:"item"`
	Kind  Kind   `json:"kind"`
	Error string `json:"error"`
}

// FileSummary is the per-file line of a run summary.
type FileSummary struct {
	Path          string `json:"path"`
	Format        string `json:"format"`
	Date          string `json:"date,omitempty"` // first message date, YYYY-MM-DD
	Outcome       string `json:"outcome"`
	Conversations int    `json:"conversations"`
	Artifacts     int    `json:"artifacts"`
	Diagnostics   int    `json:"diagnostics"`
}

// Summary is the observable result of one run.
type Summary struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DryRun     bool      `json:"dry_run"`

	FilesDiscovered int `json:"files_discovered"`
	FilesSkipped    int `json:"files_skipped"`
	FilesProcessed  int `json:"files_processed"`
	FilesFailed     int `json:"files_failed"`

	ConversationsCreated int `json:"conversations_created"`
	ConversationsUpdated int `json:"conversations_updated"`
	ArtifactsCreated     int `json:"artifacts_created"`
	ArtifactsSkipped     int `json:"artifacts_skipped"`
	Conflicts            int `json:"conflicts"`

	ActionsPushed     int `json:"actions_pushed"`
	ActionsCompleted  int `json:"actions_completed"`
	ActionsFailed     int `json:"actions_failed"`
	ActionsReconciled int `json:"actions_reconciled"`

	Files    []FileSummary `json:"files,omitempty"`
	Failures []ItemFailure `json:"failures,omitempty"`
}

// Collector accumulates a Summary from concurrent workers.
type Collector struct {
	mu sync.Mutex
	s  Summary
}

func NewCollector(startedAt time.Time, dryRun bool) *Collector {
	return &Collector{s: Summary{StartedAt: startedAt, DryRun: dryRun}}
}

// Update runs fn with exclusive access to the summary.
func (c *Collector) Update(fn func(s *Summary)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.s)
}

// AddFailure records a failed item.
func (c *Collector) AddFailure(item string, kind Kind, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	c.Update(func(s *Summary) {
		s.Failures = append(s.Failures, ItemFailure{Item: item, Kind: kind, Error: msg})
	})
}

// Summary returns a copy of the accumulated summary.
func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.s
	out.Files = append([]FileSummary(nil), c.s.Files...)
	out.Failures = append([]ItemFailure(nil), c.s.Failures...)
	return out
}

// Merge folds other's counters and items into s.
func (s *Summary) Merge(other Summary) {
	s.FilesDiscovered += other.FilesDiscovered
	s.FilesSkipped += other.FilesSkipped
	s.FilesProcessed += other.FilesProcessed
	s.FilesFailed += other.FilesFailed
	s.ConversationsCreated += other.ConversationsCreated
	s.ConversationsUpdated += other.ConversationsUpdated
	s.ArtifactsCreated += other.ArtifactsCreated
	s.ArtifactsSkipped += other.ArtifactsSkipped
	s.Conflicts += other.Conflicts
	s.ActionsPushed += other.ActionsPushed
	s.ActionsCompleted += other.ActionsCompleted
	s.ActionsFailed += other.ActionsFailed
	s.ActionsReconciled += other.ActionsReconciled
	s.Files = append(s.Files, other.Files...)
	s.Failures = append(s.Failures, other.Failures...)
	if s.StartedAt.IsZero() || (!other.StartedAt.IsZero() && other.StartedAt.Before(s.StartedAt)) {
		s.StartedAt = other.StartedAt
	}
	if other.FinishedAt.After(s.FinishedAt) {
		s.FinishedAt = other.FinishedAt
	}
	s.DryRun = s.DryRun || other.DryRun
}

// FailuresByKind counts failures per kind.
func (s Summary) FailuresByKind() map[Kind]int {
	out := make(map[Kind]int)
	for _, f := range s.Failures {
		out[f.Kind]++
	}
	return out
}

// FormatSummary renders the summary as Slack mrkdwn, with files grouped by
// the date of their first message.
func FormatSummary(s Summary) string {
	var sb strings.Builder
	sb.WriteString("*Codessa Run Summary*")
	if s.DryRun {
		sb.WriteString(" _(dry run)_")
	}
	sb.WriteString("\n")

	fmt.Fprintf(&sb, "Files: %d discovered, %d skipped, %d processed, %d failed\n",
		s.FilesDiscovered, s.FilesSkipped, s.FilesProcessed, s.FilesFailed)
	fmt.Fprintf(&sb, "Conversations: %d created, %d updated\n", s.ConversationsCreated, s.ConversationsUpdated)
	fmt.Fprintf(&sb, "Artifacts: %d created, %d skipped\n", s.ArtifactsCreated, s.ArtifactsSkipped)
	fmt.Fprintf(&sb, "Actions: %d pushed, %d completed, %d failed\n", s.ActionsPushed, s.ActionsCompleted, s.ActionsFailed)
	if s.Conflicts > 0 {
		fmt.Fprintf(&sb, "Conflicts: %d\n", s.Conflicts)
	}

	byDate := make(map[string][]FileSummary)
	for _, f := range s.Files {
		date := f.Date
		if date == "" {
			date = "unknown"
		}
		byDate[date] = append(byDate[date], f)
	}
	dates := make([]string, 0, len(byDate))
	for d := range byDate {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	for _, date := range dates {
		files := byDate[date]
		convs, arts := 0, 0
		for _, f := range files {
			convs += f.Conversations
			arts += f.Artifacts
		}
		fmt.Fprintf(&sb, "\n*%s* (%d files, %d conversations, %d artifacts)\n", date, len(files), convs, arts)
		for _, f := range files {
			fmt.Fprintf(&sb, "  - %s [%s]: %d conv, %d art", filepath.Base(f.Path), f.Format, f.Conversations, f.Artifacts)
			if f.Outcome != "success" {
				fmt.Fprintf(&sb, " (%s)", f.Outcome)
			}
			sb.WriteString("\n")
		}
	}

	if len(s.Failures) > 0 {
		kinds := s.FailuresByKind()
		keys := make([]string, 0, len(kinds))
		for k := range kinds {
			keys = append(keys, string(k))
		}
		sort.Strings(keys)
		sb.WriteString("\n*Failures*\n")
		for _, k := range keys {
			fmt.Fprintf(&sb, "  - %s: %d\n", k, kinds[Kind(k)])
		}
	}

	return sb.String()
}
