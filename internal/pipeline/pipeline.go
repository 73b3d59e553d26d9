// Package pipeline runs the capture side of a sync: discover export files,
// parse them, extract artifacts and upsert everything into the workspace,
// gated by the ingestion ledger.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/MikeSquared-Agency/codessa/internal/artifact"
	"github.com/MikeSquared-Agency/codessa/internal/keylock"
	"github.com/MikeSquared-Agency/codessa/internal/ledger"
	"github.com/MikeSquared-Agency/codessa/internal/report"
	"github.com/MikeSquared-Agency/codessa/internal/transcript"
	"github.com/MikeSquared-Agency/codessa/internal/upsert"
)

// Config holds the capture configuration.
type Config struct {
	Root       string // directory walked for exports
	SingleFile string // process a single file only
	Workers    int
	DryRun     bool // ledger outcomes are not persisted
}

// Runner orchestrates one capture pass.
type Runner struct {
	cfg      Config
	registry *transcript.Registry
	ledger   *ledger.Ledger
	engine   *upsert.Engine
	logger   *slog.Logger
	hashes   keylock.Map
	convs    keylock.Map
	now      func() time.Time
}

func NewRunner(cfg Config, reg *transcript.Registry, led *ledger.Ledger, eng *upsert.Engine, logger *slog.Logger) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Runner{
		cfg:      cfg,
		registry: reg,
		ledger:   led,
		engine:   eng,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run processes every discovered file. Per-file problems end up in the
// summary; only discovery and ledger persistence failures are returned.
func (r *Runner) Run(ctx context.Context) (report.Summary, error) {
	c := report.NewCollector(r.now(), r.cfg.DryRun)

	files, err := r.discoverFiles()
	if err != nil {
		return c.Summary(), fmt.Errorf("discover files: %w", err)
	}
	c.Update(func(s *report.Summary) { s.FilesDiscovered = len(files) })
	r.logger.Info("files discovered", "count", len(files), "root", r.cfg.Root)

	var g errgroup.Group
	g.SetLimit(r.cfg.Workers)
	for _, path := range files {
		if ctx.Err() != nil {
			r.logger.Info("capture interrupted", "remaining_from", path)
			break
		}
		g.Go(func() error {
			r.processFile(ctx, path, c)
			return nil
		})
	}
	_ = g.Wait()

	if !r.cfg.DryRun {
		// Flush even when cancelled so finished files are not reprocessed.
		if err := r.ledger.Flush(context.WithoutCancel(ctx)); err != nil {
			c.Update(func(s *report.Summary) { s.FinishedAt = r.now() })
			return c.Summary(), err
		}
	}

	c.Update(func(s *report.Summary) { s.FinishedAt = r.now() })
	sum := c.Summary()
	r.logger.Info("capture complete",
		"files_processed", sum.FilesProcessed,
		"files_skipped", sum.FilesSkipped,
		"conversations_created", sum.ConversationsCreated,
		"artifacts_created", sum.ArtifactsCreated,
		"dry_run", r.cfg.DryRun,
	)
	return sum, nil
}

func (r *Runner) processFile(ctx context.Context, path string, c *report.Collector) {
	log := r.logger.With("path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn("failed to read file", "error", err)
		c.AddFailure(path, report.KindParseDiagnostic, err)
		c.Update(func(s *report.Summary) { s.FilesFailed++ })
		return
	}
	raw := transcript.RawExport{Data: data, OriginPath: path, DiscoveredAt: r.now()}
	hash := raw.ContentHash()
	log = log.With("content_hash", hash)

	// Identical bytes under two names must not be processed concurrently.
	unlock, err := r.hashes.Lock(ctx, hash)
	if err != nil {
		return
	}
	defer unlock()

	if !r.ledger.ShouldProcess(hash) {
		log.Debug("already ingested, skipping")
		c.Update(func(s *report.Summary) { s.FilesSkipped++ })
		return
	}

	format := "unknown"
	if p := r.registry.Detect(data); p != nil {
		format = p.Name()
	}
	convs, diags := r.registry.Parse(raw)
	for _, d := range diags {
		log.Warn("parse diagnostic", "format", d.Format, "line", d.Line, "thread", d.Thread, "detail", d.Message)
		c.AddFailure(path, report.KindParseDiagnostic, errors.New(d.String()))
	}

	fsum := report.FileSummary{Path: path, Format: format, Diagnostics: len(diags)}
	if len(convs) > 0 && !convs[0].StartedAt.IsZero() {
		fsum.Date = convs[0].StartedAt.Format("2006-01-02")
	}

	var (
		synced    int
		problems  []string
		cancelled bool
	)
	for _, conv := range convs {
		if ctx.Err() != nil {
			break
		}
		ok, detail := r.syncConversation(ctx, log, conv, &fsum, c)
		if ok {
			synced++
		} else {
			problems = append(problems, detail)
		}
	}
	cancelled = ctx.Err() != nil && synced < len(convs)

	outcome, detail := ledger.Success, ""
	switch {
	case cancelled:
		outcome, detail = ledger.PartialFailure, "cancelled"
	case len(problems) == 0 && len(diags) == 0:
	case len(convs) == 0 || synced == 0:
		outcome = ledger.Failure
	default:
		outcome = ledger.PartialFailure
	}
	if outcome != ledger.Success && detail == "" {
		detail = failureDetail(diags, problems)
	}
	r.ledger.RecordOutcome(hash, path, outcome, detail)

	fsum.Outcome = string(outcome)
	c.Update(func(s *report.Summary) {
		s.Files = append(s.Files, fsum)
		if outcome == ledger.Failure {
			s.FilesFailed++
		} else {
			s.FilesProcessed++
		}
	})
	log.Info("file processed",
		"format", format,
		"outcome", string(outcome),
		"conversations", fsum.Conversations,
		"artifacts", fsum.Artifacts,
	)
}

// syncConversation extracts and upserts one conversation. It reports whether
// the conversation went through cleanly.
func (r *Runner) syncConversation(ctx context.Context, log *slog.Logger, conv transcript.Conversation, fsum *report.FileSummary, c *report.Collector) (bool, string) {
	arts := artifact.Extract(conv)

	unlock, err := r.convs.Lock(ctx, conv.ID)
	if err != nil {
		return false, "cancelled"
	}
	res, err := r.engine.Sync(ctx, conv, arts)
	unlock()

	if err != nil {
		log.Error("sync failed", "conversation_id", conv.ID, "error", err)
		c.AddFailure(conv.ID, report.KindStoreError, err)
		return false, err.Error()
	}

	fsum.Conversations++
	fsum.Artifacts += res.ArtifactsCreated
	for _, cerr := range res.Conflicts {
		c.AddFailure(conv.ID, report.KindStoreConflict, cerr)
	}
	c.Update(func(s *report.Summary) {
		if res.Created {
			s.ConversationsCreated++
		} else if res.Updated {
			s.ConversationsUpdated++
		}
		s.ArtifactsCreated += res.ArtifactsCreated
		s.ArtifactsSkipped += res.ArtifactsSkipped
		s.Conflicts += len(res.Conflicts)
	})
	if len(res.Conflicts) > 0 {
		return false, res.Conflicts[0].Error()
	}
	return true, ""
}

func failureDetail(diags []transcript.Diagnostic, problems []string) string {
	parts := make([]string, 0, len(diags)+len(problems))
	for _, d := range diags {
		parts = append(parts, d.String())
	}
	parts = append(parts, problems...)
	return truncate(strings.Join(parts, "; "), maxDetailBytes)
}

const maxDetailBytes = 1000

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// discoverFiles returns every regular, non-hidden file under the root, in
// lexical order. Content decides the format, not the extension.
func (r *Runner) discoverFiles() ([]string, error) {
	if r.cfg.SingleFile != "" {
		path := expandHome(r.cfg.SingleFile)
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("single file not found: %s", path)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("single file is a directory: %s", path)
		}
		return []string{path}, nil
	}

	root := expandHome(r.cfg.Root)
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("exports directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("exports path is not a directory: %s", root)
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			r.logger.Warn("error walking exports", "path", path, "error", err)
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
