// Package materializer pushes queued execution actions to the external
// tracker and writes the outcome back to the workspace store.
package materializer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MikeSquared-Agency/codessa/internal/keylock"
	"github.com/MikeSquared-Agency/codessa/internal/report"
	"github.com/MikeSquared-Agency/codessa/internal/retry"
	"github.com/MikeSquared-Agency/codessa/internal/tracker"
	"github.com/MikeSquared-Agency/codessa/internal/workspace"
)

// Store is the action side of the workspace store.
type Store interface {
	QueryPendingActions(ctx context.Context, f workspace.ActionFilter) ([]workspace.Action, error)
	UpdateActionStatus(ctx context.Context, id uuid.UUID, u workspace.ActionUpdate) error
}

// Tracker creates and inspects external resources. Every create call carries
// the action's idempotency key.
type Tracker interface {
	CreateIssue(ctx context.Context, target, title, body, key string) (string, error)
	CreatePullRequest(ctx context.Context, target, title, body, key string) (string, error)
	CreateDiscussion(ctx context.Context, target, title, body, key string) (string, error)
	Status(ctx context.Context, htmlURL string) (tracker.State, error)
}

type Config struct {
	Policy    retry.Policy
	Workers   int
	BatchSize int
}

type Materializer struct {
	store   Store
	tracker Tracker
	cfg     Config
	logger  *slog.Logger
	locks   keylock.Map
	sleep   retry.Sleeper
	now     func() time.Time
}

type Option func(*Materializer)

// WithSleeper replaces the real backoff clock.
func WithSleeper(s retry.Sleeper) Option {
	return func(m *Materializer) { m.sleep = s }
}

func WithClock(now func() time.Time) Option {
	return func(m *Materializer) { m.now = now }
}

func New(store Store, tr Tracker, cfg Config, logger *slog.Logger, opts ...Option) *Materializer {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	cfg.Policy.Retryable = tracker.IsRetryable
	m := &Materializer{
		store:   store,
		tracker: tr,
		cfg:     cfg,
		logger:  logger,
		sleep:   retry.SleepContext,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run materializes one batch of queued actions. Actions for the same target
// are handled one at a time in queue order; different targets proceed in
// parallel. Only a failure to query the queue is returned as an error.
func (m *Materializer) Run(ctx context.Context) (report.Summary, error) {
	c := report.NewCollector(m.now(), false)

	actions, err := m.store.QueryPendingActions(ctx, workspace.ActionFilter{
		Status: workspace.ActionQueued,
		Limit:  m.cfg.BatchSize,
	})
	if err != nil {
		return c.Summary(), fmt.Errorf("query pending actions: %w", err)
	}
	m.logger.Info("materializing actions", "count", len(actions))

	// One worker drains each target's backlog so a busy target never holds
	// more than one slot.
	var g errgroup.Group
	g.SetLimit(m.cfg.Workers)
	for _, group := range groupByTarget(actions) {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			for _, a := range group {
				if ctx.Err() != nil {
					m.logger.Info("action left queued", "action_id", a.ID.String(), "reason", "cancelled")
					continue
				}
				m.process(ctx, a, c)
			}
			return nil
		})
	}
	_ = g.Wait()

	c.Update(func(s *report.Summary) { s.FinishedAt = m.now() })
	return c.Summary(), nil
}

// groupByTarget splits actions per target, keeping queue order within each
// target and ordering targets by their oldest action.
func groupByTarget(actions []workspace.Action) [][]workspace.Action {
	index := make(map[string]int)
	var groups [][]workspace.Action
	for _, a := range actions {
		i, ok := index[a.Target]
		if !ok {
			i = len(groups)
			index[a.Target] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], a)
	}
	return groups
}

func (m *Materializer) process(ctx context.Context, a workspace.Action, c *report.Collector) {
	log := m.logger.With("action_id", a.ID.String(), "action_type", string(a.Type), "target", a.Target)

	unlock, err := m.locks.Lock(ctx, a.Target)
	if err != nil {
		log.Info("action left queued", "reason", "cancelled")
		return
	}
	defer unlock()

	key := a.IdempotencyKey()
	var url string
	res := retry.Do(ctx, m.cfg.Policy, func(ctx context.Context) error {
		u, err := m.create(ctx, a, key)
		if err != nil {
			return err
		}
		url = u
		return nil
	},
		retry.WithSleeper(m.sleep),
		retry.WithRetryAfter(tracker.RetryAfter),
		retry.OnRetry(func(n int, delay time.Duration, err error) {
			log.Warn("tracker call failed, retrying", "retry", n, "delay", delay.String(), "error", err)
			upd := workspace.ActionUpdate{Status: workspace.ActionQueued, RetryCount: n, LastError: err.Error()}
			if err := m.store.UpdateActionStatus(ctx, a.ID, upd); err != nil {
				log.Error("failed to record retry", "error", err)
			}
		}),
	)

	switch {
	case res.Err == nil:
		m.succeed(ctx, log, a, url, res.Retries, c)
	case ctx.Err() != nil:
		log.Info("action left queued", "reason", "cancelled", "attempts", res.Attempts)
	case res.Exhausted:
		m.fail(ctx, log, a, report.KindRetryBudgetExhausted, m.cfg.Policy.MaxRetries, res.Err, c)
	default:
		m.fail(ctx, log, a, report.KindRemoteNonRetryable, res.Retries, res.Err, c)
	}
}

func (m *Materializer) create(ctx context.Context, a workspace.Action, key string) (string, error) {
	switch a.Type {
	case workspace.ActionIssue:
		return m.tracker.CreateIssue(ctx, a.Target, a.Title, a.Body, key)
	case workspace.ActionPullRequest:
		return m.tracker.CreatePullRequest(ctx, a.Target, a.Title, a.Body, key)
	case workspace.ActionDiscussion:
		return m.tracker.CreateDiscussion(ctx, a.Target, a.Title, a.Body, key)
	default:
		return "", fmt.Errorf("unknown action type %q", a.Type)
	}
}

func (m *Materializer) succeed(ctx context.Context, log *slog.Logger, a workspace.Action, url string, retries int, c *report.Collector) {
	upd := workspace.ActionUpdate{
		Status:      workspace.ActionPushed,
		RetryCount:  retries,
		ExternalURL: url,
	}
	// Discussions have nothing left to track once created.
	if a.Type == workspace.ActionDiscussion {
		upd.Status = workspace.ActionCompleted
		upd.CompletedAt = m.now()
	}
	if err := m.store.UpdateActionStatus(ctx, a.ID, upd); err != nil {
		log.Error("failed to record pushed action", "url", url, "error", err)
		c.AddFailure(a.ID.String(), storeKind(err), err)
		return
	}

	log.Info("action materialized", "status", string(upd.Status), "url", url, "retries", retries)
	c.Update(func(s *report.Summary) {
		if upd.Status == workspace.ActionCompleted {
			s.ActionsCompleted++
		} else {
			s.ActionsPushed++
		}
	})
}

func (m *Materializer) fail(ctx context.Context, log *slog.Logger, a workspace.Action, kind report.Kind, retries int, cause error, c *report.Collector) {
	log.Error("action failed", "kind", string(kind), "retries", retries, "error", cause)
	upd := workspace.ActionUpdate{
		Status:      workspace.ActionFailed,
		RetryCount:  retries,
		LastError:   cause.Error(),
		FailureKind: string(kind),
	}
	if err := m.store.UpdateActionStatus(ctx, a.ID, upd); err != nil {
		log.Error("failed to record action failure", "error", err)
	}
	c.AddFailure(a.ID.String(), kind, cause)
	c.Update(func(s *report.Summary) { s.ActionsFailed++ })
}

// Reconcile moves Pushed actions whose external resource has been closed or
// merged to Completed. It pages through every Pushed action so long-open
// resources never starve newer ones. It is best effort: per-action errors are
// logged and skipped.
func (m *Materializer) Reconcile(ctx context.Context) (int, error) {
	completed, offset := 0, 0
	for {
		page, err := m.store.QueryPendingActions(ctx, workspace.ActionFilter{
			Status: workspace.ActionPushed,
			Limit:  m.cfg.BatchSize,
			Offset: offset,
		})
		if err != nil {
			return completed, fmt.Errorf("query pushed actions: %w", err)
		}

		done := 0
		for _, a := range page {
			if ctx.Err() != nil {
				return completed + done, ctx.Err()
			}
			if m.reconcile(ctx, a) {
				done++
			}
		}
		completed += done

		if len(page) < m.cfg.BatchSize {
			return completed, nil
		}
		// Completed actions drop out of the Pushed set.
		offset += len(page) - done
	}
}

func (m *Materializer) reconcile(ctx context.Context, a workspace.Action) bool {
	if a.ExternalURL == "" {
		return false
	}
	log := m.logger.With("action_id", a.ID.String(), "url", a.ExternalURL)

	state, err := m.tracker.Status(ctx, a.ExternalURL)
	if errors.Is(err, tracker.ErrGone) {
		log.Warn("external resource gone, leaving action pushed")
		return false
	}
	if err != nil {
		log.Warn("status check failed", "error", err)
		return false
	}
	if state != tracker.StateClosed && state != tracker.StateMerged {
		return false
	}

	err = m.store.UpdateActionStatus(ctx, a.ID, workspace.ActionUpdate{
		Status:      workspace.ActionCompleted,
		RetryCount:  a.RetryCount,
		CompletedAt: m.now(),
	})
	if err != nil {
		log.Warn("failed to complete action", "error", err)
		return false
	}
	log.Info("action completed", "state", string(state))
	return true
}

func storeKind(err error) report.Kind {
	if errors.Is(err, workspace.ErrConflict) {
		return report.KindStoreConflict
	}
	return report.KindStoreError
}
