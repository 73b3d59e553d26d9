// Package daemon sequences the capture and execute phases, once or on an
// interval, and hands every phase summary to the configured sinks.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MikeSquared-Agency/codessa/internal/report"
)

const (
	PhaseCapture = "capture"
	PhaseExecute = "execute"
)

// Capturer ingests exports into the workspace.
type Capturer interface {
	Run(ctx context.Context) (report.Summary, error)
}

// Executor drains the action queue into the tracker.
type Executor interface {
	Run(ctx context.Context) (report.Summary, error)
	Reconcile(ctx context.Context) (int, error)
}

// Sink receives each phase summary. Sinks must not block for long.
type Sink func(ctx context.Context, phase string, s report.Summary)

type Options struct {
	CaptureOnly bool
	ExecuteOnly bool
	Continuous  bool
	Interval    time.Duration
}

type Daemon struct {
	capture Capturer
	execute Executor
	sinks   []Sink
	opts    Options
	logger  *slog.Logger
}

// New builds a daemon. Either phase may be nil, in which case it is skipped.
func New(capture Capturer, execute Executor, opts Options, logger *slog.Logger, sinks ...Sink) (*Daemon, error) {
	if opts.CaptureOnly && opts.ExecuteOnly {
		return nil, errors.New("--capture-only and --execute-only are mutually exclusive")
	}
	if opts.Continuous && opts.Interval <= 0 {
		return nil, fmt.Errorf("invalid interval %v", opts.Interval)
	}
	return &Daemon{capture: capture, execute: execute, opts: opts, logger: logger, sinks: sinks}, nil
}

// RunOnce runs the enabled phases in order and returns their merged summary.
// A failed capture phase does not prevent the execute phase.
func (d *Daemon) RunOnce(ctx context.Context) (report.Summary, error) {
	var (
		total report.Summary
		errs  []error
	)

	if d.capture != nil && !d.opts.ExecuteOnly {
		s, err := d.capture.Run(ctx)
		if err != nil {
			d.logger.Error("capture phase failed", "error", err)
			errs = append(errs, fmt.Errorf("capture: %w", err))
		}
		d.emit(ctx, PhaseCapture, s)
		total.Merge(s)
	}

	if ctx.Err() != nil {
		return total, errors.Join(append(errs, ctx.Err())...)
	}

	if d.execute != nil && !d.opts.CaptureOnly {
		s, err := d.execute.Run(ctx)
		if err != nil {
			d.logger.Error("execute phase failed", "error", err)
			errs = append(errs, fmt.Errorf("execute: %w", err))
		}
		if n, err := d.execute.Reconcile(ctx); err != nil {
			d.logger.Warn("reconcile failed", "error", err)
		} else {
			s.ActionsReconciled += n
			s.ActionsCompleted += n
		}
		d.emit(ctx, PhaseExecute, s)
		total.Merge(s)
	}

	return total, errors.Join(errs...)
}

// Run executes RunOnce, then repeats it every Interval in continuous mode
// until ctx is cancelled. Per-pass errors are logged; only the first pass's
// error is returned in one-shot mode.
func (d *Daemon) Run(ctx context.Context) error {
	_, err := d.RunOnce(ctx)
	if !d.opts.Continuous {
		return err
	}

	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()
	d.logger.Info("continuous mode", "interval", d.opts.Interval.String())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("sync pass failed", "error", err)
			}
		}
	}
}

func (d *Daemon) emit(ctx context.Context, phase string, s report.Summary) {
	for _, sink := range d.sinks {
		sink(ctx, phase, s)
	}
}
