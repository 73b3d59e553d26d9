package hermes

import (
	"errors"
	"fmt"
	"time"

	"github.com/MikeSquared-Agency/codessa/internal/report"
)

const (
	// SubjectRunCompleted carries one RunCompleted per capture or execute pass.
	SubjectRunCompleted = "swarm.codessa.run.completed"
	// SubjectItemFailed carries one ItemFailed per failed file, conversation
	// or action.
	SubjectItemFailed = "swarm.codessa.item.failed"
)

// Publisher is satisfied by *Client.
type Publisher interface {
	Publish(subject string, data any) error
}

type RunCompleted struct {
	Phase       string         `json:"phase"` // capture | execute
	CompletedAt time.Time      `json:"completed_at"`
	Summary     report.Summary `json:"summary"`
}

type ItemFailed struct {
	Phase string      `json:"phase"`
	Item  string      `json:"item"`
	Kind  report.Kind `json:"kind"`
	Error string      `json:"error"`
}

// PublishSummary emits the run event followed by one event per failure.
// All events are attempted; the errors are joined.
func PublishSummary(p Publisher, phase string, s report.Summary) error {
	var errs []error

	completedAt := s.FinishedAt
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}
	event := RunCompleted{Phase: phase, CompletedAt: completedAt, Summary: s}
	// The failures travel on their own subject.
	event.Summary.Failures = nil
	if err := p.Publish(SubjectRunCompleted, event); err != nil {
		errs = append(errs, fmt.Errorf("publish run completed: %w", err))
	}

	for _, f := range s.Failures {
		err := p.Publish(SubjectItemFailed, ItemFailed{Phase: phase, Item: f.Item, Kind: f.Kind, Error: f.Error})
		if err != nil {
			errs = append(errs, fmt.Errorf("publish item failed %s: %w", f.Item, err))
		}
	}
	return errors.Join(errs...)
}
