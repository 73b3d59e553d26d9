package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Outcome is the result of processing one raw export.
type Outcome string

const (
	Success        Outcome = "success"
	PartialFailure Outcome = "partial_failure"
	Failure        Outcome = "failure"
)

// Record is the ledger entry for one content hash. OriginPath is kept for
// observability only; identity is the hash.
type Record struct {
	ContentHash string    `json:"content_hash"`
	OriginPath  string    `json:"origin_path"`
	ProcessedAt time.Time `json:"processed_at"`
	Outcome     Outcome   `json:"outcome"`
	ErrorDetail string    `json:"error_detail,omitempty"`
}

// Backend persists ledger records.
type Backend interface {
	Load(ctx context.Context) ([]Record, error)
	Save(ctx context.Context, records []Record) error
}

// Ledger gates raw exports by content hash. Once a hash has succeeded it is
// never processed again. Safe for concurrent use.
type Ledger struct {
	mu      sync.RWMutex
	backend Backend
	records map[string]Record
	dirty   bool
	now     func() time.Time
}

// Open loads existing records from backend.
func Open(ctx context.Context, backend Backend) (*Ledger, error) {
	records, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	l := &Ledger{
		backend: backend,
		records: make(map[string]Record, len(records)),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, r := range records {
		if prev, ok := l.records[r.ContentHash]; ok && prev.Outcome == Success {
			continue
		}
		l.records[r.ContentHash] = r
	}
	return l, nil
}

// ShouldProcess reports whether hash still needs work.
func (l *Ledger) ShouldProcess(hash string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.records[hash]
	return !ok || r.Outcome != Success
}

// RecordOutcome stores the result of processing hash. A recorded Success is
// never downgraded; PartialFailure and Failure leave the hash eligible for the
// next run.
func (l *Ledger) RecordOutcome(hash, originPath string, outcome Outcome, detail string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, ok := l.records[hash]; ok && prev.Outcome == Success {
		return
	}
	l.records[hash] = Record{
		ContentHash: hash,
		OriginPath:  originPath,
		ProcessedAt: l.now(),
		Outcome:     outcome,
		ErrorDetail: detail,
	}
	l.dirty = true
}

// Lookup returns the record for hash, if any.
func (l *Ledger) Lookup(hash string) (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.records[hash]
	return r, ok
}

// Records returns a snapshot sorted by processing time.
func (l *Ledger) Records() []Record {
	l.mu.RLock()
	out := make([]Record, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, r)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ProcessedAt.Equal(out[j].ProcessedAt) {
			return out[i].ContentHash < out[j].ContentHash
		}
		return out[i].ProcessedAt.Before(out[j].ProcessedAt)
	})
	return out
}

// Flush persists the ledger if anything changed since the last flush.
func (l *Ledger) Flush(ctx context.Context) error {
	l.mu.Lock()
	if !l.dirty {
		l.mu.Unlock()
		return nil
	}
	l.dirty = false
	l.mu.Unlock()

	if err := l.backend.Save(ctx, l.Records()); err != nil {
		l.mu.Lock()
		l.dirty = true
		l.mu.Unlock()
		return fmt.Errorf("save ledger: %w", err)
	}
	return nil
}
