package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/MikeSquared-Agency/codessa/internal/ledger"
)

type ledgerBackend struct {
	s *Store
}

// LedgerBackend persists the ingestion ledger in the ingestion_ledger table.
func (s *Store) LedgerBackend() ledger.Backend {
	return ledgerBackend{s: s}
}

func (b ledgerBackend) Load(ctx context.Context) ([]ledger.Record, error) {
	rows, err := b.s.pool.Query(ctx, `
		SELECT content_hash, origin_path, processed_at, outcome, error_detail
		FROM ingestion_ledger`)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var out []ledger.Record
	for rows.Next() {
		var r ledger.Record
		if err := rows.Scan(&r.ContentHash, &r.OriginPath, &r.ProcessedAt, &r.Outcome, &r.ErrorDetail); err != nil {
			return nil, fmt.Errorf("scan ledger record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Save upserts every record. A stored success is never overwritten, even by
// a concurrent process.
func (b ledgerBackend) Save(ctx context.Context, records []ledger.Record) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(`
			INSERT INTO ingestion_ledger (content_hash, origin_path, processed_at, outcome, error_detail)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (content_hash) DO UPDATE SET
				origin_path = EXCLUDED.origin_path,
				processed_at = EXCLUDED.processed_at,
				outcome = EXCLUDED.outcome,
				error_detail = EXCLUDED.error_detail
			WHERE ingestion_ledger.outcome <> 'success'`,
			r.ContentHash, r.OriginPath, r.ProcessedAt, string(r.Outcome), r.ErrorDetail,
		)
	}
	if err := b.s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save ledger: %w", err)
	}
	return nil
}
