package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// InsertQuotaRecord appends an upload to the quota ledger. Records are
// append-only; nothing in normal operation mutates or deletes them.
func (s *Store) InsertQuotaRecord(ctx context.Context, ownerID string, byteSize int64) error {
	query := `
		INSERT INTO quota_records (owner_id, byte_size, created_at)
		VALUES ($1, $2, NOW())
	`

	if _, err := s.db.ExecContext(ctx, query, ownerID, byteSize); err != nil {
		return fmt.Errorf("failed to insert quota record: %w", err)
	}

	s.logger.Debug("Quota record appended",
		slog.String("owner_id", ownerID),
		slog.Int64("byte_size", byteSize),
	)

	return nil
}

// SumUploadsSince returns the total uploaded bytes of an owner since the
// given instant. Summed on demand rather than kept as a running counter so
// the figure cannot drift from the ledger.
func (s *Store) SumUploadsSince(ctx context.Context, ownerID string, since time.Time) (int64, error) {
	query := `
		SELECT COALESCE(SUM(byte_size), 0)
		FROM quota_records
		WHERE owner_id = $1 AND created_at >= $2
	`

	var total int64
	if err := s.db.GetContext(ctx, &total, query, ownerID, since); err != nil {
		return 0, fmt.Errorf("failed to sum quota records: %w", err)
	}

	return total, nil
}
