// Package quota tracks cumulative upload bytes per user over the current
// calendar month and answers whether another upload would exceed the
// configured limit.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Default limits, overridable via configuration.
const (
	// DefaultMonthlyLimit is the per-user monthly upload cap.
	DefaultMonthlyLimit = 5 * 1024 * 1024 * 1024

	// DefaultMaxFileSize is the largest single upload accepted at the
	// boundary.
	DefaultMaxFileSize = 1 * 1024 * 1024 * 1024
)

// Storage is the persistence the ledger needs: an append-only record per
// accepted upload plus an on-demand sum.
type Storage interface {
	InsertQuotaRecord(ctx context.Context, ownerID string, byteSize int64) error
	SumUploadsSince(ctx context.Context, ownerID string, since time.Time) (int64, error)
}

// Ledger computes upload usage over calendar-month windows in a configured
// time zone.
type Ledger struct {
	storage Storage
	limit   int64
	loc     *time.Location
	logger  *slog.Logger

	// now is replaceable in tests
	now func() time.Time
}

// NewLedger creates a Ledger. A nil location defaults to UTC; a
// non-positive limit falls back to DefaultMonthlyLimit.
func NewLedger(storage Storage, limit int64, loc *time.Location, logger *slog.Logger) *Ledger {
	if loc == nil {
		loc = time.UTC
	}
	if limit <= 0 {
		limit = DefaultMonthlyLimit
	}
	return &Ledger{
		storage: storage,
		limit:   limit,
		loc:     loc,
		logger:  logger,
		now:     time.Now,
	}
}

// Limit returns the configured monthly cap in bytes.
func (l *Ledger) Limit() int64 {
	return l.limit
}

// RecordUpload appends a ledger entry for an accepted upload. Storage
// failures propagate to the caller.
func (l *Ledger) RecordUpload(ctx context.Context, ownerID string, byteSize int64) error {
	if byteSize <= 0 {
		return fmt.Errorf("byte size must be positive, got %d", byteSize)
	}
	if err := l.storage.InsertQuotaRecord(ctx, ownerID, byteSize); err != nil {
		return fmt.Errorf("failed to record upload: %w", err)
	}

	l.logger.Info("Upload recorded in quota ledger",
		slog.String("owner_id", ownerID),
		slog.Int64("byte_size", byteSize),
	)

	return nil
}

// CurrentUsage sums the owner's uploads since the first instant of the
// current calendar month in the ledger's time zone.
func (l *Ledger) CurrentUsage(ctx context.Context, ownerID string) (int64, error) {
	usage, err := l.storage.SumUploadsSince(ctx, ownerID, l.monthStart())
	if err != nil {
		return 0, fmt.Errorf("failed to compute usage: %w", err)
	}
	return usage, nil
}

// WouldExceed reports whether adding the given bytes would push the owner
// over the monthly limit. The check is advisory: two concurrent uploads may
// both pass and jointly overshoot by one file, which is an accepted
// relaxation, not a reservation.
func (l *Ledger) WouldExceed(ctx context.Context, ownerID string, additional int64) (bool, error) {
	usage, err := l.CurrentUsage(ctx, ownerID)
	if err != nil {
		return false, err
	}
	return usage+additional > l.limit, nil
}

// monthStart returns the first instant of the current month in the
// configured location.
func (l *Ledger) monthStart() time.Time {
	now := l.now().In(l.loc)
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, l.loc)
}
