package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/scribeworks/transcribe-be/internal/domain"
	"github.com/scribeworks/transcribe-be/shared/postgresql"
)

// uniqueViolation is the Postgres error code raised by the
// (owner_id, input_name) unique index on jobs.
const uniqueViolation = "23505"

// Store handles all database operations for jobs, outputs and the quota
// ledger.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store instance.
func NewStore(pg *postgresql.Client, logger *slog.Logger) *Store {
	return &Store{
		db:     pg.GetDB(),
		logger: logger,
	}
}

type jobRow struct {
	JobID          int64     `db:"job_id"`
	OwnerID        string    `db:"owner_id"`
	InputName      string    `db:"input_name"`
	InputSize      int64     `db:"input_size"`
	InputHandle    string    `db:"input_handle"`
	Language       string    `db:"language"`
	Status         string    `db:"status"`
	BackendPayload []byte    `db:"backend_payload"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (r *jobRow) toDomain() (*domain.Job, error) {
	job := &domain.Job{
		ID:      r.JobID,
		OwnerID: r.OwnerID,
		Input: domain.InputRef{
			Name:   r.InputName,
			Size:   r.InputSize,
			Handle: r.InputHandle,
		},
		Language:  r.Language,
		Status:    r.Status,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if len(r.BackendPayload) > 0 {
		if err := json.Unmarshal(r.BackendPayload, &job.BackendPayload); err != nil {
			return nil, fmt.Errorf("failed to decode backend payload: %w", err)
		}
	}
	return job, nil
}

// CreateJob inserts a new job in the starting state. A second job for the
// same (owner, input name) pair is rejected with ErrDuplicateSubmission.
func (s *Store) CreateJob(ctx context.Context, ownerID string, input domain.InputRef, language string) (*domain.Job, error) {
	query := `
		INSERT INTO jobs (
			owner_id, input_name, input_size, input_handle,
			language, status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, NOW(), NOW()
		)
		RETURNING job_id, created_at, updated_at
	`

	job := &domain.Job{
		OwnerID:  ownerID,
		Input:    input,
		Language: language,
		Status:   domain.JobStatusStarting,
	}

	err := s.db.QueryRowContext(ctx, query,
		ownerID, input.Name, input.Size, input.Handle,
		language, job.Status,
	).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)

	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return nil, domain.ErrDuplicateSubmission
		}
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Info("Job created",
		slog.Int64("job_id", job.ID),
		slog.String("owner_id", ownerID),
		slog.String("input_name", input.Name),
	)

	return job, nil
}

// GetJob retrieves a job and its linked outputs.
func (s *Store) GetJob(ctx context.Context, jobID int64) (*domain.Job, error) {
	query := `
		SELECT
			job_id, owner_id, input_name, input_size, input_handle,
			language, status, backend_payload, created_at, updated_at
		FROM jobs
		WHERE job_id = $1
	`

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	job, err := row.toDomain()
	if err != nil {
		return nil, err
	}

	outputs, err := s.GetOutputs(ctx, jobID)
	if err != nil {
		return nil, err
	}
	job.Outputs = outputs

	return job, nil
}

// JobFilter selects jobs for listing.
type JobFilter struct {
	OwnerID  string
	Status   string
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is the keyset-pagination position over (created_at, job_id).
type JobCursor struct {
	CreatedAt time.Time
	JobID     int64
}

// ListJobs returns jobs matching the filter, newest first. One extra row
// beyond PageSize is returned so the caller can detect further pages.
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	query := `
		SELECT
			job_id, owner_id, input_name, input_size, input_handle,
			language, status, backend_payload, created_at, updated_at
		FROM jobs
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if filter.OwnerID != "" {
		query += fmt.Sprintf(" AND owner_id = $%d", argIdx)
		args = append(args, filter.OwnerID)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, job_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]domain.Job, 0, len(rows))
	ids := make([]int64, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
		ids = append(ids, job.ID)
	}

	if err := s.attachOutputs(ctx, jobs, ids); err != nil {
		return nil, err
	}

	return jobs, nil
}

// attachOutputs loads the output handles for all listed jobs in one query.
func (s *Store) attachOutputs(ctx context.Context, jobs []domain.Job, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	query := `
		SELECT job_id, kind, handle
		FROM job_outputs
		WHERE job_id = ANY($1)
	`

	var rows []struct {
		JobID  int64  `db:"job_id"`
		Kind   string `db:"kind"`
		Handle string `db:"handle"`
	}
	if err := s.db.SelectContext(ctx, &rows, query, pq.Array(ids)); err != nil {
		return fmt.Errorf("failed to load job outputs: %w", err)
	}

	byJob := make(map[int64]map[string]string)
	for _, r := range rows {
		if byJob[r.JobID] == nil {
			byJob[r.JobID] = make(map[string]string)
		}
		byJob[r.JobID][r.Kind] = r.Handle
	}
	for i := range jobs {
		jobs[i].Outputs = byJob[jobs[i].ID]
	}

	return nil
}

// UpdateJobStatus sets the status and audit payload of a non-terminal job.
// The WHERE guard is the database-side backstop against two callbacks racing
// past the terminal-state check: once a job is terminal no row matches and
// the update reports false.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID int64, status string, payload map[string]any) (bool, error) {
	if !domain.ValidStatus(status) {
		return false, fmt.Errorf("invalid job status: %q", status)
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal backend payload: %w", err)
	}

	query := `
		UPDATE jobs
		SET status = $1,
		    backend_payload = $2,
		    updated_at = NOW()
		WHERE job_id = $3
		  AND status NOT IN ($4, $5, $6)
	`

	result, err := s.db.ExecContext(ctx, query, status, encoded, jobID,
		domain.JobStatusSucceeded, domain.JobStatusFailed, domain.JobStatusCanceled)
	if err != nil {
		return false, fmt.Errorf("failed to update job status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	s.logger.Info("Job status updated",
		slog.Int64("job_id", jobID),
		slog.String("status", status),
		slog.Bool("applied", affected > 0),
	)

	return affected > 0, nil
}

// CompleteJob marks a job succeeded and links its output handles in one
// transaction, so a reader can never observe outputs on a non-terminal job.
// The terminal guard on the UPDATE makes a racing transition lose cleanly:
// when no row matches, nothing is linked and the update reports false. The
// ON CONFLICT clause keeps a redelivered success callback from producing
// duplicate output rows.
func (s *Store) CompleteJob(ctx context.Context, jobID int64, outputs map[string]string, payload map[string]any) (bool, error) {
	for kind := range outputs {
		if !domain.ValidKind(kind) {
			return false, fmt.Errorf("%w: %q", domain.ErrInvalidKind, kind)
		}
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal backend payload: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	updateQuery := `
		UPDATE jobs
		SET status = $1,
		    backend_payload = $2,
		    updated_at = NOW()
		WHERE job_id = $3
		  AND status NOT IN ($4, $5, $6)
	`

	result, err := tx.ExecContext(ctx, updateQuery, domain.JobStatusSucceeded, encoded, jobID,
		domain.JobStatusSucceeded, domain.JobStatusFailed, domain.JobStatusCanceled)
	if err != nil {
		return false, fmt.Errorf("failed to update job status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	insertQuery := `
		INSERT INTO job_outputs (job_id, kind, handle, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (job_id, kind) DO NOTHING
	`
	for kind, handle := range outputs {
		if _, err := tx.ExecContext(ctx, insertQuery, jobID, kind, handle); err != nil {
			return false, fmt.Errorf("failed to link %s output: %w", kind, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit job completion: %w", err)
	}

	s.logger.Info("Job completed",
		slog.Int64("job_id", jobID),
		slog.Int("outputs", len(outputs)),
	)

	return true, nil
}

// GetOutputs returns the kind -> handle mapping of a job.
func (s *Store) GetOutputs(ctx context.Context, jobID int64) (map[string]string, error) {
	query := `
		SELECT kind, handle
		FROM job_outputs
		WHERE job_id = $1
	`

	var rows []struct {
		Kind   string `db:"kind"`
		Handle string `db:"handle"`
	}
	if err := s.db.SelectContext(ctx, &rows, query, jobID); err != nil {
		return nil, fmt.Errorf("failed to get job outputs: %w", err)
	}

	if len(rows) == 0 {
		return nil, nil
	}
	outputs := make(map[string]string, len(rows))
	for _, r := range rows {
		outputs[r.Kind] = r.Handle
	}
	return outputs, nil
}

// DeleteJob removes a job and its output links in one transaction. This is
// the destructive administrative operation, distinct from lifecycle
// cancellation.
func (s *Store) DeleteJob(ctx context.Context, jobID int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM job_outputs WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("failed to delete job outputs: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrJobNotFound
	}

	return tx.Commit()
}
