// Package engine owns the job lifecycle: creation, backend submission,
// webhook-driven state transitions and output materialization. It is the
// only component that mutates jobs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/scribeworks/transcribe-be/internal/backend"
	"github.com/scribeworks/transcribe-be/internal/domain"
	"github.com/scribeworks/transcribe-be/internal/events"
)

// JobStore is the persistence the engine needs. UpdateJobStatus and
// CompleteJob must refuse updates to terminal jobs and report whether the
// update applied; CompleteJob must link the outputs and set the succeeded
// status atomically.
type JobStore interface {
	CreateJob(ctx context.Context, ownerID string, input domain.InputRef, language string) (*domain.Job, error)
	GetJob(ctx context.Context, jobID int64) (*domain.Job, error)
	UpdateJobStatus(ctx context.Context, jobID int64, status string, payload map[string]any) (bool, error)
	CompleteJob(ctx context.Context, jobID int64, outputs map[string]string, payload map[string]any) (bool, error)
}

// ArtifactStore materializes output content as durable artifacts.
type ArtifactStore interface {
	Write(jobID int64, filename, content string) (string, error)
}

// DownloadResolver turns an upload handle into a URL the backend can fetch.
type DownloadResolver interface {
	DownloadURL(handle string) (string, error)
}

// EventPublisher receives terminal lifecycle events. Publish failures never
// fail the transition that triggered them.
type EventPublisher interface {
	PublishJobEvent(ctx context.Context, event events.JobEvent) error
}

// lockShards bounds the per-job mutex table. Two jobs sharing a shard only
// cost a little unnecessary serialization.
const lockShards = 64

// Config holds the engine dependencies and settings.
type Config struct {
	Store           JobStore
	Artifacts       ArtifactStore
	Uploads         DownloadResolver
	Backend         backend.Backend
	Publisher       EventPublisher // optional
	CallbackBaseURL string
	SubmitTimeout   time.Duration
	Logger          *slog.Logger
}

// Engine drives the job state machine:
// starting -> processing -> {succeeded | failed | canceled}.
type Engine struct {
	store         JobStore
	artifacts     ArtifactStore
	uploads       DownloadResolver
	backend       backend.Backend
	publisher     EventPublisher
	callbackBase  string
	submitTimeout time.Duration
	logger        *slog.Logger

	locks keyedMutex
}

// New creates an Engine.
func New(cfg *Config) *Engine {
	timeout := cfg.SubmitTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Engine{
		store:         cfg.Store,
		artifacts:     cfg.Artifacts,
		uploads:       cfg.Uploads,
		backend:       cfg.Backend,
		publisher:     cfg.Publisher,
		callbackBase:  cfg.CallbackBaseURL,
		submitTimeout: timeout,
		logger:        cfg.Logger,
	}
}

// CreateJob creates a job in the starting state. At most one job may exist
// per (owner, input) pair; the store rejects duplicates.
func (e *Engine) CreateJob(ctx context.Context, ownerID string, input domain.InputRef, language string) (*domain.Job, error) {
	if input.Name == "" || input.Handle == "" {
		return nil, domain.ErrInputMissing
	}
	return e.store.CreateJob(ctx, ownerID, input, language)
}

// StartPrediction submits the job to the configured backend. Must be called
// once per job. Any failure transitions the job to failed with the message
// recorded, and the error is returned so the caller decides how to surface
// it; resubmission against the paid backend is an explicit manual action,
// never an automatic retry.
func (e *Engine) StartPrediction(ctx context.Context, job *domain.Job) error {
	e.logger.Info("Starting prediction",
		slog.Int64("job_id", job.ID),
		slog.String("backend", e.backend.Name()),
	)

	if job.Input.Name == "" || job.Input.Handle == "" {
		e.markFailed(ctx, job, domain.ErrInputMissing.Error())
		return domain.ErrInputMissing
	}

	audioURL, err := e.uploads.DownloadURL(job.Input.Handle)
	if err != nil {
		e.markFailed(ctx, job, err.Error())
		return fmt.Errorf("%w: %v", domain.ErrDownloadUnavailable, err)
	}

	callbackURL, err := backend.CallbackURL(e.callbackBase, e.backend.Name(), job.ID)
	if err != nil {
		e.markFailed(ctx, job, err.Error())
		return err
	}

	submitCtx, cancel := context.WithTimeout(ctx, e.submitTimeout)
	defer cancel()

	submission, err := e.backend.Submit(submitCtx, backend.SubmitRequest{
		JobID:       job.ID,
		AudioURL:    audioURL,
		CallbackURL: callbackURL,
		Language:    job.Language,
	})
	if err != nil {
		e.markFailed(ctx, job, err.Error())
		return err
	}

	// The adapter's normalized status wins over an assumed default: some
	// backends report an immediate "processing".
	if _, err := e.store.UpdateJobStatus(ctx, job.ID, submission.Status, submission.Raw); err != nil {
		return fmt.Errorf("failed to persist submission: %w", err)
	}
	job.Status = submission.Status
	job.BackendPayload = submission.Raw

	return nil
}

// ApplyWebhookEvent feeds a normalized backend event into the state machine.
// Events for the same job are serialized; events for a terminal job succeed
// without mutation so the backend's at-least-once redelivery is harmless.
func (e *Engine) ApplyWebhookEvent(ctx context.Context, event *backend.Event) error {
	unlock := e.locks.lock(event.JobID)
	defer unlock()

	job, err := e.store.GetJob(ctx, event.JobID)
	if err != nil {
		return err
	}

	if domain.IsTerminal(job.Status) {
		e.logger.Info("Ignoring webhook event for terminal job",
			slog.Int64("job_id", job.ID),
			slog.String("job_status", job.Status),
			slog.String("event_status", event.Status),
		)
		return nil
	}

	switch event.Status {
	case domain.JobStatusSucceeded:
		return e.succeed(ctx, job, event)

	case domain.JobStatusFailed, domain.JobStatusCanceled:
		snapshot := snapshotWithoutOutput(event.Raw)
		if event.ErrorMessage != "" {
			snapshot["error"] = event.ErrorMessage
		}
		return e.transition(ctx, job, event.Status, snapshot)

	case domain.JobStatusStarting, domain.JobStatusProcessing:
		return e.transition(ctx, job, event.Status, snapshotWithoutOutput(event.Raw))

	default:
		return fmt.Errorf("%w: %q", backend.ErrUnknownStatus, event.Status)
	}
}

// succeed materializes the outputs, then links them and marks the job
// succeeded in a single store call. Artifacts go to disk first so that a
// write failure aborts the event with no output linked and the job untouched
// in its prior non-terminal state; a later redelivery can still complete it.
// A job must never be readable with outputs attached before it is succeeded.
func (e *Engine) succeed(ctx context.Context, job *domain.Job, event *backend.Event) error {
	kinds := make([]string, 0, len(event.Outputs))
	for kind := range event.Outputs {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	handles := make(map[string]string, len(kinds))
	for _, kind := range kinds {
		filename := job.Input.Name + "." + kind
		handle, err := e.artifacts.Write(job.ID, filename, event.Outputs[kind])
		if err != nil {
			return fmt.Errorf("failed to materialize %s output: %w", kind, err)
		}
		handles[kind] = handle
		e.logger.Info("Output materialized",
			slog.Int64("job_id", job.ID),
			slog.String("kind", kind),
			slog.String("handle", handle),
		)
	}

	// The raw output content is already on disk; storing it again in the
	// audit snapshot would double every transcript.
	applied, err := e.store.CompleteJob(ctx, job.ID, handles, snapshotWithoutOutput(event.Raw))
	if err != nil {
		return err
	}
	if !applied {
		e.logger.Warn("Job completion not applied, job already terminal",
			slog.Int64("job_id", job.ID),
		)
		return nil
	}

	e.logger.Info("Job transitioned",
		slog.Int64("job_id", job.ID),
		slog.String("from", job.Status),
		slog.String("to", domain.JobStatusSucceeded),
	)
	job.Status = domain.JobStatusSucceeded
	job.Outputs = handles

	e.publishTerminal(ctx, job, domain.JobStatusSucceeded)
	return nil
}

// transition persists the status change and publishes a lifecycle event for
// terminal states.
func (e *Engine) transition(ctx context.Context, job *domain.Job, status string, snapshot map[string]any) error {
	applied, err := e.store.UpdateJobStatus(ctx, job.ID, status, snapshot)
	if err != nil {
		return err
	}
	if !applied {
		// The database-side terminal guard caught a concurrent transition.
		e.logger.Warn("Job transition not applied, job already terminal",
			slog.Int64("job_id", job.ID),
			slog.String("status", status),
		)
		return nil
	}

	e.logger.Info("Job transitioned",
		slog.Int64("job_id", job.ID),
		slog.String("from", job.Status),
		slog.String("to", status),
	)
	job.Status = status

	if domain.IsTerminal(status) {
		e.publishTerminal(ctx, job, status)
	}

	return nil
}

// publishTerminal emits a lifecycle event for a terminal transition. Publish
// failures are logged only; the transition already happened.
func (e *Engine) publishTerminal(ctx context.Context, job *domain.Job, status string) {
	if e.publisher == nil {
		return
	}
	ev := events.JobEvent{
		JobID:      job.ID,
		OwnerID:    job.OwnerID,
		Status:     status,
		InputName:  job.Input.Name,
		OccurredAt: time.Now().UTC(),
	}
	if err := e.publisher.PublishJobEvent(ctx, ev); err != nil {
		e.logger.Warn("Failed to publish job event",
			slog.Int64("job_id", job.ID),
			slog.Any("error", err),
		)
	}
}

// markFailed records a submission failure on the job. Errors here are logged
// only; the original error is what the caller needs to see.
func (e *Engine) markFailed(ctx context.Context, job *domain.Job, message string) {
	snapshot := map[string]any{
		"error":     message,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	if _, err := e.store.UpdateJobStatus(ctx, job.ID, domain.JobStatusFailed, snapshot); err != nil {
		e.logger.Error("Failed to mark job as failed",
			slog.Int64("job_id", job.ID),
			slog.Any("error", err),
		)
		return
	}
	job.Status = domain.JobStatusFailed
	job.BackendPayload = snapshot

	e.logger.Error("Job failed",
		slog.Int64("job_id", job.ID),
		slog.String("error", message),
	)

	e.publishTerminal(ctx, job, domain.JobStatusFailed)
}

// IsTerminalEventError reports whether err means the webhook should be
// answered with a client error rather than a retryable server error.
func IsTerminalEventError(err error) bool {
	return errors.Is(err, domain.ErrJobNotFound) ||
		errors.Is(err, backend.ErrUnknownStatus)
}

// snapshotWithoutOutput copies the raw payload minus the bulky output field.
func snapshotWithoutOutput(raw map[string]any) map[string]any {
	snapshot := make(map[string]any, len(raw))
	for k, v := range raw {
		if k == "output" {
			continue
		}
		snapshot[k] = v
	}
	return snapshot
}
