package handler

import (
	"context"
	"log/slog"

	"github.com/scribeworks/transcribe-be/internal/artifact"
	"github.com/scribeworks/transcribe-be/internal/backend"
	"github.com/scribeworks/transcribe-be/internal/domain"
	"github.com/scribeworks/transcribe-be/internal/quota"
	"github.com/scribeworks/transcribe-be/internal/storage"
	"github.com/scribeworks/transcribe-be/internal/upload"
)

// LifecycleEngine is the slice of the engine the handlers drive.
type LifecycleEngine interface {
	CreateJob(ctx context.Context, ownerID string, input domain.InputRef, language string) (*domain.Job, error)
	StartPrediction(ctx context.Context, job *domain.Job) error
	ApplyWebhookEvent(ctx context.Context, event *backend.Event) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger          *slog.Logger
	Engine          LifecycleEngine
	Backend         backend.Backend
	Ledger          *quota.Ledger
	Store           *storage.Store
	Uploads         *upload.Store
	Artifacts       *artifact.Store
	MaxFileSize     int64
	DefaultLanguage string
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger          *slog.Logger
	engine          LifecycleEngine
	backend         backend.Backend
	ledger          *quota.Ledger
	store           *storage.Store
	uploads         *upload.Store
	artifacts       *artifact.Store
	maxFileSize     int64
	defaultLanguage string
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	maxFileSize := deps.MaxFileSize
	if maxFileSize <= 0 {
		maxFileSize = quota.DefaultMaxFileSize
	}
	defaultLanguage := deps.DefaultLanguage
	if defaultLanguage == "" {
		defaultLanguage = "de"
	}
	return &JobHandler{
		logger:          deps.Logger,
		engine:          deps.Engine,
		backend:         deps.Backend,
		ledger:          deps.Ledger,
		store:           deps.Store,
		uploads:         deps.Uploads,
		artifacts:       deps.Artifacts,
		maxFileSize:     maxFileSize,
		defaultLanguage: defaultLanguage,
	}
}
