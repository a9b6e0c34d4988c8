package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribeworks/transcribe-be/internal/backend"
	"github.com/scribeworks/transcribe-be/internal/domain"
	"github.com/scribeworks/transcribe-be/internal/events"
)

// fakeStore is an in-memory JobStore that enforces the same terminal guard
// as the real one, including the atomic link-and-succeed of CompleteJob.
type fakeStore struct {
	mu      sync.Mutex
	nextID  int64
	jobs    map[int64]*domain.Job
	outputs map[int64]map[string]string

	updateErr   error
	completeErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nextID:  1,
		jobs:    make(map[int64]*domain.Job),
		outputs: make(map[int64]map[string]string),
	}
}

func (f *fakeStore) CreateJob(_ context.Context, ownerID string, input domain.InputRef, language string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.OwnerID == ownerID && j.Input.Name == input.Name {
			return nil, domain.ErrDuplicateSubmission
		}
	}
	job := &domain.Job{
		ID:       f.nextID,
		OwnerID:  ownerID,
		Input:    input,
		Language: language,
		Status:   domain.JobStatusStarting,
	}
	f.nextID++
	f.jobs[job.ID] = job
	return copyJob(job), nil
}

func (f *fakeStore) GetJob(_ context.Context, jobID int64) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	out := copyJob(job)
	if outputs, ok := f.outputs[jobID]; ok {
		out.Outputs = make(map[string]string, len(outputs))
		for k, v := range outputs {
			out.Outputs[k] = v
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateJobStatus(_ context.Context, jobID int64, status string, payload map[string]any) (bool, error) {
	if f.updateErr != nil {
		return false, f.updateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return false, nil
	}
	if domain.IsTerminal(job.Status) {
		return false, nil
	}
	job.Status = status
	job.BackendPayload = payload
	return true, nil
}

func (f *fakeStore) CompleteJob(_ context.Context, jobID int64, outputs map[string]string, payload map[string]any) (bool, error) {
	if f.completeErr != nil {
		return false, f.completeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok || domain.IsTerminal(job.Status) {
		return false, nil
	}
	job.Status = domain.JobStatusSucceeded
	job.BackendPayload = payload
	if f.outputs[jobID] == nil {
		f.outputs[jobID] = make(map[string]string)
	}
	for kind, handle := range outputs {
		if _, exists := f.outputs[jobID][kind]; !exists {
			f.outputs[jobID][kind] = handle
		}
	}
	return true, nil
}

func copyJob(j *domain.Job) *domain.Job {
	out := *j
	return &out
}

// fakeArtifacts records writes keyed by filename. failOn fails the write of
// that one filename, writeErr fails every write.
type fakeArtifacts struct {
	mu       sync.Mutex
	written  map[string]string
	writeErr error
	failOn   string
}

func newFakeArtifacts() *fakeArtifacts {
	return &fakeArtifacts{written: make(map[string]string)}
}

func (f *fakeArtifacts) Write(jobID int64, filename, content string) (string, error) {
	if f.writeErr != nil {
		return "", f.writeErr
	}
	if f.failOn != "" && filename == f.failOn {
		return "", fmt.Errorf("write %s: no space left on device", filename)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	handle := fmt.Sprintf("job-%d/%s", jobID, filename)
	f.written[filename] = content
	return handle, nil
}

type fakeResolver struct {
	url string
	err error
}

func (f *fakeResolver) DownloadURL(string) (string, error) {
	return f.url, f.err
}

type fakePublisher struct {
	mu     sync.Mutex
	events []events.JobEvent
	err    error
}

func (f *fakePublisher) PublishJobEvent(_ context.Context, event events.JobEvent) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

type fakeBackend struct {
	submission *backend.Submission
	submitErr  error

	lastRequest backend.SubmitRequest
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Submit(_ context.Context, req backend.SubmitRequest) (*backend.Submission, error) {
	f.lastRequest = req
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return f.submission, nil
}

func (f *fakeBackend) ParseCallback(*http.Request) (*backend.Event, error) {
	return nil, fmt.Errorf("not used")
}

type engineFixture struct {
	engine    *Engine
	store     *fakeStore
	artifacts *fakeArtifacts
	backend   *fakeBackend
	publisher *fakePublisher
}

func newFixture() *engineFixture {
	store := newFakeStore()
	artifacts := newFakeArtifacts()
	fb := &fakeBackend{
		submission: &backend.Submission{
			ExternalID: "pred-abc",
			Status:     domain.JobStatusStarting,
			Raw:        map[string]any{"id": "pred-abc", "status": "starting"},
		},
	}
	publisher := &fakePublisher{}

	eng := New(&Config{
		Store:           store,
		Artifacts:       artifacts,
		Uploads:         &fakeResolver{url: "https://files.example.com/abc.mp3"},
		Backend:         fb,
		Publisher:       publisher,
		CallbackBaseURL: "https://api.example.com",
		Logger:          slog.New(slog.DiscardHandler),
	})

	return &engineFixture{
		engine:    eng,
		store:     store,
		artifacts: artifacts,
		backend:   fb,
		publisher: publisher,
	}
}

func (fx *engineFixture) createJob(t *testing.T) *domain.Job {
	t.Helper()
	job, err := fx.engine.CreateJob(context.Background(), "user-1", domain.InputRef{
		Name:   "interview.mp3",
		Size:   2048,
		Handle: "uploads/abc.mp3",
	}, "de")
	require.NoError(t, err)
	return job
}

func TestEngine_CreateJob(t *testing.T) {
	tests := []struct {
		name    string
		input   domain.InputRef
		wantErr error
	}{
		{
			name:  "valid input",
			input: domain.InputRef{Name: "a.mp3", Size: 10, Handle: "uploads/a"},
		},
		{
			name:    "missing name",
			input:   domain.InputRef{Size: 10, Handle: "uploads/a"},
			wantErr: domain.ErrInputMissing,
		},
		{
			name:    "missing handle",
			input:   domain.InputRef{Name: "a.mp3", Size: 10},
			wantErr: domain.ErrInputMissing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture()
			job, err := fx.engine.CreateJob(context.Background(), "user-1", tt.input, "de")

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, domain.JobStatusStarting, job.Status)
		})
	}
}

func TestEngine_CreateJob_Duplicate(t *testing.T) {
	fx := newFixture()
	fx.createJob(t)

	_, err := fx.engine.CreateJob(context.Background(), "user-1", domain.InputRef{
		Name:   "interview.mp3",
		Size:   4096,
		Handle: "uploads/other.mp3",
	}, "de")
	assert.ErrorIs(t, err, domain.ErrDuplicateSubmission)
}

func TestEngine_StartPrediction(t *testing.T) {
	fx := newFixture()
	job := fx.createJob(t)

	err := fx.engine.StartPrediction(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, "https://files.example.com/abc.mp3", fx.backend.lastRequest.AudioURL)
	assert.Contains(t, fx.backend.lastRequest.CallbackURL, "from=fake")
	assert.Contains(t, fx.backend.lastRequest.CallbackURL, fmt.Sprintf("job_id=%d", job.ID))
	assert.Equal(t, "de", fx.backend.lastRequest.Language)

	stored, err := fx.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusStarting, stored.Status)
	assert.Equal(t, "pred-abc", stored.BackendPayload["id"])
}

func TestEngine_StartPrediction_AdapterStatusWins(t *testing.T) {
	fx := newFixture()
	fx.backend.submission.Status = domain.JobStatusProcessing
	job := fx.createJob(t)

	require.NoError(t, fx.engine.StartPrediction(context.Background(), job))

	stored, err := fx.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, stored.Status)
}

func TestEngine_StartPrediction_SubmitFailure(t *testing.T) {
	fx := newFixture()
	fx.backend.submitErr = fmt.Errorf("%w: 503 from provider", backend.ErrUnreachable)
	job := fx.createJob(t)

	err := fx.engine.StartPrediction(context.Background(), job)
	require.ErrorIs(t, err, backend.ErrUnreachable)

	// The job is failed, not lost, and the message is on record.
	stored, getErr := fx.store.GetJob(context.Background(), job.ID)
	require.NoError(t, getErr)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Contains(t, stored.BackendPayload["error"], "503 from provider")

	// A terminal transition publishes a lifecycle event.
	require.Len(t, fx.publisher.events, 1)
	assert.Equal(t, domain.JobStatusFailed, fx.publisher.events[0].Status)
}

func TestEngine_StartPrediction_DownloadUnavailable(t *testing.T) {
	fx := newFixture()
	fx.engine.uploads = &fakeResolver{err: domain.ErrDownloadUnavailable}
	job := fx.createJob(t)

	err := fx.engine.StartPrediction(context.Background(), job)
	require.ErrorIs(t, err, domain.ErrDownloadUnavailable)

	stored, getErr := fx.store.GetJob(context.Background(), job.ID)
	require.NoError(t, getErr)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
}

func TestEngine_ApplyWebhookEvent_Succeeded(t *testing.T) {
	fx := newFixture()
	job := fx.createJob(t)
	require.NoError(t, fx.engine.StartPrediction(context.Background(), job))

	err := fx.engine.ApplyWebhookEvent(context.Background(), &backend.Event{
		JobID:  job.ID,
		Status: domain.JobStatusSucceeded,
		Outputs: map[string]string{
			domain.KindTxt:  "hello",
			domain.KindJSON: `[{"text":"hello"}]`,
		},
		Raw: map[string]any{
			"id":     "pred-abc",
			"status": "succeeded",
			"output": map[string]any{"text": "hello"},
		},
	})
	require.NoError(t, err)

	stored, err := fx.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusSucceeded, stored.Status)

	// Outputs are named after the input file and materialized verbatim.
	assert.Equal(t, "hello", fx.artifacts.written["interview.mp3.txt"])
	assert.Equal(t, `[{"text":"hello"}]`, fx.artifacts.written["interview.mp3.json"])
	assert.Equal(t, "job-1/interview.mp3.txt", stored.Outputs[domain.KindTxt])

	// The bulky raw output never lands in the persisted snapshot.
	assert.NotContains(t, stored.BackendPayload, "output")
	assert.Equal(t, "succeeded", stored.BackendPayload["status"])

	require.Len(t, fx.publisher.events, 1)
	assert.Equal(t, domain.JobStatusSucceeded, fx.publisher.events[0].Status)
	assert.Equal(t, "interview.mp3", fx.publisher.events[0].InputName)
}

func TestEngine_ApplyWebhookEvent_Failed(t *testing.T) {
	fx := newFixture()
	job := fx.createJob(t)
	require.NoError(t, fx.engine.StartPrediction(context.Background(), job))

	err := fx.engine.ApplyWebhookEvent(context.Background(), &backend.Event{
		JobID:        job.ID,
		Status:       domain.JobStatusFailed,
		ErrorMessage: "audio too short",
		Raw:          map[string]any{"id": "pred-abc", "status": "failed"},
	})
	require.NoError(t, err)

	stored, err := fx.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Equal(t, "audio too short", stored.BackendPayload["error"])
	assert.Empty(t, stored.Outputs)
}

func TestEngine_ApplyWebhookEvent_TerminalReplay(t *testing.T) {
	fx := newFixture()
	job := fx.createJob(t)
	require.NoError(t, fx.engine.StartPrediction(context.Background(), job))

	succeededEvent := &backend.Event{
		JobID:   job.ID,
		Status:  domain.JobStatusSucceeded,
		Outputs: map[string]string{domain.KindTxt: "hello"},
		Raw:     map[string]any{"status": "succeeded"},
	}
	require.NoError(t, fx.engine.ApplyWebhookEvent(context.Background(), succeededEvent))

	// A redelivered success and a late failure both land after the
	// terminal state and must change nothing.
	require.NoError(t, fx.engine.ApplyWebhookEvent(context.Background(), succeededEvent))
	require.NoError(t, fx.engine.ApplyWebhookEvent(context.Background(), &backend.Event{
		JobID:        job.ID,
		Status:       domain.JobStatusFailed,
		ErrorMessage: "late failure",
		Raw:          map[string]any{"status": "failed"},
	}))

	stored, err := fx.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusSucceeded, stored.Status)
	assert.Len(t, stored.Outputs, 1)

	// Only the first transition published an event.
	assert.Len(t, fx.publisher.events, 1)
}

func TestEngine_ApplyWebhookEvent_ProgressThenTerminal(t *testing.T) {
	fx := newFixture()
	job := fx.createJob(t)
	require.NoError(t, fx.engine.StartPrediction(context.Background(), job))

	require.NoError(t, fx.engine.ApplyWebhookEvent(context.Background(), &backend.Event{
		JobID:  job.ID,
		Status: domain.JobStatusProcessing,
		Raw:    map[string]any{"status": "processing"},
	}))

	stored, err := fx.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, stored.Status)
	// Progress transitions are not terminal, so no lifecycle event yet.
	assert.Empty(t, fx.publisher.events)
	assert.Empty(t, stored.Outputs)
}

func TestEngine_ApplyWebhookEvent_UnknownJob(t *testing.T) {
	fx := newFixture()

	err := fx.engine.ApplyWebhookEvent(context.Background(), &backend.Event{
		JobID:  999,
		Status: domain.JobStatusSucceeded,
	})
	require.ErrorIs(t, err, domain.ErrJobNotFound)
	assert.True(t, IsTerminalEventError(err))
}

func TestEngine_ApplyWebhookEvent_UnknownStatus(t *testing.T) {
	fx := newFixture()
	job := fx.createJob(t)

	err := fx.engine.ApplyWebhookEvent(context.Background(), &backend.Event{
		JobID:  job.ID,
		Status: "paused",
	})
	require.ErrorIs(t, err, backend.ErrUnknownStatus)
	assert.True(t, IsTerminalEventError(err))

	stored, getErr := fx.store.GetJob(context.Background(), job.ID)
	require.NoError(t, getErr)
	assert.Equal(t, domain.JobStatusStarting, stored.Status)
}

func TestEngine_ApplyWebhookEvent_MaterializationFailure(t *testing.T) {
	fx := newFixture()
	job := fx.createJob(t)
	require.NoError(t, fx.engine.StartPrediction(context.Background(), job))

	fx.artifacts.writeErr = fmt.Errorf("disk full")

	err := fx.engine.ApplyWebhookEvent(context.Background(), &backend.Event{
		JobID:   job.ID,
		Status:  domain.JobStatusSucceeded,
		Outputs: map[string]string{domain.KindTxt: "hello"},
		Raw:     map[string]any{"status": "succeeded"},
	})
	require.Error(t, err)
	assert.False(t, IsTerminalEventError(err))

	// The job stays in its prior state so a redelivery can finish the work.
	stored, getErr := fx.store.GetJob(context.Background(), job.ID)
	require.NoError(t, getErr)
	assert.Equal(t, domain.JobStatusStarting, stored.Status)
	assert.Empty(t, stored.Outputs)

	// Retry after the disk recovers.
	fx.artifacts.writeErr = nil
	require.NoError(t, fx.engine.ApplyWebhookEvent(context.Background(), &backend.Event{
		JobID:   job.ID,
		Status:  domain.JobStatusSucceeded,
		Outputs: map[string]string{domain.KindTxt: "hello"},
		Raw:     map[string]any{"status": "succeeded"},
	}))

	stored, getErr = fx.store.GetJob(context.Background(), job.ID)
	require.NoError(t, getErr)
	assert.Equal(t, domain.JobStatusSucceeded, stored.Status)
}

func TestEngine_ApplyWebhookEvent_PartialMaterializationFailure(t *testing.T) {
	fx := newFixture()
	job := fx.createJob(t)
	require.NoError(t, fx.engine.StartPrediction(context.Background(), job))

	// Kinds materialize in sorted order, so the json artifact lands on disk
	// before the txt write fails.
	fx.artifacts.failOn = "interview.mp3.txt"

	event := &backend.Event{
		JobID:  job.ID,
		Status: domain.JobStatusSucceeded,
		Outputs: map[string]string{
			domain.KindTxt:  "hello",
			domain.KindJSON: `[{"text":"hello"}]`,
		},
		Raw: map[string]any{"status": "succeeded"},
	}
	err := fx.engine.ApplyWebhookEvent(context.Background(), event)
	require.Error(t, err)

	// A non-terminal job must never have outputs attached: the half-written
	// success links nothing, even for the kinds that did materialize.
	stored, getErr := fx.store.GetJob(context.Background(), job.ID)
	require.NoError(t, getErr)
	assert.Equal(t, domain.JobStatusStarting, stored.Status)
	assert.Empty(t, stored.Outputs)
	assert.Empty(t, fx.publisher.events)

	// The redelivered callback completes the job with all outputs at once.
	fx.artifacts.failOn = ""
	require.NoError(t, fx.engine.ApplyWebhookEvent(context.Background(), event))

	stored, getErr = fx.store.GetJob(context.Background(), job.ID)
	require.NoError(t, getErr)
	assert.Equal(t, domain.JobStatusSucceeded, stored.Status)
	assert.Len(t, stored.Outputs, 2)
}

func TestEngine_ApplyWebhookEvent_ConcurrentCallbacks(t *testing.T) {
	fx := newFixture()
	job := fx.createJob(t)
	require.NoError(t, fx.engine.StartPrediction(context.Background(), job))

	success := &backend.Event{
		JobID:   job.ID,
		Status:  domain.JobStatusSucceeded,
		Outputs: map[string]string{domain.KindTxt: "hello"},
		Raw:     map[string]any{"status": "succeeded"},
	}
	failure := &backend.Event{
		JobID:        job.ID,
		Status:       domain.JobStatusFailed,
		ErrorMessage: "worker died",
		Raw:          map[string]any{"status": "failed"},
	}

	// Two callbacks for the same job race; the per-job lock plus the store's
	// terminal guard must let exactly one of them transition the job.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = fx.engine.ApplyWebhookEvent(context.Background(), success)
	}()
	go func() {
		defer wg.Done()
		errs[1] = fx.engine.ApplyWebhookEvent(context.Background(), failure)
	}()
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	stored, err := fx.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.True(t, domain.IsTerminal(stored.Status))

	// Exactly one terminal transition, so exactly one lifecycle event, and
	// it names the state the job actually ended in.
	require.Len(t, fx.publisher.events, 1)
	assert.Equal(t, stored.Status, fx.publisher.events[0].Status)

	if stored.Status == domain.JobStatusSucceeded {
		assert.Len(t, stored.Outputs, 1)
	} else {
		assert.Empty(t, stored.Outputs)
	}
}

func TestEngine_PublishFailureDoesNotFailTransition(t *testing.T) {
	fx := newFixture()
	fx.publisher.err = fmt.Errorf("broker down")
	job := fx.createJob(t)
	require.NoError(t, fx.engine.StartPrediction(context.Background(), job))

	err := fx.engine.ApplyWebhookEvent(context.Background(), &backend.Event{
		JobID:   job.ID,
		Status:  domain.JobStatusSucceeded,
		Outputs: map[string]string{domain.KindTxt: "hello"},
		Raw:     map[string]any{"status": "succeeded"},
	})
	require.NoError(t, err)

	stored, getErr := fx.store.GetJob(context.Background(), job.ID)
	require.NoError(t, getErr)
	assert.Equal(t, domain.JobStatusSucceeded, stored.Status)
}
