// Package replicate implements the prediction backend port against the
// Replicate HTTP API.
package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/scribeworks/transcribe-be/internal/backend"
	"github.com/scribeworks/transcribe-be/internal/domain"
)

// Name is the provider discriminator embedded in callback URLs.
const Name = "replicate"

const (
	defaultAPIURL = "https://api.replicate.com/v1/predictions"

	// DefaultModelID is the WhisperX speech-to-text model used when no model
	// is configured.
	DefaultModelID = "vaibhavs10/incredibly-fast-whisper:3ab86df6c8f54c11309d4d1f930ac292bad43ace52d10c80d87eb258b3c9f79c"

	batchSize = 64
)

// Adapter talks to the Replicate predictions API.
type Adapter struct {
	token  string
	model  string
	apiURL string
	client *http.Client
	logger *slog.Logger
}

// Config holds the Replicate adapter settings.
type Config struct {
	Token   string
	Model   string
	APIURL  string
	Timeout time.Duration
}

// New creates a Replicate adapter. Model and APIURL fall back to defaults
// when empty.
func New(cfg Config, logger *slog.Logger) *Adapter {
	model := cfg.Model
	if model == "" {
		model = DefaultModelID
	}
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Adapter{
		token:  cfg.Token,
		model:  model,
		apiURL: apiURL,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Name returns the provider discriminator.
func (a *Adapter) Name() string {
	return Name
}

// Submit creates a prediction on Replicate. The webhook is filtered to start
// and completion events so intermediate log updates do not hit the callback
// endpoint.
func (a *Adapter) Submit(ctx context.Context, req backend.SubmitRequest) (*backend.Submission, error) {
	if req.AudioURL == "" {
		return nil, fmt.Errorf("%w: audio URL is empty", backend.ErrInputInvalid)
	}

	body := map[string]any{
		"version": a.model,
		"input": map[string]any{
			"audio":      req.AudioURL,
			"batch_size": batchSize,
			"language":   req.Language,
		},
		"webhook":               req.CallbackURL,
		"webhook_events_filter": []string{"start", "completed"},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal prediction request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build prediction request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Token "+a.token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", backend.ErrUnreachable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: replicate returned %d: %s", backend.ErrRejected, resp.StatusCode, string(raw))
	}

	var prediction map[string]any
	if err := json.Unmarshal(raw, &prediction); err != nil {
		return nil, fmt.Errorf("%w: unparseable response: %v", backend.ErrRejected, err)
	}

	externalID, _ := prediction["id"].(string)
	status, _ := prediction["status"].(string)
	if !domain.ValidStatus(status) {
		return nil, fmt.Errorf("%w: %q", backend.ErrUnknownStatus, status)
	}

	a.logger.Info("Prediction created on Replicate",
		slog.Int64("job_id", req.JobID),
		slog.String("external_id", externalID),
		slog.String("status", status),
	)

	return &backend.Submission{
		ExternalID: externalID,
		Status:     status,
		Raw:        prediction,
	}, nil
}

// ParseCallback validates and normalizes a Replicate webhook request.
// Replicate already uses the canonical status vocabulary; output keys are
// mapped from the model's text/chunks shape onto txt/json.
func (a *Adapter) ParseCallback(r *http.Request) (*backend.Event, error) {
	jobID, err := backend.AuthenticateCallback(r, Name)
	if err != nil {
		return nil, err
	}

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON body: %v", backend.ErrWebhookMalformed, err)
	}

	status, ok := payload["status"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: missing 'status' field", backend.ErrWebhookMalformed)
	}
	if !domain.ValidStatus(status) {
		return nil, fmt.Errorf("%w: %q", backend.ErrUnknownStatus, status)
	}

	event := &backend.Event{
		JobID:  jobID,
		Status: status,
		Raw:    payload,
	}

	if msg, ok := payload["error"].(string); ok && status == domain.JobStatusFailed {
		event.ErrorMessage = msg
	}

	if status == domain.JobStatusSucceeded {
		outputs, err := extractOutputs(payload)
		if err != nil {
			return nil, err
		}
		event.Outputs = outputs
	}

	return event, nil
}

// extractOutputs maps the model's output keys onto the canonical kinds.
// Chunks carry word-level timestamps and are re-marshaled as JSON text.
func extractOutputs(payload map[string]any) (map[string]string, error) {
	output, ok := payload["output"].(map[string]any)
	if !ok || len(output) == 0 {
		return nil, fmt.Errorf("%w: prediction output is missing", backend.ErrWebhookMalformed)
	}

	outputs := make(map[string]string)

	if text, ok := output["text"].(string); ok {
		outputs[domain.KindTxt] = text
	}
	if chunks, ok := output["chunks"]; ok {
		encoded, err := json.Marshal(chunks)
		if err != nil {
			return nil, fmt.Errorf("%w: unencodable chunks: %v", backend.ErrWebhookMalformed, err)
		}
		outputs[domain.KindJSON] = string(encoded)
	}

	return outputs, nil
}
