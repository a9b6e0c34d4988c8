// Package whisperx implements the prediction backend port against a
// self-hosted whisperx-api instance.
package whisperx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/scribeworks/transcribe-be/internal/backend"
	"github.com/scribeworks/transcribe-be/internal/domain"
)

// Name is the provider discriminator embedded in callback URLs.
const Name = "whisperx-api"

const defaultModel = "small"

// statusMap translates whisperx-api status vocabulary onto the canonical
// set. The API reports canonical names in webhooks but uses its own terms
// for freshly submitted tasks.
var statusMap = map[string]string{
	"pending":    domain.JobStatusStarting,
	"queued":     domain.JobStatusStarting,
	"started":    domain.JobStatusStarting,
	"starting":   domain.JobStatusStarting,
	"running":    domain.JobStatusProcessing,
	"processing": domain.JobStatusProcessing,
	"completed":  domain.JobStatusSucceeded,
	"succeeded":  domain.JobStatusSucceeded,
	"error":      domain.JobStatusFailed,
	"failed":     domain.JobStatusFailed,
	"cancelled":  domain.JobStatusCanceled,
	"canceled":   domain.JobStatusCanceled,
}

// outputKeys maps the API's output field names onto canonical kinds.
var outputKeys = map[string]string{
	"txt_content":  domain.KindTxt,
	"json_content": domain.KindJSON,
	"srt_content":  domain.KindSrt,
	"vtt_content":  domain.KindVtt,
}

// Adapter talks to a whisperx-api deployment.
type Adapter struct {
	baseURL string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds the whisperx-api adapter settings.
type Config struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// New creates a whisperx-api adapter.
func New(cfg Config, logger *slog.Logger) *Adapter {
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Adapter{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Name returns the provider discriminator.
func (a *Adapter) Name() string {
	return Name
}

// Submit posts a new transcription task to the whisperx-api instance. The
// raw snapshot is synthesized in the same shape Replicate produces so the
// audit payload stays uniform across providers.
func (a *Adapter) Submit(ctx context.Context, req backend.SubmitRequest) (*backend.Submission, error) {
	if req.AudioURL == "" {
		return nil, fmt.Errorf("%w: audio URL is empty", backend.ErrInputInvalid)
	}

	form := url.Values{}
	form.Set("lang", req.Language)
	form.Set("model", a.model)
	form.Set("file_url", req.AudioURL)
	form.Set("webhook_url", req.CallbackURL)

	endpoint := a.baseURL + "/jobs"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build task request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", backend.ErrUnreachable, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: whisperx-api returned %d: %s", backend.ErrRejected, resp.StatusCode, string(raw))
	}

	var body struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("%w: unparseable response: %v", backend.ErrRejected, err)
	}

	status, ok := statusMap[body.Status]
	if !ok {
		return nil, fmt.Errorf("%w: %q", backend.ErrUnknownStatus, body.Status)
	}

	a.logger.Info("Task created on whisperx-api",
		slog.Int64("job_id", req.JobID),
		slog.String("external_id", body.TaskID),
		slog.String("status", status),
	)

	return &backend.Submission{
		ExternalID: body.TaskID,
		Status:     status,
		Raw: map[string]any{
			"id": body.TaskID,
			"input": map[string]any{
				"audio":   req.AudioURL,
				"webhook": req.CallbackURL,
			},
			"status": status,
			"urls": map[string]any{
				"get": endpoint + "/" + body.TaskID,
			},
		},
	}, nil
}

// ParseCallback validates and normalizes a whisperx-api webhook request.
func (a *Adapter) ParseCallback(r *http.Request) (*backend.Event, error) {
	jobID, err := backend.AuthenticateCallback(r, Name)
	if err != nil {
		return nil, err
	}

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON body: %v", backend.ErrWebhookMalformed, err)
	}

	rawStatus, ok := payload["status"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: missing 'status' field", backend.ErrWebhookMalformed)
	}
	status, ok := statusMap[rawStatus]
	if !ok {
		return nil, fmt.Errorf("%w: %q", backend.ErrUnknownStatus, rawStatus)
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

// extractOutputs maps the API's *_content keys onto the canonical kinds.
// Kinds the instance was not asked to produce are simply absent.
func extractOutputs(payload map[string]any) (map[string]string, error) {
	output, ok := payload["output"].(map[string]any)
	if !ok || len(output) == 0 {
		return nil, fmt.Errorf("%w: prediction output is missing", backend.ErrWebhookMalformed)
	}

	outputs := make(map[string]string)
	for key, kind := range outputKeys {
		if content, ok := output[key].(string); ok {
			outputs[kind] = content
		}
	}

	return outputs, nil
}
