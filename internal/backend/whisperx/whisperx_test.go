package whisperx

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribeworks/transcribe-be/internal/backend"
	"github.com/scribeworks/transcribe-be/internal/domain"
)

func testAdapter(baseURL string) *Adapter {
	return New(Config{BaseURL: baseURL}, slog.New(slog.DiscardHandler))
}

func TestAdapter_Submit(t *testing.T) {
	var capturedForm map[string]string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/jobs", r.URL.Path)
		require.NoError(t, r.ParseForm())
		capturedForm = map[string]string{
			"lang":        r.PostForm.Get("lang"),
			"model":       r.PostForm.Get("model"),
			"file_url":    r.PostForm.Get("file_url"),
			"webhook_url": r.PostForm.Get("webhook_url"),
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"task_id": "task-123", "status": "pending"}`))
	}))
	defer server.Close()

	adapter := testAdapter(server.URL)

	submission, err := adapter.Submit(context.Background(), backend.SubmitRequest{
		JobID:       7,
		AudioURL:    "https://files.example.com/talk.wav",
		CallbackURL: "https://api.example.com/hook?from=whisperx-api&job_id=7",
		Language:    "en",
	})
	require.NoError(t, err)

	assert.Equal(t, "task-123", submission.ExternalID)
	// "pending" normalizes onto the canonical starting state.
	assert.Equal(t, domain.JobStatusStarting, submission.Status)

	assert.Equal(t, map[string]string{
		"lang":        "en",
		"model":       "small",
		"file_url":    "https://files.example.com/talk.wav",
		"webhook_url": "https://api.example.com/hook?from=whisperx-api&job_id=7",
	}, capturedForm)

	// The synthesized snapshot follows the uniform audit shape.
	assert.Equal(t, "task-123", submission.Raw["id"])
	assert.Equal(t, domain.JobStatusStarting, submission.Raw["status"])
	urls := submission.Raw["urls"].(map[string]any)
	assert.Equal(t, server.URL+"/jobs/task-123", urls["get"])
}

func TestAdapter_Submit_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr error
	}{
		{
			name: "rejected",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnprocessableEntity)
				w.Write([]byte(`{"detail": "unsupported language"}`))
			},
			wantErr: backend.ErrRejected,
		},
		{
			name: "unknown task status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"task_id": "task-1", "status": "warming_up"}`))
			},
			wantErr: backend.ErrUnknownStatus,
		},
		{
			name: "unparseable response",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`not json`))
			},
			wantErr: backend.ErrRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			adapter := testAdapter(server.URL)

			_, err := adapter.Submit(context.Background(), backend.SubmitRequest{
				JobID:       1,
				AudioURL:    "https://files.example.com/a.mp3",
				CallbackURL: "https://api.example.com/hook",
			})
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestAdapter_ParseCallback(t *testing.T) {
	adapter := testAdapter("http://whisperx:8000")

	tests := []struct {
		name        string
		url         string
		body        string
		wantErr     error
		wantStatus  string
		wantOutputs map[string]string
	}{
		{
			name: "completed with all four outputs",
			url:  "/hook?from=whisperx-api&job_id=9",
			body: `{"task_id": "task-1", "status": "completed", "output": {
				"txt_content": "hello",
				"json_content": "[{\"text\":\"hello\"}]",
				"srt_content": "1\n00:00:00,000 --> 00:00:01,000\nhello\n",
				"vtt_content": "WEBVTT\n\n00:00.000 --> 00:01.000\nhello\n"
			}}`,
			wantStatus: domain.JobStatusSucceeded,
			wantOutputs: map[string]string{
				domain.KindTxt:  "hello",
				domain.KindJSON: `[{"text":"hello"}]`,
				domain.KindSrt:  "1\n00:00:00,000 --> 00:00:01,000\nhello\n",
				domain.KindVtt:  "WEBVTT\n\n00:00.000 --> 00:01.000\nhello\n",
			},
		},
		{
			name:        "completed with a subset of outputs",
			url:         "/hook?from=whisperx-api&job_id=9",
			body:        `{"task_id": "task-1", "status": "completed", "output": {"txt_content": "hello"}}`,
			wantStatus:  domain.JobStatusSucceeded,
			wantOutputs: map[string]string{domain.KindTxt: "hello"},
		},
		{
			name:       "running normalizes onto processing",
			url:        "/hook?from=whisperx-api&job_id=9",
			body:       `{"task_id": "task-1", "status": "running"}`,
			wantStatus: domain.JobStatusProcessing,
		},
		{
			name:       "error normalizes onto failed",
			url:        "/hook?from=whisperx-api&job_id=9",
			body:       `{"task_id": "task-1", "status": "error", "error": "decode failure"}`,
			wantStatus: domain.JobStatusFailed,
		},
		{
			name:    "wrong source",
			url:     "/hook?from=replicate&job_id=9",
			body:    `{"status": "completed"}`,
			wantErr: backend.ErrWebhookUnauthenticated,
		},
		{
			name:    "unknown status",
			url:     "/hook?from=whisperx-api&job_id=9",
			body:    `{"task_id": "task-1", "status": "warming_up"}`,
			wantErr: backend.ErrUnknownStatus,
		},
		{
			name:    "completed without output",
			url:     "/hook?from=whisperx-api&job_id=9",
			body:    `{"task_id": "task-1", "status": "completed"}`,
			wantErr: backend.ErrWebhookMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", tt.url, strings.NewReader(tt.body))

			event, err := adapter.ParseCallback(r)

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)

			assert.Equal(t, int64(9), event.JobID)
			assert.Equal(t, tt.wantStatus, event.Status)

			if tt.wantOutputs == nil {
				assert.Empty(t, event.Outputs)
			} else {
				assert.Equal(t, tt.wantOutputs, event.Outputs)
			}
		})
	}
}
