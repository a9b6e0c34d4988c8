package handler

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribeworks/transcribe-be/internal/upload"
)

func uploadFixture(t *testing.T) (*gin.Engine, *upload.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	uploads, err := upload.NewStore(t.TempDir(), "http://127.0.0.1:8080/uploads", slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	h := NewJobHandler(&Dependencies{
		Logger:  slog.New(slog.DiscardHandler),
		Uploads: uploads,
	})

	r := gin.New()
	r.GET("/uploads/:handle", h.ServeUpload)
	return r, uploads
}

func TestJobHandler_ServeUpload(t *testing.T) {
	r, uploads := uploadFixture(t)

	handle, _, err := uploads.Save("interview.mp3", strings.NewReader("fake audio bytes"))
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/uploads/"+handle, nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "fake audio bytes", w.Body.String())
	assert.NotEmpty(t, w.Header().Get("Content-Type"))
}

func TestJobHandler_ServeUpload_NotFound(t *testing.T) {
	r, _ := uploadFixture(t)

	for _, handle := range []string{"missing.mp3", "..%2Fescape.mp3"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/uploads/"+handle, nil)
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code, "handle %q", handle)
	}
}
