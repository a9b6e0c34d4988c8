package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"

	"github.com/scribeworks/transcribe-be/internal/api/dto"
	"github.com/scribeworks/transcribe-be/internal/domain"
	"github.com/scribeworks/transcribe-be/internal/storage"
)

// CreateJob handles POST /api/v1/jobs
// Accepts a multipart audio upload, checks the quota, creates the job and
// submits it to the prediction backend.
func (h *JobHandler) CreateJob(c *gin.Context) {
	ctx := c.Request.Context()

	ownerID := c.PostForm("user_id")
	if ownerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "user_id is required",
		})
		return
	}

	language := c.PostForm("language")
	if language == "" {
		language = h.defaultLanguage
	}

	fileHeader, err := c.FormFile("audio")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "audio file is required",
		})
		return
	}

	if fileHeader.Size <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "audio file is empty",
		})
		return
	}

	if fileHeader.Size > h.maxFileSize {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("file exceeds the maximum upload size of %d bytes", h.maxFileSize),
		})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		h.logger.Error("Failed to open uploaded file", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to read upload",
		})
		return
	}
	defer file.Close()

	if err := validateAudioContent(file); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	exceeded, err := h.ledger.WouldExceed(ctx, ownerID, fileHeader.Size)
	if err != nil {
		h.logger.Error("Quota check failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to check quota",
		})
		return
	}
	if exceeded {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": domain.ErrQuotaExceeded.Error(),
		})
		return
	}

	handle, size, err := h.uploads.Save(fileHeader.Filename, file)
	if err != nil {
		h.logger.Error("Failed to store upload", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to store upload",
		})
		return
	}

	input := domain.InputRef{
		Name:   fileHeader.Filename,
		Size:   size,
		Handle: handle,
	}

	job, err := h.engine.CreateJob(ctx, ownerID, input, language)
	if err != nil {
		if rmErr := h.uploads.Remove(handle); rmErr != nil {
			h.logger.Warn("Failed to clean up upload", slog.String("error", rmErr.Error()))
		}
		if errors.Is(err, domain.ErrDuplicateSubmission) {
			c.JSON(http.StatusConflict, gin.H{
				"error": err.Error(),
			})
			return
		}
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	if err := h.ledger.RecordUpload(ctx, ownerID, size); err != nil {
		h.logger.Error("Failed to record upload in quota ledger",
			slog.Int64("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to record upload",
		})
		return
	}

	// A submit failure leaves the job in the failed state with the message
	// recorded; the job is still returned so the client can see what
	// happened and resubmit deliberately.
	var submitError string
	if err := h.engine.StartPrediction(ctx, job); err != nil {
		submitError = err.Error()
	}

	response := gin.H{"job": h.toDTO(job)}
	if submitError != "" {
		response["error"] = submitError
	}
	c.JSON(http.StatusCreated, response)
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	job, err := h.store.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": err.Error(),
			})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"job": h.toDTO(job)})
}

// ListJobs handles GET /api/v1/jobs
// Lists a user's jobs with keyset pagination plus their current quota usage.
func (h *JobHandler) ListJobs(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, err := h.store.ListJobs(ctx, storage.JobFilter{
		OwnerID:  req.UserID,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i := range jobs {
		jobResponse[i] = h.toDTO(&jobs[i])
	}

	var nextCursor string
	if hasMore {
		lastJob := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&storage.JobCursor{
			CreatedAt: lastJob.CreatedAt,
			JobID:     lastJob.ID,
		})
	}

	usage, err := h.ledger.CurrentUsage(ctx, req.UserID)
	if err != nil {
		h.logger.Error("Failed to compute usage", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to compute usage",
		})
		return
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
		Usage:      usage,
		Quota: dto.QuotaInfo{
			MonthlyLimit: h.ledger.Limit(),
			MaxFileSize:  h.maxFileSize,
		},
	})
}

// DownloadOutput handles GET /api/v1/jobs/:job_id/outputs/:kind
func (h *JobHandler) DownloadOutput(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	kind := c.Param("kind")
	if !domain.ValidKind(kind) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": domain.ErrInvalidKind.Error(),
		})
		return
	}

	job, err := h.store.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get job"})
		return
	}

	handle, ok := job.Outputs[kind]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error": fmt.Sprintf("job has no %s output", kind),
		})
		return
	}

	content, err := h.artifacts.Read(handle)
	if err != nil {
		h.logger.Error("Failed to read artifact",
			slog.Int64("job_id", jobID),
			slog.String("handle", handle),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read output"})
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", job.Input.Name+"."+kind))
	c.Data(http.StatusOK, contentTypeForKind(kind), []byte(content))
}

// ServeUpload handles GET /uploads/:handle
// Streams a stored audio upload. The prediction backends fetch job audio
// from this route when the public base URL points at this service.
func (h *JobHandler) ServeUpload(c *gin.Context) {
	handle := c.Param("handle")

	file, err := h.uploads.Open(handle)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "upload not found",
		})
		return
	}
	defer file.Close()

	mtype, err := mimetype.DetectReader(file)
	if err != nil {
		h.logger.Error("Failed to inspect upload",
			slog.String("handle", handle),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read upload"})
		return
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		h.logger.Error("Failed to rewind upload",
			slog.String("handle", handle),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read upload"})
		return
	}

	c.Header("Content-Type", mtype.String())
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, file); err != nil {
		h.logger.Warn("Upload stream interrupted",
			slog.String("handle", handle),
			slog.String("error", err.Error()),
		)
	}
}

// DeleteJob handles DELETE /api/v1/jobs/:job_id
// Permanently removes a job, its quota-ledger entries excluded: the ledger
// is append-only and deletion does not refund usage.
func (h *JobHandler) DeleteJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()

	job, err := h.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get job"})
		return
	}

	if err := h.store.DeleteJob(ctx, jobID); err != nil {
		h.logger.Error("Failed to delete job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete job"})
		return
	}

	if err := h.artifacts.RemoveJob(jobID); err != nil {
		h.logger.Warn("Failed to remove job artifacts",
			slog.Int64("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
	if err := h.uploads.Remove(job.Input.Handle); err != nil {
		h.logger.Warn("Failed to remove job upload",
			slog.Int64("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}

	h.logger.Info("Job deleted",
		slog.Int64("job_id", jobID),
		slog.String("owner_id", job.OwnerID),
	)

	c.Status(http.StatusNoContent)
}

// jobIDParam parses and validates the :job_id path parameter.
func (h *JobHandler) jobIDParam(c *gin.Context) (int64, bool) {
	jobID, err := strconv.ParseInt(c.Param("job_id"), 10, 64)
	if err != nil || jobID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a positive integer",
		})
		return 0, false
	}
	return jobID, true
}

// toDTO converts a job to its API representation.
func (h *JobHandler) toDTO(job *domain.Job) dto.JobDTO {
	d := dto.JobDTO{
		JobID:     job.ID,
		OwnerID:   job.OwnerID,
		InputName: job.Input.Name,
		InputSize: job.Input.Size,
		Language:  job.Language,
		Status:    job.Status,
		CreatedAt: job.CreatedAt.Format(time.RFC3339),
		UpdatedAt: job.UpdatedAt.Format(time.RFC3339),
	}

	if len(job.Outputs) > 0 {
		d.Outputs = make(map[string]string, len(job.Outputs))
		for kind := range job.Outputs {
			d.Outputs[kind] = fmt.Sprintf("/api/v1/jobs/%d/outputs/%s", job.ID, kind)
		}
	}

	if job.Status == domain.JobStatusFailed {
		if msg, ok := job.BackendPayload["error"].(string); ok {
			d.Error = msg
		}
	}

	return d
}

// validateAudioContent sniffs the upload and rejects non-media content.
// Some audio containers are detected as video types (webm, mp4), so both
// prefixes are accepted.
func validateAudioContent(file multipart.File) error {
	mtype, err := mimetype.DetectReader(file)
	if err != nil {
		return fmt.Errorf("failed to inspect upload: %w", err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind upload: %w", err)
	}

	if !strings.HasPrefix(mtype.String(), "audio/") && !strings.HasPrefix(mtype.String(), "video/") {
		return fmt.Errorf("unsupported content type %s, expected an audio file", mtype.String())
	}
	return nil
}

// contentTypeForKind maps an output kind onto its MIME type.
func contentTypeForKind(kind string) string {
	switch kind {
	case domain.KindJSON:
		return "application/json"
	case domain.KindSrt:
		return "application/x-subrip"
	case domain.KindVtt:
		return "text/vtt"
	default:
		return "text/plain; charset=utf-8"
	}
}
