package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/scribeworks/transcribe-be/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "transcribe-api-service",
		})
	})

	jobHandler := handler.NewJobHandler(deps)

	// GET /uploads/:handle - Stored audio, fetched by the prediction backends
	r.GET("/uploads/:handle", jobHandler.ServeUpload)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Upload an audio file and create a job
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)

			// GET /api/v1/jobs/:job_id/outputs/:kind - Download an output file
			jobs.GET("/:job_id/outputs/:kind", jobHandler.DownloadOutput)

			// DELETE /api/v1/jobs/:job_id - Delete a job and its files
			jobs.DELETE("/:job_id", jobHandler.DeleteJob)
		}

		// POST /api/v1/webhooks/transcription - Provider status callbacks
		v1.POST("/webhooks/transcription", jobHandler.HandleWebhook)
	}

	return r
}
