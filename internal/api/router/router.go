package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/spot-pipeline/internal/api/handler"
)

// Options configures the engine around the handlers.
type Options struct {
	ServiceName    string
	AllowedOrigins []string
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, opts Options) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware(opts.AllowedOrigins))

	serviceName := opts.ServiceName
	if serviceName == "" {
		serviceName = "api-service"
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": serviceName,
		})
	})

	if opts.MetricsHandler != nil {
		r.GET("/metrics", gin.WrapH(opts.MetricsHandler))
	}

	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Upload an image and create a job
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs - List jobs page by page
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)

			// GET /api/v1/jobs/:job_id/result - Download the output image
			jobs.GET("/:job_id/result", jobHandler.GetJobResult)

			// POST /api/v1/jobs/:job_id/requeue - Retry a FAILED job
			jobs.POST("/:job_id/requeue", jobHandler.RequeueJob)
		}
	}

	return r
}
