package router

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tvhoang/fetchd/internal/api/handler"
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
		if deps.DBClient != nil {
			if err := deps.DBClient.Ping(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "unhealthy",
					"error":  "database unreachable",
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "fetchd-api",
			"time":    time.Now().UTC().Format(time.RFC3339),
		})
	})

	// Prometheus metrics
	if deps.Registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))
	}

	jobHandler := handler.NewJobHandler(deps)
	eventHandler := handler.NewEventHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Submit a fetch job
			jobs.POST("", jobHandler.SubmitJob)

			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)

			// POST /api/v1/jobs/:job_id/cancel - Cancel a job
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)

			// POST /api/v1/jobs/:job_id/retry - Retry a failed job
			jobs.POST("/:job_id/retry", jobHandler.RetryJob)
		}

		events := v1.Group("/events")
		{
			// Live SSE streams per topic
			events.GET("/jobs/:job_id", eventHandler.StreamJobEvents)
			events.GET("/dashboard/:owner", eventHandler.StreamDashboardEvents)
			events.GET("/queue", eventHandler.StreamQueueEvents)
			events.GET("/stats", eventHandler.StreamStatsEvents)
			events.GET("/general", eventHandler.StreamGeneralEvents)

			// GET /api/v1/events/subscriptions - Subscriber counts per topic
			events.GET("/subscriptions", eventHandler.SubscriptionStats)
		}
	}

	return r
}
