package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// NewRouter builds the gin engine with recovery, request logging, the
// /api/v1 routes and /health.
func NewRouter(h *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(h.Log))

	v1 := router.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			jobs.POST("", h.SubmitJob)
			jobs.GET("", h.ListJobs)
			jobs.GET("/:id", h.GetJob)
			jobs.GET("/:id/tasks", h.ListTasks)
		}

		releases := v1.Group("/releases")
		{
			releases.GET("/:id", h.GetRelease)
			releases.POST("/:id/approve", h.Approve)
			releases.POST("/:id/reject", h.Reject)
			releases.POST("/:id/revoke", h.Revoke)
			releases.POST("/:id/unpublish", h.Unpublish)
		}

		v1.GET("/assets/:asset/releases", h.ReleaseHistory)
	}

	router.GET("/health", func(c *gin.Context) {
		if err := h.Store.Ping(c.Request.Context()); err != nil {
			JSONError(c, http.StatusServiceUnavailable, "unavailable", "database: "+err.Error())
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return router
}

func requestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("request failed")
			return
		}
		entry.Debug("request served")
	}
}
