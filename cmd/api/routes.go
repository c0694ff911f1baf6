package main

import (
	"database/sql"
	"net/http"
	"time"

	"campaign-runner/internal/httpapi"
	"campaign-runner/internal/metrics"
	"campaign-runner/internal/telephony"
	"campaign-runner/pkg/utils"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	DB       *sql.DB
	AuthMW   gin.HandlerFunc
	Metrics  bool
	Webhooks telephony.WebhookHandler
	API      httpapi.Handlers
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), d.DB, 2*time.Second); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "db": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if d.Metrics {
		r.GET("/metrics", metrics.Handler())
	}

	// Provider webhooks (public, signature-checked).
	hooks := r.Group("/webhooks")
	{
		hooks.POST("/retell/post-call", d.Webhooks.HandleRetell)
		hooks.POST("/calls/outcome", d.Webhooks.HandleOutcome)
	}

	r.POST("/v1/auth/login", d.API.Login)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(d.AuthMW)
	d.API.Mount(v1)
}
