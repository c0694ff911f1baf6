package httpapi

import (
	"campaign-runner/internal/rbac"

	"github.com/gin-gonic/gin"
)

// Mount registers the run API under v1. Identity must already be in the
// request context (auth.RequireAccessToken).
func (h Handlers) Mount(v1 *gin.RouterGroup) {
	v1.GET("/me", h.Me)

	runsGroup := v1.Group("/runs")
	runsGroup.Use(rbac.RequireOrganization())
	{
		read := runsGroup.Group("")
		read.Use(rbac.RequireAnyRole(rbac.Readers...))
		read.GET("/:run_id", h.GetRun)
		read.GET("/:run_id/rows", h.ListRows)
		read.GET("/:run_id/metadata", h.GetMetadata)
		read.GET("/:run_id/events", h.StreamEvents)
		read.GET("/:run_id/report", h.Report)

		ops := runsGroup.Group("")
		ops.Use(rbac.RequireAnyRole(rbac.Operators...))
		ops.POST("", h.CreateRun)
		ops.POST("/:run_id/rows", h.UploadRows)
		ops.POST("/:run_id/start", h.StartRun)
		ops.POST("/:run_id/schedule", h.ScheduleRun)
		ops.POST("/:run_id/pause", h.PauseRun)
		ops.POST("/:run_id/resume", h.ResumeRun)
		ops.POST("/:run_id/dispatch", h.DispatchRun)
		ops.POST("/:run_id/rows/:row_id/skip", h.SkipRow)
	}

	// ADMIN routes
	// support is a hidden role and is allowed here explicitly.
	admin := v1.Group("/admin")
	admin.Use(rbac.RequireOrganization())
	admin.Use(rbac.RequireAnyRole(rbac.RoleAdmin, rbac.RoleSupport))
	{
		admin.POST("/runs/:run_id/rebuild", h.RebuildCounters)
	}
}
