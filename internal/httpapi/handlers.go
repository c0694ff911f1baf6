package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"campaign-runner/internal/aggregator"
	"campaign-runner/internal/audit"
	"campaign-runner/internal/auth"
	"campaign-runner/internal/campaigns"
	"campaign-runner/internal/dispatch"
	"campaign-runner/internal/events"
	"campaign-runner/internal/lifecycle"
	"campaign-runner/internal/rbac"
	"campaign-runner/internal/record"
	"campaign-runner/internal/reporting"
	"campaign-runner/internal/rows"
	"campaign-runner/internal/runs"
	"campaign-runner/internal/store"
	"campaign-runner/pkg/logger"

	"github.com/gin-gonic/gin"
)

type RunStore interface {
	GetCampaign(ctx context.Context, id string) (campaigns.Campaign, error)
	CreateRun(ctx context.Context, r runs.Run) error
	GetRun(ctx context.Context, id string) (runs.Run, error)
	ListRows(ctx context.Context, runID string, f rows.Filter) ([]rows.Row, error)
}

type Lifecycle interface {
	BuildRowsForRun(ctx context.Context, actor audit.Actor, runID string, records []record.Record) (runs.Run, error)
	Start(ctx context.Context, actor audit.Actor, runID string) (runs.Run, error)
	Schedule(ctx context.Context, actor audit.Actor, runID string, at time.Time) (runs.Run, error)
	Pause(ctx context.Context, actor audit.Actor, runID string) (runs.Run, error)
	Resume(ctx context.Context, actor audit.Actor, runID string) (runs.Run, error)
}

type RowOps interface {
	SkipRow(ctx context.Context, actor audit.Actor, runID, rowID string) (rows.Row, runs.Run, error)
	Rebuild(ctx context.Context, actor audit.Actor, runID string) (runs.Run, error)
}

type Dispatcher interface {
	DispatchRun(ctx context.Context, runID string) (dispatch.PassResult, error)
}

type Reporter interface {
	RunReport(ctx context.Context, req reporting.RunReportRequest) (reporting.RunReport, error)
}

type Waker interface {
	Wake()
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth     *auth.Manager
	Store    RunStore
	Runs     Lifecycle
	Rows     RowOps
	Dispatch Dispatcher
	Reports  Reporter
	Events   events.Subscriber
	Waker    Waker

	// Heartbeat is the idle interval between SSE keep-alives.
	Heartbeat time.Duration

	// DevLogin enables Login. Off outside local/dev.
	DevLogin bool
}

// --- Auth ---

type loginRequest struct {
	UserID         string `json:"user_id" binding:"required"`
	OrganizationID string `json:"organization_id" binding:"required"`
	Role           string `json:"role" binding:"required,oneof=admin member viewer"`
}

// Login issues an access token for local development.
//
// NOTE: credentials are not checked; in deployed environments tokens come
// from the identity provider in front of this service and this answers 501.
// Platform roles (super_admin, support) are never issued here.
func (h Handlers) Login(c *gin.Context) {
	if !h.DevLogin || h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusNotImplemented, gin.H{"error": "login is not available; use the identity provider"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tok, err := h.Auth.IssueAccess(time.Now(), auth.Identity{UserID: req.UserID, OrganizationID: req.OrganizationID, Role: req.Role})
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": tok})
}

func (h Handlers) Me(c *gin.Context) {
	id, _ := auth.IdentityFrom(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"user_id":         id.UserID,
		"organization_id": id.OrganizationID,
		"role":            id.Role,
		"can_operate":     rbac.CanOperate(id.Role),
	})
}

// --- helpers ---

func actor(c *gin.Context) audit.Actor {
	id, _ := auth.IdentityFrom(c.Request.Context())
	return audit.Actor{UserID: id.UserID, Role: id.Role, IP: c.ClientIP()}
}

// loadRun fetches the run named in the path and hides runs of other
// organizations behind a 404. super_admin sees every run.
func (h Handlers) loadRun(c *gin.Context) (runs.Run, bool) {
	orgID, err := auth.OrganizationID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "organization_id required"})
		return runs.Run{}, false
	}
	r, err := h.Store.GetRun(c.Request.Context(), c.Param("run_id"))
	if err != nil {
		writeError(c, err)
		return runs.Run{}, false
	}
	role, _ := auth.Role(c.Request.Context())
	if r.OrganizationID != orgID && !rbac.IsSuperAdmin(role) {
		writeError(c, store.ErrNotFound)
		return runs.Run{}, false
	}
	return r, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, reporting.ErrNotFound),
		errors.Is(err, aggregator.ErrRowNotInRun):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, rows.ErrInvalidTransition),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, aggregator.ErrRunClosed),
		errors.Is(err, aggregator.ErrRunNotReady):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrInvalidSchedule),
		errors.Is(err, store.ErrInvalidArgument),
		errors.Is(err, reporting.ErrInvalidRequest),
		errors.Is(err, record.ErrUnsupportedValue):
		return http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrNoValidRows):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps domain errors to status codes. Internal errors are logged
// and not echoed to the client.
func writeError(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		logger.FromGin(c).Error("request failed", "error", err)
		_ = c.Error(err)
		c.AbortWithStatusJSON(code, gin.H{"error": "internal error"})
		return
	}
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

func (h Handlers) wake() {
	if h.Waker != nil {
		h.Waker.Wake()
	}
}
