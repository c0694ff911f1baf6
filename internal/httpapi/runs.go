package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"campaign-runner/internal/auth"
	"campaign-runner/internal/lifecycle"
	"campaign-runner/internal/record"
	"campaign-runner/internal/reporting"
	"campaign-runner/internal/rows"
	"campaign-runner/internal/runs"
	"campaign-runner/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

/* ===================== Create / ingest ===================== */

type createRunRequest struct {
	CampaignID   string `json:"campaign_id" binding:"required"`
	Name         string `json:"name" binding:"max=200"`
	CustomPrompt string `json:"custom_prompt" binding:"max=4000"`
}

// CreateRun opens a draft run for one of the caller's campaigns.
func (h Handlers) CreateRun(c *gin.Context) {
	orgID, err := auth.OrganizationID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "organization_id required"})
		return
	}
	var req createRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	camp, err := h.Store.GetCampaign(c.Request.Context(), req.CampaignID)
	if err != nil {
		writeError(c, err)
		return
	}
	if camp.OrganizationID != orgID {
		writeError(c, store.ErrNotFound)
		return
	}

	r := runs.Run{
		ID:             uuid.NewString(),
		CampaignID:     camp.ID,
		OrganizationID: orgID,
		Name:           req.Name,
		CustomPrompt:   req.CustomPrompt,
		Status:         runs.StatusDraft,
	}
	if err := h.Store.CreateRun(c.Request.Context(), r); err != nil {
		writeError(c, err)
		return
	}
	created, err := h.Store.GetRun(c.Request.Context(), r.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

type uploadRowsRequest struct {
	Records []record.Record `json:"records" binding:"required,min=1"`
}

// UploadRows builds the rows of a draft run from parsed file records.
func (h Handlers) UploadRows(c *gin.Context) {
	r, ok := h.loadRun(c)
	if !ok {
		return
	}
	var req uploadRowsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	out, err := h.Runs.BuildRowsForRun(c.Request.Context(), actor(c), r.ID, req.Records)
	if errors.Is(err, lifecycle.ErrNoValidRows) {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "run": out})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

/* ===================== Read ===================== */

func (h Handlers) GetRun(c *gin.Context) {
	r, ok := h.loadRun(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h Handlers) ListRows(c *gin.Context) {
	r, ok := h.loadRun(c)
	if !ok {
		return
	}
	f := rows.Filter{Status: rows.Status(c.Query("status"))}
	if f.Status != "" && !f.Status.Valid() {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
		return
	}
	var err error
	if f.Limit, err = intQuery(c, "limit"); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if f.Offset, err = intQuery(c, "offset"); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if f.Limit == 0 {
		f.Limit = rows.DefaultListLimit
	}
	if f.Limit > rows.MaxListLimit {
		f.Limit = rows.MaxListLimit
	}
	list, err := h.Store.ListRows(c.Request.Context(), r.ID, f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rows": list, "limit": f.Limit, "offset": f.Offset})
}

// GetMetadata serves counters for polling. since_version lets a client skip
// the body when nothing changed.
func (h Handlers) GetMetadata(c *gin.Context) {
	r, ok := h.loadRun(c)
	if !ok {
		return
	}
	if v := c.Query("since_version"); v != "" {
		since, err := strconv.ParseInt(v, 10, 64)
		if err != nil || since < 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "since_version must be a non-negative integer"})
			return
		}
		if r.Version <= since {
			c.Status(http.StatusNotModified)
			return
		}
	}
	c.Header("ETag", strconv.FormatInt(r.Version, 10))
	c.JSON(http.StatusOK, gin.H{
		"run_id":   r.ID,
		"status":   r.Status,
		"version":  r.Version,
		"metadata": r.Metadata,
	})
}

func (h Handlers) Report(c *gin.Context) {
	r, ok := h.loadRun(c)
	if !ok {
		return
	}
	out, err := h.Reports.RunReport(c.Request.Context(), reporting.RunReportRequest{OrganizationID: r.OrganizationID, RunID: r.ID})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

/* ===================== Control ===================== */

func (h Handlers) StartRun(c *gin.Context) {
	r, ok := h.loadRun(c)
	if !ok {
		return
	}
	out, err := h.Runs.Start(c.Request.Context(), actor(c), r.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	h.wake()
	c.JSON(http.StatusOK, out)
}

type scheduleRequest struct {
	ScheduledAt time.Time `json:"scheduled_at" binding:"required"`
}

func (h Handlers) ScheduleRun(c *gin.Context) {
	r, ok := h.loadRun(c)
	if !ok {
		return
	}
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	out, err := h.Runs.Schedule(c.Request.Context(), actor(c), r.ID, req.ScheduledAt)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) PauseRun(c *gin.Context) {
	r, ok := h.loadRun(c)
	if !ok {
		return
	}
	out, err := h.Runs.Pause(c.Request.Context(), actor(c), r.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) ResumeRun(c *gin.Context) {
	r, ok := h.loadRun(c)
	if !ok {
		return
	}
	out, err := h.Runs.Resume(c.Request.Context(), actor(c), r.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	h.wake()
	c.JSON(http.StatusOK, out)
}

// DispatchRun runs one dispatch pass now instead of waiting for the scheduler.
func (h Handlers) DispatchRun(c *gin.Context) {
	r, ok := h.loadRun(c)
	if !ok {
		return
	}
	if r.Status != runs.StatusRunning {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "run is " + string(r.Status)})
		return
	}
	res, err := h.Dispatch.DispatchRun(c.Request.Context(), r.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"run_id":  res.RunID,
		"placed":  res.Placed,
		"failed":  res.Failed,
		"stopped": res.Stopped,
	})
}

func (h Handlers) SkipRow(c *gin.Context) {
	r, ok := h.loadRun(c)
	if !ok {
		return
	}
	row, run, err := h.Rows.SkipRow(c.Request.Context(), actor(c), r.ID, c.Param("row_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"row": row, "run": run})
}

// RebuildCounters re-derives a run's counters from its rows.
// RBAC: admin, super_admin or support.
func (h Handlers) RebuildCounters(c *gin.Context) {
	r, ok := h.loadRun(c)
	if !ok {
		return
	}
	out, err := h.Rows.Rebuild(c.Request.Context(), actor(c), r.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func intQuery(c *gin.Context, key string) (int, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return n, nil
}
