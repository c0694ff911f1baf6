package httpapi

import (
	"io"
	"net/http"
	"time"

	"campaign-runner/internal/events"
	"campaign-runner/pkg/logger"

	"github.com/gin-gonic/gin"
)

// StreamEvents pushes run and row changes as server-sent events. The first
// event is a snapshot of the run so a client never starts from nothing.
func (h Handlers) StreamEvents(c *gin.Context) {
	r, ok := h.loadRun(c)
	if !ok {
		return
	}
	if h.Events == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "event stream not configured"})
		return
	}
	ctx := c.Request.Context()
	ch, cancel, err := h.Events.Subscribe(ctx, r.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	defer cancel()

	heartbeat := h.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(string(events.TypeRunStatus), events.RunEvent(events.TypeRunStatus, r, time.Now().UTC()))
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case e, ok := <-ch:
			if !ok {
				logger.FromGin(c).Debug("event stream closed", "run_id", r.ID)
				return false
			}
			c.SSEvent(string(e.Type), e)
			return true
		case <-ticker.C:
			c.SSEvent("ping", gin.H{"at": time.Now().UTC()})
			return true
		}
	})
}
