package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"campaign-runner/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

const maxWebhookBody = 1 << 20

// Reconciler applies a notification to stored state. A nil error means the
// notification is settled (applied, duplicate or deliberately dropped) and
// the provider should not retry.
type Reconciler interface {
	Reconcile(ctx context.Context, n Notification) error
}

// WebhookHandler converts provider webhooks to Notifications and delegates
// to the Reconciler.
//
// No business logic here.
type WebhookHandler struct {
	Reconciler Reconciler

	// Secret verifies X-Retell-Signature on both routes. Empty disables the
	// check, which config only allows outside production.
	Secret string

	Validate *validator.Validate
	Now      func() time.Time
}

func NewWebhookHandler(rec Reconciler, secret string) WebhookHandler {
	return WebhookHandler{Reconciler: rec, Secret: secret, Validate: validator.New(), Now: time.Now}
}

// HandleRetell serves POST /webhooks/retell/post-call.
func (h WebhookHandler) HandleRetell(c *gin.Context) {
	log := logger.FromGin(c)

	body, ok := h.readVerified(c)
	if !ok {
		return
	}
	n, err := ParseRetellWebhook(body)
	if errors.Is(err, ErrIgnoredEvent) {
		log.Info("retell webhook dropped", "reason", err.Error())
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	if err != nil {
		log.Warn("retell webhook parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	h.reconcile(c, n)
}

// HandleOutcome serves POST /webhooks/calls/outcome with a Notification body.
func (h WebhookHandler) HandleOutcome(c *gin.Context) {
	log := logger.FromGin(c)

	body, ok := h.readVerified(c)
	if !ok {
		return
	}
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		log.Warn("outcome webhook decode failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if err := h.validator().Struct(&n); err != nil {
		var verrs validator.ValidationErrors
		details := []string{}
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				details = append(details, fe.Field()+": "+fe.Tag())
			}
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "validation failed", "details": details})
		return
	}
	h.reconcile(c, n)
}

func (h WebhookHandler) readVerified(c *gin.Context) ([]byte, bool) {
	log := logger.FromGin(c)
	if h.Reconciler == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reconciler not configured"})
		return nil, false
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return nil, false
	}
	if h.Secret != "" {
		now := time.Now
		if h.Now != nil {
			now = h.Now
		}
		if err := VerifyRetellSignature(body, c.GetHeader(RetellSignatureHeader), h.Secret, now()); err != nil {
			log.Warn("webhook signature rejected", "err", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return nil, false
		}
	}
	return body, true
}

func (h WebhookHandler) reconcile(c *gin.Context, n Notification) {
	log := logger.FromGin(c).With("external_call_id", n.ExternalCallID, "outcome", string(n.Outcome))

	if err := h.Reconciler.Reconcile(c.Request.Context(), n); err != nil {
		// non-2xx makes the provider retry; reconciliation is idempotent
		log.Error("reconcile notification failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reconcile failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h WebhookHandler) validator() *validator.Validate {
	if h.Validate == nil {
		return validator.New()
	}
	return h.Validate
}
