package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func scrape(t *testing.T, r *gin.Engine) string {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", w.Code)
	}
	return w.Body.String()
}

func TestMiddleware_LabelsByRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/runs/:run_id", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/metrics", Handler())

	for _, id := range []string{"a", "b"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/runs/"+id, nil))
	}

	body := scrape(t, r)
	if !strings.Contains(body, `http_requests_total{method="GET",route="/v1/runs/:run_id",status="200"}`) {
		t.Fatalf("expected templated route label in exposition")
	}
	if strings.Contains(body, `route="/v1/runs/a"`) {
		t.Fatalf("raw paths must not become labels")
	}
}

func TestDomainCountersExposed(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.GET("/metrics", Handler())

	Webhook("completed", "applied")
	Claim("claimed")
	RunTransition("running")
	RowTransition("pending", "calling")

	body := scrape(t, r)
	for _, want := range []string{
		`campaign_webhook_notifications_total{outcome="completed",result="applied"}`,
		`campaign_dispatch_claims_total{result="claimed"}`,
		`campaign_run_transitions_total{to="running"}`,
		`campaign_row_transitions_total{from="pending",to="calling"}`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %s in exposition", want)
		}
	}
}
