package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestOutcome(t *testing.T) {
	if Outcome(true) != "allow" || Outcome(false) != "deny" {
		t.Error("unexpected outcome labels")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	FailOpenTotal.WithLabelValues("timeout").Inc()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	body := w.Body.String()
	for _, name := range []string{
		"walletgate_queue_depth",
		"walletgate_active_ports",
		"walletgate_fail_open_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("Expected metrics output to contain %s", name)
		}
	}
}

func TestDecisionsCounter(t *testing.T) {
	c, err := DecisionsTotal.GetMetricWithLabelValues("deny", "human")
	if err != nil {
		t.Fatal(err)
	}
	var before dto.Metric
	if err := c.Write(&before); err != nil {
		t.Fatal(err)
	}

	DecisionsTotal.WithLabelValues("deny", "human").Inc()

	var after dto.Metric
	if err := c.Write(&after); err != nil {
		t.Fatal(err)
	}
	if after.GetCounter().GetValue()-before.GetCounter().GetValue() != 1 {
		t.Error("expected counter to increase by 1")
	}
}

func TestMiddleware_RecordsMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/test", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	c, err := HTTPRequestsTotal.GetMetricWithLabelValues("GET", "/test", "2xx")
	if err != nil {
		t.Fatal(err)
	}
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatal(err)
	}
	if m.GetCounter().GetValue() < 1 {
		t.Error("expected request to be counted")
	}
}
