package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func TestStatusBucket(t *testing.T) {
	for code, want := range map[int]string{
		101: "1xx",
		200: "2xx",
		204: "2xx",
		304: "3xx",
		400: "4xx",
		429: "4xx",
		500: "5xx",
		503: "5xx",
	} {
		assert.Equal(t, want, statusBucket(code), "code %d", code)
	}
}

func TestHandler_ExposesDomainSeries(t *testing.T) {
	DecisionsTotal.WithLabelValues("CRÍTICO").Inc()
	DegradedTotal.WithLabelValues("history_unavailable").Inc()
	EventsPublishedTotal.WithLabelValues("kafka", "delivered").Inc()

	r := gin.New()
	r.GET("/metrics", Handler())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `fraudguard_decisions_total{level="CRÍTICO"}`)
	assert.Contains(t, body, `fraudguard_degraded_decisions_total{reason="history_unavailable"}`)
	assert.Contains(t, body, `fraudguard_events_published_total{result="delivered",sink="kafka"}`)
	assert.Contains(t, body, "fraudguard_active_websocket_clients")
}

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	HTTPRequestsTotal.Reset()

	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/decisions/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	r.POST("/v1/predict", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, id := range []string{"a", "b", "c"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/decisions/"+id, nil))
	}
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/predict", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v2/predict", nil))

	assert.Equal(t, 3.0, counterValue(t, HTTPRequestsTotal.WithLabelValues("GET", "/v1/decisions/:id", "4xx")))
	assert.Equal(t, 1.0, counterValue(t, HTTPRequestsTotal.WithLabelValues("POST", "/v1/predict", "2xx")))
	assert.Equal(t, 1.0, counterValue(t, HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "4xx")))
}

func TestObserveStage(t *testing.T) {
	StageDuration.Reset()

	ObserveStage("scorer", time.Now().Add(-10*time.Millisecond))

	h, ok := StageDuration.WithLabelValues("scorer").(prometheus.Histogram)
	require.True(t, ok)
	m := &dto.Metric{}
	require.NoError(t, h.Write(m))
	assert.EqualValues(t, 1, m.GetHistogram().GetSampleCount())
	assert.GreaterOrEqual(t, m.GetHistogram().GetSampleSum(), 0.01)
}
