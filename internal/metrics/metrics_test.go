package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{301, "3xx"},
		{402, "4xx"},
		{409, "4xx"},
		{500, "5xx"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), "code %d", tt.code)
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func TestTrack_ObservesHistogram(t *testing.T) {
	OperationDuration.Reset()

	done := Track("ledger", "debit")
	done()

	ch := make(chan prometheus.Metric, 4)
	OperationDuration.Collect(ch)
	close(ch)

	var samples uint64
	for metric := range ch {
		m := &dto.Metric{}
		require.NoError(t, metric.Write(m))
		samples += m.GetHistogram().GetSampleCount()
	}
	assert.Equal(t, uint64(1), samples)
}

func TestUnitOfWorkFailures_CountsPerOp(t *testing.T) {
	UnitOfWorkFailures.Reset()

	UnitOfWorkFailures.WithLabelValues("escrow.cancel").Inc()
	UnitOfWorkFailures.WithLabelValues("escrow.cancel").Inc()

	assert.Equal(t, 2.0, counterValue(t, UnitOfWorkFailures.WithLabelValues("escrow.cancel")))
	assert.Equal(t, 0.0, counterValue(t, UnitOfWorkFailures.WithLabelValues("ledger.debit")))
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	EscrowTransitionsTotal.WithLabelValues("deposit_received").Inc()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "authorityx_active_websocket_clients")
	assert.Contains(t, body, "authorityx_escrow_transitions_total")
}

func TestMiddleware_RecordsRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	HTTPRequestsTotal.Reset()

	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/transactions/:id", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/transactions/tx_1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	got := counterValue(t, HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/v1/transactions/:id", "2xx"))
	assert.Equal(t, 1.0, got)
}
