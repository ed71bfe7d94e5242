package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppMetrics_RegisterAndExpose(t *testing.T) {
	reg := NewRegistry()
	m := NewAppMetrics(reg)

	m.ExchangeTotal.WithLabelValues("HELLO", "ok").Inc()
	m.ExchangeRetries.WithLabelValues("HELLO").Add(2)
	m.DeviceConnected.Set(1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExchangeTotal.WithLabelValues("HELLO", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ExchangeRetries.WithLabelValues("HELLO")))

	rr := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "gcp_exchange_total")
	assert.Contains(t, rr.Body.String(), "gcp_device_connected 1")
}
