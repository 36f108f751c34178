package observability

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetricsCountersAndHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)

	m.IncDispatch("success")
	m.IncDispatch("success")
	m.IncPersistenceFailure("save")
	m.SetActiveSessions(3)
	m.ObserveCompletionLatency(120 * time.Millisecond)

	require.Equal(t, 2.0, testutil.ToFloat64(m.DispatchOutcomes.WithLabelValues("success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.PersistenceFailures.WithLabelValues("save")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.ActiveSessions))

	rec := httptest.NewRecorder()
	MetricsHandler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "test_dispatch_outcomes_total")
	require.Contains(t, string(body), "test_completion_latency_ms_bucket")
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.IncDispatch("failure")
	m.IncSessionEvent("start")
	m.IncWSMessage("in", "send_text")
	m.IncPersistenceFailure("load")
	m.IncVoiceFinalization("silence")
	m.SetActiveSessions(1)
	m.ObserveCompletionLatency(time.Second)
}
