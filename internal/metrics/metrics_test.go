package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallLifecycleCounters(t *testing.T) {
	m := New()

	m.CallStarted("video", "outgoing")
	m.CallStarted("audio", "incoming")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.callsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.callsStarted.WithLabelValues("video", "outgoing")))

	m.CallEnded("video", "hangup", 42*time.Second)
	m.CallEnded("audio", "rejected", 0)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.callsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.callsEnded.WithLabelValues("rejected")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.callDuration))
}

func TestFailureCounters(t *testing.T) {
	m := New()
	m.SignalSendFailed("offer")
	m.SignalSendFailed("offer")
	m.NegotiationFailed("apply_answer")
	m.DeviceError("permission_denied")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.signalSendFailures.WithLabelValues("offer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.negotiationFails.WithLabelValues("apply_answer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deviceErrors.WithLabelValues("permission_denied")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.CallStarted("audio", "outgoing")
	m.CallEnded("audio", "hangup", time.Second)
	m.SignalSendFailed("hangup")
	m.NegotiationFailed("offer")
	m.DeviceError("device_busy")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerExposesCallMetrics(t *testing.T) {
	m := New()
	m.CallStarted("audio", "outgoing")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "goopcall_calls_started_total"))
}
