package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunLifecycle(t *testing.T) {
	m := New()

	m.RunStarted()
	m.RunStarted()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RunsInFlight))

	m.RunFinished(true, 3*time.Second)
	m.RunFinished(false, time.Second)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.RunsInFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues(OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues(OutcomeFailure)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RunDuration))
}

func TestCounters(t *testing.T) {
	m := New()

	m.RequestCaptured()
	m.RequestCaptured()
	m.Degraded(DegradedDNS)
	m.Degraded(DegradedScreenshot)
	m.Degraded(DegradedDNS)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CapturedRequests))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DegradedTotal.WithLabelValues(DegradedDNS)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DegradedTotal.WithLabelValues(DegradedScreenshot)))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RunStarted()
		m.RunFinished(true, time.Second)
		m.RequestCaptured()
		m.Degraded(DegradedAudit)
	})
}

func TestHandler(t *testing.T) {
	m := New()
	m.RequestCaptured()

	server := httptest.NewServer(m.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "urlanalyzer_captured_requests_total 1"))
	assert.True(t, strings.Contains(string(body), "go_goroutines"))
}
