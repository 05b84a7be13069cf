package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	// Reset Prometheus registry to avoid duplicate registration
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg
	return NewCollector()
}

func TestNewCollector(t *testing.T) {
	collector := newTestCollector(t)

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.runs, "runs counter should be initialized")
	assert.NotNil(t, collector.filesSubmitted, "filesSubmitted counter should be initialized")
	assert.NotNil(t, collector.engineErrors, "engineErrors counter should be initialized")
	assert.NotNil(t, collector.runDuration, "runDuration histogram should be initialized")
	assert.NotNil(t, collector.lastSuccess, "lastSuccess gauge should be initialized")
	assert.NotNil(t, collector.workPending, "workPending gauge should be initialized")
}

func TestRecordRun(t *testing.T) {
	collector := newTestCollector(t)

	collector.RecordRun("success", 2*time.Second)
	collector.RecordRun("failure", time.Second)
	collector.RecordRun("failure", time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.runs.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.runs.WithLabelValues("failure")))
	assert.Greater(t, testutil.ToFloat64(collector.lastSuccess), 0.0)
}

func TestSoftSkipCountsAsSuccessTimestamp(t *testing.T) {
	collector := newTestCollector(t)
	collector.RecordRun("soft_skip", time.Millisecond)
	assert.Greater(t, testutil.ToFloat64(collector.lastSuccess), 0.0)
}

func TestCountersAccumulate(t *testing.T) {
	collector := newTestCollector(t)

	collector.RecordFilesSubmitted(3)
	collector.RecordFilesSubmitted(2)
	collector.RecordEngineError("rate_limited")
	collector.RecordExposuresInserted(2)
	collector.RecordExposuresInserted(0)
	collector.RecordNotification()

	assert.Equal(t, 5.0, testutil.ToFloat64(collector.filesSubmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.engineErrors.WithLabelValues("rate_limited")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.exposuresInserted))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.notifications))
}

func TestUpdateWorkStats(t *testing.T) {
	collector := newTestCollector(t)

	testCases := []struct {
		name    string
		pending int
		running int
	}{
		{"zero values", 0, 0},
		{"one running", 0, 1},
		{"backlog", 3, 1},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			collector.UpdateWorkStats(tc.pending, tc.running)
			assert.Equal(t, float64(tc.pending), testutil.ToFloat64(collector.workPending))
			assert.Equal(t, float64(tc.running), testutil.ToFloat64(collector.workRunning))
		})
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordRun("success", time.Second)
		c.RecordFilesSubmitted(1)
		c.RecordEngineError("timeout")
		c.RecordExposuresInserted(1)
		c.RecordNotification()
		c.UpdateWorkStats(1, 1)
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	collector := newTestCollector(t)
	collector.RecordFilesSubmitted(4)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "enpipe_key_files_submitted_total 4"))
}
