package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	m := New()
	m.Dispatch("sent")
	m.Dispatch("sent")
	m.Dispatch("failed")
	m.Recurrence("terminal")
	m.ObserveTick(20 * time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Dispatches.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Dispatches.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Recurrences.WithLabelValues("terminal")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `taskflow_digest_dispatch_total{result="sent"} 2`)
	assert.Contains(t, rec.Body.String(), "taskflow_digest_tick_duration_seconds_count 1")
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.Dispatch("sent")
	m.Recurrence("rescheduled")
	m.ObserveTick(time.Second)
}
