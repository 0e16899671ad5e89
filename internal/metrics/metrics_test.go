package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.SessionStarted()
	m.EventAppended("token")
	m.EventAppended("token")
	m.SessionTerminated("end")
	m.Finalized("saved")
	m.Job("generate", "ok")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsStarted))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsAppended.WithLabelValues("token")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.terminals.WithLabelValues("end")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.finalizations.WithLabelValues("saved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobs.WithLabelValues("generate", "ok")))

	done := m.Attached()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeAttachments))
	done()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.activeAttachments))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.SessionStarted()
	m.EventAppended("start")
	m.SessionTerminated("error")
	m.Finalized("failed")
	m.Job("title", "rejected")
	m.Attached()()
	m.TrackQueue(func() int { return 1 }, func() (int, int) { return 1, 0 })
}

func TestTrackQueue(t *testing.T) {
	m := New()
	pending := 3
	m.TrackQueue(func() int { return pending }, func() (int, int) { return 4, 1 })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, "chatrelay_worker_jobs_pending 3")
	assert.Contains(t, body, "chatrelay_workers_running 4")
	assert.Contains(t, body, "chatrelay_workers_idle 1")

	pending = 0
	rec = httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "chatrelay_worker_jobs_pending 0")
}

func TestHandler(t *testing.T) {
	m := New()
	m.SessionStarted()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "chatrelay_sessions_started_total 1")
}
