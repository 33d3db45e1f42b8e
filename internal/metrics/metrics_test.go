package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalPath(t *testing.T) {
	tests := map[string]string{
		"":                                    "/",
		"/":                                   "/",
		"/health":                             "/health",
		"/static/app.js":                      "/static",
		"/api/metrics":                        "/api/metrics",
		"/api/metrics/42":                     "/api/metrics/:id",
		"/api/backup/restore/health_1.db.enc": "/api/backup/restore/:filename",
		"/api/auth/login":                     "/api/auth/login",
	}
	for in, want := range tests {
		assert.Equal(t, want, canonicalPath(in), "canonicalPath(%q)", in)
	}
}

func TestInstrumentHandler(t *testing.T) {
	m := New()
	h := m.InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/metrics/7", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)

	got := testutil.ToFloat64(m.httpRequests.WithLabelValues("POST", "/api/metrics/:id", "201"))
	assert.Equal(t, 1.0, got)
}

func TestCounters(t *testing.T) {
	m := New()
	m.AuthFailure("token_expired")
	m.AuthFailure("token_expired")
	m.DecryptionFailure()
	m.BackupRun(true)
	m.BackupRun(false)
	m.MetricRecorded("weight", true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.authFailures.WithLabelValues("token_expired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decryptionFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.backupRuns.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metricsRecorded.WithLabelValues("weight", "true")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.AuthFailure("x")
	m.DecryptionFailure()
	m.BackupRun(true)
	m.MetricRecorded("weight", false)

	called := false
	h := m.InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, called)
}

func TestHandlerExposition(t *testing.T) {
	m := New()
	m.AuthFailure("invalid_token")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `vitalog_auth_failures_total{kind="invalid_token"} 1`))
}
