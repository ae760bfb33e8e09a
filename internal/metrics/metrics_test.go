package metrics

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.CacheResult("hit")
	m.ObserveFetch(time.Millisecond, errors.New("x"))
	m.BreakerState(1, true)
	m.SessionOpened()
	m.DrawingCommitted("trendline")
	m.PrewarmRun(nil)
}

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.CacheResult("hit")
	m.CacheResult("hit")
	m.CacheResult("stale")
	if got := testutil.ToFloat64(m.CacheRequests.WithLabelValues("hit")); got != 2 {
		t.Errorf("hit count = %v, want 2", got)
	}

	m.ObserveFetch(10*time.Millisecond, errors.New("boom"))
	m.ObserveFetch(10*time.Millisecond, nil)
	if got := testutil.ToFloat64(m.UpstreamErrors); got != 1 {
		t.Errorf("upstream errors = %v, want 1", got)
	}

	m.BreakerState(1, true)
	m.BreakerState(0, false)
	if got := testutil.ToFloat64(m.CircuitBreakerTrips); got != 1 {
		t.Errorf("trips = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CircuitBreakerState); got != 0 {
		t.Errorf("state = %v, want 0", got)
	}

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Errorf("active sessions = %v, want 1", got)
	}

	m.PrewarmRun(errors.New("x"))
	if got := testutil.ToFloat64(m.PrewarmRuns.WithLabelValues("error")); got != 1 {
		t.Errorf("prewarm errors = %v, want 1", got)
	}
}

func TestHealthz(t *testing.T) {
	cases := []struct {
		name       string
		setup      func(h *HealthStatus)
		wantCode   int
		wantStatus string
	}{
		{"healthy", func(h *HealthStatus) {
			h.SetFeedConnected(true)
			h.SetSQLiteOK(true)
		}, http.StatusOK, "healthy"},
		{"redis down", func(h *HealthStatus) {
			h.SetFeedConnected(true)
			h.SetSQLiteOK(true)
			h.SetRedisEnabled(true)
		}, http.StatusOK, "degraded"},
		{"breaker open", func(h *HealthStatus) {
			h.SetFeedConnected(true)
			h.SetSQLiteOK(true)
			h.SetBreakerState("open")
		}, http.StatusOK, "degraded"},
		{"sqlite down", func(h *HealthStatus) {
			h.SetFeedConnected(true)
		}, http.StatusServiceUnavailable, "unhealthy"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHealthStatus()
			tc.setup(h)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			if rec.Code != tc.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tc.wantCode)
			}
			var body struct {
				Status string `json:"status"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body.Status != tc.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tc.wantStatus)
			}
		})
	}
}
