// Package metrics exposes Prometheus metrics and the /healthz endpoint.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for chartd. A nil *Metrics is valid
// and records nothing, so components can be built without instrumentation.
type Metrics struct {
	// Series cache
	CacheRequests    *prometheus.CounterVec // labels: result=hit|miss|stale|error
	CacheEntries     prometheus.Gauge
	UpstreamFetchDur prometheus.Histogram
	UpstreamErrors   prometheus.Counter

	// Circuit breaker on the upstream fetcher
	CircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	CircuitBreakerTrips prometheus.Counter

	// Redis L2 store
	RedisWriteDur       prometheus.Histogram
	RedisBufferedWrites prometheus.Counter

	// SQLite layout store
	SQLiteQueryDur prometheus.Histogram
	LayoutOps      *prometheus.CounterVec // labels: op

	// Live feed
	TicksTotal      prometheus.Counter
	WSReconnects    prometheus.Counter
	DroppedTicks    prometheus.Counter
	BarsGenerated   prometheus.Counter
	IndicatorUpdDur prometheus.Histogram

	// Chart sessions
	ActiveSessions   prometheus.Gauge
	ChartBuilds      prometheus.Counter
	ChartTeardowns   prometheus.Counter
	StaleFetchDrops  prometheus.Counter
	WidgetOpsDropped prometheus.Counter

	// Drawing overlay
	DrawingsCommitted *prometheus.CounterVec // labels: tool

	// Scheduler
	PrewarmRuns *prometheus.CounterVec // labels: result=ok|error
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// uses the default Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		CacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartd_cache_requests_total",
			Help: "Series cache lookups by result",
		}, []string{"result"}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chartd_cache_entries",
			Help: "Series currently held in the in-memory cache",
		}),
		UpstreamFetchDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chartd_upstream_fetch_duration_seconds",
			Help:    "Historical data fetch latency",
			Buckets: prometheus.DefBuckets,
		}),
		UpstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartd_upstream_fetch_errors_total",
			Help: "Historical data fetches that failed",
		}),

		CircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chartd_circuit_breaker_state",
			Help: "Upstream circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		CircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartd_circuit_breaker_trips_total",
			Help: "Times the upstream circuit breaker tripped open",
		}),

		RedisWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chartd_redis_write_duration_seconds",
			Help:    "Redis series snapshot write latency",
			Buckets: prometheus.DefBuckets,
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartd_redis_buffered_writes_total",
			Help: "Snapshot writes buffered locally while the Redis breaker was open",
		}),

		SQLiteQueryDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chartd_sqlite_query_duration_seconds",
			Help:    "SQLite layout store statement latency",
			Buckets: prometheus.DefBuckets,
		}),
		LayoutOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartd_layout_operations_total",
			Help: "Chart configuration operations by kind",
		}, []string{"op"}),

		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartd_ticks_total",
			Help: "Ticks received from the WebSocket feed",
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartd_feed_reconnects_total",
			Help: "WebSocket feed reconnection attempts",
		}),
		DroppedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartd_dropped_ticks_total",
			Help: "Ticks dropped because the tick ring was full",
		}),
		BarsGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartd_live_bars_total",
			Help: "Bars appended by live chart loops",
		}),
		IndicatorUpdDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chartd_indicator_update_duration_seconds",
			Help:    "Incremental indicator update latency per live bar",
			Buckets: []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001},
		}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chartd_active_sessions",
			Help: "Connected chart sessions",
		}),
		ChartBuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartd_chart_builds_total",
			Help: "Chart orchestrator builds",
		}),
		ChartTeardowns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartd_chart_teardowns_total",
			Help: "Chart orchestrator teardowns",
		}),
		StaleFetchDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartd_stale_fetch_drops_total",
			Help: "Fetch results discarded because the chart was rebuilt meanwhile",
		}),
		WidgetOpsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartd_widget_ops_dropped_total",
			Help: "Widget operations dropped because a client send buffer was full",
		}),

		DrawingsCommitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartd_drawings_committed_total",
			Help: "Shapes committed by the drawing engine",
		}, []string{"tool"}),

		PrewarmRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartd_prewarm_runs_total",
			Help: "Watchlist cache pre-warm fetches by result",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.CacheRequests,
		m.CacheEntries,
		m.UpstreamFetchDur,
		m.UpstreamErrors,
		m.CircuitBreakerState,
		m.CircuitBreakerTrips,
		m.RedisWriteDur,
		m.RedisBufferedWrites,
		m.SQLiteQueryDur,
		m.LayoutOps,
		m.TicksTotal,
		m.WSReconnects,
		m.DroppedTicks,
		m.BarsGenerated,
		m.IndicatorUpdDur,
		m.ActiveSessions,
		m.ChartBuilds,
		m.ChartTeardowns,
		m.StaleFetchDrops,
		m.WidgetOpsDropped,
		m.DrawingsCommitted,
		m.PrewarmRuns,
	)

	return m
}

// CacheResult counts one cache lookup outcome.
func (m *Metrics) CacheResult(result string) {
	if m == nil {
		return
	}
	m.CacheRequests.WithLabelValues(result).Inc()
}

// SetCacheEntries records the current cache size.
func (m *Metrics) SetCacheEntries(n int) {
	if m == nil {
		return
	}
	m.CacheEntries.Set(float64(n))
}

// ObserveFetch records one upstream fetch.
func (m *Metrics) ObserveFetch(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.UpstreamFetchDur.Observe(d.Seconds())
	if err != nil {
		m.UpstreamErrors.Inc()
	}
}

// BreakerState records a breaker transition. tripped is true when the
// breaker moved to open.
func (m *Metrics) BreakerState(state int, tripped bool) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.Set(float64(state))
	if tripped {
		m.CircuitBreakerTrips.Inc()
	}
}

// ObserveRedisWrite records one snapshot write.
func (m *Metrics) ObserveRedisWrite(d time.Duration) {
	if m == nil {
		return
	}
	m.RedisWriteDur.Observe(d.Seconds())
}

// RedisBuffered counts a snapshot write buffered during an outage.
func (m *Metrics) RedisBuffered() {
	if m == nil {
		return
	}
	m.RedisBufferedWrites.Inc()
}

// ObserveSQLite records one layout store statement.
func (m *Metrics) ObserveSQLite(d time.Duration) {
	if m == nil {
		return
	}
	m.SQLiteQueryDur.Observe(d.Seconds())
}

// LayoutOp counts one chart configuration operation.
func (m *Metrics) LayoutOp(op string) {
	if m == nil {
		return
	}
	m.LayoutOps.WithLabelValues(op).Inc()
}

// Tick counts one received feed tick; dropped marks a ring overflow.
func (m *Metrics) Tick(dropped bool) {
	if m == nil {
		return
	}
	m.TicksTotal.Inc()
	if dropped {
		m.DroppedTicks.Inc()
	}
}

// Reconnect counts a feed reconnection.
func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.WSReconnects.Inc()
}

// LiveBar records one appended live bar and its indicator update latency.
func (m *Metrics) LiveBar(indicatorDur time.Duration) {
	if m == nil {
		return
	}
	m.BarsGenerated.Inc()
	m.IndicatorUpdDur.Observe(indicatorDur.Seconds())
}

// SessionOpened and SessionClosed track connected chart sessions.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

// ChartBuilt counts an orchestrator build.
func (m *Metrics) ChartBuilt() {
	if m == nil {
		return
	}
	m.ChartBuilds.Inc()
}

// ChartTornDown counts an orchestrator teardown.
func (m *Metrics) ChartTornDown() {
	if m == nil {
		return
	}
	m.ChartTeardowns.Inc()
}

// StaleFetchDropped counts a fetch result discarded after a rebuild.
func (m *Metrics) StaleFetchDropped() {
	if m == nil {
		return
	}
	m.StaleFetchDrops.Inc()
}

// WidgetOpDropped counts a widget operation lost to backpressure.
func (m *Metrics) WidgetOpDropped() {
	if m == nil {
		return
	}
	m.WidgetOpsDropped.Inc()
}

// DrawingCommitted counts a shape committed with tool.
func (m *Metrics) DrawingCommitted(tool string) {
	if m == nil {
		return
	}
	m.DrawingsCommitted.WithLabelValues(tool).Inc()
}

// PrewarmRun counts one watchlist pre-warm fetch.
func (m *Metrics) PrewarmRun(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.PrewarmRuns.WithLabelValues(result).Inc()
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	FeedConnected  bool      `json:"feed_connected"`
	LastTickTime   time.Time `json:"last_tick_time"`
	RedisEnabled   bool      `json:"redis_enabled"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`
	BreakerState   string    `json:"breaker_state"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt:    time.Now(),
		BreakerState: "closed",
	}
}

func (h *HealthStatus) SetFeedConnected(v bool) {
	h.mu.Lock()
	h.FeedConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisEnabled(v bool) {
	h.mu.Lock()
	h.RedisEnabled = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetBreakerState(s string) {
	h.mu.Lock()
	h.BreakerState = s
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. Either client may
// be nil.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	redisDown := h.RedisEnabled && !h.RedisConnected
	if !h.FeedConnected || redisDown || h.BreakerState == "open" {
		overallStatus = "degraded"
	}
	if !h.SQLiteOK {
		overallStatus = "unhealthy"
		httpCode = http.StatusServiceUnavailable
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		FeedConnected   bool    `json:"feed_connected"`
		TickAge         string  `json:"tick_age"`
		RedisEnabled    bool    `json:"redis_enabled"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		BreakerState    string  `json:"breaker_state"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		FeedConnected:   h.FeedConnected,
		TickAge:         tickAge,
		RedisEnabled:    h.RedisEnabled,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		BreakerState:    h.BreakerState,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", health)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		slog.Info("metrics server listening", "component", "metrics", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", "component", "metrics", "error", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
