// Command chartd serves interactive charts: one chart session per
// WebSocket connection, the layout REST API, and Prometheus metrics.
//
// Configuration comes from an optional YAML file (-config), .env and the
// environment; see config.Config for the keys.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chartdesk/config"
	"chartdesk/internal/feed"
	"chartdesk/internal/gateway"
	"chartdesk/internal/layout"
	"chartdesk/internal/logger"
	"chartdesk/internal/metrics"
	"chartdesk/internal/scheduler"
	"chartdesk/internal/series"
	redisstore "chartdesk/internal/store/redis"
	sqlitestore "chartdesk/internal/store/sqlite"

	goredis "github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	log := logger.Init("chartd", logger.ParseLevel(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		log.Error("invalid config", "error", err)
		os.Exit(1)
	}
	log.Info("starting", "listen", cfg.ListenAddr, "metrics", cfg.MetricsAddr)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ---- Metrics & health ----
	prom := metrics.NewMetrics(prometheus.DefaultRegisterer)
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Layout persistence ----
	var (
		store layout.Store
		sqlDB *sql.DB
	)
	layouts, err := sqlitestore.Open(sqlitestore.Config{DBPath: cfg.SQLitePath, Metrics: prom})
	if err != nil {
		log.Warn("sqlite init failed, layouts kept in memory", "path", cfg.SQLitePath, "error", err)
		store = layout.NewMemoryStore()
	} else {
		defer layouts.Close()
		store = layouts
		sqlDB = layouts.DB()
		health.SetSQLiteOK(true)
		log.Info("sqlite layout store ready", "path", cfg.SQLitePath)
	}
	layoutSvc := layout.NewService(store, layout.WithMetrics(prom))

	// ---- Series cache (+ optional Redis L2) ----
	upstreamBreaker := series.NewCircuitBreaker(5, 30*time.Second)
	upstreamBreaker.OnStateChange = func(_, to series.State) {
		health.SetBreakerState(to.String())
	}
	health.SetBreakerState(upstreamBreaker.CurrentState().String())

	cacheOpts := series.Options{
		Size:    cfg.CacheSize,
		TTL:     cfg.CacheTTL,
		Breaker: upstreamBreaker,
		Metrics: prom,
	}
	var (
		events gateway.SeriesEvents
		rdb    *goredis.Client
	)
	if cfg.RedisAddr != "" {
		rs, err := redisstore.New(ctx, redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Metrics:  prom,
		})
		if err != nil {
			log.Warn("redis init failed, continuing without L2 store", "addr", cfg.RedisAddr, "error", err)
		} else {
			defer rs.Close()
			redisBreaker := series.NewCircuitBreaker(3, 10*time.Second)
			cacheOpts.Store = redisstore.NewBufferedStore(rs, redisBreaker, 1024, prom)
			events = rs
			rdb = rs.Client()
			health.SetRedisEnabled(true)
		}
	}
	health.StartLivenessChecker(ctx, rdb, sqlDB, 10*time.Second)

	cache, err := series.NewCache(series.NewHTTPFetcher(cfg.DataBaseURL, cfg.DataTimeout), cacheOpts)
	if err != nil {
		log.Error("series cache init failed", "error", err)
		os.Exit(1)
	}

	// ---- Live feed ----
	liveFeed := feed.SyntheticFactory(time.Now().UnixNano(), time.Now)
	if cfg.FeedURL != "" {
		wsFeed, err := feed.NewWSFeed(feed.WSConfig{URL: cfg.FeedURL})
		if err != nil {
			log.Error("invalid feed url", "url", cfg.FeedURL, "error", err)
			os.Exit(1)
		}
		wsFeed.OnConnect = func() { health.SetFeedConnected(true) }
		wsFeed.OnReconnect = func() {
			prom.Reconnect()
			health.SetFeedConnected(false)
		}
		wsFeed.OnTick = func(dropped bool) {
			prom.Tick(dropped)
			health.SetLastTickTime(time.Now())
		}
		go func() {
			if err := wsFeed.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("feed stopped", "error", err)
			}
		}()
		liveFeed = wsFeed.Factory()
		log.Info("live feed enabled", "url", cfg.FeedURL)
	}

	// ---- Gateway ----
	hub := gateway.NewHub(ctx, gateway.Deps{
		Series:        cache,
		Layouts:       layoutSvc,
		Feed:          liveFeed,
		Events:        events,
		TickInterval:  cfg.TickInterval,
		GridSize:      cfg.GridSize,
		SnapThreshold: cfg.SnapThreshold,
		Metrics:       prom,
		Logger:        log,
	})
	go hub.Run(ctx)

	// ---- Scheduler ----
	sched := scheduler.New(ctx, scheduler.Options{
		Cache:     cache,
		Watchlist: cfg.Watchlist,
		Metrics:   prom,
		Logger:    log,
	})
	if err := sched.RegisterPrewarm(cfg.PrewarmCron); err != nil {
		log.Error("scheduler init failed", "error", err)
		os.Exit(1)
	}
	sched.Start()
	go sched.Prewarm(ctx)

	router := mux.NewRouter()
	gateway.RegisterRoutes(router, hub)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("serving", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	sched.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	if err := metricsSrv.Stop(shutdownCtx); err != nil {
		log.Warn("metrics shutdown", "error", err)
	}
	log.Info("stopped")
}
