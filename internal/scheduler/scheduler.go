// Package scheduler runs periodic background jobs. Today that is the
// watchlist pre-warm, which keeps popular series hot in the cache so the
// first chart load after idle does not wait on the upstream.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chartdesk/internal/metrics"
	"chartdesk/internal/model"
	"chartdesk/internal/series"

	"github.com/robfig/cron/v3"
)

// Refresher re-fetches a series and stores it. *series.Cache implements it.
type Refresher interface {
	Refresh(ctx context.Context, symbol string, tf model.Timeframe) (series.Result, error)
}

// Options configures a Scheduler.
type Options struct {
	Cache     Refresher
	Watchlist []string
	// Timeframe pre-warmed for every watchlist symbol. Defaults to 1D.
	Timeframe model.Timeframe
	// Timeout bounds one symbol's refresh. Defaults to 30s.
	Timeout time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Scheduler manages all cron jobs.
type Scheduler struct {
	Cron *cron.Cron
	ctx  context.Context
	opts Options
	log  *slog.Logger
}

// New creates a Scheduler whose jobs run under ctx. Specs use the
// six-field format with seconds.
func New(ctx context.Context, opts Options) *Scheduler {
	if opts.Timeframe == "" {
		opts.Timeframe = model.TF1D
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		Cron: cron.New(cron.WithSeconds()),
		ctx:  ctx,
		opts: opts,
		log:  opts.Logger.With("component", "scheduler"),
	}
}

// RegisterPrewarm schedules the watchlist pre-warm on spec. An empty
// watchlist registers nothing.
func (s *Scheduler) RegisterPrewarm(spec string) error {
	if len(s.opts.Watchlist) == 0 {
		s.log.Info("watchlist empty, pre-warm disabled")
		return nil
	}
	if s.opts.Cache == nil {
		return errors.New("register prewarm: no cache")
	}
	if _, err := s.Cron.AddFunc(spec, func() { s.Prewarm(s.ctx) }); err != nil {
		return fmt.Errorf("register prewarm %q: %w", spec, err)
	}
	s.log.Info("pre-warm scheduled", "spec", spec, "symbols", len(s.opts.Watchlist))
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.Cron.Start()
	s.log.Info("scheduler started")
}

// Stop stops the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

// Prewarm refreshes every watchlist symbol once, sequentially, and returns
// the number of failures. A failed symbol does not stop the others.
func (s *Scheduler) Prewarm(ctx context.Context) int {
	start := time.Now()
	failed := 0
	var lastErr error
	for _, symbol := range s.opts.Watchlist {
		if ctx.Err() != nil {
			break
		}
		rctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
		res, err := s.opts.Cache.Refresh(rctx, symbol, s.opts.Timeframe)
		cancel()
		if err != nil {
			failed++
			lastErr = err
			s.log.Warn("pre-warm failed", "symbol", symbol, "timeframe", s.opts.Timeframe, "error", err)
			continue
		}
		s.log.Debug("pre-warmed", "symbol", symbol, "bars", len(res.Bars))
	}
	s.opts.Metrics.PrewarmRun(lastErr)
	s.log.Info("pre-warm finished", "symbols", len(s.opts.Watchlist), "failed", failed, "took", time.Since(start))
	return failed
}
