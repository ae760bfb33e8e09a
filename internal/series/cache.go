package series

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chartdesk/internal/metrics"
	"chartdesk/internal/model"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Snapshot is a fetched series and the time it was fetched.
type Snapshot struct {
	Bars      []model.Bar `json:"bars"`
	FetchedAt time.Time   `json:"fetchedAt"`
}

// SnapshotStore is a second-level store that keeps the last good series
// across restarts. Load reports ok=false when nothing is stored.
type SnapshotStore interface {
	Load(ctx context.Context, key string) (snap Snapshot, ok bool, err error)
	Save(ctx context.Context, key string, snap Snapshot) error
}

// Result is what the cache hands back. Stale is set when the upstream
// failed and an older copy was served instead.
type Result struct {
	Bars      []model.Bar
	FetchedAt time.Time
	Stale     bool
}

// Options configures a Cache.
type Options struct {
	// Size bounds the number of symbol/timeframe series kept in memory.
	Size int
	// TTL is how long a fetched series counts as fresh.
	TTL time.Duration
	// Breaker guards upstream calls. Nil disables it.
	Breaker *CircuitBreaker
	// Store is the optional second-level snapshot store.
	Store SnapshotStore
	// StoreTimeout bounds each Store call. Defaults to 2s.
	StoreTimeout time.Duration

	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Cache is a bounded, TTL-aware series cache with per-key request
// de-duplication and stale-serve on upstream failure. Safe for concurrent use.
type Cache struct {
	fetcher Fetcher
	opts    Options
	entries *lru.Cache[string, Snapshot]
	group   singleflight.Group
	log     *slog.Logger
}

// NewCache wraps f with a cache.
func NewCache(f Fetcher, opts Options) (*Cache, error) {
	if opts.Size <= 0 {
		opts.Size = 64
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Minute
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	entries, err := lru.New[string, Snapshot](opts.Size)
	if err != nil {
		return nil, fmt.Errorf("series cache: %w", err)
	}
	c := &Cache{
		fetcher: f,
		opts:    opts,
		entries: entries,
		log:     slog.With("component", "series"),
	}

	if opts.Breaker != nil && opts.Metrics != nil {
		prev := opts.Breaker.OnStateChange
		m := opts.Metrics
		opts.Breaker.OnStateChange = func(from, to State) {
			if prev != nil {
				prev(from, to)
			}
			m.BreakerState(int(to), to == StateOpen)
		}
	}
	return c, nil
}

// Key is the cache key for a symbol and timeframe.
func Key(symbol string, tf model.Timeframe) string {
	return strings.ToUpper(strings.TrimSpace(symbol)) + ":" + string(tf)
}

// Get returns the freshest available series: a fresh cached copy, a new
// fetch, or on failure the last known copy from memory or the store.
// Callers must treat the result as best-effort.
func (c *Cache) Get(ctx context.Context, symbol string, tf model.Timeframe) (Result, error) {
	key := Key(symbol, tf)
	if snap, ok := c.entries.Get(key); ok && c.opts.Now().Sub(snap.FetchedAt) < c.opts.TTL {
		c.opts.Metrics.CacheResult("hit")
		return result(snap, false), nil
	}
	c.opts.Metrics.CacheResult("miss")
	return c.load(ctx, key, symbol, tf)
}

// Refresh fetches the series regardless of TTL, falling back like Get.
func (c *Cache) Refresh(ctx context.Context, symbol string, tf model.Timeframe) (Result, error) {
	key := Key(symbol, tf)
	return c.load(ctx, key, symbol, tf)
}

// Len returns the number of series held in memory.
func (c *Cache) Len() int { return c.entries.Len() }

// Purge empties the in-memory cache. The store is not touched.
func (c *Cache) Purge() { c.entries.Purge() }

type fetchOutcome struct {
	res Result
}

func (c *Cache) load(ctx context.Context, key, symbol string, tf model.Timeframe) (Result, error) {
	// The shared fetch outlives any single caller's cancellation; each
	// caller still stops waiting when its own ctx ends.
	ch := c.group.DoChan(key, func() (interface{}, error) {
		res, err := c.fetchAndStore(context.WithoutCancel(ctx), key, symbol, tf)
		return fetchOutcome{res: res}, err
	})

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case r := <-ch:
		if r.Err == nil {
			out := r.Val.(fetchOutcome).res
			out.Bars = cloneBars(out.Bars)
			return out, nil
		}
		return c.fallback(ctx, key, r.Err)
	}
}

func (c *Cache) fetchAndStore(ctx context.Context, key, symbol string, tf model.Timeframe) (Result, error) {
	var bars []model.Bar
	call := func() error {
		start := c.opts.Now()
		var err error
		bars, err = c.fetcher.Fetch(ctx, symbol, tf)
		c.opts.Metrics.ObserveFetch(c.opts.Now().Sub(start), err)
		return err
	}

	var err error
	if c.opts.Breaker != nil {
		err = c.opts.Breaker.Execute(call)
	} else {
		err = call()
	}
	if err == nil && len(bars) == 0 {
		err = ErrNoData
	}
	if err != nil {
		return Result{}, err
	}

	snap := Snapshot{Bars: bars, FetchedAt: c.opts.Now()}
	c.entries.Add(key, snap)
	c.opts.Metrics.SetCacheEntries(c.entries.Len())

	if c.opts.Store != nil {
		sctx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
		if err := c.opts.Store.Save(sctx, key, snap); err != nil {
			c.log.Warn("snapshot save failed", "key", key, "error", err)
		}
		cancel()
	}
	return result(snap, false), nil
}

// fallback serves the last known series for key after a failed fetch.
func (c *Cache) fallback(ctx context.Context, key string, cause error) (Result, error) {
	if snap, ok := c.entries.Peek(key); ok {
		c.log.Warn("serving stale series from memory", "key", key, "age", c.opts.Now().Sub(snap.FetchedAt).String(), "error", cause)
		c.opts.Metrics.CacheResult("stale")
		return result(snap, true), nil
	}

	if c.opts.Store != nil {
		sctx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
		snap, ok, err := c.opts.Store.Load(sctx, key)
		cancel()
		switch {
		case err != nil:
			c.log.Warn("snapshot load failed", "key", key, "error", err)
		case ok && len(snap.Bars) > 0:
			c.entries.Add(key, snap)
			c.log.Warn("serving stale series from store", "key", key, "error", cause)
			c.opts.Metrics.CacheResult("stale")
			return result(snap, true), nil
		}
	}

	c.opts.Metrics.CacheResult("error")
	return Result{}, fmt.Errorf("series %s: %w", key, cause)
}

func result(snap Snapshot, stale bool) Result {
	return Result{Bars: cloneBars(snap.Bars), FetchedAt: snap.FetchedAt, Stale: stale}
}

func cloneBars(bars []model.Bar) []model.Bar {
	return append([]model.Bar(nil), bars...)
}
