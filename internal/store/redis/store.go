// Package redis keeps the last good copy of every fetched series in Redis
// so that stale-serve survives process restarts.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chartdesk/internal/metrics"
	"chartdesk/internal/series"

	goredis "github.com/go-redis/redis/v8"
)

const (
	defaultTTL    = 24 * time.Hour
	defaultPrefix = "series:"
)

// Config configures the Redis series store.
type Config struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int

	// TTL of stored snapshots. Defaults to 24h.
	TTL time.Duration
	// Prefix of snapshot keys. Defaults to "series:".
	Prefix string

	Metrics *metrics.Metrics
}

// SeriesStore implements series.SnapshotStore on Redis strings. Every save
// also publishes the newest bar on "pub:" + key for other instances.
type SeriesStore struct {
	client  *goredis.Client
	ttl     time.Duration
	prefix  string
	metrics *metrics.Metrics
	log     *slog.Logger
}

// New creates a store and pings the server.
func New(ctx context.Context, cfg Config) (*SeriesStore, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	s := NewWithClient(client, cfg)
	s.log.Info("redis connected", "addr", cfg.Addr)
	return s, nil
}

// NewWithClient wraps an existing client without pinging it.
func NewWithClient(client *goredis.Client, cfg Config) *SeriesStore {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	return &SeriesStore{
		client:  client,
		ttl:     cfg.TTL,
		prefix:  cfg.Prefix,
		metrics: cfg.Metrics,
		log:     slog.With("component", "redis"),
	}
}

// Client returns the underlying Redis client for health checks.
func (s *SeriesStore) Client() *goredis.Client { return s.client }

// Load reads the snapshot stored under key.
func (s *SeriesStore) Load(ctx context.Context, key string) (series.Snapshot, bool, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return series.Snapshot{}, false, nil
		}
		return series.Snapshot{}, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	var snap series.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return series.Snapshot{}, false, fmt.Errorf("unmarshal snapshot %s: %w", key, err)
	}
	return snap, true, nil
}

// Save stores snap under key with the configured TTL and publishes the
// newest bar, in one pipeline.
func (s *SeriesStore) Save(ctx context.Context, key string, snap series.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	start := time.Now()
	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.prefix+key, data, s.ttl)
	if n := len(snap.Bars); n > 0 {
		last := snap.Bars[n-1]
		pipe.Publish(ctx, "pub:"+s.prefix+key, last.JSON())
	}
	_, err = pipe.Exec(ctx)
	s.metrics.ObserveRedisWrite(time.Since(start))
	if err != nil {
		return fmt.Errorf("redis save %s: %w", key, err)
	}
	return nil
}

// SubscribeAll listens for newest-bar announcements of every key.
func (s *SeriesStore) SubscribeAll(ctx context.Context) *goredis.PubSub {
	return s.client.PSubscribe(ctx, "pub:"+s.prefix+"*")
}

// ChannelKey returns the series key announced on channel.
func (s *SeriesStore) ChannelKey(channel string) string {
	return strings.TrimPrefix(channel, "pub:"+s.prefix)
}

// Close closes the client.
func (s *SeriesStore) Close() error {
	return s.client.Close()
}
