// Package config loads chartd configuration from an optional YAML file,
// an optional .env file and environment variables, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// Servers
	ListenAddr  string `yaml:"listen_addr" env:"LISTEN_ADDR"`
	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR"`
	LogLevel    string `yaml:"log_level" env:"LOG_LEVEL"`

	// Upstream series endpoint (Yahoo chart compatible)
	DataBaseURL string        `yaml:"data_base_url" env:"DATA_BASE_URL"`
	DataTimeout time.Duration `yaml:"data_timeout" env:"DATA_TIMEOUT"`

	// Series cache
	CacheSize int           `yaml:"cache_size" env:"CACHE_SIZE"`
	CacheTTL  time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`

	// Infrastructure
	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	SQLitePath    string `yaml:"sqlite_path" env:"SQLITE_PATH"`

	// Live feed
	TickInterval time.Duration `yaml:"tick_interval" env:"TICK_INTERVAL"`
	FeedURL      string        `yaml:"feed_url" env:"FEED_URL"`

	// Watchlist pre-warm
	Watchlist   []string `yaml:"watchlist" env:"WATCHLIST" envSeparator:","`
	PrewarmCron string   `yaml:"prewarm_cron" env:"PREWARM_CRON"`

	// Drawing overlay
	GridSize      float64 `yaml:"grid_size" env:"GRID_SIZE"`
	SnapThreshold float64 `yaml:"snap_threshold" env:"SNAP_THRESHOLD"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr:    ":8080",
		MetricsAddr:   ":9090",
		LogLevel:      "info",
		DataBaseURL:   "https://query1.finance.yahoo.com/v8/finance/chart",
		DataTimeout:   10 * time.Second,
		CacheSize:     64,
		CacheTTL:      60 * time.Second,
		SQLitePath:    "data/layouts.db",
		TickInterval:  2 * time.Second,
		PrewarmCron:   "0 */5 * * * *",
		GridSize:      20,
		SnapThreshold: 8,
	}
}

// Load reads config from a YAML file (missing file is fine), then .env,
// then applies environment variable overrides. Unset keys keep their
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	// Load .env file if it exists
	_ = godotenv.Load()

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.Watchlist = normalizeSymbols(cfg.Watchlist)
	return cfg, nil
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}
	if c.DataBaseURL == "" {
		return errors.New("data_base_url is required")
	}
	if c.CacheSize <= 0 {
		return fmt.Errorf("cache_size must be positive, got %d", c.CacheSize)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache_ttl must be positive, got %s", c.CacheTTL)
	}
	if c.DataTimeout <= 0 {
		return fmt.Errorf("data_timeout must be positive, got %s", c.DataTimeout)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive, got %s", c.TickInterval)
	}
	if c.GridSize <= 0 {
		return fmt.Errorf("grid_size must be positive, got %v", c.GridSize)
	}
	if c.SnapThreshold < 0 {
		return fmt.Errorf("snap_threshold must not be negative, got %v", c.SnapThreshold)
	}
	return nil
}

func normalizeSymbols(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
