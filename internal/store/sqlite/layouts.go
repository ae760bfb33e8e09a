// Package sqlite persists saved chart configurations in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"chartdesk/internal/layout"
	"chartdesk/internal/metrics"

	_ "github.com/mattn/go-sqlite3"
)

// Config configures the SQLite layout store.
type Config struct {
	DBPath  string // path to SQLite database file, e.g. "data/layouts.db"
	Metrics *metrics.Metrics
}

// LayoutStore implements layout.Store. The full record is kept as JSON;
// the indexed columns exist for listing and lookups.
type LayoutStore struct {
	db      *sql.DB
	metrics *metrics.Metrics
}

// DB returns the underlying sql.DB for health checks.
func (s *LayoutStore) DB() *sql.DB { return s.db }

// Open opens (creating if needed) the database with WAL mode and schema.
func Open(cfg Config) (*LayoutStore, error) {
	if dir := filepath.Dir(cfg.DBPath); dir != "." && dir != "" && cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	slog.Info("sqlite opened", "component", "sqlite", "path", cfg.DBPath)
	return &LayoutStore{db: db, metrics: cfg.Metrics}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS chart_layouts (
			id         TEXT    PRIMARY KEY,
			name       TEXT    NOT NULL,
			symbol     TEXT    NOT NULL,
			timeframe  TEXT    NOT NULL,
			version    INTEGER NOT NULL,
			data       TEXT    NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_chart_layouts_updated
			ON chart_layouts (updated_at DESC);
	`)
	return err
}

func (s *LayoutStore) observe(start time.Time) {
	s.metrics.ObserveSQLite(time.Since(start))
}

// Get loads one record.
func (s *LayoutStore) Get(ctx context.Context, id string) (layout.Record, error) {
	defer s.observe(time.Now())

	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM chart_layouts WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return layout.Record{}, layout.ErrNotFound
	}
	if err != nil {
		return layout.Record{}, fmt.Errorf("sqlite get %s: %w", id, err)
	}
	return decode(data)
}

// List returns every record, most recently updated first.
func (s *LayoutStore) List(ctx context.Context) ([]layout.Record, error) {
	defer s.observe(time.Now())

	rows, err := s.db.QueryContext(ctx, `SELECT data FROM chart_layouts ORDER BY updated_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite list: %w", err)
	}
	defer rows.Close()

	var out []layout.Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("sqlite scan: %w", err)
		}
		rec, err := decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Put inserts or replaces a record.
func (s *LayoutStore) Put(ctx context.Context, rec layout.Record) error {
	defer s.observe(time.Now())

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal layout: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chart_layouts (id, name, symbol, timeframe, version, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			symbol = excluded.symbol,
			timeframe = excluded.timeframe,
			version = excluded.version,
			data = excluded.data,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`,
		rec.ID, rec.Name, rec.Symbol, string(rec.Timeframe), rec.Version, string(data),
		rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqlite put %s: %w", rec.ID, err)
	}
	return nil
}

// Delete removes a record.
func (s *LayoutStore) Delete(ctx context.Context, id string) error {
	defer s.observe(time.Now())

	res, err := s.db.ExecContext(ctx, `DELETE FROM chart_layouts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite delete %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite delete %s: %w", id, err)
	}
	if n == 0 {
		return layout.ErrNotFound
	}
	return nil
}

// Close closes the database.
func (s *LayoutStore) Close() error {
	return s.db.Close()
}

func decode(data string) (layout.Record, error) {
	var rec layout.Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return layout.Record{}, fmt.Errorf("unmarshal layout: %w", err)
	}
	return rec, nil
}
