package layout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chartdesk/internal/metrics"
	"chartdesk/internal/model"

	"github.com/google/uuid"
)

// Service implements create/update/delete/duplicate/export/import on top
// of a Store.
type Service struct {
	store   Store
	now     func() time.Time
	newID   func() string
	metrics *metrics.Metrics
	log     *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithIDs overrides the id generator.
func WithIDs(newID func() string) Option { return func(s *Service) { s.newID = newID } }

// WithMetrics records operation counts.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// NewService creates a Service over store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store: store,
		now:   time.Now,
		newID: uuid.NewString,
		log:   slog.With("component", "layout"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create stores rec under a new id and returns the stored record.
func (s *Service) Create(ctx context.Context, rec Record) (Record, error) {
	rec = normalize(rec)
	rec.Version = CurrentVersion
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}
	now := s.now().UTC()
	rec.ID = s.newID()
	rec.CreatedAt, rec.UpdatedAt = now, now
	if err := s.store.Put(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("create layout: %w", err)
	}
	s.metrics.LayoutOp("create")
	s.log.Info("layout created", "id", rec.ID, "name", rec.Name)
	return rec, nil
}

// Update replaces an existing record, keeping its id and creation time.
func (s *Service) Update(ctx context.Context, rec Record) (Record, error) {
	existing, err := s.store.Get(ctx, rec.ID)
	if err != nil {
		return Record{}, err
	}
	rec = normalize(rec)
	rec.Version = CurrentVersion
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}
	rec.CreatedAt = existing.CreatedAt
	rec.UpdatedAt = s.now().UTC()
	if err := s.store.Put(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("update layout %s: %w", rec.ID, err)
	}
	s.metrics.LayoutOp("update")
	return rec, nil
}

// Delete removes a record.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.metrics.LayoutOp("delete")
	s.log.Info("layout deleted", "id", id)
	return nil
}

// Get returns one record.
func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	return s.store.Get(ctx, id)
}

// List returns every record, most recently updated first.
func (s *Service) List(ctx context.Context) ([]Record, error) {
	return s.store.List(ctx)
}

// Duplicate copies a record under a new id. An empty name yields
// "<original> (copy)".
func (s *Service) Duplicate(ctx context.Context, id, name string) (Record, error) {
	src, err := s.store.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if strings.TrimSpace(name) == "" {
		name = src.Name + " (copy)"
	}
	src.Name = name
	dup, err := s.Create(ctx, src)
	if err != nil {
		return Record{}, err
	}
	s.metrics.LayoutOp("duplicate")
	return dup, nil
}

// Export returns the record as indented JSON.
func (s *Service) Export(ctx context.Context, id string) ([]byte, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.metrics.LayoutOp("export")
	return json.MarshalIndent(rec, "", "  ")
}

// Import stores an exported record. Timestamps and contents are kept as
// exported; the id is kept unless it is empty or already taken, in which
// case a new one is assigned. Records without a version are treated as the
// current version.
func (s *Service) Import(ctx context.Context, data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if rec.Version == 0 {
		rec.Version = CurrentVersion
	}
	rec = normalize(rec)
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}

	if rec.ID == "" {
		rec.ID = s.newID()
	} else if _, err := s.store.Get(ctx, rec.ID); err == nil {
		rec.ID = s.newID()
	} else if !errors.Is(err, ErrNotFound) {
		return Record{}, err
	}

	now := s.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}

	if err := s.store.Put(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("import layout: %w", err)
	}
	s.metrics.LayoutOp("import")
	s.log.Info("layout imported", "id", rec.ID, "name", rec.Name)
	return rec, nil
}

func normalize(rec Record) Record {
	rec.Name = strings.TrimSpace(rec.Name)
	rec.Symbol = strings.ToUpper(strings.TrimSpace(rec.Symbol))
	if rec.ChartType == "" {
		rec.ChartType = model.ChartCandlestick
	}
	return rec
}
