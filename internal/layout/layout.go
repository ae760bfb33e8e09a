// Package layout manages saved chart configurations: named records holding
// symbol, timeframe, chart type, panel layout, indicator settings, drawings
// and display settings.
package layout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"chartdesk/internal/model"
)

// CurrentVersion is the schema version written by this build.
const CurrentVersion = 1

var (
	// ErrNotFound is returned when no record has the requested id.
	ErrNotFound = errors.New("layout: not found")
	// ErrInvalidRecord is returned when a record fails validation.
	ErrInvalidRecord = errors.New("layout: invalid record")
)

// Display holds presentation toggles. Colours are resolved by the shell.
type Display struct {
	Theme      string `json:"theme"`
	ShowGrid   bool   `json:"showGrid"`
	ShowVolume bool   `json:"showVolume"`
	ShowLegend bool   `json:"showLegend"`
	Crosshair  string `json:"crosshair,omitempty"`
}

// Record is one saved chart configuration. Layout and Drawings are opaque
// JSON documents owned by the shell and the drawing engine respectively.
type Record struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Symbol     string             `json:"symbol"`
	Timeframe  model.Timeframe    `json:"timeframe"`
	ChartType  model.ChartType    `json:"chartType"`
	Layout     json.RawMessage    `json:"layout,omitempty"`
	Indicators model.IndicatorSet `json:"indicators"`
	Drawings   json.RawMessage    `json:"drawings,omitempty"`
	Display    Display            `json:"display"`
	CreatedAt  time.Time          `json:"createdAt"`
	UpdatedAt  time.Time          `json:"updatedAt"`
	Version    int                `json:"version"`
}

// Validate checks the fields a chart needs to be rebuilt from the record.
func (r Record) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidRecord)
	}
	if strings.TrimSpace(r.Symbol) == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidRecord)
	}
	if _, err := model.ParseTimeframe(string(r.Timeframe)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if _, err := model.ParseChartType(string(r.ChartType)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if len(r.Layout) > 0 && !json.Valid(r.Layout) {
		return fmt.Errorf("%w: layout is not valid JSON", ErrInvalidRecord)
	}
	if len(r.Drawings) > 0 && !json.Valid(r.Drawings) {
		return fmt.Errorf("%w: drawings are not valid JSON", ErrInvalidRecord)
	}
	if r.Version > CurrentVersion {
		return fmt.Errorf("%w: schema version %d is newer than %d", ErrInvalidRecord, r.Version, CurrentVersion)
	}
	return nil
}

// Identity returns the chart identity described by the record.
func (r Record) Identity(theme model.Theme) model.Identity {
	return model.Identity{
		Symbol:     r.Symbol,
		Timeframe:  r.Timeframe,
		Theme:      theme,
		Indicators: r.Indicators,
		ChartType:  r.ChartType,
	}
}

// Store persists records. Get and Delete return ErrNotFound for unknown
// ids. List orders by most recently updated first.
type Store interface {
	Get(ctx context.Context, id string) (Record, error)
	List(ctx context.Context) ([]Record, error)
	Put(ctx context.Context, rec Record) error
	Delete(ctx context.Context, id string) error
}
