package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Side is the direction of a position.
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// Position is the mocked trading position shown next to the chart.
// Order routing is out of scope; this record only carries display state.
type Position struct {
	Symbol   string  `json:"symbol"`
	Side     Side    `json:"side"`
	Qty      int64   `json:"qty"`
	AvgPrice float64 `json:"avgPrice"`
}

// Validate checks the record decoded from external JSON.
func (p Position) Validate() error {
	if strings.TrimSpace(p.Symbol) == "" {
		return fmt.Errorf("position: empty symbol")
	}
	if p.Side != Long && p.Side != Short {
		return fmt.Errorf("position: invalid side %q", p.Side)
	}
	if p.Qty <= 0 {
		return fmt.Errorf("position: qty must be positive, got %d", p.Qty)
	}
	if p.AvgPrice <= 0 {
		return fmt.Errorf("position: avg price must be positive")
	}
	return nil
}

// UnrealizedPnL returns the mark-to-market profit at price.
func (p Position) UnrealizedPnL(price float64) float64 {
	diff := price - p.AvgPrice
	if p.Side == Short {
		diff = -diff
	}
	return diff * float64(p.Qty)
}

// DecodePosition parses and validates a position from JSON.
func DecodePosition(data []byte) (Position, error) {
	var p Position
	if err := json.Unmarshal(data, &p); err != nil {
		return Position{}, fmt.Errorf("position: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Position{}, err
	}
	return p, nil
}
