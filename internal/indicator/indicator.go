// Package indicator provides technical indicator calculations over closing prices.
//
// Two flavours are offered. The batch functions (SMA, EMA, RSI, MACD,
// BollingerBands) are pure: they take a price slice and return a slice of the
// same length, front-padded with NaN for the warm-up period. The incremental
// states implement Indicator and advance in O(1) per new bar; after seeding
// they produce exactly what the batch functions would for the same prefix.
package indicator

import "math"

// Indicator is the interface for incrementally updated indicators.
type Indicator interface {
	// Name returns the indicator name (e.g., "SMA_20", "RSI_14").
	Name() string

	// Update feeds the next closing price and recalculates.
	Update(close float64)

	// Value returns the current primary value, or NaN while warming up.
	Value() float64

	// Ready returns true when enough data has been accumulated.
	Ready() bool

	// Peek computes what Value() would be if close were fed next,
	// WITHOUT mutating internal state.
	Peek(close float64) float64
}

func valueOrNaN(ready bool, v float64) float64 {
	if !ready {
		return math.NaN()
	}
	return v
}
