// Package feed produces the next bar of a live chart. The synthetic
// generator and the WebSocket tick feed implement the same Source
// interface so the chart orchestrator never knows which one it drives.
package feed

import "chartdesk/internal/model"

// Source yields the bar that follows last. closes holds the recent close
// history (oldest first) and may be used to estimate volatility.
type Source interface {
	NextBar(last model.Bar, closes []float64) model.Bar
}

// Factory returns the Source for one symbol.
type Factory func(symbol string) Source

// SourceFunc adapts a plain function to Source.
type SourceFunc func(last model.Bar, closes []float64) model.Bar

func (f SourceFunc) NextBar(last model.Bar, closes []float64) model.Bar { return f(last, closes) }
