package model

import "time"

// Tick is a single price update from a live feed.
// Wire format (cmd/tickserver, feed.WSSource):
//
//	{"symbol":"AAPL","price":187.42,"qty":10,"ts":"2026-01-02T15:04:05Z"}
type Tick struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Qty    int64     `json:"qty"`
	TS     time.Time `json:"ts"`
}
