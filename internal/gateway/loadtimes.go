package gateway

import (
	"math"
	"sort"
	"sync"
	"time"
)

// LoadStats summarises recent chart load times in milliseconds.
type LoadStats struct {
	Count int     `json:"count"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

// LoadTimes keeps the last N chart load durations (Apply until live) in a
// ring and reports percentiles. Safe for concurrent use.
type LoadTimes struct {
	mu      sync.Mutex
	samples []float64
	pos     int
	count   int
}

// NewLoadTimes keeps the last capacity samples (default 1000).
func NewLoadTimes(capacity int) *LoadTimes {
	if capacity <= 0 {
		capacity = 1000
	}
	return &LoadTimes{samples: make([]float64, capacity)}
}

// Observe records one load.
func (lt *LoadTimes) Observe(d time.Duration) {
	lt.mu.Lock()
	lt.samples[lt.pos] = float64(d.Microseconds()) / 1000
	lt.pos = (lt.pos + 1) % len(lt.samples)
	if lt.count < len(lt.samples) {
		lt.count++
	}
	lt.mu.Unlock()
}

// Stats returns the percentiles of the retained samples.
func (lt *LoadTimes) Stats() LoadStats {
	lt.mu.Lock()
	sorted := make([]float64, lt.count)
	if lt.count == len(lt.samples) {
		copy(sorted, lt.samples)
	} else {
		copy(sorted, lt.samples[:lt.count])
	}
	lt.mu.Unlock()

	if len(sorted) == 0 {
		return LoadStats{}
	}
	sort.Float64s(sorted)
	return LoadStats{
		Count: len(sorted),
		P50:   percentile(sorted, 0.50),
		P95:   percentile(sorted, 0.95),
		P99:   percentile(sorted, 0.99),
	}
}

// percentile linearly interpolates the p-th quantile of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	rank := p * float64(n-1)
	lo := int(math.Floor(rank))
	if lo+1 >= n {
		return sorted[n-1]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[lo+1]*frac
}
