package feed

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"chartdesk/internal/model"
)

const (
	// DefaultLookback is the number of trailing closes used for volatility.
	DefaultLookback = 50

	// fallbackVolatility is used when fewer than two returns exist.
	fallbackVolatility = 0.01

	// maxReturn bounds a single bar's simple return so close stays positive.
	maxReturn = 0.5
)

// EstimateVolatility returns the sample standard deviation of simple
// returns over the trailing lookback closes. The sample deviation needs at
// least two returns; with fewer (three closes, or zero-priced gaps) it
// returns 0.01.
func EstimateVolatility(closes []float64, lookback int) float64 {
	if lookback < 2 {
		lookback = DefaultLookback
	}
	if len(closes) > lookback {
		closes = closes[len(closes)-lookback:]
	}
	if len(closes) < 3 {
		return fallbackVolatility
	}

	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			continue
		}
		returns = append(returns, (closes[i]-closes[i-1])/closes[i-1])
	}
	if len(returns) < 2 {
		return fallbackVolatility
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	ss := 0.0
	for _, r := range returns {
		d := r - mean
		ss += d * d
	}
	sd := math.Sqrt(ss / float64(len(returns)-1))
	if math.IsNaN(sd) || math.IsInf(sd, 0) {
		return fallbackVolatility
	}
	return sd
}

// RandomNormal draws from N(mean, stdDev²) using the Box-Muller transform.
func RandomNormal(rng *rand.Rand, mean, stdDev float64) float64 {
	u1 := rng.Float64()
	for u1 == 0 {
		u1 = rng.Float64()
	}
	u2 := rng.Float64()
	z := math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
	return mean + z*stdDev
}

// GenerateNextBarRealistic builds a plausible bar following last: open is
// last.Close, close applies a Gaussian return scaled by recent volatility,
// high and low widen max/min(open, close) by a uniform fraction of sigma,
// and volume is last.Volume jittered by ±20%. The bar time is now truncated
// to the second, bumped past last.Time if the clock has not advanced.
func GenerateNextBarRealistic(rng *rand.Rand, last model.Bar, closes []float64, now time.Time) model.Bar {
	sigma := EstimateVolatility(closes, DefaultLookback)

	open := last.Close
	r := RandomNormal(rng, 0, sigma)
	r = math.Max(-maxReturn, math.Min(maxReturn, r))
	close := open * (1 + r)

	high := math.Max(open, close) * (1 + rng.Float64()*sigma)
	low := math.Min(open, close) * (1 - rng.Float64()*sigma)

	volume := int64(math.Round(float64(last.Volume) * (0.8 + 0.4*rng.Float64())))
	if volume < 0 {
		volume = 0
	}

	ts := now.Unix()
	if ts <= last.Time {
		ts = last.Time + 1
	}

	return model.Bar{
		Time:   ts,
		Open:   open,
		High:   high,
		Low:    low,
		Close:  close,
		Volume: volume,
	}
}

// Synthetic is the simulated live feed. It is safe for concurrent use.
type Synthetic struct {
	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

// NewSynthetic creates a generator seeded with seed. A nil clock uses
// time.Now.
func NewSynthetic(seed int64, now func() time.Time) *Synthetic {
	if now == nil {
		now = time.Now
	}
	return &Synthetic{rng: rand.New(rand.NewSource(seed)), now: now}
}

func (s *Synthetic) NextBar(last model.Bar, closes []float64) model.Bar {
	s.mu.Lock()
	defer s.mu.Unlock()
	return GenerateNextBarRealistic(s.rng, last, closes, s.now())
}

// SyntheticFactory returns a Factory handing every symbol its own
// independently seeded generator.
func SyntheticFactory(seed int64, now func() time.Time) Factory {
	var mu sync.Mutex
	return func(symbol string) Source {
		mu.Lock()
		seed++
		s := seed
		mu.Unlock()
		return NewSynthetic(s, now)
	}
}
