package indicator

import (
	"math"
	"strconv"
)

// BollingerState tracks Bollinger Bands over a rolling window.
// The deviation is recomputed over the window each update: O(period), which
// is constant with respect to series length and avoids running-sum drift.
type BollingerState struct {
	sma     *SMAState
	mult    float64
	scratch []float64
}

// NewBollinger creates incremental Bollinger Bands (typically 20, 2).
func NewBollinger(period int, mult float64) *BollingerState {
	sma := NewSMA(period)
	return &BollingerState{sma: sma, mult: mult, scratch: make([]float64, 0, sma.period)}
}

func (b *BollingerState) Name() string {
	return "BB_" + strconv.Itoa(b.sma.period) + "_" + strconv.FormatFloat(b.mult, 'g', -1, 64)
}

func (b *BollingerState) Update(close float64) { b.sma.Update(close) }

// Value returns the middle band.
func (b *BollingerState) Value() float64 { return b.sma.Value() }

func (b *BollingerState) Ready() bool { return b.sma.Ready() }

func (b *BollingerState) Peek(close float64) float64 { return b.sma.Peek(close) }

// Bands returns the current upper, middle and lower bands (NaN while warming up).
func (b *BollingerState) Bands() (upper, middle, lower float64) {
	if !b.Ready() {
		nan := math.NaN()
		return nan, nan, nan
	}
	middle = b.sma.Value()
	b.scratch = b.sma.window(b.scratch)
	sd := stddev(b.scratch, middle)
	return middle + b.mult*sd, middle, middle - b.mult*sd
}

// PeekBands returns what Bands would report after close, without
// mutating state.
func (b *BollingerState) PeekBands(close float64) (upper, middle, lower float64) {
	middle = b.sma.Peek(close)
	if math.IsNaN(middle) {
		return middle, middle, middle
	}
	var window []float64
	if b.sma.Ready() {
		window = append(b.sma.window(b.scratch)[1:], close)
	} else {
		// One close short of a full window: the buffer has not wrapped yet.
		window = append(append(b.scratch[:0], b.sma.buf[:b.sma.count]...), close)
	}
	sd := stddev(window, middle)
	return middle + b.mult*sd, middle, middle - b.mult*sd
}
