package indicator

import "strconv"

// EMAState calculates an Exponential Moving Average seeded with the first close.
// O(1) per update, no window storage.
type EMAState struct {
	period     int
	multiplier float64
	current    float64
	count      int
}

// NewEMA creates an incremental EMA with the given period.
func NewEMA(period int) *EMAState {
	if period < 1 {
		period = 1
	}
	return &EMAState{period: period, multiplier: 2.0 / float64(period+1)}
}

func (e *EMAState) Name() string { return "EMA_" + strconv.Itoa(e.period) }

func (e *EMAState) Update(close float64) {
	e.current = e.Peek(close)
	e.count++
}

func (e *EMAState) Value() float64 { return valueOrNaN(e.Ready(), e.current) }

// Ready is true after the first close: the seeded EMA has no warm-up gap.
func (e *EMAState) Ready() bool { return e.count > 0 }

func (e *EMAState) Peek(close float64) float64 {
	if e.count == 0 {
		return close
	}
	return close*e.multiplier + e.current*(1-e.multiplier)
}
