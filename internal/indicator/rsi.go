package indicator

import "strconv"

// RSIState calculates the Relative Strength Index using Wilder's smoothing.
// Update is O(1) per close.
type RSIState struct {
	period    int
	count     int
	prevClose float64
	avgGain   float64
	avgLoss   float64
	current   float64
}

// NewRSI creates an incremental RSI with the given period (typically 14).
func NewRSI(period int) *RSIState {
	if period < 1 {
		period = 1
	}
	return &RSIState{period: period}
}

func (r *RSIState) Name() string { return "RSI_" + strconv.Itoa(r.period) }

func (r *RSIState) Update(close float64) {
	r.count++
	if r.count == 1 {
		r.prevClose = close
		return
	}

	gain, loss := split(close - r.prevClose)
	r.prevClose = close

	if r.count <= r.period+1 {
		// Accumulation phase: build initial averages
		r.avgGain += gain
		r.avgLoss += loss
		if r.count == r.period+1 {
			r.avgGain /= float64(r.period)
			r.avgLoss /= float64(r.period)
			r.current = rsiFrom(r.avgGain, r.avgLoss)
		}
		return
	}

	p := float64(r.period)
	r.avgGain = (r.avgGain*(p-1) + gain) / p
	r.avgLoss = (r.avgLoss*(p-1) + loss) / p
	r.current = rsiFrom(r.avgGain, r.avgLoss)
}

func (r *RSIState) Value() float64 { return valueOrNaN(r.Ready(), r.current) }
func (r *RSIState) Ready() bool    { return r.count > r.period }

// Peek computes what RSI would be with an additional close.
func (r *RSIState) Peek(close float64) float64 {
	if r.count < r.period {
		return valueOrNaN(false, 0)
	}
	gain, loss := split(close - r.prevClose)
	if r.count == r.period {
		p := float64(r.period)
		return rsiFrom((r.avgGain+gain)/p, (r.avgLoss+loss)/p)
	}
	p := float64(r.period)
	return rsiFrom((r.avgGain*(p-1)+gain)/p, (r.avgLoss*(p-1)+loss)/p)
}
