package indicator

import "math"

// nanSlice returns a slice of n NaN values.
func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// SMA returns the simple moving average of values over period.
// Indices before period-1 are NaN.
func SMA(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMA returns the exponential moving average of values, seeded with values[0].
// Unlike SMA it has no warm-up gap.
func EMA(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	if period <= 0 {
		return nanSlice(len(values))
	}
	k := 2.0 / float64(period+1)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}

// RSI returns the Relative Strength Index using Wilder's smoothing.
// The first defined value is at index period. When the average loss is zero
// the RSI is 100.
func RSI(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 || len(values) <= period {
		return out
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		gain, loss := split(values[i] - values[i-1])
		avgGain += gain
		avgLoss += loss
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiFrom(avgGain, avgLoss)

	p := float64(period)
	for i := period + 1; i < len(values); i++ {
		gain, loss := split(values[i] - values[i-1])
		avgGain = (avgGain*(p-1) + gain) / p
		avgLoss = (avgLoss*(p-1) + loss) / p
		out[i] = rsiFrom(avgGain, avgLoss)
	}
	return out
}

// MACDResult holds the three MACD lines, index-aligned with the input.
type MACDResult struct {
	MACD      []float64 `json:"macd"`
	Signal    []float64 `json:"signal"`
	Histogram []float64 `json:"histogram"`
}

// MACD computes EMA(short)-EMA(long), its signal EMA and the histogram.
// NaN MACD positions are smoothed as 0 and re-masked to NaN afterwards.
func MACD(values []float64, short, long, signal int) MACDResult {
	fast := EMA(values, short)
	slow := EMA(values, long)

	line := make([]float64, len(values))
	filled := make([]float64, len(values))
	for i := range values {
		line[i] = fast[i] - slow[i]
		if math.IsNaN(line[i]) {
			filled[i] = 0
		} else {
			filled[i] = line[i]
		}
	}

	sig := EMA(filled, signal)
	hist := make([]float64, len(values))
	for i := range values {
		if math.IsNaN(line[i]) {
			sig[i] = math.NaN()
		}
		hist[i] = line[i] - sig[i]
	}
	return MACDResult{MACD: line, Signal: sig, Histogram: hist}
}

// Bands holds Bollinger Band lines, index-aligned with the input.
type Bands struct {
	Upper  []float64 `json:"upper"`
	Middle []float64 `json:"middle"`
	Lower  []float64 `json:"lower"`
}

// BollingerBands returns SMA(period) ± mult·σ where σ is the population
// standard deviation of the same trailing window.
func BollingerBands(values []float64, period int, mult float64) Bands {
	mid := SMA(values, period)
	upper := nanSlice(len(values))
	lower := nanSlice(len(values))
	for i := range values {
		if math.IsNaN(mid[i]) {
			continue
		}
		sd := stddev(values[i-period+1:i+1], mid[i])
		upper[i] = mid[i] + mult*sd
		lower[i] = mid[i] - mult*sd
	}
	return Bands{Upper: upper, Middle: mid, Lower: lower}
}

// stddev is the population standard deviation of window around mean.
func stddev(window []float64, mean float64) float64 {
	if len(window) == 0 {
		return 0
	}
	ss := 0.0
	for _, v := range window {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(window)))
}

func split(delta float64) (gain, loss float64) {
	if delta > 0 {
		return delta, 0
	}
	return 0, -delta
}

func rsiFrom(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}
