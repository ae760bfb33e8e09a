package indicator

import (
	"math"

	"chartdesk/internal/model"
)

// Values holds one bar's worth of indicator outputs. Disabled or warming-up
// outputs are NaN.
type Values struct {
	SMA       float64
	EMA       float64
	BBUpper   float64
	BBMiddle  float64
	BBLower   float64
	RSI       float64
	MACD      float64
	Signal    float64
	Histogram float64
}

func emptyValues() Values {
	nan := math.NaN()
	return Values{nan, nan, nan, nan, nan, nan, nan, nan, nan}
}

// Series holds full index-aligned indicator arrays for a bar sequence.
// Disabled indicators are nil.
type Series struct {
	SMA  []float64   `json:"sma,omitempty"`
	EMA  []float64   `json:"ema,omitempty"`
	BB   *Bands      `json:"bb,omitempty"`
	RSI  []float64   `json:"rsi,omitempty"`
	MACD *MACDResult `json:"macd,omitempty"`
}

// Nullable converts NaN entries to nil so the series can be JSON-encoded.
func Nullable(values []float64) []*float64 {
	if values == nil {
		return nil
	}
	out := make([]*float64, len(values))
	for i := range values {
		if !math.IsNaN(values[i]) && !math.IsInf(values[i], 0) {
			v := values[i]
			out[i] = &v
		}
	}
	return out
}

// Compute runs the batch functions for every indicator enabled in set.
func Compute(set model.IndicatorSet, closes []float64) Series {
	set = set.Normalize()
	var s Series
	if set.SMA {
		s.SMA = SMA(closes, set.SMAPeriod)
	}
	if set.EMA {
		s.EMA = EMA(closes, set.EMAPeriod)
	}
	if set.Bollinger {
		bb := BollingerBands(closes, set.BBPeriod, set.BBMult)
		s.BB = &bb
	}
	if set.RSI {
		s.RSI = RSI(closes, set.RSIPeriod)
	}
	if set.MACD {
		m := MACD(closes, set.MACDFast, set.MACDSlow, set.MACDSignal)
		s.MACD = &m
	}
	return s
}

// Set bundles incremental indicator instances for one chart.
// Designed for single-goroutine usage; no locks.
type Set struct {
	sma  *SMAState
	ema  *EMAState
	bb   *BollingerState
	rsi  *RSIState
	macd *MACDState
}

// NewSet creates fresh incremental indicators for every enabled entry of set.
func NewSet(set model.IndicatorSet) *Set {
	set = set.Normalize()
	s := &Set{}
	if set.SMA {
		s.sma = NewSMA(set.SMAPeriod)
	}
	if set.EMA {
		s.ema = NewEMA(set.EMAPeriod)
	}
	if set.Bollinger {
		s.bb = NewBollinger(set.BBPeriod, set.BBMult)
	}
	if set.RSI {
		s.rsi = NewRSI(set.RSIPeriod)
	}
	if set.MACD {
		s.macd = NewMACD(set.MACDFast, set.MACDSlow, set.MACDSignal)
	}
	return s
}

// Indicators returns the active instances, in a stable order.
func (s *Set) Indicators() []Indicator {
	var out []Indicator
	if s.sma != nil {
		out = append(out, s.sma)
	}
	if s.ema != nil {
		out = append(out, s.ema)
	}
	if s.bb != nil {
		out = append(out, s.bb)
	}
	if s.rsi != nil {
		out = append(out, s.rsi)
	}
	if s.macd != nil {
		out = append(out, s.macd)
	}
	return out
}

// Seed feeds historical closes into every indicator.
func (s *Set) Seed(closes []float64) {
	for _, c := range closes {
		s.Next(c)
	}
}

// Next advances every indicator by one close and returns the new values.
func (s *Set) Next(close float64) Values {
	for _, ind := range s.Indicators() {
		ind.Update(close)
	}
	return s.Current()
}

// Peek returns the values Next(close) would produce, leaving every
// indicator untouched.
func (s *Set) Peek(close float64) Values {
	v := emptyValues()
	if s.sma != nil {
		v.SMA = s.sma.Peek(close)
	}
	if s.ema != nil {
		v.EMA = s.ema.Peek(close)
	}
	if s.bb != nil {
		v.BBUpper, v.BBMiddle, v.BBLower = s.bb.PeekBands(close)
	}
	if s.rsi != nil {
		v.RSI = s.rsi.Peek(close)
	}
	if s.macd != nil {
		v.MACD = s.macd.Peek(close)
		v.Signal = s.macd.sig.Peek(v.MACD)
		v.Histogram = v.MACD - v.Signal
	}
	return v
}

// Current returns the latest values without advancing.
func (s *Set) Current() Values {
	v := emptyValues()
	if s.sma != nil {
		v.SMA = s.sma.Value()
	}
	if s.ema != nil {
		v.EMA = s.ema.Value()
	}
	if s.bb != nil {
		v.BBUpper, v.BBMiddle, v.BBLower = s.bb.Bands()
	}
	if s.rsi != nil {
		v.RSI = s.rsi.Value()
	}
	if s.macd != nil {
		v.MACD = s.macd.Value()
		v.Signal = s.macd.Signal()
		v.Histogram = s.macd.Histogram()
	}
	return v
}
