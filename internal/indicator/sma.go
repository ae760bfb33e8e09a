package indicator

import "strconv"

// SMAState calculates a Simple Moving Average over a rolling window.
// Uses a preallocated circular buffer for a zero-allocation hot path.
type SMAState struct {
	period int
	buf    []float64 // circular buffer of the last period closes
	idx    int       // next write position
	count  int
	sum    float64
}

// NewSMA creates an incremental SMA with the given period.
func NewSMA(period int) *SMAState {
	if period < 1 {
		period = 1
	}
	return &SMAState{period: period, buf: make([]float64, period)}
}

func (s *SMAState) Name() string { return "SMA_" + strconv.Itoa(s.period) }

func (s *SMAState) Update(close float64) {
	if s.count >= s.period {
		s.sum -= s.buf[s.idx]
	}
	s.buf[s.idx] = close
	s.sum += close
	s.idx = (s.idx + 1) % s.period
	s.count++
}

func (s *SMAState) Value() float64 {
	return valueOrNaN(s.Ready(), s.sum/float64(s.period))
}

func (s *SMAState) Ready() bool { return s.count >= s.period }

// Peek computes what Value() would be with an additional close.
func (s *SMAState) Peek(close float64) float64 {
	if s.count+1 < s.period {
		return valueOrNaN(false, 0)
	}
	if s.count < s.period {
		return (s.sum + close) / float64(s.period)
	}
	return (s.sum - s.buf[s.idx] + close) / float64(s.period)
}

// window returns the buffered closes oldest first. Only meaningful once ready.
func (s *SMAState) window(dst []float64) []float64 {
	dst = dst[:0]
	for i := 0; i < s.period; i++ {
		dst = append(dst, s.buf[(s.idx+i)%s.period])
	}
	return dst
}
