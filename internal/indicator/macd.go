package indicator

import "fmt"

// MACDState tracks MACD line, signal and histogram incrementally.
// Because the seeded EMAs have no warm-up gap, all three lines are defined
// from the first close on, matching MACD().
type MACDState struct {
	short, long, signal int
	fast, slow, sig     *EMAState
}

// NewMACD creates an incremental MACD (typically 12, 26, 9).
func NewMACD(short, long, signal int) *MACDState {
	return &MACDState{
		short: short, long: long, signal: signal,
		fast: NewEMA(short),
		slow: NewEMA(long),
		sig:  NewEMA(signal),
	}
}

func (m *MACDState) Name() string {
	return fmt.Sprintf("MACD_%d_%d_%d", m.short, m.long, m.signal)
}

func (m *MACDState) Update(close float64) {
	m.fast.Update(close)
	m.slow.Update(close)
	m.sig.Update(m.fast.current - m.slow.current)
}

// Value returns the MACD line.
func (m *MACDState) Value() float64 {
	return valueOrNaN(m.Ready(), m.fast.current-m.slow.current)
}

// Signal returns the signal line.
func (m *MACDState) Signal() float64 { return m.sig.Value() }

// Histogram returns MACD minus signal.
func (m *MACDState) Histogram() float64 { return m.Value() - m.Signal() }

func (m *MACDState) Ready() bool { return m.fast.Ready() }

func (m *MACDState) Peek(close float64) float64 {
	return m.fast.Peek(close) - m.slow.Peek(close)
}
