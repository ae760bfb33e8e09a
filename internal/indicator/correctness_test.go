package indicator

import (
	"math"
	"testing"
)

// ────────────────────────────────────────────────────────────
// Helpers
// ────────────────────────────────────────────────────────────

func assertClose(t *testing.T, label string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s: got %.6f, want %.6f (tol=%.6f, diff=%.6f)", label, got, want, tol, math.Abs(got-want))
	}
}

func assertNaN(t *testing.T, label string, got float64) {
	t.Helper()
	if !math.IsNaN(got) {
		t.Errorf("%s: expected NaN, got %.6f", label, got)
	}
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// ────────────────────────────────────────────────────────────
// SMA
// ────────────────────────────────────────────────────────────

func TestSMA_Period3(t *testing.T) {
	// (100+102+104)/3 = 102, (102+104+103)/3 = 103, (104+103+105)/3 = 104
	got := SMA([]float64{100, 102, 104, 103, 105}, 3)
	if len(got) != 5 {
		t.Fatalf("len = %d, want 5", len(got))
	}
	assertNaN(t, "SMA[0]", got[0])
	assertNaN(t, "SMA[1]", got[1])
	assertClose(t, "SMA[2]", got[2], 102, 1e-9)
	assertClose(t, "SMA[3]", got[3], 103, 1e-9)
	assertClose(t, "SMA[4]", got[4], 104, 1e-9)
}

func TestSMA_ShortInput(t *testing.T) {
	got := SMA([]float64{1, 2}, 5)
	for _, v := range got {
		assertNaN(t, "SMA short", v)
	}
}

func TestSMA_DoesNotMutateInput(t *testing.T) {
	in := []float64{5, 4, 3, 2, 1}
	SMA(in, 2)
	EMA(in, 2)
	RSI(in, 2)
	MACD(in, 2, 3, 2)
	BollingerBands(in, 2, 2)
	want := []float64{5, 4, 3, 2, 1}
	for i := range in {
		if in[i] != want[i] {
			t.Fatalf("input mutated at %d: %v", i, in)
		}
	}
}

// ────────────────────────────────────────────────────────────
// EMA
// ────────────────────────────────────────────────────────────

func TestEMA_SeededWithFirstValue(t *testing.T) {
	// k = 2/(3+1) = 0.5
	// ema[0] = 10
	// ema[1] = 12*0.5 + 10*0.5 = 11
	// ema[2] = 14*0.5 + 11*0.5 = 12.5
	got := EMA([]float64{10, 12, 14}, 3)
	assertClose(t, "EMA[0]", got[0], 10, 1e-9)
	assertClose(t, "EMA[1]", got[1], 11, 1e-9)
	assertClose(t, "EMA[2]", got[2], 12.5, 1e-9)
}

func TestEMA_Empty(t *testing.T) {
	if got := EMA(nil, 5); len(got) != 0 {
		t.Errorf("expected empty, got %v", got)
	}
}

// ────────────────────────────────────────────────────────────
// RSI
// ────────────────────────────────────────────────────────────

func TestRSI_FlatSeriesIs100(t *testing.T) {
	got := RSI(repeat(10, 15), 14)
	for i := 0; i < 14; i++ {
		assertNaN(t, "RSI warm-up", got[i])
	}
	if got[14] != 100 {
		t.Errorf("RSI[14] = %v, want 100", got[14])
	}
}

func TestRSI_AllLossesIsZero(t *testing.T) {
	values := make([]float64, 15)
	for i := range values {
		values[i] = 100 - float64(i)
	}
	got := RSI(values, 14)
	assertClose(t, "RSI[14]", got[14], 0, 1e-9)
}

func TestRSI_AllGainsIs100(t *testing.T) {
	values := make([]float64, 20)
	for i := range values {
		values[i] = 100 + float64(i)
	}
	got := RSI(values, 14)
	for i := 14; i < len(got); i++ {
		if got[i] != 100 {
			t.Errorf("RSI[%d] = %v, want 100", i, got[i])
		}
	}
}

func TestRSI_WilderSmoothing(t *testing.T) {
	// period 2: diffs +2, -1, +3
	// seed: avgGain = (2+0)/2 = 1, avgLoss = (0+1)/2 = 0.5 → RSI = 100-100/3 = 66.6667
	// next: avgGain = (1*1+3)/2 = 2, avgLoss = (0.5*1+0)/2 = 0.25 → RS 8 → 88.8889
	got := RSI([]float64{10, 12, 11, 14}, 2)
	assertNaN(t, "RSI[1]", got[1])
	assertClose(t, "RSI[2]", got[2], 66.666667, 1e-5)
	assertClose(t, "RSI[3]", got[3], 88.888889, 1e-5)
}

func TestRSI_InsufficientData(t *testing.T) {
	for _, v := range RSI(repeat(1, 14), 14) {
		assertNaN(t, "RSI insufficient", v)
	}
}

// ────────────────────────────────────────────────────────────
// MACD
// ────────────────────────────────────────────────────────────

func TestMACD_HistogramIsDifference(t *testing.T) {
	values := []float64{10, 11, 12, 11, 13, 14, 13, 15, 16, 15, 17, 18}
	m := MACD(values, 3, 6, 3)
	if len(m.MACD) != len(values) || len(m.Signal) != len(values) || len(m.Histogram) != len(values) {
		t.Fatalf("length mismatch")
	}
	fast, slow := EMA(values, 3), EMA(values, 6)
	for i := range values {
		assertClose(t, "macd line", m.MACD[i], fast[i]-slow[i], 1e-12)
		assertClose(t, "histogram", m.Histogram[i], m.MACD[i]-m.Signal[i], 1e-12)
	}
	sig := EMA(m.MACD, 3)
	for i := range values {
		assertClose(t, "signal", m.Signal[i], sig[i], 1e-12)
	}
}

func TestMACD_NaNPropagates(t *testing.T) {
	values := []float64{10, math.NaN(), 12}
	m := MACD(values, 2, 3, 2)
	for i := 1; i < len(values); i++ {
		assertNaN(t, "macd", m.MACD[i])
		assertNaN(t, "signal", m.Signal[i])
		assertNaN(t, "histogram", m.Histogram[i])
	}
	if math.IsNaN(m.MACD[0]) || math.IsNaN(m.Signal[0]) {
		t.Error("index 0 should be defined")
	}
}

// ────────────────────────────────────────────────────────────
// Bollinger
// ────────────────────────────────────────────────────────────

func TestBollinger_PopulationStdDev(t *testing.T) {
	// window {2,4,4,4,5,5,7,9}: mean 5, population σ = 2
	values := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	b := BollingerBands(values, 8, 2)
	assertClose(t, "middle", b.Middle[7], 5, 1e-9)
	assertClose(t, "upper", b.Upper[7], 9, 1e-9)
	assertClose(t, "lower", b.Lower[7], 1, 1e-9)
	for i := 0; i < 7; i++ {
		assertNaN(t, "upper warm-up", b.Upper[i])
		assertNaN(t, "lower warm-up", b.Lower[i])
	}
}

func TestBollinger_WidthIsFourSigma(t *testing.T) {
	values := make([]float64, 60)
	for i := range values {
		values[i] = 100 + 5*math.Sin(float64(i)/3)
	}
	b := BollingerBands(values, 20, 2)
	for i := 19; i < len(values); i++ {
		window := values[i-19 : i+1]
		mean := 0.0
		for _, v := range window {
			mean += v
		}
		mean /= 20
		assertClose(t, "width", b.Upper[i]-b.Lower[i], 4*stddev(window, mean), 1e-9)
	}
}
