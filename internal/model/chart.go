package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Timeframe is a chart bucket size.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1D  Timeframe = "1D"
	TF1W  Timeframe = "1W"
	TF1M  Timeframe = "1M"
)

// remoteQuery maps a timeframe to the upstream (interval, range) pair.
var remoteQuery = map[Timeframe][2]string{
	TF1m:  {"1m", "1d"},
	TF5m:  {"5m", "5d"},
	TF15m: {"15m", "5d"},
	TF30m: {"30m", "1mo"},
	TF1h:  {"60m", "1mo"},
	TF4h:  {"60m", "3mo"},
	TF1D:  {"1d", "1y"},
	TF1W:  {"1wk", "5y"},
	TF1M:  {"1mo", "max"},
}

// Timeframes lists every supported timeframe in ascending order.
func Timeframes() []Timeframe {
	return []Timeframe{TF1m, TF5m, TF15m, TF30m, TF1h, TF4h, TF1D, TF1W, TF1M}
}

// ParseTimeframe validates a timeframe string.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := remoteQuery[tf]; !ok {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}

// Query returns the upstream interval and range for the timeframe.
// Unknown timeframes fall back to daily bars over one year.
func (tf Timeframe) Query() (interval, rng string) {
	q, ok := remoteQuery[tf]
	if !ok {
		return "1d", "1y"
	}
	return q[0], q[1]
}

// ChartType selects how the main price series is drawn.
type ChartType string

const (
	ChartCandlestick ChartType = "candlestick"
	ChartLine        ChartType = "line"
	ChartArea        ChartType = "area"
)

// ParseChartType validates a chart type, defaulting empty input to candlestick.
func ParseChartType(s string) (ChartType, error) {
	switch ChartType(s) {
	case "", ChartCandlestick:
		return ChartCandlestick, nil
	case ChartLine, ChartArea:
		return ChartType(s), nil
	}
	return "", fmt.Errorf("unknown chart type %q", s)
}

// Theme carries already-resolved colour strings. The engine never reads
// CSS variables; the shell resolves them and passes this record in.
type Theme struct {
	Name       string `json:"name" yaml:"name"`
	Background string `json:"background" yaml:"background"`
	Text       string `json:"text" yaml:"text"`
	Grid       string `json:"grid" yaml:"grid"`
	Up         string `json:"up" yaml:"up"`
	Down       string `json:"down" yaml:"down"`
	Line       string `json:"line" yaml:"line"`
	SMA        string `json:"sma" yaml:"sma"`
	EMA        string `json:"ema" yaml:"ema"`
	Bands      string `json:"bands" yaml:"bands"`
	RSI        string `json:"rsi" yaml:"rsi"`
	MACD       string `json:"macd" yaml:"macd"`
	Signal     string `json:"signal" yaml:"signal"`
}

// DarkTheme is the default theme.
func DarkTheme() Theme {
	return Theme{
		Name:       "dark",
		Background: "#131722",
		Text:       "#d1d4dc",
		Grid:       "#2a2e39",
		Up:         "#26a69a",
		Down:       "#ef5350",
		Line:       "#2962ff",
		SMA:        "#f7a21b",
		EMA:        "#ab47bc",
		Bands:      "#42a5f5",
		RSI:        "#7e57c2",
		MACD:       "#2962ff",
		Signal:     "#ff6d00",
	}
}

// LightTheme mirrors DarkTheme on a white background.
func LightTheme() Theme {
	t := DarkTheme()
	t.Name = "light"
	t.Background = "#ffffff"
	t.Text = "#131722"
	t.Grid = "#e0e3eb"
	return t
}

// IndicatorSet selects which indicators are drawn and with which periods.
// Zero periods are replaced by the defaults in Normalize.
type IndicatorSet struct {
	SMA        bool    `json:"sma"`
	SMAPeriod  int     `json:"smaPeriod,omitempty"`
	EMA        bool    `json:"ema"`
	EMAPeriod  int     `json:"emaPeriod,omitempty"`
	Bollinger  bool    `json:"bollinger"`
	BBPeriod   int     `json:"bbPeriod,omitempty"`
	BBMult     float64 `json:"bbMult,omitempty"`
	Volume     bool    `json:"volume"`
	RSI        bool    `json:"rsi"`
	RSIPeriod  int     `json:"rsiPeriod,omitempty"`
	MACD       bool    `json:"macd"`
	MACDFast   int     `json:"macdFast,omitempty"`
	MACDSlow   int     `json:"macdSlow,omitempty"`
	MACDSignal int     `json:"macdSignal,omitempty"`
}

// Normalize fills in default periods.
func (s IndicatorSet) Normalize() IndicatorSet {
	def := func(v *int, d int) {
		if *v <= 0 {
			*v = d
		}
	}
	def(&s.SMAPeriod, 20)
	def(&s.EMAPeriod, 50)
	def(&s.BBPeriod, 20)
	def(&s.RSIPeriod, 14)
	def(&s.MACDFast, 12)
	def(&s.MACDSlow, 26)
	def(&s.MACDSignal, 9)
	if s.BBMult <= 0 {
		s.BBMult = 2
	}
	return s
}

// Key renders the enabled indicators and their parameters as a stable string.
func (s IndicatorSet) Key() string {
	s = s.Normalize()
	var parts []string
	if s.SMA {
		parts = append(parts, "sma"+strconv.Itoa(s.SMAPeriod))
	}
	if s.EMA {
		parts = append(parts, "ema"+strconv.Itoa(s.EMAPeriod))
	}
	if s.Bollinger {
		parts = append(parts, "bb"+strconv.Itoa(s.BBPeriod)+"x"+strconv.FormatFloat(s.BBMult, 'g', -1, 64))
	}
	if s.Volume {
		parts = append(parts, "vol")
	}
	if s.RSI {
		parts = append(parts, "rsi"+strconv.Itoa(s.RSIPeriod))
	}
	if s.MACD {
		parts = append(parts, fmt.Sprintf("macd%d.%d.%d", s.MACDFast, s.MACDSlow, s.MACDSignal))
	}
	return strings.Join(parts, ",")
}

// Identity is the tuple that decides whether a chart must be rebuilt.
type Identity struct {
	Symbol     string       `json:"symbol"`
	Timeframe  Timeframe    `json:"timeframe"`
	Theme      Theme        `json:"theme"`
	Indicators IndicatorSet `json:"indicators"`
	ChartType  ChartType    `json:"chartType"`
}

// Key is the composite identity string.
func (id Identity) Key() string {
	return strings.Join([]string{
		strings.ToUpper(id.Symbol),
		string(id.Timeframe),
		id.Theme.Name,
		string(id.ChartType),
		id.Indicators.Key(),
	}, "|")
}

// Validate checks the symbol, timeframe and chart type.
func (id Identity) Validate() error {
	if strings.TrimSpace(id.Symbol) == "" {
		return fmt.Errorf("identity: empty symbol")
	}
	if _, err := ParseTimeframe(string(id.Timeframe)); err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	if _, err := ParseChartType(string(id.ChartType)); err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	return nil
}
