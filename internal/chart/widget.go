package chart

import "chartdesk/internal/model"

// SeriesKind is the visual kind of a widget series.
type SeriesKind string

const (
	KindCandlestick SeriesKind = "candlestick"
	KindLine        SeriesKind = "line"
	KindArea        SeriesKind = "area"
	KindHistogram   SeriesKind = "histogram"
)

func priceKind(t model.ChartType) SeriesKind {
	switch t {
	case model.ChartLine:
		return KindLine
	case model.ChartArea:
		return KindArea
	}
	return KindCandlestick
}

// OHLC is the candle payload of a DataPoint.
type OHLC struct {
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// DataPoint is one value of a line, area or histogram series, or one candle
// when OHLC is set.
type DataPoint struct {
	Time  int64   `json:"time"`
	Value float64 `json:"value"`
	Color string  `json:"color,omitempty"`
	OHLC  *OHLC   `json:"ohlc,omitempty"`
}

// ChartOptions configures one chart widget (one pane).
type ChartOptions struct {
	Pane   string      `json:"pane"`
	Width  int         `json:"width"`
	Height int         `json:"height"`
	Theme  model.Theme `json:"theme"`
}

// SeriesOptions styles one series.
type SeriesOptions struct {
	Name       string  `json:"name"`
	Color      string  `json:"color,omitempty"`
	UpColor    string  `json:"upColor,omitempty"`
	DownColor  string  `json:"downColor,omitempty"`
	LineWidth  float64 `json:"lineWidth,omitempty"`
	PriceScale string  `json:"priceScale,omitempty"`
}

// Container is the host element the chart is mounted in.
type Container interface {
	ID() string
	Size() (width, height int)
	// OnResize registers fn for size changes and returns its unsubscribe.
	// fn must not be called from inside OnResize itself.
	OnResize(fn func(width, height int)) (unsubscribe func())
}

// WidgetFactory creates chart widgets bound to a container.
type WidgetFactory interface {
	CreateChart(c Container, opts ChartOptions) (Widget, error)
}

// Widget is one chart instance of the external chart library.
type Widget interface {
	AddSeries(kind SeriesKind, opts SeriesOptions) (Series, error)
	Resize(width, height int) error
	// Remove disposes the widget. A second call may return an error.
	Remove() error
	// SubscribeCrosshairMove delivers the hovered bar time.
	SubscribeCrosshairMove(fn func(time int64)) (unsubscribe func())
}

// Series is one plotted data series of a Widget.
type Series interface {
	SetData(points []DataPoint) error
	Update(p DataPoint) error
}
