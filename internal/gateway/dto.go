package gateway

import (
	"encoding/json"

	"chartdesk/internal/indicator"
	"chartdesk/internal/model"
)

// inbound is any message a browser sends on /ws. Type selects which of the
// other fields are meaningful.
//
//	{"type":"open","identity":{...},"width":800,"height":500}
//	{"type":"resize","width":900,"height":520,"source":"window"}
//	{"type":"pointer","phase":"down","x":10,"y":20,"detail":1}
//	{"type":"key","key":"Delete"}
//	{"type":"tool","tool":"polygon","cursor":"dot"}
//	{"type":"drawings","op":"clear|lock|unlock|show|hide|finish|export|import","data":[...]}
//	{"type":"crosshair","chart":"c1","time":1700000000}
//	{"type":"layout","op":"save|load","id":"...","name":"..."}
//	{"type":"position","data":{...}}
//	{"type":"retry"} {"type":"snapshot"} {"type":"ping","ping":123}
type inbound struct {
	Type     string          `json:"type"`
	ReqID    string          `json:"reqId,omitempty"`
	Identity *model.Identity `json:"identity,omitempty"`
	Width    int             `json:"width,omitempty"`
	Height   int             `json:"height,omitempty"`
	Source   string          `json:"source,omitempty"`
	Phase    string          `json:"phase,omitempty"`
	X        float64         `json:"x,omitempty"`
	Y        float64         `json:"y,omitempty"`
	Detail   int             `json:"detail,omitempty"`
	Key      string          `json:"key,omitempty"`
	Tool     string          `json:"tool,omitempty"`
	Cursor   string          `json:"cursor,omitempty"`
	Op       string          `json:"op,omitempty"`
	Chart    string          `json:"chart,omitempty"`
	Time     int64           `json:"time,omitempty"`
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Ping     int64           `json:"ping,omitempty"`
}

// Envelope is every message the server sends on /ws.
//
// Widget operations use Type "widget" with Op create|add|setData|update|
// resize|remove; overlay operations use Type "overlay" with Op
// cursor|render|snap|interactive|visible.
type Envelope struct {
	Type   string `json:"type"`
	Op     string `json:"op,omitempty"`
	Chart  string `json:"chart,omitempty"`
	Series string `json:"series,omitempty"`
	ReqID  string `json:"reqId,omitempty"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// seriesResponse is the body of GET /api/series.
type seriesResponse struct {
	Symbol    string          `json:"symbol"`
	Timeframe model.Timeframe `json:"timeframe"`
	Bars      []model.Bar     `json:"bars"`
	Stale     bool            `json:"stale"`
	FetchedAt string          `json:"fetchedAt"`
}

// indicatorRequest is the body of POST /api/indicators.
// Next, when set, asks for the values a further close would produce.
type indicatorRequest struct {
	Closes     []float64          `json:"closes"`
	Indicators model.IndicatorSet `json:"indicators"`
	Next       *float64           `json:"next,omitempty"`
}

// indicatorResponse carries index-aligned series with null for undefined
// entries.
type indicatorResponse struct {
	SMA       []*float64 `json:"sma,omitempty"`
	EMA       []*float64 `json:"ema,omitempty"`
	BBUpper   []*float64 `json:"bbUpper,omitempty"`
	BBMiddle  []*float64 `json:"bbMiddle,omitempty"`
	BBLower   []*float64 `json:"bbLower,omitempty"`
	RSI       []*float64 `json:"rsi,omitempty"`
	MACD      []*float64 `json:"macd,omitempty"`
	Signal    []*float64 `json:"signal,omitempty"`
	Histogram []*float64 `json:"histogram,omitempty"`

	Preview *indicatorPreview `json:"preview,omitempty"`
}

// indicatorPreview holds the values of the forming bar. Disabled or
// warming-up values are null.
type indicatorPreview struct {
	SMA       *float64 `json:"sma"`
	EMA       *float64 `json:"ema"`
	BBUpper   *float64 `json:"bbUpper"`
	BBMiddle  *float64 `json:"bbMiddle"`
	BBLower   *float64 `json:"bbLower"`
	RSI       *float64 `json:"rsi"`
	MACD      *float64 `json:"macd"`
	Signal    *float64 `json:"signal"`
	Histogram *float64 `json:"histogram"`
}

func newIndicatorPreview(v indicator.Values) *indicatorPreview {
	n := func(f float64) *float64 { return indicator.Nullable([]float64{f})[0] }
	return &indicatorPreview{
		SMA:       n(v.SMA),
		EMA:       n(v.EMA),
		BBUpper:   n(v.BBUpper),
		BBMiddle:  n(v.BBMiddle),
		BBLower:   n(v.BBLower),
		RSI:       n(v.RSI),
		MACD:      n(v.MACD),
		Signal:    n(v.Signal),
		Histogram: n(v.Histogram),
	}
}

// TFInfo is one entry of GET /api/timeframes.
type TFInfo struct {
	Value    model.Timeframe `json:"value"`
	Interval string          `json:"interval"`
	Range    string          `json:"range"`
}

// positionView is the position with its mark-to-market P&L.
type positionView struct {
	Position model.Position `json:"position"`
	Price    float64        `json:"price"`
	PnL      float64        `json:"pnl"`
}
