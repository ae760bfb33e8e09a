// Package series retrieves historical OHLCV series and caches them per
// symbol and timeframe.
package series

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"chartdesk/internal/model"
)

// ErrNoData is returned when the upstream answers with an empty series.
var ErrNoData = errors.New("series: no data returned")

// Fetcher retrieves the historical bars for a symbol and timeframe.
type Fetcher interface {
	Fetch(ctx context.Context, symbol string, tf model.Timeframe) ([]model.Bar, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, symbol string, tf model.Timeframe) ([]model.Bar, error)

func (f FetcherFunc) Fetch(ctx context.Context, symbol string, tf model.Timeframe) ([]model.Bar, error) {
	return f(ctx, symbol, tf)
}

// HTTPFetcher implements Fetcher against a Yahoo-chart compatible endpoint:
//
//	GET {BaseURL}?symbol=AAPL&interval=5m&range=5d
type HTTPFetcher struct {
	BaseURL   string
	Client    *http.Client
	UserAgent string
}

// NewHTTPFetcher creates a fetcher with the given request timeout.
func NewHTTPFetcher(baseURL string, timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPFetcher{
		BaseURL:   baseURL,
		Client:    &http.Client{Timeout: timeout},
		UserAgent: "Mozilla/5.0",
	}
}

// chartResponse is the response structure of the chart API. Every quote
// field may contain nulls.
type chartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// Fetch performs the remote query for tf and parses the response.
func (f *HTTPFetcher) Fetch(ctx context.Context, symbol string, tf model.Timeframe) ([]model.Bar, error) {
	interval, rng := tf.Query()

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("range", rng)
	u := f.BaseURL
	if strings.Contains(u, "?") {
		u += "&" + q.Encode()
	} else {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s %s: %w", symbol, tf, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s %s: status %d", symbol, tf, resp.StatusCode)
	}
	return ParseChart(body)
}

// ParseChart decodes a chart response, dropping bars with any null OHLC
// field, and returns the bars sorted by time with duplicate timestamps
// collapsed (last one wins).
func ParseChart(body []byte) ([]model.Bar, error) {
	var chart chartResponse
	if err := json.Unmarshal(body, &chart); err != nil {
		return nil, fmt.Errorf("decode chart: %w", err)
	}
	if chart.Chart.Error != nil {
		return nil, fmt.Errorf("chart api error %s: %s", chart.Chart.Error.Code, chart.Chart.Error.Description)
	}
	if len(chart.Chart.Result) == 0 || len(chart.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, ErrNoData
	}

	result := chart.Chart.Result[0]
	quote := result.Indicators.Quote[0]
	bars := make([]model.Bar, 0, len(result.Timestamp))

	for i, ts := range result.Timestamp {
		o, h, l, c := at(quote.Open, i), at(quote.High, i), at(quote.Low, i), at(quote.Close, i)
		if o == nil || h == nil || l == nil || c == nil {
			continue
		}
		bar := model.Bar{
			Time:  ts,
			Open:  *o,
			High:  math.Max(*h, math.Max(*o, *c)),
			Low:   math.Min(*l, math.Min(*o, *c)),
			Close: *c,
		}
		if v := at(quote.Volume, i); v != nil && *v > 0 {
			bar.Volume = int64(*v)
		}
		if !bar.Valid() {
			continue
		}
		bars = append(bars, bar)
	}
	if len(bars) == 0 {
		return nil, ErrNoData
	}

	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Time < bars[j].Time })
	out := bars[:0]
	for _, b := range bars {
		if len(out) > 0 && out[len(out)-1].Time == b.Time {
			out[len(out)-1] = b
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func at(values []*float64, i int) *float64 {
	if i >= len(values) {
		return nil
	}
	return values[i]
}
