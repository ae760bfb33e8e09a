package chart

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"chartdesk/internal/feed"
	"chartdesk/internal/model"
	"chartdesk/internal/series"
)

var errDisposedWidget = errors.New("widget already removed")

type fakeSeries struct {
	mu      sync.Mutex
	kind    SeriesKind
	opts    SeriesOptions
	data    []DataPoint
	updates []DataPoint
}

func (s *fakeSeries) SetData(points []DataPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append([]DataPoint(nil), points...)
	return nil
}

func (s *fakeSeries) Update(p DataPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, p)
	return nil
}

func (s *fakeSeries) counts() (data, updates int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data), len(s.updates)
}

type fakeWidget struct {
	mu          sync.Mutex
	opts        ChartOptions
	series      map[string]*fakeSeries
	resizes     [][2]int
	removed     int
	panicRemove bool
	cross       func(int64)
}

func (w *fakeWidget) AddSeries(kind SeriesKind, opts SeriesOptions) (Series, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := &fakeSeries{kind: kind, opts: opts}
	w.series[opts.Name] = s
	return s, nil
}

func (w *fakeWidget) Resize(width, height int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.resizes = append(w.resizes, [2]int{width, height})
	return nil
}

func (w *fakeWidget) Remove() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.removed++
	if w.panicRemove {
		panic("boom")
	}
	if w.removed > 1 {
		return errDisposedWidget
	}
	return nil
}

func (w *fakeWidget) SubscribeCrosshairMove(fn func(int64)) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cross = fn
	return func() {
		w.mu.Lock()
		w.cross = nil
		w.mu.Unlock()
	}
}

func (w *fakeWidget) get(name string) *fakeSeries {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.series[name]
}

func (w *fakeWidget) resizeCalls() [][2]int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([][2]int(nil), w.resizes...)
}

type fakeFactory struct {
	mu      sync.Mutex
	widgets []*fakeWidget
}

func (f *fakeFactory) CreateChart(_ Container, opts ChartOptions) (Widget, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWidget{opts: opts, series: make(map[string]*fakeSeries)}
	f.widgets = append(f.widgets, w)
	return w, nil
}

func (f *fakeFactory) all() []*fakeWidget {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeWidget(nil), f.widgets...)
}

type fakeContainer struct {
	mu   sync.Mutex
	w, h int
	next int
	fns  map[int]func(int, int)
}

func newContainer(w, h int) *fakeContainer {
	return &fakeContainer{w: w, h: h, fns: make(map[int]func(int, int))}
}

func (c *fakeContainer) ID() string { return "chart" }

func (c *fakeContainer) Size() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w, c.h
}

func (c *fakeContainer) OnResize(fn func(int, int)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.next
	c.next++
	c.fns[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.fns, id)
		c.mu.Unlock()
	}
}

func (c *fakeContainer) resize(w, h int) {
	c.mu.Lock()
	fns := make([]func(int, int), 0, len(c.fns))
	for _, fn := range c.fns {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(w, h)
	}
}

func (c *fakeContainer) listeners() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fns)
}

// stubLoader serves makeBars for every symbol. A gate for a symbol blocks
// that symbol's load until the gate is closed, ignoring cancellation.
type stubLoader struct {
	mu    sync.Mutex
	err   error
	calls map[string]int
	gates map[string]chan struct{}
}

func newLoader() *stubLoader {
	return &stubLoader{calls: make(map[string]int), gates: make(map[string]chan struct{})}
}

func (l *stubLoader) Get(_ context.Context, symbol string, _ model.Timeframe) (series.Result, error) {
	l.mu.Lock()
	l.calls[symbol]++
	gate, err := l.gates[symbol], l.err
	l.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return series.Result{}, err
	}
	return series.Result{Bars: makeBars(60), FetchedAt: time.Unix(0, 0)}, nil
}

func (l *stubLoader) callCount(symbol string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[symbol]
}

func (l *stubLoader) setErr(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

func makeBars(n int) []model.Bar {
	bars := make([]model.Bar, n)
	for i := range bars {
		c := 100 + 5*math.Sin(float64(i)/3)
		bars[i] = model.Bar{
			Time: 1_700_000_000 + int64(i)*60,
			Open: c - 0.5, High: c + 1, Low: c - 1, Close: c,
			Volume: 1000 + int64(i),
		}
	}
	return bars
}

// countingFeed returns a feed.Factory whose sources step the price by one
// and count NextBar calls per symbol.
type countingFeed struct {
	mu    sync.Mutex
	count map[string]int
}

func newFeed() *countingFeed { return &countingFeed{count: make(map[string]int)} }

func (f *countingFeed) factory(symbol string) feed.Source {
	return feed.SourceFunc(func(last model.Bar, _ []float64) model.Bar {
		f.mu.Lock()
		f.count[symbol]++
		f.mu.Unlock()
		c := last.Close + 1
		return model.Bar{Time: last.Time + 60, Open: last.Close, High: c, Low: last.Close, Close: c, Volume: 10}
	})
}

func (f *countingFeed) calls(symbol string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count[symbol]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
