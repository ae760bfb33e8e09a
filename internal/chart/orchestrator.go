// Package chart drives a set of chart widgets for one identity: it builds
// the panes, loads history, computes indicators, runs the live bar loop and
// tears everything down again when the identity changes.
package chart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"chartdesk/internal/feed"
	"chartdesk/internal/indicator"
	"chartdesk/internal/logger"
	"chartdesk/internal/metrics"
	"chartdesk/internal/model"
	"chartdesk/internal/series"
)

var (
	// ErrDisposed is returned by Apply after Close.
	ErrDisposed = errors.New("chart: orchestrator closed")
	// ErrSuperseded is returned by Apply when a newer identity replaced the
	// chart before its history arrived. The result was discarded.
	ErrSuperseded = errors.New("chart: superseded by a newer identity")
)

// State is the orchestrator lifecycle state.
type State int

const (
	Idle State = iota
	Initializing
	Loading
	Live
	Disposed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Initializing:
		return "initializing"
	case Loading:
		return "loading"
	case Live:
		return "live"
	case Disposed:
		return "disposed"
	}
	return "unknown"
}

// Loader returns the historical series for a symbol and timeframe.
// *series.Cache implements it.
type Loader interface {
	Get(ctx context.Context, symbol string, tf model.Timeframe) (series.Result, error)
}

// Callbacks receive the latest bar. They run on the orchestrator's
// goroutines and must not call Apply, Teardown or Close.
type Callbacks struct {
	OnOHLC      func(bar model.Bar)
	OnVolume    func(volume int64)
	OnPrice     func(price float64)
	OnCrosshair func(bar model.Bar)
}

// Options configures an Orchestrator.
type Options struct {
	Factory   WidgetFactory
	Container Container
	Loader    Loader
	// Feed supplies the per-symbol bar source for the live loop.
	Feed feed.Factory

	TickInterval time.Duration // default 2s
	ResizeDelay  time.Duration // default 16ms, one frame
	MaxBars      int           // history kept in memory, default 5000
	Lookback     int           // closes passed to the source, default 100

	Callbacks Callbacks
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

func (o *Options) defaults() {
	if o.TickInterval <= 0 {
		o.TickInterval = 2 * time.Second
	}
	if o.ResizeDelay <= 0 {
		o.ResizeDelay = 16 * time.Millisecond
	}
	if o.MaxBars <= 0 {
		o.MaxBars = 5000
	}
	if o.Lookback <= 0 {
		o.Lookback = 100
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type pane struct {
	name   string
	widget Widget
}

// lines holds the series handles of one build. Nil entries are disabled.
type lines struct {
	price, volume         Series
	sma, ema              Series
	bbUpper, bbMid, bbLow Series
	rsi                   Series
	macd, signal, hist    Series
}

// Snapshot describes the orchestrator at one point in time.
type Snapshot struct {
	State    string         `json:"state"`
	Identity model.Identity `json:"identity"`
	Key      string         `json:"key"`
	Bars     int            `json:"bars"`
	Last     *model.Bar     `json:"last,omitempty"`
	Panes    Panes          `json:"panes"`
	Stale    bool           `json:"stale"`
}

// Orchestrator owns the widgets of one chart. Apply, Teardown and Close are
// serialised; a rebuild always finishes tearing down the previous instance,
// live loop included, before the next one is created.
type Orchestrator struct {
	opts Options
	log  *slog.Logger

	opMu sync.Mutex // serialises Apply, Teardown, Close

	mu       sync.Mutex
	state    State
	closed   bool
	gen      uint64
	identity model.Identity
	key      string
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	loading  bool
	stale    bool

	width, height int
	panes         []pane
	lines         lines
	unsubResize   func()
	unsubCross    func()
	resizeTimer   *time.Timer
	pendingW      int
	pendingH      int

	bars   []model.Bar
	ind    *indicator.Set
	source feed.Source
}

// New creates an idle orchestrator.
func New(opts Options) *Orchestrator {
	opts.defaults()
	return &Orchestrator{
		opts: opts,
		log:  opts.Logger.With("component", "chart"),
	}
}

// State returns the lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Apply makes the chart show id. An unchanged identity is a no-op while
// the context of the running instance is alive; otherwise the previous
// instance is torn down and a new one built,
// loaded and switched to live. ctx bounds the lifetime of the new
// instance, live loop included.
//
// A load failure is logged and returned; the chart stays in Loading until
// Retry or the next Apply.
func (o *Orchestrator) Apply(ctx context.Context, id model.Identity) error {
	if err := id.Validate(); err != nil {
		return err
	}
	id = normalize(id)
	key := id.Key()

	o.opMu.Lock()
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.opMu.Unlock()
		return ErrDisposed
	}
	if key == o.key && o.state != Idle && o.state != Disposed && o.ctx.Err() == nil {
		o.mu.Unlock()
		o.opMu.Unlock()
		return nil
	}
	o.mu.Unlock()

	o.teardown()
	gen, genCtx, err := o.build(ctx, id, key)
	if err != nil {
		o.teardown()
		o.opMu.Unlock()
		logger.For(ctx, o.log).Error("chart build failed", "key", key, "error", err)
		return err
	}
	o.opMu.Unlock()

	return o.load(genCtx, gen)
}

// IdentityKey returns the key Apply compares to decide whether id needs a
// rebuild.
func IdentityKey(id model.Identity) string { return normalize(id).Key() }

func normalize(id model.Identity) model.Identity {
	id.Symbol = strings.ToUpper(strings.TrimSpace(id.Symbol))
	if id.ChartType == "" {
		id.ChartType = model.ChartCandlestick
	}
	id.Indicators = id.Indicators.Normalize()
	return id
}

func (o *Orchestrator) build(ctx context.Context, id model.Identity, key string) (uint64, context.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.gen++
	o.identity = id
	o.key = key
	o.state = Initializing
	o.stale = false
	o.ctx, o.cancel = context.WithCancel(ctx)

	if c := o.opts.Container; c != nil {
		o.width, o.height = c.Size()
		o.unsubResize = c.OnResize(o.NotifyResize)
	}
	layout := ComputeLayout(o.height, id.Indicators.RSI, id.Indicators.MACD)
	theme := id.Theme

	top, err := o.addPaneLocked("main", layout.Main, theme)
	if err != nil {
		return 0, nil, err
	}
	set := id.Indicators
	l := &o.lines
	if l.price, err = top.AddSeries(priceKind(id.ChartType), SeriesOptions{
		Name: "price", Color: theme.Line, UpColor: theme.Up, DownColor: theme.Down, LineWidth: 2,
	}); err != nil {
		return 0, nil, err
	}
	if set.Volume {
		if l.volume, err = top.AddSeries(KindHistogram, SeriesOptions{Name: "volume", PriceScale: "volume"}); err != nil {
			return 0, nil, err
		}
	}
	if set.SMA {
		if l.sma, err = top.AddSeries(KindLine, SeriesOptions{Name: "sma", Color: theme.SMA, LineWidth: 1}); err != nil {
			return 0, nil, err
		}
	}
	if set.EMA {
		if l.ema, err = top.AddSeries(KindLine, SeriesOptions{Name: "ema", Color: theme.EMA, LineWidth: 1}); err != nil {
			return 0, nil, err
		}
	}
	if set.Bollinger {
		for _, b := range []struct {
			name string
			dst  *Series
		}{{"bb.upper", &l.bbUpper}, {"bb.middle", &l.bbMid}, {"bb.lower", &l.bbLow}} {
			if *b.dst, err = top.AddSeries(KindLine, SeriesOptions{Name: b.name, Color: theme.Bands, LineWidth: 1}); err != nil {
				return 0, nil, err
			}
		}
	}
	o.unsubCross = top.SubscribeCrosshairMove(o.crosshair)

	if set.RSI {
		w, err := o.addPaneLocked("rsi", layout.RSI, theme)
		if err != nil {
			return 0, nil, err
		}
		if l.rsi, err = w.AddSeries(KindLine, SeriesOptions{Name: "rsi", Color: theme.RSI, LineWidth: 1}); err != nil {
			return 0, nil, err
		}
	}
	if set.MACD {
		w, err := o.addPaneLocked("macd", layout.MACD, theme)
		if err != nil {
			return 0, nil, err
		}
		if l.hist, err = w.AddSeries(KindHistogram, SeriesOptions{Name: "macd.histogram", UpColor: theme.Up, DownColor: theme.Down}); err != nil {
			return 0, nil, err
		}
		if l.macd, err = w.AddSeries(KindLine, SeriesOptions{Name: "macd", Color: theme.MACD, LineWidth: 1}); err != nil {
			return 0, nil, err
		}
		if l.signal, err = w.AddSeries(KindLine, SeriesOptions{Name: "macd.signal", Color: theme.Signal, LineWidth: 1}); err != nil {
			return 0, nil, err
		}
	}

	if o.opts.Feed != nil {
		o.source = o.opts.Feed(id.Symbol)
	}
	o.state = Loading
	o.opts.Metrics.ChartBuilt()
	logger.For(ctx, o.log).Info("chart built", "key", key, "panes", len(o.panes), "width", o.width, "height", o.height)
	return o.gen, o.ctx, nil
}

func (o *Orchestrator) addPaneLocked(name string, height int, theme model.Theme) (Widget, error) {
	w, err := o.opts.Factory.CreateChart(o.opts.Container, ChartOptions{
		Pane: name, Width: o.width, Height: height, Theme: theme,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s pane: %w", name, err)
	}
	o.panes = append(o.panes, pane{name: name, widget: w})
	return w, nil
}

// load fetches history for generation gen and switches to Live. Results
// that arrive after the generation moved on are dropped.
func (o *Orchestrator) load(ctx context.Context, gen uint64) error {
	o.mu.Lock()
	if gen != o.gen || o.state != Loading {
		o.mu.Unlock()
		return ErrSuperseded
	}
	id := o.identity
	o.loading = true
	o.mu.Unlock()

	log := logger.For(ctx, o.log).With("symbol", id.Symbol, "timeframe", string(id.Timeframe))
	res, err := o.opts.Loader.Get(ctx, id.Symbol, id.Timeframe)

	o.mu.Lock()
	if gen != o.gen {
		o.mu.Unlock()
		o.opts.Metrics.StaleFetchDropped()
		log.Debug("discarding history for superseded chart")
		return ErrSuperseded
	}
	o.loading = false
	if err == nil && len(res.Bars) == 0 {
		err = series.ErrNoData
	}
	if err != nil {
		o.mu.Unlock()
		log.Error("history load failed, chart stays in loading", "error", err)
		return fmt.Errorf("load %s %s: %w", id.Symbol, id.Timeframe, err)
	}
	if res.Stale {
		log.Warn("serving stale history", "fetched_at", res.FetchedAt)
	}

	o.stale = res.Stale
	o.bars = res.Bars
	o.populateLocked()
	last := o.bars[len(o.bars)-1]
	o.state = Live
	if o.source != nil {
		done := make(chan struct{})
		o.done = done
		go o.run(ctx, gen, done)
	}
	o.mu.Unlock()

	log.Info("chart live", "bars", len(res.Bars), "stale", res.Stale)
	o.report(last)
	return nil
}

// Retry re-attempts the history load of a chart stuck in Loading.
func (o *Orchestrator) Retry() error {
	o.mu.Lock()
	if o.state != Loading || o.loading {
		o.mu.Unlock()
		return nil
	}
	gen, ctx := o.gen, o.ctx
	o.mu.Unlock()
	return o.load(ctx, gen)
}

func (o *Orchestrator) populateLocked() {
	bars := o.bars
	set := o.identity.Indicators
	theme := o.identity.Theme
	l := &o.lines
	closes := model.Closes(bars)

	price := make([]DataPoint, len(bars))
	for i, b := range bars {
		price[i] = pricePoint(b)
	}
	o.setData("price", l.price, price)

	if l.volume != nil {
		vol := make([]DataPoint, len(bars))
		for i, b := range bars {
			vol[i] = volumePoint(b, theme)
		}
		o.setData("volume", l.volume, vol)
	}

	computed := indicator.Compute(set, closes)
	o.setData("sma", l.sma, defined(bars, computed.SMA))
	o.setData("ema", l.ema, defined(bars, computed.EMA))
	if computed.BB != nil {
		o.setData("bb.upper", l.bbUpper, defined(bars, computed.BB.Upper))
		o.setData("bb.middle", l.bbMid, defined(bars, computed.BB.Middle))
		o.setData("bb.lower", l.bbLow, defined(bars, computed.BB.Lower))
	}
	o.setData("rsi", l.rsi, defined(bars, computed.RSI))
	if computed.MACD != nil {
		o.setData("macd", l.macd, defined(bars, computed.MACD.MACD))
		o.setData("macd.signal", l.signal, defined(bars, computed.MACD.Signal))
		hist := defined(bars, computed.MACD.Histogram)
		for i := range hist {
			hist[i].Color = signColor(hist[i].Value, theme)
		}
		o.setData("macd.histogram", l.hist, hist)
	}

	o.ind = indicator.NewSet(set)
	o.ind.Seed(closes)
}

func (o *Orchestrator) setData(name string, s Series, points []DataPoint) {
	if s == nil {
		return
	}
	if err := s.SetData(points); err != nil {
		o.log.Warn("series setData failed", "series", name, "error", err)
	}
}

func (o *Orchestrator) update(name string, s Series, p DataPoint) {
	if s == nil || math.IsNaN(p.Value) {
		return
	}
	if err := s.Update(p); err != nil {
		o.log.Warn("series update failed", "series", name, "error", err)
	}
}

func (o *Orchestrator) run(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(o.opts.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if bar, ok := o.tick(gen); ok {
				o.report(bar)
			}
		}
	}
}

// tick appends one bar from the source and pushes it to every series.
func (o *Orchestrator) tick(gen uint64) (model.Bar, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.gen || o.state != Live || len(o.bars) == 0 {
		return model.Bar{}, false
	}
	start := time.Now()

	last := o.bars[len(o.bars)-1]
	closes := model.Closes(model.Tail(o.bars, o.opts.Lookback))
	bar := o.source.NextBar(last, closes)
	if bar.Time <= last.Time {
		bar.Time = last.Time + 1
	}
	o.bars = append(o.bars, bar)
	if len(o.bars) > o.opts.MaxBars {
		o.bars = append(o.bars[:0:0], o.bars[len(o.bars)-o.opts.MaxBars:]...)
	}

	theme := o.identity.Theme
	l := &o.lines
	v := o.ind.Next(bar.Close)
	t := bar.Time
	o.update("price", l.price, pricePoint(bar))
	if l.volume != nil {
		o.update("volume", l.volume, volumePoint(bar, theme))
	}
	o.update("sma", l.sma, DataPoint{Time: t, Value: v.SMA})
	o.update("ema", l.ema, DataPoint{Time: t, Value: v.EMA})
	o.update("bb.upper", l.bbUpper, DataPoint{Time: t, Value: v.BBUpper})
	o.update("bb.middle", l.bbMid, DataPoint{Time: t, Value: v.BBMiddle})
	o.update("bb.lower", l.bbLow, DataPoint{Time: t, Value: v.BBLower})
	o.update("rsi", l.rsi, DataPoint{Time: t, Value: v.RSI})
	o.update("macd", l.macd, DataPoint{Time: t, Value: v.MACD})
	o.update("macd.signal", l.signal, DataPoint{Time: t, Value: v.Signal})
	o.update("macd.histogram", l.hist, DataPoint{Time: t, Value: v.Histogram, Color: signColor(v.Histogram, theme)})

	o.opts.Metrics.LiveBar(time.Since(start))
	return bar, true
}

func (o *Orchestrator) report(bar model.Bar) {
	cb := o.opts.Callbacks
	if cb.OnOHLC != nil {
		cb.OnOHLC(bar)
	}
	if cb.OnVolume != nil {
		cb.OnVolume(bar.Volume)
	}
	if cb.OnPrice != nil {
		cb.OnPrice(bar.Close)
	}
}

func (o *Orchestrator) crosshair(t int64) {
	o.mu.Lock()
	i := sort.Search(len(o.bars), func(i int) bool { return o.bars[i].Time >= t })
	found := i < len(o.bars) && o.bars[i].Time == t
	var bar model.Bar
	if found {
		bar = o.bars[i]
	}
	o.mu.Unlock()
	if found && o.opts.Callbacks.OnCrosshair != nil {
		o.opts.Callbacks.OnCrosshair(bar)
	}
}

// NotifyResize records a container size change. Bursts from any number of
// sources collapse into one resize per ResizeDelay.
func (o *Orchestrator) NotifyResize(width, height int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == Idle || o.state == Disposed {
		return
	}
	o.pendingW, o.pendingH = width, height
	if o.resizeTimer == nil {
		gen := o.gen
		o.resizeTimer = time.AfterFunc(o.opts.ResizeDelay, func() { o.flushResize(gen) })
	}
}

func (o *Orchestrator) flushResize(gen uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.gen {
		return
	}
	o.resizeTimer = nil
	if o.state == Idle || o.state == Disposed {
		return
	}
	o.width, o.height = o.pendingW, o.pendingH
	set := o.identity.Indicators
	layout := ComputeLayout(o.height, set.RSI, set.MACD)
	for _, p := range o.panes {
		h := layout.Main
		switch p.name {
		case "rsi":
			h = layout.RSI
		case "macd":
			h = layout.MACD
		}
		if err := p.widget.Resize(o.width, h); err != nil {
			o.log.Warn("widget resize failed", "pane", p.name, "error", err)
		}
	}
}

// Teardown stops the live loop, disposes every widget and detaches all
// listeners. Safe to call any number of times.
func (o *Orchestrator) Teardown() {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	o.teardown()
}

// Close tears down and rejects further Apply calls.
func (o *Orchestrator) Close() {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	o.teardown()
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
}

// teardown requires opMu. The live loop is cancelled and waited for
// before any widget is removed.
func (o *Orchestrator) teardown() {
	o.mu.Lock()
	if o.state == Idle || o.state == Disposed {
		o.mu.Unlock()
		return
	}
	o.gen++
	cancel, done := o.cancel, o.done
	o.cancel, o.done = nil, nil
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.resizeTimer != nil {
		o.resizeTimer.Stop()
		o.resizeTimer = nil
	}
	for i := len(o.panes) - 1; i >= 0; i-- {
		o.removePane(o.panes[i])
	}
	if o.unsubCross != nil {
		o.unsubCross()
		o.unsubCross = nil
	}
	if o.unsubResize != nil {
		o.unsubResize()
		o.unsubResize = nil
	}
	o.panes = nil
	o.lines = lines{}
	o.bars = nil
	o.ind = nil
	o.source = nil
	o.loading = false
	o.state = Disposed
	o.opts.Metrics.ChartTornDown()
	o.log.Info("chart torn down", "key", o.key)
}

func (o *Orchestrator) removePane(p pane) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Warn("widget remove panicked", "pane", p.name, "panic", r)
		}
	}()
	if err := p.widget.Remove(); err != nil {
		o.log.Warn("widget remove failed", "pane", p.name, "error", err)
	}
}

// Snapshot returns the current state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	set := o.identity.Indicators
	s := Snapshot{
		State:    o.state.String(),
		Identity: o.identity,
		Key:      o.key,
		Bars:     len(o.bars),
		Panes:    ComputeLayout(o.height, set.RSI, set.MACD),
		Stale:    o.stale,
	}
	if n := len(o.bars); n > 0 {
		last := o.bars[n-1]
		s.Last = &last
	}
	return s
}

func pricePoint(b model.Bar) DataPoint {
	return DataPoint{
		Time:  b.Time,
		Value: b.Close,
		OHLC:  &OHLC{Open: b.Open, High: b.High, Low: b.Low, Close: b.Close},
	}
}

func volumePoint(b model.Bar, theme model.Theme) DataPoint {
	c := theme.Up
	if b.Close < b.Open {
		c = theme.Down
	}
	return DataPoint{Time: b.Time, Value: float64(b.Volume), Color: c}
}

func signColor(v float64, theme model.Theme) string {
	if v < 0 {
		return theme.Down
	}
	return theme.Up
}

// defined pairs values with bar times, dropping NaN entries.
func defined(bars []model.Bar, values []float64) []DataPoint {
	if values == nil {
		return nil
	}
	out := make([]DataPoint, 0, len(values))
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out = append(out, DataPoint{Time: bars[i].Time, Value: v})
	}
	return out
}
