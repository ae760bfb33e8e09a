package gateway

import (
	"errors"
	"fmt"
	"sync"

	"chartdesk/internal/chart"
	"chartdesk/internal/drawing"
)

var (
	errWidgetRemoved = errors.New("widget already removed")
	errSendDropped   = errors.New("client send buffer full")
)

// sender delivers one envelope to the browser and reports whether it was
// queued.
type sender interface {
	send(env Envelope) bool
}

// remoteFactory implements chart.WidgetFactory by forwarding every widget
// operation to the browser renderer.
type remoteFactory struct {
	out sender

	mu      sync.Mutex
	next    int
	widgets map[string]*remoteWidget
}

func newRemoteFactory(out sender) *remoteFactory {
	return &remoteFactory{out: out, widgets: make(map[string]*remoteWidget)}
}

func (f *remoteFactory) CreateChart(c chart.Container, opts chart.ChartOptions) (chart.Widget, error) {
	f.mu.Lock()
	f.next++
	w := &remoteWidget{id: fmt.Sprintf("c%d", f.next), f: f}
	f.widgets[w.id] = w
	f.mu.Unlock()

	container := ""
	if c != nil {
		container = c.ID()
	}
	if !f.out.send(Envelope{Type: "widget", Op: "create", Chart: w.id, Data: map[string]any{
		"container": container,
		"options":   opts,
	}}) {
		f.forget(w.id)
		return nil, errSendDropped
	}
	return w, nil
}

func (f *remoteFactory) forget(id string) {
	f.mu.Lock()
	delete(f.widgets, id)
	f.mu.Unlock()
}

// crosshair routes a browser crosshair event to the widget's subscriber.
func (f *remoteFactory) crosshair(chartID string, t int64) {
	f.mu.Lock()
	w := f.widgets[chartID]
	f.mu.Unlock()
	if w == nil {
		return
	}
	w.mu.Lock()
	fn := w.cross
	w.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

func (f *remoteFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.widgets)
}

type remoteWidget struct {
	id string
	f  *remoteFactory

	mu      sync.Mutex
	removed bool
	cross   func(int64)
}

func (w *remoteWidget) alive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.removed
}

func (w *remoteWidget) emit(env Envelope) error {
	if !w.alive() {
		return errWidgetRemoved
	}
	env.Type = "widget"
	env.Chart = w.id
	if !w.f.out.send(env) {
		return errSendDropped
	}
	return nil
}

func (w *remoteWidget) AddSeries(kind chart.SeriesKind, opts chart.SeriesOptions) (chart.Series, error) {
	s := &remoteSeries{w: w, id: w.id + "." + opts.Name}
	err := w.emit(Envelope{Op: "add", Series: s.id, Data: map[string]any{
		"kind":    kind,
		"options": opts,
	}})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (w *remoteWidget) Resize(width, height int) error {
	return w.emit(Envelope{Op: "resize", Data: map[string]int{"width": width, "height": height}})
}

func (w *remoteWidget) Remove() error {
	w.mu.Lock()
	if w.removed {
		w.mu.Unlock()
		return errWidgetRemoved
	}
	w.removed = true
	w.cross = nil
	w.mu.Unlock()

	w.f.forget(w.id)
	w.f.out.send(Envelope{Type: "widget", Op: "remove", Chart: w.id})
	return nil
}

func (w *remoteWidget) SubscribeCrosshairMove(fn func(int64)) func() {
	w.mu.Lock()
	w.cross = fn
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		w.cross = nil
		w.mu.Unlock()
	}
}

type remoteSeries struct {
	w  *remoteWidget
	id string
}

func (s *remoteSeries) SetData(points []chart.DataPoint) error {
	return s.w.emit(Envelope{Op: "setData", Series: s.id, Data: points})
}

func (s *remoteSeries) Update(p chart.DataPoint) error {
	return s.w.emit(Envelope{Op: "update", Series: s.id, Data: p})
}

// remoteContainer is the browser element hosting the chart. Its size is
// whatever the browser last reported.
type remoteContainer struct {
	id string

	mu        sync.Mutex
	w, h      int
	next      int
	listeners map[int]func(int, int)
}

func newRemoteContainer(id string) *remoteContainer {
	return &remoteContainer{id: id, listeners: make(map[int]func(int, int))}
}

func (c *remoteContainer) ID() string { return c.id }

func (c *remoteContainer) Size() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w, c.h
}

func (c *remoteContainer) OnResize(fn func(int, int)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.next
	c.next++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// resize records the new size and notifies every listener. Repeated
// reports of an unchanged size are dropped.
func (c *remoteContainer) resize(w, h int) {
	c.mu.Lock()
	if w == c.w && h == c.h {
		c.mu.Unlock()
		return
	}
	c.w, c.h = w, h
	fns := make([]func(int, int), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(w, h)
	}
}

// setSize records a size without notifying, used before the first build.
func (c *remoteContainer) setSize(w, h int) {
	c.mu.Lock()
	c.w, c.h = w, h
	c.mu.Unlock()
}

// remoteSurface implements drawing.Surface over the client connection.
type remoteSurface struct {
	out sender
}

func (s remoteSurface) overlay(op string, data any) {
	s.out.send(Envelope{Type: "overlay", Op: op, Data: data})
}

func (s remoteSurface) SetCursor(cursor string) { s.overlay("cursor", cursor) }
func (s remoteSurface) Render(shapes []drawing.Shape) { s.overlay("render", renderShapes(shapes)) }
func (s remoteSurface) ShowSnap(p drawing.Point) { s.overlay("snap", p) }
func (s remoteSurface) SetInteractive(on bool) { s.overlay("interactive", on) }
func (s remoteSurface) SetVisible(on bool) { s.overlay("visible", on) }

// renderedShape adds the presentation fields the browser needs and that
// are not persisted.
type renderedShape struct {
	drawing.Shape
	Selected  bool               `json:"selected,omitempty"`
	FibLevels []drawing.FibLevel `json:"fibLevels,omitempty"`
}

func renderShapes(shapes []drawing.Shape) []renderedShape {
	out := make([]renderedShape, len(shapes))
	for i, s := range shapes {
		out[i] = renderedShape{Shape: s, Selected: s.Selected, FibLevels: s.FibLevels()}
	}
	return out
}
