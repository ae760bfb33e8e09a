// Package drawing implements the chart overlay drawing engine: tool
// selection, gesture handling, grid snap, selection, drag and persistence
// of user shapes.
//
// All geometry lives in overlay pixel space. Shapes do not track chart pan
// or zoom; a shell that needs that must re-import shapes after converting
// them itself.
package drawing

import (
	"log/slog"
	"math"
	"sync"

	"chartdesk/internal/metrics"
	"chartdesk/internal/model"

	"github.com/google/uuid"
)

// Surface is the overlay the engine draws on. Implementations forward the
// calls to whatever renders pixels (a browser canvas via the gateway, or a
// recorder in tests).
type Surface interface {
	SetCursor(cursor string)
	Render(shapes []Shape)
	ShowSnap(p Point)
	SetInteractive(on bool)
	SetVisible(on bool)
}

// PointerEvent is one pointer gesture. Detail is the click count, so a
// double click arrives as a down with Detail 2.
type PointerEvent struct {
	Point  Point `json:"point"`
	Detail int   `json:"detail"`
}

// Palette holds the default colours for new shapes.
type Palette struct {
	Stroke string
	Fill   string
}

// Options configures an Engine.
type Options struct {
	GridSize      float64
	SnapThreshold float64
	SelectCursor  model.CursorStyle
	Colors        Palette
	DefaultText   string

	Metrics *metrics.Metrics
	Logger  *slog.Logger
	NewID   func() string
}

func (o *Options) defaults() {
	if o.GridSize <= 0 {
		o.GridSize = 20
	}
	if o.SnapThreshold < 0 {
		o.SnapThreshold = 0
	}
	if o.SelectCursor == "" {
		o.SelectCursor = model.CursorDefault
	}
	if o.Colors.Stroke == "" {
		o.Colors.Stroke = "#2962ff"
	}
	if o.Colors.Fill == "" {
		o.Colors.Fill = "rgba(41,98,255,0.1)"
	}
	if o.DefaultText == "" {
		o.DefaultText = "Text"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
}

// Engine owns the shape map of one overlay. Safe for concurrent use; every
// handler is a no-op once the engine is detached.
type Engine struct {
	mu   sync.Mutex
	opts Options
	log  *slog.Logger

	surface  Surface
	disposed bool

	shapes map[string]*Shape
	order  []string // z-order, last is topmost

	tool     model.Tool
	locked   bool
	visible  bool
	selected string

	draft    *Shape // single-gesture shape between down and up
	poly     *Shape // open polygon; last point is the preview vertex
	dragging bool
	dragLast Point
}

// New creates a detached engine with the select tool active.
func New(opts Options) *Engine {
	opts.defaults()
	return &Engine{
		opts:    opts,
		log:     opts.Logger.With("component", "drawing"),
		shapes:  make(map[string]*Shape),
		tool:    model.ToolSelect,
		visible: true,
	}
}

// Attach binds the engine to a surface and pushes the current state to it.
func (e *Engine) Attach(s Surface) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.surface = s
	e.disposed = false
	s.SetCursor(e.cursorLocked())
	s.SetInteractive(!e.locked)
	s.SetVisible(e.visible)
	e.renderLocked()
}

// Detach releases the surface. Shapes are kept; later events are ignored
// until the next Attach.
func (e *Engine) Detach() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelGestureLocked()
	e.surface = nil
	e.disposed = true
}

// SetTool switches the active tool. Any gesture in progress is abandoned.
func (e *Engine) SetTool(t model.Tool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t.String() == "unknown" {
		return
	}
	e.cancelGestureLocked()
	e.tool = t
	if t.Drawing() {
		e.deselectLocked()
	}
	if e.surface != nil {
		e.surface.SetCursor(e.cursorLocked())
	}
	e.renderLocked()
}

// Tool returns the active tool.
func (e *Engine) Tool() model.Tool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tool
}

// SetSelectCursor changes the cursor shown while the select tool is active.
func (e *Engine) SetSelectCursor(c model.CursorStyle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opts.SelectCursor = c
	if e.surface != nil {
		e.surface.SetCursor(e.cursorLocked())
	}
}

func (e *Engine) cursorLocked() string {
	if e.tool.Drawing() {
		return string(model.CursorCrosshair)
	}
	return string(e.opts.SelectCursor)
}

// IsMultiPointDrawing reports whether a polygon is being collected.
func (e *Engine) IsMultiPointDrawing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.poly != nil
}

func (e *Engine) active() bool {
	return !e.disposed && e.surface != nil && !e.locked && e.visible
}

// PointerDown starts a gesture.
func (e *Engine) PointerDown(ev PointerEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active() {
		return
	}

	switch {
	case e.tool == model.ToolSelect:
		e.selectAtLocked(ev.Point)
	case e.tool.MultiPoint():
		e.polygonDownLocked(ev)
	default:
		p := e.snapLocked(ev.Point)
		s := e.newShapeLocked(e.tool)
		if e.tool == model.ToolText {
			s.Points = []Point{p}
			s.Text = e.opts.DefaultText
		} else {
			s.Points = []Point{p, p}
		}
		e.draft = s
	}
	e.renderLocked()
}

// PointerMove updates a drag, a draft or the polygon preview.
func (e *Engine) PointerMove(ev PointerEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active() {
		return
	}

	switch {
	case e.dragging:
		s, ok := e.shapes[e.selected]
		if !ok {
			e.dragging = false
			return
		}
		s.translate(ev.Point.X-e.dragLast.X, ev.Point.Y-e.dragLast.Y)
		e.dragLast = ev.Point
	case e.draft != nil:
		if e.draft.Kind == model.ToolText {
			return
		}
		e.draft.Points[len(e.draft.Points)-1] = e.snapLocked(ev.Point)
	case e.poly != nil:
		e.poly.Points[len(e.poly.Points)-1] = e.snapLocked(ev.Point)
	default:
		return
	}
	e.renderLocked()
}

// PointerUp ends a drag or commits the single-gesture draft. Without a
// preceding down it does nothing.
func (e *Engine) PointerUp(ev PointerEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return
	}

	switch {
	case e.dragging:
		e.dragging = false
	case e.draft != nil:
		s := e.draft
		e.draft = nil
		if s.Kind != model.ToolText {
			s.Points[len(s.Points)-1] = e.snapLocked(ev.Point)
		}
		e.commitLocked(s)
	default:
		return
	}
	e.renderLocked()
}

func (e *Engine) polygonDownLocked(ev PointerEvent) {
	p := e.snapLocked(ev.Point)
	if e.poly == nil {
		s := e.newShapeLocked(model.ToolPolygon)
		s.Points = []Point{p, p}
		e.poly = s
		return
	}

	vertices := e.poly.Points[:len(e.poly.Points)-1]
	if ev.Detail >= 2 {
		if len(vertices) >= 3 {
			e.poly.Points = append([]Point(nil), vertices...)
			s := e.poly
			e.poly = nil
			e.commitLocked(s)
		}
		return
	}
	if last := vertices[len(vertices)-1]; last == p {
		return
	}
	e.poly.Points = append(vertices, p, p)
}

// FinishPolygon closes the open polygon if it has at least three vertices.
func (e *Engine) FinishPolygon() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.poly == nil || e.disposed {
		return false
	}
	vertices := e.poly.Points[:len(e.poly.Points)-1]
	if len(vertices) < 3 {
		return false
	}
	e.poly.Points = append([]Point(nil), vertices...)
	s := e.poly
	e.poly = nil
	e.commitLocked(s)
	e.renderLocked()
	return true
}

// KeyDown handles Delete/Backspace (remove selection), Escape (abandon
// gesture and deselect) and Enter (close polygon).
func (e *Engine) KeyDown(key string) {
	switch key {
	case "Delete", "Backspace":
		e.DeleteSelected()
	case "Enter":
		e.FinishPolygon()
	case "Escape":
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.disposed {
			return
		}
		e.cancelGestureLocked()
		e.deselectLocked()
		e.renderLocked()
	}
}

func (e *Engine) selectAtLocked(p Point) {
	for i := len(e.order) - 1; i >= 0; i-- {
		s := e.shapes[e.order[i]]
		if s.Locked || !s.Hit(p) {
			continue
		}
		e.deselectLocked()
		s.Selected = true
		e.selected = s.ID
		e.dragging = true
		e.dragLast = p
		return
	}
	e.deselectLocked()
}

func (e *Engine) deselectLocked() {
	if s, ok := e.shapes[e.selected]; ok {
		s.Selected = false
	}
	e.selected = ""
	e.dragging = false
}

// DeleteSelected removes the selected shape. It reports whether a shape was
// removed; with nothing selected it is a no-op.
func (e *Engine) DeleteSelected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed || e.locked || e.selected == "" {
		return false
	}
	e.removeLocked(e.selected)
	e.selected = ""
	e.dragging = false
	e.renderLocked()
	return true
}

// Remove deletes a shape by id.
func (e *Engine) Remove(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.shapes[id]; !ok {
		return false
	}
	e.removeLocked(id)
	if e.selected == id {
		e.selected = ""
		e.dragging = false
	}
	e.renderLocked()
	return true
}

func (e *Engine) removeLocked(id string) {
	delete(e.shapes, id)
	for i, v := range e.order {
		if v == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

// ClearAll empties the shape map unconditionally.
func (e *Engine) ClearAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelGestureLocked()
	e.shapes = make(map[string]*Shape)
	e.order = nil
	e.selected = ""
	e.renderLocked()
}

// Lock disables pointer interaction. Shapes stay visible.
func (e *Engine) Lock(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.locked = on
	if on {
		e.cancelGestureLocked()
		e.deselectLocked()
	}
	if e.surface != nil {
		e.surface.SetInteractive(!on)
	}
	e.renderLocked()
}

// Locked reports whether interaction is disabled.
func (e *Engine) Locked() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.locked
}

// SetVisible hides or shows the whole overlay without touching shapes.
func (e *Engine) SetVisible(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.visible = on
	if !on {
		e.cancelGestureLocked()
	}
	if e.surface != nil {
		e.surface.SetVisible(on)
	}
}

// Visible reports the overlay visibility.
func (e *Engine) Visible() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.visible
}

// Shapes returns copies of the committed shapes in z-order.
func (e *Engine) Shapes() []Shape {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.committedLocked()
}

// Selected returns the selected shape.
func (e *Engine) Selected() (Shape, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.shapes[e.selected]
	if !ok {
		return Shape{}, false
	}
	return s.clone(), true
}

func (e *Engine) committedLocked() []Shape {
	out := make([]Shape, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.shapes[id].clone())
	}
	return out
}

func (e *Engine) newShapeLocked(kind model.Tool) *Shape {
	st := Style{Stroke: e.opts.Colors.Stroke, Width: 2, Opacity: 1}
	switch kind {
	case model.ToolRectangle, model.ToolEllipse, model.ToolTriangle, model.ToolPolygon, model.ToolFibonacci:
		st.Fill = e.opts.Colors.Fill
	}
	if kind == model.ToolFibonacci {
		st.Width = 1
		st.Dash = []float64{4, 4}
	}
	return &Shape{ID: e.opts.NewID(), Kind: kind, Style: st}
}

func (e *Engine) commitLocked(s *Shape) {
	if _, dup := e.shapes[s.ID]; dup {
		s.ID = e.opts.NewID()
	}
	e.shapes[s.ID] = s
	e.order = append(e.order, s.ID)
	e.opts.Metrics.DrawingCommitted(s.Kind.String())
	e.log.Debug("shape committed", "id", s.ID, "kind", s.Kind.String(), "points", len(s.Points))
}

func (e *Engine) cancelGestureLocked() {
	e.draft = nil
	e.poly = nil
	e.dragging = false
}

// snapLocked moves each axis independently to the nearest grid line when
// it lies within the threshold, and flashes the snap marker if it did.
func (e *Engine) snapLocked(p Point) Point {
	g, th := e.opts.GridSize, e.opts.SnapThreshold
	snapped := false
	if x := math.Round(p.X/g) * g; math.Abs(x-p.X) <= th {
		snapped = snapped || x != p.X
		p.X = x
	}
	if y := math.Round(p.Y/g) * g; math.Abs(y-p.Y) <= th {
		snapped = snapped || y != p.Y
		p.Y = y
	}
	if snapped && e.surface != nil {
		e.surface.ShowSnap(p)
	}
	return p
}

func (e *Engine) renderLocked() {
	if e.surface == nil || e.disposed {
		return
	}
	shapes := e.committedLocked()
	if e.draft != nil {
		shapes = append(shapes, e.draft.clone())
	}
	if e.poly != nil {
		shapes = append(shapes, e.poly.clone())
	}
	e.surface.Render(shapes)
}
