package drawing

import (
	"errors"
	"fmt"
	"math"

	"chartdesk/internal/model"
)

// ErrInvalidShape is returned when an imported shape fails validation.
var ErrInvalidShape = errors.New("invalid shape")

// Point is a position in overlay pixel space. Y grows downwards.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (p Point) add(dx, dy float64) Point { return Point{p.X + dx, p.Y + dy} }

// Style is the stroke and fill used to render a shape.
type Style struct {
	Stroke  string    `json:"stroke"`
	Width   float64   `json:"width"`
	Dash    []float64 `json:"dash,omitempty"`
	Opacity float64   `json:"opacity"`
	Fill    string    `json:"fill,omitempty"`
}

// Shape is one committed drawing. Geometry is stored in overlay pixels and
// does not follow chart pan or zoom.
//
// Point layout per kind: polygon has three or more vertices, text has one
// anchor, every other kind has two (start, end).
type Shape struct {
	ID       string     `json:"id"`
	Kind     model.Tool `json:"kind"`
	Points   []Point    `json:"points"`
	Text     string     `json:"text,omitempty"`
	Style    Style      `json:"style"`
	Selected bool       `json:"-"`
	Locked   bool       `json:"locked,omitempty"`
}

func (s Shape) clone() Shape {
	s.Points = append([]Point(nil), s.Points...)
	s.Style.Dash = append([]float64(nil), s.Style.Dash...)
	return s
}

// Validate checks the kind, the number of points and that every
// coordinate is finite.
func (s Shape) Validate() error {
	if !s.Kind.Drawing() || s.Kind.String() == "unknown" {
		return fmt.Errorf("%w: kind %v", ErrInvalidShape, s.Kind)
	}
	want := 2
	switch s.Kind {
	case model.ToolPolygon:
		if len(s.Points) < 3 {
			return fmt.Errorf("%w: polygon needs at least 3 points, got %d", ErrInvalidShape, len(s.Points))
		}
		want = len(s.Points)
	case model.ToolText:
		want = 1
	}
	if len(s.Points) != want {
		return fmt.Errorf("%w: %s needs %d points, got %d", ErrInvalidShape, s.Kind, want, len(s.Points))
	}
	for _, p := range s.Points {
		if !finite(p.X) || !finite(p.Y) {
			return fmt.Errorf("%w: non-finite point", ErrInvalidShape)
		}
	}
	if s.Style.Width < 0 || s.Style.Opacity < 0 || s.Style.Opacity > 1 {
		return fmt.Errorf("%w: style out of range", ErrInvalidShape)
	}
	return nil
}

func (s *Shape) translate(dx, dy float64) {
	for i := range s.Points {
		s.Points[i] = s.Points[i].add(dx, dy)
	}
}

// Bounds returns the axis-aligned bounding box of the shape's points.
func (s Shape) Bounds() (lo, hi Point) {
	if len(s.Points) == 0 {
		return
	}
	lo, hi = s.Points[0], s.Points[0]
	for _, p := range s.Points[1:] {
		lo.X = math.Min(lo.X, p.X)
		lo.Y = math.Min(lo.Y, p.Y)
		hi.X = math.Max(hi.X, p.X)
		hi.Y = math.Max(hi.Y, p.Y)
	}
	return lo, hi
}

// TriangleVertices returns the isosceles triangle inscribed in the box
// spanned by the shape's two points: apex at the top centre.
func (s Shape) TriangleVertices() [3]Point {
	lo, hi := s.Bounds()
	return [3]Point{
		{(lo.X + hi.X) / 2, lo.Y},
		{hi.X, hi.Y},
		{lo.X, hi.Y},
	}
}

// FibRatios are the retracement levels drawn by the fibonacci tool.
var FibRatios = []float64{0, 0.236, 0.382, 0.5, 0.618, 0.786, 1}

// FibLevel is one horizontal retracement line.
type FibLevel struct {
	Ratio float64 `json:"ratio"`
	Y     float64 `json:"y"`
}

// FibLevels returns the retracement lines between the end point (ratio 0)
// and the start point (ratio 1). Non-fibonacci shapes have none.
func (s Shape) FibLevels() []FibLevel {
	if s.Kind != model.ToolFibonacci || len(s.Points) != 2 {
		return nil
	}
	start, end := s.Points[0], s.Points[1]
	out := make([]FibLevel, len(FibRatios))
	for i, r := range FibRatios {
		out[i] = FibLevel{Ratio: r, Y: end.Y + (start.Y-end.Y)*r}
	}
	return out
}

const (
	hitTolerance = 6.0
	charWidth    = 7.0
	lineHeight   = 16.0
)

// Hit reports whether p touches the shape.
func (s Shape) Hit(p Point) bool {
	tol := hitTolerance + s.Style.Width/2
	switch s.Kind {
	case model.ToolTrendline, model.ToolArrow:
		return segmentDistance(p, s.Points[0], s.Points[1]) <= tol
	case model.ToolHorizontal:
		return math.Abs(p.Y-s.Points[0].Y) <= tol
	case model.ToolVertical:
		return math.Abs(p.X-s.Points[0].X) <= tol
	case model.ToolRectangle, model.ToolFibonacci:
		lo, hi := s.Bounds()
		return p.X >= lo.X-tol && p.X <= hi.X+tol && p.Y >= lo.Y-tol && p.Y <= hi.Y+tol
	case model.ToolEllipse:
		lo, hi := s.Bounds()
		rx, ry := (hi.X-lo.X)/2+tol, (hi.Y-lo.Y)/2+tol
		cx, cy := (lo.X+hi.X)/2, (lo.Y+hi.Y)/2
		dx, dy := (p.X-cx)/rx, (p.Y-cy)/ry
		return dx*dx+dy*dy <= 1
	case model.ToolTriangle:
		v := s.TriangleVertices()
		return inPolygon(p, v[:]) || nearOutline(p, v[:], tol)
	case model.ToolPolygon:
		return inPolygon(p, s.Points) || nearOutline(p, s.Points, tol)
	case model.ToolText:
		a := s.Points[0]
		w := math.Max(float64(len(s.Text)), 1) * charWidth
		return p.X >= a.X-tol && p.X <= a.X+w+tol && p.Y >= a.Y-lineHeight-tol && p.Y <= a.Y+tol
	}
	return false
}

func segmentDistance(p, a, b Point) float64 {
	dx, dy := b.X-a.X, b.Y-a.Y
	if dx == 0 && dy == 0 {
		return math.Hypot(p.X-a.X, p.Y-a.Y)
	}
	t := ((p.X-a.X)*dx + (p.Y-a.Y)*dy) / (dx*dx + dy*dy)
	t = math.Max(0, math.Min(1, t))
	return math.Hypot(p.X-(a.X+t*dx), p.Y-(a.Y+t*dy))
}

// inPolygon is the even-odd ray casting test.
func inPolygon(p Point, poly []Point) bool {
	in := false
	for i, j := 0, len(poly)-1; i < len(poly); j, i = i, i+1 {
		a, b := poly[i], poly[j]
		if (a.Y > p.Y) != (b.Y > p.Y) && p.X < (b.X-a.X)*(p.Y-a.Y)/(b.Y-a.Y)+a.X {
			in = !in
		}
	}
	return in
}

func nearOutline(p Point, poly []Point, tol float64) bool {
	for i := range poly {
		if segmentDistance(p, poly[i], poly[(i+1)%len(poly)]) <= tol {
			return true
		}
	}
	return false
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
