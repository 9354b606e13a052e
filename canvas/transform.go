// Package canvas implements the spatial interaction model over a board:
// the zoom/pan viewport transform, per-step screen geometry, priority
// hit-testing, the pointer gesture state machine, and in-place description
// text editing.
//
// Everything here is geometry and state; drawing is left to whatever 2D
// facility hosts the board. A renderer and the hit-tester must derive step
// geometry from the same functions or clicks will miss their targets.
package canvas

// Zoom clamp range. Values outside it make the board unusable.
const (
	MinZoom = 0.3
	MaxZoom = 3.0
)

// Point is a 2D coordinate, in screen or graph space depending on context.
type Point struct {
	X, Y float64
}

// Add returns p translated by q.
func (p Point) Add(q Point) Point {
	return Point{p.X + q.X, p.Y + q.Y}
}

// Sub returns p minus q.
func (p Point) Sub(q Point) Point {
	return Point{p.X - q.X, p.Y - q.Y}
}

// Size is a width/height pair in graph space.
type Size struct {
	W, H float64
}

// Rect is an axis-aligned rectangle in graph space.
type Rect struct {
	X, Y, W, H float64
}

// Contains reports whether the point lies inside the rectangle.
func (r Rect) Contains(p Point) bool {
	return p.X >= r.X && p.X <= r.X+r.W && p.Y >= r.Y && p.Y <= r.Y+r.H
}

// Center returns the rectangle's center point.
func (r Rect) Center() Point {
	return Point{r.X + r.W/2, r.Y + r.H/2}
}

// Viewport holds the zoom/pan transform between screen coordinates and
// graph space. The transform is:
//
//	graph = (screen - canvasCenter - pan) / zoom
type Viewport struct {
	Zoom   float64
	Pan    Point // screen-space offset
	Width  float64
	Height float64
}

// NewViewport creates a viewport over a canvas of the given pixel size.
func NewViewport(width, height float64) *Viewport {
	return &Viewport{Zoom: 1, Width: width, Height: height}
}

// Resize updates the canvas dimensions, keeping zoom and pan.
func (v *Viewport) Resize(width, height float64) {
	v.Width = width
	v.Height = height
}

func (v *Viewport) center() Point {
	return Point{v.Width / 2, v.Height / 2}
}

// ToGraph converts a screen coordinate to graph space.
func (v *Viewport) ToGraph(screen Point) Point {
	c := v.center()
	return Point{
		X: (screen.X - c.X - v.Pan.X) / v.Zoom,
		Y: (screen.Y - c.Y - v.Pan.Y) / v.Zoom,
	}
}

// ToScreen converts a graph coordinate to screen space.
func (v *Viewport) ToScreen(graph Point) Point {
	c := v.center()
	return Point{
		X: graph.X*v.Zoom + c.X + v.Pan.X,
		Y: graph.Y*v.Zoom + c.Y + v.Pan.Y,
	}
}

// PanBy shifts the viewport by a screen-space displacement. Pan is
// zoom-independent: dragging the canvas 50px moves it 50px at any zoom.
func (v *Viewport) PanBy(dx, dy float64) {
	v.Pan.X += dx
	v.Pan.Y += dy
}

// SetZoom sets the zoom factor, clamped to [MinZoom, MaxZoom].
func (v *Viewport) SetZoom(z float64) {
	v.Zoom = clampZoom(z)
}

// ZoomBy multiplies the current zoom by a factor, clamped.
func (v *Viewport) ZoomBy(factor float64) {
	v.SetZoom(v.Zoom * factor)
}

func clampZoom(z float64) float64 {
	if z < MinZoom {
		return MinZoom
	}
	if z > MaxZoom {
		return MaxZoom
	}
	return z
}
