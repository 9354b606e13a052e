package canvas

import (
	"strings"

	"github.com/petal-labs/petalboard"
)

// Base step card dimensions and control sizes, in graph-space units.
const (
	stepBaseWidth  = 180.0
	stepBaseHeight = 88.0
	stepMaxWidth   = 280.0

	// Approximate glyph metrics for the card's description font. Only
	// relative proportions matter: the renderer uses the same constants.
	charWidth  = 7.2
	lineHeight = 18.0

	handleSize        = 14.0
	deleteControlSize = 16.0
	collapseSize      = 14.0
	descPadding       = 10.0
	descTopInset      = 34.0 // below the agent-name header

	// MidpointHitRadius is the hit radius around a connection's midpoint
	// delete control.
	MidpointHitRadius = 10.0
)

// StepSize returns the rendered card size for a step. While the step's
// description is being edited the card grows to fit the edit buffer, so the
// text never clips; the hit-tester and renderer must both call this with
// the same editing state or clicks will land on stale geometry.
func StepSize(step petalboard.Step, editing bool, editText string) Size {
	text := step.Description
	if editing {
		text = editText
	}
	if text == "" {
		return Size{W: stepBaseWidth, H: stepBaseHeight}
	}

	maxChars := 0
	lines := 0
	perLineF := (stepMaxWidth - 2*descPadding) / charWidth
	perLine := int(perLineF)
	for _, raw := range strings.Split(text, "\n") {
		n := len([]rune(raw))
		if n > maxChars {
			maxChars = n
		}
		wrapped := (n + perLine - 1) / perLine
		if wrapped < 1 {
			wrapped = 1
		}
		lines += wrapped
	}

	w := stepBaseWidth
	if needed := float64(maxChars)*charWidth + 2*descPadding; needed > w {
		w = needed
	}
	if w > stepMaxWidth {
		w = stepMaxWidth
	}

	h := stepBaseHeight
	if extra := float64(lines-1) * lineHeight; extra > 0 {
		h += extra
	}
	return Size{W: w, H: h}
}

// StepBounds returns the step's card rectangle in graph space. A step's
// position is the card center.
func StepBounds(step petalboard.Step, size Size) Rect {
	return Rect{
		X: step.X - size.W/2,
		Y: step.Y - size.H/2,
		W: size.W,
		H: size.H,
	}
}

// OutputHandleRect is the connection-drag source on the card's right edge.
func OutputHandleRect(bounds Rect) Rect {
	return Rect{
		X: bounds.X + bounds.W - handleSize/2,
		Y: bounds.Y + bounds.H/2 - handleSize/2,
		W: handleSize,
		H: handleSize,
	}
}

// DeleteControlRect is the step delete control at the card's top-right
// corner, shown only for the selected step.
func DeleteControlRect(bounds Rect) Rect {
	return Rect{
		X: bounds.X + bounds.W - deleteControlSize/2,
		Y: bounds.Y - deleteControlSize/2,
		W: deleteControlSize,
		H: deleteControlSize,
	}
}

// DescriptionRect is the editable instruction-text region of the card.
func DescriptionRect(bounds Rect) Rect {
	return Rect{
		X: bounds.X + descPadding,
		Y: bounds.Y + descTopInset,
		W: bounds.W - 2*descPadding,
		H: bounds.H - descTopInset - descPadding,
	}
}

// CollapseToggleRect is the message expand/collapse control hanging under
// the card, present while a step shows live messages.
func CollapseToggleRect(bounds Rect) Rect {
	return Rect{
		X: bounds.X + bounds.W - collapseSize - descPadding,
		Y: bounds.Y + bounds.H + 4,
		W: collapseSize,
		H: collapseSize,
	}
}

// ConnectionMidpoint returns the point halfway along a connection, where
// its delete control renders.
func ConnectionMidpoint(from, to Rect) Point {
	a := Point{from.X + from.W, from.Y + from.H/2} // output edge
	b := Point{to.X, to.Y + to.H/2}                // input edge
	return Point{(a.X + b.X) / 2, (a.Y + b.Y) / 2}
}

// withinRadius reports whether p lies within r of center.
func withinRadius(p, center Point, r float64) bool {
	dx := p.X - center.X
	dy := p.Y - center.Y
	return dx*dx+dy*dy <= r*r
}
