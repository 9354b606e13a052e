package canvas

import (
	"github.com/petal-labs/petalboard"
)

// HitKind identifies what a pointer-down landed on.
type HitKind int

const (
	HitCanvas HitKind = iota
	HitCollapseToggle
	HitDescription
	HitDeleteStep
	HitOutputHandle
	HitConnectionDelete
	HitStepBody
)

// Hit is the result of a hit test.
type Hit struct {
	Kind         HitKind
	StepID       string
	ConnectionID string
}

// HitTester probes a graph-space point against the board's interactive
// targets. Smaller, more specific targets overlap larger ones, so probing
// runs in fixed passes: collapse toggle, description text, delete control
// (selected step only), output handle (selected step only), connection
// midpoint delete (connections touching the selected step), step body,
// empty canvas. The pass order is load-bearing.
type HitTester struct {
	Board    *petalboard.Board
	Selected string

	// SizeOf supplies the current rendered size per step, including any
	// edit-time growth. Defaults to StepSize with no editing.
	SizeOf func(petalboard.Step) Size

	// ShowsMessages reports whether a step currently renders a message
	// feed (and therefore its collapse toggle). Nil means no step does.
	ShowsMessages func(stepID string) bool
}

func (h *HitTester) sizeOf(s petalboard.Step) Size {
	if h.SizeOf != nil {
		return h.SizeOf(s)
	}
	return StepSize(s, false, "")
}

// Test probes a point in graph space and returns the topmost target.
func (h *HitTester) Test(p Point) Hit {
	steps := h.Board.Steps()

	// Later-added steps render on top; probe them first within each pass.
	probeOrder := make([]petalboard.Step, len(steps))
	for i, s := range steps {
		probeOrder[len(steps)-1-i] = s
	}
	bounds := make(map[string]Rect, len(steps))
	for _, s := range steps {
		bounds[s.ID] = StepBounds(s, h.sizeOf(s))
	}

	if h.ShowsMessages != nil {
		for _, s := range probeOrder {
			if h.ShowsMessages(s.ID) && CollapseToggleRect(bounds[s.ID]).Contains(p) {
				return Hit{Kind: HitCollapseToggle, StepID: s.ID}
			}
		}
	}

	for _, s := range probeOrder {
		if DescriptionRect(bounds[s.ID]).Contains(p) {
			return Hit{Kind: HitDescription, StepID: s.ID}
		}
	}

	if h.Selected != "" {
		if b, ok := bounds[h.Selected]; ok {
			if DeleteControlRect(b).Contains(p) {
				return Hit{Kind: HitDeleteStep, StepID: h.Selected}
			}
			if OutputHandleRect(b).Contains(p) {
				return Hit{Kind: HitOutputHandle, StepID: h.Selected}
			}
		}

		for _, c := range h.Board.ConnectionsTouching(h.Selected) {
			fromB, okFrom := bounds[c.From]
			toB, okTo := bounds[c.To]
			if !okFrom || !okTo {
				continue
			}
			if withinRadius(p, ConnectionMidpoint(fromB, toB), MidpointHitRadius) {
				return Hit{Kind: HitConnectionDelete, ConnectionID: c.ID}
			}
		}
	}

	for _, s := range probeOrder {
		if bounds[s.ID].Contains(p) {
			return Hit{Kind: HitStepBody, StepID: s.ID}
		}
	}

	return Hit{Kind: HitCanvas}
}

// StepAt returns the topmost step whose body contains the point, used for
// snapping an in-progress connection to a hover target.
func (h *HitTester) StepAt(p Point) (string, bool) {
	steps := h.Board.Steps()
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		if StepBounds(s, h.sizeOf(s)).Contains(p) {
			return s.ID, true
		}
	}
	return "", false
}
