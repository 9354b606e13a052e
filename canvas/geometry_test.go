package canvas

import (
	"strings"
	"testing"

	"github.com/petal-labs/petalboard"
)

func TestStepSizeDefault(t *testing.T) {
	s := petalboard.Step{ID: "s1", AgentName: "Fetch"}

	got := StepSize(s, false, "")
	if got.W != stepBaseWidth || got.H != stepBaseHeight {
		t.Errorf("size = %v, want base %vx%v", got, stepBaseWidth, stepBaseHeight)
	}
}

func TestStepSizeGrowsWithDescription(t *testing.T) {
	short := petalboard.Step{ID: "s1", Description: "hi"}
	long := petalboard.Step{ID: "s2", Description: strings.Repeat("x", 120)}

	a := StepSize(short, false, "")
	b := StepSize(long, false, "")

	if a.W != stepBaseWidth {
		t.Errorf("short width = %v, want base", a.W)
	}
	if b.W != stepMaxWidth {
		t.Errorf("long width = %v, want clamp to %v", b.W, stepMaxWidth)
	}
	if b.H <= a.H {
		t.Errorf("long height %v should exceed short height %v", b.H, a.H)
	}
}

func TestStepSizeUsesEditBufferWhileEditing(t *testing.T) {
	s := petalboard.Step{ID: "s1", Description: "short"}

	plain := StepSize(s, false, "")
	editing := StepSize(s, true, strings.Repeat("y", 200))

	if editing.H <= plain.H {
		t.Errorf("editing height %v should exceed plain height %v", editing.H, plain.H)
	}
}

func TestStepBoundsCentered(t *testing.T) {
	s := petalboard.Step{ID: "s1", X: 100, Y: 50}
	b := StepBounds(s, Size{W: 180, H: 88})

	if c := b.Center(); c.X != 100 || c.Y != 50 {
		t.Errorf("bounds center = %v, want step position", c)
	}
}

func TestControlRectsAttachToBounds(t *testing.T) {
	b := Rect{X: -90, Y: -44, W: 180, H: 88}

	out := OutputHandleRect(b)
	if c := out.Center(); !almostEqual(c.X, 90) || !almostEqual(c.Y, 0) {
		t.Errorf("output handle center = %v, want right-edge middle", c)
	}

	del := DeleteControlRect(b)
	if c := del.Center(); !almostEqual(c.X, 90) || !almostEqual(c.Y, -44) {
		t.Errorf("delete control center = %v, want top-right corner", c)
	}

	desc := DescriptionRect(b)
	if desc.Y <= b.Y {
		t.Error("description region should sit below the header")
	}
	if desc.X+desc.W >= b.X+b.W {
		t.Error("description region should be inset from the card edge")
	}

	col := CollapseToggleRect(b)
	if col.Y <= b.Y+b.H {
		t.Error("collapse toggle should hang below the card")
	}
}

func TestConnectionMidpoint(t *testing.T) {
	from := Rect{X: 0, Y: 0, W: 100, H: 50}
	to := Rect{X: 300, Y: 100, W: 100, H: 50}

	got := ConnectionMidpoint(from, to)
	if !almostEqual(got.X, 200) || !almostEqual(got.Y, 75) {
		t.Errorf("midpoint = %v, want {200 75}", got)
	}
}
