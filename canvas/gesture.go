package canvas

import (
	"github.com/petal-labs/petalboard"
)

// GestureState is the mutually exclusive interaction mode. Exactly one is
// active at any instant.
type GestureState int

const (
	StateIdle GestureState = iota
	StatePanning
	StateDraggingStep
	StateCreatingConnection
	StateEditingDescription
)

// KeyCode identifies a non-printing key delivered to the controller.
type KeyCode int

const (
	KeyRune KeyCode = iota
	KeyBackspace
	KeyDelete
	KeyLeft
	KeyRight
	KeyHome
	KeyEnd
	KeyEnter
	KeyEscape
)

// Key is one keyboard input: either a printable rune or a control code.
type Key struct {
	Code KeyCode
	Rune rune
}

// ConnectionPreview describes the in-progress connection line the renderer
// draws while a drag from an output handle is active.
type ConnectionPreview struct {
	FromStepID string
	Pointer    Point // graph space
	SnapStepID string
	Snapped    bool
}

// Controller runs the pointer/keyboard gesture state machine over a board
// and viewport. Pointer coordinates arrive in screen space and are
// transformed to graph space before hit-testing.
//
// The controller mutates the board directly; OnChange fires after every
// committed mutation so the host can recompile the program and persist the
// snapshot. OnToggleMessages forwards collapse-toggle clicks to whoever
// owns the live run state.
type Controller struct {
	board *petalboard.Board
	view  *Viewport

	OnChange         func()
	OnToggleMessages func(stepID string)

	// ShowsMessages feeds the hit-tester; nil disables the collapse pass.
	ShowsMessages func(stepID string) bool

	state    GestureState
	selected string

	dragStepID string
	dragOffset Point // pointer-to-center offset, graph space
	dragMoved  bool

	lastPointer Point // screen space, for panning

	connectFrom string
	connectAt   Point
	connectSnap string

	editor       *TextEditor
	editingStep  string
	editOriginal string
}

// NewController creates a gesture controller over a board and viewport.
func NewController(board *petalboard.Board, view *Viewport) *Controller {
	return &Controller{board: board, view: view}
}

// State returns the current gesture state.
func (c *Controller) State() GestureState {
	return c.state
}

// Selected returns the currently selected step ID, if any.
func (c *Controller) Selected() string {
	return c.selected
}

// Editor exposes the live edit buffer while editing a description, for the
// renderer to draw text and cursor. Nil outside editing.
func (c *Controller) Editor() *TextEditor {
	if c.state != StateEditingDescription {
		return nil
	}
	return c.editor
}

// EditingStep returns the step whose description is being edited.
func (c *Controller) EditingStep() string {
	if c.state != StateEditingDescription {
		return ""
	}
	return c.editingStep
}

// Preview returns the in-progress connection preview, if one is active.
func (c *Controller) Preview() (ConnectionPreview, bool) {
	if c.state != StateCreatingConnection {
		return ConnectionPreview{}, false
	}
	return ConnectionPreview{
		FromStepID: c.connectFrom,
		Pointer:    c.connectAt,
		SnapStepID: c.connectSnap,
		Snapped:    c.connectSnap != "",
	}, true
}

// hitTester builds a tester that sizes the edited step from the live edit
// buffer, keeping hit geometry identical to rendered geometry.
func (c *Controller) hitTester() *HitTester {
	return &HitTester{
		Board:         c.board,
		Selected:      c.selected,
		ShowsMessages: c.ShowsMessages,
		SizeOf: func(s petalboard.Step) Size {
			if c.state == StateEditingDescription && s.ID == c.editingStep {
				return StepSize(s, true, c.editor.Text())
			}
			return StepSize(s, false, "")
		},
	}
}

// PointerDown feeds a pointer press in screen coordinates.
func (c *Controller) PointerDown(screen Point) {
	// A press anywhere while editing commits the edit first; the press is
	// then processed against the updated geometry.
	if c.state == StateEditingDescription {
		c.commitEdit()
	}
	if c.state != StateIdle {
		return
	}

	graph := c.view.ToGraph(screen)
	hit := c.hitTester().Test(graph)

	switch hit.Kind {
	case HitCollapseToggle:
		if c.OnToggleMessages != nil {
			c.OnToggleMessages(hit.StepID)
		}

	case HitDescription:
		c.selected = hit.StepID
		step, ok := c.board.StepByID(hit.StepID)
		if !ok {
			return
		}
		c.editingStep = hit.StepID
		c.editOriginal = step.Description
		c.editor = NewTextEditor(step.Description)
		c.state = StateEditingDescription

	case HitDeleteStep:
		if c.board.DeleteStep(hit.StepID) {
			if c.selected == hit.StepID {
				c.selected = ""
			}
			c.changed()
		}

	case HitOutputHandle:
		c.connectFrom = hit.StepID
		c.connectAt = graph
		c.connectSnap = ""
		c.state = StateCreatingConnection

	case HitConnectionDelete:
		if c.board.RemoveConnection(hit.ConnectionID) {
			c.changed()
		}

	case HitStepBody:
		c.selected = hit.StepID
		step, ok := c.board.StepByID(hit.StepID)
		if !ok {
			return
		}
		c.dragStepID = hit.StepID
		c.dragOffset = graph.Sub(Point{step.X, step.Y})
		c.dragMoved = false
		c.state = StateDraggingStep

	case HitCanvas:
		c.selected = ""
		c.lastPointer = screen
		c.state = StatePanning
	}
}

// PointerMove feeds pointer motion in screen coordinates.
func (c *Controller) PointerMove(screen Point) {
	switch c.state {
	case StatePanning:
		c.view.PanBy(screen.X-c.lastPointer.X, screen.Y-c.lastPointer.Y)
		c.lastPointer = screen

	case StateDraggingStep:
		graph := c.view.ToGraph(screen)
		pos := graph.Sub(c.dragOffset)
		if c.board.MoveStep(c.dragStepID, pos.X, pos.Y) {
			c.dragMoved = true
		}

	case StateCreatingConnection:
		graph := c.view.ToGraph(screen)
		c.connectAt = graph
		if id, ok := c.hitTester().StepAt(graph); ok && id != c.connectFrom {
			c.connectSnap = id
		} else {
			c.connectSnap = ""
		}
	}
}

// PointerUp feeds a pointer release in screen coordinates.
func (c *Controller) PointerUp(screen Point) {
	switch c.state {
	case StatePanning:
		c.state = StateIdle

	case StateDraggingStep:
		c.dragStepID = ""
		c.state = StateIdle
		// A press-and-release without motion is a selection, not a move.
		if c.dragMoved {
			c.changed()
		}

	case StateCreatingConnection:
		graph := c.view.ToGraph(screen)
		target, ok := c.hitTester().StepAt(graph)
		c.state = StateIdle
		if ok && target != c.connectFrom {
			// AddConnection already rejects self-loops and duplicates.
			if _, added := c.board.AddConnection(c.connectFrom, target); added {
				c.changed()
			}
		}
		c.connectFrom = ""
		c.connectSnap = ""
	}
}

// KeyPress feeds a keyboard input. Keys are only consumed while editing a
// description; Enter commits, Escape discards.
func (c *Controller) KeyPress(k Key) {
	if c.state != StateEditingDescription {
		return
	}

	switch k.Code {
	case KeyRune:
		c.editor.Insert(k.Rune)
	case KeyBackspace:
		c.editor.Backspace()
	case KeyDelete:
		c.editor.Delete()
	case KeyLeft:
		c.editor.Left()
	case KeyRight:
		c.editor.Right()
	case KeyHome:
		c.editor.Home()
	case KeyEnd:
		c.editor.End()
	case KeyEnter:
		c.commitEdit()
	case KeyEscape:
		c.cancelEdit()
	}
}

func (c *Controller) commitEdit() {
	if c.state != StateEditingDescription {
		return
	}
	if text := c.editor.Text(); text != c.editOriginal {
		if c.board.SetDescription(c.editingStep, text) {
			c.changed()
		}
	}
	c.cancelEdit()
}

func (c *Controller) cancelEdit() {
	c.editor = nil
	c.editingStep = ""
	c.editOriginal = ""
	c.state = StateIdle
}

func (c *Controller) changed() {
	if c.OnChange != nil {
		c.OnChange()
	}
}
