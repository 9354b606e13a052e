package petalboard

import (
	"github.com/google/uuid"
)

// Board is the in-memory graph store: steps (nodes) and connections (edges).
// It is the single source of truth for the workflow being edited.
//
// All mutators are synchronous and run on the caller's goroutine; the engine
// is single-threaded cooperative and render paths read snapshots (Steps,
// Connections), never the internal maps. Mutations that would violate an
// invariant — self-loop, duplicate (from,to) pair, reference to a missing
// step — are rejected as no-ops, not errors: they arise from ordinary,
// possibly-racy user gestures such as releasing a drag slightly off-target.
type Board struct {
	steps     map[string]*Step
	stepOrder []string // preserves insertion order
	conns     []*Connection
	nextOrder int
}

// NewBoard creates an empty board.
func NewBoard() *Board {
	return &Board{
		steps:     make(map[string]*Step),
		stepOrder: make([]string, 0),
		conns:     make([]*Connection, 0),
	}
}

// AddStep creates a step for the given agent at a position in graph space
// and returns it. The step receives a fresh ID and the next fallback order.
func (b *Board) AddStep(agentID, agentName string, x, y float64) *Step {
	s := Step{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		AgentName: agentName,
		X:         x,
		Y:         y,
		Order:     b.nextOrder,
	}
	b.PutStep(s)
	return b.steps[s.ID]
}

// PutStep inserts a fully-specified step, used when loading a stored
// workflow snapshot. Returns false if the ID is empty or already present.
func (b *Board) PutStep(s Step) bool {
	if s.ID == "" {
		return false
	}
	if _, exists := b.steps[s.ID]; exists {
		return false
	}
	cp := s
	b.steps[s.ID] = &cp
	b.stepOrder = append(b.stepOrder, s.ID)
	if s.Order >= b.nextOrder {
		b.nextOrder = s.Order + 1
	}
	return true
}

// MoveStep updates a step's position. Returns false for unknown steps.
func (b *Board) MoveStep(id string, x, y float64) bool {
	s, ok := b.steps[id]
	if !ok {
		return false
	}
	s.X, s.Y = x, y
	return true
}

// SetDescription replaces a step's instruction text.
func (b *Board) SetDescription(id, text string) bool {
	s, ok := b.steps[id]
	if !ok {
		return false
	}
	s.Description = text
	return true
}

// DeleteStep removes a step and every connection incident to it.
func (b *Board) DeleteStep(id string) bool {
	if _, ok := b.steps[id]; !ok {
		return false
	}
	delete(b.steps, id)
	for i, sid := range b.stepOrder {
		if sid == id {
			b.stepOrder = append(b.stepOrder[:i], b.stepOrder[i+1:]...)
			break
		}
	}
	kept := b.conns[:0]
	for _, c := range b.conns {
		if c.From != id && c.To != id {
			kept = append(kept, c)
		}
	}
	b.conns = kept
	return true
}

// AddConnection creates a directed edge between two existing steps.
// Self-loops and duplicate (from,to) pairs are rejected as no-ops.
func (b *Board) AddConnection(from, to string) (*Connection, bool) {
	c := Connection{ID: uuid.NewString(), From: from, To: to}
	if !b.PutConnection(c) {
		return nil, false
	}
	return b.conns[len(b.conns)-1], true
}

// PutConnection inserts a fully-specified connection, used when loading a
// stored snapshot. The same invariants apply as for AddConnection.
func (b *Board) PutConnection(c Connection) bool {
	if c.ID == "" || c.From == c.To {
		return false
	}
	if _, ok := b.steps[c.From]; !ok {
		return false
	}
	if _, ok := b.steps[c.To]; !ok {
		return false
	}
	for _, existing := range b.conns {
		if existing.ID == c.ID {
			return false
		}
		if existing.From == c.From && existing.To == c.To {
			return false
		}
	}
	cp := c
	b.conns = append(b.conns, &cp)
	return true
}

// RemoveConnection deletes a connection by ID.
func (b *Board) RemoveConnection(id string) bool {
	for i, c := range b.conns {
		if c.ID == id {
			b.conns = append(b.conns[:i], b.conns[i+1:]...)
			return true
		}
	}
	return false
}

// Clear removes all steps and connections and resets the fallback ordering.
func (b *Board) Clear() {
	b.steps = make(map[string]*Step)
	b.stepOrder = b.stepOrder[:0]
	b.conns = b.conns[:0]
	b.nextOrder = 0
}

// StepByID retrieves a step by its ID.
func (b *Board) StepByID(id string) (*Step, bool) {
	s, ok := b.steps[id]
	return s, ok
}

// ConnectionByID retrieves a connection by its ID.
func (b *Board) ConnectionByID(id string) (*Connection, bool) {
	for _, c := range b.conns {
		if c.ID == id {
			return c, true
		}
	}
	return nil, false
}

// Steps returns copies of all steps in insertion order.
func (b *Board) Steps() []Step {
	out := make([]Step, 0, len(b.stepOrder))
	for _, id := range b.stepOrder {
		out = append(out, *b.steps[id])
	}
	return out
}

// Connections returns copies of all connections in insertion order.
func (b *Board) Connections() []Connection {
	out := make([]Connection, 0, len(b.conns))
	for _, c := range b.conns {
		out = append(out, *c)
	}
	return out
}

// ConnectionsTouching returns connections where the step is either endpoint.
func (b *Board) ConnectionsTouching(stepID string) []Connection {
	var out []Connection
	for _, c := range b.conns {
		if c.From == stepID || c.To == stepID {
			out = append(out, *c)
		}
	}
	return out
}

// Compile turns the current board into program text and an order index.
func (b *Board) Compile() (string, map[string]int) {
	return Compile(b.Steps(), b.Connections())
}

// StepRefs returns the lightweight step references consumed by the Reducer.
func (b *Board) StepRefs() []StepRef {
	refs := make([]StepRef, 0, len(b.stepOrder))
	for _, id := range b.stepOrder {
		s := b.steps[id]
		refs = append(refs, StepRef{
			ID:        s.ID,
			AgentID:   s.AgentID,
			AgentName: s.AgentName,
			Order:     s.Order,
		})
	}
	return refs
}
