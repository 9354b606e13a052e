// Package workflow defines the serializable board snapshot exchanged with
// storage and the HTTP API, plus structural validation over it.
package workflow

import (
	"fmt"

	"github.com/petal-labs/petalboard"
)

// Diagnostic represents a validation error or warning produced by checking
// a workflow definition.
type Diagnostic struct {
	Code     string `json:"code"`           // e.g. "WF-001"
	Severity string `json:"severity"`       // "error" or "warning"
	Message  string `json:"message"`        // human-readable description
	Path     string `json:"path,omitempty"` // JSON path to offending field
}

const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// HasErrors returns true if any diagnostic has error severity.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors returns only the error-severity diagnostics.
func Errors(diags []Diagnostic) []Diagnostic {
	var errs []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError {
			errs = append(errs, d)
		}
	}
	return errs
}

// Warnings returns only the warning-severity diagnostics.
func Warnings(diags []Diagnostic) []Diagnostic {
	var warns []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityWarning {
			warns = append(warns, d)
		}
	}
	return warns
}

// Definition is the serializable snapshot of a board: the steps with their
// positions and the connections between them. Storage and the HTTP API
// exchange this type; the live editing state lives in petalboard.Board.
type Definition struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Goal        string          `json:"goal,omitempty"`
	Steps       []StepDef       `json:"steps"`
	Connections []ConnectionDef `json:"connections"`
}

// StepDef is a serializable step within a Definition.
type StepDef struct {
	ID          string  `json:"id"`
	AgentID     string  `json:"agentId"`
	AgentName   string  `json:"agentName"`
	Description string  `json:"description,omitempty"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Order       int     `json:"order"`
}

// ConnectionDef is a serializable connection within a Definition.
type ConnectionDef struct {
	ID   string `json:"id"`
	From string `json:"from"`
	To   string `json:"to"`
}

// Validate checks structural integrity of the Definition:
//   - WF-001: connection endpoints reference existing steps
//   - WF-002: duplicate (from,to) connection pairs
//   - WF-003: self-loop connections
//   - WF-004: duplicate step IDs
//   - WF-005: steps without an agent name (warning)
//   - WF-006: empty step IDs
//   - WF-007: cycles (warning; cyclic parts compile in traversal order)
//   - WF-008: disconnected steps while connections exist (warning; the
//     compiler drops them from the program)
//
// Cycles and disconnected steps are storable states, so they warn rather
// than error.
func (d *Definition) Validate() []Diagnostic {
	var diags []Diagnostic

	stepIDs := make(map[string]bool, len(d.Steps))

	for i, step := range d.Steps {
		if step.ID == "" {
			diags = append(diags, Diagnostic{
				Code:     "WF-006",
				Severity: SeverityError,
				Message:  "Step has an empty ID",
				Path:     fmt.Sprintf("steps[%d].id", i),
			})
			continue
		}
		if stepIDs[step.ID] {
			diags = append(diags, Diagnostic{
				Code:     "WF-004",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Duplicate step ID %q", step.ID),
				Path:     fmt.Sprintf("steps[%d].id", i),
			})
		}
		stepIDs[step.ID] = true

		if step.AgentName == "" {
			diags = append(diags, Diagnostic{
				Code:     "WF-005",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("Step %q has no agent name", step.ID),
				Path:     fmt.Sprintf("steps[%d].agentName", i),
			})
		}
	}

	seenPairs := make(map[[2]string]bool, len(d.Connections))
	for i, conn := range d.Connections {
		if !stepIDs[conn.From] {
			diags = append(diags, Diagnostic{
				Code:     "WF-001",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Connection source %q references unknown step", conn.From),
				Path:     fmt.Sprintf("connections[%d].from", i),
			})
		}
		if !stepIDs[conn.To] {
			diags = append(diags, Diagnostic{
				Code:     "WF-001",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Connection target %q references unknown step", conn.To),
				Path:     fmt.Sprintf("connections[%d].to", i),
			})
		}
		if conn.From != "" && conn.From == conn.To {
			diags = append(diags, Diagnostic{
				Code:     "WF-003",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Connection loops step %q back to itself", conn.From),
				Path:     fmt.Sprintf("connections[%d]", i),
			})
		}
		pair := [2]string{conn.From, conn.To}
		if seenPairs[pair] {
			diags = append(diags, Diagnostic{
				Code:     "WF-002",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Duplicate connection %s -> %s", conn.From, conn.To),
				Path:     fmt.Sprintf("connections[%d]", i),
			})
		}
		seenPairs[pair] = true
	}

	// WF-008: disconnected steps are dropped from the compiled program once
	// any connection exists.
	if len(d.Connections) > 0 {
		touched := make(map[string]bool)
		for _, conn := range d.Connections {
			touched[conn.From] = true
			touched[conn.To] = true
		}
		for i, step := range d.Steps {
			if step.ID != "" && !touched[step.ID] {
				diags = append(diags, Diagnostic{
					Code:     "WF-008",
					Severity: SeverityWarning,
					Message:  fmt.Sprintf("Step %q has no connections and will not appear in the program", step.ID),
					Path:     fmt.Sprintf("steps[%d]", i),
				})
			}
		}
	}

	// WF-007: cycle detection via Kahn's algorithm. Only meaningful when
	// every edge endpoint resolves.
	if !hasEndpointErrors(diags) {
		if cycle := d.detectCycle(); cycle != "" {
			diags = append(diags, Diagnostic{
				Code:     "WF-007",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("Workflow contains a cycle: %s", cycle),
			})
		}
	}

	return diags
}

// hasEndpointErrors returns true if diagnostics contain WF-001 errors.
func hasEndpointErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Code == "WF-001" {
			return true
		}
	}
	return false
}

// detectCycle uses Kahn's algorithm. Returns a description of the cycle if
// found, or empty string if the graph is acyclic.
func (d *Definition) detectCycle() string {
	inDegree := make(map[string]int)
	successors := make(map[string][]string)
	for _, step := range d.Steps {
		inDegree[step.ID] = 0
	}
	for _, conn := range d.Connections {
		successors[conn.From] = append(successors[conn.From], conn.To)
		inDegree[conn.To]++
	}

	queue := make([]string, 0)
	for _, step := range d.Steps {
		if inDegree[step.ID] == 0 {
			queue = append(queue, step.ID)
		}
	}

	visited := 0
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		visited++
		for _, succ := range successors[current] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	if visited < len(d.Steps) {
		var cycleSteps []string
		for _, step := range d.Steps {
			if inDegree[step.ID] > 0 {
				cycleSteps = append(cycleSteps, step.ID)
			}
		}
		return fmt.Sprintf("steps involved: %v", cycleSteps)
	}
	return ""
}

// ToBoard materializes the definition into a live board. Entries that
// violate board invariants (duplicates, dangling endpoints, self-loops) are
// skipped; run Validate first to surface them.
func (d *Definition) ToBoard() *petalboard.Board {
	b := petalboard.NewBoard()
	for _, s := range d.Steps {
		b.PutStep(petalboard.Step{
			ID:          s.ID,
			AgentID:     s.AgentID,
			AgentName:   s.AgentName,
			Description: s.Description,
			X:           s.X,
			Y:           s.Y,
			Order:       s.Order,
		})
	}
	for _, c := range d.Connections {
		b.PutConnection(petalboard.Connection{ID: c.ID, From: c.From, To: c.To})
	}
	return b
}

// FromBoard snapshots a live board into a definition, keeping the identity
// fields of the previous snapshot.
func FromBoard(prev Definition, b *petalboard.Board) Definition {
	d := Definition{
		ID:          prev.ID,
		Name:        prev.Name,
		Description: prev.Description,
		Goal:        prev.Goal,
	}
	for _, s := range b.Steps() {
		d.Steps = append(d.Steps, StepDef{
			ID:          s.ID,
			AgentID:     s.AgentID,
			AgentName:   s.AgentName,
			Description: s.Description,
			X:           s.X,
			Y:           s.Y,
			Order:       s.Order,
		})
	}
	for _, c := range b.Connections() {
		d.Connections = append(d.Connections, ConnectionDef{ID: c.ID, From: c.From, To: c.To})
	}
	return d
}

// Program compiles the definition into orchestrator instruction text and
// the step order index.
func (d *Definition) Program() (string, map[string]int) {
	return d.ToBoard().Compile()
}
