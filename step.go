// Package petalboard is a headless engine for a visual agent-workflow board.
//
// A board is a small directed graph of steps, each step naming an agent and
// an instruction. The package contains:
//   - Board: the in-memory graph store (steps + connections)
//   - Compile: the graph-to-program compiler
//   - Reducer: the live execution-state reducer fed by orchestrator events
//   - Run: per-test-run lifecycle (watchdog, grace window, updates)
//
// Spatial interaction (zoom/pan/hit-testing/gestures) lives in the canvas
// subpackage; serialization and validation in workflow.
package petalboard

import (
	"strings"
	"time"
)

// Step is a node on the board: one agent invocation with instruction text.
type Step struct {
	ID          string
	AgentID     string
	AgentName   string
	Description string
	X, Y        float64 // position in graph space
	Order       int     // fallback sequence used when the board has no connections
}

// Connection is a directed edge between two steps, expressing execution order.
type Connection struct {
	ID   string
	From string // source step ID
	To   string // target step ID
}

// StepState is the live execution status of a step during a test run.
type StepState string

const (
	StateIdle      StepState = "idle"
	StateWorking   StepState = "working"
	StateWaiting   StepState = "waiting"
	StateCompleted StepState = "completed"
	StateFailed    StepState = "failed"
)

// String returns the string representation of the StepState.
func (s StepState) String() string {
	return string(s)
}

// ParseStepState maps a free-text status reported by an orchestrator to a
// canonical StepState. Unknown strings map to StateIdle so that a stray
// status event never invents a transition.
func ParseStepState(s string) StepState {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "working", "running", "active", "started", "submitted":
		return StateWorking
	case "waiting", "input_required", "input-required", "paused":
		return StateWaiting
	case "completed", "complete", "done", "finished", "success":
		return StateCompleted
	case "failed", "error", "cancelled", "canceled":
		return StateFailed
	default:
		return StateIdle
	}
}

// StepMessage is one entry in a step's live message feed.
type StepMessage struct {
	Text     string
	ImageURI string
	Time     time.Time
}

// TokenUsage tracks token consumption reported for a step.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// IsZero reports whether no usage has been recorded.
func (u TokenUsage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0
}

// Add combines two TokenUsage values.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		PromptTokens:     u.PromptTokens + other.PromptTokens,
		CompletionTokens: u.CompletionTokens + other.CompletionTokens,
		TotalTokens:      u.TotalTokens + other.TotalTokens,
	}
}

// StepStatus is the ephemeral per-step execution state, rebuilt for every
// test run and never persisted.
type StepStatus struct {
	State             StepState
	Messages          []StepMessage
	StartTime         time.Time
	CompletedAt       time.Time
	Duration          time.Duration
	Usage             TokenUsage
	MessagesCollapsed bool
}

// LastMessage returns the most recent message, if any.
func (s StepStatus) LastMessage() (StepMessage, bool) {
	if len(s.Messages) == 0 {
		return StepMessage{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}
