package petalboard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// UpdateKind identifies the type of update emitted while a run progresses.
type UpdateKind string

const (
	// UpdateRunStarted is emitted when a test run begins.
	UpdateRunStarted UpdateKind = "run.started"

	// UpdateStepStatus is emitted when a step's execution state changes.
	UpdateStepStatus UpdateKind = "step.status"

	// UpdateStepMessage is emitted when a step receives new content.
	UpdateStepMessage UpdateKind = "step.message"

	// UpdateQuestionPending is emitted when a waiting step publishes a
	// question needing a user reply.
	UpdateQuestionPending UpdateKind = "question.pending"

	// UpdateRunFinished is emitted when the run ends, whatever the reason.
	UpdateRunFinished UpdateKind = "run.finished"
)

// String returns the string representation of the UpdateKind.
func (k UpdateKind) String() string {
	return string(k)
}

// Update is a structured, streamable record of run progress, consumed by
// the event bus, SSE clients, and observability handlers.
type Update struct {
	Kind      UpdateKind
	RunID     string
	StepID    string
	AgentName string
	State     StepState
	Time      time.Time
	Seq       uint64
	Payload   map[string]any
}

// SubmitRequest is the outbound message sent to the orchestrator: the
// compiled program text plus a user instruction and a conversation context.
type SubmitRequest struct {
	ContextID   string
	Program     string
	Instruction string
}

// Submitter sends messages to the external orchestrator. Submissions are
// fire-and-forget from the run's perspective: a failure only means no
// further events arrive, which the watchdog eventually resolves.
type Submitter interface {
	SendMessage(ctx context.Context, req SubmitRequest) error
}

// RunConfig bounds the timers governing a test run.
type RunConfig struct {
	// WatchdogTimeout force-ends the run regardless of completion, so the
	// surface never hangs on a stalled orchestrator. Default 5 minutes.
	WatchdogTimeout time.Duration

	// GraceDelay is how long after all steps complete the run keeps
	// applying straggler events before finishing. Default 2 seconds.
	GraceDelay time.Duration

	// CollapseDelay auto-collapses a completed step's message history.
	// Purely cosmetic; cancelled by explicit user interaction. Default 4s.
	CollapseDelay time.Duration
}

func (c RunConfig) withDefaults() RunConfig {
	if c.WatchdogTimeout <= 0 {
		c.WatchdogTimeout = 5 * time.Minute
	}
	if c.GraceDelay <= 0 {
		c.GraceDelay = 2 * time.Second
	}
	if c.CollapseDelay <= 0 {
		c.CollapseDelay = 4 * time.Second
	}
	return c
}

// FinishReason records why a run ended.
type FinishReason string

const (
	FinishCompleted FinishReason = "completed"
	FinishTimeout   FinishReason = "timeout"
	FinishStopped   FinishReason = "stopped"
)

// Run owns the live state of one test run: the compiled program, the
// reducer, and the timers bounding the run. Inbound events may arrive on
// any goroutine; Run serializes access to the reducer.
type Run struct {
	ID         string
	WorkflowID string

	mu       sync.Mutex
	program  string
	orderIdx map[string]int
	reducer  *Reducer
	cfg      RunConfig
	submit   Submitter
	emit     func(Update)
	logger   *slog.Logger

	seq        uint64
	started    time.Time
	finished   bool
	reason     FinishReason
	watchdog   *time.Timer
	graceTimer *time.Timer
	collapse   map[string]*time.Timer
}

// NewRun compiles the board and prepares a run over its steps. The emit
// callback receives every Update; pass nil to discard them.
func NewRun(workflowID string, board *Board, cfg RunConfig, submit Submitter, emit func(Update), logger *slog.Logger) *Run {
	program, orderIdx := board.Compile()
	if emit == nil {
		emit = func(Update) {}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Run{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		program:    program,
		orderIdx:   orderIdx,
		reducer:    NewReducer(board.StepRefs()),
		cfg:        cfg.withDefaults(),
		submit:     submit,
		emit:       emit,
		logger:     logger,
		collapse:   make(map[string]*time.Timer),
	}
}

// Program returns the compiled program text submitted for this run.
func (r *Run) Program() string {
	return r.program
}

// OrderIndex returns the step-ID to sequence-number map for UI badges.
func (r *Run) OrderIndex() map[string]int {
	out := make(map[string]int, len(r.orderIdx))
	for k, v := range r.orderIdx {
		out[k] = v
	}
	return out
}

// Start submits the program to the orchestrator and arms the watchdog.
// The submission runs on its own goroutine; the run never blocks on it.
func (r *Run) Start(ctx context.Context, contextID, instruction string) {
	r.mu.Lock()
	r.started = time.Now()
	r.watchdog = time.AfterFunc(r.cfg.WatchdogTimeout, func() {
		r.Finish(FinishTimeout)
	})
	r.emitLocked(Update{Kind: UpdateRunStarted, Payload: map[string]any{
		"program": r.program,
	}})
	r.mu.Unlock()

	if r.submit == nil {
		return
	}
	req := SubmitRequest{ContextID: contextID, Program: r.program, Instruction: instruction}
	go func() {
		if err := r.submit.SendMessage(ctx, req); err != nil {
			r.logger.Warn("program submission failed", "run_id", r.ID, "error", err)
		}
	}()
}

// HandleEvent applies one inbound orchestrator event. Events arriving after
// the run finished are dropped; events during the grace window still apply,
// since late messages are legitimate.
func (r *Run) HandleEvent(ev InboundEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finished {
		return
	}

	stepID, ok := r.reducer.Apply(ev)
	if !ok {
		return
	}

	st, _ := r.reducer.StepStatus(stepID)
	ref := r.stepRef(stepID)

	r.emitLocked(Update{
		Kind:      UpdateStepStatus,
		StepID:    stepID,
		AgentName: ref.AgentName,
		State:     st.State,
		Payload:   statusPayload(st),
	})

	if msg, ok := r.reducer.PendingQuestion(stepID); ok && st.State == StateWaiting {
		r.emitLocked(Update{
			Kind:      UpdateQuestionPending,
			StepID:    stepID,
			AgentName: ref.AgentName,
			State:     st.State,
			Payload:   map[string]any{"question": msg.Text},
		})
	}

	if st.State == StateCompleted {
		r.scheduleCollapseLocked(stepID)
	}

	if r.reducer.AllCompleted() && r.graceTimer == nil {
		r.graceTimer = time.AfterFunc(r.cfg.GraceDelay, func() {
			r.Finish(FinishCompleted)
		})
	}
}

// Reply sends a user's answer for a waiting step back to the orchestrator,
// re-using the run's program text.
func (r *Run) Reply(ctx context.Context, contextID, text string) {
	if r.submit == nil {
		return
	}
	req := SubmitRequest{ContextID: contextID, Program: r.program, Instruction: text}
	go func() {
		if err := r.submit.SendMessage(ctx, req); err != nil {
			r.logger.Warn("reply submission failed", "run_id", r.ID, "error", err)
		}
	}()
}

// Finish ends the run. Idempotent: only the first reason sticks. Starting a
// new run for the same workflow should Finish the old one first, which also
// cancels its watchdog.
func (r *Run) Finish(reason FinishReason) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finished {
		return
	}
	r.finished = true
	r.reason = reason

	if r.watchdog != nil {
		r.watchdog.Stop()
	}
	if r.graceTimer != nil {
		r.graceTimer.Stop()
	}
	for _, t := range r.collapse {
		t.Stop()
	}

	r.emitLocked(Update{Kind: UpdateRunFinished, Payload: map[string]any{
		"reason":  string(reason),
		"elapsed": time.Since(r.started).String(),
	}})
}

// Finished reports whether the run has ended, and why.
func (r *Run) Finished() (bool, FinishReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished, r.reason
}

// Snapshot returns a copy of all step states for rendering or API reads.
func (r *Run) Snapshot() map[string]StepStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reducer.Snapshot()
}

// ToggleMessages flips a step's message collapse state and cancels any
// pending auto-collapse: an explicit user choice wins over the timer.
func (r *Run) ToggleMessages(stepID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.collapse[stepID]; ok {
		t.Stop()
		delete(r.collapse, stepID)
	}
	return r.reducer.ToggleCollapsed(stepID)
}

// scheduleCollapseLocked arms the cosmetic auto-collapse timer for a step
// that just completed. Re-completion events do not re-arm it.
func (r *Run) scheduleCollapseLocked(stepID string) {
	if _, ok := r.collapse[stepID]; ok {
		return
	}
	r.collapse[stepID] = time.AfterFunc(r.cfg.CollapseDelay, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if !r.finished {
			r.reducer.SetCollapsed(stepID, true)
		}
	})
}

// emitLocked stamps and publishes an update. Callers hold r.mu.
func (r *Run) emitLocked(u Update) {
	r.seq++
	u.Seq = r.seq
	u.RunID = r.ID
	u.Time = time.Now()
	if u.Payload == nil {
		u.Payload = make(map[string]any)
	}
	r.emit(u)
}

func (r *Run) stepRef(stepID string) StepRef {
	for _, s := range r.reducer.steps {
		if s.ID == stepID {
			return s
		}
	}
	return StepRef{ID: stepID}
}

func statusPayload(st StepStatus) map[string]any {
	p := map[string]any{
		"state":    string(st.State),
		"messages": len(st.Messages),
	}
	if last, ok := st.LastMessage(); ok {
		if last.Text != "" {
			p["last_message"] = last.Text
		}
		if last.ImageURI != "" {
			p["last_image"] = last.ImageURI
		}
	}
	if !st.Usage.IsZero() {
		p["total_tokens"] = st.Usage.TotalTokens
	}
	if st.Duration > 0 {
		p["duration_ms"] = st.Duration.Milliseconds()
	}
	return p
}
