package petalboard

import (
	"sort"
	"time"
)

// dedupeWindow is how long an identical message prefix is treated as a
// duplicate caused by redundant event sources.
const dedupeWindow = 2 * time.Second

// dedupePrefixLen is how many leading characters of a message text are
// compared for duplicate detection.
const dedupePrefixLen = 100

// StepRef is the slice of a Step the reducer needs: identity plus the
// fallback order used to disambiguate repeated agents.
type StepRef struct {
	ID        string
	AgentID   string
	AgentName string
	Order     int
}

// Reducer maps an out-of-order, multi-source event stream onto per-step
// execution state. Events are keyed by agent identity; because the same
// agent can appear in several steps, the reducer keeps a transient
// agent-to-active-step binding and advances it only on genuine new-task
// starts. A Reducer is built fresh for every test run and never persisted.
//
// The reducer owns its state exclusively; render paths must read through
// Snapshot or StepStatus, which copy.
type Reducer struct {
	steps   []StepRef
	byAgent map[string][]string // agent key -> step IDs ordered by step Order
	states  map[string]*StepStatus
	active  map[string]string // agent name -> active step ID
	pending map[string]StepMessage

	lastMsg map[string]msgStamp // stepID -> dedupe bookkeeping

	now func() time.Time
}

type msgStamp struct {
	prefix string
	at     time.Time
}

// NewReducer creates a reducer over the steps of one test run.
func NewReducer(steps []StepRef) *Reducer {
	ordered := make([]StepRef, len(steps))
	copy(ordered, steps)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	byAgent := make(map[string][]string)
	for _, s := range ordered {
		if s.AgentName != "" {
			byAgent[s.AgentName] = append(byAgent[s.AgentName], s.ID)
		}
		if s.AgentID != "" && s.AgentID != s.AgentName {
			byAgent[s.AgentID] = append(byAgent[s.AgentID], s.ID)
		}
	}

	return &Reducer{
		steps:   ordered,
		byAgent: byAgent,
		states:  make(map[string]*StepStatus),
		active:  make(map[string]string),
		pending: make(map[string]StepMessage),
		lastMsg: make(map[string]msgStamp),
		now:     time.Now,
	}
}

// Apply routes one inbound event to the correct step and updates its state.
// It returns the resolved step ID, or ok=false when the event references an
// agent with no step on the board (a no-op, not an error: workflow authors
// need not include every agent that happens to report activity).
func (r *Reducer) Apply(ev InboundEvent) (stepID string, ok bool) {
	switch e := ev.(type) {
	case StatusUpdateEvent:
		state := ParseStepState(e.Status)
		if state == StateIdle {
			// Unknown free-text status carries no transition.
			return r.applyContent(e.AgentName, nil, nil)
		}
		newTask := state == StateWorking
		id, ok := r.resolveStep(e.AgentName, newTask)
		if !ok {
			return "", false
		}
		r.applyUpdate(id, state, newTask, nil, nil)
		return id, true

	case TaskUpdateEvent:
		state, newTask := taskStateTransition(e.State)
		id, ok := r.resolveStep(e.AgentName, newTask)
		if !ok {
			return "", false
		}
		var msg *StepMessage
		if e.Message != "" || e.ImageURI != "" {
			msg = &StepMessage{Text: e.Message, ImageURI: e.ImageURI, Time: r.now()}
		}
		r.applyUpdate(id, state, newTask, msg, e.Usage)
		return id, true

	case AgentMessageEvent:
		msgs := make([]*StepMessage, 0, len(e.Parts))
		for _, p := range e.Parts {
			if p.Text == "" && p.ImageURI == "" {
				continue
			}
			msgs = append(msgs, &StepMessage{Text: p.Text, ImageURI: p.ImageURI, Time: r.now()})
		}
		return r.applyContent(e.AgentName, msgs, nil)

	case ToolCallEvent:
		msg := &StepMessage{Text: "Calling tool " + e.ToolName, Time: r.now()}
		return r.applyContent(e.AgentName, []*StepMessage{msg}, nil)

	case ToolResponseEvent:
		text := "Tool " + e.ToolName + " responded"
		if e.Outcome != "" {
			text += ": " + e.Outcome
		}
		msg := &StepMessage{Text: text, Time: r.now()}
		return r.applyContent(e.AgentName, []*StepMessage{msg}, nil)

	case FinalResponseEvent:
		var msgs []*StepMessage
		if e.Content != "" {
			msgs = append(msgs, &StepMessage{Text: e.Content, Time: r.now()})
		}
		return r.applyContent(e.AgentName, msgs, nil)

	case FileUploadedEvent:
		msg := &StepMessage{Time: r.now()}
		if isImageContentType(e.ContentType) {
			msg.ImageURI = e.URI
		} else {
			msg.Text = "Uploaded " + e.URI
		}
		return r.applyContent(e.SourceAgent, []*StepMessage{msg}, nil)

	case TokenUsageEvent:
		usage := e.Usage
		return r.applyContent(e.AgentName, nil, &usage)
	}
	return "", false
}

// applyContent routes a content-only update (messages and/or usage, never a
// status transition) to the agent's active step.
func (r *Reducer) applyContent(agent string, msgs []*StepMessage, usage *TokenUsage) (string, bool) {
	id, ok := r.resolveStep(agent, false)
	if !ok {
		return "", false
	}
	if len(msgs) == 0 && usage == nil {
		// Still materializes the step state so the binding is observable.
		r.ensureState(id)
		return id, true
	}
	for _, m := range msgs {
		r.applyUpdate(id, "", false, m, nil)
	}
	if usage != nil {
		r.applyUpdate(id, "", false, nil, usage)
	}
	return id, true
}

// resolveStep finds the step an agent's event belongs to.
//
// All steps matching the agent (by name or ID) are considered in stored
// order. The first event for an agent binds its first step. Afterwards the
// bound step keeps receiving events, except when a genuine new-task start
// arrives while the bound step is already completed and a later matching
// step exists: then the binding advances. Content events never advance the
// binding, so late messages for a finished step are not mis-routed to a
// not-yet-started later step.
func (r *Reducer) resolveStep(agent string, isNewTaskStart bool) (string, bool) {
	candidates := r.byAgent[agent]
	if len(candidates) == 0 {
		return "", false
	}

	current, bound := r.active[agent]
	if !bound {
		r.active[agent] = candidates[0]
		return candidates[0], true
	}

	if isNewTaskStart {
		if st, ok := r.states[current]; ok && st.State == StateCompleted {
			for i, id := range candidates {
				if id == current && i+1 < len(candidates) {
					next := candidates[i+1]
					r.active[agent] = next
					return next, true
				}
			}
		}
	}
	return current, true
}

// applyUpdate applies a status transition and/or message/usage to a step.
// An empty state means no transition (content-only update).
func (r *Reducer) applyUpdate(stepID string, state StepState, isNewTaskStart bool, msg *StepMessage, usage *TokenUsage) {
	st := r.ensureState(stepID)

	if msg != nil && !r.isDuplicateMessage(stepID, msg) {
		st.Messages = append(st.Messages, *msg)
	}

	if usage != nil && !usage.IsZero() {
		st.Usage = *usage
	}

	if state != "" && r.transitionAllowed(st.State, state, isNewTaskStart) {
		if state == StateWorking && st.StartTime.IsZero() {
			st.StartTime = r.now()
		}
		if state == StateCompleted && st.State != StateCompleted {
			st.CompletedAt = r.now()
			if !st.StartTime.IsZero() {
				st.Duration = st.CompletedAt.Sub(st.StartTime)
			}
		}
		st.State = state

		switch state {
		case StateWaiting:
			if last, ok := st.LastMessage(); ok {
				r.pending[stepID] = last
			} else {
				r.pending[stepID] = StepMessage{Time: r.now()}
			}
		case StateCompleted, StateFailed:
			delete(r.pending, stepID)
		}
	}
}

// transitionAllowed enforces the monotonicity guards: events arrive out of
// order across transports, so a late "working" must never revert a finished
// or attention-needing step.
func (r *Reducer) transitionAllowed(from, to StepState, isNewTaskStart bool) bool {
	if from == to {
		return true
	}
	if to == StateWorking {
		switch from {
		case StateCompleted:
			return false
		case StateWaiting, StateFailed:
			// Only a genuine new unit of work resumes these.
			return isNewTaskStart
		}
	}
	return true
}

// isDuplicateMessage drops a message whose leading text matches the step's
// previous message within the dedupe window. Redundant transports routinely
// deliver the same content twice.
func (r *Reducer) isDuplicateMessage(stepID string, msg *StepMessage) bool {
	prefix := msgPrefix(msg.Text)
	stamp, ok := r.lastMsg[stepID]
	now := r.now()
	r.lastMsg[stepID] = msgStamp{prefix: prefix, at: now}
	if !ok || prefix == "" {
		return false
	}
	return stamp.prefix == prefix && now.Sub(stamp.at) < dedupeWindow
}

func msgPrefix(text string) string {
	runes := []rune(text)
	if len(runes) > dedupePrefixLen {
		runes = runes[:dedupePrefixLen]
	}
	return string(runes)
}

func (r *Reducer) ensureState(stepID string) *StepStatus {
	st, ok := r.states[stepID]
	if !ok {
		st = &StepStatus{State: StateIdle}
		r.states[stepID] = st
	}
	return st
}

func taskStateTransition(ts TaskState) (StepState, bool) {
	switch ts {
	case TaskSubmitted, TaskWorking:
		return StateWorking, true
	case TaskInputRequired:
		return StateWaiting, false
	case TaskCompleted:
		return StateCompleted, false
	case TaskFailed:
		return StateFailed, false
	default:
		return "", false
	}
}

func isImageContentType(ct string) bool {
	return len(ct) >= 6 && ct[:6] == "image/"
}

// StepStatus returns a copy of a step's current execution state.
func (r *Reducer) StepStatus(stepID string) (StepStatus, bool) {
	st, ok := r.states[stepID]
	if !ok {
		return StepStatus{State: StateIdle}, false
	}
	return copyStatus(st), true
}

// Snapshot returns a deep copy of all materialized step states, safe for a
// render path to hold across a frame.
func (r *Reducer) Snapshot() map[string]StepStatus {
	out := make(map[string]StepStatus, len(r.states))
	for id, st := range r.states {
		out[id] = copyStatus(st)
	}
	return out
}

func copyStatus(st *StepStatus) StepStatus {
	cp := *st
	cp.Messages = make([]StepMessage, len(st.Messages))
	copy(cp.Messages, st.Messages)
	return cp
}

// ActiveStep returns the step currently bound to an agent, if any.
func (r *Reducer) ActiveStep(agent string) (string, bool) {
	id, ok := r.active[agent]
	return id, ok
}

// PendingQuestion returns the message a waiting step published as its
// question needing a user reply.
func (r *Reducer) PendingQuestion(stepID string) (StepMessage, bool) {
	msg, ok := r.pending[stepID]
	return msg, ok
}

// AllCompleted reports whether every step of the run has completed. The
// run is considered finished once this holds; callers stop listening after
// a short grace window since late messages are still legitimate.
func (r *Reducer) AllCompleted() bool {
	if len(r.steps) == 0 {
		return false
	}
	for _, s := range r.steps {
		st, ok := r.states[s.ID]
		if !ok || st.State != StateCompleted {
			return false
		}
	}
	return true
}

// SetCollapsed sets the display-only collapsed flag on a step's messages.
func (r *Reducer) SetCollapsed(stepID string, collapsed bool) {
	if st, ok := r.states[stepID]; ok {
		st.MessagesCollapsed = collapsed
	}
}

// ToggleCollapsed flips the collapsed flag and returns the new value.
func (r *Reducer) ToggleCollapsed(stepID string) bool {
	st := r.ensureState(stepID)
	st.MessagesCollapsed = !st.MessagesCollapsed
	return st.MessagesCollapsed
}
