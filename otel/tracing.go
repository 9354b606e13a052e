// Package otel provides OpenTelemetry integration for petalboard run updates.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/petalboard"
)

// TracingHandler translates run updates into OpenTelemetry spans. It keeps
// maps of active run and step spans, creating and ending them based on
// update kind and step state.
type TracingHandler struct {
	tracer trace.Tracer

	mu        sync.RWMutex
	runSpans  map[string]trace.Span       // runID -> span
	runCtxs   map[string]context.Context  // runID -> context (for child spans)
	stepSpans map[string]trace.Span       // runID:stepID -> span
	runSteps  map[string]map[string]bool  // runID -> open step keys
}

// NewTracingHandler creates a TracingHandler that uses the given tracer to
// create spans from run updates.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:    tracer,
		runSpans:  make(map[string]trace.Span),
		runCtxs:   make(map[string]context.Context),
		stepSpans: make(map[string]trace.Span),
		runSteps:  make(map[string]map[string]bool),
	}
}

// Handle processes one run update and creates or ends spans accordingly.
func (h *TracingHandler) Handle(u petalboard.Update) {
	switch u.Kind {
	case petalboard.UpdateRunStarted:
		h.handleRunStarted(u)
	case petalboard.UpdateStepStatus:
		h.handleStepStatus(u)
	case petalboard.UpdateStepMessage:
		h.handleStepMessage(u)
	case petalboard.UpdateQuestionPending:
		h.handleQuestionPending(u)
	case petalboard.UpdateRunFinished:
		h.handleRunFinished(u)
	}
}

// handleRunStarted creates the root span for the run.
func (h *TracingHandler) handleRunStarted(u petalboard.Update) {
	ctx, span := h.tracer.Start(context.Background(), "run:"+u.RunID,
		trace.WithAttributes(
			attribute.String("petalboard.run_id", u.RunID),
		),
		trace.WithTimestamp(u.Time),
	)

	h.mu.Lock()
	h.runSpans[u.RunID] = span
	h.runCtxs[u.RunID] = ctx
	h.runSteps[u.RunID] = make(map[string]bool)
	h.mu.Unlock()
}

// handleStepStatus opens a step span on the first active state and ends it
// on a terminal one. A terminal state with no open span still produces a
// zero-length span: agents may report completion without a prior working
// state, and the step must stay visible in the trace.
func (h *TracingHandler) handleStepStatus(u petalboard.Update) {
	switch u.State {
	case petalboard.StateWorking, petalboard.StateWaiting:
		h.ensureStepSpan(u)
		if u.State == petalboard.StateWaiting {
			h.addStepEvent(u, "step.waiting", nil)
		}
	case petalboard.StateCompleted:
		h.ensureStepSpan(u)
		h.endStepSpan(u, codes.Ok, "")
	case petalboard.StateFailed:
		h.ensureStepSpan(u)
		msg := payloadString(u.Payload, "last_message")
		if msg == "" {
			msg = "step failed"
		}
		h.endStepSpan(u, codes.Error, msg)
	}
}

func (h *TracingHandler) ensureStepSpan(u petalboard.Update) {
	key := u.RunID + ":" + u.StepID

	h.mu.RLock()
	_, exists := h.stepSpans[key]
	parentCtx, hasParent := h.runCtxs[u.RunID]
	h.mu.RUnlock()

	if exists {
		return
	}
	if !hasParent {
		parentCtx = context.Background()
	}

	_, span := h.tracer.Start(parentCtx, "step:"+u.StepID,
		trace.WithAttributes(
			attribute.String("petalboard.run_id", u.RunID),
			attribute.String("petalboard.step_id", u.StepID),
			attribute.String("petalboard.agent", u.AgentName),
		),
		trace.WithTimestamp(u.Time),
	)

	h.mu.Lock()
	h.stepSpans[key] = span
	if open, ok := h.runSteps[u.RunID]; ok {
		open[key] = true
	}
	h.mu.Unlock()
}

func (h *TracingHandler) endStepSpan(u petalboard.Update, code codes.Code, desc string) {
	key := u.RunID + ":" + u.StepID

	h.mu.Lock()
	span, ok := h.stepSpans[key]
	if ok {
		delete(h.stepSpans, key)
		if open, found := h.runSteps[u.RunID]; found {
			delete(open, key)
		}
	}
	h.mu.Unlock()

	if !ok {
		return
	}

	if ms, found := payloadInt64(u.Payload, "duration_ms"); found {
		span.SetAttributes(attribute.Int64("petalboard.duration_ms", ms))
	}
	if tokens, found := payloadInt64(u.Payload, "total_tokens"); found {
		span.SetAttributes(attribute.Int64("petalboard.total_tokens", tokens))
	}

	span.SetStatus(code, desc)
	if code == codes.Error {
		span.RecordError(spanError(desc), trace.WithTimestamp(u.Time))
	}
	span.End(trace.WithTimestamp(u.Time))
}

// handleStepMessage adds a span event for step content.
func (h *TracingHandler) handleStepMessage(u petalboard.Update) {
	var attrs []attribute.KeyValue
	if text := payloadString(u.Payload, "text"); text != "" {
		attrs = append(attrs, attribute.String("petalboard.message", text))
	}
	h.addStepEvent(u, "step.message", attrs)
}

// handleQuestionPending adds a span event carrying the pending question.
func (h *TracingHandler) handleQuestionPending(u petalboard.Update) {
	var attrs []attribute.KeyValue
	if q := payloadString(u.Payload, "question"); q != "" {
		attrs = append(attrs, attribute.String("petalboard.question", q))
	}
	h.addStepEvent(u, "question.pending", attrs)
}

func (h *TracingHandler) addStepEvent(u petalboard.Update, name string, attrs []attribute.KeyValue) {
	key := u.RunID + ":" + u.StepID

	h.mu.RLock()
	span, ok := h.stepSpans[key]
	h.mu.RUnlock()

	if !ok {
		return
	}
	span.AddEvent(name, trace.WithTimestamp(u.Time), trace.WithAttributes(attrs...))
}

// handleRunFinished ends any step spans still open, then the root span. The
// reason stamps the root span; only a watchdog timeout counts as an error.
func (h *TracingHandler) handleRunFinished(u petalboard.Update) {
	reason := payloadString(u.Payload, "reason")

	h.mu.Lock()
	var dangling []trace.Span
	if open, ok := h.runSteps[u.RunID]; ok {
		for key := range open {
			if span, found := h.stepSpans[key]; found {
				dangling = append(dangling, span)
				delete(h.stepSpans, key)
			}
		}
		delete(h.runSteps, u.RunID)
	}
	span, ok := h.runSpans[u.RunID]
	if ok {
		delete(h.runSpans, u.RunID)
		delete(h.runCtxs, u.RunID)
	}
	h.mu.Unlock()

	for _, s := range dangling {
		s.SetStatus(codes.Unset, "")
		s.End(trace.WithTimestamp(u.Time))
	}

	if !ok {
		return
	}

	span.SetAttributes(attribute.String("petalboard.reason", reason))
	if elapsed := payloadString(u.Payload, "elapsed"); elapsed != "" {
		span.SetAttributes(attribute.String("petalboard.elapsed", elapsed))
	}

	if reason == string(petalboard.FinishTimeout) {
		span.SetStatus(codes.Error, "run timed out")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(u.Time))
}

// ActiveSpanContext returns the SpanContext for the active step span
// identified by runID and stepID. Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveSpanContext(runID, stepID string) trace.SpanContext {
	key := runID + ":" + stepID

	h.mu.RLock()
	span, ok := h.stepSpans[key]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// ActiveRunSpanContext returns the SpanContext for the active run span
// identified by runID. Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveRunSpanContext(runID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.runSpans[runID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }

func payloadString(p map[string]any, key string) string {
	if p == nil {
		return ""
	}
	if v, ok := p[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func payloadInt64(p map[string]any, key string) (int64, bool) {
	if p == nil {
		return 0, false
	}
	switch v := p[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}
