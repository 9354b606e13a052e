package otel_test

import (
	"testing"
	"time"

	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/petal-labs/petalboard"
	boardotel "github.com/petal-labs/petalboard/otel"
)

// newTestTracer returns a tracer backed by an in-memory span exporter.
func newTestTracer() (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	return exporter, tp
}

func TestTracingHandler_RunStartedCreatesRootSpan(t *testing.T) {
	exporter, tp := newTestTracer()
	h := boardotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()

	h.Handle(petalboard.Update{
		Kind:  petalboard.UpdateRunStarted,
		RunID: "run-1",
		Time:  now,
	})

	sc := h.ActiveRunSpanContext("run-1")
	if !sc.IsValid() {
		t.Fatal("expected valid run span context after run.started")
	}

	h.Handle(petalboard.Update{
		Kind:    petalboard.UpdateRunFinished,
		RunID:   "run-1",
		Time:    now.Add(100 * time.Millisecond),
		Payload: map[string]any{"reason": "completed", "elapsed": "100ms"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "run:run-1" {
		t.Errorf("expected span name 'run:run-1', got %q", spans[0].Name)
	}

	found := false
	for _, attr := range spans[0].Attributes {
		if string(attr.Key) == "petalboard.run_id" && attr.Value.AsString() == "run-1" {
			found = true
		}
	}
	if !found {
		t.Error("expected petalboard.run_id attribute on run span")
	}
}

func TestTracingHandler_StepWorkingCreatesChildSpan(t *testing.T) {
	exporter, tp := newTestTracer()
	h := boardotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()

	h.Handle(petalboard.Update{Kind: petalboard.UpdateRunStarted, RunID: "run-1", Time: now})
	h.Handle(petalboard.Update{
		Kind:      petalboard.UpdateStepStatus,
		RunID:     "run-1",
		StepID:    "step-a",
		AgentName: "Fetch",
		State:     petalboard.StateWorking,
		Time:      now.Add(10 * time.Millisecond),
	})

	sc := h.ActiveSpanContext("run-1", "step-a")
	if !sc.IsValid() {
		t.Fatal("expected valid step span context after working status")
	}

	runSC := h.ActiveRunSpanContext("run-1")
	if sc.TraceID() != runSC.TraceID() {
		t.Error("expected step span to share trace ID with run span")
	}

	h.Handle(petalboard.Update{
		Kind:   petalboard.UpdateStepStatus,
		RunID:  "run-1",
		StepID: "step-a",
		State:  petalboard.StateCompleted,
		Time:   now.Add(20 * time.Millisecond),
	})
	h.Handle(petalboard.Update{
		Kind:    petalboard.UpdateRunFinished,
		RunID:   "run-1",
		Time:    now.Add(30 * time.Millisecond),
		Payload: map[string]any{"reason": "completed"},
	})

	spans := exporter.GetSpans()
	var stepSpan *tracetest.SpanStub
	for i := range spans {
		if spans[i].Name == "step:step-a" {
			stepSpan = &spans[i]
			break
		}
	}
	if stepSpan == nil {
		t.Fatal("did not find step:step-a span")
	}

	if stepSpan.Parent.TraceID() != runSC.TraceID() {
		t.Error("expected step span parent trace ID to match run span trace ID")
	}
	if stepSpan.Parent.SpanID() != runSC.SpanID() {
		t.Error("expected step span parent span ID to match run span span ID")
	}

	foundAgent := false
	for _, attr := range stepSpan.Attributes {
		if string(attr.Key) == "petalboard.agent" && attr.Value.AsString() == "Fetch" {
			foundAgent = true
		}
	}
	if !foundAgent {
		t.Error("expected petalboard.agent attribute on step span")
	}
}

func TestTracingHandler_StepCompletedEndsSpan(t *testing.T) {
	exporter, tp := newTestTracer()
	h := boardotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()

	h.Handle(petalboard.Update{Kind: petalboard.UpdateRunStarted, RunID: "run-1", Time: now})
	h.Handle(petalboard.Update{
		Kind: petalboard.UpdateStepStatus, RunID: "run-1", StepID: "step-a",
		State: petalboard.StateWorking, Time: now.Add(10 * time.Millisecond),
	})
	h.Handle(petalboard.Update{
		Kind: petalboard.UpdateStepStatus, RunID: "run-1", StepID: "step-a",
		State: petalboard.StateCompleted, Time: now.Add(20 * time.Millisecond),
		Payload: map[string]any{"duration_ms": int64(10)},
	})

	if h.ActiveSpanContext("run-1", "step-a").IsValid() {
		t.Error("expected invalid step span context after completion")
	}

	spans := exporter.GetSpans()
	for _, s := range spans {
		if s.Name == "step:step-a" {
			if s.Status.Code != otelcodes.Ok {
				t.Errorf("expected Ok status on completed step span, got %v", s.Status.Code)
			}
			return
		}
	}
	t.Error("step:step-a span not found in exported spans")
}

func TestTracingHandler_StepFailedSetsErrorStatus(t *testing.T) {
	exporter, tp := newTestTracer()
	h := boardotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()

	h.Handle(petalboard.Update{Kind: petalboard.UpdateRunStarted, RunID: "run-1", Time: now})
	h.Handle(petalboard.Update{
		Kind: petalboard.UpdateStepStatus, RunID: "run-1", StepID: "step-fail",
		State: petalboard.StateWorking, Time: now.Add(10 * time.Millisecond),
	})
	h.Handle(petalboard.Update{
		Kind: petalboard.UpdateStepStatus, RunID: "run-1", StepID: "step-fail",
		State: petalboard.StateFailed, Time: now.Add(20 * time.Millisecond),
		Payload: map[string]any{"last_message": "agent crashed"},
	})

	spans := exporter.GetSpans()
	for _, s := range spans {
		if s.Name == "step:step-fail" {
			if s.Status.Code != otelcodes.Error {
				t.Errorf("expected Error status, got %v", s.Status.Code)
			}
			if s.Status.Description != "agent crashed" {
				t.Errorf("expected error description 'agent crashed', got %q", s.Status.Description)
			}
			foundException := false
			for _, ev := range s.Events {
				if ev.Name == "exception" {
					foundException = true
				}
			}
			if !foundException {
				t.Error("expected exception event on failed span")
			}
			return
		}
	}
	t.Error("step:step-fail span not found")
}

func TestTracingHandler_DirectCompletionStillProducesSpan(t *testing.T) {
	exporter, tp := newTestTracer()
	h := boardotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()

	h.Handle(petalboard.Update{Kind: petalboard.UpdateRunStarted, RunID: "run-1", Time: now})
	// Agent reports completion without a prior working state.
	h.Handle(petalboard.Update{
		Kind: petalboard.UpdateStepStatus, RunID: "run-1", StepID: "step-a",
		State: petalboard.StateCompleted, Time: now.Add(10 * time.Millisecond),
	})

	spans := exporter.GetSpans()
	found := false
	for _, s := range spans {
		if s.Name == "step:step-a" {
			found = true
		}
	}
	if !found {
		t.Error("expected a span for a step that completed without a working state")
	}
}

func TestTracingHandler_QuestionBecomesSpanEvent(t *testing.T) {
	exporter, tp := newTestTracer()
	h := boardotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()

	h.Handle(petalboard.Update{Kind: petalboard.UpdateRunStarted, RunID: "run-1", Time: now})
	h.Handle(petalboard.Update{
		Kind: petalboard.UpdateStepStatus, RunID: "run-1", StepID: "step-a",
		State: petalboard.StateWaiting, Time: now.Add(10 * time.Millisecond),
	})
	h.Handle(petalboard.Update{
		Kind: petalboard.UpdateQuestionPending, RunID: "run-1", StepID: "step-a",
		State: petalboard.StateWaiting, Time: now.Add(11 * time.Millisecond),
		Payload: map[string]any{"question": "Which region?"},
	})
	h.Handle(petalboard.Update{
		Kind: petalboard.UpdateStepStatus, RunID: "run-1", StepID: "step-a",
		State: petalboard.StateCompleted, Time: now.Add(20 * time.Millisecond),
	})

	spans := exporter.GetSpans()
	for _, s := range spans {
		if s.Name == "step:step-a" {
			foundQuestion := false
			for _, ev := range s.Events {
				if ev.Name == "question.pending" {
					foundQuestion = true
					for _, attr := range ev.Attributes {
						if string(attr.Key) == "petalboard.question" && attr.Value.AsString() != "Which region?" {
							t.Errorf("question attribute = %q", attr.Value.AsString())
						}
					}
				}
			}
			if !foundQuestion {
				t.Error("expected question.pending span event")
			}
			return
		}
	}
	t.Error("step:step-a span not found")
}

func TestTracingHandler_RunFinishedEndsDanglingStepSpans(t *testing.T) {
	exporter, tp := newTestTracer()
	h := boardotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()

	h.Handle(petalboard.Update{Kind: petalboard.UpdateRunStarted, RunID: "run-1", Time: now})
	h.Handle(petalboard.Update{
		Kind: petalboard.UpdateStepStatus, RunID: "run-1", StepID: "step-stuck",
		State: petalboard.StateWorking, Time: now.Add(10 * time.Millisecond),
	})
	// Watchdog fires with the step still open.
	h.Handle(petalboard.Update{
		Kind: petalboard.UpdateRunFinished, RunID: "run-1",
		Time:    now.Add(20 * time.Millisecond),
		Payload: map[string]any{"reason": "timeout"},
	})

	if h.ActiveSpanContext("run-1", "step-stuck").IsValid() {
		t.Error("expected step span to be closed by run finish")
	}

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans (step + run), got %d", len(spans))
	}

	for _, s := range spans {
		if s.Name == "run:run-1" && s.Status.Code != otelcodes.Error {
			t.Errorf("expected Error status on timed-out run, got %v", s.Status.Code)
		}
	}
}

func TestTracingHandler_FullLifecycle(t *testing.T) {
	exporter, tp := newTestTracer()
	h := boardotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()

	updates := []petalboard.Update{
		{Kind: petalboard.UpdateRunStarted, RunID: "r1", Time: now},
		{Kind: petalboard.UpdateStepStatus, RunID: "r1", StepID: "s1", AgentName: "Fetch", State: petalboard.StateWorking, Time: now.Add(1 * time.Millisecond)},
		{Kind: petalboard.UpdateStepMessage, RunID: "r1", StepID: "s1", Time: now.Add(2 * time.Millisecond), Payload: map[string]any{"text": "fetching"}},
		{Kind: petalboard.UpdateStepStatus, RunID: "r1", StepID: "s1", State: petalboard.StateCompleted, Time: now.Add(3 * time.Millisecond)},
		{Kind: petalboard.UpdateStepStatus, RunID: "r1", StepID: "s2", AgentName: "Summarize", State: petalboard.StateWorking, Time: now.Add(4 * time.Millisecond)},
		{Kind: petalboard.UpdateStepStatus, RunID: "r1", StepID: "s2", State: petalboard.StateFailed, Time: now.Add(5 * time.Millisecond), Payload: map[string]any{"last_message": "context too long"}},
		{Kind: petalboard.UpdateRunFinished, RunID: "r1", Time: now.Add(6 * time.Millisecond), Payload: map[string]any{"reason": "completed", "elapsed": "6ms"}},
	}

	for _, u := range updates {
		h.Handle(u)
	}

	spans := exporter.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans (run + 2 steps), got %d", len(spans))
	}

	names := map[string]bool{}
	for _, s := range spans {
		names[s.Name] = true
	}
	for _, expected := range []string{"run:r1", "step:s1", "step:s2"} {
		if !names[expected] {
			t.Errorf("expected span %q not found", expected)
		}
	}

	traceID := spans[0].SpanContext.TraceID()
	for _, s := range spans {
		if s.SpanContext.TraceID() != traceID {
			t.Error("expected all spans to share the same trace ID")
		}
	}
}
