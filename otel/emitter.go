package otel

import (
	"github.com/petal-labs/petalboard"
)

// EnrichEmitter wraps an update emitter with OpenTelemetry trace context.
// When updates are emitted, it looks up the active span from the
// TracingHandler and adds trace_id and span_id entries to the payload.
//
// For step-level updates (where StepID is set), the step span is checked
// first. If no step span is found, it falls back to the run-level span.
// When no span is active, the update passes through unchanged.
func EnrichEmitter(emit func(petalboard.Update), tracing *TracingHandler) func(petalboard.Update) {
	return func(u petalboard.Update) {
		var traceID, spanID string

		if u.StepID != "" {
			sc := tracing.ActiveSpanContext(u.RunID, u.StepID)
			if sc.IsValid() {
				traceID = sc.TraceID().String()
				spanID = sc.SpanID().String()
			}
		}
		if traceID == "" && u.RunID != "" {
			sc := tracing.ActiveRunSpanContext(u.RunID)
			if sc.IsValid() {
				traceID = sc.TraceID().String()
				spanID = sc.SpanID().String()
			}
		}

		if traceID != "" {
			if u.Payload == nil {
				u.Payload = make(map[string]any)
			}
			u.Payload["trace_id"] = traceID
			u.Payload["span_id"] = spanID
		}
		emit(u)
	}
}
