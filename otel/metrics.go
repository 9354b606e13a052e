package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/petalboard"
)

// MetricsHandler translates run updates into OpenTelemetry metrics. It
// records counters and histograms for step completions, failures, token
// usage, and run durations.
type MetricsHandler struct {
	stepCompletions metric.Int64Counter
	stepFailures    metric.Int64Counter
	stepTokens      metric.Int64Counter
	stepDuration    metric.Float64Histogram
	runDuration     metric.Float64Histogram

	mu   sync.Mutex
	seen map[string]bool // runID:stepID already counted as terminal
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to
// create instruments for recording run metrics.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	completions, err := meter.Int64Counter("petalboard.step.completions",
		metric.WithDescription("Number of completed steps"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter("petalboard.step.failures",
		metric.WithDescription("Number of failed steps"),
	)
	if err != nil {
		return nil, err
	}

	tokens, err := meter.Int64Counter("petalboard.step.tokens",
		metric.WithDescription("Total tokens reported for completed steps"),
	)
	if err != nil {
		return nil, err
	}

	stepDur, err := meter.Float64Histogram("petalboard.step.duration",
		metric.WithDescription("Duration of step execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	runDur, err := meter.Float64Histogram("petalboard.run.duration",
		metric.WithDescription("Duration of a test run in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		stepCompletions: completions,
		stepFailures:    failures,
		stepTokens:      tokens,
		stepDuration:    stepDur,
		runDuration:     runDur,
		seen:            make(map[string]bool),
	}, nil
}

// Handle processes one run update and records the appropriate metrics.
func (h *MetricsHandler) Handle(u petalboard.Update) {
	switch u.Kind {
	case petalboard.UpdateStepStatus:
		h.handleStepStatus(u)
	case petalboard.UpdateRunFinished:
		h.handleRunFinished(u)
	}
}

// handleStepStatus records terminal step transitions once per step. Status
// updates repeat while messages arrive after completion, so the first
// terminal state wins.
func (h *MetricsHandler) handleStepStatus(u petalboard.Update) {
	if u.State != petalboard.StateCompleted && u.State != petalboard.StateFailed {
		return
	}

	key := u.RunID + ":" + u.StepID
	h.mu.Lock()
	if h.seen[key] {
		h.mu.Unlock()
		return
	}
	h.seen[key] = true
	h.mu.Unlock()

	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("step_id", u.StepID),
		attribute.String("agent", u.AgentName),
	)

	if u.State == petalboard.StateFailed {
		h.stepFailures.Add(ctx, 1, attrs)
		return
	}

	h.stepCompletions.Add(ctx, 1, attrs)
	if ms, ok := payloadInt64(u.Payload, "duration_ms"); ok {
		h.stepDuration.Record(ctx, float64(ms)/1000.0, attrs)
	}
	if tokens, ok := payloadInt64(u.Payload, "total_tokens"); ok {
		h.stepTokens.Add(ctx, tokens, attrs)
	}
}

// handleRunFinished records the run duration and drops per-step dedup state.
func (h *MetricsHandler) handleRunFinished(u petalboard.Update) {
	h.mu.Lock()
	prefix := u.RunID + ":"
	for key := range h.seen {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(h.seen, key)
		}
	}
	h.mu.Unlock()

	elapsed := payloadString(u.Payload, "elapsed")
	d, err := time.ParseDuration(elapsed)
	if err != nil {
		return
	}

	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("run_id", u.RunID),
		attribute.String("reason", payloadString(u.Payload, "reason")),
	)
	h.runDuration.Record(ctx, d.Seconds(), attrs)
}
