// Package sse provides a Server-Sent Events handler for streaming run
// updates to HTTP clients. It supports replaying stored updates and
// subscribing to live updates via the update bus.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/petal-labs/petalboard"
	"github.com/petal-labs/petalboard/bus"
)

// HeartbeatInterval is the interval between SSE heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// sseUpdate is the JSON-serializable representation of a run update sent
// over the SSE stream.
type sseUpdate struct {
	Kind      string         `json:"kind"`
	RunID     string         `json:"run_id"`
	StepID    string         `json:"step_id,omitempty"`
	AgentName string         `json:"agent_name,omitempty"`
	State     string         `json:"state,omitempty"`
	Time      time.Time      `json:"time"`
	Payload   map[string]any `json:"payload"`
	Seq       uint64         `json:"seq"`
}

func toSSEUpdate(u petalboard.Update) sseUpdate {
	return sseUpdate{
		Kind:      string(u.Kind),
		RunID:     u.RunID,
		StepID:    u.StepID,
		AgentName: u.AgentName,
		State:     string(u.State),
		Time:      u.Time,
		Payload:   u.Payload,
		Seq:       u.Seq,
	}
}

// SSEHandler serves an SSE stream of run updates for a given run. It first
// replays stored updates from the UpdateStore, then subscribes to live
// updates via the UpdateBus. Duplicate updates (by sequence number) are
// skipped.
//
// The handler expects a "run_id" path value (Go 1.22+ ServeMux) and an
// optional "after" query parameter to specify the last-seen sequence number.
//
// SSE format:
//
//	id: {seq}
//	event: {kind}
//	data: {json}
//
// A heartbeat comment ": ping\n\n" is sent every 15 seconds.
// The stream closes when a "run.finished" update is sent or the client
// disconnects.
type SSEHandler struct {
	store bus.UpdateStore
	bus   bus.UpdateBus
}

// NewSSEHandler creates a new SSEHandler with the given UpdateStore and
// UpdateBus.
func NewSSEHandler(store bus.UpdateStore, ub bus.UpdateBus) *SSEHandler {
	return &SSEHandler{
		store: store,
		bus:   ub,
	}
}

// ServeHTTP implements http.Handler. It streams updates for the run
// identified by the "run_id" path value.
func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if runID == "" {
		http.Error(w, "missing run_id", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Parse optional ?after= cursor.
	var afterSeq uint64
	if afterStr := r.URL.Query().Get("after"); afterStr != "" {
		parsed, err := strconv.ParseUint(afterStr, 10, 64)
		if err != nil {
			http.Error(w, "invalid after parameter", http.StatusBadRequest)
			return
		}
		afterSeq = parsed
	}

	// Set SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()

	// Subscribe to live updates before replaying stored ones, to avoid
	// missing updates that arrive between replay and subscription.
	sub := h.bus.Subscribe(runID)
	defer sub.Close()

	// Phase 1: Replay stored updates.
	var lastSeq uint64
	if afterSeq > 0 {
		lastSeq = afterSeq
	}

	finished, err := h.replayStored(ctx, w, flusher, runID, afterSeq, &lastSeq)
	if err != nil || finished {
		return
	}

	// Phase 2: Stream live updates with heartbeat.
	h.streamLive(ctx, w, flusher, sub, &lastSeq)
}

// replayStored replays updates from the store, writing them to the SSE
// stream. It returns true if a run.finished update was sent (stream should
// close) or if the context was cancelled.
func (h *SSEHandler) replayStored(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	runID string,
	afterSeq uint64,
	lastSeq *uint64,
) (finished bool, err error) {
	updates, err := h.store.List(ctx, runID, afterSeq, 0)
	if err != nil {
		return false, err
	}

	for _, u := range updates {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		if err := writeSSEUpdate(w, u); err != nil {
			return false, err
		}
		flusher.Flush()

		if u.Seq > *lastSeq {
			*lastSeq = u.Seq
		}

		if u.Kind == petalboard.UpdateRunFinished {
			return true, nil
		}
	}

	return false, nil
}

// streamLive streams updates from the live subscription, deduplicating
// against already-sent sequence numbers.
func (h *SSEHandler) streamLive(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	sub bus.Subscription,
	lastSeq *uint64,
) {
	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case u, ok := <-sub.Updates():
			if !ok {
				// Subscription closed.
				return
			}

			// Dedup: skip updates already sent during replay.
			if u.Seq <= *lastSeq {
				continue
			}

			if err := writeSSEUpdate(w, u); err != nil {
				return
			}
			flusher.Flush()

			*lastSeq = u.Seq

			if u.Kind == petalboard.UpdateRunFinished {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEUpdate writes a single update in SSE format.
func writeSSEUpdate(w http.ResponseWriter, u petalboard.Update) error {
	data, err := json.Marshal(toSSEUpdate(u))
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", u.Seq, u.Kind, data)
	return err
}
