//go:build integration

// Package integration contains end to end tests that exercise the full
// HTTP surface: workflow CRUD, run lifecycle, the inbound event webhook,
// and the SSE update stream, with a stub orchestrator standing in for the
// external agent host. These tests are excluded from normal
// `go test ./...` runs and require:
//
//	go test -tags=integration ./tests/integration/... -v -count=1
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/petal-labs/petalboard/bus"
	"github.com/petal-labs/petalboard/server"
)

// stubOrchestrator records program submissions the way the external agent
// host would receive them.
type stubOrchestrator struct {
	mu          sync.Mutex
	submissions []submission
	received    chan struct{}
}

type submission struct {
	ContextID   string `json:"context_id"`
	Program     string `json:"program"`
	Instruction string `json:"instruction"`
}

func newStubOrchestrator() *stubOrchestrator {
	return &stubOrchestrator{received: make(chan struct{}, 16)}
}

func (o *stubOrchestrator) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var sub submission
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		o.mu.Lock()
		o.submissions = append(o.submissions, sub)
		o.mu.Unlock()
		o.received <- struct{}{}
		w.WriteHeader(http.StatusAccepted)
	})
}

func (o *stubOrchestrator) last(t *testing.T) submission {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.submissions) == 0 {
		t.Fatal("no submissions recorded")
	}
	return o.submissions[len(o.submissions)-1]
}

// testStack is a fully wired server plus its stub orchestrator.
type testStack struct {
	api          *httptest.Server
	orchestrator *stubOrchestrator
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	orch := newStubOrchestrator()
	orchServer := httptest.NewServer(orch.handler())
	t.Cleanup(orchServer.Close)

	store := server.NewMemoryStore()
	scheduleStore := server.NewMemoryScheduleStore()
	eb := bus.NewMemBus(bus.MemBusConfig{})
	t.Cleanup(func() { _ = eb.Close() })
	updateStore := bus.NewMemUpdateStore()

	runs := server.NewRunService(server.RunServiceConfig{
		Store:       store,
		Bus:         eb,
		UpdateStore: updateStore,
		Submitter: server.NewHTTPSubmitter(server.HTTPSubmitterConfig{
			Endpoint: orchServer.URL,
		}),
	})

	api := httptest.NewServer(server.NewServer(server.ServerConfig{
		Store:         store,
		ScheduleStore: scheduleStore,
		Runs:          runs,
		Bus:           eb,
		UpdateStore:   updateStore,
	}).Handler())
	t.Cleanup(api.Close)

	return &testStack{api: api, orchestrator: orch}
}

// doJSON issues a request with a JSON body and decodes the JSON response
// into out (when out is non-nil).
func (s *testStack) doJSON(t *testing.T, method, path string, body any, out any) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, s.api.URL+path, reader)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s %s response: %v", method, path, err)
		}
	}
	return resp
}
