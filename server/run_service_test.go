package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/petalboard"
	"github.com/petal-labs/petalboard/bus"
)

type recordingSubmitter struct {
	mu   sync.Mutex
	reqs []petalboard.SubmitRequest
	sent chan struct{}
}

func newRecordingSubmitter() *recordingSubmitter {
	return &recordingSubmitter{sent: make(chan struct{}, 16)}
}

func (s *recordingSubmitter) SendMessage(_ context.Context, req petalboard.SubmitRequest) error {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	s.sent <- struct{}{}
	return nil
}

func (s *recordingSubmitter) wait(t *testing.T) petalboard.SubmitRequest {
	t.Helper()
	select {
	case <-s.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for submission")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reqs[len(s.reqs)-1]
}

func newTestRunService(t *testing.T, sub petalboard.Submitter) (*RunService, *MemoryStore, *bus.MemUpdateStore) {
	t.Helper()
	store := NewMemoryStore()
	updates := bus.NewMemUpdateStore()
	svc := NewRunService(RunServiceConfig{
		Store:       store,
		UpdateStore: updates,
		Submitter:   sub,
	})
	return svc, store, updates
}

func TestStartRunSubmitsProgram(t *testing.T) {
	ctx := context.Background()
	sub := newRecordingSubmitter()
	svc, store, updates := newTestRunService(t, sub)

	if err := store.Create(ctx, sampleRecord("wf-1")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	run, err := svc.StartRun(ctx, "wf-1", "be brief")
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if run.Program() == "" {
		t.Error("run has no program")
	}

	req := sub.wait(t)
	if req.Program != run.Program() {
		t.Errorf("submitted program = %q, want %q", req.Program, run.Program())
	}
	if req.Instruction != "be brief" {
		t.Errorf("instruction = %q, want %q", req.Instruction, "be brief")
	}
	if req.ContextID != run.ID {
		t.Errorf("context ID = %q, want run ID %q", req.ContextID, run.ID)
	}

	stored, err := updates.List(ctx, run.ID, 0, 0)
	if err != nil {
		t.Fatalf("List updates: %v", err)
	}
	if len(stored) == 0 || stored[0].Kind != petalboard.UpdateRunStarted {
		t.Errorf("stored updates = %v, want run.started first", stored)
	}
}

func TestStartRunUnknownWorkflow(t *testing.T) {
	svc, _, _ := newTestRunService(t, nil)
	_, err := svc.StartRun(context.Background(), "ghost", "")
	if !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("StartRun = %v, want ErrWorkflowNotFound", err)
	}
}

func TestStartRunEmptyWorkflow(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestRunService(t, nil)

	rec := sampleRecord("wf-1")
	rec.Definition.Steps = nil
	rec.Definition.Connections = nil
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, err := svc.StartRun(ctx, "wf-1", "")
	if !errors.Is(err, ErrEmptyWorkflow) {
		t.Fatalf("StartRun = %v, want ErrEmptyWorkflow", err)
	}
}

func TestStartRunStopsPreviousRun(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestRunService(t, nil)

	if err := store.Create(ctx, sampleRecord("wf-1")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	first, err := svc.StartRun(ctx, "wf-1", "")
	if err != nil {
		t.Fatalf("first StartRun: %v", err)
	}
	second, err := svc.StartRun(ctx, "wf-1", "")
	if err != nil {
		t.Fatalf("second StartRun: %v", err)
	}

	if finished, reason := first.Finished(); !finished || reason != petalboard.FinishStopped {
		t.Errorf("first run finished = %v, %v; want true, stopped", finished, reason)
	}
	if finished, _ := second.Finished(); finished {
		t.Error("second run finished prematurely")
	}

	active, ok := svc.ActiveRun("wf-1")
	if !ok || active.ID != second.ID {
		t.Errorf("ActiveRun = %v, want second run", active)
	}
}

func TestHandleEventRoutesToRun(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestRunService(t, nil)

	if err := store.Create(ctx, sampleRecord("wf-1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	run, err := svc.StartRun(ctx, "wf-1", "")
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	ev := petalboard.TaskUpdateEvent{AgentName: "Fetch", State: petalboard.TaskWorking, Message: "fetching"}
	if err := svc.HandleEvent(run.ID, ev); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	snap := run.Snapshot()
	if st := snap["a"]; st.State != petalboard.StateWorking {
		t.Errorf("step a state = %v, want working", st.State)
	}

	if err := svc.HandleEvent("ghost", ev); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("HandleEvent unknown run = %v, want ErrRunNotFound", err)
	}
}

func TestReplyResubmitsProgram(t *testing.T) {
	ctx := context.Background()
	sub := newRecordingSubmitter()
	svc, store, _ := newTestRunService(t, sub)

	if err := store.Create(ctx, sampleRecord("wf-1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	run, err := svc.StartRun(ctx, "wf-1", "")
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	sub.wait(t) // initial submission

	if err := svc.Reply(ctx, run.ID, "yes, proceed"); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	req := sub.wait(t)
	if req.Instruction != "yes, proceed" {
		t.Errorf("reply instruction = %q", req.Instruction)
	}
	if req.Program != run.Program() {
		t.Error("reply did not carry the program text")
	}
}

func TestStopRun(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestRunService(t, nil)

	if err := store.Create(ctx, sampleRecord("wf-1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	run, err := svc.StartRun(ctx, "wf-1", "")
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	if err := svc.StopRun(run.ID); err != nil {
		t.Fatalf("StopRun: %v", err)
	}
	if finished, reason := run.Finished(); !finished || reason != petalboard.FinishStopped {
		t.Errorf("finished = %v, %v; want true, stopped", finished, reason)
	}

	if err := svc.StopRun("ghost"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("StopRun unknown = %v, want ErrRunNotFound", err)
	}
}

func TestToggleMessages(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestRunService(t, nil)

	if err := store.Create(ctx, sampleRecord("wf-1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	run, err := svc.StartRun(ctx, "wf-1", "")
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	if err := svc.ToggleMessages(run.ID, "a"); err != nil {
		t.Fatalf("ToggleMessages: %v", err)
	}
	if st := run.Snapshot()["a"]; !st.MessagesCollapsed {
		t.Error("step a not collapsed after toggle")
	}
}
