package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/petal-labs/petalboard"
	"github.com/petal-labs/petalboard/bus"
)

// Sentinel errors for run operations.
var (
	ErrRunNotFound   = errors.New("run not found")
	ErrEmptyWorkflow = errors.New("workflow has no steps")
)

// RunServiceConfig configures a RunService.
type RunServiceConfig struct {
	Store       WorkflowStore
	Bus         bus.UpdateBus
	UpdateStore bus.UpdateStore
	Submitter   petalboard.Submitter
	RunConfig   petalboard.RunConfig
	Logger      *slog.Logger
}

// RunService owns the live test runs. Each workflow has at most one active
// run; starting a new one stops the previous. Every run update is persisted
// for SSE replay and published on the bus for live streams.
type RunService struct {
	store       WorkflowStore
	bus         bus.UpdateBus
	updateStore bus.UpdateStore
	submitter   petalboard.Submitter
	runCfg      petalboard.RunConfig
	logger      *slog.Logger

	mu         sync.Mutex
	runs       map[string]*petalboard.Run // runID -> run
	byWorkflow map[string]string          // workflowID -> active runID
}

// NewRunService creates a RunService.
func NewRunService(cfg RunServiceConfig) *RunService {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RunService{
		store:       cfg.Store,
		bus:         cfg.Bus,
		updateStore: cfg.UpdateStore,
		submitter:   cfg.Submitter,
		runCfg:      cfg.RunConfig,
		logger:      logger,
		runs:        make(map[string]*petalboard.Run),
		byWorkflow:  make(map[string]string),
	}
}

// StartRun compiles the stored workflow and starts a test run, submitting
// the program to the orchestrator. A still-active previous run for the same
// workflow is stopped first.
func (s *RunService) StartRun(ctx context.Context, workflowID, instruction string) (*petalboard.Run, error) {
	rec, ok, err := s.store.Get(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load workflow %q: %w", workflowID, err)
	}
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	if len(rec.Definition.Steps) == 0 {
		return nil, ErrEmptyWorkflow
	}

	board := rec.Definition.ToBoard()
	run := petalboard.NewRun(workflowID, board, s.runCfg, s.submitter, s.publish, s.logger)

	s.mu.Lock()
	if prevID, ok := s.byWorkflow[workflowID]; ok {
		if prev, ok := s.runs[prevID]; ok {
			if finished, _ := prev.Finished(); !finished {
				prev.Finish(petalboard.FinishStopped)
			}
		}
	}
	s.runs[run.ID] = run
	s.byWorkflow[workflowID] = run.ID
	s.mu.Unlock()

	s.logger.Info("run started", "run_id", run.ID, "workflow_id", workflowID)
	run.Start(ctx, run.ID, instruction)
	return run, nil
}

// Get returns the run with the given ID.
func (s *RunService) Get(runID string) (*petalboard.Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	return run, ok
}

// ActiveRun returns the current run for a workflow, if any.
func (s *RunService) ActiveRun(workflowID string) (*petalboard.Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runID, ok := s.byWorkflow[workflowID]
	if !ok {
		return nil, false
	}
	run, ok := s.runs[runID]
	return run, ok
}

// HandleEvent routes one inbound orchestrator event to its run.
func (s *RunService) HandleEvent(runID string, ev petalboard.InboundEvent) error {
	run, ok := s.Get(runID)
	if !ok {
		return ErrRunNotFound
	}
	run.HandleEvent(ev)
	return nil
}

// Reply forwards a user's answer for a waiting step to the orchestrator.
func (s *RunService) Reply(ctx context.Context, runID, text string) error {
	run, ok := s.Get(runID)
	if !ok {
		return ErrRunNotFound
	}
	run.Reply(ctx, run.ID, text)
	return nil
}

// StopRun ends a run early at the user's request.
func (s *RunService) StopRun(runID string) error {
	run, ok := s.Get(runID)
	if !ok {
		return ErrRunNotFound
	}
	run.Finish(petalboard.FinishStopped)
	return nil
}

// ToggleMessages flips a step's message collapse state on the active run.
func (s *RunService) ToggleMessages(runID, stepID string) error {
	run, ok := s.Get(runID)
	if !ok {
		return ErrRunNotFound
	}
	run.ToggleMessages(stepID)
	return nil
}

// publish persists an update and fans it out to subscribers. Persist first,
// so a replaying SSE client can never miss an update it saw announced.
func (s *RunService) publish(u petalboard.Update) {
	if s.updateStore != nil {
		if err := s.updateStore.Append(context.Background(), u); err != nil {
			s.logger.Error("failed to persist update",
				"run_id", u.RunID,
				"kind", u.Kind,
				"seq", u.Seq,
				"error", err,
			)
		}
	}
	if s.bus != nil {
		s.bus.Publish(u)
	}
}
