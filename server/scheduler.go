package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultSchedulePollInterval = 5 * time.Second
	defaultScheduleBatchLimit   = 100
)

// RunSchedulerConfig configures the background schedule runner.
type RunSchedulerConfig struct {
	Runs         *RunService
	Store        RunScheduleStore
	PollInterval time.Duration
	BatchLimit   int
	Now          func() time.Time
	Logger       *slog.Logger
}

// RunScheduler periodically starts test runs for due schedules. A schedule
// whose workflow still has an active run is skipped until the next slot, so
// schedules never pile runs onto one workflow.
type RunScheduler struct {
	runs         *RunService
	store        RunScheduleStore
	pollInterval time.Duration
	batchLimit   int
	now          func() time.Time
	logger       *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunScheduler creates a run scheduler instance.
func NewRunScheduler(cfg RunSchedulerConfig) (*RunScheduler, error) {
	if cfg.Runs == nil {
		return nil, errors.New("run scheduler needs a run service")
	}
	if cfg.Store == nil {
		return nil, errors.New("run scheduler store is nil")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultSchedulePollInterval
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = defaultScheduleBatchLimit
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &RunScheduler{
		runs:         cfg.Runs,
		store:        cfg.Store,
		pollInterval: cfg.PollInterval,
		batchLimit:   cfg.BatchLimit,
		now:          cfg.Now,
		logger:       cfg.Logger,
	}, nil
}

// Start starts background polling.
func (s *RunScheduler) Start() {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		_ = s.RunOnce(loopCtx)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				_ = s.RunOnce(loopCtx)
			}
		}
	}()
}

// Stop stops background polling.
func (s *RunScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes a single scheduler pass.
func (s *RunScheduler) RunOnce(ctx context.Context) error {
	now := s.now().UTC()
	due, err := s.store.ListDueSchedules(ctx, now, s.batchLimit)
	if err != nil {
		return err
	}

	for _, schedule := range due {
		s.processDueSchedule(ctx, schedule, now)
	}
	return nil
}

func (s *RunScheduler) processDueSchedule(ctx context.Context, schedule RunSchedule, now time.Time) {
	if !schedule.Enabled {
		return
	}

	if run, ok := s.runs.ActiveRun(schedule.WorkflowID); ok {
		if finished, _ := run.Finished(); !finished {
			s.markSkippedOverlap(ctx, schedule, now)
			return
		}
	}

	nextRunAt, err := nextCronRunUTC(schedule.Cron, now)
	if err != nil {
		s.markScheduleFailure(ctx, schedule, now, fmt.Errorf("invalid cron expression: %w", err))
		return
	}
	schedule.NextRunAt = nextRunAt

	run, err := s.runs.StartRun(ctx, schedule.WorkflowID, schedule.Instruction)

	startedAt := now
	schedule.LastRunAt = &startedAt
	schedule.UpdatedAt = now
	if err != nil {
		schedule.LastStatus = ScheduleRunStatusFailed
		schedule.LastError = err.Error()
		s.logger.Error("scheduled run failed to start",
			"schedule_id", schedule.ID, "workflow_id", schedule.WorkflowID, "error", err)
	} else {
		schedule.LastStatus = ScheduleRunStatusStarted
		schedule.LastError = ""
		schedule.LastRunID = run.ID
	}

	if err := s.store.UpdateSchedule(ctx, schedule); err != nil {
		s.logger.Error("persist schedule run result",
			"schedule_id", schedule.ID, "workflow_id", schedule.WorkflowID, "error", err)
	}
}

func (s *RunScheduler) markSkippedOverlap(ctx context.Context, schedule RunSchedule, now time.Time) {
	nextRunAt, err := nextCronRunUTC(schedule.Cron, now)
	if err != nil {
		s.markScheduleFailure(ctx, schedule, now, fmt.Errorf("invalid cron expression: %w", err))
		return
	}

	schedule.NextRunAt = nextRunAt
	schedule.LastStatus = ScheduleRunStatusSkippedOverlap
	schedule.LastError = "skipped because a prior run is still active"
	schedule.UpdatedAt = now
	if err := s.store.UpdateSchedule(ctx, schedule); err != nil {
		s.logger.Error("persist overlap skip",
			"schedule_id", schedule.ID, "workflow_id", schedule.WorkflowID, "error", err)
	}
}

func (s *RunScheduler) markScheduleFailure(ctx context.Context, schedule RunSchedule, now time.Time, runErr error) {
	nextRunAt, nextErr := nextCronRunUTC(schedule.Cron, now)
	if nextErr == nil {
		schedule.NextRunAt = nextRunAt
	}
	schedule.LastStatus = ScheduleRunStatusFailed
	schedule.LastError = runErr.Error()
	schedule.UpdatedAt = now
	if err := s.store.UpdateSchedule(ctx, schedule); err != nil {
		s.logger.Error("persist schedule failure",
			"schedule_id", schedule.ID, "workflow_id", schedule.WorkflowID, "error", err)
	}
}
