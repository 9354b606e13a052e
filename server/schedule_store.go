package server

import (
	"context"
	"errors"
	"time"
)

var (
	ErrScheduleExists   = errors.New("run schedule already exists")
	ErrScheduleNotFound = errors.New("run schedule not found")
)

const (
	ScheduleRunStatusStarted        = "started"
	ScheduleRunStatusFailed         = "failed"
	ScheduleRunStatusSkippedOverlap = "skipped_overlap"
)

// RunSchedule represents a persisted cron schedule that starts a test run
// of a workflow. Runs are asynchronous: the schedule records that a run was
// started, not its outcome.
type RunSchedule struct {
	ID          string `json:"id"`
	WorkflowID  string `json:"workflow_id"`
	Cron        string `json:"cron"`
	Enabled     bool   `json:"enabled"`
	Instruction string `json:"instruction,omitempty"`

	NextRunAt  time.Time  `json:"next_run_at"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastRunID  string     `json:"last_run_id,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunScheduleStore provides CRUD + due scheduling operations.
type RunScheduleStore interface {
	ListSchedules(ctx context.Context, workflowID string) ([]RunSchedule, error)
	GetSchedule(ctx context.Context, workflowID, scheduleID string) (RunSchedule, bool, error)
	CreateSchedule(ctx context.Context, schedule RunSchedule) error
	UpdateSchedule(ctx context.Context, schedule RunSchedule) error
	DeleteSchedule(ctx context.Context, workflowID, scheduleID string) error
	DeleteSchedulesByWorkflow(ctx context.Context, workflowID string) error
	ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]RunSchedule, error)
}
