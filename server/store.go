// Package server exposes the board over HTTP: workflow CRUD, run control,
// the inbound orchestrator webhook, SSE update streaming, and scheduled
// runs. Storage backends are pluggable; in-memory and SQLite are provided.
package server

import (
	"context"
	"errors"
	"time"

	"github.com/petal-labs/petalboard/workflow"
)

// Sentinel errors for store operations.
var (
	ErrWorkflowExists   = errors.New("workflow already exists")
	ErrWorkflowNotFound = errors.New("workflow not found")
)

// WorkflowRecord represents a stored workflow: its board snapshot plus the
// program text compiled from it at save time.
type WorkflowRecord struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	Definition workflow.Definition `json:"definition"`
	Program    string              `json:"program"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

// WorkflowStore provides CRUD operations for workflow records.
type WorkflowStore interface {
	List(ctx context.Context) ([]WorkflowRecord, error)
	Get(ctx context.Context, id string) (WorkflowRecord, bool, error)
	Create(ctx context.Context, rec WorkflowRecord) error
	Update(ctx context.Context, rec WorkflowRecord) error
	Delete(ctx context.Context, id string) error
}
