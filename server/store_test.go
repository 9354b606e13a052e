package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petal-labs/petalboard/workflow"
)

func sampleRecord(id string) WorkflowRecord {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return WorkflowRecord{
		ID:   id,
		Name: "Sample",
		Definition: workflow.Definition{
			ID:   id,
			Name: "Sample",
			Steps: []workflow.StepDef{
				{ID: "a", AgentID: "agent-1", AgentName: "Fetch", Order: 1},
				{ID: "b", AgentID: "agent-2", AgentName: "Summarize", Order: 2},
			},
			Connections: []workflow.ConnectionDef{
				{ID: "c1", From: "a", To: "b"},
			},
		},
		Program:   "1. [Fetch] Use the Fetch agent\n2. [Summarize] Use the Summarize agent",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestMemoryStoreCRUD(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.Create(ctx, sampleRecord("wf-1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(ctx, sampleRecord("wf-1")); !errors.Is(err, ErrWorkflowExists) {
		t.Fatalf("duplicate Create = %v, want ErrWorkflowExists", err)
	}
	if err := store.Create(ctx, sampleRecord("wf-2")); err != nil {
		t.Fatalf("Create second: %v", err)
	}

	rec, ok, err := store.Get(ctx, "wf-1")
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v, %v", rec, ok, err)
	}
	if got := len(rec.Definition.Steps); got != 2 {
		t.Errorf("steps = %d, want 2", got)
	}

	records, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 2 || records[0].ID != "wf-1" || records[1].ID != "wf-2" {
		t.Errorf("List order = %v", records)
	}

	rec.Name = "Renamed"
	if err := store.Update(ctx, rec); err != nil {
		t.Fatalf("Update: %v", err)
	}
	updated, _, _ := store.Get(ctx, "wf-1")
	if updated.Name != "Renamed" {
		t.Errorf("Name = %q, want %q", updated.Name, "Renamed")
	}

	if err := store.Delete(ctx, "wf-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(ctx, "wf-1"); !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("second Delete = %v, want ErrWorkflowNotFound", err)
	}
	if _, ok, _ := store.Get(ctx, "wf-1"); ok {
		t.Error("deleted workflow still present")
	}
}

func TestMemoryStoreUpdateMissing(t *testing.T) {
	store := NewMemoryStore()
	err := store.Update(context.Background(), sampleRecord("ghost"))
	if !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("Update = %v, want ErrWorkflowNotFound", err)
	}
}

func TestMemoryStoreIsolatesCallers(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Create(ctx, sampleRecord("wf-1")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec, _, _ := store.Get(ctx, "wf-1")
	rec.Definition.Steps[0].AgentName = "Mutated"

	fresh, _, _ := store.Get(ctx, "wf-1")
	if fresh.Definition.Steps[0].AgentName != "Fetch" {
		t.Error("caller mutation leaked into the store")
	}
}

func TestMemoryScheduleStoreCRUD(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryScheduleStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	sch := RunSchedule{
		ID:         "sch-1",
		WorkflowID: "wf-1",
		Cron:       "0 * * * *",
		Enabled:    true,
		NextRunAt:  now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := store.CreateSchedule(ctx, sch); err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	if err := store.CreateSchedule(ctx, sch); !errors.Is(err, ErrScheduleExists) {
		t.Fatalf("duplicate CreateSchedule = %v, want ErrScheduleExists", err)
	}

	got, ok, err := store.GetSchedule(ctx, "wf-1", "sch-1")
	if err != nil || !ok {
		t.Fatalf("GetSchedule = %v, %v, %v", got, ok, err)
	}
	if _, ok, _ := store.GetSchedule(ctx, "other-wf", "sch-1"); ok {
		t.Error("schedule visible under the wrong workflow")
	}

	got.Enabled = false
	if err := store.UpdateSchedule(ctx, got); err != nil {
		t.Fatalf("UpdateSchedule: %v", err)
	}

	if err := store.DeleteSchedule(ctx, "wf-1", "sch-1"); err != nil {
		t.Fatalf("DeleteSchedule: %v", err)
	}
	if err := store.DeleteSchedule(ctx, "wf-1", "sch-1"); !errors.Is(err, ErrScheduleNotFound) {
		t.Fatalf("second DeleteSchedule = %v, want ErrScheduleNotFound", err)
	}
}

func TestMemoryScheduleStoreListDue(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryScheduleStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	put := func(id string, enabled bool, next time.Time) {
		t.Helper()
		err := store.CreateSchedule(ctx, RunSchedule{
			ID: id, WorkflowID: "wf-1", Cron: "0 * * * *",
			Enabled: enabled, NextRunAt: next, CreatedAt: now, UpdatedAt: now,
		})
		if err != nil {
			t.Fatalf("CreateSchedule %s: %v", id, err)
		}
	}

	put("due-1", true, now.Add(-time.Minute))
	put("due-2", true, now)
	put("future", true, now.Add(time.Minute))
	put("disabled", false, now.Add(-time.Minute))

	due, err := store.ListDueSchedules(ctx, now, 0)
	if err != nil {
		t.Fatalf("ListDueSchedules: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("due = %d schedules, want 2", len(due))
	}
	if due[0].ID != "due-1" || due[1].ID != "due-2" {
		t.Errorf("due IDs = %s, %s", due[0].ID, due[1].ID)
	}

	limited, err := store.ListDueSchedules(ctx, now, 1)
	if err != nil {
		t.Fatalf("ListDueSchedules limited: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limited = %d schedules, want 1", len(limited))
	}
}

func TestMemoryScheduleStoreDeleteByWorkflow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryScheduleStore()
	now := time.Now()

	for _, sch := range []RunSchedule{
		{ID: "a", WorkflowID: "wf-1", Cron: "0 * * * *", NextRunAt: now},
		{ID: "b", WorkflowID: "wf-1", Cron: "0 * * * *", NextRunAt: now},
		{ID: "c", WorkflowID: "wf-2", Cron: "0 * * * *", NextRunAt: now},
	} {
		if err := store.CreateSchedule(ctx, sch); err != nil {
			t.Fatalf("CreateSchedule %s: %v", sch.ID, err)
		}
	}

	if err := store.DeleteSchedulesByWorkflow(ctx, "wf-1"); err != nil {
		t.Fatalf("DeleteSchedulesByWorkflow: %v", err)
	}

	remaining, _ := store.ListSchedules(ctx, "")
	if len(remaining) != 1 || remaining[0].ID != "c" {
		t.Errorf("remaining = %v, want only c", remaining)
	}
}
