package server

import (
	"context"
	"sync"
	"time"

	"github.com/petal-labs/petalboard/workflow"
)

// MemoryStore is an in-memory workflow store. Records are returned in
// creation order.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]WorkflowRecord
	order []string
}

// NewMemoryStore creates an empty in-memory workflow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]WorkflowRecord),
	}
}

func (s *MemoryStore) List(ctx context.Context) ([]WorkflowRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]WorkflowRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, cloneRecord(s.items[id]))
	}
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (WorkflowRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return WorkflowRecord{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.items[id]
	if !ok {
		return WorkflowRecord{}, false, nil
	}
	return cloneRecord(rec), true, nil
}

func (s *MemoryStore) Create(ctx context.Context, rec WorkflowRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[rec.ID]; exists {
		return ErrWorkflowExists
	}
	s.items[rec.ID] = cloneRecord(rec)
	s.order = append(s.order, rec.ID)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, rec WorkflowRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[rec.ID]; !exists {
		return ErrWorkflowNotFound
	}
	s.items[rec.ID] = cloneRecord(rec)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[id]; !exists {
		return ErrWorkflowNotFound
	}
	delete(s.items, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

var _ WorkflowStore = (*MemoryStore)(nil)

func cloneRecord(in WorkflowRecord) WorkflowRecord {
	out := in
	out.Definition.Steps = append([]workflow.StepDef(nil), in.Definition.Steps...)
	out.Definition.Connections = append([]workflow.ConnectionDef(nil), in.Definition.Connections...)
	return out
}

// MemoryScheduleStore is an in-memory run schedule store.
type MemoryScheduleStore struct {
	mu    sync.RWMutex
	items map[string]RunSchedule
	order []string
}

// NewMemoryScheduleStore creates an empty in-memory schedule store.
func NewMemoryScheduleStore() *MemoryScheduleStore {
	return &MemoryScheduleStore{
		items: make(map[string]RunSchedule),
	}
}

func (s *MemoryScheduleStore) ListSchedules(ctx context.Context, workflowID string) ([]RunSchedule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []RunSchedule
	for _, id := range s.order {
		sch := s.items[id]
		if workflowID == "" || sch.WorkflowID == workflowID {
			out = append(out, sch)
		}
	}
	return out, nil
}

func (s *MemoryScheduleStore) GetSchedule(ctx context.Context, workflowID, scheduleID string) (RunSchedule, bool, error) {
	if err := ctx.Err(); err != nil {
		return RunSchedule{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	sch, ok := s.items[scheduleID]
	if !ok || sch.WorkflowID != workflowID {
		return RunSchedule{}, false, nil
	}
	return sch, true, nil
}

func (s *MemoryScheduleStore) CreateSchedule(ctx context.Context, sch RunSchedule) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[sch.ID]; exists {
		return ErrScheduleExists
	}
	s.items[sch.ID] = sch
	s.order = append(s.order, sch.ID)
	return nil
}

func (s *MemoryScheduleStore) UpdateSchedule(ctx context.Context, sch RunSchedule) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[sch.ID]; !exists {
		return ErrScheduleNotFound
	}
	s.items[sch.ID] = sch
	return nil
}

func (s *MemoryScheduleStore) DeleteSchedule(ctx context.Context, workflowID, scheduleID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sch, exists := s.items[scheduleID]
	if !exists || sch.WorkflowID != workflowID {
		return ErrScheduleNotFound
	}
	delete(s.items, scheduleID)
	s.removeFromOrder(scheduleID)
	return nil
}

func (s *MemoryScheduleStore) DeleteSchedulesByWorkflow(ctx context.Context, workflowID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, sch := range s.items {
		if sch.WorkflowID == workflowID {
			delete(s.items, id)
			s.removeFromOrder(id)
		}
	}
	return nil
}

func (s *MemoryScheduleStore) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]RunSchedule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []RunSchedule
	for _, id := range s.order {
		sch := s.items[id]
		if !sch.Enabled || sch.NextRunAt.After(now) {
			continue
		}
		out = append(out, sch)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryScheduleStore) removeFromOrder(id string) {
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

var _ RunScheduleStore = (*MemoryScheduleStore)(nil)
