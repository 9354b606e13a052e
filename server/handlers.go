package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/petalboard"
	"github.com/petal-labs/petalboard/workflow"
)

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Workflows ---

// handleListWorkflows returns all workflows.
func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// handleGetWorkflow returns a single workflow by ID.
func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("workflow %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleCreateWorkflow creates a workflow from a board definition body.
// Warnings do not block creation; errors do.
func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	def, ok := s.decodeDefinition(w, r)
	if !ok {
		return
	}

	diags := def.Validate()
	if workflow.HasErrors(diags) {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			"workflow validation failed", diagMessages(workflow.Errors(diags))...)
		return
	}

	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	program, _ := def.Program()

	now := time.Now()
	rec := WorkflowRecord{
		ID:         def.ID,
		Name:       def.Name,
		Definition: def,
		Program:    program,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.store.Create(r.Context(), rec); err != nil {
		if errors.Is(err, ErrWorkflowExists) {
			writeError(w, http.StatusConflict, "CONFLICT", fmt.Sprintf("workflow %q already exists", def.ID))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, rec)
}

// handleUpdateWorkflow replaces a workflow's definition.
func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	def, ok := s.decodeDefinition(w, r)
	if !ok {
		return
	}
	def.ID = id

	diags := def.Validate()
	if workflow.HasErrors(diags) {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			"workflow validation failed", diagMessages(workflow.Errors(diags))...)
		return
	}

	existing, found, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("workflow %q not found", id))
		return
	}

	program, _ := def.Program()
	rec := WorkflowRecord{
		ID:         id,
		Name:       def.Name,
		Definition: def,
		Program:    program,
		CreatedAt:  existing.CreatedAt,
		UpdatedAt:  time.Now(),
	}

	if err := s.store.Update(r.Context(), rec); err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleDeleteWorkflow removes a workflow and its schedules.
func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, ErrWorkflowNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("workflow %q not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if s.scheduleStore != nil {
		if err := s.scheduleStore.DeleteSchedulesByWorkflow(r.Context(), id); err != nil {
			s.logger.Error("delete schedules for workflow", "workflow_id", id, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleValidateWorkflow returns the full diagnostics for a stored workflow.
func (s *Server) handleValidateWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("workflow %q not found", id))
		return
	}

	diags := rec.Definition.Validate()
	writeJSON(w, http.StatusOK, map[string]any{
		"diagnostics": diags,
		"valid":       !workflow.HasErrors(diags),
	})
}

// handleWorkflowProgram compiles the stored definition and returns the
// program text plus the order index.
func (s *Server) handleWorkflowProgram(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("workflow %q not found", id))
		return
	}

	program, orderIndex := rec.Definition.Program()
	writeJSON(w, http.StatusOK, map[string]any{
		"program":     program,
		"order_index": orderIndex,
	})
}

// --- Runs ---

type startRunRequest struct {
	Instruction string `json:"instruction,omitempty"`
}

// handleStartRun starts a test run for a workflow.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req startRunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
			return
		}
	}

	run, err := s.runs.StartRun(r.Context(), id, req.Instruction)
	if err != nil {
		switch {
		case errors.Is(err, ErrWorkflowNotFound):
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("workflow %q not found", id))
		case errors.Is(err, ErrEmptyWorkflow):
			writeError(w, http.StatusUnprocessableEntity, "EMPTY_WORKFLOW", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "RUN_ERROR", err.Error())
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"run_id":      run.ID,
		"workflow_id": id,
		"program":     run.Program(),
		"order_index": run.OrderIndex(),
	})
}

// runStatusResponse is the JSON shape of a run snapshot.
type runStatusResponse struct {
	RunID      string                `json:"run_id"`
	WorkflowID string                `json:"workflow_id"`
	Finished   bool                  `json:"finished"`
	Reason     string                `json:"reason,omitempty"`
	Steps      map[string]stepStatus `json:"steps"`
}

type stepStatus struct {
	State             string        `json:"state"`
	Messages          []stepMessage `json:"messages,omitempty"`
	StartTime         *time.Time    `json:"start_time,omitempty"`
	DurationMs        int64         `json:"duration_ms,omitempty"`
	PromptTokens      int           `json:"prompt_tokens,omitempty"`
	CompletionTokens  int           `json:"completion_tokens,omitempty"`
	TotalTokens       int           `json:"total_tokens,omitempty"`
	MessagesCollapsed bool          `json:"messages_collapsed"`
}

type stepMessage struct {
	Text     string    `json:"text,omitempty"`
	ImageURI string    `json:"image_uri,omitempty"`
	Time     time.Time `json:"time"`
}

// handleGetRun returns the current execution snapshot of a run.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	run, ok := s.runs.Get(runID)
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("run %q not found", runID))
		return
	}

	finished, reason := run.Finished()
	resp := runStatusResponse{
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		Finished:   finished,
		Reason:     string(reason),
		Steps:      make(map[string]stepStatus),
	}
	for stepID, st := range run.Snapshot() {
		out := stepStatus{
			State:             string(st.State),
			DurationMs:        st.Duration.Milliseconds(),
			PromptTokens:      st.Usage.PromptTokens,
			CompletionTokens:  st.Usage.CompletionTokens,
			TotalTokens:       st.Usage.TotalTokens,
			MessagesCollapsed: st.MessagesCollapsed,
		}
		if !st.StartTime.IsZero() {
			t := st.StartTime
			out.StartTime = &t
		}
		for _, m := range st.Messages {
			out.Messages = append(out.Messages, stepMessage{Text: m.Text, ImageURI: m.ImageURI, Time: m.Time})
		}
		resp.Steps[stepID] = out
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRunEvents is the inbound webhook: the orchestrator posts one event
// per request, in its own wire format.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "READ_ERROR", err.Error())
		return
	}

	ev, err := petalboard.UnmarshalInboundEvent(body)
	if err != nil {
		if errors.Is(err, petalboard.ErrUnknownEventType) {
			// Unknown kinds are dropped, not errored: the orchestrator may
			// be newer than this server.
			s.logger.Debug("dropping unknown event type", "run_id", runID)
			w.WriteHeader(http.StatusAccepted)
			return
		}
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}

	if err := s.runs.HandleEvent(runID, ev); err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("run %q not found", runID))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type replyRequest struct {
	Text string `json:"text"`
}

// handleRunReply forwards a user's answer for a waiting step.
func (s *Server) handleRunReply(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")

	var req replyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "EMPTY_REPLY", "reply text is required")
		return
	}

	if err := s.runs.Reply(r.Context(), runID, req.Text); err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("run %q not found", runID))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleStopRun ends a run at the user's request.
func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if err := s.runs.StopRun(runID); err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("run %q not found", runID))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleToggleMessages flips a step's message collapse state.
func (s *Server) handleToggleMessages(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	stepID := r.PathValue("step_id")
	if err := s.runs.ToggleMessages(runID, stepID); err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("run %q not found", runID))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Schedules ---

type scheduleRequest struct {
	Cron        string `json:"cron"`
	Enabled     *bool  `json:"enabled,omitempty"`
	Instruction string `json:"instruction,omitempty"`
}

// handleListSchedules returns all schedules for a workflow.
func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.workflowExists(w, r, id) {
		return
	}
	schedules, err := s.scheduleStore.ListSchedules(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if schedules == nil {
		schedules = []RunSchedule{}
	}
	writeJSON(w, http.StatusOK, schedules)
}

// handleCreateSchedule creates a cron schedule for a workflow.
func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.workflowExists(w, r, id) {
		return
	}

	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}

	now := time.Now().UTC()
	nextRunAt, err := nextCronRunUTC(req.Cron, now)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_CRON", err.Error())
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	sch := RunSchedule{
		ID:          uuid.NewString(),
		WorkflowID:  id,
		Cron:        req.Cron,
		Enabled:     enabled,
		Instruction: req.Instruction,
		NextRunAt:   nextRunAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.scheduleStore.CreateSchedule(r.Context(), sch); err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sch)
}

// handleGetSchedule returns a single schedule.
func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	scheduleID := r.PathValue("schedule_id")

	sch, ok, err := s.scheduleStore.GetSchedule(r.Context(), id, scheduleID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("schedule %q not found", scheduleID))
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

// handleUpdateSchedule updates a schedule's cron, enabled flag, or
// instruction, recomputing the next run time.
func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	scheduleID := r.PathValue("schedule_id")

	sch, ok, err := s.scheduleStore.GetSchedule(r.Context(), id, scheduleID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("schedule %q not found", scheduleID))
		return
	}

	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}

	now := time.Now().UTC()
	if req.Cron != "" {
		nextRunAt, err := nextCronRunUTC(req.Cron, now)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_CRON", err.Error())
			return
		}
		sch.Cron = req.Cron
		sch.NextRunAt = nextRunAt
	}
	if req.Enabled != nil {
		sch.Enabled = *req.Enabled
	}
	if req.Instruction != "" {
		sch.Instruction = req.Instruction
	}
	sch.UpdatedAt = now

	if err := s.scheduleStore.UpdateSchedule(r.Context(), sch); err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

// handleDeleteSchedule removes a schedule.
func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	scheduleID := r.PathValue("schedule_id")

	if err := s.scheduleStore.DeleteSchedule(r.Context(), id, scheduleID); err != nil {
		if errors.Is(err, ErrScheduleNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("schedule %q not found", scheduleID))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- helpers ---

func (s *Server) decodeDefinition(w http.ResponseWriter, r *http.Request) (workflow.Definition, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit")
			return workflow.Definition{}, false
		}
		writeError(w, http.StatusBadRequest, "READ_ERROR", err.Error())
		return workflow.Definition{}, false
	}

	var def workflow.Definition
	if err := json.Unmarshal(body, &def); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return workflow.Definition{}, false
	}
	return def, true
}

func (s *Server) workflowExists(w http.ResponseWriter, r *http.Request, id string) bool {
	_, ok, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return false
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("workflow %q not found", id))
		return false
	}
	return true
}

func diagMessages(diags []workflow.Diagnostic) []string {
	out := make([]string, 0, len(diags))
	for _, d := range diags {
		out = append(out, fmt.Sprintf("%s: %s", d.Code, d.Message))
	}
	return out
}

func isMaxBytesError(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}
