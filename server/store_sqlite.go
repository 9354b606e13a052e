package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petal-labs/petalboard/workflow"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS workflows (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	name TEXT,
	definition BLOB NOT NULL,
	program TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS run_schedules (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	cron_expr TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	instruction TEXT NOT NULL DEFAULT '',
	next_run_at TEXT NOT NULL,
	last_run_at TEXT,
	last_run_id TEXT,
	last_status TEXT,
	last_error TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	FOREIGN KEY(workflow_id) REFERENCES workflows(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_run_schedules_workflow
ON run_schedules(workflow_id);

CREATE INDEX IF NOT EXISTS idx_run_schedules_due
ON run_schedules(enabled, next_run_at);`

// SQLiteStoreConfig configures the SQLite store.
type SQLiteStoreConfig struct {
	DSN string
}

// SQLiteStore persists workflows and run schedules in SQLite. It implements
// both WorkflowStore and RunScheduleStore.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite-backed store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("sqlite store dsn is required")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite store open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store enable foreign keys: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- WorkflowStore ---

func (s *SQLiteStore) List(ctx context.Context) ([]WorkflowRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, definition, program, created_at, updated_at
FROM workflows
ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite store list: %w", err)
	}
	defer rows.Close()

	var records []WorkflowRecord
	for rows.Next() {
		rec, err := scanWorkflowRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store list rows: %w", err)
	}

	return records, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (WorkflowRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, name, definition, program, created_at, updated_at
FROM workflows
WHERE id = ?`, id)

	rec, err := scanWorkflowRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return WorkflowRecord{}, false, nil
	}
	if err != nil {
		return WorkflowRecord{}, false, err
	}
	return rec, true, nil
}

func (s *SQLiteStore) Create(ctx context.Context, rec WorkflowRecord) error {
	definition, err := json.Marshal(rec.Definition)
	if err != nil {
		return fmt.Errorf("sqlite store encode definition: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO workflows (id, name, definition, program, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Name, definition, rec.Program,
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrWorkflowExists
		}
		return fmt.Errorf("sqlite store create: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, rec WorkflowRecord) error {
	definition, err := json.Marshal(rec.Definition)
	if err != nil {
		return fmt.Errorf("sqlite store encode definition: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE workflows
SET name = ?, definition = ?, program = ?, updated_at = ?
WHERE id = ?`,
		rec.Name, definition, rec.Program, formatTime(rec.UpdatedAt), rec.ID)
	if err != nil {
		return fmt.Errorf("sqlite store update: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite store update affected: %w", err)
	}
	if affected == 0 {
		return ErrWorkflowNotFound
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite store delete: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite store delete affected: %w", err)
	}
	if affected == 0 {
		return ErrWorkflowNotFound
	}
	return nil
}

// --- RunScheduleStore ---

const scheduleColumns = `id, workflow_id, cron_expr, enabled, instruction,
next_run_at, last_run_at, last_run_id, last_status, last_error, created_at, updated_at`

func (s *SQLiteStore) ListSchedules(ctx context.Context, workflowID string) ([]RunSchedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM run_schedules`
	args := []any{}
	if workflowID != "" {
		query += ` WHERE workflow_id = ?`
		args = append(args, workflowID)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite store list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []RunSchedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store list schedules rows: %w", err)
	}
	return schedules, nil
}

func (s *SQLiteStore) GetSchedule(ctx context.Context, workflowID, scheduleID string) (RunSchedule, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+scheduleColumns+`
FROM run_schedules
WHERE id = ? AND workflow_id = ?`, scheduleID, workflowID)

	sch, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunSchedule{}, false, nil
	}
	if err != nil {
		return RunSchedule{}, false, err
	}
	return sch, true, nil
}

func (s *SQLiteStore) CreateSchedule(ctx context.Context, sch RunSchedule) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO run_schedules (`+scheduleColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sch.ID, sch.WorkflowID, sch.Cron, boolToInt(sch.Enabled), sch.Instruction,
		formatTime(sch.NextRunAt), formatTimePtr(sch.LastRunAt),
		sch.LastRunID, sch.LastStatus, sch.LastError,
		formatTime(sch.CreatedAt), formatTime(sch.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrScheduleExists
		}
		return fmt.Errorf("sqlite store create schedule: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateSchedule(ctx context.Context, sch RunSchedule) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE run_schedules
SET cron_expr = ?, enabled = ?, instruction = ?, next_run_at = ?,
	last_run_at = ?, last_run_id = ?, last_status = ?, last_error = ?, updated_at = ?
WHERE id = ? AND workflow_id = ?`,
		sch.Cron, boolToInt(sch.Enabled), sch.Instruction, formatTime(sch.NextRunAt),
		formatTimePtr(sch.LastRunAt), sch.LastRunID, sch.LastStatus, sch.LastError,
		formatTime(sch.UpdatedAt), sch.ID, sch.WorkflowID)
	if err != nil {
		return fmt.Errorf("sqlite store update schedule: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite store update schedule affected: %w", err)
	}
	if affected == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteSchedule(ctx context.Context, workflowID, scheduleID string) error {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM run_schedules WHERE id = ? AND workflow_id = ?`, scheduleID, workflowID)
	if err != nil {
		return fmt.Errorf("sqlite store delete schedule: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite store delete schedule affected: %w", err)
	}
	if affected == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteSchedulesByWorkflow(ctx context.Context, workflowID string) error {
	_, err := s.db.ExecContext(ctx, `
DELETE FROM run_schedules WHERE workflow_id = ?`, workflowID)
	if err != nil {
		return fmt.Errorf("sqlite store delete schedules by workflow: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]RunSchedule, error) {
	query := `
SELECT ` + scheduleColumns + `
FROM run_schedules
WHERE enabled = 1 AND next_run_at <= ?
ORDER BY next_run_at ASC`
	args := []any{formatTime(now.UTC())}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite store list due schedules: %w", err)
	}
	defer rows.Close()

	var schedules []RunSchedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store list due schedules rows: %w", err)
	}
	return schedules, nil
}

var (
	_ WorkflowStore    = (*SQLiteStore)(nil)
	_ RunScheduleStore = (*SQLiteStore)(nil)
)

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflowRecord(row rowScanner) (WorkflowRecord, error) {
	var (
		rec        WorkflowRecord
		definition []byte
		createdAt  string
		updatedAt  string
	)
	if err := row.Scan(&rec.ID, &rec.Name, &definition, &rec.Program, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return WorkflowRecord{}, err
		}
		return WorkflowRecord{}, fmt.Errorf("sqlite store scan workflow: %w", err)
	}

	var def workflow.Definition
	if err := json.Unmarshal(definition, &def); err != nil {
		return WorkflowRecord{}, fmt.Errorf("sqlite store decode definition for %q: %w", rec.ID, err)
	}
	rec.Definition = def

	var err error
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return WorkflowRecord{}, fmt.Errorf("sqlite store parse created_at for %q: %w", rec.ID, err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return WorkflowRecord{}, fmt.Errorf("sqlite store parse updated_at for %q: %w", rec.ID, err)
	}
	return rec, nil
}

func scanSchedule(row rowScanner) (RunSchedule, error) {
	var (
		sch       RunSchedule
		enabled   int
		nextRunAt string
		lastRunAt sql.NullString
		lastRunID sql.NullString
		lastStat  sql.NullString
		lastErr   sql.NullString
		createdAt string
		updatedAt string
	)
	err := row.Scan(&sch.ID, &sch.WorkflowID, &sch.Cron, &enabled, &sch.Instruction,
		&nextRunAt, &lastRunAt, &lastRunID, &lastStat, &lastErr, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunSchedule{}, err
		}
		return RunSchedule{}, fmt.Errorf("sqlite store scan schedule: %w", err)
	}

	sch.Enabled = enabled != 0
	sch.LastRunID = lastRunID.String
	sch.LastStatus = lastStat.String
	sch.LastError = lastErr.String

	if sch.NextRunAt, err = parseTime(nextRunAt); err != nil {
		return RunSchedule{}, fmt.Errorf("sqlite store parse next_run_at for %q: %w", sch.ID, err)
	}
	if lastRunAt.Valid && lastRunAt.String != "" {
		t, err := parseTime(lastRunAt.String)
		if err != nil {
			return RunSchedule{}, fmt.Errorf("sqlite store parse last_run_at for %q: %w", sch.ID, err)
		}
		sch.LastRunAt = &t
	}
	if sch.CreatedAt, err = parseTime(createdAt); err != nil {
		return RunSchedule{}, fmt.Errorf("sqlite store parse created_at for %q: %w", sch.ID, err)
	}
	if sch.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return RunSchedule{}, fmt.Errorf("sqlite store parse updated_at for %q: %w", sch.ID, err)
	}
	return sch, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
