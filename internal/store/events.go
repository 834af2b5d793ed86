package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendEvent begins a transaction, inserts the event, applies the derived
// mutation for its type, and commits — then notifies listeners. The
// event's time and generated event_id are returned on the input struct.
func (s *Store) AppendEvent(ctx context.Context, ev TaskEvent) (int64, error) {
	if ev.TaskID == "" {
		return 0, fmt.Errorf("append_event: task_id required")
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if ev.Payload == "" {
		ev.Payload = "{}"
	}

	var eventID int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `INSERT INTO events(time, type, task_id, payload) VALUES (?, ?, ?, ?)`,
			ev.Time, string(ev.Type), ev.TaskID, ev.Payload)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		eventID, err = res.LastInsertId()
		if err != nil {
			return err
		}
		ev.EventID = eventID

		if err := applyEventTx(ctx, tx, ev); err != nil {
			return fmt.Errorf("apply event %s: %w", ev.Type, err)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}

	s.notifyListeners(ev)
	return eventID, nil
}

// applyEventTx folds one event into the derived tables, per the table in
// spec.md §4.A.
func applyEventTx(ctx context.Context, tx *sql.Tx, ev TaskEvent) error {
	switch ev.Type {
	case EventTaskCreated:
		var payload struct {
			Title       string `json:"title"`
			Priority    int    `json:"priority"`
			ProjectRoot string `json:"project_root"`
		}
		_ = json.Unmarshal([]byte(ev.Payload), &payload)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks(task_id, title, status, priority, project_root, last_event_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(task_id) DO NOTHING`,
			ev.TaskID, payload.Title, string(TaskStatusDraft), payload.Priority, payload.ProjectRoot, ev.EventID, ev.Time, ev.Time); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO mappings(task_id) VALUES (?) ON CONFLICT(task_id) DO NOTHING`, ev.TaskID); err != nil {
			return err
		}
		return nil

	case EventWorkingPromptUpdated:
		var payload struct {
			WorkingPromptPath string `json:"working_prompt_path"`
		}
		_ = json.Unmarshal([]byte(ev.Payload), &payload)
		_, err := tx.ExecContext(ctx, `
			UPDATE tasks SET working_prompt_path = ?, last_event_id = ?, updated_at = ? WHERE task_id = ?`,
			payload.WorkingPromptPath, ev.EventID, ev.Time, ev.TaskID)
		return err

	case EventQuestionsRaised:
		return setTaskStatusTx(ctx, tx, ev, TaskStatusAwaitingUser)

	case EventUserAnswered:
		return setTaskStatusTx(ctx, tx, ev, TaskStatusRefining)

	case EventHandoffFrozen:
		var payload struct {
			HandoffPromptPath string `json:"handoff_prompt_path"`
		}
		_ = json.Unmarshal([]byte(ev.Payload), &payload)
		_, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, handoff_prompt_path = ?, last_event_id = ?, updated_at = ? WHERE task_id = ?`,
			string(TaskStatusReadyToHandoff), payload.HandoffPromptPath, ev.EventID, ev.Time, ev.TaskID)
		return err

	case EventBuilderDispatched:
		var payload struct {
			BuilderSessionID string `json:"builder_session_id"`
		}
		_ = json.Unmarshal([]byte(ev.Payload), &payload)
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, builder_session_id = ?, last_event_id = ?, updated_at = ? WHERE task_id = ?`,
			string(TaskStatusHandedOff), payload.BuilderSessionID, ev.EventID, ev.Time, ev.TaskID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE mappings SET session_id = ? WHERE task_id = ?`, payload.BuilderSessionID, ev.TaskID)
		return err

	case EventBuilderStatusChanged:
		var payload struct {
			Status string `json:"status"` // "running" | "awaiting_gate"
		}
		_ = json.Unmarshal([]byte(ev.Payload), &payload)
		next := TaskStatusRunning
		if payload.Status == "awaiting_gate" {
			next = TaskStatusAwaitingGate
		}
		return setTaskStatusTx(ctx, tx, ev, next)

	case EventGateRequested:
		return setTaskStatusTx(ctx, tx, ev, TaskStatusAwaitingGate)

	case EventGateApproved, EventGateDenied:
		return setTaskStatusTx(ctx, tx, ev, TaskStatusRunning)

	case EventBuildCompleted:
		return setTaskStatusTx(ctx, tx, ev, TaskStatusDone)

	case EventBuildFailed:
		return setTaskStatusTx(ctx, tx, ev, TaskStatusFailed)

	case EventTaskCanceled:
		return setTaskStatusTx(ctx, tx, ev, TaskStatusCanceled)

	default:
		// Unknown event types are recorded in the log but have no derived effect.
		return nil
	}
}

func setTaskStatusTx(ctx context.Context, tx *sql.Tx, ev TaskEvent, status TaskStatus) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, last_event_id = ?, updated_at = ? WHERE task_id = ?`,
		string(status), ev.EventID, ev.Time, ev.TaskID)
	return err
}

// GetEvents returns events strictly greater than afterID, optionally
// filtered by taskID and/or eventType, in ascending event_id order.
func (s *Store) GetEvents(ctx context.Context, taskID string, eventType EventType, afterID int64) ([]TaskEvent, error) {
	q := `SELECT event_id, time, type, task_id, payload FROM events WHERE event_id > ?`
	args := []any{afterID}
	if taskID != "" {
		q += ` AND task_id = ?`
		args = append(args, taskID)
	}
	if eventType != "" {
		q += ` AND type = ?`
		args = append(args, string(eventType))
	}
	q += ` ORDER BY event_id ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("get_events: %w", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		var typ string
		if err := rows.Scan(&ev.EventID, &ev.Time, &typ, &ev.TaskID, &ev.Payload); err != nil {
			return nil, err
		}
		ev.Type = EventType(typ)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanTask(scanFn func(dest ...any) error) (*Task, error) {
	var t Task
	var status string
	if err := scanFn(&t.TaskID, &t.Title, &status, &t.Priority, &t.ProjectRoot,
		&t.BuilderSessionID, &t.HandoffPromptPath, &t.WorkingPromptPath,
		&t.LastEventID, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = TaskStatus(status)
	return &t, nil
}

const taskColumns = `task_id, title, status, priority, project_root, builder_session_id, handoff_prompt_path, working_prompt_path, last_event_id, created_at, updated_at`

// GetTask fetches a single task by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, taskID)
	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return t, err
}

// GetTasks returns tasks optionally filtered by status, newest-updated first.
func (s *Store) GetTasks(ctx context.Context, status TaskStatus, limit int) ([]Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY updated_at DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return queryTasks(ctx, s.db, q, args...)
}

// GetActiveTasks returns non-terminal tasks sorted by priority desc then
// updated_at desc.
func (s *Store) GetActiveTasks(ctx context.Context) ([]Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks
		WHERE status NOT IN ('done', 'failed', 'canceled')
		ORDER BY priority DESC, updated_at DESC`
	return queryTasks(ctx, s.db, q)
}

func queryTasks(ctx context.Context, db *sql.DB, q string, args ...any) ([]Task, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// IsTerminal reports whether status is one of {done, failed, canceled}.
func IsTerminal(status TaskStatus) bool {
	_, ok := terminalStatuses[status]
	return ok
}

// NewTaskID generates an opaque task identifier.
func NewTaskID() string {
	return uuid.NewString()
}
