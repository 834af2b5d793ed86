// Package store implements the event-sourced task store (spec §4.A): an
// append-only event log plus derived task/inbox tables, rebuildable by
// replaying events in event_id order.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/vocorch/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "vocorch-v1-2026-03-01-event-store"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// TaskStatus is one of the lifecycle states in spec.md §3.
type TaskStatus string

const (
	TaskStatusDraft           TaskStatus = "draft"
	TaskStatusRefining        TaskStatus = "refining"
	TaskStatusReadyToHandoff  TaskStatus = "ready_to_handoff"
	TaskStatusHandedOff       TaskStatus = "handed_off"
	TaskStatusRunning         TaskStatus = "running"
	TaskStatusAwaitingGate    TaskStatus = "awaiting_gate"
	TaskStatusAwaitingUser    TaskStatus = "awaiting_user"
	TaskStatusDone            TaskStatus = "done"
	TaskStatusFailed          TaskStatus = "failed"
	TaskStatusCanceled        TaskStatus = "canceled"
)

var terminalStatuses = map[TaskStatus]struct{}{
	TaskStatusDone:     {},
	TaskStatusFailed:   {},
	TaskStatusCanceled: {},
}

// EventType enumerates spec.md §3's TaskEvent types.
type EventType string

const (
	EventTaskCreated          EventType = "TaskCreated"
	EventWorkingPromptUpdated EventType = "WorkingPromptUpdated"
	EventQuestionsRaised      EventType = "QuestionsRaised"
	EventUserAnswered         EventType = "UserAnswered"
	EventHandoffFrozen        EventType = "HandoffFrozen"
	EventBuilderDispatched    EventType = "BuilderDispatched"
	EventBuilderStatusChanged EventType = "BuilderStatusChanged"
	EventGateRequested        EventType = "GateRequested"
	EventGateApproved         EventType = "GateApproved"
	EventGateDenied           EventType = "GateDenied"
	EventBuildCompleted       EventType = "BuildCompleted"
	EventBuildFailed          EventType = "BuildFailed"
	EventTaskCanceled         EventType = "TaskCanceled"
)

// Task is the derived row folded from a task_id's event stream.
type Task struct {
	TaskID             string     `json:"task_id"`
	Title              string     `json:"title"`
	Status             TaskStatus `json:"status"`
	Priority            int        `json:"priority"`
	ProjectRoot        string     `json:"project_root,omitempty"`
	BuilderSessionID   string     `json:"builder_session_id,omitempty"`
	HandoffPromptPath  string     `json:"handoff_prompt_path,omitempty"`
	WorkingPromptPath  string     `json:"working_prompt_path,omitempty"`
	LastEventID        int64      `json:"last_event_id"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// TaskEvent is a single row of the append-only log.
type TaskEvent struct {
	EventID int64     `json:"event_id"`
	Time    time.Time `json:"time"`
	Type    EventType `json:"type"`
	TaskID  string    `json:"task_id"`
	Payload string    `json:"payload"` // raw JSON
}

// InboxItem is a user-facing notification row.
type InboxItem struct {
	InboxID        string            `json:"inbox_id"`
	Severity       string            `json:"severity"` // info|success|warning|error|blocking
	Summary        string            `json:"summary"`
	Refs           map[string]string `json:"refs,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	AcknowledgedAt *time.Time        `json:"acknowledged_at,omitempty"`
}

// Listener is notified synchronously, after commit, in registration order.
// A listener MUST NOT panic; panics here would abort event processing.
type Listener func(TaskEvent)

// Store is the single-writer event-sourced task store.
type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests

	listeners []Listener
}

// DefaultDBPath mirrors the teacher's ~/.goclaw/goclaw.db convention.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".vocorch", "vocorch.db")
}

// Open opens (creating if necessary) the SQLite-backed store at path and
// runs schema migrations. eventBus may be nil.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, bus: eventBus}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// AddListener registers a callback invoked synchronously after each commit,
// in registration order. A recovered panic is logged and otherwise ignored.
func (s *Store) AddListener(l Listener) {
	s.listeners = append(s.listeners, l)
}

func (s *Store) notifyListeners(ev TaskEvent) {
	for _, l := range s.listeners {
		func() {
			defer func() { _ = recover() }()
			l(ev)
		}()
	}
	if s.bus != nil {
		s.bus.Publish("task."+strings.ToLower(string(ev.Type)), ev)
	}
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragmas {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}

	if maxVersion < schemaVersionV1 {
		stmts := []string{
			`CREATE TABLE IF NOT EXISTS events (
				event_id INTEGER PRIMARY KEY AUTOINCREMENT,
				time DATETIME NOT NULL,
				type TEXT NOT NULL,
				task_id TEXT NOT NULL,
				payload TEXT NOT NULL DEFAULT '{}'
			);`,
			`CREATE INDEX IF NOT EXISTS idx_events_task_id ON events(task_id);`,
			`CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);`,
			`CREATE TABLE IF NOT EXISTS tasks (
				task_id TEXT PRIMARY KEY,
				title TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'draft',
				priority INTEGER NOT NULL DEFAULT 0,
				project_root TEXT NOT NULL DEFAULT '',
				builder_session_id TEXT NOT NULL DEFAULT '',
				handoff_prompt_path TEXT NOT NULL DEFAULT '',
				working_prompt_path TEXT NOT NULL DEFAULT '',
				last_event_id INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
			`CREATE TABLE IF NOT EXISTS inbox (
				inbox_id TEXT PRIMARY KEY,
				severity TEXT NOT NULL,
				summary TEXT NOT NULL,
				refs TEXT NOT NULL DEFAULT '{}',
				created_at DATETIME NOT NULL,
				acknowledged_at DATETIME
			);`,
			`CREATE INDEX IF NOT EXISTS idx_inbox_acknowledged_at ON inbox(acknowledged_at);`,
			`CREATE INDEX IF NOT EXISTS idx_inbox_severity ON inbox(severity);`,
			`CREATE TABLE IF NOT EXISTS mappings (
				task_id TEXT PRIMARY KEY,
				beads_id TEXT NOT NULL DEFAULT '',
				session_id TEXT NOT NULL DEFAULT ''
			);`,
			`CREATE TABLE IF NOT EXISTS kv (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL
			);`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply schema v%d: %w", schemaVersionV1, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, checksum) VALUES (?, ?)`, schemaVersionV1, schemaChecksumV1); err != nil {
			return fmt.Errorf("record schema v%d: %w", schemaVersionV1, err)
		}
	}

	return tx.Commit()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, with exponential
// backoff and jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func marshalRefs(refs map[string]string) string {
	if len(refs) == 0 {
		return "{}"
	}
	b, err := json.Marshal(refs)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func unmarshalRefs(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	var refs map[string]string
	if err := json.Unmarshal([]byte(raw), &refs); err != nil {
		return nil
	}
	return refs
}
