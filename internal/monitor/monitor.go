// Package monitor implements the builder-status poll loop (spec.md §4.K): a
// fixed-interval ticker, in the same shape as the teacher's
// internal/cron.Scheduler tick loop, that polls every active task's
// registered builder for completion and folds terminal states back into the
// event store and inbox.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/vocorch/internal/store"
)

// defaultInterval is the poll period absent an explicit Config.Interval.
const defaultInterval = 5 * time.Second

// BuilderStatus is what a registered builder reports for one task.
type BuilderStatus string

const (
	StatusRunning   BuilderStatus = "running"
	StatusCompleted BuilderStatus = "completed"
	StatusFailed    BuilderStatus = "failed"
)

// StatusChecker queries one builder backend for a task's current status.
// Implemented by internal/builder.Client and any other registered builder.
type StatusChecker interface {
	GetSessionStatus(ctx context.Context, taskID string) (string, error)
}

// OnCompletion is invoked once per task transition into a terminal builder
// state. A panic or error inside the callback must not break the loop.
type OnCompletion func(taskID string, status BuilderStatus, meta map[string]any)

var pollableStatuses = map[store.TaskStatus]struct{}{
	store.TaskStatusRunning:   {},
	store.TaskStatusHandedOff: {},
}

// Config holds the monitor's dependencies.
type Config struct {
	Store        *store.Store
	Builders     map[string]StatusChecker // keyed by builder name
	Interval     time.Duration
	OnCompletion OnCompletion
	Logger       *slog.Logger
}

// Monitor runs the periodic builder-status poll loop.
type Monitor struct {
	cfg Config

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Monitor. Interval defaults to 5s if unset.
func New(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Monitor{cfg: cfg}
}

// Start begins the poll loop in a background goroutine.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.loop(ctx)
	m.cfg.Logger.Info("monitor started", "interval", m.cfg.Interval)
}

// Stop cancels the loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.cfg.Logger.Info("monitor stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick polls every active, builder-dispatched task once.
func (m *Monitor) tick(ctx context.Context) {
	tasks, err := m.cfg.Store.GetActiveTasks(ctx)
	if err != nil {
		m.cfg.Logger.Error("monitor: failed to list active tasks", "error", err)
		return
	}
	for _, t := range tasks {
		if _, ok := pollableStatuses[t.Status]; !ok {
			continue
		}
		if t.BuilderSessionID == "" {
			continue
		}
		m.pollTask(ctx, t)
	}
}

func (m *Monitor) pollTask(ctx context.Context, t store.Task) {
	m.mu.Lock()
	checker, ok := m.cfg.Builders[t.BuilderSessionID]
	m.mu.Unlock()
	if !ok {
		// No builder registered under this session id yet (e.g. supervisor
		// still starting); try again on the next tick.
		return
	}

	raw, err := checker.GetSessionStatus(ctx, t.TaskID)
	if err != nil {
		m.cfg.Logger.Warn("monitor: status check failed", "task_id", t.TaskID, "error", err)
		return
	}

	status := classify(raw)
	if status != StatusCompleted && status != StatusFailed {
		return
	}

	m.recordTerminal(ctx, t, status)
}

func classify(raw string) BuilderStatus {
	switch raw {
	case "completed", "complete", "done", "success":
		return StatusCompleted
	case "failed", "error":
		return StatusFailed
	default:
		return StatusRunning
	}
}

func (m *Monitor) recordTerminal(ctx context.Context, t store.Task, status BuilderStatus) {
	eventType := store.EventBuildCompleted
	severity := "success"
	if status == StatusFailed {
		eventType = store.EventBuildFailed
		severity = "error"
	}

	if _, err := m.cfg.Store.AppendEvent(ctx, store.TaskEvent{
		TaskID:  t.TaskID,
		Type:    eventType,
		Payload: fmt.Sprintf(`{"status":%q}`, status),
	}); err != nil {
		m.cfg.Logger.Error("monitor: failed to record terminal event", "task_id", t.TaskID, "error", err)
		return
	}

	summary := fmt.Sprintf("%q builder run %s.", t.Title, status)
	if _, err := m.cfg.Store.AddInboxItem(ctx, severity, summary, map[string]string{"task_id": t.TaskID}); err != nil {
		m.cfg.Logger.Error("monitor: failed to add inbox item", "task_id", t.TaskID, "error", err)
	}

	m.invokeCallback(t.TaskID, status)
}

// invokeCallback calls OnCompletion, recovering from any panic so a
// misbehaving listener never takes down the poll loop.
func (m *Monitor) invokeCallback(taskID string, status BuilderStatus) {
	if m.cfg.OnCompletion == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.cfg.Logger.Error("monitor: on_completion callback panicked", "task_id", taskID, "panic", r)
		}
	}()
	m.cfg.OnCompletion(taskID, status, nil)
}

// RegisterBuilder adds or replaces a named builder backend the monitor
// should poll for any task whose builder_session_id matches name.
func (m *Monitor) RegisterBuilder(name string, checker StatusChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.Builders == nil {
		m.cfg.Builders = make(map[string]StatusChecker)
	}
	m.cfg.Builders[name] = checker
}
