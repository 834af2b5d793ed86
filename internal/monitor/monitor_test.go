package monitor_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/vocorch/internal/bus"
	"github.com/basket/vocorch/internal/monitor"
	"github.com/basket/vocorch/internal/store"
)

type fakeChecker struct {
	mu     sync.Mutex
	status string
}

func (f *fakeChecker) GetSessionStatus(ctx context.Context, taskID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *fakeChecker) setStatus(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = s
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "events.db"), bus.New())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMonitorRecordsCompletionAndFiresCallback(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	taskID := store.NewTaskID()
	if _, err := s.AppendEvent(ctx, store.TaskEvent{TaskID: taskID, Type: store.EventTaskCreated, Payload: `{"title":"demo"}`}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := s.AppendEvent(ctx, store.TaskEvent{TaskID: taskID, Type: store.EventBuilderDispatched, Payload: `{"builder_session_id":"b1"}`}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	checker := &fakeChecker{status: "running"}

	var mu sync.Mutex
	var completions []string
	m := monitor.New(monitor.Config{
		Store:    s,
		Builders: map[string]monitor.StatusChecker{"b1": checker},
		Interval: 20 * time.Millisecond,
		OnCompletion: func(taskID string, status monitor.BuilderStatus, meta map[string]any) {
			mu.Lock()
			defer mu.Unlock()
			completions = append(completions, taskID+":"+string(status))
		},
	})

	runCtx, cancel := context.WithCancel(ctx)
	m.Start(runCtx)
	defer func() {
		cancel()
		m.Stop()
	}()

	time.Sleep(30 * time.Millisecond)
	checker.setStatus("completed")
	time.Sleep(80 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(completions) == 0 {
		t.Fatal("expected at least one completion callback")
	}
}

func TestMonitorSurvivesPanickingCallback(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	taskID := store.NewTaskID()
	if _, err := s.AppendEvent(ctx, store.TaskEvent{TaskID: taskID, Type: store.EventTaskCreated, Payload: `{"title":"demo"}`}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := s.AppendEvent(ctx, store.TaskEvent{TaskID: taskID, Type: store.EventBuilderDispatched, Payload: `{"builder_session_id":"b1"}`}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	checker := &fakeChecker{status: "completed"}
	m := monitor.New(monitor.Config{
		Store:    s,
		Builders: map[string]monitor.StatusChecker{"b1": checker},
		Interval: 10 * time.Millisecond,
		OnCompletion: func(taskID string, status monitor.BuilderStatus, meta map[string]any) {
			panic("listener exploded")
		},
	})

	runCtx, cancel := context.WithCancel(ctx)
	m.Start(runCtx)
	time.Sleep(40 * time.Millisecond)
	cancel()
	m.Stop() // must return without the loop goroutine having died from the panic
}
