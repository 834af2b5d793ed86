package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/vocorch/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "vocorch.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustAppend(t *testing.T, s *store.Store, ev store.TaskEvent) int64 {
	t.Helper()
	id, err := s.AppendEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("append_event %s: %v", ev.Type, err)
	}
	return id
}

func TestTaskCreatedPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "vocorch.db")
	ctx := context.Background()

	s, err := store.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	taskID := store.NewTaskID()
	mustAppend(t, s, store.TaskEvent{TaskID: taskID, Type: store.EventTaskCreated, Payload: `{"title":"Persistent task"}`})
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := store.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	tasks, err := reopened.GetActiveTasks(ctx)
	if err != nil {
		t.Fatalf("get_active_tasks: %v", err)
	}
	found := false
	for _, tk := range tasks {
		if tk.Title == "Persistent task" && tk.Status == store.TaskStatusDraft {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected persistent draft task, got %+v", tasks)
	}
}

func TestFoldEquivalence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	taskID := store.NewTaskID()

	mustAppend(t, s, store.TaskEvent{TaskID: taskID, Type: store.EventTaskCreated, Payload: `{"title":"Widget"}`})
	mustAppend(t, s, store.TaskEvent{TaskID: taskID, Type: store.EventWorkingPromptUpdated, Payload: `{"working_prompt_path":"/tmp/w.md"}`})
	mustAppend(t, s, store.TaskEvent{TaskID: taskID, Type: store.EventQuestionsRaised})
	mustAppend(t, s, store.TaskEvent{TaskID: taskID, Type: store.EventUserAnswered})
	mustAppend(t, s, store.TaskEvent{TaskID: taskID, Type: store.EventHandoffFrozen, Payload: `{"handoff_prompt_path":"/tmp/h.md"}`})
	mustAppend(t, s, store.TaskEvent{TaskID: taskID, Type: store.EventBuilderDispatched, Payload: `{"builder_session_id":"sess-1"}`})
	mustAppend(t, s, store.TaskEvent{TaskID: taskID, Type: store.EventBuildCompleted})

	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get_task: %v", err)
	}
	if task.Status != store.TaskStatusDone {
		t.Fatalf("status = %s, want done", task.Status)
	}
	if task.BuilderSessionID != "sess-1" {
		t.Fatalf("builder_session_id = %q, want sess-1", task.BuilderSessionID)
	}
	if task.WorkingPromptPath != "/tmp/w.md" || task.HandoffPromptPath != "/tmp/h.md" {
		t.Fatalf("prompt paths not folded correctly: %+v", task)
	}
}

func TestReplayEventsAgreesWithIncrementalApply(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	taskA := store.NewTaskID()
	taskB := store.NewTaskID()

	mustAppend(t, s, store.TaskEvent{TaskID: taskA, Type: store.EventTaskCreated, Payload: `{"title":"A","priority":5}`})
	mustAppend(t, s, store.TaskEvent{TaskID: taskB, Type: store.EventTaskCreated, Payload: `{"title":"B","priority":1}`})
	mustAppend(t, s, store.TaskEvent{TaskID: taskA, Type: store.EventQuestionsRaised})
	mustAppend(t, s, store.TaskEvent{TaskID: taskB, Type: store.EventTaskCanceled})

	before, err := s.GetTasks(ctx, "", 0)
	if err != nil {
		t.Fatalf("get_tasks before replay: %v", err)
	}

	if err := s.ReplayEvents(ctx, 0); err != nil {
		t.Fatalf("replay_events: %v", err)
	}

	after, err := s.GetTasks(ctx, "", 0)
	if err != nil {
		t.Fatalf("get_tasks after replay: %v", err)
	}

	if len(before) != len(after) {
		t.Fatalf("replay changed task count: before=%d after=%d", len(before), len(after))
	}
	byID := make(map[string]store.Task)
	for _, tk := range after {
		byID[tk.TaskID] = tk
	}
	for _, tk := range before {
		got, ok := byID[tk.TaskID]
		if !ok {
			t.Fatalf("task %s missing after replay", tk.TaskID)
		}
		if got.Status != tk.Status || got.Title != tk.Title {
			t.Fatalf("task %s mismatch: before=%+v after=%+v", tk.TaskID, tk, got)
		}
	}
}

func TestInboxSeverityGrouping(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, sev := range []string{"blocking", "error", "error", "info"} {
		if _, err := s.AddInboxItem(ctx, sev, "item "+sev, nil); err != nil {
			t.Fatalf("add_inbox_item: %v", err)
		}
	}

	items, err := s.GetInbox(ctx, true, "", 0)
	if err != nil {
		t.Fatalf("get_inbox: %v", err)
	}
	counts := map[string]int{}
	for _, it := range items {
		counts[it.Severity]++
	}
	if counts["blocking"] != 1 || counts["error"] != 2 || counts["info"] != 1 {
		t.Fatalf("unexpected severity counts: %+v", counts)
	}
}

func TestAcknowledgeInboxIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.AddInboxItem(ctx, "warning", "careful", nil)
	if err != nil {
		t.Fatalf("add_inbox_item: %v", err)
	}
	if err := s.AcknowledgeInbox(ctx, id); err != nil {
		t.Fatalf("first acknowledge: %v", err)
	}
	if err := s.AcknowledgeInbox(ctx, id); err != nil {
		t.Fatalf("second acknowledge: %v", err)
	}

	items, err := s.GetInbox(ctx, true, "", 0)
	if err != nil {
		t.Fatalf("get_inbox: %v", err)
	}
	for _, it := range items {
		if it.InboxID == id {
			t.Fatalf("acknowledged item still listed as unread")
		}
	}
}

func TestGetActiveTasksExcludesTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	live := store.NewTaskID()
	done := store.NewTaskID()
	mustAppend(t, s, store.TaskEvent{TaskID: live, Type: store.EventTaskCreated, Payload: `{"title":"Live","priority":1}`})
	mustAppend(t, s, store.TaskEvent{TaskID: done, Type: store.EventTaskCreated, Payload: `{"title":"Done","priority":9}`})
	mustAppend(t, s, store.TaskEvent{TaskID: done, Type: store.EventBuildCompleted})

	active, err := s.GetActiveTasks(ctx)
	if err != nil {
		t.Fatalf("get_active_tasks: %v", err)
	}
	for _, tk := range active {
		if tk.TaskID == done {
			t.Fatalf("terminal task leaked into active list")
		}
	}
}
