package dashboard_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/basket/vocorch/internal/bus"
	"github.com/basket/vocorch/internal/dashboard"
	"github.com/basket/vocorch/internal/store"
)

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

func TestHandleTasksReturnsJSON(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	taskID := store.NewTaskID()
	if _, err := s.AppendEvent(ctx, store.TaskEvent{TaskID: taskID, Type: store.EventTaskCreated, Payload: `{"title":"demo"}`}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	srv := dashboard.New(dashboard.Config{Store: s})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/tasks")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Tasks []store.Task `json:"tasks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Tasks) != 1 || body.Tasks[0].Title != "demo" {
		t.Fatalf("expected 1 task named demo, got %+v", body.Tasks)
	}
}

func TestHandleInboxAcknowledgeAll(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.AddInboxItem(ctx, "warning", "hello", nil); err != nil {
		t.Fatalf("add inbox: %v", err)
	}

	srv := dashboard.New(dashboard.Config{Store: s})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body, _ := json.Marshal(map[string]any{})
	resp, err := http.Post(ts.URL+"/api/inbox/acknowledge", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	items, err := s.GetInbox(ctx, true, "", 0)
	if err != nil {
		t.Fatalf("get inbox: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected 0 unread items after acknowledge-all, got %d", len(items))
	}
}

func TestBroadcastDoesNotPanicWithNoClients(t *testing.T) {
	s := openTestStore(t)
	srv := dashboard.New(dashboard.Config{Store: s})
	srv.Broadcast(dashboard.TypeActivity, map[string]any{"detail": "noop"})
}
