package builder_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/vocorch/internal/builder"
)

type fakeServer struct {
	messages []map[string]any
	aborted  bool
}

func (f *fakeServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/session":
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "sess-1"})
		case r.Method == http.MethodPost && r.URL.Path == "/session/sess-1/prompt_async":
			f.messages = append(f.messages, map[string]any{
				"info":  map[string]any{"id": "m1", "role": "assistant", "status": "done"},
				"parts": []map[string]string{{"type": "text", "text": "plan: do X"}},
			})
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet && r.URL.Path == "/session/sess-1/message":
			_ = json.NewEncoder(w).Encode(f.messages)
		case r.Method == http.MethodPost && r.URL.Path == "/session/sess-1/abort":
			f.aborted = true
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func writePrompt(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write prompt: %v", err)
	}
	return path
}

func TestPlanThenApproveAndBuildMigratesSession(t *testing.T) {
	fs := &fakeServer{}
	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	dir := t.TempDir()
	promptPath := writePrompt(t, dir, "plan.md", "build the widget")

	client := builder.New(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.DispatchPlan(ctx, "task-1", promptPath, dir); err != nil {
		t.Fatalf("dispatch plan: %v", err)
	}

	resp, err := client.GetPlanResponse(ctx, "task-1")
	if err != nil {
		t.Fatalf("get plan response: %v", err)
	}
	if resp != "plan: do X" {
		t.Fatalf("unexpected plan response: %q", resp)
	}

	if err := client.ApproveAndBuild(ctx, "task-1", ""); err != nil {
		t.Fatalf("approve and build: %v", err)
	}

	if _, err := client.GetPlanResponse(ctx, "task-1"); err == nil {
		t.Fatal("expected plan session to be migrated away, not found")
	}

	status, err := client.GetSessionStatus(ctx, "task-1")
	if err != nil {
		t.Fatalf("get session status: %v", err)
	}
	if status != "done" {
		t.Fatalf("expected done status, got %q", status)
	}
}

func TestCancelSessionClearsBothMaps(t *testing.T) {
	fs := &fakeServer{}
	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	dir := t.TempDir()
	promptPath := writePrompt(t, dir, "plan.md", "build the widget")

	client := builder.New(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.DispatchPlan(ctx, "task-1", promptPath, dir); err != nil {
		t.Fatalf("dispatch plan: %v", err)
	}
	if err := client.CancelSession(ctx, "task-1"); err != nil {
		t.Fatalf("cancel session: %v", err)
	}
	if !fs.aborted {
		t.Fatal("expected abort request to reach the server")
	}
	if _, err := client.GetSessionStatus(ctx, "task-1"); err == nil {
		t.Fatal("expected no session after cancel")
	}
}
