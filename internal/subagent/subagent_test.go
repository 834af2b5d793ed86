package subagent_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/basket/vocorch/internal/subagent"
)

type fakeServer struct {
	mu       sync.Mutex
	messages []map[string]any
	sessions int
}

func (f *fakeServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/session":
			f.mu.Lock()
			f.sessions++
			id := "sess-1"
			f.mu.Unlock()
			_ = json.NewEncoder(w).Encode(map[string]string{"id": id})

		case r.Method == http.MethodPost && r.URL.Path == "/session/sess-1/prompt_async":
			f.mu.Lock()
			f.messages = append(f.messages, map[string]any{
				"info":  map[string]any{"id": "m1", "role": "assistant", "status": "done"},
				"parts": []map[string]string{{"type": "text", "text": "final answer"}},
			})
			f.mu.Unlock()
			w.WriteHeader(http.StatusOK)

		case r.Method == http.MethodGet && r.URL.Path == "/session/sess-1/message":
			f.mu.Lock()
			defer f.mu.Unlock()
			_ = json.NewEncoder(w).Encode(f.messages)

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func TestEngageYieldsMessageThenComplete(t *testing.T) {
	fs := &fakeServer{}
	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	client := subagent.New(srv.URL, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := client.Engage(ctx, "planner", "do the thing")
	if err != nil {
		t.Fatalf("engage: %v", err)
	}

	var gotComplete bool
	for ev := range events {
		if ev.Type == "error" {
			t.Fatalf("unexpected error event: %s", ev.Content)
		}
		if ev.Type == "complete" {
			gotComplete = true
			if ev.Content != "final answer" {
				t.Fatalf("expected final answer, got %q", ev.Content)
			}
		}
	}
	if !gotComplete {
		t.Fatal("expected a complete event")
	}
}

func TestContinueWithoutEngageErrors(t *testing.T) {
	client := subagent.New("http://unused.invalid", nil)
	if _, err := client.Continue(context.Background(), "planner", "hi"); err == nil {
		t.Fatal("expected error calling Continue before Engage")
	}
}

func TestEngageReusesSessionOnSecondCall(t *testing.T) {
	fs := &fakeServer{}
	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	client := subagent.New(srv.URL, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := client.Engage(ctx, "planner", "first")
	if err != nil {
		t.Fatalf("engage: %v", err)
	}
	for range events {
	}

	events2, err := client.Continue(ctx, "planner", "second")
	if err != nil {
		t.Fatalf("continue: %v", err)
	}
	for range events2 {
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.sessions != 1 {
		t.Fatalf("expected exactly 1 session created, got %d", fs.sessions)
	}
}
