package dispatch_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/basket/vocorch/internal/dispatch"
	"github.com/basket/vocorch/internal/relay"
	"github.com/basket/vocorch/internal/subagent"
)

// fakeSubagentServer is a minimal stand-in for the subagent HTTP API
// (session create / prompt_async / message poll) that answers each prompt
// with one pre-scripted assistant message per call, completed immediately so
// the client's poll loop never sleeps.
type fakeSubagentServer struct {
	mu       sync.Mutex
	replies  []string // one scripted assistant reply per prompt_async call
	messages []map[string]any
	calls    int
}

func (f *fakeSubagentServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/session":
			json.NewEncoder(w).Encode(map[string]string{"id": "sess1"})
		case r.Method == http.MethodPost && r.URL.Path == "/session/sess1/prompt_async":
			if f.calls < len(f.replies) {
				f.messages = append(f.messages, map[string]any{
					"info":  map[string]any{"id": "m" + string(rune('1'+f.calls)), "role": "assistant", "status": "complete"},
					"parts": []map[string]any{{"type": "text", "text": f.replies[f.calls]}},
				})
			}
			f.calls++
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet && r.URL.Path == "/session/sess1/message":
			json.NewEncoder(w).Encode(f.messages)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

// TestEngageAndContinueBrainstormerDriveAnswerStaging exercises spec.md §8
// Scenario #4 through the actual dispatch handlers: engage_brainstormer
// starts the conversation from the planner's numbered questions, and
// continue_brainstormer drives it through to a finalized send.
func TestEngageAndContinueBrainstormerDriveAnswerStaging(t *testing.T) {
	fake := &fakeSubagentServer{
		replies: []string{
			"1. What age group is this for?\n2. Which platform?",
			"Thanks, got it.",
		},
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	deps, _ := newTestDeps(t)
	deps.Subagents = subagent.New(srv.URL, nil)
	deps.Relay = relay.New(nil, func(string) {})
	d := dispatch.New(deps)

	ctx := context.Background()

	engageResp := d.Dispatch(ctx, "engage_brainstormer", map[string]any{"task_description": "build a calculator"})
	if engageResp.Result["error"] != nil {
		t.Fatalf("engage_brainstormer failed: %+v", engageResp.Result)
	}
	if engageResp.Result["question"] != "What age group is this for?" {
		t.Fatalf("expected first question relayed, got %+v", engageResp.Result)
	}

	steps := []struct {
		message      string
		wantQuestion string
	}{
		{"Kids", "Which platform?"},
		{"Web", ""}, // send-confirmation prompt, content not asserted here
		{"yes", ""}, // edit-flow prompt for a question number
		{"2", "What should the answer to question 2 be?"},
		{"Updated platform", ""}, // back to send-confirmation
	}
	for _, step := range steps {
		resp := d.Dispatch(ctx, "continue_brainstormer", map[string]any{"message": step.message})
		if resp.Result["error"] != nil {
			t.Fatalf("continue_brainstormer(%q) failed: %+v", step.message, resp.Result)
		}
		if step.wantQuestion != "" && resp.Result["question"] != step.wantQuestion {
			t.Fatalf("continue_brainstormer(%q): expected question %q, got %+v", step.message, step.wantQuestion, resp.Result)
		}
	}

	finalResp := d.Dispatch(ctx, "continue_brainstormer", map[string]any{"message": "no"})
	if finalResp.Result["error"] != nil {
		t.Fatalf("final continue_brainstormer failed: %+v", finalResp.Result)
	}
	if finalResp.Result["status"] != "complete" {
		t.Fatalf("expected status=complete, got %+v", finalResp.Result)
	}
	if finalResp.Result["response"] != "Thanks, got it." {
		t.Fatalf("expected the subagent's ack response, got %+v", finalResp.Result)
	}

	if _, ok := deps.Relay.ActiveConversation(); ok {
		t.Fatal("expected conversation cleared after finalization")
	}
}
