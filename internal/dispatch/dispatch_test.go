package dispatch_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/vocorch/internal/bus"
	"github.com/basket/vocorch/internal/dispatch"
	"github.com/basket/vocorch/internal/policy"
	"github.com/basket/vocorch/internal/promptmanager"
	"github.com/basket/vocorch/internal/store"
)

func newTestDeps(t *testing.T) (dispatch.Dependencies, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "events.db"), bus.New())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	pm, err := promptmanager.New(dir, s)
	if err != nil {
		t.Fatalf("new prompt manager: %v", err)
	}

	return dispatch.Dependencies{
		Store:         s,
		Prompts:       pm,
		Policy:        policy.Default(),
		WorkspaceRoot: dir,
		MemoryLogPath: filepath.Join(dir, "memory.jsonl"),
	}, s
}

func TestUnknownToolReturnsError(t *testing.T) {
	deps, _ := newTestDeps(t)
	d := dispatch.New(deps)
	resp := d.Dispatch(context.Background(), "not_a_real_tool", nil)
	if resp.Result["error"] == nil {
		t.Fatalf("expected error result, got %+v", resp.Result)
	}
}

func TestCheckStatusReportsEmptyState(t *testing.T) {
	deps, _ := newTestDeps(t)
	d := dispatch.New(deps)
	resp := d.Dispatch(context.Background(), "check_status", map[string]any{})
	if resp.Result["active_count"] != 0 {
		t.Fatalf("expected 0 active tasks, got %+v", resp.Result)
	}
}

func TestAddToMemoryAppendsJSONLine(t *testing.T) {
	deps, _ := newTestDeps(t)
	d := dispatch.New(deps)
	resp := d.Dispatch(context.Background(), "add_to_memory", map[string]any{
		"content":    "remember this",
		"importance": "high",
	})
	if resp.Result["stored"] != true {
		t.Fatalf("expected stored=true, got %+v", resp.Result)
	}
	data, err := os.ReadFile(deps.MemoryLogPath)
	if err != nil {
		t.Fatalf("read memory log: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty memory log")
	}
}

func TestQuickDispatchPolicyBlockedCommandRequestsFullDispatch(t *testing.T) {
	deps, _ := newTestDeps(t)
	d := dispatch.New(deps)
	resp := d.Dispatch(context.Background(), "quick_dispatch", map[string]any{
		"command": "rm -rf /",
	})
	if resp.Result["requires_full_dispatch"] != true {
		t.Fatalf("expected requires_full_dispatch, got %+v", resp.Result)
	}
}

func TestQuickDispatchAllowedCommandRuns(t *testing.T) {
	deps, _ := newTestDeps(t)
	d := dispatch.New(deps)
	resp := d.Dispatch(context.Background(), "quick_dispatch", map[string]any{
		"command": "echo hello",
	})
	if resp.Result["output"] == nil {
		t.Fatalf("expected output, got %+v", resp.Result)
	}
}

func TestCreateProjectSanitizesName(t *testing.T) {
	deps, _ := newTestDeps(t)
	d := dispatch.New(deps)
	resp := d.Dispatch(context.Background(), "create_project", map[string]any{
		"name": "My Cool Project!!",
	})
	if resp.Result["project"] != "my-cool-project" {
		t.Fatalf("expected sanitized name, got %+v", resp.Result)
	}
	if _, err := os.Stat(resp.Result["path"].(string)); err != nil {
		t.Fatalf("expected project directory created: %v", err)
	}
}

func TestSelectProjectFindsHighScoreMatch(t *testing.T) {
	deps, _ := newTestDeps(t)
	if err := os.Mkdir(filepath.Join(deps.WorkspaceRoot, "vocorch"), 0o755); err != nil {
		t.Fatal(err)
	}
	d := dispatch.New(deps)
	resp := d.Dispatch(context.Background(), "select_project", map[string]any{"name": "vocorch"})
	if resp.Result["project_name"] != "vocorch" || resp.Result["fuzzy_matched"] != true || resp.Result["original_query"] != "vocorch" {
		t.Fatalf("expected exact selection with spec.md schema, got %+v", resp.Result)
	}
}

func TestSelectProjectFuzzyMatchesFillerWords(t *testing.T) {
	deps, _ := newTestDeps(t)
	if err := os.Mkdir(filepath.Join(deps.WorkspaceRoot, "calculator"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(deps.WorkspaceRoot, "demo"), 0o755); err != nil {
		t.Fatal(err)
	}
	d := dispatch.New(deps)
	// spec.md §8 Scenario #3: "calculator app" auto-selects "calculator".
	resp := d.Dispatch(context.Background(), "select_project", map[string]any{"name": "calculator app"})
	if resp.Result["project_name"] != "calculator" || resp.Result["fuzzy_matched"] != true || resp.Result["original_query"] != "calculator app" {
		t.Fatalf("expected fuzzy selection of calculator, got %+v", resp.Result)
	}
}

func TestCheckInboxAndAcknowledge(t *testing.T) {
	deps, s := newTestDeps(t)
	id, err := s.AddInboxItem(context.Background(), "warning", "something happened", nil)
	if err != nil {
		t.Fatalf("add inbox: %v", err)
	}
	d := dispatch.New(deps)
	resp := d.Dispatch(context.Background(), "check_inbox", map[string]any{})
	if resp.Result["count"] != 1 {
		t.Fatalf("expected 1 unread item, got %+v", resp.Result)
	}

	ackResp := d.Dispatch(context.Background(), "acknowledge_inbox", map[string]any{
		"inbox_ids": []any{id},
	})
	if ackResp.Result["acknowledged"] != 1 {
		t.Fatalf("expected 1 acknowledged, got %+v", ackResp.Result)
	}
}
