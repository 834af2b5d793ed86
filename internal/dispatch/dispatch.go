// Package dispatch implements the tool dispatcher (spec.md §4.J): the fixed
// set of model-facing tool schemas and the handler table that routes each
// invocation, wraps the result in a ToolResponse, and never lets a handler
// exception escape to the model session.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/vocorch/internal/builder"
	"github.com/basket/vocorch/internal/modelsession"
	"github.com/basket/vocorch/internal/otel"
	"github.com/basket/vocorch/internal/policy"
	"github.com/basket/vocorch/internal/pricing"
	"github.com/basket/vocorch/internal/promptmanager"
	"github.com/basket/vocorch/internal/relay"
	"github.com/basket/vocorch/internal/safety"
	"github.com/basket/vocorch/internal/sandbox"
	"github.com/basket/vocorch/internal/store"
	"github.com/basket/vocorch/internal/subagent"
	"github.com/basket/vocorch/internal/tokenutil"
)

// ToolResponse is the dispatcher's wrapper around every handler's return
// value (spec.md §4.J): result is what the model sees, the other fields are
// side-effect signals the session executes and never merges into result.
type ToolResponse struct {
	Result        map[string]any `json:"result"`
	VoiceFeedback string         `json:"-"`
	StartAmbient  bool           `json:"-"`
	StopAmbient   bool           `json:"-"`
}

// Handler processes one tool invocation's arguments and produces a response.
type Handler func(ctx context.Context, args map[string]any) ToolResponse

const quickDispatchTimeout = 30 * time.Second

// Dependencies bundles every collaborator a handler might need. Handlers
// that don't need a given collaborator simply never touch that field.
type Dependencies struct {
	Store         *store.Store
	Prompts       *promptmanager.Manager
	Subagents     *subagent.Client
	Builders      *builder.Client
	Policy        policy.Checker
	WorkspaceRoot string
	MemoryLogPath string
	Logger        *slog.Logger

	// Relay owns the foreground Q&A conversation and draft state that
	// engage_brainstormer/continue_brainstormer drive (spec.md §3
	// SubagentConversationState, §8 Scenario #4). Nil disables the
	// answer-staging flow; the handlers fall back to a bare planner alias.
	Relay *relay.State

	StartBuilderProject func(ctx context.Context, project string) error
	AutoRouteLarge      func(planFile string) (agent string, ok bool)

	// Sanitizer screens outbound subagent messages for prompt-injection
	// before they leave the process (spec.md §7 PolicyRejected taxonomy).
	Sanitizer *safety.Sanitizer
	// Metrics records tool-call duration/error counts when telemetry is
	// enabled; nil when disabled (every call is guarded).
	Metrics *otel.Metrics
	// Model names the active speech/subagent model for cost estimation.
	Model string
	// Sandbox runs quick_dispatch commands that fail the trusted-command
	// allowlist but pass the danger-pattern blocklist in an isolated
	// container instead of escalating straight to full builder dispatch.
	// Nil disables the escalation path (requires_full_dispatch applies).
	Sandbox *sandbox.DockerSandbox
}

// Dispatcher routes tool invocations by name.
type Dispatcher struct {
	deps     Dependencies
	handlers map[string]Handler
	schemas  compiledSchemas
}

// New builds the fixed table of ~14 tool handlers (spec.md §6).
func New(deps Dependencies) *Dispatcher {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Sanitizer == nil {
		deps.Sanitizer = safety.NewSanitizer()
	}
	d := &Dispatcher{deps: deps, schemas: compileToolSchemas()}
	d.handlers = map[string]Handler{
		"engage_planner":        d.engagePlanner,
		"lookup_context":        d.lookupContext,
		"check_status":          d.checkStatus,
		"dispatch_to_builder":   d.dispatchToBuilder,
		"add_to_memory":         d.addToMemory,
		"cancel_task":           d.cancelTask,
		"check_inbox":           d.checkInbox,
		"acknowledge_inbox":     d.acknowledgeInbox,
		"update_working_prompt": d.updateWorkingPrompt,
		"freeze_prompt":         d.freezePrompt,
		"quick_dispatch":        d.quickDispatch,
		"engage_brainstormer":   d.engageBrainstormer,
		"continue_brainstormer": d.continueBrainstormer,
		"get_builder_plan":      d.getBuilderPlan,
		"approve_builder_plan":  d.approveBuilderPlan,
		"list_projects":         d.listProjects,
		"select_project":        d.selectProject,
		"start_builder":         d.startBuilder,
		"create_project":        d.createProject,
	}
	return d
}

// Dispatch routes one tool_call by name, logging start, and catching any
// handler panic as a structured error result (spec.md §4.J steps 1-4).
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args map[string]any) (resp ToolResponse) {
	d.deps.Logger.Info("tool dispatch start", "tool", name)
	start := time.Now()

	defer func() {
		d.recordToolMetrics(ctx, name, start, resp)
		if r := recover(); r != nil {
			d.deps.Logger.Error("tool handler panicked", "tool", name, "panic", r)
			resp = ToolResponse{Result: map[string]any{"error": fmt.Sprintf("%v", r)}}
		}
	}()

	handler, ok := d.handlers[name]
	if !ok {
		return ToolResponse{Result: map[string]any{"error": fmt.Sprintf("unknown tool %q", name)}}
	}
	if err := d.validateArgs(name, args); err != nil {
		return ToolResponse{Result: map[string]any{"error": fmt.Sprintf("invalid arguments: %v", err)}}
	}
	return handler(ctx, args)
}

// recordToolMetrics reports one dispatch's duration and, on an error
// result, increments the tool-call error counter. A nil Metrics (telemetry
// disabled) makes every call here a no-op.
func (d *Dispatcher) recordToolMetrics(ctx context.Context, name string, start time.Time, resp ToolResponse) {
	if d.deps.Metrics == nil {
		return
	}
	elapsed := time.Since(start).Seconds()
	if d.deps.Metrics.ToolCallDuration != nil {
		d.deps.Metrics.ToolCallDuration.Record(ctx, elapsed, metric.WithAttributes(attribute.String("tool", name)))
	}
	if _, isErr := resp.Result["error"]; isErr && d.deps.Metrics.ToolCallErrors != nil {
		d.deps.Metrics.ToolCallErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", name)))
	}
}

// HandleToolCalls adapts Dispatch to modelsession.ToolCallHandler.
func (d *Dispatcher) HandleToolCalls(ctx context.Context, calls []modelsession.ToolCall) []modelsession.ToolResult {
	results := make([]modelsession.ToolResult, len(calls))
	for i, c := range calls {
		resp := d.Dispatch(ctx, c.Name, c.Args)
		results[i] = modelsession.ToolResult{ID: c.ID, Result: resp.Result}
	}
	return results
}

func argString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func errResult(err error) ToolResponse {
	return ToolResponse{Result: map[string]any{"error": err.Error()}}
}

// --- engage_planner / lookup_context / engage_brainstormer family ---

func (d *Dispatcher) engagePlanner(ctx context.Context, args map[string]any) ToolResponse {
	return d.engageSubagent(ctx, "planner", argString(args, "task_description"))
}

func (d *Dispatcher) lookupContext(ctx context.Context, args map[string]any) ToolResponse {
	return d.engageSubagent(ctx, "context-reader", argString(args, "query"))
}

// engageBrainstormer engages the planner subagent and, if it raised
// questions, starts a foreground answer-staging conversation (spec.md §4.J
// "also participate in the answer-staging flow"; §3 SubagentConversationState).
func (d *Dispatcher) engageBrainstormer(ctx context.Context, args map[string]any) ToolResponse {
	resp := d.engageSubagent(ctx, "planner", argString(args, "task_description"))
	if resp.Result["error"] != nil || d.deps.Relay == nil {
		return resp
	}
	raw, _ := resp.Result["response"].(string)
	prompt := d.deps.Relay.StartConversation("planner", raw)
	return ToolResponse{Result: map[string]any{"question": prompt}, VoiceFeedback: prompt}
}

// continueBrainstormer drives the active answer-staging conversation one
// turn at a time. Each call either returns the next question/confirmation
// prompt to speak, or, once the user declines further edits, relays the
// aggregated answers on to the planner subagent and reports completion
// (spec.md §8 Scenario #4).
func (d *Dispatcher) continueBrainstormer(ctx context.Context, args map[string]any) ToolResponse {
	message := argString(args, "message")
	if d.deps.Relay == nil {
		return d.continueSubagent(ctx, "planner", message)
	}

	prompt, done, payload, agent, ok := d.deps.Relay.ContinueConversation(message)
	if !ok {
		// No conversation in flight: treat this as an ordinary continuation.
		return d.continueSubagent(ctx, "planner", message)
	}
	if !done {
		return ToolResponse{Result: map[string]any{"question": prompt}, VoiceFeedback: prompt}
	}

	sendResp := d.continueSubagent(ctx, agent, payload)
	if sendResp.Result["error"] != nil {
		return sendResp
	}
	return ToolResponse{Result: map[string]any{"status": "complete", "response": sendResp.Result["response"]}, VoiceFeedback: prompt}
}

func (d *Dispatcher) engageSubagent(ctx context.Context, agent, message string) ToolResponse {
	if d.deps.Subagents == nil {
		return errResult(fmt.Errorf("subagent client unavailable: %w", promptmanager.ErrPreconditionNotMet))
	}
	if blocked, reason := d.checkInjection(message); blocked {
		return ToolResponse{Result: map[string]any{"error": "message rejected: " + reason}}
	}
	d.logEstimatedCost(agent, message)
	events, err := d.deps.Subagents.Engage(ctx, agent, message)
	if err != nil {
		return errResult(err)
	}
	return collectSubagentEvents(events)
}

func (d *Dispatcher) continueSubagent(ctx context.Context, agent, message string) ToolResponse {
	if d.deps.Subagents == nil {
		return errResult(fmt.Errorf("subagent client unavailable: %w", promptmanager.ErrPreconditionNotMet))
	}
	if blocked, reason := d.checkInjection(message); blocked {
		return ToolResponse{Result: map[string]any{"error": "message rejected: " + reason}}
	}
	d.logEstimatedCost(agent, message)
	events, err := d.deps.Subagents.Continue(ctx, agent, message)
	if err != nil {
		return errResult(err)
	}
	return collectSubagentEvents(events)
}

// checkInjection runs the prompt-injection sanitizer (spec.md §7
// PolicyRejected taxonomy); ActionBlock rejects the message outright,
// ActionWarn logs and proceeds.
func (d *Dispatcher) checkInjection(message string) (blocked bool, reason string) {
	if d.deps.Sanitizer == nil {
		return false, ""
	}
	result := d.deps.Sanitizer.Check(message)
	switch result.Action {
	case safety.ActionBlock:
		d.deps.Logger.Warn("dispatch: message blocked by sanitizer", "reason", result.Reason, "pattern", result.Pattern)
		return true, result.Reason
	case safety.ActionWarn:
		d.deps.Logger.Warn("dispatch: sanitizer flagged message", "reason", result.Reason, "pattern", result.Pattern)
	}
	return false, ""
}

// logEstimatedCost records a rough token/cost estimate for one outbound
// subagent message; estimation only, no billing data is available here.
func (d *Dispatcher) logEstimatedCost(agent, message string) {
	if d.deps.Model == "" {
		return
	}
	tokens := tokenutil.EstimateTokens(message)
	cost := pricing.EstimateCost(d.deps.Model, tokens, 0)
	d.deps.Logger.Debug("dispatch: estimated outbound cost", "agent", agent, "tokens", tokens, "usd", cost)
}

func collectSubagentEvents(events <-chan subagent.Event) ToolResponse {
	var final string
	for ev := range events {
		switch ev.Type {
		case "complete":
			final = ev.Content
		case "error":
			return ToolResponse{Result: map[string]any{"error": ev.Content}}
		}
	}
	return ToolResponse{Result: map[string]any{"response": final}}
}

// --- check_status ---

func (d *Dispatcher) checkStatus(ctx context.Context, args map[string]any) ToolResponse {
	verbose, _ := args["verbose"].(bool)
	if d.deps.Store == nil {
		return errResult(fmt.Errorf("store unavailable"))
	}
	tasks, err := d.deps.Store.GetActiveTasks(ctx)
	if err != nil {
		return errResult(err)
	}
	inbox, err := d.deps.Store.GetInbox(ctx, true, "", 0)
	if err != nil {
		return errResult(err)
	}

	summary := fmt.Sprintf("%d active task(s), %d unread inbox item(s).", len(tasks), len(inbox))
	result := map[string]any{"summary": summary, "active_count": len(tasks), "unread_inbox": len(inbox)}
	if verbose {
		var titles []string
		for _, t := range tasks {
			titles = append(titles, t.Title)
		}
		result["tasks"] = titles
	}
	return ToolResponse{Result: result, VoiceFeedback: summary}
}

// --- dispatch_to_builder ---

func (d *Dispatcher) dispatchToBuilder(ctx context.Context, args map[string]any) ToolResponse {
	planFile := argString(args, "plan_file")
	agent := argString(args, "agent")
	mode := argString(args, "mode")
	if mode == "" {
		mode = "plan"
	}
	if d.deps.Builders == nil || d.deps.Store == nil {
		return errResult(fmt.Errorf("builder client unavailable"))
	}

	path := planFile
	if !strings.HasPrefix(path, "/") {
		path = filepath.Join(d.deps.WorkspaceRoot, "drafts", planFile)
	}

	if agent == "" || agent == "auto" {
		agent = d.autoRouteAgent(path)
	}

	taskID := store.NewTaskID()
	var err error
	if mode == "build" {
		err = d.deps.Builders.DispatchBuild(ctx, taskID, path, d.deps.WorkspaceRoot)
	} else {
		err = d.deps.Builders.DispatchPlan(ctx, taskID, path, d.deps.WorkspaceRoot)
	}
	if err != nil {
		return errResult(err)
	}

	// builder_session_id doubles as the registered builder-backend name so
	// the monitor knows which backend to poll for this task (internal/monitor).
	payload, _ := json.Marshal(map[string]any{"agent": agent, "mode": mode, "builder_session_id": agent})
	_, _ = d.deps.Store.AppendEvent(ctx, store.TaskEvent{
		TaskID:  taskID,
		Type:    store.EventBuilderDispatched,
		Payload: string(payload),
	})

	return ToolResponse{Result: map[string]any{"task_id": taskID, "agent": agent, "mode": mode}}
}

func (d *Dispatcher) autoRouteAgent(planFile string) string {
	if d.deps.AutoRouteLarge != nil {
		if agent, ok := d.deps.AutoRouteLarge(planFile); ok {
			return agent
		}
	}
	data, err := os.ReadFile(planFile)
	if err != nil {
		return "opencode-fast"
	}
	content := string(data)
	fileRefs := strings.Count(content, ".go") + strings.Count(content, ".ts") + strings.Count(content, ".py")
	if len(content) > 4000 || fileRefs > 5 {
		return "claude-code"
	}
	return "opencode-fast"
}

// --- add_to_memory ---

func (d *Dispatcher) addToMemory(ctx context.Context, args map[string]any) ToolResponse {
	content := argString(args, "content")
	importance := argString(args, "importance")
	if importance == "" {
		importance = "normal"
	}
	if d.deps.MemoryLogPath == "" {
		return errResult(fmt.Errorf("memory log path not configured"))
	}

	entry := map[string]any{
		"content":    content,
		"importance": importance,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
	if kw, ok := args["keywords"].([]any); ok {
		entry["keywords"] = kw
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return errResult(err)
	}
	if err := appendLine(d.deps.MemoryLogPath, line); err != nil {
		return errResult(err)
	}
	return ToolResponse{Result: map[string]any{"stored": true}}
}

func appendLine(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

// --- cancel_task ---

func (d *Dispatcher) cancelTask(ctx context.Context, args map[string]any) ToolResponse {
	taskID := argString(args, "task_id")
	reason := argString(args, "reason")
	if d.deps.Store == nil {
		return errResult(fmt.Errorf("store unavailable"))
	}
	payload, _ := json.Marshal(map[string]any{"reason": reason})
	_, err := d.deps.Store.AppendEvent(ctx, store.TaskEvent{
		TaskID:  taskID,
		Type:    store.EventTaskCanceled,
		Payload: string(payload),
	})
	if err != nil {
		return errResult(err)
	}
	return ToolResponse{Result: map[string]any{"canceled": true}}
}

// --- check_inbox / acknowledge_inbox ---

func (d *Dispatcher) checkInbox(ctx context.Context, args map[string]any) ToolResponse {
	includeRead, _ := args["include_read"].(bool)
	if d.deps.Store == nil {
		return errResult(fmt.Errorf("store unavailable"))
	}
	items, err := d.deps.Store.GetInbox(ctx, !includeRead, "", 0)
	if err != nil {
		return errResult(err)
	}
	summary := fmt.Sprintf("%d inbox item(s).", len(items))
	return ToolResponse{Result: map[string]any{"items": items, "count": len(items)}, VoiceFeedback: summary}
}

func (d *Dispatcher) acknowledgeInbox(ctx context.Context, args map[string]any) ToolResponse {
	if d.deps.Store == nil {
		return errResult(fmt.Errorf("store unavailable"))
	}
	ids, _ := args["inbox_ids"].([]any)
	if len(ids) == 0 {
		n, err := d.deps.Store.AcknowledgeAllInbox(ctx)
		if err != nil {
			return errResult(err)
		}
		return ToolResponse{Result: map[string]any{"acknowledged": n}}
	}
	for _, raw := range ids {
		id, ok := raw.(string)
		if !ok {
			continue
		}
		if err := d.deps.Store.AcknowledgeInbox(ctx, id); err != nil {
			return errResult(err)
		}
	}
	return ToolResponse{Result: map[string]any{"acknowledged": len(ids)}}
}

// --- update_working_prompt / freeze_prompt ---

func (d *Dispatcher) updateWorkingPrompt(ctx context.Context, args map[string]any) ToolResponse {
	if d.deps.Prompts == nil {
		return errResult(fmt.Errorf("prompt manager unavailable"))
	}
	taskID := argString(args, "task_id")
	title := argString(args, "title")
	intent := argString(args, "intent")

	var titlePtr, intentPtr *string
	if title != "" {
		titlePtr = &title
	}
	if intent != "" {
		intentPtr = &intent
	}

	var appendCtx *string
	if c := argString(args, "context"); c != "" {
		appendCtx = &c
	}

	err := d.deps.Prompts.Update(ctx, taskID, titlePtr, intentPtr, toStringSlice(args["requirements"]), toStringSlice(args["constraints"]), appendCtx)
	if err != nil {
		return errResult(err)
	}
	return ToolResponse{Result: map[string]any{"updated": true}}
}

func toStringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (d *Dispatcher) freezePrompt(ctx context.Context, args map[string]any) ToolResponse {
	if d.deps.Prompts == nil {
		return errResult(fmt.Errorf("prompt manager unavailable"))
	}
	taskID := argString(args, "task_id")
	record, err := d.deps.Prompts.Freeze(ctx, taskID)
	if err != nil {
		return errResult(err)
	}
	data, _ := json.Marshal(record)
	var asMap map[string]any
	_ = json.Unmarshal(data, &asMap)
	return ToolResponse{Result: asMap, VoiceFeedback: "Prompt frozen and ready to hand off."}
}

// --- quick_dispatch ---

func (d *Dispatcher) quickDispatch(ctx context.Context, args map[string]any) ToolResponse {
	command := argString(args, "command")
	workingDir := argString(args, "working_dir")
	if workingDir == "" {
		workingDir = d.deps.WorkspaceRoot
	}

	if !policy.AllowQuickDispatch(command) {
		if d.deps.Sandbox != nil && policy.AllowSandboxedDispatch(command) {
			return d.quickDispatchSandboxed(ctx, command, workingDir)
		}
		return ToolResponse{Result: map[string]any{"requires_full_dispatch": true}}
	}

	execCtx, cancel := context.WithTimeout(ctx, quickDispatchTimeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	cmd.Dir = workingDir
	out, err := cmd.CombinedOutput()
	result := map[string]any{"output": string(out)}
	if err != nil {
		result["error"] = err.Error()
	}
	return ToolResponse{Result: result}
}

// quickDispatchSandboxed runs command inside an ephemeral, network-isolated
// container rather than on the host, for commands trusted enough to skip a
// full builder dispatch but not trusted enough for a direct host exec.
func (d *Dispatcher) quickDispatchSandboxed(ctx context.Context, command, workingDir string) ToolResponse {
	execCtx, cancel := context.WithTimeout(ctx, quickDispatchTimeout)
	defer cancel()

	out, exitCode, err := d.deps.Sandbox.Exec(execCtx, command, workingDir)
	result := map[string]any{"output": out, "exit_code": exitCode, "sandboxed": true}
	if err != nil {
		result["error"] = err.Error()
	}
	return ToolResponse{Result: result}
}

// --- get_builder_plan / approve_builder_plan ---

func (d *Dispatcher) getBuilderPlan(ctx context.Context, args map[string]any) ToolResponse {
	if d.deps.Builders == nil {
		return errResult(fmt.Errorf("builder client unavailable"))
	}
	taskID := argString(args, "task_id")
	resp, err := d.deps.Builders.GetPlanResponse(ctx, taskID)
	if err != nil {
		return errResult(err)
	}
	return ToolResponse{Result: map[string]any{"plan": resp}}
}

func (d *Dispatcher) approveBuilderPlan(ctx context.Context, args map[string]any) ToolResponse {
	if d.deps.Builders == nil || d.deps.Store == nil {
		return errResult(fmt.Errorf("builder client unavailable"))
	}
	taskID := argString(args, "task_id")
	mods := argString(args, "modifications")
	if err := d.deps.Builders.ApproveAndBuild(ctx, taskID, mods); err != nil {
		return errResult(err)
	}
	_, _ = d.deps.Store.AppendEvent(ctx, store.TaskEvent{
		TaskID:  taskID,
		Type:    store.EventGateApproved,
		Payload: "{}",
	})
	return ToolResponse{Result: map[string]any{"approved": true}}
}

// --- list_projects / select_project / start_builder / create_project ---

var projectMarkers = []string{".git", "go.mod", "package.json", "Cargo.toml", "pyproject.toml"}

func (d *Dispatcher) listProjects(ctx context.Context, args map[string]any) ToolResponse {
	entries, err := os.ReadDir(d.deps.WorkspaceRoot)
	if err != nil {
		return errResult(err)
	}
	type scored struct {
		name   string
		marked bool
	}
	var projects []scored
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		marked := false
		for _, marker := range projectMarkers {
			if _, err := os.Stat(filepath.Join(d.deps.WorkspaceRoot, e.Name(), marker)); err == nil {
				marked = true
				break
			}
		}
		projects = append(projects, scored{name: e.Name(), marked: marked})
	}
	sort.SliceStable(projects, func(i, j int) bool { return projects[i].marked && !projects[j].marked })

	names := make([]string, 0, len(projects))
	for _, p := range projects {
		names = append(names, p.name)
	}
	return ToolResponse{Result: map[string]any{"projects": names}}
}

func (d *Dispatcher) selectProject(ctx context.Context, args map[string]any) ToolResponse {
	query := argString(args, "name")
	entries, err := os.ReadDir(d.deps.WorkspaceRoot)
	if err != nil {
		return errResult(err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}

	matches := rankByRatio(query, names)
	if len(matches) == 0 {
		return ToolResponse{Result: map[string]any{"status": "not_found", "original_query": query}}
	}
	if matches[0].score >= 85 {
		highCount := 0
		for _, m := range matches {
			if m.score >= 85 {
				highCount++
			}
		}
		if highCount > 1 {
			return ToolResponse{Result: map[string]any{"status": "needs_clarification", "candidates": topNames(matches, 5), "original_query": query}}
		}
		// spec.md §8 Scenario #3: auto-select yields exactly {project_name,
		// fuzzy_matched, original_query}.
		return ToolResponse{Result: map[string]any{
			"project_name":   matches[0].name,
			"fuzzy_matched":  true,
			"original_query": query,
		}}
	}
	return ToolResponse{Result: map[string]any{"status": "needs_clarification", "candidates": topNames(matches, 5), "original_query": query}}
}

func topNames(matches []match, n int) []string {
	if n > len(matches) {
		n = len(matches)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = matches[i].name
	}
	return out
}

func (d *Dispatcher) startBuilder(ctx context.Context, args map[string]any) ToolResponse {
	project := argString(args, "project")
	if d.deps.StartBuilderProject == nil {
		return errResult(fmt.Errorf("builder supervisor not wired"))
	}
	if err := d.deps.StartBuilderProject(ctx, project); err != nil {
		return errResult(err)
	}
	return ToolResponse{Result: map[string]any{"started": true, "project": project}}
}

var projectNameSanitizer = regexp.MustCompile(`[^a-z0-9-]+`)

func (d *Dispatcher) createProject(ctx context.Context, args map[string]any) ToolResponse {
	raw := argString(args, "name")
	name := projectNameSanitizer.ReplaceAllString(strings.ToLower(raw), "-")
	name = strings.Trim(name, "-")
	if name == "" {
		return errResult(fmt.Errorf("empty project name after sanitization"))
	}

	path := filepath.Join(d.deps.WorkspaceRoot, name)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return errResult(err)
	}

	if initGit, _ := args["git_init"].(bool); initGit {
		cmd := exec.CommandContext(ctx, "git", "init")
		cmd.Dir = path
		_ = cmd.Run()
	}

	result := map[string]any{"project": name, "path": path}
	if selectStart, _ := args["select_and_start"].(bool); selectStart && d.deps.StartBuilderProject != nil {
		if err := d.deps.StartBuilderProject(ctx, name); err != nil {
			result["start_error"] = err.Error()
		} else {
			result["started"] = true
		}
	}
	return ToolResponse{Result: result}
}
