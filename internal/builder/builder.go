// Package builder implements the builder HTTP client (spec.md §4.G): plan
// and build mode dispatch against a builder server exposing the same session
// API shape as the subagent client (§4.E) plus an abort endpoint.
package builder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// Mode selects which agent marker a dispatch is sent under.
type Mode string

const (
	ModePlan  Mode = "plan"
	ModeBuild Mode = "build"
)

// httpTimeout is the builder plan/build request timeout (spec.md §5).
const httpTimeout = 600 * time.Second

// ErrNoSession is returned when a task_id has no recorded session.
var ErrNoSession = errors.New("builder: no session recorded for task")

type sessionRecord struct {
	id   string
	mode Mode
}

type messagePart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type messageInfo struct {
	ID     string `json:"id"`
	Role   string `json:"role"`
	Status string `json:"status,omitempty"`
}

type sessionMessage struct {
	Info  messageInfo   `json:"info"`
	Parts []messagePart `json:"parts"`
}

// Client targets one builder server.
type Client struct {
	baseURL string
	http    *http.Client

	mu            sync.Mutex
	planSessions  map[string]sessionRecord
	activeSessions map[string]sessionRecord
}

// New creates a builder client against baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL:        baseURL,
		http:           &http.Client{Timeout: httpTimeout},
		planSessions:   make(map[string]sessionRecord),
		activeSessions: make(map[string]sessionRecord),
	}
}

// DispatchPlan reads promptFile (resolving root-relative drafts), optionally
// prepends a working-directory preamble, creates a session, and sends the
// prompt under the plan agent marker, recording it under plan_sessions.
func (c *Client) DispatchPlan(ctx context.Context, taskID, promptFile, root string) error {
	return c.dispatch(ctx, taskID, promptFile, root, ModePlan)
}

// DispatchBuild is the same as DispatchPlan but marks build mode and records
// under active_sessions.
func (c *Client) DispatchBuild(ctx context.Context, taskID, promptFile, root string) error {
	return c.dispatch(ctx, taskID, promptFile, root, ModeBuild)
}

func (c *Client) dispatch(ctx context.Context, taskID, promptFile, root string, mode Mode) error {
	prompt, err := readPrompt(promptFile, root)
	if err != nil {
		return err
	}

	sessionID, err := c.createSession(ctx, taskID)
	if err != nil {
		return err
	}

	if err := c.sendPrompt(ctx, sessionID, string(mode), prompt); err != nil {
		return err
	}

	rec := sessionRecord{id: sessionID, mode: mode}
	c.mu.Lock()
	if mode == ModePlan {
		c.planSessions[taskID] = rec
	} else {
		c.activeSessions[taskID] = rec
	}
	c.mu.Unlock()
	return nil
}

func readPrompt(promptFile, root string) (string, error) {
	path := promptFile
	if !strings.HasPrefix(path, "/") {
		path = root + "/" + path
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("builder: read prompt file: %w", err)
	}
	text := string(data)
	if root != "" {
		text = fmt.Sprintf("Working directory: %s\n\n%s", root, text)
	}
	return text, nil
}

func (c *Client) createSession(ctx context.Context, title string) (string, error) {
	body, _ := json.Marshal(map[string]string{"title": title})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/session", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("builder: build session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("builder: create session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("builder: create session: status %d", resp.StatusCode)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("builder: decode session response: %w", err)
	}
	return out.ID, nil
}

func (c *Client) sendPrompt(ctx context.Context, sessionID, agent, text string) error {
	payload := map[string]any{
		"agent": agent,
		"parts": []map[string]string{{"type": "text", "text": text}},
	}
	body, _ := json.Marshal(payload)
	url := fmt.Sprintf("%s/session/%s/prompt_async", c.baseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("builder: build prompt request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("builder: send prompt: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("builder: send prompt: status %d", resp.StatusCode)
	}
	return nil
}

// GetPlanResponse lists messages for task_id's plan session and returns the
// concatenated text of the last assistant message.
func (c *Client) GetPlanResponse(ctx context.Context, taskID string) (string, error) {
	c.mu.Lock()
	rec, ok := c.planSessions[taskID]
	c.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("builder: plan response for %q: %w", taskID, ErrNoSession)
	}

	msgs, err := c.fetchMessages(ctx, rec.id)
	if err != nil {
		return "", err
	}
	return lastAssistantText(msgs), nil
}

func lastAssistantText(msgs []sessionMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Info.Role != "assistant" {
			continue
		}
		var buf strings.Builder
		for _, p := range msgs[i].Parts {
			if p.Type == "text" {
				buf.WriteString(p.Text)
			}
		}
		return buf.String()
	}
	return ""
}

// ApproveAndBuild sends an approval prompt (or explicit modifications) to
// task_id's plan session, then migrates it from plan_sessions to
// active_sessions.
func (c *Client) ApproveAndBuild(ctx context.Context, taskID string, modifications string) error {
	c.mu.Lock()
	rec, ok := c.planSessions[taskID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("builder: approve_and_build for %q: %w", taskID, ErrNoSession)
	}

	prompt := "Approved. Proceed with the build."
	if modifications != "" {
		prompt = modifications
	}
	if err := c.sendPrompt(ctx, rec.id, string(ModeBuild), prompt); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.planSessions, taskID)
	c.activeSessions[taskID] = sessionRecord{id: rec.id, mode: ModeBuild}
	c.mu.Unlock()
	return nil
}

func (c *Client) sessionForTask(taskID string) (sessionRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.activeSessions[taskID]; ok {
		return rec, true
	}
	if rec, ok := c.planSessions[taskID]; ok {
		return rec, true
	}
	return sessionRecord{}, false
}

// GetSessionStatus returns the status of the most recent message in
// task_id's session.
func (c *Client) GetSessionStatus(ctx context.Context, taskID string) (string, error) {
	rec, ok := c.sessionForTask(taskID)
	if !ok {
		return "", fmt.Errorf("builder: session status for %q: %w", taskID, ErrNoSession)
	}
	msgs, err := c.fetchMessages(ctx, rec.id)
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return "", nil
	}
	return msgs[len(msgs)-1].Info.Status, nil
}

// CancelSession aborts task_id's session.
func (c *Client) CancelSession(ctx context.Context, taskID string) error {
	rec, ok := c.sessionForTask(taskID)
	if !ok {
		return fmt.Errorf("builder: cancel session for %q: %w", taskID, ErrNoSession)
	}
	url := fmt.Sprintf("%s/session/%s/abort", c.baseURL, rec.id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("builder: build abort request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("builder: abort session: %w", err)
	}
	defer resp.Body.Close()

	c.mu.Lock()
	delete(c.planSessions, taskID)
	delete(c.activeSessions, taskID)
	c.mu.Unlock()
	return nil
}

// Close releases the client's idle HTTP connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) fetchMessages(ctx context.Context, sessionID string) ([]sessionMessage, error) {
	url := fmt.Sprintf("%s/session/%s/message", c.baseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("builder: build message request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("builder: fetch messages: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("builder: fetch messages: status %d: %s", resp.StatusCode, string(data))
	}
	var msgs []sessionMessage
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("builder: decode messages: %w", err)
	}
	return msgs, nil
}
