// Package sse implements the session event aggregator (spec.md §4.F): one
// source per subagent server, each multiplexing onto SSE with a
// failure-triggered polling fallback, normalizing builder-server events into
// a flattened, broadcast-ready session view.
package sse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Mode is a source's current connection strategy.
type Mode string

const (
	ModeSSE     Mode = "sse"
	ModePolling Mode = "polling"
)

const (
	sseFailureThreshold = 3
	pollInterval        = 5 * time.Second
	reconnectBase       = 1 * time.Second
	reconnectCap        = 30 * time.Second
)

// SessionSource classifies where a session originated.
type SessionSource string

const (
	SourceConversator SessionSource = "conversator"
	SourceBuilder      SessionSource = "builder"
	SourceExternal     SessionSource = "external"
)

// SessionMeta is the aggregator's upserted view of one remote session.
type SessionMeta struct {
	ID        string
	Title     string
	Agent     string
	Status    string
	Source    SessionSource
	SourceName string
	UpdatedAt time.Time
}

// MessageMeta is the aggregator's upserted view of one remote message.
type MessageMeta struct {
	ID          string
	SessionID   string
	LastContent string
	UpdatedAt   time.Time
}

// Broadcaster receives normalized outbound events for fan-out (the dashboard
// WebSocket layer, spec.md §4.L).
type Broadcaster interface {
	Broadcast(eventType string, data any)
}

// Source aggregates one subagent/builder server's event stream.
type Source struct {
	name    string
	baseURL string
	http    *http.Client
	bus     Broadcaster

	mu       sync.Mutex
	mode     Mode
	sessions map[string]*SessionMeta
	messages map[string]map[string]*MessageMeta
	failures int
}

// NewSource constructs a Source named name against baseURL, broadcasting
// normalized events through bus.
func NewSource(name, baseURL string, bus Broadcaster) *Source {
	return &Source{
		name:     name,
		baseURL:  baseURL,
		http:     &http.Client{Timeout: 0},
		bus:      bus,
		mode:     ModeSSE,
		sessions: make(map[string]*SessionMeta),
		messages: make(map[string]map[string]*MessageMeta),
	}
}

// Run preloads existing sessions, then drives SSE/polling until ctx is
// canceled.
func (s *Source) Run(ctx context.Context) {
	s.preload(ctx)

	backoff := reconnectBase
	for ctx.Err() == nil {
		s.mu.Lock()
		mode := s.mode
		s.mu.Unlock()

		if mode == ModePolling {
			s.pollOnce(ctx)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}

		err := s.runSSE(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.recordFailure()
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > reconnectCap {
				backoff = reconnectCap
			}
		} else {
			backoff = reconnectBase
		}
	}
}

func (s *Source) preload(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/session", nil)
	if err != nil {
		return
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return
	}
	var raw []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return
	}
	for _, r := range raw {
		s.upsertSessionFromRaw(r)
	}
}

func (s *Source) pollOnce(ctx context.Context) {
	s.preload(ctx)
	s.mu.Lock()
	s.failures--
	if s.failures < 0 {
		s.failures = 0
	}
	backToSSE := s.failures == 0
	if backToSSE {
		s.mode = ModeSSE
	}
	s.mu.Unlock()
}

func (s *Source) recordFailure() {
	s.mu.Lock()
	s.failures++
	if s.failures >= sseFailureThreshold {
		s.mode = ModePolling
	}
	s.mu.Unlock()
}

// sseCandidatePaths are tried in order against baseURL; the first that
// answers with a 2xx text/event-stream response wins (spec.md §6: "SSE on
// GET /event (or /global/event)"; the ground truth additionally tries
// /event/subscribe and /api/event/subscribe before giving up).
var sseCandidatePaths = []string{
	"/event",
	"/global/event",
	"/event/subscribe",
	"/api/event/subscribe",
}

func (s *Source) runSSE(ctx context.Context) error {
	resp, err := s.connectSSE(ctx)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := newEventScanner(resp.Body)
	for scanner.Scan() {
		ev := scanner.Event()
		if ev.data == "" {
			continue
		}
		s.dispatch(ev.eventType, []byte(ev.data))
	}
	return scanner.Err()
}

// connectSSE tries each candidate SSE endpoint in order and returns the
// response for the first one that answers 2xx with a text/event-stream
// Content-Type, leaving its body open for the caller to scan.
func (s *Source) connectSSE(ctx context.Context) (*http.Response, error) {
	var lastErr error
	for _, path := range sseCandidatePaths {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
		if err != nil {
			lastErr = fmt.Errorf("sse: build request for %s: %w", path, err)
			continue
		}
		req.Header.Set("Accept", "text/event-stream")

		resp, err := s.http.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("sse: connect %s: %w", path, err)
			continue
		}
		if resp.StatusCode >= 300 || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
			lastErr = fmt.Errorf("sse: unexpected response from %s: status %d content-type %q", path, resp.StatusCode, resp.Header.Get("Content-Type"))
			resp.Body.Close()
			continue
		}
		return resp, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("sse: no candidate endpoints configured")
	}
	return nil, lastErr
}

// dispatch normalizes one SSE payload by event type (spec.md §4.F table).
// Per spec.md §9's SSE-event-polymorphism note, a "type" field inside the
// JSON body takes precedence over the frame's "event:" header — servers
// that use a generic "event: message" header with a typed payload, or omit
// the header entirely, still dispatch correctly.
func (s *Source) dispatch(eventType string, data []byte) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return
	}
	if t, ok := raw["type"].(string); ok && t != "" {
		eventType = t
	}
	payload := unwrapInfo(raw)

	switch eventType {
	case "session.updated", "session.status":
		s.upsertSessionFromRaw(payload)

	case "message.updated":
		s.upsertMessage(payload)

	case "message.part.updated", "message.part", "part.updated":
		s.handlePartUpdate(payload)

	case "permission.updated":
		if s.bus != nil {
			s.bus.Broadcast("opencode_permission_updated", payload)
		}

	case "session.error":
		id, _ := payload["id"].(string)
		s.mu.Lock()
		if meta, ok := s.sessions[id]; ok {
			meta.Status = "error"
			meta.UpdatedAt = time.Now()
		}
		s.mu.Unlock()
		if s.bus != nil {
			s.bus.Broadcast("opencode_session_updated", payload)
		}
	}
}

// unwrapInfo tolerates payloads wrapped as {"properties":{"info":{...}}}.
func unwrapInfo(payload map[string]any) map[string]any {
	if props, ok := payload["properties"].(map[string]any); ok {
		if info, ok := props["info"].(map[string]any); ok {
			return info
		}
		return props
	}
	return payload
}

func classifySource(agent, title string) SessionSource {
	lower := strings.ToLower(agent + " " + title)
	switch {
	case strings.HasPrefix(lower, "cvtr-") || strings.Contains(lower, "cvtr-"):
		return SourceConversator
	case strings.Contains(lower, "build") || strings.Contains(lower, "builder"):
		return SourceBuilder
	default:
		return SourceExternal
	}
}

func (s *Source) upsertSessionFromRaw(payload map[string]any) {
	id, _ := payload["id"].(string)
	if id == "" {
		return
	}
	title, _ := payload["title"].(string)
	agent, _ := payload["agent"].(string)
	status, _ := payload["status"].(string)

	s.mu.Lock()
	meta, existed := s.sessions[id]
	if !existed {
		meta = &SessionMeta{ID: id}
		s.sessions[id] = meta
	}
	meta.Title = title
	meta.Agent = agent
	if status != "" {
		meta.Status = status
	}
	meta.Source = classifySource(agent, title)
	meta.SourceName = s.name
	meta.UpdatedAt = time.Now()
	s.mu.Unlock()

	if s.bus != nil {
		eventType := "opencode_session_updated"
		if !existed {
			eventType = "opencode_session_created"
		}
		s.bus.Broadcast(eventType, meta)
	}
}

func (s *Source) upsertMessage(payload map[string]any) {
	sessionID, _ := payload["sessionID"].(string)
	id, _ := payload["id"].(string)
	if sessionID == "" || id == "" {
		return
	}
	content := extractText(payload)

	s.mu.Lock()
	byMessage, ok := s.messages[sessionID]
	if !ok {
		byMessage = make(map[string]*MessageMeta)
		s.messages[sessionID] = byMessage
	}
	prev, existed := byMessage[id]
	previous := ""
	if existed {
		previous = prev.LastContent
	}
	meta := &MessageMeta{ID: id, SessionID: sessionID, LastContent: content, UpdatedAt: time.Now()}
	byMessage[id] = meta
	s.mu.Unlock()

	delta := strings.TrimPrefix(content, previous)
	if s.bus != nil && delta != "" {
		s.bus.Broadcast("opencode_message_chunk", map[string]any{
			"session_id": sessionID,
			"message_id": id,
			"delta":      delta,
		})
	}
}

func (s *Source) handlePartUpdate(payload map[string]any) {
	sessionID, _ := payload["sessionID"].(string)
	partType, _ := payload["type"].(string)

	if s.bus != nil {
		s.bus.Broadcast("opencode_message_chunk", payload)
		if partType == "tool" {
			s.bus.Broadcast("opencode_tool_updated", payload)
		}
	}
	_ = sessionID
}

func extractText(payload map[string]any) string {
	if parts, ok := payload["parts"].([]any); ok {
		var buf strings.Builder
		for _, p := range parts {
			if part, ok := p.(map[string]any); ok {
				if t, _ := part["text"].(string); t != "" {
					buf.WriteString(t)
				}
			}
		}
		return buf.String()
	}
	if t, ok := payload["text"].(string); ok {
		return t
	}
	return ""
}

// AggregatedSession is one flattened, source-tagged session for display.
type AggregatedSession struct {
	SessionMeta
}

// Aggregator merges multiple Sources into one flattened view.
type Aggregator struct {
	mu      sync.Mutex
	sources map[string]*Source
}

// NewAggregator creates an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{sources: make(map[string]*Source)}
}

// AddSource registers a Source under its name.
func (a *Aggregator) AddSource(src *Source) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sources[src.name] = src
}

// GetAggregatedSessions returns every known session across all sources,
// tagged with its source name, sorted by UpdatedAt descending.
func (a *Aggregator) GetAggregatedSessions() []AggregatedSession {
	a.mu.Lock()
	srcs := make([]*Source, 0, len(a.sources))
	for _, s := range a.sources {
		srcs = append(srcs, s)
	}
	a.mu.Unlock()

	var out []AggregatedSession
	for _, src := range srcs {
		src.mu.Lock()
		for _, meta := range src.sessions {
			out = append(out, AggregatedSession{SessionMeta: *meta})
		}
		src.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

type sseEvent struct {
	eventType string
	data      string
}

// eventScanner parses SSE frames ("event: <t>" / "data: <json>" lines
// separated by a blank line), extending the pack's data-only SSE scanner
// pattern to also track the event type.
type eventScanner struct {
	scanner *bufio.Scanner
	current sseEvent
	err     error
}

func newEventScanner(r io.Reader) *eventScanner {
	return &eventScanner{scanner: bufio.NewScanner(r)}
}

func (e *eventScanner) Scan() bool {
	e.current = sseEvent{}
	sawData := false
	for e.scanner.Scan() {
		line := e.scanner.Bytes()
		if len(line) == 0 {
			if sawData {
				return true
			}
			continue
		}
		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			e.current.eventType = strings.TrimSpace(strings.TrimPrefix(string(line), "event:"))
		case bytes.HasPrefix(line, []byte("data:")):
			e.current.data = strings.TrimSpace(strings.TrimPrefix(string(line), "data:"))
			sawData = true
		}
	}
	e.err = e.scanner.Err()
	return sawData
}

func (e *eventScanner) Event() sseEvent { return e.current }
func (e *eventScanner) Err() error      { return e.err }
