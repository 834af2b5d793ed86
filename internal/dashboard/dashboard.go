// Package dashboard implements the dashboard server (spec.md §4.L): a REST
// surface over the event store and inbox, plus a WebSocket fan-out that
// broadcasts every orchestrator-internal event as a typed envelope. The
// client registry and broadcast pattern follow the teacher's
// internal/gateway.Server; the JSON-RPC envelope there is generalized here
// into the broadcast envelope this server actually needs.
package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/vocorch/internal/store"
)

// Envelope is the broadcast frame every WebSocket client receives.
type Envelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp string `json:"timestamp"`
}

// Message type constants fanned out over the WebSocket (spec.md §4.L).
const (
	TypeConversationEntry         = "conversation_entry"
	TypeTaskEvent                 = "task_event"
	TypeInboxItem                 = "inbox_item"
	TypeBuilderStatus             = "builder_status"
	TypeSystemHealth              = "system_health"
	TypeOpencodeSessionCreated    = "opencode_session_created"
	TypeOpencodeSessionUpdated    = "opencode_session_updated"
	TypeOpencodeMessageChunk      = "opencode_message_chunk"
	TypeOpencodeToolUpdated       = "opencode_tool_updated"
	TypeOpencodePermissionUpdated = "opencode_permission_updated"
	TypeSourceRegistered          = "source_registered"
	TypeSourceDeregistered        = "source_deregistered"
	TypeActivity                  = "activity"
)

// Config holds the dashboard's dependencies.
type Config struct {
	Store        *store.Store
	AllowOrigins []string
	Logger       *slog.Logger
	// Sessions, if set, backs the /api/sessions route with the internal/sse
	// aggregator's merged session view.
	Sessions func() []any
}

// Server is the HTTP + WebSocket dashboard server.
type Server struct {
	cfg Config

	clientsMu sync.RWMutex
	clients   map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(ctx context.Context, env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(writeCtx, c.conn, env)
}

// New creates a dashboard Server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg, clients: make(map[*wsClient]struct{})}
}

// SetSessionsProvider wires the /api/sessions route to a session lister,
// typically internal/sse.Aggregator.GetAggregatedSessions wrapped to
// return []any. Safe to call once during startup before Handler serves
// traffic.
func (s *Server) SetSessionsProvider(f func() []any) {
	s.cfg.Sessions = f
}

// Broadcast implements internal/sse.Broadcaster: every consumer of the SSE
// multiplex and every other internal event source funnels through here.
func (s *Server) Broadcast(eventType string, data any) {
	env := Envelope{Type: eventType, Data: data, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		if err := c.write(context.Background(), env); err != nil {
			// A single dead connection must not block the others; it is
			// reaped by its own read-loop's deferred removeClient.
			s.cfg.Logger.Debug("dashboard: broadcast write failed", "type", eventType, "error", err)
		}
	}
}

// Handler builds the complete HTTP mux for the dashboard.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/events", s.handleWS)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTaskByID)
	mux.HandleFunc("/api/inbox", s.handleInbox)
	mux.HandleFunc("/api/inbox/acknowledge", s.handleInboxAcknowledge)
	mux.HandleFunc("/api/builders", s.handleBuilders)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/system", s.handleSystem)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowOrigins})
	if err != nil {
		return
	}
	c := &wsClient{conn: conn}
	s.addClient(c)
	defer func() {
		s.removeClient(c)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// This connection is write-only from the server's perspective; block on
	// reads purely to notice the client going away.
	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
	}
}

func (s *Server) addClient(c *wsClient) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *wsClient) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

// ClientCount reports the number of currently connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := store.TaskStatus(r.URL.Query().Get("status"))
	limit := queryLimit(r, 20)
	tasks, err := s.cfg.Store.GetTasks(r.Context(), status, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"tasks": tasks})
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	taskID := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	if taskID == "" {
		http.Error(w, "task_id required", http.StatusBadRequest)
		return
	}
	task, err := s.cfg.Store.GetTask(r.Context(), taskID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, task)
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	unreadOnly := r.URL.Query().Get("unread_only") != "false"
	severity := r.URL.Query().Get("severity")
	limit := queryLimit(r, 50)
	items, err := s.cfg.Store.GetInbox(r.Context(), unreadOnly, severity, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"items": items})
}

func (s *Server) handleInboxAcknowledge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		InboxIDs []string `json:"inbox_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(body.InboxIDs) == 0 {
		n, err := s.cfg.Store.AcknowledgeAllInbox(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"acknowledged": n})
		return
	}
	for _, id := range body.InboxIDs {
		if err := s.cfg.Store.AcknowledgeInbox(r.Context(), id); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	writeJSON(w, map[string]any{"acknowledged": len(body.InboxIDs)})
}

func (s *Server) handleBuilders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tasks, err := s.cfg.Store.GetActiveTasks(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	var builders []map[string]any
	for _, t := range tasks {
		if t.BuilderSessionID == "" {
			continue
		}
		builders = append(builders, map[string]any{
			"task_id": t.TaskID,
			"builder": t.BuilderSessionID,
			"status":  t.Status,
		})
	}
	writeJSON(w, map[string]any{"builders": builders})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	taskID := r.URL.Query().Get("task_id")
	eventType := store.EventType(r.URL.Query().Get("type"))
	afterID := int64(0)
	if v := r.URL.Query().Get("after_id"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			afterID = n
		}
	}
	events, err := s.cfg.Store.GetEvents(r.Context(), taskID, eventType, afterID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"events": events})
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tasks, err := s.cfg.Store.GetActiveTasks(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{
		"active_tasks": len(tasks),
		"ws_clients":   s.ClientCount(),
		"server_time":  time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var sessions []any
	if s.cfg.Sessions != nil {
		sessions = s.cfg.Sessions()
	}
	writeJSON(w, map[string]any{"sessions": sessions})
}
