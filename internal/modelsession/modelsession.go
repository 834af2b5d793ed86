// Package modelsession implements the duplex audio <-> model session
// (spec.md §4.D): connect/reconnect, the tool-call turn loop, and the
// connection health check, against an external conversational model.
package modelsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is a node of the session state machine named in spec.md §4.D:
// Disconnected -> Connecting -> Connected -> (TurnActive <-> Awaiting)*,
// with Connected -> Draining(go_away) -> Disconnected and * -> Reconnecting -> Connected.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateTurnActive   State = "turn_active"
	StateAwaiting     State = "awaiting"
	StateDraining     State = "draining"
	StateReconnecting State = "reconnecting"
)

// ErrNotConnected is returned by send operations while disconnected.
var ErrNotConnected = errors.New("modelsession: not connected")

// ErrConnectionReset signals process_responses ended abnormally (go-away or
// unexpected iterator end) and a reconnect should be attempted.
var ErrConnectionReset = errors.New("modelsession: connection reset")

// Tool is a declared tool schema sent at connect time.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is one invocation within a tool_call group.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolResult is the response sent back for a single ToolCall.
type ToolResult struct {
	ID     string
	Result map[string]any
}

// ToolCallHandler dispatches a batch of tool calls (all calls within one
// tool_call group are answered before the turn continues) and returns their
// results in the same order.
type ToolCallHandler func(ctx context.Context, calls []ToolCall) []ToolResult

// OnAudio is invoked for each decoded downstream PCM frame.
type OnAudio func(pcm []byte)

// OnText is invoked for each downstream text part (logged by the caller).
type OnText func(text string)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	reconnectMaxTries  = 3
)

// Session drives a Transport through the connect/turn/reconnect lifecycle.
type Session struct {
	transport Transport
	logger    *slog.Logger
	onTool    ToolCallHandler

	mu             sync.Mutex
	state          State
	lastTools      []Tool
	resumeHandle   string
	goAway         bool
	isGenerating   bool
	lastInboundAt  time.Time
	announcePump   func(ctx context.Context)
	announceCancel context.CancelFunc
}

// New creates a Session against the given Transport. onTool is invoked for
// every tool_call group encountered during ProcessResponses.
func New(transport Transport, onTool ToolCallHandler, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		transport: transport,
		onTool:    onTool,
		logger:    logger,
		state:     StateDisconnected,
	}
}

// State returns the session's current state (thread-safe snapshot).
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetAnnouncePump registers the background announcement pump started on a
// successful Connect (spec.md §4.D, "start a background announcement pump").
func (s *Session) SetAnnouncePump(pump func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.announcePump = pump
}

// Connect opens the session. On success it records the tools list (for
// reconnection), flips to Connected, and starts the announcement pump.
func (s *Session) Connect(ctx context.Context, tools []Tool, resumeHandle string) error {
	s.mu.Lock()
	s.state = StateConnecting
	s.mu.Unlock()

	if err := s.transport.Connect(ctx, tools, resumeHandle); err != nil {
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		return fmt.Errorf("modelsession: connect: %w", err)
	}

	s.mu.Lock()
	s.lastTools = tools
	s.resumeHandle = resumeHandle
	s.goAway = false
	s.state = StateConnected
	s.lastInboundAt = time.Now()
	pump := s.announcePump
	s.mu.Unlock()

	if pump != nil {
		pumpCtx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.announceCancel = cancel
		s.mu.Unlock()
		go pump(pumpCtx)
	}
	return nil
}

func (s *Session) connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateConnected || s.state == StateTurnActive || s.state == StateAwaiting
}

// SendAudio streams one upstream PCM frame.
func (s *Session) SendAudio(ctx context.Context, pcm []byte) error {
	if !s.connected() {
		return ErrNotConnected
	}
	return s.transport.SendAudio(ctx, pcm)
}

// SendAudioEnd signals the end of an utterance.
func (s *Session) SendAudioEnd(ctx context.Context) error {
	if !s.connected() {
		return ErrNotConnected
	}
	return s.transport.SendAudioEnd(ctx)
}

// SendText streams an upstream text message.
func (s *Session) SendText(ctx context.Context, text string) error {
	if !s.connected() {
		return ErrNotConnected
	}
	return s.transport.SendText(ctx, text)
}

// IsConnectionHealthy reports false when disconnected, after a go-away, or
// when more than maxIdle has elapsed since the last inbound message.
func (s *Session) IsConnectionHealthy(maxIdle time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected || s.state == StateDraining {
		return false
	}
	if s.goAway {
		return false
	}
	return time.Since(s.lastInboundAt) <= maxIdle
}

// ProcessResponses consumes one turn's worth of server-pushed messages,
// dispatching audio/text/tool-call/resumption/interrupt events, until a
// turn-completion signal is observed, a go-away is received (ErrConnectionReset,
// go_away=true), or the message iterator ends unexpectedly (ErrConnectionReset).
func (s *Session) ProcessResponses(ctx context.Context, onAudio OnAudio, onText OnText, stopPlayback func()) error {
	s.mu.Lock()
	s.state = StateTurnActive
	s.mu.Unlock()

	for {
		msg, err := s.transport.Recv(ctx)
		if err != nil {
			s.mu.Lock()
			s.state = StateAwaiting
			s.mu.Unlock()
			return fmt.Errorf("%w: %v", ErrConnectionReset, err)
		}

		s.mu.Lock()
		s.lastInboundAt = time.Now()
		s.mu.Unlock()

		switch m := msg.(type) {
		case AudioMessage:
			s.mu.Lock()
			s.isGenerating = true
			s.mu.Unlock()
			if onAudio != nil {
				onAudio(m.PCM)
			}

		case TextMessage:
			if onText != nil {
				onText(m.Text)
			}
			s.logger.Info("model text", "text", m.Text)

		case ToolCallGroup:
			results := s.dispatchToolCalls(ctx, m.Calls)
			if err := s.transport.SendToolResponses(ctx, results); err != nil {
				return fmt.Errorf("modelsession: send tool responses: %w", err)
			}
			// A turn-complete carried by the same message as the tool call does
			// NOT end the turn (spec.md §4.D, §5 ordering guarantees).

		case ResumptionUpdate:
			s.mu.Lock()
			s.resumeHandle = m.Handle
			s.mu.Unlock()

		case InterruptSignal:
			if stopPlayback != nil {
				stopPlayback()
			}

		case GoAwayNotice:
			s.mu.Lock()
			s.goAway = true
			s.state = StateDraining
			s.mu.Unlock()
			return fmt.Errorf("%w: go-away", ErrConnectionReset)

		case TurnComplete:
			s.mu.Lock()
			s.isGenerating = false
			s.state = StateAwaiting
			s.mu.Unlock()
			return nil

		default:
			s.logger.Warn("modelsession: unrecognized server message, ignoring")
		}
	}
}

func (s *Session) dispatchToolCalls(ctx context.Context, calls []ToolCall) []ToolResult {
	s.mu.Lock()
	s.state = StateTurnActive
	s.mu.Unlock()
	if s.onTool == nil {
		results := make([]ToolResult, len(calls))
		for i, c := range calls {
			results[i] = ToolResult{ID: c.ID, Result: map[string]any{"error": "no tool handler registered"}}
		}
		return results
	}
	return s.onTool(ctx, calls)
}

// Reconnect tears down the prior channel and calls Connect with the last
// tools list and resumption handle, using exponential backoff (base 1s,
// factor 2, cap 30s, at most 3 attempts). Returns true iff reconnected.
func (s *Session) Reconnect(ctx context.Context) bool {
	s.mu.Lock()
	s.state = StateReconnecting
	cancel := s.announceCancel
	tools := s.lastTools
	handle := s.resumeHandle
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = s.transport.Close()

	delay := reconnectBaseDelay
	for attempt := 0; attempt < reconnectMaxTries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(delay):
			}
			delay *= 2
			if delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
		}

		if err := s.Connect(ctx, tools, handle); err != nil {
			s.logger.Warn("modelsession: reconnect attempt failed", "attempt", attempt+1, "error", err)
			continue
		}
		return true
	}

	s.mu.Lock()
	s.state = StateDisconnected
	s.mu.Unlock()
	return false
}
