// Package relay implements session state and announcement relay (spec.md
// §4.I): the announcement queue, thread map, safe-point rule, and
// waiting-music policy that together decide when and how the model hears
// about background work.
package relay

import (
	"fmt"
	"sync"
	"time"
)

// AnnouncementKind distinguishes the two announcement shapes the relay
// enqueues on behalf of a thread.
type AnnouncementKind string

const (
	AnnouncementWaitStarted   AnnouncementKind = "wait_started"
	AnnouncementResponseReady AnnouncementKind = "response_ready"
)

// PendingAnnouncement is one queued voice interjection.
type PendingAnnouncement struct {
	Kind     AnnouncementKind
	ThreadID string
	Text     string
}

// ThreadStatus tracks one subagent conversation thread's lifecycle.
type ThreadStatus string

const (
	ThreadIdle            ThreadStatus = "idle"
	ThreadWaitingResponse ThreadStatus = "waiting_response"
	ThreadHasResponse     ThreadStatus = "has_response"
)

// Thread is one subagent conversation the relay is tracking.
type Thread struct {
	ID           string
	Subagent     string
	Topic        string
	Status       ThreadStatus
	LastResponse string
}

// safePointDebounce is the minimal gap after a turn completes before an
// announcement may interject (spec.md §4.I).
const safePointDebounce = 200 * time.Millisecond

// EngageFunc dispatches a message to a thread's backend subagent (§4.E
// engage/continue) and returns its final textual response.
type EngageFunc func(threadID, subagent, message string) (response string, err error)

// SpeakFunc delivers one announcement over the "immediate" voice path so the
// model reads it aloud.
type SpeakFunc func(text string)

// State holds everything the relay mutates; guarded by mu per spec.md §5's
// "announcement queue is guarded by the session-state mutex" rule.
type State struct {
	mu sync.Mutex

	queue         []PendingAnnouncement
	threads       map[string]*Thread
	focusedThread string

	isGenerating     bool
	toolCallInFlight bool
	playbackComplete bool
	lastTurnComplete time.Time

	waitingPreambleQueued    bool
	waitingPreambleDelivered bool

	conversation *ConversationState
	draft        *Draft

	engage EngageFunc
	speak  SpeakFunc

	ambientOn bool
}

// New creates an empty relay State.
func New(engage EngageFunc, speak SpeakFunc) *State {
	return &State{
		threads:          make(map[string]*Thread),
		playbackComplete: true,
		engage:           engage,
		speak:            speak,
	}
}

// SetGenerating records whether the model is currently producing audio.
func (s *State) SetGenerating(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isGenerating = v
}

// SetToolCallInFlight records whether a tool call is outstanding.
func (s *State) SetToolCallInFlight(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolCallInFlight = v
}

// IsGenerating reports whether the model is currently producing audio,
// consulted by the audio-send loop to apply the echo-mitigation threshold
// (spec.md §5 item 1).
func (s *State) IsGenerating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isGenerating
}

// SetPlaybackComplete records the audio source's playback-drained flag.
func (s *State) SetPlaybackComplete(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playbackComplete = v
}

// MarkTurnComplete records the most recent turn-completion timestamp, which
// anchors the safe-point debounce.
func (s *State) MarkTurnComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTurnComplete = time.Now()
}

// SetFocusedThread changes which thread auto-relays its responses.
func (s *State) SetFocusedThread(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.focusedThread = threadID
}

// isSafePoint evaluates the safe-point predicate under the caller's lock.
func (s *State) isSafePointLocked() bool {
	if s.isGenerating || s.toolCallInFlight || !s.playbackComplete {
		return false
	}
	return time.Since(s.lastTurnComplete) >= safePointDebounce
}

// Tick runs one relay-safe-point iteration (spec.md §5 item 3): if the
// safe-point predicate holds, pop and deliver at most one announcement;
// otherwise update ambient audio to match the waiting-threads set.
func (s *State) Tick() {
	s.mu.Lock()
	if s.isSafePointLocked() && len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]
		speak := s.speak
		s.mu.Unlock()
		if speak != nil {
			speak(next.Text)
		}
		return
	}
	shouldAmbient := s.anyThreadWaitingLocked() && s.waitingPreambleDelivered
	changed := shouldAmbient != s.ambientOn
	s.ambientOn = shouldAmbient
	s.mu.Unlock()

	if changed {
		// Ambient audio on/off is a side effect the caller's audio source
		// applies; State only tracks the desired value via AmbientOn().
		_ = shouldAmbient
	}
}

func (s *State) anyThreadWaitingLocked() bool {
	for _, t := range s.threads {
		if t.Status == ThreadWaitingResponse {
			return true
		}
	}
	return false
}

// AmbientOn reports whether background (waiting-music) audio should
// currently be playing.
func (s *State) AmbientOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ambientOn
}

// SendToThreadRequest identifies the destination of SendToThread: either an
// existing thread id, or enough to create one.
type SendToThreadRequest struct {
	ThreadID  string
	Subagent  string
	Topic     string
	CreateNew bool
	Focus     bool
}

// SendToThread implements the concurrent-dispatch contract: it returns
// immediately with status "queued" after marking the thread waiting and
// launching a background engage/continue call.
func (s *State) SendToThread(req SendToThreadRequest, message string) (status string) {
	s.mu.Lock()
	thread := s.threads[req.ThreadID]
	if thread == nil || req.CreateNew {
		id := req.ThreadID
		if id == "" {
			id = fmt.Sprintf("%s-%d", req.Subagent, len(s.threads)+1)
		}
		thread = &Thread{ID: id, Subagent: req.Subagent, Topic: req.Topic}
		s.threads[id] = thread
	}
	thread.Status = ThreadWaitingResponse
	if req.Focus {
		s.focusedThread = thread.ID
	}
	s.queue = append(s.queue, PendingAnnouncement{
		Kind:     AnnouncementWaitStarted,
		ThreadID: thread.ID,
		Text:     "I'll ping you when it replies…",
	})
	s.waitingPreambleQueued = true
	s.waitingPreambleDelivered = true
	id := thread.ID
	subagent := thread.Subagent
	s.mu.Unlock()

	go s.runEngage(id, subagent, message)
	return "queued"
}

func (s *State) runEngage(threadID, subagent, message string) {
	var resp string
	var err error
	if s.engage != nil {
		resp, err = s.engage(threadID, subagent, message)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	thread, ok := s.threads[threadID]
	if !ok {
		return
	}
	if err != nil {
		thread.Status = ThreadHasResponse
		thread.LastResponse = fmt.Sprintf("error: %v", err)
	} else {
		thread.Status = ThreadHasResponse
		thread.LastResponse = resp
	}

	onlyThread := len(s.threads) == 1
	if thread.ID == s.focusedThread || onlyThread {
		summary := summarize(thread.LastResponse)
		if s.speak != nil {
			go s.speak(summary)
		}
	} else {
		s.queue = append(s.queue, PendingAnnouncement{
			Kind:     AnnouncementResponseReady,
			ThreadID: thread.ID,
			Text:     fmt.Sprintf("%s has a response waiting in your inbox.", thread.Subagent),
		})
	}
}

func summarize(text string) string {
	const maxLen = 280
	if len(text) <= maxLen {
		return text
	}
	return text[:maxLen] + "…"
}

// StartConversation begins a foreground Q&A conversation from a subagent's
// raw response (spec.md §3 SubagentConversationState), replacing any prior
// conversation, and returns the first prompt to relay to the user.
func (s *State) StartConversation(subagent, response string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, prompt := NewConversationState(subagent, response)
	s.conversation = cs
	return prompt
}

// ContinueConversation advances the active conversation by one user
// utterance. done reports whether this turn finalized the conversation;
// when done, payload holds the aggregated answers and subagent names who
// they should be sent to. ok is false if no conversation is active.
func (s *State) ContinueConversation(text string) (prompt string, done bool, payload string, subagent string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversation == nil {
		return "", false, "", "", false
	}
	prompt, done = s.conversation.SubmitAnswer(text)
	if done {
		payload = s.conversation.PendingSendContext
		subagent = s.conversation.Subagent
		s.conversation = nil
	}
	return prompt, done, payload, subagent, true
}

// ActiveConversation returns a snapshot of the in-progress conversation, or
// false if none is active.
func (s *State) ActiveConversation() (ConversationState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversation == nil {
		return ConversationState{}, false
	}
	return *s.conversation, true
}

// SetDraft stages a RelayDraft (spec.md §3), replacing any prior draft.
func (s *State) SetDraft(d Draft) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draft = &d
}

// Draft returns the currently staged draft, or false if none is active.
func (s *State) Draft() (Draft, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draft == nil {
		return Draft{}, false
	}
	return *s.draft, true
}

// ClearDraft discards the currently staged draft.
func (s *State) ClearDraft() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draft = nil
}

// ThreadState returns a snapshot of one thread, or false if unknown.
func (s *State) ThreadState(threadID string) (Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return Thread{}, false
	}
	return *t, true
}

// QueueLen reports the number of pending announcements (test/diagnostic use).
func (s *State) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
