package relay_test

import (
	"sync"
	"testing"
	"time"

	"github.com/basket/vocorch/internal/relay"
)

func TestTickWithheldWhileGenerating(t *testing.T) {
	var spoken []string
	var mu sync.Mutex
	speak := func(text string) {
		mu.Lock()
		defer mu.Unlock()
		spoken = append(spoken, text)
	}
	// Two unfocused threads: neither response takes the "only thread or
	// focused" immediate-relay shortcut, so both go through the queue that
	// Tick's safe-point gate controls.
	s := relay.New(nil, speak)
	s.SetGenerating(true)
	s.MarkTurnComplete()

	s.SendToThread(relay.SendToThreadRequest{ThreadID: "t1", Subagent: "planner", CreateNew: true}, "hi")
	s.SendToThread(relay.SendToThreadRequest{ThreadID: "t2", Subagent: "context-reader", CreateNew: true}, "hi")
	time.Sleep(10 * time.Millisecond) // let the background engage calls settle

	s.Tick()

	mu.Lock()
	defer mu.Unlock()
	if len(spoken) != 0 {
		t.Fatalf("expected no announcement delivered while generating, got %v", spoken)
	}
}

func TestTickDeliversAfterSafePointDebounce(t *testing.T) {
	var spoken []string
	var mu sync.Mutex
	speak := func(text string) {
		mu.Lock()
		defer mu.Unlock()
		spoken = append(spoken, text)
	}
	// engage never returns within the test window, so only the
	// wait_started preamble (not a response-ready relay) sits in the queue.
	engage := func(threadID, subagent, message string) (string, error) {
		time.Sleep(3 * time.Second)
		return "", nil
	}
	s := relay.New(engage, speak)
	s.SetPlaybackComplete(true)
	s.MarkTurnComplete()

	s.SendToThread(relay.SendToThreadRequest{ThreadID: "t1", Subagent: "planner", CreateNew: true}, "hi")

	time.Sleep(250 * time.Millisecond) // clear the 200ms safe-point debounce
	s.Tick()

	mu.Lock()
	defer mu.Unlock()
	if len(spoken) != 1 {
		t.Fatalf("expected exactly 1 announcement delivered, got %v", spoken)
	}
}

func TestSendToThreadReturnsQueuedImmediately(t *testing.T) {
	engage := func(threadID, subagent, message string) (string, error) {
		time.Sleep(50 * time.Millisecond)
		return "done: " + message, nil
	}
	s := relay.New(engage, func(string) {})
	status := s.SendToThread(relay.SendToThreadRequest{ThreadID: "t1", Subagent: "planner", CreateNew: true}, "hi")
	if status != "queued" {
		t.Fatalf("expected queued, got %q", status)
	}
	thread, ok := s.ThreadState("t1")
	if !ok || thread.Status != relay.ThreadWaitingResponse {
		t.Fatalf("expected thread waiting_response immediately, got %+v ok=%v", thread, ok)
	}
}

func TestAmbientTurnsOnWhileThreadWaiting(t *testing.T) {
	// engage never returns within the test window, so the thread stays
	// waiting_response for the whole test (spec.md:204: ambient music must
	// be on while >=1 thread is waiting_response AND the preamble has been
	// delivered).
	engage := func(threadID, subagent, message string) (string, error) {
		time.Sleep(3 * time.Second)
		return "", nil
	}
	s := relay.New(engage, func(string) {})
	s.SetPlaybackComplete(true)
	s.MarkTurnComplete()

	s.SendToThread(relay.SendToThreadRequest{ThreadID: "t1", Subagent: "planner", CreateNew: true}, "hi")

	time.Sleep(250 * time.Millisecond) // clear the 200ms safe-point debounce
	s.Tick()                           // delivers the queued wait_started preamble
	s.Tick()                           // re-evaluates ambient now the queue is empty

	if !s.AmbientOn() {
		t.Fatalf("expected ambient audio on while thread is still waiting_response")
	}
}

func TestFocusedThreadResponseSkipsAnnouncementQueue(t *testing.T) {
	done := make(chan struct{})
	engage := func(threadID, subagent, message string) (string, error) {
		defer close(done)
		return "the answer", nil
	}
	var spoken []string
	var mu sync.Mutex
	speak := func(text string) {
		mu.Lock()
		defer mu.Unlock()
		spoken = append(spoken, text)
	}
	s := relay.New(engage, speak)
	s.SetFocusedThread("t1")
	s.SendToThread(relay.SendToThreadRequest{ThreadID: "t1", Subagent: "planner", CreateNew: true}, "hi")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("engage never completed")
	}
	time.Sleep(20 * time.Millisecond) // let runEngage's post-lock speak goroutine run

	mu.Lock()
	defer mu.Unlock()
	if len(spoken) != 1 || spoken[0] != "the answer" {
		t.Fatalf("expected focused thread to auto-relay immediately, got %v", spoken)
	}
	if s.QueueLen() != 1 { // only the wait_started preamble remains queued
		t.Fatalf("expected only the wait_started preamble queued, got %d", s.QueueLen())
	}
}
