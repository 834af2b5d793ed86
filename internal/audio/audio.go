// Package audio implements the Audio Source capability (spec.md §4.C): a
// uniform capture/playback surface the orchestrator drives regardless of
// whether the underlying transport is a local microphone, a chat-platform
// voice bridge, or a voice channel.
package audio

import (
	"context"
	"fmt"
)

// CaptureRate is the fixed PCM16 mono capture rate, in Hz.
const CaptureRate = 16000

// PlaybackRate is the fixed PCM16 mono playback rate, in Hz.
const PlaybackRate = 24000

// Frame is a raw PCM16 mono chunk (~100ms at the source's rate).
type Frame []byte

// Source is the capability consumed by the core (spec.md §4.C). A Source
// implementation owns its own capture/playback goroutines; Frames and Play
// communicate with them over channels.
type Source interface {
	// Name identifies this source for logging ("local", "telegram", "discord").
	Name() string

	// Start idempotently acquires capture and playback resources.
	Start(ctx context.Context) error

	// Stop idempotently releases capture and playback resources.
	Stop() error

	// Frames returns a channel of captured PCM16 frames at CaptureRate.
	// The channel is closed when the source stops.
	Frames() <-chan Frame

	// Play enqueues a PCM16 frame at PlaybackRate for output, completed in
	// FIFO order.
	Play(frame Frame) error

	// StopPlayback immediately drops queued playback frames (model interrupt).
	StopPlayback()

	// IsPlaybackComplete reports whether the playback queue has drained.
	IsPlaybackComplete() bool

	// WaitForPlaybackComplete blocks until playback drains or timeout elapses,
	// returning false on timeout.
	WaitForPlaybackComplete(ctx context.Context) bool
}

// ErrAlreadyStarted is returned by Start when the source is already running.
var ErrAlreadyStarted = fmt.Errorf("audio source already started")
