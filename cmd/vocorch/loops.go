package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/basket/vocorch/internal/audio"
	"github.com/basket/vocorch/internal/modelsession"
	"github.com/basket/vocorch/internal/relay"
)

// Tuning for the audio-send loop (spec.md §5 item 1).
const (
	speechRMSThreshold       = 500
	echoMitigationMultiplier = 3
	silenceFramesForEnd      = 10
	maxConsecutiveSendErrors = 5
	sendErrorBackoff         = 1 * time.Second
)

// requestReconnect signals the reconnect coordinator without blocking; a
// pending request already in flight is enough, so a full channel is a no-op.
func requestReconnect(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// runReconnectCoordinator serializes Session.Reconnect calls requested by
// either critical loop so the two never race each other into a double
// reconnect attempt (spec.md §5: "Model reconnect: <=3 attempts").
func runReconnectCoordinator(ctx context.Context, session *modelsession.Session, requests <-chan struct{}, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-requests:
			logger.Warn("modelsession: reconnect requested")
			if !session.Reconnect(ctx) {
				logger.Error("modelsession: reconnect attempts exhausted")
			}
		}
	}
}

// runAudioSendLoop drains captured mic frames, classifies speech by RMS, and
// forwards them upstream, closing each utterance with an explicit
// audio-end (spec.md §5 item 1).
func runAudioSendLoop(ctx context.Context, src audio.Source, session *modelsession.Session, relayState *relay.State, reconnectCh chan<- struct{}, logger *slog.Logger) {
	var silentFrames int
	var sentEnd bool
	var consecutiveErrors int

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-src.Frames():
			if !ok {
				logger.Info("audio-send: capture channel closed, exiting loop")
				return
			}

			threshold := speechRMSThreshold
			if relayState.IsGenerating() {
				threshold *= echoMitigationMultiplier
			}

			if rms(frame) < threshold {
				silentFrames++
				if silentFrames >= silenceFramesForEnd && !sentEnd {
					sentEnd = true
					if err := session.SendAudioEnd(ctx); err != nil && !errors.Is(err, modelsession.ErrNotConnected) {
						logger.Warn("audio-send: send audio-end failed", "error", err)
					}
				}
				continue
			}
			silentFrames = 0
			sentEnd = false

			err := session.SendAudio(ctx, frame)
			if err == nil {
				consecutiveErrors = 0
				continue
			}

			if errors.Is(err, modelsession.ErrNotConnected) {
				requestReconnect(reconnectCh)
				continue
			}

			consecutiveErrors++
			logger.Warn("audio-send: send failed", "error", err, "consecutive", consecutiveErrors)
			if consecutiveErrors >= maxConsecutiveSendErrors {
				consecutiveErrors = 0
				select {
				case <-ctx.Done():
					return
				case <-time.After(sendErrorBackoff):
				}
			}
		}
	}
}

// runResponseProcessLoop repeatedly drives one turn of server-pushed
// messages to completion, draining playback before starting the next turn,
// and requests a reconnect on ConnectionReset (spec.md §5 item 2).
func runResponseProcessLoop(ctx context.Context, src audio.Source, session *modelsession.Session, relayState *relay.State, reconnectCh chan<- struct{}, logger *slog.Logger) {
	const playbackDrainTimeout = 10 * time.Second

	onAudio := func(pcm []byte) {
		relayState.SetGenerating(true)
		if err := src.Play(pcm); err != nil {
			logger.Warn("response-process: playback enqueue failed", "error", err)
		}
	}
	onText := func(text string) {
		logger.Info("response-process: model text", "text", text)
	}
	stopPlayback := func() {
		src.StopPlayback()
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		relayState.SetPlaybackComplete(src.IsPlaybackComplete())
		err := session.ProcessResponses(ctx, onAudio, onText, stopPlayback)
		relayState.SetGenerating(false)
		relayState.MarkTurnComplete()

		if err != nil {
			if errors.Is(err, modelsession.ErrConnectionReset) {
				requestReconnect(reconnectCh)
				continue
			}
			logger.Error("response-process: turn failed", "error", err)
			return
		}

		drainCtx, cancel := context.WithTimeout(ctx, playbackDrainTimeout)
		src.WaitForPlaybackComplete(drainCtx)
		cancel()
		relayState.SetPlaybackComplete(src.IsPlaybackComplete())
	}
}

// rms computes the root-mean-square amplitude of a PCM16 mono frame, used
// to classify a frame as speech or silence.
func rms(frame audio.Frame) int {
	if len(frame) < 2 {
		return 0
	}
	var sumSquares int64
	samples := len(frame) / 2
	for i := 0; i < samples; i++ {
		sample := int16(uint16(frame[2*i]) | uint16(frame[2*i+1])<<8)
		sumSquares += int64(sample) * int64(sample)
	}
	if samples == 0 {
		return 0
	}
	meanSquare := sumSquares / int64(samples)
	return isqrt(meanSquare)
}

// isqrt computes the integer square root via Newton's method; amplitude
// classification only needs an approximate magnitude.
func isqrt(n int64) int {
	if n <= 0 {
		return 0
	}
	x := n
	y := (x + 1) / 2
	for y < x {
		x = y
		y = (x + n/x) / 2
	}
	return int(x)
}
