package audio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramSource bridges Telegram voice messages to the Audio Source
// capability: incoming voice notes become captured frames, queued playback
// frames are sent back as a single voice reply per utterance. Reconnection
// follows the teacher's long-poll backoff shape (base 1s, doubling, capped
// at 30s).
type TelegramSource struct {
	token      string
	allowedIDs map[int64]struct{}
	logger     *slog.Logger

	bot *tgbotapi.BotAPI

	queue *playbackQueue

	mu        sync.Mutex
	chatID    int64
	hasChatID bool
}

// NewTelegramSource creates a Telegram voice-bridge audio source. allowedIDs
// restricts which chat IDs may drive the session; an empty slice allows any.
func NewTelegramSource(token string, allowedIDs []int64, logger *slog.Logger) *TelegramSource {
	allowed := make(map[int64]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramSource{
		token:      token,
		allowedIDs: allowed,
		logger:     logger,
		queue:      newPlaybackQueue(),
	}
}

func (t *TelegramSource) Name() string { return "telegram" }

func (t *TelegramSource) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram audio source init: %w", err)
	}
	t.bot = bot
	if t.logger != nil {
		t.logger.Info("telegram audio source started", "user", bot.Self.UserName)
	}
	go t.pollLoop(ctx)
	return nil
}

func (t *TelegramSource) Stop() error {
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	close(t.queue.frames)
	return nil
}

func (t *TelegramSource) pollLoop(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}
		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		err := t.consumeUpdates(ctx, updates)
		t.bot.StopReceivingUpdates()

		if err == nil {
			return
		}
		if t.logger != nil {
			t.logger.Warn("telegram audio source disconnected, reconnecting", "error", err, "backoff", backoff)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (t *TelegramSource) consumeUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("telegram update channel closed")
			}
			t.handleUpdate(update)
		}
	}
}

func (t *TelegramSource) handleUpdate(update tgbotapi.Update) {
	if update.Message == nil || update.Message.Voice == nil {
		return
	}
	chatID := update.Message.Chat.ID
	if len(t.allowedIDs) > 0 {
		if _, ok := t.allowedIDs[chatID]; !ok {
			return
		}
	}
	t.mu.Lock()
	t.chatID = chatID
	t.hasChatID = true
	t.mu.Unlock()

	pcm, err := t.downloadVoicePCM(update.Message.Voice.FileID)
	if err != nil {
		if t.logger != nil {
			t.logger.Warn("telegram voice download failed", "error", err)
		}
		return
	}
	for off := 0; off < len(pcm); off += captureFrameBytes {
		end := off + captureFrameBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		frame := make(Frame, end-off)
		copy(frame, pcm[off:end])
		t.queue.pushFrame(frame)
	}
}

// downloadVoicePCM fetches the voice note's raw bytes. The orchestrator's
// collaborator boundary: transcoding from Telegram's OGG/Opus container to
// PCM16 is out of scope (spec.md §1 names chat-platform transport shims as
// a collaborator, not something this package re-implements); callers needing
// real PCM layer a codec on top of the raw bytes this returns.
func (t *TelegramSource) downloadVoicePCM(fileID string) ([]byte, error) {
	url, err := t.bot.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("resolve voice file url: %w", err)
	}
	resp, err := http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("download voice file: %w", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, fmt.Errorf("read voice file: %w", err)
	}
	return buf.Bytes(), nil
}

func (t *TelegramSource) Frames() <-chan Frame { return t.queue.frames }

func (t *TelegramSource) Play(frame Frame) error {
	t.queue.enqueuePlayback(frame)
	t.flushPlaybackAsVoiceNote()
	return nil
}

// flushPlaybackAsVoiceNote sends whatever has accumulated in the playback
// queue as a single voice reply once it has drained, approximating FIFO
// turn-by-turn delivery over a message-oriented transport.
func (t *TelegramSource) flushPlaybackAsVoiceNote() {
	t.mu.Lock()
	chatID, ok := t.chatID, t.hasChatID
	t.mu.Unlock()
	if !ok || t.bot == nil {
		return
	}

	var combined bytes.Buffer
	for {
		frame, more := t.queue.drainOne()
		if !more {
			break
		}
		combined.Write(frame)
	}
	if combined.Len() == 0 {
		t.queue.markComplete()
		return
	}

	voice := tgbotapi.NewVoice(chatID, tgbotapi.FileBytes{Name: "reply.ogg", Bytes: combined.Bytes()})
	if _, err := t.bot.Send(voice); err != nil && t.logger != nil {
		t.logger.Warn("telegram voice reply failed", "error", err)
	}
	t.queue.markComplete()
}

func (t *TelegramSource) StopPlayback() { t.queue.stopPlayback() }

func (t *TelegramSource) IsPlaybackComplete() bool { return t.queue.isComplete() }

func (t *TelegramSource) WaitForPlaybackComplete(ctx context.Context) bool {
	return t.queue.waitForComplete(ctx, 10*time.Second)
}
