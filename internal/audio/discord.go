package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

// DiscordSource bridges a Discord voice channel to the Audio Source
// capability: inbound Opus packets from discordgo's OpusRecv channel become
// captured frames, queued playback frames are sent over OpusSend. Opus
// transcoding to/from PCM16 is the same out-of-scope collaborator boundary
// named for the Telegram bridge; callers needing real PCM get it from a
// codec layered on top.
type DiscordSource struct {
	token     string
	guildID   string
	channelID string
	logger    *slog.Logger

	session *discordgo.Session
	voice   *discordgo.VoiceConnection

	queue *playbackQueue

	mu      sync.Mutex
	started bool
}

// NewDiscordSource creates a Discord voice-channel audio source.
func NewDiscordSource(token, guildID, channelID string, logger *slog.Logger) *DiscordSource {
	return &DiscordSource{
		token:     token,
		guildID:   guildID,
		channelID: channelID,
		logger:    logger,
		queue:     newPlaybackQueue(),
	}
}

func (d *DiscordSource) Name() string { return "discord" }

func (d *DiscordSource) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return ErrAlreadyStarted
	}
	d.started = true
	d.mu.Unlock()

	sess, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord audio source init: %w", err)
	}
	if err := sess.Open(); err != nil {
		return fmt.Errorf("discord session open: %w", err)
	}
	d.session = sess

	voice, err := sess.ChannelVoiceJoin(d.guildID, d.channelID, false, false)
	if err != nil {
		_ = sess.Close()
		return fmt.Errorf("discord voice join: %w", err)
	}
	d.voice = voice

	go d.receiveLoop(ctx)
	go d.sendLoop(ctx)
	return nil
}

func (d *DiscordSource) Stop() error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	d.mu.Unlock()

	if d.voice != nil {
		_ = d.voice.Disconnect()
	}
	if d.session != nil {
		_ = d.session.Close()
	}
	close(d.queue.frames)
	return nil
}

func (d *DiscordSource) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-d.voice.OpusRecv:
			if !ok {
				return
			}
			frame := make(Frame, len(pkt.Opus))
			copy(frame, pkt.Opus)
			d.queue.pushFrame(frame)
		}
	}
}

func (d *DiscordSource) sendLoop(ctx context.Context) {
	ticker := time.NewTicker(20 * time.Millisecond) // Opus frame cadence
	defer ticker.Stop()
	speaking := false
	for {
		select {
		case <-ctx.Done():
			if speaking {
				_ = d.voice.Speaking(false)
			}
			return
		case <-ticker.C:
			frame, ok := d.queue.drainOne()
			if !ok {
				if speaking {
					_ = d.voice.Speaking(false)
					speaking = false
				}
				d.queue.markComplete()
				continue
			}
			if !speaking {
				_ = d.voice.Speaking(true)
				speaking = true
			}
			select {
			case d.voice.OpusSend <- frame:
			default:
				if d.logger != nil {
					d.logger.Warn("discord opus send backpressure, dropping frame")
				}
			}
		}
	}
}

func (d *DiscordSource) Frames() <-chan Frame { return d.queue.frames }

func (d *DiscordSource) Play(frame Frame) error {
	d.queue.enqueuePlayback(frame)
	return nil
}

func (d *DiscordSource) StopPlayback() { d.queue.stopPlayback() }

func (d *DiscordSource) IsPlaybackComplete() bool { return d.queue.isComplete() }

func (d *DiscordSource) WaitForPlaybackComplete(ctx context.Context) bool {
	return d.queue.waitForComplete(ctx, 10*time.Second)
}
