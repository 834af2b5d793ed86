package modelsession

import (
	"context"
	"fmt"
	"io"

	"google.golang.org/genai"
)

// ServerMessage is the sealed set of message variants a Transport can
// produce from Recv. Exactly one concrete type is ever returned per call.
type ServerMessage interface{ isServerMessage() }

// AudioMessage carries one decoded downstream PCM16 frame.
type AudioMessage struct{ PCM []byte }

// TextMessage carries one downstream text part.
type TextMessage struct{ Text string }

// ToolCallGroup carries one or more tool invocations requested together.
type ToolCallGroup struct{ Calls []ToolCall }

// ResumptionUpdate carries a fresh resumption handle to remember for
// reconnection.
type ResumptionUpdate struct{ Handle string }

// InterruptSignal indicates the user started speaking over the model's
// playback and any in-flight audio should be cut.
type InterruptSignal struct{}

// GoAwayNotice indicates the server is about to close the connection and a
// reconnect should be attempted.
type GoAwayNotice struct{ ReconnectAfter int64 }

// TurnComplete indicates the current model turn has finished.
type TurnComplete struct{}

func (AudioMessage) isServerMessage()     {}
func (TextMessage) isServerMessage()      {}
func (ToolCallGroup) isServerMessage()    {}
func (ResumptionUpdate) isServerMessage() {}
func (InterruptSignal) isServerMessage()  {}
func (GoAwayNotice) isServerMessage()     {}
func (TurnComplete) isServerMessage()     {}

// Transport abstracts the duplex channel to the external conversational
// model, so Session's state machine can be tested against a fake.
type Transport interface {
	Connect(ctx context.Context, tools []Tool, resumeHandle string) error
	SendAudio(ctx context.Context, pcm []byte) error
	SendAudioEnd(ctx context.Context) error
	SendText(ctx context.Context, text string) error
	SendToolResponses(ctx context.Context, results []ToolResult) error
	Recv(ctx context.Context) (ServerMessage, error)
	Close() error
}

// LiveTransport implements Transport against the genai Live API.
type LiveTransport struct {
	client *genai.Client
	model  string

	session *genai.Session
}

// NewLiveTransport constructs a Transport backed by the given genai client
// and model name (e.g. "gemini-2.0-flash-live-001").
func NewLiveTransport(client *genai.Client, model string) *LiveTransport {
	return &LiveTransport{client: client, model: model}
}

func (l *LiveTransport) Connect(ctx context.Context, tools []Tool, resumeHandle string) error {
	declared := make([]*genai.Tool, 0, len(tools))
	for _, t := range tools {
		declared = append(declared, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{
				{
					Name:        t.Name,
					Description: t.Description,
				},
			},
		})
	}

	cfg := &genai.LiveConnectConfig{
		Tools: declared,
	}
	if resumeHandle != "" {
		cfg.SessionResumption = &genai.SessionResumptionConfig{Handle: resumeHandle}
	}

	session, err := l.client.Live.Connect(ctx, l.model, cfg)
	if err != nil {
		return fmt.Errorf("live transport connect: %w", err)
	}
	l.session = session
	return nil
}

func (l *LiveTransport) SendAudio(ctx context.Context, pcm []byte) error {
	return l.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{MIMEType: "audio/pcm;rate=16000", Data: pcm},
	})
}

func (l *LiveTransport) SendAudioEnd(ctx context.Context) error {
	return l.session.SendRealtimeInput(genai.LiveRealtimeInput{AudioStreamEnd: true})
}

func (l *LiveTransport) SendText(ctx context.Context, text string) error {
	return l.session.SendClientContent(genai.LiveSendClientContentParameters{
		Turns: []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
	})
}

func (l *LiveTransport) SendToolResponses(ctx context.Context, results []ToolResult) error {
	responses := make([]*genai.FunctionResponse, 0, len(results))
	for _, r := range results {
		responses = append(responses, &genai.FunctionResponse{
			ID:       r.ID,
			Response: r.Result,
		})
	}
	return l.session.SendToolResponse(genai.LiveToolResponseInput{FunctionResponses: responses})
}

func (l *LiveTransport) Recv(ctx context.Context) (ServerMessage, error) {
	msg, err := l.session.Receive()
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("live transport: stream closed: %w", err)
		}
		return nil, fmt.Errorf("live transport receive: %w", err)
	}

	switch {
	case msg.GoAway != nil:
		return GoAwayNotice{ReconnectAfter: int64(msg.GoAway.TimeLeft)}, nil

	case msg.SessionResumptionUpdate != nil && msg.SessionResumptionUpdate.Resumable:
		return ResumptionUpdate{Handle: msg.SessionResumptionUpdate.NewHandle}, nil

	case msg.ServerContent != nil:
		sc := msg.ServerContent
		if sc.Interrupted {
			return InterruptSignal{}, nil
		}
		if sc.TurnComplete {
			return TurnComplete{}, nil
		}
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part.InlineData != nil && len(part.InlineData.Data) > 0 {
					return AudioMessage{PCM: part.InlineData.Data}, nil
				}
				if part.Text != "" {
					return TextMessage{Text: part.Text}, nil
				}
			}
		}
		return TurnComplete{}, nil

	case msg.ToolCall != nil:
		calls := make([]ToolCall, 0, len(msg.ToolCall.FunctionCalls))
		for _, fc := range msg.ToolCall.FunctionCalls {
			calls = append(calls, ToolCall{ID: fc.ID, Name: fc.Name, Args: fc.Args})
		}
		return ToolCallGroup{Calls: calls}, nil

	default:
		return TurnComplete{}, nil
	}
}

func (l *LiveTransport) Close() error {
	if l.session == nil {
		return nil
	}
	return l.session.Close()
}
