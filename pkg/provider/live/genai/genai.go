// Package genai implements live.Provider on top of the official Google Gen AI
// SDK's Live API.
//
// The SDK owns the wire protocol and authentication; this adapter converts
// between SDK types and the live package's callback contract. Payloads are
// base64 on the live side and raw bytes on the SDK side.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	gai "google.golang.org/genai"

	"github.com/dewayanto/livetutor/pkg/audio"
	"github.com/dewayanto/livetutor/pkg/provider/live"
)

// Compile-time assertions that Provider and session satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Session = (*session)(nil)

const (
	defaultModel      = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultVoice      = "Zephyr"
	defaultAPIVersion = "v1beta"
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model used when SessionConfig.Model is empty.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithVoice sets the voice used when SessionConfig.Voice is empty.
func WithVoice(voice string) Option {
	return func(p *Provider) {
		if voice != "" {
			p.voice = voice
		}
	}
}

// WithBaseURL overrides the SDK base URL. Primarily used in tests.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// Provider implements live.Provider using google.golang.org/genai.
type Provider struct {
	apiKey  string
	model   string
	voice   string
	baseURL string
}

// New creates a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey: apiKey,
		model:  defaultModel,
		voice:  defaultVoice,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect opens a Live session through the SDK.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig, cb live.Callbacks) (live.Session, error) {
	client, err := gai.NewClient(ctx, &gai.ClientConfig{
		APIKey:  p.apiKey,
		Backend: gai.BackendGeminiAPI,
		HTTPOptions: gai.HTTPOptions{
			BaseURL:    p.baseURL,
			APIVersion: defaultAPIVersion,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("genai: new client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = p.model
	}
	conn, err := client.Live.Connect(ctx, model, p.connectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("%w: genai: connect: %w", live.ErrTransport, err)
	}

	s := &session{
		conn: conn,
		cb:   cb,
		done: make(chan struct{}),
	}
	go s.receiveLoop()
	return s, nil
}

func (p *Provider) connectConfig(cfg live.SessionConfig) *gai.LiveConnectConfig {
	voice := cfg.Voice
	if voice == "" {
		voice = p.voice
	}
	modalities := make([]gai.Modality, 0, len(cfg.ResponseModalities))
	for _, m := range cfg.ResponseModalities {
		modalities = append(modalities, gai.Modality(m))
	}
	if len(modalities) == 0 {
		modalities = []gai.Modality{gai.ModalityAudio}
	}

	cc := &gai.LiveConnectConfig{
		ResponseModalities: modalities,
		SpeechConfig: &gai.SpeechConfig{
			VoiceConfig: &gai.VoiceConfig{
				PrebuiltVoiceConfig: &gai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		},
	}
	if cfg.SystemInstruction != "" {
		cc.SystemInstruction = &gai.Content{Parts: []*gai.Part{{Text: cfg.SystemInstruction}}}
	}
	if cfg.InputTranscription {
		cc.InputAudioTranscription = &gai.AudioTranscriptionConfig{}
	}
	if cfg.OutputTranscription {
		cc.OutputAudioTranscription = &gai.AudioTranscriptionConfig{}
	}
	return cc
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn *gai.Session
	cb   live.Callbacks

	writeMu sync.Mutex // the SDK connection allows one writer at a time

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// receiveLoop pulls messages from the SDK until the connection ends. It owns
// done and fires OnClose exactly once on exit.
func (s *session) receiveLoop() {
	defer close(s.done)
	defer func() {
		if s.cb.OnClose != nil {
			s.cb.OnClose()
		}
	}()

	opened := false
	for {
		msg, err := s.conn.Receive()
		if err != nil {
			if s.isClosed() {
				return
			}
			if isNormalClosure(err) {
				slog.Debug("genai: server closed session")
				return
			}
			if s.cb.OnError != nil {
				s.cb.OnError(fmt.Errorf("%w: genai: receive: %w", live.ErrTransport, err))
			}
			return
		}
		if msg.SetupComplete != nil {
			if !opened {
				opened = true
				if s.cb.OnOpen != nil {
					s.cb.OnOpen()
				}
			}
			continue
		}
		if m := ToServerMessage(msg); m != nil && s.cb.OnMessage != nil {
			s.cb.OnMessage(m)
		}
	}
}

// isNormalClosure reports whether err is the SDK connection's close frame
// with status 1000.
func isNormalClosure(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure
}

// ToServerMessage converts an SDK message to the live contract. It returns
// nil for messages without server content.
func ToServerMessage(msg *gai.LiveServerMessage) *live.ServerMessage {
	if msg == nil || msg.ServerContent == nil {
		return nil
	}
	sc := msg.ServerContent
	out := &live.ServerContent{
		TurnComplete: sc.TurnComplete,
		Interrupted:  sc.Interrupted,
	}
	if sc.InputTranscription != nil {
		out.InputTranscription = &live.Transcription{Text: sc.InputTranscription.Text}
	}
	if sc.OutputTranscription != nil {
		out.OutputTranscription = &live.Transcription{Text: sc.OutputTranscription.Text}
	}
	if sc.ModelTurn != nil {
		parts := make([]live.Part, 0, len(sc.ModelTurn.Parts))
		for _, p := range sc.ModelTurn.Parts {
			if p == nil {
				continue
			}
			lp := live.Part{Text: p.Text}
			if p.InlineData != nil {
				lp.InlineData = &live.Blob{
					MIMEType: p.InlineData.MIMEType,
					Data:     audio.EncodeBase64(p.InlineData.Data),
				}
			}
			parts = append(parts, lp)
		}
		out.ModelTurn = &live.Content{Parts: parts}
	}
	return &live.ServerMessage{ServerContent: out}
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SendRealtimeInput streams one audio chunk to the model.
func (s *session) SendRealtimeInput(b live.Blob) error {
	if s.isClosed() {
		return live.ErrSessionClosed
	}
	data, err := audio.DecodeBase64(b.Data)
	if err != nil {
		return fmt.Errorf("genai: send: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SendRealtimeInput(gai.LiveRealtimeInput{
		Audio: &gai.Blob{Data: data, MIMEType: b.MIMEType},
	}); err != nil {
		if s.isClosed() {
			return live.ErrSessionClosed
		}
		return fmt.Errorf("%w: genai: send: %w", live.ErrTransport, err)
	}
	return nil
}

// Close ends the session and waits for OnClose. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.conn.Close(); err != nil {
		slog.Debug("genai: close connection", "err", err)
	}
	<-s.done
	return nil
}
