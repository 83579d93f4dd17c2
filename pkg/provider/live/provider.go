// Package live defines the contract for hosted speech-to-speech live sessions.
//
// A live session is one duplex connection to a remote model: the client
// streams microphone PCM up as realtime input, and the server streams back
// synthesized audio, incremental transcriptions of both sides, and turn
// markers. Server events are delivered through [Callbacks] in arrival order
// from a single goroutine owned by the session.
//
// Implementations live in subpackages: gemini speaks the raw WebSocket
// protocol, genai wraps the official SDK, and mock is a scripted in-memory
// transport for tests.
package live

import (
	"context"
	"errors"
)

// ErrTransport marks network or protocol failures of a live session.
var ErrTransport = errors.New("live: transport error")

// ErrSessionClosed is returned when sending on a closed session.
var ErrSessionClosed = errors.New("live: session closed")

// ModalityAudio requests spoken responses.
const ModalityAudio = "AUDIO"

// SessionConfig is the setup sent when a session is opened.
type SessionConfig struct {
	// Model is the remote model identifier without the "models/" prefix.
	Model string

	// Voice is the prebuilt voice name used for synthesized speech.
	Voice string

	// SystemInstruction is the system prompt for the whole session.
	SystemInstruction string

	// ResponseModalities lists the requested output modalities. Empty means
	// audio only.
	ResponseModalities []string

	// InputTranscription enables transcription of the user's speech.
	InputTranscription bool

	// OutputTranscription enables transcription of the model's speech.
	OutputTranscription bool
}

// Blob is a chunk of inline media. Data is base64 encoded.
type Blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// Part is one element of a model turn.
type Part struct {
	Text       string `json:"text,omitempty"`
	InlineData *Blob  `json:"inlineData,omitempty"`
}

// Content is the model's output for part of a turn.
type Content struct {
	Parts []Part `json:"parts"`
}

// Transcription is a partial transcript. Successive transcriptions of the
// same turn are meant to be concatenated.
type Transcription struct {
	Text string `json:"text"`
}

// ServerContent carries model output and turn markers.
type ServerContent struct {
	ModelTurn           *Content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *Transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *Transcription `json:"outputTranscription,omitempty"`
}

// ServerMessage is one inbound unit of a live session.
type ServerMessage struct {
	ServerContent *ServerContent `json:"serverContent,omitempty"`
}

// InputText returns the partial user transcript carried by m, if any.
func (m *ServerMessage) InputText() string {
	if m == nil || m.ServerContent == nil || m.ServerContent.InputTranscription == nil {
		return ""
	}
	return m.ServerContent.InputTranscription.Text
}

// OutputText returns the partial model transcript carried by m, if any.
func (m *ServerMessage) OutputText() string {
	if m == nil || m.ServerContent == nil || m.ServerContent.OutputTranscription == nil {
		return ""
	}
	return m.ServerContent.OutputTranscription.Text
}

// InlineAudio returns the base64 audio payload of the first model-turn part,
// or "" when the message carries none.
func (m *ServerMessage) InlineAudio() string {
	if m == nil || m.ServerContent == nil || m.ServerContent.ModelTurn == nil {
		return ""
	}
	parts := m.ServerContent.ModelTurn.Parts
	if len(parts) == 0 || parts[0].InlineData == nil {
		return ""
	}
	return parts[0].InlineData.Data
}

// TurnComplete reports whether m marks the end of a model turn.
func (m *ServerMessage) TurnComplete() bool {
	return m != nil && m.ServerContent != nil && m.ServerContent.TurnComplete
}

// Interrupted reports whether m marks a barge-in by the user.
func (m *ServerMessage) Interrupted() bool {
	return m != nil && m.ServerContent != nil && m.ServerContent.Interrupted
}

// Callbacks receive session events. They are invoked sequentially from one
// goroutine and must not block; they must not call [Session.Close]
// synchronously. Nil callbacks are skipped.
type Callbacks struct {
	// OnOpen fires once the server has acknowledged the session setup.
	OnOpen func()

	// OnMessage fires for every server message after OnOpen.
	OnMessage func(*ServerMessage)

	// OnError fires for transport or server errors. The error wraps
	// [ErrTransport].
	OnError func(error)

	// OnClose fires exactly once when the session ends for any reason,
	// including a local Close.
	OnClose func()
}

// Session is an open live session. All methods are safe for concurrent use.
type Session interface {
	// SendRealtimeInput streams one chunk of media to the model. It does not
	// wait for acknowledgement and is never retried.
	SendRealtimeInput(b Blob) error

	// Close ends the session and waits until OnClose has fired. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider opens live sessions.
type Provider interface {
	// Connect dials the remote service and sends the session setup. It
	// returns once the connection exists; OnOpen fires later when the setup
	// has been acknowledged. Dial failures are returned wrapping
	// [ErrTransport] and no callback fires.
	Connect(ctx context.Context, cfg SessionConfig, cb Callbacks) (Session, error)
}
