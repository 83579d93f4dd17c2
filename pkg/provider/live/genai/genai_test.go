package genai_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	gai "google.golang.org/genai"

	"github.com/dewayanto/livetutor/pkg/provider/live"
	"github.com/dewayanto/livetutor/pkg/provider/live/genai"
)

func TestToServerMessage(t *testing.T) {
	t.Parallel()

	msg := &gai.LiveServerMessage{
		ServerContent: &gai.LiveServerContent{
			ModelTurn: &gai.Content{Parts: []*gai.Part{
				{InlineData: &gai.Blob{MIMEType: "audio/pcm;rate=24000", Data: []byte{0xAA, 0xBB, 0xCC, 0xDD}}},
				nil,
				{Text: "hello"},
			}},
			InputTranscription:  &gai.Transcription{Text: "hi"},
			OutputTranscription: &gai.Transcription{Text: "Hel"},
			TurnComplete:        true,
			Interrupted:         true,
		},
	}

	got := genai.ToServerMessage(msg)
	if got == nil {
		t.Fatal("ToServerMessage returned nil")
	}
	if got.InlineAudio() != "qrvM3Q==" {
		t.Errorf("InlineAudio = %q, want qrvM3Q==", got.InlineAudio())
	}
	if got.InputText() != "hi" || got.OutputText() != "Hel" {
		t.Errorf("transcriptions = %q/%q", got.InputText(), got.OutputText())
	}
	if !got.TurnComplete() || !got.Interrupted() {
		t.Error("markers lost in conversion")
	}
	if n := len(got.ServerContent.ModelTurn.Parts); n != 2 {
		t.Errorf("parts = %d, want 2 (nil parts dropped)", n)
	}
}

func TestToServerMessage_NoContent(t *testing.T) {
	t.Parallel()

	if genai.ToServerMessage(nil) != nil {
		t.Error("nil message should convert to nil")
	}
	if genai.ToServerMessage(&gai.LiveServerMessage{SetupComplete: &gai.LiveServerSetupComplete{}}) != nil {
		t.Error("setup ack should convert to nil")
	}
}

func TestConnect_RoundTrip(t *testing.T) {
	t.Parallel()

	setupCh := make(chan map[string]any, 1)
	inputCh := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		ctx := context.Background()

		read := func() map[string]any {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return nil
			}
			var m map[string]any
			_ = json.Unmarshal(data, &m)
			return m
		}
		write := func(v any) {
			data, _ := json.Marshal(v)
			_ = conn.Write(ctx, websocket.MessageText, data)
		}

		setupCh <- read()
		write(map[string]any{"setupComplete": map[string]any{}})
		write(map[string]any{"serverContent": map[string]any{
			"outputTranscription": map[string]any{"text": "Hello"},
		}})
		inputCh <- read()
		<-conn.CloseRead(ctx).Done()
	}))
	t.Cleanup(srv.Close)

	opened := make(chan struct{}, 1)
	messages := make(chan *live.ServerMessage, 4)
	closed := make(chan struct{}, 1)
	p := genai.New("test-key",
		genai.WithBaseURL("ws"+strings.TrimPrefix(srv.URL, "http")+"/"),
		genai.WithModel("test-model"),
	)
	sess, err := p.Connect(context.Background(), live.SessionConfig{
		SystemInstruction:   "be kind",
		InputTranscription:  true,
		OutputTranscription: true,
	}, live.Callbacks{
		OnOpen:    func() { opened <- struct{}{} },
		OnMessage: func(m *live.ServerMessage) { messages <- m },
		OnClose:   func() { closed <- struct{}{} },
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case setup := <-setupCh:
		body, _ := json.Marshal(setup)
		if !strings.Contains(string(body), "test-model") {
			t.Errorf("setup %s does not name the model", body)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup")
	}

	select {
	case <-opened:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for OnOpen")
	}
	select {
	case m := <-messages:
		if m.OutputText() != "Hello" {
			t.Errorf("OutputText = %q", m.OutputText())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for message")
	}

	if err := sess.SendRealtimeInput(live.Blob{MIMEType: "audio/pcm;rate=16000", Data: "AQI="}); err != nil {
		t.Fatalf("SendRealtimeInput: %v", err)
	}
	select {
	case in := <-inputCh:
		if _, ok := in["realtimeInput"]; !ok {
			t.Errorf("input %v lacks realtimeInput", in)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for realtime input")
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("OnClose not fired")
	}
	if err := sess.SendRealtimeInput(live.Blob{Data: "AQI="}); !errors.Is(err, live.ErrSessionClosed) {
		t.Errorf("err = %v, want ErrSessionClosed", err)
	}
}

// closingServer acknowledges setup and then closes with code.
func closingServer(t *testing.T, code websocket.StatusCode) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := context.Background()
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"setupComplete":{}}`))
		_ = conn.Close(code, "bye")
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
}

func TestServerClose(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		code      websocket.StatusCode
		wantError bool
	}{
		{"normal closure", websocket.StatusNormalClosure, false},
		{"internal error", websocket.StatusInternalError, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			errs := make(chan error, 1)
			closed := make(chan struct{}, 1)
			p := genai.New("test-key", genai.WithBaseURL(closingServer(t, tt.code)))
			sess, err := p.Connect(context.Background(), live.SessionConfig{}, live.Callbacks{
				OnError: func(err error) { errs <- err },
				OnClose: func() { closed <- struct{}{} },
			})
			if err != nil {
				t.Fatalf("Connect: %v", err)
			}
			defer sess.Close()

			select {
			case <-closed:
			case <-time.After(3 * time.Second):
				t.Fatal("OnClose not fired")
			}

			select {
			case err := <-errs:
				if !tt.wantError {
					t.Errorf("OnError(%v) on a normal close", err)
				} else if !errors.Is(err, live.ErrTransport) {
					t.Errorf("err = %v, want ErrTransport", err)
				}
			default:
				if tt.wantError {
					t.Error("OnError not fired before OnClose")
				}
			}
		})
	}
}
