package session_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/dewayanto/livetutor/internal/conversation"
	"github.com/dewayanto/livetutor/internal/observe"
	"github.com/dewayanto/livetutor/internal/session"
	"github.com/dewayanto/livetutor/pkg/audio"
	"github.com/dewayanto/livetutor/pkg/audio/capture"
	"github.com/dewayanto/livetutor/pkg/audio/playback"
	"github.com/dewayanto/livetutor/pkg/provider/live"
	"github.com/dewayanto/livetutor/pkg/provider/live/mock"
)

// ── Fakes ─────────────────────────────────────────────────────────────────────

// micStream is a 16 kHz mono stream fed by the test.
type micStream struct {
	feed   chan []float32
	closed chan struct{}
	once   sync.Once
}

func newMicStream() *micStream {
	return &micStream{feed: make(chan []float32, 64), closed: make(chan struct{})}
}

func (s *micStream) Format() audio.Format { return audio.CaptureFormat }

func (s *micStream) Read(p []float32) (int, error) {
	select {
	case chunk, ok := <-s.feed:
		if !ok {
			return 0, io.EOF
		}
		return copy(p, chunk), nil
	case <-s.closed:
		return 0, errors.New("stream closed")
	}
}

func (s *micStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *micStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// fakeMic opens a fresh micStream per call, or fails with err.
type fakeMic struct {
	mu      sync.Mutex
	err     error
	streams []*micStream
}

func (d *fakeMic) Open(_ context.Context) (capture.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	s := newMicStream()
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *fakeMic) opened() []*micStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.streams)
}

// fakeOutput is a frozen playback clock that records started buffers.
type fakeOutput struct {
	mu      sync.Mutex
	sources []*fakeSource
}

func (o *fakeOutput) CurrentTime() time.Duration { return 0 }

func (o *fakeOutput) Start(buf *audio.Buffer, at time.Duration, onEnded func()) (playback.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	src := &fakeSource{at: at, dur: buf.Duration(), onEnded: onEnded}
	o.sources = append(o.sources, src)
	return src, nil
}

func (o *fakeOutput) started() []*fakeSource {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.sources)
}

type fakeSource struct {
	at, dur time.Duration
	onEnded func()

	mu      sync.Mutex
	stopped bool
	once    sync.Once
}

func (s *fakeSource) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.finish()
}

func (s *fakeSource) finish() { s.once.Do(s.onEnded) }

func (s *fakeSource) wasStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// recorder is a Listener that logs every call.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) Opened()                  { r.add("opened") }
func (r *recorder) InputText(t string)       { r.add("input:" + t) }
func (r *recorder) OutputText(t string)      { r.add("output:" + t) }
func (r *recorder) AudioArrived()            { r.add("audio") }
func (r *recorder) TurnComplete(active bool) { r.add(fmt.Sprintf("turn:%t", active)) }
func (r *recorder) Interrupted()             { r.add("interrupted") }
func (r *recorder) PlaybackDrained()         { r.add("drained") }
func (r *recorder) Fail(msg string)          { r.add("fail:" + msg) }
func (r *recorder) Closed()                  { r.add("closed") }

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

func (r *recorder) has(ev string) bool {
	return slices.Contains(r.snapshot(), ev)
}

var _ session.Listener = (*recorder)(nil)

// ── Helpers ───────────────────────────────────────────────────────────────────

const testFrameSize = 4

type harness struct {
	provider *mock.Provider
	mic      *fakeMic
	out      *fakeOutput
	rec      *recorder
	coord    *session.Coordinator
	reader   *sdkmetric.ManualReader
}

func newHarness(t *testing.T, listener session.Listener) *harness {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := &harness{
		provider: &mock.Provider{AutoOpen: true},
		mic:      &fakeMic{},
		out:      &fakeOutput{},
		rec:      &recorder{},
		reader:   reader,
	}
	if listener == nil {
		listener = h.rec
	}
	h.coord = session.New(session.Config{
		Provider:       h.provider,
		Device:         h.mic,
		Output:         h.out,
		Listener:       listener,
		Metrics:        m,
		CaptureOptions: []capture.Option{capture.WithFrameSize(testFrameSize)},
	})
	t.Cleanup(func() { _ = h.coord.Stop(context.Background()) })
	return h
}

func (h *harness) start(t *testing.T) *mock.Session {
	t.Helper()
	if err := h.coord.Start(context.Background(), "be a tutor"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return h.provider.LastSession()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func audioMsg(pcm []byte) *live.ServerMessage {
	return &live.ServerMessage{ServerContent: &live.ServerContent{
		ModelTurn: &live.Content{Parts: []live.Part{{
			InlineData: &live.Blob{MIMEType: "audio/pcm;rate=24000", Data: audio.EncodeBase64(pcm)},
		}}},
	}}
}

func outputMsg(text string) *live.ServerMessage {
	return &live.ServerMessage{ServerContent: &live.ServerContent{
		OutputTranscription: &live.Transcription{Text: text},
	}}
}

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", name)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

// ── Start ─────────────────────────────────────────────────────────────────────

func TestStart_OpensAndStreamsFrames(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	sess := h.start(t)

	if state, err := h.coord.Status(); state != session.StateOpen || err != nil {
		t.Fatalf("Status = %v, %v; want open, nil", state, err)
	}
	if h.coord.SessionID() == "" {
		t.Error("SessionID is empty")
	}

	cfg := h.provider.ConnectCalls[0].Cfg
	if cfg.SystemInstruction != "be a tutor" {
		t.Errorf("SystemInstruction = %q", cfg.SystemInstruction)
	}
	if !cfg.InputTranscription || !cfg.OutputTranscription {
		t.Error("transcriptions not requested")
	}
	if !slices.Equal(cfg.ResponseModalities, []string{live.ModalityAudio}) {
		t.Errorf("ResponseModalities = %v", cfg.ResponseModalities)
	}

	waitFor(t, "opened", func() bool { return h.rec.has("opened") })

	streams := h.mic.opened()
	if len(streams) != 1 {
		t.Fatalf("mic opened %d times, want 1", len(streams))
	}
	streams[0].feed <- []float32{0, 0.5, -0.5, 0.25, 0.1, 0.1}

	waitFor(t, "a sent frame", func() bool { return len(sess.Sent()) >= 1 })
	blob := sess.Sent()[0]
	if blob.MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("MIMEType = %q", blob.MIMEType)
	}
	pcm, err := audio.DecodeBase64(blob.Data)
	if err != nil {
		t.Fatalf("DecodeBase64: %v", err)
	}
	want := audio.EncodePCM16([]float32{0, 0.5, -0.5, 0.25})
	if !slices.Equal(pcm, want) {
		t.Errorf("frame bytes = %v, want %v", pcm, want)
	}

	// The trailing two samples wait for a full frame.
	time.Sleep(20 * time.Millisecond)
	if n := len(sess.Sent()); n != 1 {
		t.Errorf("sent %d frames, want 1", n)
	}
	if got := counterValue(t, h.reader, "livetutor.capture.frames_sent"); got != 1 {
		t.Errorf("frames_sent = %d, want 1", got)
	}
	if got := counterValue(t, h.reader, "livetutor.active_sessions"); got != 1 {
		t.Errorf("active_sessions = %d, want 1", got)
	}
}

func TestStart_MicrophoneDenied(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.mic.err = fmt.Errorf("%w: permission denied", capture.ErrMicrophoneAccess)

	err := h.coord.Start(context.Background(), "")
	if !errors.Is(err, capture.ErrMicrophoneAccess) {
		t.Fatalf("err = %v, want ErrMicrophoneAccess", err)
	}

	sess := h.provider.LastSession()
	if !sess.Closed() {
		t.Error("transport left open after microphone failure")
	}
	if n := len(sess.Sent()); n != 0 {
		t.Errorf("sent %d frames, want 0", n)
	}
	state, lastErr := h.coord.Status()
	if state != session.StateClosed || !errors.Is(lastErr, capture.ErrMicrophoneAccess) {
		t.Errorf("Status = %v, %v", state, lastErr)
	}
	if got := h.rec.snapshot(); !slices.Equal(got, []string{"fail:" + session.MsgMicrophone}) {
		t.Errorf("events = %v", got)
	}
	if got := counterValue(t, h.reader, "livetutor.active_sessions"); got != 0 {
		t.Errorf("active_sessions = %d, want 0", got)
	}
}

func TestStart_ConnectFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.provider.ConnectErr = fmt.Errorf("%w: dial refused", live.ErrTransport)

	err := h.coord.Start(context.Background(), "")
	if !errors.Is(err, live.ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
	if n := len(h.mic.opened()); n != 0 {
		t.Errorf("mic opened %d times, want 0", n)
	}
	if got := h.rec.snapshot(); !slices.Equal(got, []string{"fail:" + session.MsgConnection}) {
		t.Errorf("events = %v", got)
	}
}

func TestStart_TransportFailsBeforeOpen(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.provider.AutoOpen = false
	connected := h.provider.Connected()

	errCh := make(chan error, 1)
	go func() { errCh <- h.coord.Start(context.Background(), "") }()

	<-connected
	h.provider.LastSession().Fail(fmt.Errorf("%w: handshake rejected", live.ErrTransport))

	select {
	case err := <-errCh:
		if !errors.Is(err, live.ErrTransport) {
			t.Errorf("err = %v, want ErrTransport", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return")
	}
	if n := len(h.mic.opened()); n != 0 {
		t.Errorf("mic opened %d times, want 0", n)
	}
	if got := h.rec.snapshot(); !slices.Equal(got, []string{"fail:" + session.MsgConnection}) {
		t.Errorf("events = %v", got)
	}
}

func TestStart_ReplacesPreviousSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	first := h.start(t)
	second := h.start(t)

	if first == second {
		t.Fatal("Start reused the previous session")
	}
	if !first.Closed() {
		t.Error("previous transport not closed")
	}
	streams := h.mic.opened()
	if len(streams) != 2 {
		t.Fatalf("mic opened %d times, want 2", len(streams))
	}
	if !streams[0].isClosed() {
		t.Error("previous capture stream not released")
	}
	if streams[1].isClosed() {
		t.Error("current capture stream closed")
	}
	if h.rec.has("closed") {
		t.Error("replacing a session reported a close")
	}
}

// ── Stop ──────────────────────────────────────────────────────────────────────

func TestStop_Idempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	sess := h.start(t)
	waitFor(t, "opened", func() bool { return h.rec.has("opened") })

	sess.Message(audioMsg([]byte{1, 0, 2, 0}))
	waitFor(t, "scheduled audio", func() bool { return len(h.out.started()) == 1 })

	for i := range 2 {
		if err := h.coord.Stop(context.Background()); err != nil {
			t.Fatalf("Stop #%d: %v", i+1, err)
		}
	}

	if got := sess.CloseCalls(); got != 1 {
		t.Errorf("Close called %d times, want 1", got)
	}
	if !h.mic.opened()[0].isClosed() {
		t.Error("capture stream not released")
	}
	if !h.out.started()[0].wasStopped() {
		t.Error("scheduled playback not flushed")
	}
	if state, err := h.coord.Status(); state != session.StateClosed || err != nil {
		t.Errorf("Status = %v, %v; want closed, nil", state, err)
	}
	if h.rec.has("closed") {
		t.Error("Stop reported the transport close to the listener")
	}
	if got := counterValue(t, h.reader, "livetutor.active_sessions"); got != 0 {
		t.Errorf("active_sessions = %d, want 0", got)
	}
}

func TestStop_WithoutSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	if err := h.coord.Stop(context.Background()); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if state, _ := h.coord.Status(); state != session.StateClosed {
		t.Errorf("state = %v", state)
	}
}

func TestStop_DuringConnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.provider.AutoOpen = false
	connected := h.provider.Connected()

	errCh := make(chan error, 1)
	go func() { errCh <- h.coord.Start(context.Background(), "") }()
	<-connected

	if err := h.coord.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, session.ErrStopped) {
			t.Errorf("Start err = %v, want ErrStopped", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return")
	}

	if !h.provider.LastSession().Closed() {
		t.Error("transport not closed")
	}
	if n := len(h.mic.opened()); n != 0 {
		t.Errorf("mic opened %d times, want 0", n)
	}
	if got := h.rec.snapshot(); len(got) != 0 {
		t.Errorf("events = %v, want none", got)
	}
}

func TestStop_CancelledContextStillTearsDown(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	sess := h.start(t)
	waitFor(t, "opened", func() bool { return h.rec.has("opened") })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = h.coord.Stop(ctx)

	if !sess.Closed() {
		t.Error("transport left open")
	}
	if !h.mic.opened()[0].isClosed() {
		t.Error("capture stream not released")
	}
	if state, _ := h.coord.Status(); state != session.StateClosed {
		t.Errorf("state = %v, want closed", state)
	}
}

func TestStart_CancelledContextReleasesPreviousSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := range 20 {
		prev := h.start(t)
		mic := h.mic.opened()[len(h.mic.opened())-1]

		if err := h.coord.Start(ctx, ""); err == nil {
			t.Fatalf("run %d: Start with a cancelled context succeeded", i)
		}
		if !prev.Closed() {
			t.Fatalf("run %d: previous transport left open", i)
		}
		if !mic.isClosed() {
			t.Fatalf("run %d: previous capture stream left open", i)
		}
	}
}

// blockingListener holds the dispatch goroutine inside AudioArrived until
// release is closed.
type blockingListener struct {
	*recorder
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (l *blockingListener) AudioArrived() {
	l.recorder.AudioArrived()
	l.once.Do(func() { close(l.entered) })
	<-l.release
}

func TestStop_DuringAudioDispatchLeavesNothingPlaying(t *testing.T) {
	t.Parallel()
	l := &blockingListener{
		recorder: &recorder{},
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	h := newHarness(t, l)
	sess := h.start(t)

	sess.Message(audioMsg(make([]byte, 480)))
	<-l.entered

	stopped := make(chan error, 1)
	go func() { stopped <- h.coord.Stop(context.Background()) }()

	waitFor(t, "teardown", func() bool { return sess.Closed() && h.mic.opened()[0].isClosed() })
	time.Sleep(20 * time.Millisecond)
	close(l.release)

	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}

	for i, src := range h.out.started() {
		if !src.wasStopped() {
			t.Errorf("source %d still scheduled after Stop returned", i)
		}
	}
	if l.has("fail:" + session.MsgPlayback) {
		t.Error("audio dropped at stop was reported as a playback failure")
	}
}

func TestStop_WhileStartWaitsIsNotLost(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.provider.AutoOpen = false
	connected := h.provider.Connected()

	firstErr := make(chan error, 1)
	go func() { firstErr <- h.coord.Start(context.Background(), "") }()
	<-connected

	// The second Start queues behind the first one.
	secondErr := make(chan error, 1)
	go func() { secondErr <- h.coord.Start(context.Background(), "") }()
	time.Sleep(50 * time.Millisecond)

	if err := h.coord.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	for name, ch := range map[string]chan error{"first": firstErr, "second": secondErr} {
		select {
		case err := <-ch:
			if !errors.Is(err, session.ErrStopped) {
				t.Errorf("%s Start err = %v, want ErrStopped", name, err)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("%s Start did not return", name)
		}
	}

	if n := h.provider.CallCount(); n != 1 {
		t.Errorf("Connect called %d times, want 1", n)
	}
	if n := len(h.mic.opened()); n != 0 {
		t.Errorf("mic opened %d times, want 0", n)
	}
	if state, _ := h.coord.Status(); state != session.StateClosed {
		t.Errorf("state = %v, want closed", state)
	}
}

// ── Inbound events ────────────────────────────────────────────────────────────

func TestMessages_HelloScenario(t *testing.T) {
	t.Parallel()
	state := conversation.New()
	state.SelectLevel(conversation.LevelBeginner, "")
	h := newHarness(t, state)

	state.Connecting()
	sess := h.start(t)
	waitFor(t, "listening", func() bool { return state.Snapshot().Status == conversation.StatusListening })

	sess.Message(outputMsg("Hel"))
	sess.Message(outputMsg("lo"))
	waitFor(t, "speaking", func() bool { return state.Snapshot().Status == conversation.StatusSpeaking })
	sess.Message(&live.ServerMessage{ServerContent: &live.ServerContent{TurnComplete: true}})

	waitFor(t, "listening after turn", func() bool {
		return state.Snapshot().Status == conversation.StatusListening
	})
	want := []conversation.Message{{Speaker: conversation.SpeakerAgent, Text: "Hello"}}
	if got := state.Snapshot().Transcript; !slices.Equal(got, want) {
		t.Errorf("Transcript = %+v, want %+v", got, want)
	}
}

func TestMessages_DispatchedInOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	sess := h.start(t)
	waitFor(t, "opened", func() bool { return h.rec.has("opened") })

	sess.Message(&live.ServerMessage{ServerContent: &live.ServerContent{
		InputTranscription: &live.Transcription{Text: "hi"},
	}})
	sess.Message(outputMsg("Hello"))
	sess.Message(&live.ServerMessage{ServerContent: &live.ServerContent{TurnComplete: true}})

	want := []string{"opened", "input:hi", "output:Hello", "turn:false"}
	waitFor(t, "dispatch", func() bool { return len(h.rec.snapshot()) == len(want) })
	if got := h.rec.snapshot(); !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if got := counterValue(t, h.reader, "livetutor.session.turns"); got != 1 {
		t.Errorf("turns = %d, want 1", got)
	}
}

func TestInlineAudio_SchedulesGapless(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	sess := h.start(t)

	// 240 frames = 10 ms at 24 kHz.
	chunk := make([]byte, 480)
	sess.Message(audioMsg(chunk))
	sess.Message(audioMsg(chunk))
	sess.Message(&live.ServerMessage{ServerContent: &live.ServerContent{TurnComplete: true}})
	waitFor(t, "turn", func() bool { return h.rec.has("turn:true") })

	srcs := h.out.started()
	if len(srcs) != 2 {
		t.Fatalf("started %d buffers, want 2", len(srcs))
	}
	if srcs[0].at != 0 || srcs[1].at != 10*time.Millisecond {
		t.Errorf("starts = %v, %v; want 0, 10ms", srcs[0].at, srcs[1].at)
	}

	srcs[0].finish()
	srcs[1].finish()
	waitFor(t, "drained", func() bool { return h.rec.has("drained") })

	events := h.rec.snapshot()
	if n := countOf(events, "audio"); n != 2 {
		t.Errorf("audio events = %d, want 2", n)
	}
	if n := countOf(events, "drained"); n != 1 {
		t.Errorf("drained events = %d, want 1", n)
	}
	if got := counterValue(t, h.reader, "livetutor.playback.chunks"); got != 2 {
		t.Errorf("chunks = %d, want 2", got)
	}
}

func countOf(events []string, ev string) int {
	n := 0
	for _, e := range events {
		if e == ev {
			n++
		}
	}
	return n
}

func TestInlineAudio_DecodeErrorIsNonFatal(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	sess := h.start(t)

	sess.Message(&live.ServerMessage{ServerContent: &live.ServerContent{
		ModelTurn: &live.Content{Parts: []live.Part{{InlineData: &live.Blob{Data: "%%% not base64"}}}},
	}})
	sess.Message(audioMsg([]byte{1, 2, 3})) // odd length
	sess.Message(outputMsg("still here"))

	waitFor(t, "later message", func() bool { return h.rec.has("output:still here") })
	if n := countOf(h.rec.snapshot(), "fail:"+session.MsgPlayback); n != 2 {
		t.Errorf("playback failures = %d, want 2", n)
	}
	if state, err := h.coord.Status(); state != session.StateOpen || err != nil {
		t.Errorf("Status = %v, %v; want open", state, err)
	}
	if sess.Closed() {
		t.Error("decode failure closed the transport")
	}
	if n := len(h.out.started()); n != 0 {
		t.Errorf("started %d buffers, want 0", n)
	}
	if got := counterValue(t, h.reader, "livetutor.session.errors"); got != 2 {
		t.Errorf("session errors = %d, want 2", got)
	}
}

func TestInterrupted_FlushesPlayback(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	sess := h.start(t)

	sess.Message(audioMsg(make([]byte, 480)))
	sess.Message(audioMsg(make([]byte, 480)))
	sess.Message(&live.ServerMessage{ServerContent: &live.ServerContent{Interrupted: true}})
	waitFor(t, "interrupted", func() bool { return h.rec.has("interrupted") })

	for i, src := range h.out.started() {
		if !src.wasStopped() {
			t.Errorf("source %d still playing", i)
		}
	}
	if h.rec.has("drained") {
		t.Error("interruption reported a natural drain")
	}

	// The next buffer starts from the clock, not the stale cursor.
	sess.Message(audioMsg(make([]byte, 480)))
	waitFor(t, "post-interrupt audio", func() bool { return len(h.out.started()) == 3 })
	if at := h.out.started()[2].at; at != 0 {
		t.Errorf("post-interrupt start = %v, want 0", at)
	}
}

// ── Session end ───────────────────────────────────────────────────────────────

func TestTransportError_EndsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	sess := h.start(t)
	waitFor(t, "opened", func() bool { return h.rec.has("opened") })

	sess.Fail(fmt.Errorf("%w: connection reset", live.ErrTransport))
	waitFor(t, "closed", func() bool { return h.rec.has("closed") })

	want := []string{"opened", "fail:" + session.MsgConnection, "closed"}
	if got := h.rec.snapshot(); !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	state, err := h.coord.Status()
	if state != session.StateClosed || !errors.Is(err, live.ErrTransport) {
		t.Errorf("Status = %v, %v", state, err)
	}
	waitFor(t, "capture release", func() bool { return h.mic.opened()[0].isClosed() })

	// A later Stop is a quiet no-op.
	if err := h.coord.Stop(context.Background()); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if n := countOf(h.rec.snapshot(), "closed"); n != 1 {
		t.Errorf("closed events = %d, want 1", n)
	}
}

func TestServerClose_EndsSessionWithoutError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	sess := h.start(t)
	waitFor(t, "opened", func() bool { return h.rec.has("opened") })

	sess.ServerClose()
	waitFor(t, "closed", func() bool { return h.rec.has("closed") })

	if state, err := h.coord.Status(); state != session.StateClosed || err != nil {
		t.Errorf("Status = %v, %v; want closed, nil", state, err)
	}
	for _, ev := range h.rec.snapshot() {
		if ev == "fail:"+session.MsgConnection {
			t.Error("normal close reported as failure")
		}
	}
}

func TestCaptureLost_EndsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	sess := h.start(t)
	waitFor(t, "opened", func() bool { return h.rec.has("opened") })

	close(h.mic.opened()[0].feed) // device unplugged
	waitFor(t, "closed", func() bool { return h.rec.has("closed") })

	want := []string{"opened", "fail:" + session.MsgMicrophone, "closed"}
	if got := h.rec.snapshot(); !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if !sess.Closed() {
		t.Error("transport left open after microphone loss")
	}
	if _, err := h.coord.Status(); !errors.Is(err, capture.ErrMicrophoneAccess) {
		t.Errorf("last error = %v, want ErrMicrophoneAccess", err)
	}
}

// ── Tracing ───────────────────────────────────────────────────────────────────

// sessionSpans returns the recorded spans carrying the given session ID.
func sessionSpans(exp *tracetest.InMemoryExporter, id string) map[string]sdktrace.ReadOnlySpan {
	out := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range exp.GetSpans().Snapshots() {
		for _, a := range s.Attributes() {
			if a.Key == observe.AttrSessionID && a.Value.AsString() == id {
				out[s.Name()] = s
			}
		}
	}
	return out
}

// Not parallel: installs a global tracer provider.
func TestSpans_StartFailureAndStop(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	h := newHarness(t, nil)
	h.mic.err = fmt.Errorf("%w: permission denied", capture.ErrMicrophoneAccess)
	_ = h.coord.Start(context.Background(), "")

	failed := sessionSpans(exp, h.coord.SessionID())["session.start"]
	if failed == nil {
		t.Fatal("no session.start span for the failed session")
	}
	if failed.Status().Code != codes.Error {
		t.Errorf("start status = %+v, want error", failed.Status())
	}
	kindFound := false
	for _, a := range failed.Attributes() {
		if a.Key == observe.AttrErrorKind && a.Value.AsString() == observe.ErrorKindMicrophone {
			kindFound = true
		}
	}
	if !kindFound {
		t.Errorf("start span lacks %s=%s", observe.AttrErrorKind, observe.ErrorKindMicrophone)
	}

	h.mic.mu.Lock()
	h.mic.err = nil
	h.mic.mu.Unlock()
	h.start(t)
	id := h.coord.SessionID()
	if err := h.coord.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	spans := sessionSpans(exp, id)
	if s := spans["session.start"]; s == nil || s.Status().Code == codes.Error {
		t.Errorf("successful start span = %v", s)
	}
	if s := spans["session.stop"]; s == nil || s.Status().Code == codes.Error {
		t.Errorf("stop span = %v", s)
	}
}
