// Package session coordinates one live practice session at a time.
//
// A [Coordinator] owns the duplex connection to the remote model together
// with the microphone capture pipeline and the playback scheduler of the
// running session. Microphone frames are encoded and sent as they are
// produced; everything the model sends back, plus capture failures and
// playback completions, is funnelled through a single per-session dispatch
// goroutine which updates the playback scheduler and reports to a
// [Listener] in arrival order.
//
// Lifecycle: Closed -> Connecting -> Open -> Closed. A session that ends on
// its own (transport error, microphone loss) lands in Closed with the cause
// available from [Coordinator.Status]. No reconnection is attempted.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/dewayanto/livetutor/internal/observe"
	"github.com/dewayanto/livetutor/pkg/audio"
	"github.com/dewayanto/livetutor/pkg/audio/capture"
	"github.com/dewayanto/livetutor/pkg/audio/playback"
	"github.com/dewayanto/livetutor/pkg/provider/live"
)

// Messages shown to the learner for each failure kind.
const (
	MsgMicrophone = "Microphone access was denied or failed."
	MsgConnection = "A connection error occurred. Please try again."
	MsgPlayback   = "There was an issue playing back the audio."
)

// ErrStopped is returned by Start when Stop interrupts it.
var ErrStopped = errors.New("session: stopped during start")

// Listener receives session events. Calls for one session are serialized and
// arrive in the order the underlying events happened.
type Listener interface {
	Opened()
	InputText(text string)
	OutputText(text string)
	AudioArrived()
	TurnComplete(playbackActive bool)
	Interrupted()
	PlaybackDrained()
	Fail(msg string)
	Closed()
}

// State is the coordinator lifecycle state.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config holds the dependencies of a [Coordinator].
type Config struct {
	// Provider opens live sessions. Required.
	Provider live.Provider

	// Device is the microphone. Required.
	Device capture.Device

	// Output is the shared playback clock. Required.
	Output playback.Context

	// Listener receives session events. Required.
	Listener Listener

	// Metrics records session telemetry. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Model and Voice override the provider defaults when non-empty.
	Model string
	Voice string

	// ClampSamples saturates out-of-range microphone samples instead of
	// letting them wrap around during quantization.
	ClampSamples bool

	// CaptureOptions are applied to every capture pipeline.
	CaptureOptions []capture.Option
}

// Coordinator runs at most one live session at a time. All exported methods
// are safe for concurrent use.
type Coordinator struct {
	cfg Config

	// startMu serializes Start calls. Stop does not take it so that it can
	// interrupt a Start that is still connecting.
	startMu sync.Mutex

	mu  sync.Mutex
	cur *run
	// stops counts Stop calls. A Start that sees it change between its call
	// and the publication of its run was overtaken by a Stop.
	stops uint64
}

// New creates a Coordinator.
func New(cfg Config) *Coordinator {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Coordinator{cfg: cfg}
}

// Start tears down any previous session, opens a new one with the given
// system instruction and begins streaming the microphone. It returns once
// the session is open or has failed. Failures are also reported to the
// Listener; a microphone failure wraps [capture.ErrMicrophoneAccess] and a
// connection failure wraps [live.ErrTransport]. A Stop issued after Start
// was called makes it return [ErrStopped].
func (c *Coordinator) Start(ctx context.Context, systemInstruction string) error {
	c.mu.Lock()
	stops := c.stops
	c.mu.Unlock()

	c.startMu.Lock()
	defer c.startMu.Unlock()

	r := c.newRun()
	c.mu.Lock()
	prev := c.cur
	c.cur = r
	if c.stops != stops {
		r.requestStop()
	}
	c.mu.Unlock()

	if prev != nil {
		// The old session is released even if the caller has given up.
		if err := prev.stop(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("session: stop previous session", "session_id", prev.id, "err", err)
		}
	}

	return r.start(ctx, systemInstruction)
}

// Stop ends the current session: the transport is closed, capture released
// and playback flushed, all before Stop returns. The resulting close event is
// not reported to the Listener. Stop without a running session is a no-op.
//
// Teardown always completes. ctx only bounds the wait for in-flight Listener
// calls of the stopped session.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.stops++
	r := c.cur
	c.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.stop(ctx)
}

// Status returns the lifecycle state of the latest session and the error it
// ended with, if any.
func (c *Coordinator) Status() (State, error) {
	c.mu.Lock()
	r := c.cur
	c.mu.Unlock()
	if r == nil {
		return StateClosed, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, r.lastErr
}

// SessionID returns the identifier of the latest session, or "".
func (c *Coordinator) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return ""
	}
	return c.cur.id
}

// ── run ───────────────────────────────────────────────────────────────────────

// run is one Start..teardown span. Every run owns its own capture pipeline,
// playback scheduler and event queue.
type run struct {
	id      string
	cfg     *Config
	metrics *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	stopRequested atomic.Bool

	sched    *playback.Scheduler
	pipeline *capture.Pipeline
	q        *eventQueue

	opened         chan struct{}
	openOnce       sync.Once
	transportEnded chan struct{}
	endOnce        sync.Once
	captureFailed  chan struct{}
	failOnce       sync.Once

	startDone chan struct{}
	loopDone  chan struct{}

	teardownOnce sync.Once
	teardownErr  error

	mu        sync.Mutex
	state     State
	lastErr   error
	sess      live.Session
	detached  bool
	openedAt  time.Time
	activeSet bool
}

func (c *Coordinator) newRun() *run {
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		id:             uuid.NewString(),
		cfg:            &c.cfg,
		metrics:        c.cfg.Metrics,
		ctx:            ctx,
		cancel:         cancel,
		q:              newEventQueue(),
		opened:         make(chan struct{}),
		transportEnded: make(chan struct{}),
		captureFailed:  make(chan struct{}),
		startDone:      make(chan struct{}),
		loopDone:       make(chan struct{}),
		state:          StateConnecting,
	}
	r.sched = playback.NewScheduler(c.cfg.Output,
		playback.WithOnDrained(func() { r.q.push(evDrained{}) }),
	)
	opts := append([]capture.Option{
		capture.WithOnError(func(err error) {
			r.failOnce.Do(func() { close(r.captureFailed) })
			r.q.push(evCaptureError{err: err})
		}),
	}, c.cfg.CaptureOptions...)
	r.pipeline = capture.New(c.cfg.Device, opts...)
	return r
}

// requestStop marks the run as stopped by the user and aborts a pending start.
func (r *run) requestStop() {
	r.stopRequested.Store(true)
	r.cancel()
}

// stop tears the run down. Once cancelled, start returns promptly, so it is
// awaited unconditionally.
func (r *run) stop(ctx context.Context) error {
	ctx, span := observe.StartSessionSpan(ctx, "stop", r.id)
	defer span.End()

	r.requestStop()
	<-r.startDone
	first := r.shutdown(false)

	select {
	case <-r.loopDone:
	case <-ctx.Done():
		err := fmt.Errorf("session: stop: %w", ctx.Err())
		observe.FailSpan(span, "", err)
		return err
	}
	if first {
		observe.SessionLogger(ctx, r.id).Info("session stopped")
	}
	if r.teardownErr != nil {
		observe.FailSpan(span, "", r.teardownErr)
	}
	return r.teardownErr
}

func (r *run) callbacks() live.Callbacks {
	return live.Callbacks{
		OnOpen: func() {
			r.openOnce.Do(func() { close(r.opened) })
		},
		OnMessage: func(m *live.ServerMessage) {
			r.q.push(evMessage{msg: m})
		},
		OnError: func(err error) {
			r.noteErr(err)
			r.q.push(evTransportError{err: err})
		},
		OnClose: func() {
			r.endOnce.Do(func() { close(r.transportEnded) })
			r.q.push(evTransportClose{})
		},
	}
}

// start connects, waits for the transport to open and starts capture.
func (r *run) start(ctx context.Context, instruction string) error {
	defer close(r.startDone)

	ctx, span := observe.StartSessionSpan(ctx, "start", r.id)
	defer span.End()
	began := time.Now()

	// Both the caller and Stop can abort start.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(r.ctx, cancel)()

	go r.dispatch()

	if r.stopRequested.Load() {
		return r.abort(span, "", "", fmt.Errorf("session: %w", context.Canceled))
	}

	log := observe.SessionLogger(ctx, r.id)
	log.Info("session connecting")

	sess, err := r.cfg.Provider.Connect(ctx, live.SessionConfig{
		Model:               r.cfg.Model,
		Voice:               r.cfg.Voice,
		SystemInstruction:   instruction,
		ResponseModalities:  []string{live.ModalityAudio},
		InputTranscription:  true,
		OutputTranscription: true,
	}, r.callbacks())
	if err != nil {
		return r.abort(span, observe.ErrorKindTransport, MsgConnection, fmt.Errorf("session: connect: %w", err))
	}
	r.mu.Lock()
	r.sess = sess
	r.mu.Unlock()

	select {
	case <-r.opened:
	case <-r.transportEnded:
		return r.abort(span, observe.ErrorKindTransport, MsgConnection,
			fmt.Errorf("session: connect: %w", r.transportCause()))
	case <-ctx.Done():
		return r.abort(span, "", "", fmt.Errorf("session: connect: %w", ctx.Err()))
	}

	if err := r.pipeline.Start(ctx, r.sendFrame); err != nil {
		return r.abort(span, observe.ErrorKindMicrophone, MsgMicrophone, fmt.Errorf("session: %w", err))
	}

	r.mu.Lock()
	r.state = StateOpen
	r.openedAt = time.Now()
	r.activeSet = true
	r.metrics.ActiveSessions.Add(context.Background(), 1)
	r.mu.Unlock()

	// Events that raced the transition above were skipped by dispatch.
	if err := ctx.Err(); err != nil || r.stopRequested.Load() {
		return r.abort(span, "", "", fmt.Errorf("session: %w", context.Canceled))
	}
	select {
	case <-r.transportEnded:
		return r.abort(span, observe.ErrorKindTransport, MsgConnection,
			fmt.Errorf("session: %w", r.transportCause()))
	case <-r.captureFailed:
		return r.abort(span, observe.ErrorKindMicrophone, MsgMicrophone,
			fmt.Errorf("session: %w: device lost", capture.ErrMicrophoneAccess))
	default:
	}

	r.metrics.ConnectDuration.Record(context.Background(), time.Since(began).Seconds())
	r.q.push(evStarted{})

	log.Info("session open", "connect_latency", time.Since(began))
	return nil
}

// noteErr keeps the first transport error of the run.
func (r *run) noteErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastErr == nil {
		r.lastErr = err
	}
}

// transportCause returns the error recorded for an early transport end.
func (r *run) transportCause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastErr != nil {
		return r.lastErr
	}
	return fmt.Errorf("%w: closed before open", live.ErrTransport)
}

// abort tears the run down after a failed start. kind and msg are empty when
// start was cancelled rather than failed.
func (r *run) abort(span trace.Span, kind, msg string, err error) error {
	if r.stopRequested.Load() {
		// Stopped by the user: no failure to report.
		r.shutdown(true)
		r.setClosed(nil)
		span.SetAttributes(observe.AttrStopped.Bool(true))
		return ErrStopped
	}

	first := r.shutdown(true)
	r.setClosed(err)

	observe.FailSpan(span, kind, err)

	if !first {
		// dispatch already reported this run's end.
		return err
	}
	slog.Warn("session start failed", "session_id", r.id, "err", err)
	if kind == "" {
		r.cfg.Listener.Closed()
		return err
	}
	r.metrics.RecordSessionError(context.Background(), kind)
	r.cfg.Listener.Fail(msg)
	return err
}

func (r *run) setClosed(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateClosed
	if err != nil && r.lastErr == nil {
		r.lastErr = err
	}
}

// shutdown closes the transport, stops capture and flushes playback
// concurrently, then closes the event queue. It reports whether this call
// performed the teardown. With wait set it also waits for the dispatch
// goroutine, so it must not be called that way from dispatch itself.
func (r *run) shutdown(wait bool) bool {
	first := false
	r.teardownOnce.Do(func() {
		first = true

		r.mu.Lock()
		r.detached = true
		r.state = StateClosed
		sess := r.sess
		counted := r.activeSet
		openedAt := r.openedAt
		r.mu.Unlock()

		r.cancel()

		var g errgroup.Group
		if sess != nil {
			g.Go(sess.Close)
		}
		g.Go(r.pipeline.Stop)
		g.Go(func() error {
			r.sched.Close()
			return nil
		})
		if err := g.Wait(); err != nil {
			r.teardownErr = fmt.Errorf("session: teardown: %w", err)
		}
		r.q.close()

		if counted {
			r.metrics.ActiveSessions.Add(context.Background(), -1)
			r.metrics.SessionDuration.Record(context.Background(), time.Since(openedAt).Seconds())
		}
	})
	if wait {
		<-r.loopDone
	}
	return first
}

// sendFrame encodes one microphone frame and hands it to the transport.
// Sends are fire-and-forget: failures are logged and counted, never retried.
func (r *run) sendFrame(f audio.AudioFrame) {
	r.mu.Lock()
	sess := r.sess
	r.mu.Unlock()
	if sess == nil {
		return
	}

	var pcm []byte
	if r.cfg.ClampSamples {
		pcm = audio.EncodePCM16Clamped(f.Samples)
	} else {
		pcm = audio.EncodePCM16(f.Samples)
	}

	err := sess.SendRealtimeInput(live.Blob{
		MIMEType: audio.CaptureFormat.MIMEType(),
		Data:     audio.EncodeBase64(pcm),
	})
	switch {
	case err == nil:
		r.metrics.RecordFrameSent(context.Background(), len(pcm))
	case errors.Is(err, live.ErrSessionClosed):
		slog.Debug("session: frame dropped after close", "session_id", r.id, "seq", f.Seq)
	default:
		r.metrics.RecordSessionError(context.Background(), observe.ErrorKindSend)
		slog.Warn("session: send frame", "session_id", r.id, "seq", f.Seq, "err", err)
	}
}

// ── dispatch ──────────────────────────────────────────────────────────────────

// dispatch is the run's single event consumer. It exits when the queue is
// closed or after it has ended the run itself.
func (r *run) dispatch() {
	defer close(r.loopDone)
	for {
		select {
		case <-r.q.signal:
		case <-r.q.done:
			return
		}
		for _, ev := range r.q.take() {
			if r.isDetached() {
				return
			}
			if r.handle(ev) {
				return
			}
		}
	}
}

func (r *run) isDetached() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.detached
}

func (r *run) isOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == StateOpen
}

// handle applies ev and reports whether the run has ended.
func (r *run) handle(ev event) bool {
	l := r.cfg.Listener
	switch ev := ev.(type) {
	case evStarted:
		l.Opened()

	case evMessage:
		r.handleMessage(ev.msg)

	case evDrained:
		l.PlaybackDrained()

	case evTransportError:
		if !r.isOpen() {
			// start reports failures while connecting.
			return false
		}
		return r.end(ev.err, observe.ErrorKindTransport, MsgConnection)

	case evCaptureError:
		if !r.isOpen() {
			return false
		}
		return r.end(fmt.Errorf("%w: %w", capture.ErrMicrophoneAccess, ev.err), observe.ErrorKindMicrophone, MsgMicrophone)

	case evTransportClose:
		if !r.isOpen() {
			return false
		}
		return r.end(nil, "", "")
	}
	return false
}

// end tears the run down from the dispatch goroutine and reports why.
func (r *run) end(cause error, kind, msg string) bool {
	if !r.shutdown(false) {
		return true
	}
	r.setClosed(cause)

	if cause == nil {
		slog.Info("session closed by server", "session_id", r.id)
		r.cfg.Listener.Closed()
		return true
	}
	slog.Warn("session ended", "session_id", r.id, "err", cause)
	r.metrics.RecordSessionError(context.Background(), kind)
	r.cfg.Listener.Fail(msg)
	r.cfg.Listener.Closed()
	return true
}

func (r *run) handleMessage(m *live.ServerMessage) {
	l := r.cfg.Listener
	ctx := context.Background()

	if t := m.InputText(); t != "" {
		l.InputText(t)
	}
	if t := m.OutputText(); t != "" {
		l.OutputText(t)
	}
	if data := m.InlineAudio(); data != "" {
		r.metrics.AudioChunks.Add(ctx, 1)
		l.AudioArrived()
		_, err := r.sched.EnqueueBase64(data)
		switch {
		case err == nil:
		case errors.Is(err, playback.ErrSchedulerClosed):
			slog.Debug("session: audio dropped after stop", "session_id", r.id)
		default:
			// Non-fatal: the session keeps running.
			kind := observe.ErrorKindDecode
			if !errors.Is(err, playback.ErrDecode) {
				kind = observe.ErrorKindPlayback
			}
			r.metrics.RecordSessionError(ctx, kind)
			slog.Warn("session: playback", "session_id", r.id, "err", err)
			l.Fail(MsgPlayback)
		}
	}
	if m.TurnComplete() {
		r.metrics.Turns.Add(ctx, 1)
		l.TurnComplete(r.sched.Active() > 0)
	}
	if m.Interrupted() {
		r.sched.Interrupt()
		r.metrics.Interruptions.Add(ctx, 1)
		l.Interrupted()
	}
}
