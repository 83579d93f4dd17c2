// Package playback schedules decoded model audio for gapless output.
//
// A [Context] is the output device seen as a clock: it reports the current
// output time and starts buffers at precise points on that clock. The
// [Scheduler] places each arriving buffer exactly where the previous one
// ends, tracks every scheduled buffer until it finishes, and can flush them
// all at once when the user barges in.
//
// [StreamContext] is a software implementation of Context that mixes started
// buffers in real time and writes s16le PCM to any [io.Writer], such as an
// ffplay process started by [NewFFplaySink].
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dewayanto/livetutor/pkg/audio"
)

// ErrDecode is returned by [Scheduler.Enqueue] when a payload cannot be
// turned into playable audio. The scheduler state is left untouched.
var ErrDecode = errors.New("playback: decode failed")

// ErrClosed is returned when starting audio on a closed [Context].
var ErrClosed = errors.New("playback: context closed")

// ErrSchedulerClosed is returned by [Scheduler.Enqueue] after
// [Scheduler.Close].
var ErrSchedulerClosed = errors.New("playback: scheduler closed")

// Context is an output clock that can start audio buffers at given times.
type Context interface {
	// CurrentTime returns the output position of the clock. It never
	// decreases.
	CurrentTime() time.Duration

	// Start schedules buf to begin at time at. If at is already in the past
	// the buffer starts immediately. onEnded is called exactly once when the
	// buffer finishes or is stopped, and never from within Start.
	Start(buf *audio.Buffer, at time.Duration, onEnded func()) (Source, error)
}

// Source is one scheduled buffer.
type Source interface {
	// Stop halts the buffer regardless of its position. Stopping a finished
	// source is a no-op.
	Stop()
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithFormat overrides the format used to interpret enqueued payloads.
// Defaults to [audio.PlaybackFormat].
func WithFormat(f audio.Format) Option {
	return func(s *Scheduler) {
		if f.Valid() {
			s.format = f
		}
	}
}

// WithOnDrained registers a hook invoked each time the last scheduled buffer
// finishes naturally. It runs on the goroutine that reported the completion
// and must not call back into the Scheduler synchronously.
func WithOnDrained(fn func()) Option {
	return func(s *Scheduler) { s.onDrained = fn }
}

// handle is one tracked entry of the active set.
type handle struct {
	src      Source
	start    time.Duration
	duration time.Duration
}

// Scheduler queues buffers back to back on a [Context].
// All methods are safe for concurrent use.
type Scheduler struct {
	out       Context
	format    audio.Format
	onDrained func()

	mu        sync.Mutex
	nextStart time.Duration
	active    map[*handle]struct{}
	closed    bool
}

// NewScheduler creates a Scheduler on out.
func NewScheduler(out Context, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:    out,
		format: audio.PlaybackFormat,
		active: make(map[*handle]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue decodes 16-bit PCM and schedules it right after everything already
// queued, or at the current clock time if the queue has run dry. It returns
// the time at which the buffer will start.
func (s *Scheduler) Enqueue(pcm []byte) (time.Duration, error) {
	buf, err := audio.NewBuffer(pcm, s.format.SampleRate, s.format.Channels)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return s.schedule(buf)
}

// EnqueueBase64 is [Scheduler.Enqueue] for base64 wire payloads. Invalid
// base64 is reported as [ErrDecode].
func (s *Scheduler) EnqueueBase64(data string) (time.Duration, error) {
	pcm, err := audio.DecodeBase64(data)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return s.Enqueue(pcm)
}

func (s *Scheduler) schedule(buf *audio.Buffer) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrSchedulerClosed
	}

	at := max(s.nextStart, s.out.CurrentTime())
	h := &handle{start: at, duration: buf.Duration()}

	// Registered before Start so a completion racing this call finds it.
	s.active[h] = struct{}{}
	src, err := s.out.Start(buf, at, func() { s.ended(h) })
	if err != nil {
		delete(s.active, h)
		return 0, fmt.Errorf("playback: start buffer: %w", err)
	}
	h.src = src
	s.nextStart = at + h.duration

	slog.Debug("playback scheduled", "start", at, "duration", h.duration, "active", len(s.active))
	return at, nil
}

// ended removes h from the active set. Handles flushed by Interrupt are no
// longer tracked and their completions are ignored.
func (s *Scheduler) ended(h *handle) {
	s.mu.Lock()
	if _, ok := s.active[h]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.active, h)
	drained := len(s.active) == 0
	s.mu.Unlock()

	if drained && s.onDrained != nil {
		s.onDrained()
	}
}

// Interrupt stops every scheduled buffer, clears the active set and resets
// the cursor so the next buffer starts at the then-current clock time.
// The drained hook is not invoked.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	srcs := make([]Source, 0, len(s.active))
	for h := range s.active {
		if h.src != nil {
			srcs = append(srcs, h.src)
		}
	}
	clear(s.active)
	s.nextStart = 0
	s.mu.Unlock()

	// Stopped sources report completion synchronously on some contexts, so
	// they are stopped outside the lock.
	for _, src := range srcs {
		src.Stop()
	}
	if len(srcs) > 0 {
		slog.Debug("playback interrupted", "flushed", len(srcs))
	}
}

// Close flushes every scheduled buffer like [Scheduler.Interrupt] and
// rejects later Enqueue calls with [ErrSchedulerClosed]. Safe to call more
// than once.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.Interrupt()
}

// Active returns the number of buffers scheduled or playing.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// NextStart returns the scheduling cursor: the time at which a buffer
// enqueued now would start if the clock has not passed it.
func (s *Scheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}
