package playback

import (
	"container/heap"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/dewayanto/livetutor/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ Context = (*StreamContext)(nil)
	_ Source  = (*streamSource)(nil)
)

// DefaultTick is the amount of audio rendered per step by [StreamContext.Run].
const DefaultTick = 20 * time.Millisecond

// StreamOption configures a [StreamContext].
type StreamOption func(*StreamContext)

// WithTick sets how often [StreamContext.Run] renders.
func WithTick(d time.Duration) StreamOption {
	return func(c *StreamContext) {
		if d > 0 {
			c.tick = d
		}
	}
}

// StreamContext is a software output clock. Its time is the number of frames
// rendered so far; each render step mixes every source overlapping the
// window and writes clamped s16le PCM to the sink.
//
// All methods are safe for concurrent use.
type StreamContext struct {
	sink   io.Writer
	format audio.Format
	tick   time.Duration

	renderMu sync.Mutex // serializes Render so sink writes stay in order

	mu       sync.Mutex
	rendered int64 // frames
	pending  sourceHeap
	playing  []*streamSource
	seq      uint64
	closed   bool
}

// NewStreamContext creates a StreamContext writing format-shaped PCM to sink.
func NewStreamContext(sink io.Writer, format audio.Format, opts ...StreamOption) *StreamContext {
	c := &StreamContext{
		sink:   sink,
		format: format,
		tick:   DefaultTick,
	}
	for _, o := range opts {
		o(c)
	}
	heap.Init(&c.pending)
	return c
}

// CurrentTime implements [Context].
func (c *StreamContext) CurrentTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return audio.FramesToDuration(int(c.rendered), c.format.SampleRate)
}

// Start implements [Context]. The buffer's sample rate must match the
// context's output rate.
func (c *StreamContext) Start(buf *audio.Buffer, at time.Duration, onEnded func()) (Source, error) {
	if buf.SampleRate() != c.format.SampleRate {
		return nil, fmt.Errorf("playback: buffer rate %d does not match output rate %d", buf.SampleRate(), c.format.SampleRate)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	start := c.timeToFrame(at)
	if start < c.rendered {
		start = c.rendered
	}
	c.seq++
	s := &streamSource{
		ctx:        c,
		buf:        buf,
		startFrame: start,
		seq:        c.seq,
		onEnded:    onEnded,
	}
	heap.Push(&c.pending, s)
	return s, nil
}

// timeToFrame rounds to the nearest frame so that durations truncated to
// whole nanoseconds still land on the frame where the previous buffer ended.
func (c *StreamContext) timeToFrame(d time.Duration) int64 {
	return int64(math.Round(d.Seconds() * float64(c.format.SampleRate)))
}

// Render mixes the next n frames, advances the clock and writes the result to
// the sink. Completion callbacks of sources that finished inside the window
// are invoked before Render returns.
func (c *StreamContext) Render(n int) error {
	if n <= 0 {
		return nil
	}
	c.renderMu.Lock()
	defer c.renderMu.Unlock()

	c.mu.Lock()
	mix, finished := c.mixLocked(n)
	c.mu.Unlock()

	for _, s := range finished {
		s.fireEnded()
	}
	if _, err := c.sink.Write(audio.EncodePCM16Clamped(mix)); err != nil {
		return fmt.Errorf("playback: write sink: %w", err)
	}
	return nil
}

// mixLocked renders [rendered, rendered+n) and returns the interleaved mix
// and the sources that reached their end. Must be called with c.mu held.
func (c *StreamContext) mixLocked(n int) ([]float32, []*streamSource) {
	channels := c.format.Channels
	out := make([]float32, n*channels)
	t0 := c.rendered
	t1 := t0 + int64(n)

	for c.pending.Len() > 0 && c.pending[0].startFrame < t1 {
		s := heap.Pop(&c.pending).(*streamSource)
		if s.stopped {
			continue
		}
		c.playing = append(c.playing, s)
	}

	var finished []*streamSource
	kept := c.playing[:0]
	for _, s := range c.playing {
		if s.stopped {
			continue
		}
		frames := int64(s.buf.Frames())
		from := max(s.startFrame, t0)
		to := min(s.startFrame+frames, t1)
		for ch := range channels {
			src := s.buf.Channel(ch % s.buf.NumChannels())
			for f := from; f < to; f++ {
				out[int(f-t0)*channels+ch] += src[f-s.startFrame]
			}
		}
		if s.startFrame+frames <= t1 {
			s.stopped = true
			finished = append(finished, s)
			continue
		}
		kept = append(kept, s)
	}
	clear(c.playing[len(kept):])
	c.playing = kept
	c.rendered = t1
	return out, finished
}

// Run renders in real time until ctx is cancelled. The clock follows the
// wall clock: each tick renders however many frames are due since Run began.
func (c *StreamContext) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	began := time.Now()
	c.mu.Lock()
	base := c.rendered
	c.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			due := base + int64(audio.DurationToFrames(time.Since(began), c.format.SampleRate))
			c.mu.Lock()
			n := int(due - c.rendered)
			c.mu.Unlock()
			if err := c.Render(n); err != nil {
				return err
			}
		}
	}
}

// Close stops every source and rejects further Start calls.
func (c *StreamContext) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var all []*streamSource
	for _, s := range c.playing {
		if !s.stopped {
			s.stopped = true
			all = append(all, s)
		}
	}
	for _, s := range c.pending {
		if !s.stopped {
			s.stopped = true
			all = append(all, s)
		}
	}
	c.playing = nil
	c.pending = c.pending[:0]
	c.mu.Unlock()

	for _, s := range all {
		s.fireEnded()
	}
	if len(all) > 0 {
		slog.Debug("playback context closed", "stopped", len(all))
	}
	return nil
}

// streamSource is a buffer started on a StreamContext.
type streamSource struct {
	ctx        *StreamContext
	buf        *audio.Buffer
	startFrame int64
	seq        uint64
	onEnded    func()

	stopped   bool // guarded by ctx.mu
	endedOnce sync.Once
}

// Stop implements [Source]. The source is dropped at the next render step.
func (s *streamSource) Stop() {
	s.ctx.mu.Lock()
	if s.stopped {
		s.ctx.mu.Unlock()
		return
	}
	s.stopped = true
	s.ctx.mu.Unlock()
	s.fireEnded()
}

func (s *streamSource) fireEnded() {
	s.endedOnce.Do(func() {
		if s.onEnded != nil {
			s.onEnded()
		}
	})
}
