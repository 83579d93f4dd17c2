// Package capture turns a microphone stream into fixed-size PCM frames.
//
// A [Device] hands out a raw [Stream] of interleaved float samples at whatever
// rate and channel count the hardware delivers. [Pipeline] downmixes that
// stream to mono, resamples it to [audio.CaptureFormat] and cuts it into
// frames of [audio.CaptureFrameSamples] samples which are delivered to a
// callback for as long as the pipeline runs.
//
// Only one run is active per Pipeline. Starting again stops the previous run
// first, and Stop guarantees that no frame is delivered after it returns.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	resampling "github.com/tphakala/go-audio-resampling"

	"github.com/dewayanto/livetutor/pkg/audio"
)

// ErrMicrophoneAccess is returned when the microphone cannot be acquired,
// either because permission was denied or because the device failed.
var ErrMicrophoneAccess = errors.New("capture: microphone access failed")

// defaultReadFrames is the number of device frames requested per Read.
const defaultReadFrames = 1024

// Device opens microphone streams.
type Device interface {
	// Open acquires the microphone. It blocks until access has been granted
	// or refused; ctx bounds that wait. Failures should wrap
	// [ErrMicrophoneAccess].
	Open(ctx context.Context) (Stream, error)
}

// Stream is an open microphone.
type Stream interface {
	// Format reports the native format of the samples returned by Read.
	Format() audio.Format

	// Read fills p with interleaved samples and returns the number written.
	// It returns whole frames only (a multiple of the channel count). Read
	// blocks until data is available and must return an error once Close has
	// been called.
	Read(p []float32) (int, error)

	// Close releases the device. It is safe to call more than once.
	Close() error
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithFrameSize overrides the number of mono samples per emitted frame.
// Primarily used in tests.
func WithFrameSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.frameSize = n
		}
	}
}

// WithOnError registers a hook invoked when a running stream fails on its
// own (device unplugged, capture process died). It is not called for errors
// caused by Stop.
func WithOnError(fn func(error)) Option {
	return func(p *Pipeline) { p.onError = fn }
}

// Pipeline reads from a [Device] and emits fixed-size mono frames.
// It is safe for concurrent use.
type Pipeline struct {
	device     Device
	frameSize  int
	readFrames int
	onError    func(error)

	mu  sync.Mutex
	run *run
}

// run is one Start..Stop span of a Pipeline.
type run struct {
	stream   Stream
	done     chan struct{}
	stopping atomic.Bool
}

// New creates a Pipeline capturing from device.
func New(device Device, opts ...Option) *Pipeline {
	p := &Pipeline{
		device:     device,
		frameSize:  audio.CaptureFrameSamples,
		readFrames: defaultReadFrames,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start acquires the microphone and begins delivering frames to onFrame on a
// dedicated goroutine. Any run already in progress is stopped first.
//
// onFrame must not call Stop or Start on the same Pipeline.
func (p *Pipeline) Start(ctx context.Context, onFrame func(audio.AudioFrame)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopLocked()

	stream, err := p.device.Open(ctx)
	if err != nil {
		if errors.Is(err, ErrMicrophoneAccess) {
			return fmt.Errorf("capture: open device: %w", err)
		}
		return fmt.Errorf("capture: open device: %w: %w", ErrMicrophoneAccess, err)
	}

	src := stream.Format()
	if !src.Valid() {
		_ = stream.Close()
		return fmt.Errorf("capture: %w: device reported invalid format %+v", ErrMicrophoneAccess, src)
	}

	var rs resampling.Resampler
	if src.SampleRate != audio.CaptureFormat.SampleRate {
		rs, err = resampling.New(&resampling.Config{
			InputRate:  float64(src.SampleRate),
			OutputRate: float64(audio.CaptureFormat.SampleRate),
			Channels:   1,
			Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
		})
		if err != nil {
			_ = stream.Close()
			return fmt.Errorf("capture: create resampler: %w", err)
		}
	}

	r := &run{stream: stream, done: make(chan struct{})}
	p.run = r

	slog.Debug("capture started", "device_format", src.String(), "frame_size", p.frameSize)

	go p.loop(r, src, rs, onFrame)
	return nil
}

// Stop ends the current run, releases the device and waits until the reader
// goroutine has exited. Calling Stop without an active run is a no-op.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopLocked()
}

// Active reports whether a run is currently delivering frames.
func (p *Pipeline) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.run == nil {
		return false
	}
	select {
	case <-p.run.done:
		return false
	default:
		return true
	}
}

func (p *Pipeline) stopLocked() error {
	r := p.run
	if r == nil {
		return nil
	}
	p.run = nil

	r.stopping.Store(true)
	err := r.stream.Close()
	<-r.done

	slog.Debug("capture stopped")
	if err != nil {
		return fmt.Errorf("capture: close stream: %w", err)
	}
	return nil
}

// loop reads from the stream until it fails or is closed. It owns r.done.
func (p *Pipeline) loop(r *run, src audio.Format, rs resampling.Resampler, onFrame func(audio.AudioFrame)) {
	defer close(r.done)

	buf := make([]float32, p.readFrames*src.Channels)
	fr := framer{size: p.frameSize}

	emit := func(samples []float32) {
		if r.stopping.Load() {
			return
		}
		onFrame(audio.AudioFrame{
			Samples: samples,
			Format:  audio.CaptureFormat,
			Seq:     fr.seq,
		})
		fr.seq++
	}

	for {
		n, err := r.stream.Read(buf)
		if n > 0 && !r.stopping.Load() {
			mono := audio.DownmixToMono(buf[:n-n%src.Channels], src.Channels)
			if rs != nil {
				var rerr error
				mono, rerr = resample(rs, mono)
				if rerr != nil {
					p.fail(r, fmt.Errorf("capture: resample: %w", rerr))
					return
				}
			}
			fr.push(mono, emit)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				// A live microphone has no natural end.
				err = io.ErrUnexpectedEOF
			}
			p.fail(r, fmt.Errorf("capture: read: %w", err))
			return
		}
	}
}

// fail reports err through the onError hook unless the run is stopping.
func (p *Pipeline) fail(r *run, err error) {
	if r.stopping.Load() {
		return
	}
	slog.Warn("capture stream failed", "err", err)
	if p.onError != nil {
		p.onError(err)
	}
}

func resample(rs resampling.Resampler, in []float32) ([]float32, error) {
	in64 := make([]float64, len(in))
	for i, s := range in {
		in64[i] = float64(s)
	}
	out64, err := rs.Process(in64)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(out64))
	for i, s := range out64 {
		out[i] = float32(s)
	}
	return out, nil
}

// framer accumulates samples and cuts them into fixed-size frames.
type framer struct {
	size    int
	pending []float32
	seq     uint64
}

func (f *framer) push(samples []float32, emit func([]float32)) {
	f.pending = append(f.pending, samples...)
	for len(f.pending) >= f.size {
		frame := make([]float32, f.size)
		copy(frame, f.pending[:f.size])
		f.pending = f.pending[f.size:]
		emit(frame)
	}
	if len(f.pending) == 0 {
		f.pending = nil
	}
}
