package capture

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/dewayanto/livetutor/pkg/audio"
)

// Compile-time assertion that FFmpegDevice satisfies Device.
var _ Device = (*FFmpegDevice)(nil)

// FFmpegDevice captures the system microphone by running ffmpeg and reading
// raw s16le samples from its stdout.
type FFmpegDevice struct {
	// Path is the ffmpeg binary. Defaults to "ffmpeg" resolved via PATH.
	Path string

	// InputFormat is the ffmpeg demuxer (-f). Defaults to "pulse" on Linux
	// and "avfoundation" on macOS.
	InputFormat string

	// Input is the device name (-i). Defaults to "default" on Linux and ":0"
	// on macOS.
	Input string

	// SampleRate requested from ffmpeg. Defaults to 16000.
	SampleRate int

	// Channels requested from ffmpeg. Defaults to 1.
	Channels int
}

// Args returns the ffmpeg command line used to open the microphone.
func (d *FFmpegDevice) Args() ([]string, error) {
	inputFormat, input := d.InputFormat, d.Input
	if inputFormat == "" {
		switch runtime.GOOS {
		case "linux":
			inputFormat = "pulse"
		case "darwin":
			inputFormat = "avfoundation"
		default:
			return nil, fmt.Errorf("capture: no default ffmpeg input for %s; set audio.capture.input_format", runtime.GOOS)
		}
	}
	if input == "" {
		if inputFormat == "avfoundation" {
			input = ":0"
		} else {
			input = "default"
		}
	}
	f := d.format()
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", inputFormat, "-i", input,
		"-ac", strconv.Itoa(f.Channels), "-ar", strconv.Itoa(f.SampleRate),
		"-f", "s16le", "-",
	}, nil
}

func (d *FFmpegDevice) format() audio.Format {
	f := audio.Format{SampleRate: d.SampleRate, Channels: d.Channels}
	if f.SampleRate <= 0 {
		f.SampleRate = audio.CaptureFormat.SampleRate
	}
	if f.Channels <= 0 {
		f.Channels = 1
	}
	return f
}

// Open starts ffmpeg and waits until the first samples arrive, which is when
// the operating system has granted microphone access. If ffmpeg exits first,
// its stderr is reported as a microphone access failure.
func (d *FFmpegDevice) Open(ctx context.Context) (Stream, error) {
	path := d.Path
	if path == "" {
		path = "ffmpeg"
	}
	if _, err := exec.LookPath(path); err != nil {
		return nil, fmt.Errorf("%w: ffmpeg is required for microphone capture: %w", ErrMicrophoneAccess, err)
	}
	args, err := d.Args()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMicrophoneAccess, err)
	}

	// The process outlives ctx, which only bounds the permission wait.
	cmd := exec.Command(path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: open ffmpeg stdout: %w", ErrMicrophoneAccess, err)
	}
	stderr := &tailBuffer{limit: 2048}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start ffmpeg: %w", ErrMicrophoneAccess, err)
	}

	s := &ffmpegStream{
		cmd:    cmd,
		r:      bufio.NewReaderSize(stdout, 16*1024),
		format: d.format(),
	}

	ready := make(chan error, 1)
	go func() {
		_, err := s.r.Peek(2)
		ready <- err
	}()

	select {
	case err := <-ready:
		if err != nil {
			_ = s.Close()
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = err.Error()
			}
			return nil, fmt.Errorf("%w: ffmpeg: %s", ErrMicrophoneAccess, msg)
		}
	case <-ctx.Done():
		_ = s.Close()
		return nil, fmt.Errorf("%w: %w", ErrMicrophoneAccess, ctx.Err())
	}
	return s, nil
}

type ffmpegStream struct {
	cmd    *exec.Cmd
	r      *bufio.Reader
	format audio.Format
	raw    []byte

	closeOnce sync.Once
}

func (s *ffmpegStream) Format() audio.Format { return s.format }

func (s *ffmpegStream) Read(p []float32) (int, error) {
	frames := len(p) / s.format.Channels
	if frames == 0 {
		return 0, io.ErrShortBuffer
	}
	want := frames * s.format.Channels * 2
	if cap(s.raw) < want {
		s.raw = make([]byte, want)
	}
	raw := s.raw[:want]

	n, err := io.ReadFull(s.r, raw)
	n -= n % (s.format.Channels * 2)
	for i := 0; i < n/2; i++ {
		p[i] = float32(int16(binary.LittleEndian.Uint16(raw[i*2:]))) / 32768
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	return n / 2, err
}

func (s *ffmpegStream) Close() error {
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
			_ = s.cmd.Wait()
		}
	})
	return nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
