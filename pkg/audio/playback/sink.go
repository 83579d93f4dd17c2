package playback

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"

	"github.com/dewayanto/livetutor/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ io.WriteCloser = (*FFplaySink)(nil)
	_ io.WriteCloser = DiscardSink{}
)

// DiscardSink drops all audio. Used for headless runs where the clock should
// still advance in real time.
type DiscardSink struct{}

func (DiscardSink) Write(p []byte) (int, error) { return len(p), nil }
func (DiscardSink) Close() error                { return nil }

// FFplaySink pipes s16le PCM into an ffplay process.
type FFplaySink struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu     sync.Mutex
	exited bool
	once   sync.Once
}

// FFplayArgs returns the ffplay command line for raw PCM in format f.
func FFplayArgs(f audio.Format) []string {
	// ffplay takes -ch_layout rather than ffmpeg's -ac.
	layout := "mono"
	if f.Channels == 2 {
		layout = "stereo"
	}
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostats",
		"-nodisp",
		"-f", "s16le",
		"-ch_layout", layout,
		"-ar", strconv.Itoa(f.SampleRate),
		"-i", "-",
	}
}

// NewFFplaySink starts ffplay (path defaults to "ffplay") reading format f
// from stdin.
func NewFFplaySink(path string, f audio.Format) (*FFplaySink, error) {
	if path == "" {
		path = "ffplay"
	}
	if _, err := exec.LookPath(path); err != nil {
		return nil, fmt.Errorf("playback: ffplay not found: %w", err)
	}
	cmd := exec.Command(path, FFplayArgs(f)...)
	if runtime.GOOS == "darwin" && os.Getenv("SDL_AUDIODRIVER") == "" {
		cmd.Env = append(os.Environ(), "SDL_AUDIODRIVER=coreaudio")
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("playback: ffplay stdin: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("playback: start ffplay: %w", err)
	}

	s := &FFplaySink{cmd: cmd, stdin: stdin}
	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		s.exited = true
		s.mu.Unlock()
		if err != nil {
			slog.Warn("ffplay exited", "err", err)
		}
	}()
	slog.Debug("ffplay started", "pid", cmd.Process.Pid, "format", f.String())
	return s, nil
}

// Write implements [io.Writer].
func (s *FFplaySink) Write(p []byte) (int, error) {
	s.mu.Lock()
	exited := s.exited
	s.mu.Unlock()
	if exited {
		return 0, errors.New("playback: ffplay is not running")
	}
	return s.stdin.Write(p)
}

// Close ends the ffplay process.
func (s *FFplaySink) Close() error {
	s.once.Do(func() {
		_ = s.stdin.Close()
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	})
	return nil
}
