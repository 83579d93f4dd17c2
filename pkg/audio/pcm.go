package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrMalformedPCM is returned when a byte buffer cannot be interpreted as
// 16-bit PCM in the requested format.
var ErrMalformedPCM = errors.New("audio: malformed pcm")

// pcmScale maps a float sample in [-1, 1] onto the int16 range.
const pcmScale = 32768

// EncodePCM16 quantizes samples to 16-bit signed little-endian PCM using
// round(s * 32768). Values outside [-1, 1) are not clamped: the integer wraps
// around in two's complement, so 1.0 encodes as -32768.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int16(int64(math.Round(float64(s) * pcmScale)))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// EncodePCM16Clamped is like [EncodePCM16] but saturates at the int16 bounds
// instead of wrapping.
func EncodePCM16Clamped(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := math.Round(float64(s) * pcmScale)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// DecodePCM16 converts little-endian int16 PCM to floats in [-1, 1).
// A trailing odd byte is ignored.
func DecodePCM16(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := range n {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(v) / pcmScale
	}
	return out
}

// EncodeBase64 encodes b with the standard base64 alphabet used by the live
// session wire protocol.
func EncodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBase64 reverses [EncodeBase64].
func DecodeBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("audio: decode base64: %w", err)
	}
	return b, nil
}

// DownmixToMono averages interleaved multi-channel samples into one channel.
// Mono input is returned unchanged.
func DownmixToMono(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += interleaved[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Buffer is decoded, playable audio stored planar: one float slice per
// channel, all of equal length.
type Buffer struct {
	sampleRate int
	channels   [][]float32
}

// NewBuffer reinterprets interleaved 16-bit PCM as a playable buffer with the
// given sample rate and channel count. No resampling is performed.
func NewBuffer(pcm []byte, sampleRate, channels int) (*Buffer, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("%w: invalid format %dHz/%dch", ErrMalformedPCM, sampleRate, channels)
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedPCM)
	}
	if len(pcm)%(2*channels) != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of %d-channel frames", ErrMalformedPCM, len(pcm), channels)
	}

	samples := DecodePCM16(pcm)
	frames := len(samples) / channels
	planar := make([][]float32, channels)
	for c := range channels {
		planar[c] = make([]float32, frames)
		for i := range frames {
			planar[c][i] = samples[i*channels+c]
		}
	}
	return &Buffer{sampleRate: sampleRate, channels: planar}, nil
}

// SampleRate returns the buffer's sample rate in Hz.
func (b *Buffer) SampleRate() int { return b.sampleRate }

// NumChannels returns the number of planar channels.
func (b *Buffer) NumChannels() int { return len(b.channels) }

// Frames returns the number of samples per channel.
func (b *Buffer) Frames() int {
	if len(b.channels) == 0 {
		return 0
	}
	return len(b.channels[0])
}

// Channel returns the samples of channel i. The slice must not be modified.
func (b *Buffer) Channel(i int) []float32 { return b.channels[i] }

// Duration returns the playback length of the buffer.
func (b *Buffer) Duration() time.Duration {
	return FramesToDuration(b.Frames(), b.sampleRate)
}

// FramesToDuration converts a frame count at sampleRate to a duration.
func FramesToDuration(frames, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(frames) * int64(time.Second) / int64(sampleRate))
}

// DurationToFrames converts d to a whole number of frames at sampleRate,
// rounding down.
func DurationToFrames(d time.Duration, sampleRate int) int {
	if d <= 0 || sampleRate <= 0 {
		return 0
	}
	return int(int64(d) * int64(sampleRate) / int64(time.Second))
}
