// Package audio holds the PCM primitives shared by the capture pipeline, the
// playback scheduler and the live session transport.
//
// Samples travel through the tutor in two shapes: float32 values in [-1, 1]
// while they are being captured, resampled or mixed, and 16-bit signed
// little-endian PCM bytes while they are on the wire. This package converts
// between the two and defines the fixed formats the remote model expects.
package audio

import "fmt"

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

var (
	// CaptureFormat is the format sent to the remote model: 16 kHz mono.
	CaptureFormat = Format{SampleRate: 16000, Channels: 1}

	// PlaybackFormat is the format the remote model answers in: 24 kHz mono.
	PlaybackFormat = Format{SampleRate: 24000, Channels: 1}
)

// CaptureFrameSamples is the fixed number of mono samples per captured frame.
const CaptureFrameSamples = 4096

// Valid reports whether f describes a usable stream.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// String returns a human-readable description, e.g. "16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// MIMEType returns the PCM MIME type advertised for f on the wire,
// e.g. "audio/pcm;rate=16000".
func (f Format) MIMEType() string {
	return fmt.Sprintf("audio/pcm;rate=%d", f.SampleRate)
}

// AudioFrame is one fixed-length block of captured mono samples.
// Frames are produced by the capture pipeline in order; Seq starts at zero
// for every pipeline run and increases by one per frame.
type AudioFrame struct {
	// Samples holds float samples nominally in [-1, 1].
	Samples []float32

	// Format of Samples. Always [CaptureFormat] for frames leaving the
	// capture pipeline.
	Format Format

	// Seq is the arrival position of this frame within its capture run.
	Seq uint64
}
