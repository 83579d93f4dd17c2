// Package config provides the configuration schema, loader, and factory
// registry for the livetutor voice practice server.
package config

import (
	"errors"
	"os"
	"time"

	"github.com/dewayanto/livetutor/internal/conversation"
)

// ErrMissingCredential is returned when no API key can be found in the
// config file or the environment.
var ErrMissingCredential = errors.New("config: missing API credential")

// Environment variables consulted, in order, when provider.api_key is empty.
const (
	EnvGeminiAPIKey = "GEMINI_API_KEY"
	EnvAPIKey       = "API_KEY"
)

// LogLevel controls log verbosity for the livetutor server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Output selects where rendered playback audio goes.
type Output string

const (
	// OutputFFplay pipes audio into an ffplay process.
	OutputFFplay Output = "ffplay"

	// OutputDiscard renders in real time and drops the samples.
	OutputDiscard Output = "discard"
)

// IsValid reports whether o is a recognised playback output.
func (o Output) IsValid() bool {
	return o == OutputFFplay || o == OutputDiscard
}

// Config is the root configuration structure for livetutor.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Audio    AudioConfig    `yaml:"audio"`
	Tutor    TutorConfig    `yaml:"tutor"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP surface listens on (e.g., "127.0.0.1:8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProviderConfig selects and configures the live speech model transport.
// The Name field is used to look up the constructor in the [Registry].
type ProviderConfig struct {
	// Name selects the registered transport ("gemini-live" or "genai").
	Name string `yaml:"name"`

	// APIKey is the model API key. Prefer APIKeyEnv or the environment.
	APIKey string `yaml:"api_key"`

	// APIKeyEnv names an environment variable holding the API key. It is
	// consulted before GEMINI_API_KEY and API_KEY.
	APIKeyEnv string `yaml:"api_key_env"`

	// Model overrides the provider's default live model.
	Model string `yaml:"model"`

	// Voice selects a prebuilt voice (e.g., "Zephyr").
	Voice string `yaml:"voice"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`
}

// Credential returns the API key from the config or the process environment.
func (p ProviderConfig) Credential() (string, error) {
	return p.CredentialFrom(os.Getenv)
}

// CredentialFrom resolves the API key using getenv for environment lookups.
// Order: api_key, the variable named by api_key_env, GEMINI_API_KEY, API_KEY.
// Returns [ErrMissingCredential] when every source is empty.
func (p ProviderConfig) CredentialFrom(getenv func(string) string) (string, error) {
	if p.APIKey != "" {
		return p.APIKey, nil
	}
	names := []string{EnvGeminiAPIKey, EnvAPIKey}
	if p.APIKeyEnv != "" {
		names = append([]string{p.APIKeyEnv}, names...)
	}
	for _, name := range names {
		if v := getenv(name); v != "" {
			return v, nil
		}
	}
	return "", ErrMissingCredential
}

// AudioConfig groups microphone and speaker settings.
type AudioConfig struct {
	Capture  CaptureConfig  `yaml:"capture"`
	Playback PlaybackConfig `yaml:"playback"`
}

// CaptureConfig describes how the microphone is opened.
type CaptureConfig struct {
	// Device selects the registered capture device ("ffmpeg").
	Device string `yaml:"device"`

	// Path is the capture binary. Defaults to "ffmpeg" on PATH.
	Path string `yaml:"path"`

	// InputFormat is the ffmpeg demuxer (e.g., "pulse", "avfoundation", "alsa").
	// Empty selects the platform default.
	InputFormat string `yaml:"input_format"`

	// Input is the device name passed to ffmpeg -i. Empty selects the
	// platform default.
	Input string `yaml:"input"`

	// SampleRate requested from the device. The pipeline resamples to 16 kHz
	// when this differs.
	SampleRate int `yaml:"sample_rate"`

	// Channels requested from the device. Multichannel input is downmixed.
	Channels int `yaml:"channels"`

	// FrameSize is the number of 16 kHz samples per outbound frame.
	FrameSize int `yaml:"frame_size"`

	// Clamp saturates out-of-range samples instead of letting them wrap
	// during 16-bit quantization.
	Clamp bool `yaml:"clamp"`
}

// PlaybackConfig describes the speaker output.
type PlaybackConfig struct {
	// Output selects the registered sink ("ffplay" or "discard").
	Output Output `yaml:"output"`

	// Path is the ffplay binary. Defaults to "ffplay" on PATH.
	Path string `yaml:"path"`

	// Tick is the amount of audio rendered per step.
	Tick time.Duration `yaml:"tick"`
}

// TutorConfig holds the conversational content of the tutor.
type TutorConfig struct {
	// Greeting replaces the agent message shown when a level is selected.
	Greeting string `yaml:"greeting"`

	// BasePrompt replaces the persona prompt shared by every level.
	BasePrompt string `yaml:"base_prompt"`

	// Prompts overrides the level-specific part of the system instruction.
	Prompts map[conversation.Level]string `yaml:"prompts"`
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr   = "127.0.0.1:8080"
	DefaultProvider     = "gemini-live"
	DefaultDevice       = "ffmpeg"
	DefaultPlaybackTick = 20 * time.Millisecond
)
