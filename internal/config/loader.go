package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"github.com/dewayanto/livetutor/internal/conversation"
	"gopkg.in/yaml.v3"
)

// ValidNames lists known factory names per registry kind.
// Used by [Validate] to warn about unrecognised names.
var ValidNames = map[string][]string{
	"provider": {"gemini-live", "genai"},
	"device":   {"ffmpeg"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
// Fields that are already set are left untouched.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = DefaultProvider
	}
	if cfg.Audio.Capture.Device == "" {
		cfg.Audio.Capture.Device = DefaultDevice
	}
	if cfg.Audio.Playback.Output == "" {
		cfg.Audio.Playback.Output = OutputFFplay
	}
	if cfg.Audio.Playback.Tick == 0 {
		cfg.Audio.Playback.Tick = DefaultPlaybackTick
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Provider
	warnUnknownName("provider", cfg.Provider.Name)
	if cfg.Provider.BaseURL != "" {
		if u, err := url.Parse(cfg.Provider.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("provider.base_url %q is not an absolute URL", cfg.Provider.BaseURL))
		}
	}
	if cfg.Provider.APIKey != "" {
		slog.Warn("provider.api_key is set in the config file; prefer api_key_env or GEMINI_API_KEY")
	}

	// Capture
	c := cfg.Audio.Capture
	warnUnknownName("device", c.Device)
	if c.SampleRate != 0 && (c.SampleRate < 8000 || c.SampleRate > 192000) {
		errs = append(errs, fmt.Errorf("audio.capture.sample_rate %d is out of range [8000, 192000]", c.SampleRate))
	}
	if c.Channels < 0 || c.Channels > 8 {
		errs = append(errs, fmt.Errorf("audio.capture.channels %d is out of range [0, 8]", c.Channels))
	}
	if c.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("audio.capture.frame_size %d must not be negative", c.FrameSize))
	}

	// Playback
	p := cfg.Audio.Playback
	if p.Output != "" && !p.Output.IsValid() {
		errs = append(errs, fmt.Errorf("audio.playback.output %q is invalid; valid values: ffplay, discard", p.Output))
	}
	if p.Tick < 0 || p.Tick > time.Second {
		errs = append(errs, fmt.Errorf("audio.playback.tick %s is out of range [0s, 1s]", p.Tick))
	}

	// Tutor
	for level := range cfg.Tutor.Prompts {
		if !slices.Contains(conversation.Levels(), level) {
			errs = append(errs, fmt.Errorf("tutor.prompts: %w: %q; valid values: beginner, intermediate, advanced", conversation.ErrUnknownLevel, level))
		}
	}

	return errors.Join(errs...)
}

// warnUnknownName logs a warning if name is non-empty and not found in
// the [ValidNames] list for the given kind.
func warnUnknownName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown factory name, may be a typo or an out-of-tree registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
