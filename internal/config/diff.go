package config

import (
	"maps"
	"slices"

	"github.com/dewayanto/livetutor/internal/conversation"
)

// ConfigDiff describes what changed between two configs.
// Tutor content and the log level apply to the next session without a
// restart; everything listed in RestartRequired does not.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	GreetingChanged   bool
	BasePromptChanged bool

	// PromptsChanged lists levels whose override was added, edited or removed.
	PromptsChanged []conversation.Level

	// RestartRequired names sections that changed but are only read at startup.
	RestartRequired []string
}

// TutorChanged reports whether any hot-reloadable tutor content changed.
func (d ConfigDiff) TutorChanged() bool {
	return d.GreetingChanged || d.BasePromptChanged || len(d.PromptsChanged) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.GreetingChanged = old.Tutor.Greeting != new.Tutor.Greeting
	d.BasePromptChanged = old.Tutor.BasePrompt != new.Tutor.BasePrompt

	for _, level := range conversation.Levels() {
		if old.Tutor.Prompts[level] != new.Tutor.Prompts[level] {
			d.PromptsChanged = append(d.PromptsChanged, level)
		}
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !tlsEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Provider != new.Provider {
		d.RestartRequired = append(d.RestartRequired, "provider")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}

	return d
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// PromptOverrides returns a copy of the configured per-level prompts.
func (t TutorConfig) PromptOverrides() map[conversation.Level]string {
	return maps.Clone(t.Prompts)
}

// OverriddenLevels returns the levels with a prompt override, in level order.
func (t TutorConfig) OverriddenLevels() []conversation.Level {
	return slices.DeleteFunc(slices.Clone(conversation.Levels()), func(l conversation.Level) bool {
		return t.Prompts[l] == ""
	})
}
