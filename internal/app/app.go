// Package app exposes the tutor's user commands on top of the conversation
// state and the live session coordinator.
//
// The App owns level selection, prompt lookup and the lifetime of the single
// practice session. Presentation layers (the HTTP surface in internal/web)
// drive it through SelectLevel, Start and Stop and render the snapshots it
// publishes.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dewayanto/livetutor/internal/conversation"
	"github.com/dewayanto/livetutor/internal/session"
)

// ErrNoLevel is returned by [App.Start] before a level has been selected.
var ErrNoLevel = errors.New("app: no proficiency level selected")

// Compile-time interface assertions.
var (
	_ Coordinator      = (*session.Coordinator)(nil)
	_ session.Listener = (*conversation.State)(nil)
)

// Coordinator runs live sessions. *session.Coordinator is the production
// implementation.
type Coordinator interface {
	Start(ctx context.Context, systemInstruction string) error
	Stop(ctx context.Context) error
	SessionID() string
}

// SessionInfo holds metadata about the most recent session.
type SessionInfo struct {
	// ID is the coordinator's session identifier.
	ID string `json:"id,omitempty"`

	// Level is the proficiency level the session was started with.
	Level conversation.Level `json:"level,omitempty"`

	// StartedAt is when the session opened.
	StartedAt time.Time `json:"started_at,omitzero"`
}

// App is the tutor application. All exported methods are safe for
// concurrent use.
type App struct {
	state *conversation.State
	coord Coordinator

	mu      sync.RWMutex
	prompts Prompts
	info    SessionInfo

	shutdownOnce sync.Once
	shutdownErr  error
}

// Option is a functional option for New.
type Option func(*App)

// WithPrompts replaces the built-in greeting and prompts.
func WithPrompts(p Prompts) Option {
	return func(a *App) { a.prompts = p.clone() }
}

// New creates an App. state must be the Listener the coordinator reports to.
func New(state *conversation.State, coord Coordinator, opts ...Option) *App {
	a := &App{
		state:   state,
		coord:   coord,
		prompts: DefaultPrompts(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// ─── Commands ────────────────────────────────────────────────────────────────

// SelectLevel stops any running session, then resets the transcript to the
// greeting under the new level.
func (a *App) SelectLevel(ctx context.Context, level conversation.Level) error {
	if _, err := conversation.ParseLevel(string(level)); err != nil {
		return fmt.Errorf("app: select level: %w", err)
	}
	if err := a.coord.Stop(ctx); err != nil {
		slog.Warn("app: stopping session before level change", "err", err)
	}

	a.mu.RLock()
	greeting := a.prompts.Greeting
	a.mu.RUnlock()

	a.state.SelectLevel(level, greeting)
	slog.Info("level selected", "level", level)
	return nil
}

// Start opens a practice session for the selected level. It returns
// [ErrNoLevel] when no level has been chosen. Failures are also reported to
// the conversation state by the coordinator.
func (a *App) Start(ctx context.Context) error {
	level := a.state.Snapshot().Level
	if level == "" {
		return ErrNoLevel
	}

	a.mu.RLock()
	instruction, err := a.prompts.Instruction(level)
	a.mu.RUnlock()
	if err != nil {
		return err
	}

	a.state.Connecting()
	if err := a.coord.Start(ctx, instruction); err != nil {
		if errors.Is(err, session.ErrStopped) {
			return nil
		}
		return fmt.Errorf("app: start: %w", err)
	}

	a.mu.Lock()
	a.info = SessionInfo{ID: a.coord.SessionID(), Level: level, StartedAt: time.Now()}
	a.mu.Unlock()
	return nil
}

// Stop ends the running session and returns the status to idle. Stopping
// when no session is running is a no-op apart from the status reset.
func (a *App) Stop(ctx context.Context) error {
	err := a.coord.Stop(ctx)
	a.state.Stopped()
	if err != nil {
		return fmt.Errorf("app: stop: %w", err)
	}
	return nil
}

// ─── Queries ─────────────────────────────────────────────────────────────────

// Snapshot returns the current transcript, status, level and error.
func (a *App) Snapshot() conversation.Snapshot {
	return a.state.Snapshot()
}

// Subscribe returns a channel of snapshots; see [conversation.State.Subscribe].
func (a *App) Subscribe() (<-chan conversation.Snapshot, func()) {
	return a.state.Subscribe()
}

// Levels returns the selectable proficiency levels.
func (a *App) Levels() []conversation.Level {
	return conversation.Levels()
}

// Session returns metadata about the most recently started session.
func (a *App) Session() SessionInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.info
}

// Prompts returns a copy of the active prompts.
func (a *App) Prompts() Prompts {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.prompts.clone()
}

// UpdatePrompts replaces the prompts. The running session keeps its
// instruction; the next Start uses the new one.
func (a *App) UpdatePrompts(p Prompts) {
	a.mu.Lock()
	a.prompts = p.clone()
	a.mu.Unlock()
	slog.Info("tutor prompts updated")
}

// Shutdown stops the running session. Safe to call more than once; later
// calls return the first result.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		if err := a.coord.Stop(ctx); err != nil {
			a.shutdownErr = fmt.Errorf("app: shutdown: %w", err)
		}
		a.state.Stopped()
	})
	return a.shutdownErr
}
