// Package conversation holds the tutor's transcript and agent status.
//
// State is the single serialized update path for everything the UI renders:
// the ordered transcript, the coarse agent status and the last error string.
// Session events (open, partial transcriptions, audio, turn markers, errors)
// are applied through its methods; readers take a [Snapshot] or subscribe to
// change notifications.
//
// Partial transcriptions coalesce: consecutive fragments from one speaker
// extend that speaker's open message until a turn-complete marker or a
// speaker switch closes it.
package conversation

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// ErrUnknownLevel is returned by [ParseLevel] for unrecognised names.
var ErrUnknownLevel = errors.New("conversation: unknown level")

// ── Types ─────────────────────────────────────────────────────────────────────

// Speaker identifies who produced a transcript message.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// Message is one coalesced transcript entry.
type Message struct {
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
}

// Status is the coarse agent status shown to the learner.
type Status string

const (
	StatusAwaitingLevel Status = "awaiting-level-selection"
	StatusIdle          Status = "idle"
	StatusConnecting    Status = "connecting"
	StatusListening     Status = "listening"
	StatusSpeaking      Status = "speaking"
	StatusError         Status = "error"
)

// Level is a learner proficiency level.
type Level string

const (
	LevelBeginner     Level = "beginner"
	LevelIntermediate Level = "intermediate"
	LevelAdvanced     Level = "advanced"
)

// Levels returns every proficiency level in ascending order.
func Levels() []Level {
	return []Level{LevelBeginner, LevelIntermediate, LevelAdvanced}
}

// ParseLevel resolves a level name case-insensitively.
func ParseLevel(s string) (Level, error) {
	s = strings.TrimSpace(s)
	for _, l := range Levels() {
		if strings.EqualFold(s, string(l)) {
			return l, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownLevel, s)
}

// Snapshot is an immutable copy of the conversation state.
type Snapshot struct {
	Level      Level     `json:"level,omitempty"`
	Status     Status    `json:"status"`
	Transcript []Message `json:"transcript"`
	Error      string    `json:"error,omitempty"`
}

// ── State ─────────────────────────────────────────────────────────────────────

const noMessage = -1

// State is the mutex-guarded transcript/status machine. The zero value is not
// usable; create one with [New]. All methods are safe for concurrent use.
type State struct {
	mu         sync.Mutex
	level      Level
	status     Status
	transcript []Message
	errMsg     string

	// Index of each speaker's open message, or noMessage.
	openUser  int
	openAgent int

	subs    map[int]chan Snapshot
	nextSub int
}

// New returns a State awaiting level selection with an empty transcript.
func New() *State {
	return &State{
		status:    StatusAwaitingLevel,
		openUser:  noMessage,
		openAgent: noMessage,
		subs:      make(map[int]chan Snapshot),
	}
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *State) snapshotLocked() Snapshot {
	return Snapshot{
		Level:      s.level,
		Status:     s.status,
		Transcript: slices.Clone(s.transcript),
		Error:      s.errMsg,
	}
}

// Subscribe returns a channel that receives the latest snapshot after every
// change. Slow readers only ever see the most recent value. Call cancel to
// unsubscribe; the channel is closed afterwards.
func (s *State) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan Snapshot, 1)
	ch <- s.snapshotLocked()
	s.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

// publishLocked replaces any undelivered snapshot with the current one.
// Must be called with s.mu held; s.mu makes this the only sender.
func (s *State) publishLocked() {
	if len(s.subs) == 0 {
		return
	}
	snap := s.snapshotLocked()
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

// update runs fn under the lock and notifies subscribers.
func (s *State) update(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
	s.publishLocked()
}

// ── User commands ─────────────────────────────────────────────────────────────

// SelectLevel starts a fresh practice session at level: the transcript is
// replaced by the greeting (if any), the error is cleared and status is idle.
func (s *State) SelectLevel(level Level, greeting string) {
	s.update(func() {
		s.level = level
		s.transcript = s.transcript[:0:0]
		if greeting != "" {
			s.transcript = append(s.transcript, Message{Speaker: SpeakerAgent, Text: greeting})
		}
		s.errMsg = ""
		s.status = StatusIdle
		s.closeTurnLocked()
	})
}

// Connecting records a user-initiated start. It clears any previous error.
func (s *State) Connecting() {
	s.update(func() {
		s.errMsg = ""
		s.status = StatusConnecting
		s.closeTurnLocked()
	})
}

// Stopped records a user-initiated stop. Status returns to idle and the
// error is cleared. Before a level is selected the status is left alone.
func (s *State) Stopped() {
	s.update(func() {
		s.errMsg = ""
		if s.level != "" {
			s.status = StatusIdle
		}
		s.closeTurnLocked()
	})
}

// ── Session events ────────────────────────────────────────────────────────────

// Opened records that the transport is ready and capture is running.
func (s *State) Opened() {
	s.update(func() {
		s.setLocked(StatusListening)
	})
}

// InputText appends a partial transcription of the learner's speech.
func (s *State) InputText(text string) {
	s.update(func() {
		s.appendLocked(SpeakerUser, text)
	})
}

// OutputText appends a partial transcription of the agent's speech and marks
// the agent as speaking.
func (s *State) OutputText(text string) {
	s.update(func() {
		s.appendLocked(SpeakerAgent, text)
		s.setLocked(StatusSpeaking)
	})
}

// AudioArrived marks the agent as speaking.
func (s *State) AudioArrived() {
	s.update(func() {
		s.setLocked(StatusSpeaking)
	})
}

// TurnComplete closes both open messages so the next fragment from either
// speaker starts a new one. When no playback is pending the agent is done
// speaking and status moves to listening.
func (s *State) TurnComplete(playbackActive bool) {
	s.update(func() {
		s.closeTurnLocked()
		if !playbackActive && s.status == StatusSpeaking {
			s.status = StatusListening
		}
	})
}

// Interrupted records a barge-in: the agent stops and listens.
func (s *State) Interrupted() {
	s.update(func() {
		s.setLocked(StatusListening)
	})
}

// PlaybackDrained records that every scheduled buffer finished playing.
func (s *State) PlaybackDrained() {
	s.update(func() {
		if s.status == StatusSpeaking {
			s.status = StatusListening
		}
	})
}

// Fail records msg as the visible error and moves status to error. The
// error stays until the next user command.
func (s *State) Fail(msg string) {
	s.update(func() {
		s.errMsg = msg
		s.status = StatusError
	})
}

// Closed records that the transport ended on its own. An error status is
// kept; anything else returns to idle.
func (s *State) Closed() {
	s.update(func() {
		s.closeTurnLocked()
		s.setLocked(StatusIdle)
	})
}

// ── Internals ─────────────────────────────────────────────────────────────────

// setLocked moves to status unless an error is showing.
func (s *State) setLocked(status Status) {
	if s.status == StatusError {
		return
	}
	s.status = status
}

func (s *State) closeTurnLocked() {
	s.openUser = noMessage
	s.openAgent = noMessage
}

// appendLocked extends speaker's open message when it is still the last
// entry, otherwise starts a new one. The other speaker's message is closed.
func (s *State) appendLocked(speaker Speaker, text string) {
	open, other := &s.openUser, &s.openAgent
	if speaker == SpeakerAgent {
		open, other = &s.openAgent, &s.openUser
	}
	*other = noMessage

	if text == "" {
		return
	}
	if *open != noMessage && *open == len(s.transcript)-1 {
		s.transcript[*open].Text += text
		return
	}
	s.transcript = append(s.transcript, Message{Speaker: speaker, Text: text})
	*open = len(s.transcript) - 1
}
