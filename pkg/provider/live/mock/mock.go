// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and hand out scripted sessions. Use
// Session to drive server events (open, messages, errors, close) from the
// test and to inspect what the client sent.
//
// Example:
//
//	p := &mock.Provider{AutoOpen: true}
//	sess, _ := p.Connect(ctx, cfg, callbacks)
//	p.LastSession().Message(&live.ServerMessage{...})
package mock

import (
	"context"
	"sync"

	"github.com/dewayanto/livetutor/pkg/provider/live"
)

// Compile-time interface assertions.
var (
	_ live.Provider = (*Provider)(nil)
	_ live.Session  = (*Session)(nil)
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Cfg is the SessionConfig passed to Connect.
	Cfg live.SessionConfig
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// AutoOpen fires OnOpen on a new goroutine right after Connect returns.
	AutoOpen bool

	// SendErr is installed on every session created by Connect.
	SendErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// Sessions holds every session created by Connect in order.
	Sessions []*Session

	connected chan struct{}
}

// Connect records the call and returns a new Session bound to cb.
func (p *Provider) Connect(_ context.Context, cfg live.SessionConfig, cb live.Callbacks) (live.Session, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Cfg: cfg})
	if p.ConnectErr != nil {
		err := p.ConnectErr
		p.mu.Unlock()
		return nil, err
	}
	s := &Session{cb: cb, sendErr: p.SendErr}
	p.Sessions = append(p.Sessions, s)
	autoOpen := p.AutoOpen
	p.signalLocked()
	p.mu.Unlock()

	if autoOpen {
		go s.Open()
	}
	return s, nil
}

// LastSession returns the most recently created session, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Sessions) == 0 {
		return nil
	}
	return p.Sessions[len(p.Sessions)-1]
}

// Connected returns a channel that receives a value after each successful
// Connect. Call it before the Connect you want to observe.
func (p *Provider) Connected() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected == nil {
		p.connected = make(chan struct{}, 16)
	}
	return p.connected
}

func (p *Provider) signalLocked() {
	if p.connected == nil {
		return
	}
	select {
	case p.connected <- struct{}{}:
	default:
	}
}

// CallCount returns the number of Connect calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Session is a scripted live.Session. Event methods invoke the registered
// callbacks synchronously on the caller's goroutine.
type Session struct {
	cb      live.Callbacks
	sendErr error

	// evMu serializes callback delivery like a real receive loop.
	evMu sync.Mutex

	mu         sync.Mutex
	sent       []live.Blob
	closed     bool
	closeCalls int
}

// Open fires OnOpen.
func (s *Session) Open() {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	if s.isClosed() {
		return
	}
	if s.cb.OnOpen != nil {
		s.cb.OnOpen()
	}
}

// Message fires OnMessage with m.
func (s *Session) Message(m *live.ServerMessage) {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	if s.isClosed() {
		return
	}
	if s.cb.OnMessage != nil {
		s.cb.OnMessage(m)
	}
}

// Fail fires OnError with err followed by OnClose, as a transport failure
// would.
func (s *Session) Fail(err error) {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	if s.isClosed() {
		return
	}
	if s.cb.OnError != nil {
		s.cb.OnError(err)
	}
	s.finish()
}

// ServerClose fires OnClose without an error.
func (s *Session) ServerClose() {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	if s.isClosed() {
		return
	}
	s.finish()
}

// finish marks the session closed and fires OnClose. Must be called with
// evMu held.
func (s *Session) finish() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if s.cb.OnClose != nil {
		s.cb.OnClose()
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SendRealtimeInput records b.
func (s *Session) SendRealtimeInput(b live.Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return live.ErrSessionClosed
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, b)
	return nil
}

// Close marks the session closed and fires OnClose once.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCalls++
	s.mu.Unlock()

	s.evMu.Lock()
	defer s.evMu.Unlock()
	if s.isClosed() {
		return nil
	}
	s.finish()
	return nil
}

// Sent returns a copy of every blob sent so far.
func (s *Session) Sent() []live.Blob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]live.Blob(nil), s.sent...)
}

// Closed reports whether the session has ended.
func (s *Session) Closed() bool { return s.isClosed() }

// CloseCalls returns how many times Close was called.
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}
