// Package web is the HTTP surface of the tutor: JSON commands, a WebSocket
// stream of conversation snapshots, health probes and the Prometheus
// scrape endpoint.
//
// Routes:
//
//	GET  /api/state   current snapshot and session metadata
//	GET  /api/levels  selectable proficiency levels
//	POST /api/level   {"level": "beginner"} selects a level
//	POST /api/start   opens a practice session
//	POST /api/stop    ends the practice session
//	GET  /api/events  WebSocket; one JSON snapshot per state change
//	GET  /healthz, /readyz, /metrics
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dewayanto/livetutor/internal/app"
	"github.com/dewayanto/livetutor/internal/conversation"
	"github.com/dewayanto/livetutor/internal/health"
	"github.com/dewayanto/livetutor/internal/observe"
)

// writeTimeout bounds a single snapshot write on the events socket.
const writeTimeout = 5 * time.Second

// maxBodyBytes caps JSON command bodies.
const maxBodyBytes = 4 << 10

// Tutor is the application the server drives. *app.App implements it.
type Tutor interface {
	SelectLevel(ctx context.Context, level conversation.Level) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Snapshot() conversation.Snapshot
	Subscribe() (<-chan conversation.Snapshot, func())
	Levels() []conversation.Level
	Session() app.SessionInfo
}

var _ Tutor = (*app.App)(nil)

// Server routes HTTP requests to a [Tutor].
type Server struct {
	tutor          Tutor
	health         *health.Handler
	metricsHandler http.Handler
	metrics        *observe.Metrics
	originPatterns []string
}

// Option is a functional option for [New].
type Option func(*Server)

// WithHealth serves /healthz and /readyz from h. Without it only /healthz is
// served and it always reports ok.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler replaces the default promhttp handler on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithMetrics sets the instruments used by the request middleware.
// Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithOriginPatterns allows cross-origin WebSocket clients whose Origin host
// matches one of patterns (see websocket.AcceptOptions).
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.originPatterns = append(s.originPatterns, patterns...) }
}

// New creates a Server for t.
func New(t Tutor, opts ...Option) *Server {
	s := &Server{tutor: t}
	for _, o := range opts {
		o(s)
	}
	if s.health == nil {
		s.health = health.New()
	}
	if s.metricsHandler == nil {
		s.metricsHandler = promhttp.Handler()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /api/levels", s.handleLevels)
	mux.HandleFunc("POST /api/level", s.handleSelectLevel)
	mux.HandleFunc("POST /api/start", s.handleStart)
	mux.HandleFunc("POST /api/stop", s.handleStop)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	s.health.Register(mux)
	mux.Handle("GET /metrics", s.metricsHandler)
	return observe.Middleware(s.metrics)(mux)
}

// ── Responses ────────────────────────────────────────────────────────────────

type stateResponse struct {
	conversation.Snapshot
	Session app.SessionInfo `json:"session"`
}

type levelsResponse struct {
	Levels []conversation.Level `json:"levels"`
}

type levelRequest struct {
	Level string `json:"level"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) state() stateResponse {
	return stateResponse{Snapshot: s.tutor.Snapshot(), Session: s.tutor.Session()}
}

// ── Handlers ─────────────────────────────────────────────────────────────────

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.state())
}

func (s *Server) handleLevels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, levelsResponse{Levels: s.tutor.Levels()})
}

func (s *Server) handleSelectLevel(w http.ResponseWriter, r *http.Request) {
	var req levelRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body: " + err.Error()})
		return
	}
	level, err := conversation.ParseLevel(req.Level)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := s.tutor.SelectLevel(r.Context(), level); err != nil {
		observe.Logger(r.Context()).Error("select level failed", "level", level, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.state())
}

// handleStart blocks until the session is open or has failed. The session
// outlives the request, so the request's cancellation is not propagated.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	if err := s.tutor.Start(ctx); err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, app.ErrNoLevel) {
			status = http.StatusConflict
		}
		observe.Logger(r.Context()).Warn("start failed", "err", err)
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.state())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.tutor.Stop(r.Context()); err != nil {
		observe.Logger(r.Context()).Warn("stop failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.state())
}

// handleEvents streams snapshots until the client goes away. Slow clients
// skip intermediate snapshots and always receive the latest one.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		log.Warn("events: websocket accept failed", "err", err)
		return
	}
	defer c.CloseNow()

	// Discards client frames and cancels ctx when the client closes.
	ctx := c.CloseRead(r.Context())

	snaps, cancel := s.tutor.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				c.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c, snap)
			wcancel()
			if err != nil {
				log.Debug("events: client write failed", "err", err)
				return
			}
		}
	}
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
