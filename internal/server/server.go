// Package server exposes the decision engine over HTTP and a WebSocket
// stream for the device.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
	"github.com/danielpatrickdp/emate/decision-core/internal/metrics"
	"github.com/danielpatrickdp/emate/decision-core/internal/persona"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// #region types
// Decider is implemented by *pipeline.Engine.
type Decider interface {
	Decide(ctx context.Context, req contracts.DecisionRequest) (contracts.OutputCommand, error)
	Reject(cause error) contracts.OutputCommand
	SubmitReward(sub contracts.RewardSubmission) (bool, error)
	ActivatePersona(id string, version int) (*persona.Constitution, error)
	Personas() []persona.Summary
}

// Config holds listener settings.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
}

// DefaultConfig returns the listener defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    15 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		MaxBodyBytes:    1 << 20,
	}
}

// ActivateRequest is the body of POST /v1/personas/activate.
type ActivateRequest struct {
	PersonaID string `json:"persona_id"`
	Version   int    `json:"version,omitempty"`
}

// RewardResponse answers POST /v1/reward.
type RewardResponse struct {
	Accepted  bool `json:"accepted"`
	Duplicate bool `json:"duplicate"`
}

type errorBody struct {
	Error   string                   `json:"error"`
	Command *contracts.OutputCommand `json:"command,omitempty"`
}

// #endregion types

// #region server
// Server routes requests to a Decider.
type Server struct {
	cfg      Config
	d        Decider
	m        *metrics.Metrics
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// New builds a server. m and gatherer may be nil; /metrics then serves the
// default gatherer.
func New(cfg Config, d Decider, m *metrics.Metrics, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	return &Server{
		cfg:      cfg,
		d:        d,
		m:        m,
		gatherer: gatherer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.Named("server"),
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/decide", s.instrument("decide", s.handleDecide))
	mux.HandleFunc("POST /v1/reward", s.instrument("reward", s.handleReward))
	mux.HandleFunc("POST /v1/personas/activate", s.instrument("activate", s.handleActivate))
	mux.HandleFunc("GET /v1/personas", s.instrument("personas", s.handlePersonas))
	mux.HandleFunc("GET /v1/stream", s.handleStream)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", s.cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	<-errCh
	return err
}

// #endregion server

// #region handlers
func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) int {
	var req contracts.DecisionRequest
	if err := s.decode(w, r, &req); err != nil {
		out := s.d.Reject(err)
		return writeError(w, http.StatusBadRequest, err, &out)
	}
	out, err := s.d.Decide(r.Context(), req)
	switch {
	case errors.Is(err, contracts.ErrMalformedRequest):
		return writeError(w, http.StatusBadRequest, err, &out)
	case err != nil:
		return writeError(w, http.StatusServiceUnavailable, err, nil)
	}
	return writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReward(w http.ResponseWriter, r *http.Request) int {
	var sub contracts.RewardSubmission
	if err := s.decode(w, r, &sub); err != nil {
		return writeError(w, http.StatusBadRequest, err, nil)
	}
	dup, err := s.d.SubmitReward(sub)
	switch {
	case errors.Is(err, contracts.ErrUnknownCycle):
		return writeError(w, http.StatusNotFound, err, nil)
	case err != nil:
		return writeError(w, http.StatusBadRequest, err, nil)
	}
	return writeJSON(w, http.StatusOK, RewardResponse{Accepted: !dup, Duplicate: dup})
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) int {
	var req ActivateRequest
	if err := s.decode(w, r, &req); err != nil {
		return writeError(w, http.StatusBadRequest, err, nil)
	}
	if req.PersonaID == "" {
		return writeError(w, http.StatusBadRequest, errors.New("persona_id is required"), nil)
	}
	c, err := s.d.ActivatePersona(req.PersonaID, req.Version)
	switch {
	case errors.Is(err, persona.ErrUnknownPersona):
		return writeError(w, http.StatusNotFound, err, nil)
	case err != nil:
		return writeError(w, http.StatusBadRequest, err, nil)
	}
	return writeJSON(w, http.StatusOK, persona.Summary{PersonaID: c.PersonaID, Versions: []int{c.Version}, Active: true, ActiveVer: c.Version})
}

func (s *Server) handlePersonas(w http.ResponseWriter, _ *http.Request) int {
	return writeJSON(w, http.StatusOK, s.d.Personas())
}

// #endregion handlers

// #region stream
const (
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	writeWait  = 10 * time.Second
)

// handleStream upgrades to a WebSocket. Each text frame is a decision
// request; each reply is the OutputCommand or an error body.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		s.count("stream", http.StatusBadRequest)
		return
	}
	s.count("stream", http.StatusSwitchingProtocols)
	if s.m != nil {
		s.m.ActiveStreams.Inc()
		defer s.m.ActiveStreams.Dec()
	}
	defer conn.Close()

	conn.SetReadLimit(s.cfg.MaxBodyBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	replies := make(chan any, 8)
	done := make(chan struct{})
	go s.streamWriter(conn, replies, done)
	defer func() {
		close(replies)
		<-done
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("stream closed", zap.Error(err))
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		var req contracts.DecisionRequest
		if err := json.Unmarshal(data, &req); err != nil {
			out := s.d.Reject(err)
			replies <- errorBody{Error: err.Error(), Command: &out}
			continue
		}
		out, err := s.d.Decide(ctx, req)
		if err != nil {
			body := errorBody{Error: err.Error()}
			if errors.Is(err, contracts.ErrMalformedRequest) {
				body.Command = &out
			}
			replies <- body
			continue
		}
		replies <- out
	}
}

func (s *Server) streamWriter(conn *websocket.Conn, replies <-chan any, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-replies:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error("stream reply encode failed", zap.Error(err))
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("stream write failed", zap.Error(err))
				drain(replies)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				drain(replies)
				return
			}
		}
	}
}

func drain(ch <-chan any) {
	for range ch {
	}
}

// #endregion stream

// #region helpers
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

func (s *Server) instrument(route string, h func(http.ResponseWriter, *http.Request) int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := h(w, r)
		s.count(route, status)
		if status >= http.StatusInternalServerError {
			s.logger.Warn("request failed", zap.String("route", route), zap.Int("status", status))
		}
	}
}

func (s *Server) count(route string, status int) {
	if s.m != nil {
		s.m.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
	return status
}

func writeError(w http.ResponseWriter, status int, err error, cmd *contracts.OutputCommand) int {
	return writeJSON(w, status, errorBody{Error: err.Error(), Command: cmd})
}

// #endregion helpers
