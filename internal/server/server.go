// Package server exposes the call-setup webhooks, the Media Streams endpoint
// and operational routes over HTTP.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/agentplexus/omnivoice/tts"

	"github.com/agentplexus/twiliosay"
	"github.com/agentplexus/twiliosay/callsystem"
	"github.com/agentplexus/twiliosay/internal/events"
	"github.com/agentplexus/twiliosay/internal/metrics"
	"github.com/agentplexus/twiliosay/transport"
)

// Player renders the utterance as a playable file for the play directive.
type Player interface {
	SynthesizeMP3(ctx context.Context, text string, config tts.SynthesisConfig) ([]byte, error)
}

// Config wires the server to the rest of the service.
type Config struct {
	Calls   *callsystem.Provider
	Streams *transport.Provider
	// Player is optional; without it GET /play answers 404.
	Player    Player
	Utterance string
	Voice     tts.SynthesisConfig
	// PublicHost overrides the request Host when building directive URLs.
	PublicHost string
	Metrics    *metrics.Metrics
	Events     *events.Publisher
	Logger     *slog.Logger
}

// Server serves the HTTP routes.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	handler http.Handler
	started time.Time
}

// New creates a server.
func New(cfg Config) (*Server, error) {
	if cfg.Calls == nil {
		return nil, errors.New("server: call provider is required")
	}
	if cfg.Streams == nil {
		return nil, errors.New("server: stream provider is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Utterance == "" {
		cfg.Utterance = twiliosay.DefaultUtterance
	}

	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		started: time.Now(),
	}
	mux := http.NewServeMux()
	s.routes(mux)
	s.handler = mux
	return s, nil
}

// Handler returns the route multiplexer.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /twilio/twiml/start", s.withMetrics("/twilio/twiml/start", s.handleTwiML))
	mux.HandleFunc("POST /twilio/status", s.withMetrics("/twilio/status", s.handleStatus))
	mux.HandleFunc("GET /connect", s.withMetrics("/connect", s.cfg.Streams.ServeHTTP))
	mux.HandleFunc("GET /play", s.withMetrics("/play", s.handlePlay))
	mux.HandleFunc("GET /healthz", s.withMetrics("/healthz", s.handleHealth))
	mux.Handle("GET /metrics", s.cfg.Metrics.Handler())
	mux.HandleFunc("GET /{$}", s.withMetrics("/", s.handleRoot))
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully within shutdownTimeout. WebSocket sessions are hijacked and
// must be closed through the stream provider.
func (s *Server) Serve(ctx context.Context, ln net.Listener, readHeaderTimeout, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("address", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("stopping http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) publicHost(r *http.Request) string {
	if s.cfg.PublicHost != "" {
		return s.cfg.PublicHost
	}
	return r.Host
}

// handleTwiML answers the incoming-call webhook with the configured directive.
func (s *Server) handleTwiML(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	params := callsystem.WebhookParams{
		CallSID:    r.PostForm.Get("CallSid"),
		AccountSID: r.PostForm.Get("AccountSid"),
		From:       r.PostForm.Get("From"),
		To:         r.PostForm.Get("To"),
		CallStatus: r.PostForm.Get("CallStatus"),
		Host:       s.publicHost(r),
	}

	_, doc, err := s.cfg.Calls.HandleIncomingWebhook(r.Context(), params)
	if err != nil {
		s.logger.Error("failed to build directive",
			slog.String("call_sid", params.CallSID),
			slog.String("error", err.Error()),
		)
		http.Error(w, "failed to build directive", http.StatusInternalServerError)
		return
	}

	s.cfg.Events.Emit(events.Event{
		Kind:    events.KindCallIncoming,
		CallSID: params.CallSID,
		From:    params.From,
		To:      params.To,
	})

	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write([]byte(doc))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	callSID := r.PostForm.Get("CallSid")
	if callSID == "" {
		http.Error(w, "CallSid is required", http.StatusBadRequest)
		return
	}
	s.cfg.Calls.HandleStatusCallback(callSID, r.PostForm.Get("CallStatus"))
	w.WriteHeader(http.StatusNoContent)
}

// handlePlay synthesizes the utterance as MP3 for the play directive.
func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Player == nil {
		http.NotFound(w, r)
		return
	}

	data, err := s.cfg.Player.SynthesizeMP3(r.Context(), s.cfg.Utterance, s.cfg.Voice)
	if err != nil {
		s.logger.Error("failed to synthesize playback", slog.String("error", err.Error()))
		http.Error(w, "synthesis failed", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	_, _ = w.Write(data)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Hello, World!"))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":          "healthy",
		"timestamp":       time.Now().UTC(),
		"uptime":          time.Since(s.started).String(),
		"version":         twiliosay.Version,
		"active_calls":    s.cfg.Calls.ActiveCalls(),
		"active_sessions": s.cfg.Streams.ActiveSessions(),
	}
	if s.cfg.Events != nil {
		health["events_connected"] = s.cfg.Events.Healthy()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(health)
}

// withMetrics wraps an HTTP handler with request counting.
func (s *Server) withMetrics(route string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)
		s.cfg.Metrics.HTTPRequest(route, ww.statusCode)
	}
}

// responseWriter captures the status code and keeps hijacking available for
// the WebSocket upgrade.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response does not implement http.Hijacker")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
