// Package transport implements the Twilio Media Streams side of a call: it
// upgrades the stream WebSocket, classifies inbound events, and sends the
// synthesized utterance back once the stream has started.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/agentplexus/twiliosay/audio"
	"github.com/agentplexus/twiliosay/internal/metrics"
)

// Provider accepts Media Streams connections and runs one Session per connection.
type Provider struct {
	synth    Synthesizer
	config   SessionConfig
	logger   *slog.Logger
	sink     audio.Sink
	metrics  *metrics.Metrics
	hooks    Hooks
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// Option configures the Provider.
type Option func(*options)

type options struct {
	config  SessionConfig
	logger  *slog.Logger
	sink    audio.Sink
	metrics *metrics.Metrics
	hooks   Hooks
	bufSize int
}

// WithSessionConfig sets what every session says and when.
func WithSessionConfig(cfg SessionConfig) Option {
	return func(o *options) {
		o.config = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithSink sets the diagnostics sink shared by all sessions.
func WithSink(sink audio.Sink) Option {
	return func(o *options) {
		o.sink = sink
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithHooks sets hooks applied to every session.
func WithHooks(h Hooks) Option {
	return func(o *options) {
		o.hooks = h
	}
}

// WithBufferSize sets the WebSocket read and write buffer sizes.
func WithBufferSize(n int) Option {
	return func(o *options) {
		o.bufSize = n
	}
}

// New creates a Media Streams provider speaking through synth.
func New(synth Synthesizer, opts ...Option) (*Provider, error) {
	if synth == nil {
		return nil, errors.New("transport: synthesizer is required")
	}

	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Provider{
		synth:   synth,
		config:  cfg.config,
		logger:  cfg.logger,
		sink:    cfg.sink,
		metrics: cfg.metrics,
		hooks:   cfg.hooks,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.bufSize,
			WriteBufferSize: cfg.bufSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}, nil
}

// Name returns the transport name.
func (p *Provider) Name() string {
	return "twilio-media-streams"
}

// ServeHTTP upgrades the request and serves the stream until it ends.
func (p *Provider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, err := p.HandleWebSocket(w, r); err != nil {
		p.logger.Warn("media stream rejected", slog.String("remote_addr", r.RemoteAddr), slog.String("error", err.Error()))
	}
}

// HandleWebSocket upgrades an incoming Twilio connection and runs its session
// in the background. The upgrade error, if any, has already been reported to
// the client.
func (p *Provider) HandleWebSocket(w http.ResponseWriter, r *http.Request) (*Session, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return nil, errors.New("transport closed")
	}

	wsConn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade failed: %w", err)
	}

	session := NewSession(wsConn, p.synth, p.config, SessionDeps{
		Logger:  p.logger.With(slog.String("remote_addr", r.RemoteAddr)),
		Sink:    p.sink,
		Metrics: p.metrics,
		Hooks:   p.hooks,
	})

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = wsConn.Close()
		return nil, errors.New("transport closed")
	}
	p.sessions[session.ID()] = session
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.sessions, session.ID())
			p.mu.Unlock()
		}()
		_ = session.Run(p.ctx)
	}()

	return session, nil
}

// Session returns an active session by connection id or stream SID.
func (p *Provider) Session(id string) (*Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if s, ok := p.sessions[id]; ok {
		return s, true
	}
	for _, s := range p.sessions {
		if s.StreamSID() == id {
			return s, true
		}
	}
	return nil, false
}

// ActiveSessions returns the number of running sessions.
func (p *Provider) ActiveSessions() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions)
}

// Close stops accepting connections, closes every session and waits for
// them to finish or ctx to expire.
func (p *Provider) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
