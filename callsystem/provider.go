// Package callsystem keeps track of calls between the call-setup webhook and
// the media stream, and answers the webhook with the configured directive.
package callsystem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentplexus/twiliosay/internal/client"
	"github.com/agentplexus/twiliosay/internal/metrics"
	"github.com/agentplexus/twiliosay/twiml"
)

// Mode selects how an incoming call is answered.
type Mode string

const (
	// ModeConnect greets the caller and opens a Media Streams WebSocket.
	ModeConnect Mode = "connect"
	// ModePlay plays the utterance from the /play endpoint.
	ModePlay Mode = "play"
)

// PlayPath is the HTTP path serving the utterance as audio.
const PlayPath = "/play"

// ErrNoClient is returned by Hangup when no Twilio credentials were configured.
var ErrNoClient = errors.New("callsystem: twilio client not configured")

// CallStatus represents the lifecycle of a call.
type CallStatus string

const (
	StatusRinging  CallStatus = "ringing"
	StatusAnswered CallStatus = "answered"
	StatusEnded    CallStatus = "ended"
	StatusBusy     CallStatus = "busy"
	StatusNoAnswer CallStatus = "no_answer"
	StatusFailed   CallStatus = "failed"
)

// Terminal reports whether the call can no longer change.
func (s CallStatus) Terminal() bool {
	switch s {
	case StatusEnded, StatusBusy, StatusNoAnswer, StatusFailed:
		return true
	}
	return false
}

// Hanger ends calls. *client.Client implements it.
type Hanger interface {
	HangupCall(ctx context.Context, callSID string) (*client.Call, error)
}

// WebhookParams are the fields of a Twilio voice webhook this service reads.
type WebhookParams struct {
	CallSID    string
	AccountSID string
	From       string
	To         string
	CallStatus string
	// Host is the public host the webhook was received on.
	Host string
}

// Provider tracks calls by CallSid.
type Provider struct {
	mode                Mode
	builder             *twiml.Builder
	hanger              Hanger
	hangupAfterPlayback bool
	logger              *slog.Logger
	metrics             *metrics.Metrics

	mu    sync.RWMutex
	calls map[string]*Call
}

// Option configures the Provider.
type Option func(*options)

type options struct {
	mode                Mode
	builder             *twiml.Builder
	hanger              Hanger
	hangupAfterPlayback bool
	logger              *slog.Logger
	metrics             *metrics.Metrics
}

// WithMode sets how incoming calls are answered.
func WithMode(mode Mode) Option {
	return func(o *options) {
		o.mode = mode
	}
}

// WithTwiML sets the directive builder.
func WithTwiML(b *twiml.Builder) Option {
	return func(o *options) {
		o.builder = b
	}
}

// WithHanger sets the client used to end calls.
func WithHanger(h Hanger) Option {
	return func(o *options) {
		o.hanger = h
	}
}

// WithHangupAfterPlayback ends the call once Twilio reports the utterance played.
func WithHangupAfterPlayback(enabled bool) Option {
	return func(o *options) {
		o.hangupAfterPlayback = enabled
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// New creates a call registry.
func New(opts ...Option) (*Provider, error) {
	cfg := &options{mode: ModeConnect}
	for _, opt := range opts {
		opt(cfg)
	}

	switch cfg.mode {
	case ModeConnect, ModePlay:
	default:
		return nil, fmt.Errorf("callsystem: unknown mode %q", cfg.mode)
	}
	if cfg.builder == nil {
		cfg.builder = twiml.New()
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.hangupAfterPlayback && cfg.hanger == nil {
		return nil, fmt.Errorf("hangup after playback: %w", ErrNoClient)
	}

	return &Provider{
		mode:                cfg.mode,
		builder:             cfg.builder,
		hanger:              cfg.hanger,
		hangupAfterPlayback: cfg.hangupAfterPlayback,
		logger:              cfg.logger,
		metrics:             cfg.metrics,
		calls:               make(map[string]*Call),
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "twilio"
}

// Mode returns how incoming calls are answered.
func (p *Provider) Mode() Mode {
	return p.mode
}

// HandleIncomingWebhook records the call and returns the directive document.
func (p *Provider) HandleIncomingWebhook(ctx context.Context, params WebhookParams) (*Call, string, error) {
	var (
		doc string
		err error
	)
	switch p.mode {
	case ModePlay:
		host := strings.TrimSuffix(params.Host, "/")
		if host == "" {
			return nil, "", errors.New("callsystem: host is required")
		}
		doc, err = p.builder.PlayURL("https://" + host + PlayPath)
	default:
		doc, err = p.builder.SayAndConnect(params.Host)
	}
	if err != nil {
		return nil, "", err
	}

	var call *Call
	if params.CallSID != "" {
		call = &Call{
			id:        params.CallSID,
			from:      params.From,
			to:        params.To,
			startTime: time.Now(),
			status:    mapCallStatus(params.CallStatus),
		}
		p.mu.Lock()
		p.calls[call.id] = call
		p.mu.Unlock()
	}

	p.metrics.DirectiveServed(string(p.mode))
	p.logger.InfoContext(ctx, "incoming call answered",
		slog.String("call_sid", params.CallSID),
		slog.String("from", params.From),
		slog.String("to", params.To),
		slog.String("mode", string(p.mode)),
	)
	return call, doc, nil
}

// HandleStatusCallback processes a Twilio status callback webhook. Calls in a
// terminal state are forgotten.
func (p *Provider) HandleStatusCallback(callSID, status string) {
	mapped := mapCallStatus(status)

	p.mu.Lock()
	call, ok := p.calls[callSID]
	if ok {
		call.setStatus(mapped)
		if mapped.Terminal() {
			delete(p.calls, callSID)
		}
	}
	p.mu.Unlock()

	p.logger.Debug("call status",
		slog.String("call_sid", callSID),
		slog.String("status", status),
		slog.Bool("known", ok),
	)
}

// AttachStream links a started media stream to its call. Streams for calls
// this process never saw are still accepted; the call is recorded then.
func (p *Provider) AttachStream(callSID, streamSID string) *Call {
	if callSID == "" {
		return nil
	}

	p.mu.Lock()
	call, ok := p.calls[callSID]
	if !ok {
		call = &Call{id: callSID, startTime: time.Now()}
		p.calls[callSID] = call
	}
	p.mu.Unlock()

	call.attach(streamSID)
	return call
}

// Call returns a tracked call.
func (p *Provider) Call(callSID string) (*Call, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	call, ok := p.calls[callSID]
	return call, ok
}

// ActiveCalls returns the number of tracked calls.
func (p *Provider) ActiveCalls() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.calls)
}

// Hangup ends the call through the Twilio API.
func (p *Provider) Hangup(ctx context.Context, callSID string) error {
	if p.hanger == nil {
		return ErrNoClient
	}
	if _, err := p.hanger.HangupCall(ctx, callSID); err != nil {
		return fmt.Errorf("failed to hangup: %w", err)
	}

	p.mu.Lock()
	if call, ok := p.calls[callSID]; ok {
		call.setStatus(StatusEnded)
		delete(p.calls, callSID)
	}
	p.mu.Unlock()
	return nil
}

// PlaybackComplete is called once Twilio acknowledges the utterance mark. It
// hangs up when the provider is configured to.
func (p *Provider) PlaybackComplete(ctx context.Context, callSID string) error {
	if !p.hangupAfterPlayback || callSID == "" {
		return nil
	}
	if err := p.Hangup(ctx, callSID); err != nil {
		p.logger.Warn("hangup after playback failed",
			slog.String("call_sid", callSID),
			slog.String("error", err.Error()),
		)
		return err
	}
	p.logger.Info("call ended after playback", slog.String("call_sid", callSID))
	return nil
}

// Close forgets every tracked call.
func (p *Provider) Close() error {
	p.mu.Lock()
	p.calls = make(map[string]*Call)
	p.mu.Unlock()
	return nil
}

// Call is one phone call as seen by the webhooks.
type Call struct {
	id        string
	from      string
	to        string
	startTime time.Time

	mu        sync.RWMutex
	status    CallStatus
	streamSID string
}

// ID returns the call SID.
func (c *Call) ID() string {
	return c.id
}

// From returns the caller ID.
func (c *Call) From() string {
	return c.from
}

// To returns the called number.
func (c *Call) To() string {
	return c.to
}

// StartTime returns when the call was first seen.
func (c *Call) StartTime() time.Time {
	return c.startTime
}

// Duration returns how long the call has been tracked.
func (c *Call) Duration() time.Duration {
	return time.Since(c.startTime)
}

// Status returns the current call status.
func (c *Call) Status() CallStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// StreamSID returns the media stream attached to the call, if any.
func (c *Call) StreamSID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streamSID
}

func (c *Call) setStatus(s CallStatus) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

func (c *Call) attach(streamSID string) {
	c.mu.Lock()
	c.streamSID = streamSID
	c.status = StatusAnswered
	c.mu.Unlock()
}

// mapCallStatus maps a Twilio CallStatus value.
func mapCallStatus(status string) CallStatus {
	switch status {
	case "queued", "ringing", "":
		return StatusRinging
	case "in-progress":
		return StatusAnswered
	case "completed":
		return StatusEnded
	case "busy":
		return StatusBusy
	case "no-answer":
		return StatusNoAnswer
	case "failed", "canceled":
		return StatusFailed
	default:
		return StatusRinging
	}
}
