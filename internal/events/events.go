// Package events publishes call and stream lifecycle events to NATS.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/agentplexus/twiliosay"
	"github.com/agentplexus/twiliosay/internal/config"
)

// Event kinds, appended to the subject prefix.
const (
	KindCallIncoming      = "call.incoming"
	KindStreamStarted     = "stream.started"
	KindStreamStopped     = "stream.stopped"
	KindStreamEnded       = "stream.ended"
	KindPlaybackCompleted = "playback.completed"
)

// Event is the JSON body of every published message.
type Event struct {
	Kind       string    `json:"kind"`
	SessionID  string    `json:"session_id,omitempty"`
	StreamSID  string    `json:"stream_sid,omitempty"`
	CallSID    string    `json:"call_sid,omitempty"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to,omitempty"`
	FramesSent int       `json:"frames_sent,omitempty"`
	Error      string    `json:"error,omitempty"`
	Time       time.Time `json:"time"`
}

// Publisher sends events on one NATS connection. A nil *Publisher drops
// everything, so callers need not check whether events are configured.
type Publisher struct {
	conn   *nats.Conn
	prefix string
	log    *slog.Logger
}

// Connect dials NATS. It returns a nil Publisher when no URL is configured.
func Connect(cfg config.EventsConfig, log *slog.Logger) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(twiliosay.ServiceName),
		nats.Timeout(2*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = twiliosay.ServiceName
	}

	log.Info("connected to NATS", slog.String("url", cfg.URL), slog.String("prefix", prefix))
	return &Publisher{conn: conn, prefix: prefix, log: log}, nil
}

// Subject returns the subject an event kind is published on.
func (p *Publisher) Subject(kind string) string {
	return p.prefix + "." + kind
}

// Publish sends ev on the subject for its kind.
func (p *Publisher) Publish(ev Event) error {
	if p == nil {
		return nil
	}
	if ev.Kind == "" {
		return errors.New("event kind is required")
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(ev.Kind), data); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Kind, err)
	}
	return nil
}

// Emit publishes ev and logs instead of returning a failure.
func (p *Publisher) Emit(ev Event) {
	if err := p.Publish(ev); err != nil {
		p.log.Warn("failed to publish event", slog.String("kind", ev.Kind), slog.String("error", err.Error()))
	}
}

// Healthy reports whether the connection is up.
func (p *Publisher) Healthy() bool {
	return p != nil && p.conn != nil && p.conn.Status() == nats.CONNECTED
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.log.Info("closing NATS connection")
	_ = p.conn.Drain()
}
