package transport

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// Phase is the listener's position in the stream lifecycle.
type Phase int32

const (
	// PhaseAwaitingStart is the initial phase; Idle is folded into it.
	PhaseAwaitingStart Phase = iota
	// PhaseStarted is entered once the start event has been seen.
	PhaseStarted
	// PhaseClosed is entered when the read side of the socket ends.
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaitingStart:
		return "awaiting_start"
	case PhaseStarted:
		return "started"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// FrameReader reads one WebSocket message. *websocket.Conn satisfies it.
type FrameReader interface {
	ReadMessage() (messageType int, p []byte, err error)
}

// Classifier reads inbound frames, classifies them and tracks the stream phase.
// It is driven by a single goroutine.
type Classifier struct {
	reader FrameReader
	logger *slog.Logger

	// OnMark, if set, is called for every mark acknowledged after start.
	OnMark func(*MarkEvent)
	// OnStop, if set, is called when Twilio reports the stream stopped.
	OnStop func(*StopEvent)
	// OnMalformed, if set, is called for every frame that failed to parse.
	OnMalformed func(error)

	phase       atomic.Int32
	start       *StartEvent
	mediaFrames int
}

// NewClassifier creates a classifier reading from r.
func NewClassifier(r FrameReader, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{reader: r, logger: logger}
}

// Phase returns the current phase.
func (c *Classifier) Phase() Phase {
	return Phase(c.phase.Load())
}

// Start returns the start event, or nil before the stream started.
func (c *Classifier) Start() *StartEvent {
	return c.start
}

// MediaFrames returns how many inbound media events were accepted after start.
func (c *Classifier) MediaFrames() int {
	return c.mediaFrames
}

// next reads frames until one parses, returning the event. Unsupported
// frames and parse failures are logged and skipped.
func (c *Classifier) next(ctx context.Context) (InboundEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msgType, data, err := c.reader.ReadMessage()
		if err != nil {
			return nil, err
		}

		if msgType != websocket.TextMessage {
			c.logger.Warn("unsupported frame type from Twilio", slog.Int("frame_type", msgType))
			continue
		}

		event, err := ParseInbound(data)
		if err != nil {
			c.logger.Warn("failed to parse Twilio message", slog.String("error", err.Error()))
			if c.OnMalformed != nil {
				c.OnMalformed(err)
			}
			continue
		}
		return event, nil
	}
}

// AwaitStart consumes frames until the start event arrives and returns it.
// Events other than connected are logged as unexpected and skipped. The
// returned error is the read error that ended the socket before start.
func (c *Classifier) AwaitStart(ctx context.Context) (*StartEvent, error) {
	for {
		event, err := c.next(ctx)
		if err != nil {
			c.phase.Store(int32(PhaseClosed))
			return nil, err
		}

		switch ev := event.(type) {
		case *ConnectedEvent:
			c.logger.Info("stream connected",
				slog.String("protocol", ev.Protocol),
				slog.String("version", ev.Version),
			)

		case *StartEvent:
			if ev.Start.StreamSID != ev.StreamSID {
				c.logger.Warn("start event carries two different stream sids",
					slog.String("stream_sid", ev.StreamSID),
					slog.String("start_stream_sid", ev.Start.StreamSID),
				)
			}
			c.logger.Info("stream started",
				slog.String("stream_sid", ev.StreamSID),
				slog.String("call_sid", ev.Start.CallSID),
				slog.String("encoding", ev.Start.MediaFormat.Encoding),
				slog.Int("sample_rate", ev.Start.MediaFormat.SampleRate),
			)
			c.start = ev
			c.phase.Store(int32(PhaseStarted))
			return ev, nil

		default:
			c.logger.Warn("unexpected event before start", slog.String("event", event.Name()))
		}
	}
}

// Drain consumes frames after start until the socket's read side closes.
// Media is accepted silently; stop and mark are logged; a repeated
// connected or start is logged as anomalous.
func (c *Classifier) Drain(ctx context.Context) error {
	defer c.phase.Store(int32(PhaseClosed))

	for {
		event, err := c.next(ctx)
		if err != nil {
			return err
		}

		switch ev := event.(type) {
		case *MediaEvent:
			c.mediaFrames++

		case *StopEvent:
			c.logger.Info("stream stopped",
				slog.String("sequence_number", ev.SequenceNumber),
				slog.String("call_sid", ev.Stop.CallSID),
			)
			if c.OnStop != nil {
				c.OnStop(ev)
			}

		case *MarkEvent:
			c.logger.Info("mark acknowledged", slog.String("mark", ev.Mark.Name))
			if c.OnMark != nil {
				c.OnMark(ev)
			}

		default:
			c.logger.Warn("unexpected event after start", slog.String("event", event.Name()))
		}
	}
}
