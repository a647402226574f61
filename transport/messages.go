package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/agentplexus/twiliosay/audio"
)

// Twilio Media Streams event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
)

// Media tracks reported on inbound media events.
const (
	TrackInbound  = "inbound"
	TrackOutbound = "outbound"
)

// InboundEvent is one parsed message received from Twilio. The set of
// implementations is closed: *ConnectedEvent, *StartEvent, *MediaEvent,
// *StopEvent and *MarkEvent.
type InboundEvent interface {
	// Name returns the lowercase event tag.
	Name() string
	inbound()
}

// ConnectedEvent is the first message on a stream.
type ConnectedEvent struct {
	Protocol string `json:"protocol"`
	Version  string `json:"version"`
}

// StartEvent carries the stream metadata.
type StartEvent struct {
	SequenceNumber string        `json:"sequenceNumber"`
	StreamSID      string        `json:"streamSid"`
	Start          StartMetadata `json:"start"`
}

// StartMetadata describes one call's media stream.
type StartMetadata struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
}

// MediaFormat is the negotiated audio format.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// MediaEvent carries one chunk of caller audio.
type MediaEvent struct {
	SequenceNumber string       `json:"sequenceNumber"`
	StreamSID      string       `json:"streamSid"`
	Media          MediaPayload `json:"media"`
}

// MediaPayload is the body of an inbound media event.
type MediaPayload struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"` // Base64 encoded audio
}

// StopEvent signals the end of the stream.
type StopEvent struct {
	SequenceNumber string   `json:"sequenceNumber"`
	StreamSID      string   `json:"streamSid"`
	Stop           StopInfo `json:"stop"`
}

// StopInfo identifies the stopped call.
type StopInfo struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

// MarkEvent acknowledges playback of a previously sent mark.
type MarkEvent struct {
	SequenceNumber string   `json:"sequenceNumber"`
	StreamSID      string   `json:"streamSid"`
	Mark           MarkInfo `json:"mark"`
}

// MarkInfo names a mark.
type MarkInfo struct {
	Name string `json:"name"`
}

func (*ConnectedEvent) Name() string { return EventConnected }
func (*StartEvent) Name() string     { return EventStart }
func (*MediaEvent) Name() string     { return EventMedia }
func (*StopEvent) Name() string      { return EventStop }
func (*MarkEvent) Name() string      { return EventMark }

func (*ConnectedEvent) inbound() {}
func (*StartEvent) inbound()     {}
func (*MediaEvent) inbound()     {}
func (*StopEvent) inbound()      {}
func (*MarkEvent) inbound()      {}

// ParseError reports an inbound frame that does not match any event schema.
type ParseError struct {
	Event  string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	msg := "parse media stream message"
	if e.Event != "" {
		msg += " (" + e.Event + ")"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.Err }

// envelope captures the discriminator and every variant's body.
type envelope struct {
	Event          string          `json:"event"`
	SequenceNumber string          `json:"sequenceNumber"`
	StreamSID      string          `json:"streamSid"`
	Protocol       *string         `json:"protocol"`
	Version        *string         `json:"version"`
	Start          json.RawMessage `json:"start"`
	Media          json.RawMessage `json:"media"`
	Stop           json.RawMessage `json:"stop"`
	Mark           json.RawMessage `json:"mark"`
}

// ParseInbound decodes one text frame into a typed event. A frame that is not
// JSON, carries an unknown tag, or lacks the fields of its variant returns a
// *ParseError.
func ParseInbound(data []byte) (InboundEvent, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ParseError{Err: err}
	}

	event := strings.ToLower(env.Event)
	fail := func(reason string, err error) (InboundEvent, error) {
		return nil, &ParseError{Event: event, Reason: reason, Err: err}
	}

	switch event {
	case "":
		return fail("missing event field", nil)

	case EventConnected:
		if env.Protocol == nil || env.Version == nil {
			return fail("missing protocol or version", nil)
		}
		return &ConnectedEvent{Protocol: *env.Protocol, Version: *env.Version}, nil

	case EventStart:
		var meta StartMetadata
		if err := decodeBody(env.Start, &meta); err != nil {
			return fail("start", err)
		}
		if env.StreamSID == "" || meta.StreamSID == "" {
			return fail("missing streamSid", nil)
		}
		if meta.AccountSID == "" || meta.CallSID == "" {
			return fail("missing accountSid or callSid", nil)
		}
		return &StartEvent{SequenceNumber: env.SequenceNumber, StreamSID: env.StreamSID, Start: meta}, nil

	case EventMedia:
		var media MediaPayload
		if err := decodeBody(env.Media, &media); err != nil {
			return fail("media", err)
		}
		if media.Track != TrackInbound && media.Track != TrackOutbound {
			return fail(fmt.Sprintf("unknown track %q", media.Track), nil)
		}
		if env.StreamSID == "" {
			return fail("missing streamSid", nil)
		}
		return &MediaEvent{SequenceNumber: env.SequenceNumber, StreamSID: env.StreamSID, Media: media}, nil

	case EventStop:
		var stop StopInfo
		if err := decodeBody(env.Stop, &stop); err != nil {
			return fail("stop", err)
		}
		if env.StreamSID == "" {
			return fail("missing streamSid", nil)
		}
		return &StopEvent{SequenceNumber: env.SequenceNumber, StreamSID: env.StreamSID, Stop: stop}, nil

	case EventMark:
		var mark MarkInfo
		if err := decodeBody(env.Mark, &mark); err != nil {
			return fail("mark", err)
		}
		if env.StreamSID == "" {
			return fail("missing streamSid", nil)
		}
		return &MarkEvent{SequenceNumber: env.SequenceNumber, StreamSID: env.StreamSID, Mark: mark}, nil

	default:
		return fail("unknown event", nil)
	}
}

var errMissingBody = errors.New("missing body")

func decodeBody(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return errMissingBody
	}
	return json.Unmarshal(raw, v)
}

// Outbound messages sent to Twilio.
type (
	// MediaMessage plays audio on the call.
	MediaMessage struct {
		Event     string        `json:"event"`
		StreamSID string        `json:"streamSid"`
		Media     OutboundMedia `json:"media"`
	}

	// OutboundMedia carries base64 encoded, headerless μ-law samples.
	OutboundMedia struct {
		Payload string `json:"payload"`
	}

	// MarkMessage asks Twilio to report when playback reaches this point.
	MarkMessage struct {
		Event     string   `json:"event"`
		StreamSID string   `json:"streamSid"`
		Mark      MarkInfo `json:"mark"`
	}
)

// ErrMissingStreamSID is returned when building an outbound message without a stream.
var ErrMissingStreamSID = errors.New("outbound message requires a streamSid")

// NewMediaMessage wraps raw samples in a media event ready to send as one
// text frame. The whole buffer goes into a single frame.
func NewMediaMessage(streamSID string, samples []byte) ([]byte, error) {
	if streamSID == "" {
		return nil, ErrMissingStreamSID
	}
	return json.Marshal(MediaMessage{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     OutboundMedia{Payload: audio.EncodeBase64(samples)},
	})
}

// NewMarkMessage builds a mark event.
func NewMarkMessage(streamSID, name string) ([]byte, error) {
	if streamSID == "" {
		return nil, ErrMissingStreamSID
	}
	return json.Marshal(MarkMessage{
		Event:     EventMark,
		StreamSID: streamSID,
		Mark:      MarkInfo{Name: name},
	})
}
