package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/agentplexus/omnivoice/tts"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/agentplexus/twiliosay/audio"
	"github.com/agentplexus/twiliosay/internal/metrics"
)

const tracerName = "github.com/agentplexus/twiliosay/transport"

// Conn is the subset of *websocket.Conn a session needs. Reads happen only on
// the listener goroutine and writes only on the speaker goroutine.
type Conn interface {
	FrameReader
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Synthesizer turns text into audio. omnivoice tts.Provider implementations
// satisfy it.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, config tts.SynthesisConfig) (*tts.SynthesisResult, error)
}

// SessionConfig controls what a session says and when.
type SessionConfig struct {
	// Utterance is synthesized once the stream starts.
	Utterance string
	// Voice is passed to the synthesizer.
	Voice tts.SynthesisConfig
	// StartupDelay is waited between start and synthesis so Twilio finishes
	// its own stream setup first.
	StartupDelay time.Duration
	// SynthesisTimeout bounds one backend call. Zero means no bound.
	SynthesisTimeout time.Duration
	// WriteTimeout bounds one frame write. Zero means no bound.
	WriteTimeout time.Duration
	// MarkName, if set, is sent as a mark after the media frame.
	MarkName string
}

// Hooks observe a session. All fields are optional.
type Hooks struct {
	OnStart func(s *Session, start *StartEvent)
	OnMark  func(s *Session, mark *MarkEvent)
	OnStop  func(s *Session, stop *StopEvent)
	OnEnd   func(s *Session, err error)
}

// Session coordinates one Media Streams connection: a listener classifying
// inbound frames and a speaker sending the synthesized utterance once the
// listener has handed over the stream SID.
type Session struct {
	id         string
	conn       Conn
	synth      Synthesizer
	cfg        SessionConfig
	hooks      Hooks
	logger     *slog.Logger
	sink       audio.Sink
	metrics    *metrics.Metrics
	handoff    *Handoff
	classifier *Classifier
	opened     time.Time

	mu         sync.RWMutex
	streamSID  string
	callSID    string
	framesSent int
	closeOnce  sync.Once
}

// SessionDeps are the collaborators a session reports to. Zero values are
// replaced with no-op defaults.
type SessionDeps struct {
	Logger  *slog.Logger
	Sink    audio.Sink
	Metrics *metrics.Metrics
	Hooks   Hooks
}

// NewSession creates a session over an upgraded connection.
func NewSession(conn Conn, synth Synthesizer, cfg SessionConfig, deps SessionDeps) *Session {
	s := &Session{
		id:      uuid.NewString(),
		conn:    conn,
		synth:   synth,
		cfg:     cfg,
		hooks:   deps.Hooks,
		logger:  deps.Logger,
		sink:    deps.Sink,
		metrics: deps.Metrics,
		handoff: NewHandoff(),
		opened:  time.Now(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.sink == nil {
		s.sink = audio.NopSink{}
	}
	s.logger = s.logger.With(slog.String("session_id", s.id))

	s.classifier = NewClassifier(conn, s.logger)
	s.classifier.OnMalformed = func(error) { s.metrics.FrameMalformed() }
	s.classifier.OnMark = func(ev *MarkEvent) {
		s.metrics.MarkAcknowledged()
		if s.hooks.OnMark != nil {
			s.hooks.OnMark(s, ev)
		}
	}
	s.classifier.OnStop = func(ev *StopEvent) {
		if s.hooks.OnStop != nil {
			s.hooks.OnStop(s, ev)
		}
	}
	return s
}

// ID returns the connection identifier assigned before the stream SID is known.
func (s *Session) ID() string {
	return s.id
}

// StreamSID returns the stream SID, empty before start.
func (s *Session) StreamSID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streamSID
}

// CallSID returns the call SID, empty before start.
func (s *Session) CallSID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.callSID
}

// FramesSent returns how many frames the speaker wrote.
func (s *Session) FramesSent() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.framesSent
}

// Phase returns the listener phase.
func (s *Session) Phase() Phase {
	return s.classifier.Phase()
}

// Close closes the underlying connection. Both tasks observe it and exit.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

// Run drives the session until the connection closes or the speaker fails.
// The returned error is a synthesis, codec or write failure; peer disconnects
// are not errors.
func (s *Session) Run(ctx context.Context) error {
	s.metrics.SessionOpened()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { _ = s.Close() })
	defer stop()

	g.Go(func() error {
		defer cancel()
		return s.listen(gctx)
	})
	g.Go(func() error {
		return s.speak(gctx)
	})

	err := g.Wait()
	_ = s.Close()

	outcome := metrics.OutcomeCompleted
	switch {
	case err != nil:
		outcome = metrics.OutcomeFailed
		s.logger.Error("session failed", slog.String("stream_sid", s.StreamSID()), slog.String("error", err.Error()))
	case s.StreamSID() == "":
		outcome = metrics.OutcomeNoStart
		s.logger.Info("session closed before stream start")
	default:
		s.logger.Info("session closed",
			slog.String("stream_sid", s.StreamSID()),
			slog.Int("frames_sent", s.FramesSent()),
			slog.Int("media_received", s.classifier.MediaFrames()),
		)
	}
	s.metrics.SessionClosed(outcome, time.Since(s.opened))

	if s.hooks.OnEnd != nil {
		s.hooks.OnEnd(s, err)
	}
	return err
}

// listen runs the classifier. It hands the stream SID to the speaker or drops
// the handoff if the socket ends first.
func (s *Session) listen(ctx context.Context) error {
	start, err := s.classifier.AwaitStart(ctx)
	if err != nil {
		s.handoff.Close()
		s.logReadEnd("before start", err)
		return nil
	}

	s.mu.Lock()
	s.streamSID = start.StreamSID
	s.callSID = start.Start.CallSID
	s.mu.Unlock()

	s.metrics.StreamStarted()
	if s.hooks.OnStart != nil {
		s.hooks.OnStart(s, start)
	}
	s.handoff.Deliver(start.StreamSID)

	err = s.classifier.Drain(ctx)
	s.logReadEnd("after start", err)
	return nil
}

func (s *Session) logReadEnd(when string, err error) {
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, net.ErrClosed):
		return
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		s.logger.Debug("peer closed stream", slog.String("when", when))
	default:
		s.logger.Warn("failed to read from Twilio stream", slog.String("when", when), slog.String("error", err.Error()))
	}
}

// speak waits for the stream SID, synthesizes the utterance and sends it.
func (s *Session) speak(ctx context.Context) error {
	streamSID, ok := s.handoff.Wait(ctx)
	if !ok {
		s.logger.Info("handoff dropped without stream sid, nothing to send")
		return nil
	}
	logger := s.logger.With(slog.String("stream_sid", streamSID))

	if err := sleep(ctx, s.cfg.StartupDelay); err != nil {
		return nil
	}

	samples, err := s.synthesize(ctx, streamSID)
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("session closed during synthesis")
			return nil
		}
		return err
	}

	frame, err := NewMediaMessage(streamSID, samples)
	if err != nil {
		return fmt.Errorf("build media message: %w", err)
	}
	s.sink.Dump(audio.StageOutbound, streamSID, frame)

	if err := s.write(frame); err != nil {
		return fmt.Errorf("send media: %w", err)
	}
	s.metrics.AudioSent(len(samples))
	logger.Info("utterance sent", slog.Int("samples", len(samples)))

	if s.cfg.MarkName != "" {
		mark, err := NewMarkMessage(streamSID, s.cfg.MarkName)
		if err != nil {
			return fmt.Errorf("build mark message: %w", err)
		}
		if err := s.write(mark); err != nil {
			return fmt.Errorf("send mark: %w", err)
		}
	}
	return nil
}

// synthesize calls the backend and normalizes its output to headerless samples.
func (s *Session) synthesize(ctx context.Context, streamSID string) ([]byte, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "session.synthesize",
		trace.WithAttributes(
			attribute.String("stream_sid", streamSID),
			attribute.Int("text_length", len(s.cfg.Utterance)),
		),
	)
	defer span.End()

	if s.cfg.SynthesisTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SynthesisTimeout)
		defer cancel()
	}

	began := time.Now()
	result, err := s.synth.Synthesize(ctx, s.cfg.Utterance, s.cfg.Voice)
	s.metrics.SynthesisObserved(time.Since(began), err)
	if err == nil && result == nil {
		err = errors.New("synthesizer returned no result")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesis failed")
		return nil, fmt.Errorf("synthesize utterance: %w", err)
	}
	s.sink.Dump(audio.StageContainer, streamSID, result.Audio)

	samples, err := audio.Normalize(result.Format, result.Audio)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "normalize failed")
		return nil, fmt.Errorf("normalize synthesized audio: %w", err)
	}
	s.sink.Dump(audio.StageHeaderless, streamSID, samples)
	span.SetAttributes(attribute.Int("samples", len(samples)))
	return samples, nil
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

func (s *Session) write(frame []byte) error {
	if d, ok := s.conn.(writeDeadliner); ok && s.cfg.WriteTimeout > 0 {
		_ = d.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return err
	}
	s.mu.Lock()
	s.framesSent++
	s.mu.Unlock()
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
