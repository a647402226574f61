package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentplexus/twiliosay/callsystem"
	"github.com/agentplexus/twiliosay/internal/events"
	"github.com/agentplexus/twiliosay/transport"
)

// hangupTimeout bounds the REST call made when playback completes.
const hangupTimeout = 10 * time.Second

// LifecycleHooks links stream sessions to calls and publishes their
// lifecycle. Only a mark named markName counts as playback completion; the
// resulting hangup runs off the listener goroutine so frame reads continue.
func LifecycleHooks(calls *callsystem.Provider, pub *events.Publisher, markName string, logger *slog.Logger) transport.Hooks {
	return transport.Hooks{
		OnStart: func(s *transport.Session, start *transport.StartEvent) {
			calls.AttachStream(start.Start.CallSID, start.StreamSID)
			pub.Emit(events.Event{
				Kind:      events.KindStreamStarted,
				SessionID: s.ID(),
				StreamSID: start.StreamSID,
				CallSID:   start.Start.CallSID,
			})
		},
		OnMark: func(s *transport.Session, mark *transport.MarkEvent) {
			if markName == "" || mark.Mark.Name != markName {
				return
			}
			pub.Emit(events.Event{
				Kind:      events.KindPlaybackCompleted,
				SessionID: s.ID(),
				StreamSID: s.StreamSID(),
				CallSID:   s.CallSID(),
			})

			callSID := s.CallSID()
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
				defer cancel()
				_ = calls.PlaybackComplete(ctx, callSID)
			}()
		},
		OnStop: func(s *transport.Session, stop *transport.StopEvent) {
			pub.Emit(events.Event{
				Kind:      events.KindStreamStopped,
				SessionID: s.ID(),
				StreamSID: s.StreamSID(),
				CallSID:   stop.Stop.CallSID,
			})
		},
		OnEnd: func(s *transport.Session, err error) {
			ev := events.Event{
				Kind:       events.KindStreamEnded,
				SessionID:  s.ID(),
				StreamSID:  s.StreamSID(),
				CallSID:    s.CallSID(),
				FramesSent: s.FramesSent(),
			}
			if err != nil {
				ev.Error = err.Error()
			}
			pub.Emit(ev)
			logger.Debug("stream ended",
				slog.String("session_id", s.ID()),
				slog.String("stream_sid", s.StreamSID()),
				slog.Int("frames_sent", s.FramesSent()),
			)
		},
	}
}
