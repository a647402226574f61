package transport

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/gorilla/websocket"
)

func TestAwaitStartReturnsTopLevelStreamSID(t *testing.T) {
	start := `{"event":"start","sequenceNumber":"1","streamSid":"MZ-top","start":{"streamSid":"MZ-nested","accountSid":"AC1","callSid":"CA1","mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1}}}`
	c := NewClassifier(textFrames(connectedFrame, start), discardLogger())

	ev, err := c.AwaitStart(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.StreamSID != "MZ-top" {
		t.Fatalf("stream sid = %q, want MZ-top", ev.StreamSID)
	}
	if c.Phase() != PhaseStarted {
		t.Fatalf("phase = %s", c.Phase())
	}
	if c.Start() != ev {
		t.Fatal("Start() does not return the recorded event")
	}
}

func TestAwaitStartSkipsEarlyMedia(t *testing.T) {
	c := NewClassifier(textFrames(mediaFrame, mediaFrame, startFrame), discardLogger())

	ev, err := c.AwaitStart(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.StreamSID != "MZ0001" || ev.Start.CallSID != "CA0001" {
		t.Fatalf("unexpected start %#v", ev)
	}
}

func TestAwaitStartSurvivesMalformedFrames(t *testing.T) {
	var malformed int
	c := NewClassifier(textFrames(connectedFrame, `{"event":"start","streamSid":"MZ`, startFrame), discardLogger())
	c.OnMalformed = func(error) { malformed++ }

	ev, err := c.AwaitStart(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.StreamSID != "MZ0001" {
		t.Fatalf("stream sid = %q", ev.StreamSID)
	}
	if malformed != 1 {
		t.Fatalf("malformed = %d, want 1", malformed)
	}
}

func TestAwaitStartSkipsBinaryFrames(t *testing.T) {
	r := &scriptReader{frames: []frame{
		{typ: websocket.BinaryMessage, data: []byte{1, 2, 3}},
		{typ: websocket.TextMessage, data: []byte(startFrame)},
	}}
	c := NewClassifier(r, discardLogger())

	if _, err := c.AwaitStart(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAwaitStartEndsOnClose(t *testing.T) {
	c := NewClassifier(textFrames(connectedFrame, stopFrame), discardLogger())

	ev, err := c.AwaitStart(context.Background())
	if !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want EOF", err)
	}
	if ev != nil {
		t.Fatalf("unexpected start %#v", ev)
	}
	if c.Phase() != PhaseClosed {
		t.Fatalf("phase = %s", c.Phase())
	}
}

func TestAwaitStartHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := NewClassifier(textFrames(startFrame), discardLogger())

	if _, err := c.AwaitStart(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestDrainAfterStart(t *testing.T) {
	var marks, stops []string
	c := NewClassifier(textFrames(
		startFrame,
		mediaFrame,
		mediaFrame,
		`garbage`,
		markFrame,
		connectedFrame,
		startFrame,
		stopFrame,
		mediaFrame,
	), discardLogger())
	c.OnMark = func(ev *MarkEvent) { marks = append(marks, ev.Mark.Name) }
	c.OnStop = func(ev *StopEvent) { stops = append(stops, ev.Stop.CallSID) }

	if _, err := c.AwaitStart(context.Background()); err != nil {
		t.Fatalf("AwaitStart: %v", err)
	}
	if err := c.Drain(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("Drain err = %v, want EOF", err)
	}

	if c.MediaFrames() != 3 {
		t.Fatalf("media frames = %d, want 3 (reading continues after stop)", c.MediaFrames())
	}
	if len(marks) != 1 || marks[0] != "utterance" {
		t.Fatalf("marks = %v", marks)
	}
	if len(stops) != 1 || stops[0] != "CA0001" {
		t.Fatalf("stops = %v", stops)
	}
	if c.Phase() != PhaseClosed {
		t.Fatalf("phase = %s", c.Phase())
	}
}

func TestPhaseString(t *testing.T) {
	for phase, want := range map[Phase]string{
		PhaseAwaitingStart: "awaiting_start",
		PhaseStarted:       "started",
		PhaseClosed:        "closed",
		Phase(42):          "unknown",
	} {
		if phase.String() != want {
			t.Fatalf("%d.String() = %s, want %s", phase, phase.String(), want)
		}
	}
}
