package transport

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/agentplexus/omnivoice/tts"
	"github.com/gorilla/websocket"

	"github.com/agentplexus/twiliosay/audio"
)

type frame struct {
	typ  int
	data []byte
}

// scriptReader replays frames and then reports EOF.
type scriptReader struct {
	frames []frame
}

func textFrames(msgs ...string) *scriptReader {
	r := &scriptReader{}
	for _, m := range msgs {
		r.frames = append(r.frames, frame{typ: websocket.TextMessage, data: []byte(m)})
	}
	return r
}

func (r *scriptReader) ReadMessage() (int, []byte, error) {
	if len(r.frames) == 0 {
		return 0, nil, io.EOF
	}
	f := r.frames[0]
	r.frames = r.frames[1:]
	return f.typ, f.data, nil
}

// fakeConn is an in-memory Conn. Frames pushed with send are read by the
// session; hangup ends the read side as a peer disconnect would.
type fakeConn struct {
	in       chan frame
	done     chan struct{}
	closeErr sync.Once
	hangOnce sync.Once

	mu      sync.Mutex
	written [][]byte
	wrote   chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:    make(chan frame, 16),
		done:  make(chan struct{}),
		wrote: make(chan struct{}, 16),
	}
}

func (c *fakeConn) send(msgs ...string) {
	for _, m := range msgs {
		c.in <- frame{typ: websocket.TextMessage, data: []byte(m)}
	}
}

func (c *fakeConn) hangup() {
	c.hangOnce.Do(func() { close(c.in) })
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case <-c.done:
		return 0, nil, net.ErrClosed
	default:
	}
	select {
	case f, ok := <-c.in:
		if !ok {
			return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
		}
		return f.typ, f.data, nil
	case <-c.done:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}
	c.mu.Lock()
	c.written = append(c.written, append([]byte(nil), data...))
	c.mu.Unlock()
	c.wrote <- struct{}{}
	return nil
}

func (c *fakeConn) Close() error {
	c.closeErr.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *fakeConn) frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

func (c *fakeConn) waitWrites(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-c.wrote:
		case <-deadline:
			t.Fatalf("timed out waiting for %d writes, got %d", n, len(c.frames()))
		}
	}
}

// fakeSynth returns a fixed result.
type fakeSynth struct {
	result *tts.SynthesisResult
	err    error
	block  bool

	mu    sync.Mutex
	calls []string
}

func (s *fakeSynth) Synthesize(ctx context.Context, text string, _ tts.SynthesisConfig) (*tts.SynthesisResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, text)
	s.mu.Unlock()

	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.result, s.err
}

func (s *fakeSynth) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func wavResult(samples []byte) *tts.SynthesisResult {
	container := append(make([]byte, audio.HeaderSize), samples...)
	return &tts.SynthesisResult{Audio: container, Format: audio.FormatWAV}
}

func runSession(t *testing.T, s *Session) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()
	return errCh
}

func waitRun(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

func decodeMedia(t *testing.T, data []byte) MediaMessage {
	t.Helper()
	var msg MediaMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal media: %v", err)
	}
	return msg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
