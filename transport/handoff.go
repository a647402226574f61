package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrHandoffClosed is returned when the listener stopped before a stream started.
var ErrHandoffClosed = errors.New("stream ended before start")

// Handoff passes the streamSid from the listener to the speaker exactly once.
// Closing it without delivering resolves the waiting side with ok == false.
type Handoff struct {
	ch   chan string
	once sync.Once
}

// NewHandoff creates an empty handoff.
func NewHandoff() *Handoff {
	return &Handoff{ch: make(chan string, 1)}
}

// Deliver hands over the stream SID. Only the first call to Deliver or
// Close has any effect; it reports whether this call delivered.
func (h *Handoff) Deliver(streamSID string) bool {
	delivered := false
	h.once.Do(func() {
		h.ch <- streamSID
		close(h.ch)
		delivered = true
	})
	return delivered
}

// Close drops the handoff. It is a no-op after Deliver.
func (h *Handoff) Close() {
	h.once.Do(func() {
		close(h.ch)
	})
}

// Wait blocks until a value is delivered, the handoff is dropped or ctx is done.
func (h *Handoff) Wait(ctx context.Context) (string, bool) {
	select {
	case sid, ok := <-h.ch:
		return sid, ok
	case <-ctx.Done():
		return "", false
	}
}
