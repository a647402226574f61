package transport

import (
	"context"
	"testing"
	"time"
)

func TestHandoffDeliversOnce(t *testing.T) {
	h := NewHandoff()
	if !h.Deliver("MZ1") {
		t.Fatal("first deliver should succeed")
	}
	if h.Deliver("MZ2") {
		t.Fatal("second deliver should be ignored")
	}
	h.Close()

	sid, ok := h.Wait(context.Background())
	if !ok || sid != "MZ1" {
		t.Fatalf("Wait = %q, %v", sid, ok)
	}
}

func TestHandoffClosedEmpty(t *testing.T) {
	h := NewHandoff()
	done := make(chan struct{})
	var (
		sid string
		ok  bool
	)
	go func() {
		sid, ok = h.Wait(context.Background())
		close(done)
	}()

	h.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Close")
	}
	if ok || sid != "" {
		t.Fatalf("Wait = %q, %v; want empty, false", sid, ok)
	}
	if h.Deliver("late") {
		t.Fatal("deliver after close should be ignored")
	}
}

func TestHandoffWaitHonorsContext(t *testing.T) {
	h := NewHandoff()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, ok := h.Wait(ctx); ok {
		t.Fatal("expected ok == false on context expiry")
	}
}
