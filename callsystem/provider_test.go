package callsystem

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/agentplexus/twiliosay/internal/client"
)

type fakeHanger struct {
	mu   sync.Mutex
	sids []string
	err  error
}

func (f *fakeHanger) HangupCall(_ context.Context, callSID string) (*client.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sids = append(f.sids, callSID)
	if f.err != nil {
		return nil, f.err
	}
	return &client.Call{SID: callSID, Status: "completed"}, nil
}

func quiet() Option {
	return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func mustNew(t *testing.T, opts ...Option) *Provider {
	t.Helper()
	p, err := New(append([]Option{quiet()}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestIncomingWebhookConnect(t *testing.T) {
	p := mustNew(t)

	call, doc, err := p.HandleIncomingWebhook(context.Background(), WebhookParams{
		CallSID: "CA0001", From: "+15550100", To: "+15550199", CallStatus: "ringing", Host: "abc.ngrok.io",
	})
	if err != nil {
		t.Fatalf("HandleIncomingWebhook: %v", err)
	}
	if !strings.Contains(doc, `url="wss://abc.ngrok.io/connect"`) || !strings.Contains(doc, "<Say>") {
		t.Fatalf("doc = %s", doc)
	}
	if call.ID() != "CA0001" || call.From() != "+15550100" || call.Status() != StatusRinging {
		t.Fatalf("call = %#v", call)
	}
	if p.ActiveCalls() != 1 {
		t.Fatalf("active calls = %d", p.ActiveCalls())
	}
}

func TestIncomingWebhookPlay(t *testing.T) {
	p := mustNew(t, WithMode(ModePlay))

	_, doc, err := p.HandleIncomingWebhook(context.Background(), WebhookParams{CallSID: "CA0001", Host: "abc.ngrok.io"})
	if err != nil {
		t.Fatalf("HandleIncomingWebhook: %v", err)
	}
	if !strings.Contains(doc, "<Play>https://abc.ngrok.io/play</Play>") {
		t.Fatalf("doc = %s", doc)
	}
	if strings.Contains(doc, "<Connect>") {
		t.Fatalf("unexpected connect: %s", doc)
	}
}

func TestIncomingWebhookRequiresHost(t *testing.T) {
	for _, mode := range []Mode{ModeConnect, ModePlay} {
		p := mustNew(t, WithMode(mode))
		if _, _, err := p.HandleIncomingWebhook(context.Background(), WebhookParams{CallSID: "CA1"}); err == nil {
			t.Errorf("mode %s: expected error without host", mode)
		}
		if p.ActiveCalls() != 0 {
			t.Errorf("mode %s: call recorded on failure", mode)
		}
	}
}

func TestNewRejectsUnknownMode(t *testing.T) {
	if _, err := New(WithMode("dial")); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestNewHangupAfterPlaybackNeedsClient(t *testing.T) {
	if _, err := New(WithHangupAfterPlayback(true)); !errors.Is(err, ErrNoClient) {
		t.Fatalf("err = %v, want ErrNoClient", err)
	}
}

func TestStatusCallbackEvictsTerminal(t *testing.T) {
	p := mustNew(t)
	_, _, _ = p.HandleIncomingWebhook(context.Background(), WebhookParams{CallSID: "CA0001", Host: "h"})

	p.HandleStatusCallback("CA0001", "in-progress")
	call, ok := p.Call("CA0001")
	if !ok || call.Status() != StatusAnswered {
		t.Fatalf("call = %v %v", call, ok)
	}

	p.HandleStatusCallback("CA0001", "completed")
	if _, ok := p.Call("CA0001"); ok {
		t.Fatal("completed call still tracked")
	}
	if call.Status() != StatusEnded {
		t.Fatalf("status = %s", call.Status())
	}

	p.HandleStatusCallback("CA-unknown", "completed")
}

func TestAttachStream(t *testing.T) {
	p := mustNew(t)
	_, _, _ = p.HandleIncomingWebhook(context.Background(), WebhookParams{CallSID: "CA0001", Host: "h"})

	call := p.AttachStream("CA0001", "MZ0001")
	if call.StreamSID() != "MZ0001" || call.Status() != StatusAnswered {
		t.Fatalf("call = %#v", call)
	}

	unseen := p.AttachStream("CA0002", "MZ0002")
	if unseen == nil || p.ActiveCalls() != 2 {
		t.Fatal("stream for unseen call not recorded")
	}
	if p.AttachStream("", "MZ0003") != nil {
		t.Fatal("stream without call sid recorded")
	}
}

func TestHangup(t *testing.T) {
	h := &fakeHanger{}
	p := mustNew(t, WithHanger(h))
	p.AttachStream("CA0001", "MZ0001")

	if err := p.Hangup(context.Background(), "CA0001"); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	if len(h.sids) != 1 || h.sids[0] != "CA0001" {
		t.Fatalf("hangups = %v", h.sids)
	}
	if p.ActiveCalls() != 0 {
		t.Fatal("call still tracked after hangup")
	}
}

func TestHangupWithoutClient(t *testing.T) {
	p := mustNew(t)
	if err := p.Hangup(context.Background(), "CA0001"); !errors.Is(err, ErrNoClient) {
		t.Fatalf("err = %v", err)
	}
}

func TestPlaybackComplete(t *testing.T) {
	h := &fakeHanger{}
	off := mustNew(t, WithHanger(h))
	if err := off.PlaybackComplete(context.Background(), "CA0001"); err != nil || len(h.sids) != 0 {
		t.Fatalf("hangup with policy off: err=%v sids=%v", err, h.sids)
	}

	on := mustNew(t, WithHanger(h), WithHangupAfterPlayback(true))
	if err := on.PlaybackComplete(context.Background(), "CA0001"); err != nil {
		t.Fatalf("PlaybackComplete: %v", err)
	}
	if len(h.sids) != 1 {
		t.Fatalf("hangups = %v", h.sids)
	}

	h.err = errors.New("twilio down")
	if err := on.PlaybackComplete(context.Background(), "CA0002"); err == nil {
		t.Fatal("expected hangup error")
	}
}
