package events

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/agentplexus/twiliosay/internal/config"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startNATS(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("create nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("nats server not ready")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns
}

func TestConnectDisabled(t *testing.T) {
	p, err := Connect(config.EventsConfig{}, discard())
	if err != nil || p != nil {
		t.Fatalf("Connect = %v, %v; want nil, nil", p, err)
	}
	if err := p.Publish(Event{Kind: KindStreamStarted}); err != nil {
		t.Fatalf("nil publisher Publish: %v", err)
	}
	p.Emit(Event{Kind: KindStreamEnded})
	if p.Healthy() {
		t.Fatal("nil publisher reports healthy")
	}
	p.Close()
}

func TestPublish(t *testing.T) {
	ns := startNATS(t)

	p, err := Connect(config.EventsConfig{URL: ns.ClientURL(), SubjectPrefix: "test"}, discard())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer p.Close()
	if !p.Healthy() {
		t.Fatal("publisher not healthy")
	}

	sub, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("subscriber connect: %v", err)
	}
	defer sub.Close()
	s, err := sub.SubscribeSync("test.stream.*")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := p.Publish(Event{Kind: KindStreamStarted, StreamSID: "MZ0001", CallSID: "CA0001"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	msg, err := s.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("NextMsg: %v", err)
	}
	if msg.Subject != "test.stream.started" {
		t.Fatalf("subject = %q", msg.Subject)
	}
	var ev Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.StreamSID != "MZ0001" || ev.CallSID != "CA0001" || ev.Time.IsZero() {
		t.Fatalf("event = %+v", ev)
	}
}

func TestPublishRequiresKind(t *testing.T) {
	ns := startNATS(t)
	p, err := Connect(config.EventsConfig{URL: ns.ClientURL()}, discard())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer p.Close()

	if err := p.Publish(Event{}); err == nil {
		t.Fatal("expected error without kind")
	}
	if got := p.Subject(KindCallIncoming); got != "twiliosay.call.incoming" {
		t.Fatalf("subject = %q", got)
	}
}

func TestConnectUnreachable(t *testing.T) {
	if _, err := Connect(config.EventsConfig{URL: "nats://127.0.0.1:1"}, discard()); err == nil {
		t.Fatal("expected connection error")
	}
}
