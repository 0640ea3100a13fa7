package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relaynet/relay-core/internal/envelope"
	"github.com/relaynet/relay-core/internal/fanout"
	"github.com/relaynet/relay-core/internal/kv"
	"github.com/relaynet/relay-core/internal/presence"
	"github.com/relaynet/relay-core/internal/queue"
	"github.com/relaynet/relay-core/internal/ratelimit"
	"github.com/relaynet/relay-core/internal/session"
)

type ackRecord struct {
	from  string
	msgID string
}

type fakeEmitter struct {
	mu   sync.Mutex
	got  map[string][]envelope.Envelope
	acks map[string][]ackRecord
}

func newFakeEmitter() *fakeEmitter {
	return &fakeEmitter{got: make(map[string][]envelope.Envelope), acks: make(map[string][]ackRecord)}
}

func (f *fakeEmitter) Send(sessionID string, env envelope.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got[sessionID] = append(f.got[sessionID], env)
	return nil
}

func (f *fakeEmitter) SendAck(sessionID, from, msgID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks[sessionID] = append(f.acks[sessionID], ackRecord{from: from, msgID: msgID})
	return nil
}

func (f *fakeEmitter) countFor(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got[sessionID])
}

func (f *fakeEmitter) acksFor(sessionID string) []ackRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ackRecord(nil), f.acks[sessionID]...)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *session.Registry, *fakeEmitter) {
	t.Helper()
	client := kv.NewFake()
	sessions := session.NewRegistry()
	pres := presence.New(client, time.Hour)
	q := queue.New(client, 30*time.Minute, 100)
	limiter := ratelimit.New(100, 10)
	bus := fanout.New(client, nil)

	d := NewDispatcher(Config{InstanceID: "inst-a", MaxPayloadSize: 1024}, sessions, pres, q, limiter, bus, nil, nil)
	emitter := newFakeEmitter()
	d.SetEmitter(emitter)
	return d, sessions, emitter
}

func TestRelayDeliversLocally(t *testing.T) {
	d, sessions, emitter := newTestDispatcher(t)
	ctx := context.Background()

	sessions.Create("s-sender", "inst-a")
	sessions.Bind("s-sender", "alice")
	sessions.Create("s-recipient", "inst-a")
	sessions.Bind("s-recipient", "bob")

	msgID, status, err := d.Relay(ctx, "s-sender", "bob", []byte("hi"))
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if msgID == "" {
		t.Fatal("expected non-empty msg id")
	}
	if status != "delivered" {
		t.Fatalf("expected delivered status, got %q", status)
	}
	if emitter.countFor("s-recipient") != 1 {
		t.Fatalf("expected one local delivery, got %d", emitter.countFor("s-recipient"))
	}
}

func TestRelayQueuesWhenRecipientOffline(t *testing.T) {
	d, sessions, _ := newTestDispatcher(t)
	ctx := context.Background()

	sessions.Create("s-sender", "inst-a")
	sessions.Bind("s-sender", "alice")

	_, status, err := d.Relay(ctx, "s-sender", "ghost", []byte("hi"))
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if status != "queued" {
		t.Fatalf("expected queued status, got %q", status)
	}

	envs, err := d.queue.Flush(ctx, "ghost")
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(envs) != 1 || string(envs[0].Payload) != "hi" {
		t.Fatalf("expected queued envelope with payload hi, got %+v", envs)
	}
}

func TestRelayRejectsUnboundSender(t *testing.T) {
	d, sessions, _ := newTestDispatcher(t)
	ctx := context.Background()
	sessions.Create("s-unbound", "inst-a")

	_, _, err := d.Relay(ctx, "s-unbound", "bob", []byte("hi"))
	var relayErr *Error
	if !errors.As(err, &relayErr) || relayErr.Kind != ErrUnauthenticated {
		t.Fatalf("expected unauthenticated error, got %v", err)
	}
}

func TestRelayRejectsOversizedPayload(t *testing.T) {
	d, sessions, _ := newTestDispatcher(t)
	ctx := context.Background()
	sessions.Create("s-sender", "inst-a")
	sessions.Bind("s-sender", "alice")

	big := make([]byte, 2048)
	_, _, err := d.Relay(ctx, "s-sender", "bob", big)
	var relayErr *Error
	if !errors.As(err, &relayErr) || relayErr.Kind != ErrTooLarge {
		t.Fatalf("expected too_large error, got %v", err)
	}
}

func TestRelayEnforcesRateLimit(t *testing.T) {
	client := kv.NewFake()
	sessions := session.NewRegistry()
	pres := presence.New(client, time.Hour)
	q := queue.New(client, 30*time.Minute, 100)
	limiter := ratelimit.New(1, 0)
	bus := fanout.New(client, nil)
	d := NewDispatcher(Config{InstanceID: "inst-a"}, sessions, pres, q, limiter, bus, nil, nil)
	d.SetEmitter(newFakeEmitter())

	ctx := context.Background()
	sessions.Create("s-sender", "inst-a")
	sessions.Bind("s-sender", "alice")

	if _, _, err := d.Relay(ctx, "s-sender", "bob", []byte("a")); err != nil {
		t.Fatalf("first relay should pass: %v", err)
	}

	_, _, err := d.Relay(ctx, "s-sender", "bob", []byte("b"))
	var relayErr *Error
	if !errors.As(err, &relayErr) || relayErr.Kind != ErrRateLimited {
		t.Fatalf("expected rate_limited error, got %v", err)
	}
}

func TestEchoSkipsSendingSessionButReachesSiblings(t *testing.T) {
	d, sessions, emitter := newTestDispatcher(t)
	ctx := context.Background()

	sessions.Create("s1", "inst-a")
	sessions.Bind("s1", "alice")
	sessions.Create("s2", "inst-a")
	sessions.Bind("s2", "alice")
	sessions.Create("s-recipient", "inst-a")
	sessions.Bind("s-recipient", "bob")

	if _, _, err := d.Relay(ctx, "s1", "bob", []byte("hi")); err != nil {
		t.Fatalf("relay: %v", err)
	}

	if emitter.countFor("s1") != 0 {
		t.Fatalf("sender session should not receive its own echo, got %d", emitter.countFor("s1"))
	}
	if emitter.countFor("s2") != 1 {
		t.Fatalf("sibling session should receive exactly one echo, got %d", emitter.countFor("s2"))
	}
}

func TestHandleRemoteDeliveryFallsBackToQueue(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	env := envelope.Envelope{MsgID: "m1", From: "alice", To: "bob", Payload: []byte("hi"), Timestamp: 1, Kind: envelope.KindDirect}
	data, _ := json.Marshal(fanoutMessage{Kind: fanoutKindEnvelope, Env: &env})

	d.HandleRemoteDelivery(ctx, "bob", string(data))

	envs, err := d.queue.Flush(ctx, "bob")
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(envs) != 1 || envs[0].MsgID != "m1" {
		t.Fatalf("expected envelope queued from remote delivery, got %+v", envs)
	}
}

func TestAckDeliversLocallyToOriginalSender(t *testing.T) {
	d, sessions, emitter := newTestDispatcher(t)
	ctx := context.Background()

	sessions.Create("s-sender", "inst-a")
	sessions.Bind("s-sender", "alice")
	sessions.Create("s-recipient", "inst-a")
	sessions.Bind("s-recipient", "bob")

	if err := d.Ack(ctx, "s-recipient", "alice", "m1"); err != nil {
		t.Fatalf("ack: %v", err)
	}

	acks := emitter.acksFor("s-sender")
	if len(acks) != 1 || acks[0].from != "bob" || acks[0].msgID != "m1" {
		t.Fatalf("expected one ack from bob for m1, got %+v", acks)
	}
}

func TestAckFromUnboundSessionIsRejected(t *testing.T) {
	d, sessions, _ := newTestDispatcher(t)
	ctx := context.Background()
	sessions.Create("s-unbound", "inst-a")

	err := d.Ack(ctx, "s-unbound", "alice", "m1")
	var relayErr *Error
	if !errors.As(err, &relayErr) || relayErr.Kind != ErrUnauthenticated {
		t.Fatalf("expected unauthenticated error, got %v", err)
	}
}

func TestHandleRemoteDeliveryDeliversAckLocally(t *testing.T) {
	d, sessions, emitter := newTestDispatcher(t)
	ctx := context.Background()

	sessions.Create("s-sender", "inst-a")
	sessions.Bind("s-sender", "alice")

	data, _ := json.Marshal(fanoutMessage{Kind: fanoutKindAck, AckFrom: "bob", AckMsg: "m1"})
	d.HandleRemoteDelivery(ctx, "alice", string(data))

	acks := emitter.acksFor("s-sender")
	if len(acks) != 1 || acks[0].from != "bob" || acks[0].msgID != "m1" {
		t.Fatalf("expected one remote ack delivered locally, got %+v", acks)
	}
}
