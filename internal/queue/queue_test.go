package queue

import (
	"context"
	"testing"
	"time"

	"github.com/relaynet/relay-core/internal/envelope"
	"github.com/relaynet/relay-core/internal/kv"
)

func mkEnvelope(msgID string) envelope.Envelope {
	return envelope.Envelope{MsgID: msgID, From: "u1", To: "u2", Payload: envelope.Payload("hi"), Timestamp: time.Now().Unix(), Kind: envelope.KindDirect}
}

func TestPushAndFlushPreservesOrder(t *testing.T) {
	ctx := context.Background()
	q := New(kv.NewFake(), time.Minute, 100)

	for _, id := range []string{"m1", "m2", "m3"} {
		res, err := q.Push(ctx, "u2", mkEnvelope(id))
		if err != nil || res != Queued {
			t.Fatalf("push %s: res=%s err=%v", id, res, err)
		}
	}

	items, err := q.Flush(ctx, "u2")
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	for i, expected := range []string{"m1", "m2", "m3"} {
		if items[i].MsgID != expected {
			t.Fatalf("expected order %v, got %+v", expected, items)
		}
	}
}

func TestPushRejectsAtCapacity(t *testing.T) {
	ctx := context.Background()
	q := New(kv.NewFake(), time.Minute, 2)

	res, _ := q.Push(ctx, "u2", mkEnvelope("m1"))
	if res != Queued {
		t.Fatalf("expected m1 queued, got %s", res)
	}
	res, _ = q.Push(ctx, "u2", mkEnvelope("m2"))
	if res != Queued {
		t.Fatalf("expected m2 queued, got %s", res)
	}
	res, _ = q.Push(ctx, "u2", mkEnvelope("m3"))
	if res != Dropped {
		t.Fatalf("expected m3 dropped at capacity, got %s", res)
	}

	items, _ := q.Flush(ctx, "u2")
	if len(items) != 2 {
		t.Fatalf("expected exactly 2 surviving items, got %d", len(items))
	}
}

func TestFlushDiscardsExpiredItems(t *testing.T) {
	ctx := context.Background()
	q := New(kv.NewFake(), time.Millisecond, 100)

	if _, err := q.Push(ctx, "u2", mkEnvelope("m1")); err != nil {
		t.Fatalf("push: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	items, err := q.Flush(ctx, "u2")
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected expired item discarded, got %d", len(items))
	}
}

func TestFlushEmptyQueue(t *testing.T) {
	ctx := context.Background()
	q := New(kv.NewFake(), time.Minute, 100)

	items, err := q.Flush(ctx, "nobody")
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected empty, got %d", len(items))
	}
}
