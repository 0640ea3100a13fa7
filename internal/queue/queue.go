// Package queue implements the per-identity bounded FIFO described in
// spec §4.3: the Message Queue of undelivered relay envelopes.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/relaynet/relay-core/internal/envelope"
	"github.com/relaynet/relay-core/internal/kv"
)

func queueKey(identity string) string {
	return "queue:" + identity
}

// PushResult is the outcome of a push attempt (spec §4.3/§4.4).
type PushResult string

const (
	Queued  PushResult = "queued"
	Dropped PushResult = "dropped"
)

// item is the on-wire record stored in the KV list: the envelope plus its
// expiry, matching spec §3's "Queued item: (envelope, expires_at)".
type item struct {
	Envelope  envelope.Envelope `json:"envelope"`
	ExpiresAt int64             `json:"expires_at"`
}

// Queue is a KV-backed bounded FIFO, one list per recipient identity.
type Queue struct {
	kv       kv.Commander
	ttl      time.Duration
	maxLen   int
}

// New builds a queue with the given TTL and max length (spec §6 defaults:
// QUEUE_TTL=1800s, MAX_QUEUE_LEN=100).
func New(client kv.Commander, ttl time.Duration, maxLen int) *Queue {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if maxLen <= 0 {
		maxLen = 100
	}
	return &Queue{kv: client, ttl: ttl, maxLen: maxLen}
}

// Push appends an envelope to the recipient's queue, extending the list's
// TTL, and rejects (drops newest) once the queue is at capacity. The
// length check and the append happen as one atomic KV operation, so
// concurrent pushes to the same recipient can never grow the queue past
// maxLen (spec §8 testable property 3: "at all times").
func (q *Queue) Push(ctx context.Context, identity string, e envelope.Envelope) (PushResult, error) {
	key := queueKey(identity)

	it := item{Envelope: e, ExpiresAt: time.Now().Add(q.ttl).Unix()}
	data, err := json.Marshal(it)
	if err != nil {
		return "", fmt.Errorf("queue: encode item: %w", err)
	}

	pushed, err := q.kv.PushBounded(ctx, key, string(data), q.maxLen, q.ttl)
	if err != nil {
		return "", fmt.Errorf("queue: push: %w", err)
	}
	if !pushed {
		return Dropped, nil
	}
	return Queued, nil
}

// Flush atomically reads and deletes the entire queue for an identity,
// returning surviving (non-expired) envelopes in enqueue order.
func (q *Queue) Flush(ctx context.Context, identity string) ([]envelope.Envelope, error) {
	raw, err := q.kv.FlushList(ctx, queueKey(identity))
	if err != nil {
		return nil, fmt.Errorf("queue: flush: %w", err)
	}

	now := time.Now().Unix()
	out := make([]envelope.Envelope, 0, len(raw))
	for _, s := range raw {
		var it item
		if err := json.Unmarshal([]byte(s), &it); err != nil {
			continue
		}
		if it.ExpiresAt > now {
			out = append(out, it.Envelope)
		}
	}
	return out, nil
}
