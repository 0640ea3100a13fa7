// Package kv abstracts the shared Redis-compatible backing store used by
// the Presence Store, Message Queue, and Pairing/Invite modules, and the
// deliver.{identity} pub/sub channels used by the Fan-out component.
package kv

import (
	"context"
	"time"
)

// Commander is the narrow slice of Redis commands the core relies on. No
// component reaches into the backing store through any other path (spec
// §5: "no component reaches into KV keys directly").
type Commander interface {
	// SAdd adds members to a set.
	SAdd(ctx context.Context, key string, members ...string) error
	// SRem removes members from a set.
	SRem(ctx context.Context, key string, members ...string) error
	// SIsMember reports set membership.
	SIsMember(ctx context.Context, key, member string) (bool, error)

	// Set writes a string value with optional TTL (ttl <= 0 means no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Get reads a string value; ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Del deletes one or more keys.
	Del(ctx context.Context, keys ...string) error

	// RPush appends a value to a list and extends the list's TTL to at
	// least minTTL (never shortens an existing longer TTL).
	RPush(ctx context.Context, key, value string, minTTL time.Duration) error
	// LLen returns the length of a list.
	LLen(ctx context.Context, key string) (int64, error)
	// PushBounded atomically appends value to a list only if its length is
	// below maxLen, extending the list's TTL to at least minTTL. pushed is
	// false when the list was already at capacity. The check-then-append
	// is a single atomic operation so concurrent pushers can never grow
	// the list past maxLen.
	PushBounded(ctx context.Context, key, value string, maxLen int, minTTL time.Duration) (pushed bool, err error)
	// FlushList atomically reads and deletes an entire list, in FIFO order.
	FlushList(ctx context.Context, key string) ([]string, error)

	// Publish broadcasts a message on a pub/sub channel.
	Publish(ctx context.Context, channel, message string) error
	// Subscribe opens a subscription to one or more channels.
	Subscribe(ctx context.Context, channels ...string) Subscription
}

// Subscription is a live pub/sub subscription.
type Subscription interface {
	// Channel returns the delivery channel for incoming messages. It is
	// closed when the subscription is closed or the connection drops.
	Channel() <-chan Message
	Close() error
}

// Message is a single pub/sub delivery.
type Message struct {
	Channel string
	Payload string
}
