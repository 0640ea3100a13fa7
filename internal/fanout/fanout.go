// Package fanout implements the Pub/Sub Fan-out described in spec §4.7:
// the cross-instance event bus on deliver.{identity} channels.
package fanout

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaynet/relay-core/internal/kv"
)

func deliverChannel(identity string) string {
	return "deliver." + identity
}

// identitySubscription tracks the single live kv.Subscribe call backing an
// identity's deliver channel, shared by every local joiner (e.g. two
// sessions of the same identity linked via link_pc).
type identitySubscription struct {
	refCount int
	cancel   context.CancelFunc
}

// Bus publishes and subscribes to the deliver.{identity} channels.
type Bus struct {
	kv  kv.Commander
	log *zap.Logger

	reconnectInterval time.Duration

	mu   sync.Mutex
	subs map[string]*identitySubscription
}

// New builds a fan-out bus.
func New(client kv.Commander, log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		kv:                client,
		log:               log,
		reconnectInterval: 2 * time.Second,
		subs:              make(map[string]*identitySubscription),
	}
}

// Publish broadcasts a message on the identity's deliver channel (spec
// §4.4 step 6: remote-instance delivery).
func (b *Bus) Publish(ctx context.Context, identity, payload string) error {
	return b.kv.Publish(ctx, deliverChannel(identity), payload)
}

// Handler processes one fan-out message. It returns nothing; failures,
// including application-level "no local session" cases, are the handler's
// own responsibility to resolve (e.g. by re-queueing).
type Handler func(ctx context.Context, identity, payload string)

// Subscribe joins each identity's deliver channel for the lifetime of ctx.
// Joins are ref-counted per identity: the underlying kv.Subscribe call is
// opened once per identity no matter how many local sessions join it
// (e.g. a primary and a linked secondary session of the same identity),
// and closed only once every joiner's ctx has been canceled. Without this,
// two joiners would each get their own subscription and a single remote
// publish would be delivered — and locally fanned out — twice.
func (b *Bus) Subscribe(ctx context.Context, identities []string, handle Handler) {
	for _, identity := range identities {
		b.join(ctx, identity, handle)
	}
}

func (b *Bus) join(ctx context.Context, identity string, handle Handler) {
	b.mu.Lock()
	sub, ok := b.subs[identity]
	if ok {
		sub.refCount++
		b.mu.Unlock()
	} else {
		subCtx, cancel := context.WithCancel(context.Background())
		sub = &identitySubscription{refCount: 1, cancel: cancel}
		b.subs[identity] = sub
		b.mu.Unlock()
		go b.loop(subCtx, identity, handle)
	}

	go func() {
		<-ctx.Done()
		b.leave(identity)
	}()
}

func (b *Bus) leave(identity string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[identity]
	if !ok {
		return
	}
	sub.refCount--
	if sub.refCount <= 0 {
		delete(b.subs, identity)
		sub.cancel()
	}
}

// loop runs the single subscription backing identity until ctx is
// canceled, reconnecting the underlying subscription with backoff if the
// connection drops — the same reconnect-loop shape the teacher's mesh
// dialer uses for outbound joins.
func (b *Bus) loop(ctx context.Context, identity string, handle Handler) {
	channel := deliverChannel(identity)
	for ctx.Err() == nil {
		sub := b.kv.Subscribe(ctx, channel)
		b.drain(ctx, sub, identity, handle)
		if ctx.Err() != nil {
			return
		}
		b.log.Warn("fanout subscription dropped, reconnecting", zap.String("identity", identity), zap.Duration("after", b.reconnectInterval))
		time.Sleep(b.reconnectInterval)
	}
}

func (b *Bus) drain(ctx context.Context, sub kv.Subscription, identity string, handle Handler) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			handle(ctx, identity, msg.Payload)
		}
	}
}
