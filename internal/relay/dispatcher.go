// Package relay implements the Relay Dispatcher described in spec §4.4:
// the component that takes a single relay request from an authenticated
// session and decides whether to deliver it locally, hand it to another
// instance over the fan-out bus, or queue it for later delivery.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaynet/relay-core/internal/envelope"
	"github.com/relaynet/relay-core/internal/fanout"
	"github.com/relaynet/relay-core/internal/presence"
	"github.com/relaynet/relay-core/internal/queue"
	"github.com/relaynet/relay-core/internal/ratelimit"
	"github.com/relaynet/relay-core/internal/session"
)

// Emitter delivers to a specific local session. The transport layer
// implements this over its websocket connections; the dispatcher never
// touches a network connection directly.
type Emitter interface {
	Send(sessionID string, env envelope.Envelope) error
	SendAck(sessionID, from, msgID string) error
}

// fanoutMessage is the wire shape published on a deliver.{identity}
// channel. It carries either a relayed envelope or a delivery
// acknowledgement, so one channel per identity serves both the Relay
// Dispatcher's delivery path (spec §4.4) and its ack path.
type fanoutMessage struct {
	Kind    string             `json:"kind"`
	Env     *envelope.Envelope `json:"env,omitempty"`
	AckFrom string             `json:"ack_from,omitempty"`
	AckMsg  string             `json:"ack_msg,omitempty"`
}

const (
	fanoutKindEnvelope = "envelope"
	fanoutKindAck      = "ack"
)

// Config bundles the Dispatcher's tunables (spec §6 defaults apply when a
// field is left at its zero value through the constructors of the pieces
// it wraps).
type Config struct {
	InstanceID     string
	MaxPayloadSize int
}

// Dispatcher wires together the Session Registry, Presence Store, Message
// Queue, Pub/Sub Fan-out and rate limiter to implement spec §4.4's
// dispatch algorithm.
type Dispatcher struct {
	instanceID     string
	maxPayloadSize int

	sessions *session.Registry
	presence *presence.Store
	queue    *queue.Queue
	limiter  *ratelimit.Limiter
	bus      *fanout.Bus

	emitter Emitter
	metrics *Metrics
	log     *zap.Logger
}

// NewDispatcher builds a Dispatcher from its collaborators. emitter may be
// set after construction via SetEmitter once the transport layer has
// stood up its session table, breaking the init-order cycle between the
// two packages.
func NewDispatcher(cfg Config, sessions *session.Registry, pres *presence.Store, q *queue.Queue, limiter *ratelimit.Limiter, bus *fanout.Bus, metrics *Metrics, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	maxPayload := cfg.MaxPayloadSize
	if maxPayload <= 0 {
		maxPayload = 5 * 1024 * 1024
	}
	return &Dispatcher{
		instanceID:     cfg.InstanceID,
		maxPayloadSize: maxPayload,
		sessions:       sessions,
		presence:       pres,
		queue:          q,
		limiter:        limiter,
		bus:            bus,
		metrics:        metrics,
		log:            log,
	}
}

// SetEmitter wires the transport layer's delivery hook in after
// construction.
func (d *Dispatcher) SetEmitter(e Emitter) {
	d.emitter = e
}

// InstanceID returns the identifier this dispatcher advertises to the
// Presence Store, used by the transport layer to register new sessions.
func (d *Dispatcher) InstanceID() string {
	return d.instanceID
}

// Relay implements spec §4.4: validate the sender, rate-limit, size-check,
// resolve the recipient's presence, deliver or queue, and echo the
// envelope to the sender's other live sessions. The returned status is one
// of delivered, queued, or dropped (spec §6's dispatch_status). The msg_id
// is a random UUID generated here; Relay takes no client-supplied msg_id.
func (d *Dispatcher) Relay(ctx context.Context, senderSessionID, to string, payload []byte) (msgID, status string, err error) {
	identity, ok := d.sessions.IdentityOf(senderSessionID)
	if !ok {
		return "", "", Unauthenticated("session is not bound to an identity")
	}

	if !d.limiter.Allow(senderSessionID) {
		d.metrics.RecordRateLimited()
		return "", "", RateLimited("too many requests")
	}

	if len(payload) > d.maxPayloadSize {
		return "", "", TooLarge(fmt.Sprintf("payload exceeds %d bytes", d.maxPayloadSize))
	}

	env := envelope.Envelope{
		MsgID:     uuid.NewString(),
		From:      identity,
		To:        to,
		Payload:   append(envelope.Payload(nil), payload...),
		Timestamp: time.Now().Unix(),
		Kind:      envelope.KindDirect,
	}

	internalStatus, err := d.deliver(ctx, env)
	if err != nil {
		d.metrics.RecordDispatch("error")
		return "", "", err
	}
	d.metrics.RecordDispatch(internalStatus)

	d.echoToOtherSessions(senderSessionID, identity, env)

	d.log.Debug("relayed envelope",
		zap.String("msg_id", env.MsgID),
		zap.String("from", env.From),
		zap.String("to", env.To),
		zap.Int("size", env.Size()),
		zap.String("status", internalStatus),
	)

	return env.MsgID, wireDispatchStatus(internalStatus), nil
}

// wireDispatchStatus collapses the dispatcher's fine-grained internal
// delivery outcomes (used for metrics) onto spec §6's three-value
// dispatch_status enum.
func wireDispatchStatus(internal string) string {
	switch internal {
	case "delivered_local", "delivered_remote":
		return "delivered"
	case "queue_dropped":
		return "dropped"
	default:
		return "queued"
	}
}

// deliver routes an envelope to a local session, a remote instance over
// the fan-out bus, or the recipient's offline queue, in that priority
// order (spec §4.4 steps 4-6).
func (d *Dispatcher) deliver(ctx context.Context, env envelope.Envelope) (string, error) {
	to := env.To

	if d.sessions.HasLocalSession(to) {
		d.deliverLocal(to, env)
		return "delivered_local", nil
	}

	ref, online, err := d.presence.Lookup(ctx, to)
	if err != nil {
		return "", KVUnavailable("presence lookup failed")
	}

	if online && ref.InstanceID != d.instanceID {
		encoded, err := json.Marshal(fanoutMessage{Kind: fanoutKindEnvelope, Env: &env})
		if err != nil {
			return "", fmt.Errorf("relay: encode envelope: %w", err)
		}
		if err := d.bus.Publish(ctx, to, string(encoded)); err != nil {
			return "", KVUnavailable("fan-out publish failed")
		}
		d.metrics.RecordFanoutPublish()
		return "delivered_remote", nil
	}

	result, err := d.queue.Push(ctx, to, env)
	if err != nil {
		return "", KVUnavailable("queue push failed")
	}
	if result == queue.Dropped {
		return "queue_dropped", nil
	}
	return "queued", nil
}

func (d *Dispatcher) deliverLocal(identity string, env envelope.Envelope) {
	if d.emitter == nil {
		return
	}
	for _, sessID := range d.sessions.SessionsFor(identity) {
		if err := d.emitter.Send(sessID, env.Clone()); err != nil {
			d.log.Warn("local delivery failed", zap.String("session_id", sessID), zap.Error(err))
		}
	}
}

// echoToOtherSessions fans the envelope out to every other live session of
// the sender's own identity (spec §4.4 step 7) — never back to the
// sending session itself.
func (d *Dispatcher) echoToOtherSessions(senderSessionID, identity string, env envelope.Envelope) {
	if d.emitter == nil {
		return
	}
	echo := env.AsEcho()
	for _, sessID := range d.sessions.SessionsFor(identity) {
		if sessID == senderSessionID {
			continue
		}
		if err := d.emitter.Send(sessID, echo.Clone()); err != nil {
			d.log.Warn("echo delivery failed", zap.String("session_id", sessID), zap.Error(err))
		}
	}
}

// HandleRemoteDelivery is the fanout.Handler bound to this instance's bus
// subscription: it decodes a message published by another instance — a
// relayed envelope or a delivery acknowledgement — and delivers it to any
// local session bound to identity. A remote envelope falls back to the
// offline queue if the target has since disconnected, so the message is
// not lost to the race between presence lookup and delivery; a remote ack
// has no such fallback, since the spec defines no ack queue.
func (d *Dispatcher) HandleRemoteDelivery(ctx context.Context, identity, payload string) {
	var msg fanoutMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		d.log.Warn("dropping malformed fan-out message", zap.String("identity", identity), zap.Error(err))
		return
	}

	if msg.Kind == fanoutKindAck {
		d.deliverAckLocal(identity, msg.AckFrom, msg.AckMsg)
		return
	}

	if msg.Env == nil {
		return
	}
	if d.sessions.HasLocalSession(identity) {
		d.deliverLocal(identity, *msg.Env)
		return
	}
	if _, err := d.queue.Push(ctx, identity, *msg.Env); err != nil {
		d.log.Warn("failed to queue fan-out envelope after local miss", zap.String("identity", identity), zap.Error(err))
	}
}

// FlushReconnectQueue returns every queued envelope for identity, deleting
// them from the queue. The caller is responsible for delivering them to
// the single reconnecting session only — never to the identity's other
// live sessions (spec design note: queue flush targets only the
// reconnecting session).
func (d *Dispatcher) FlushReconnectQueue(ctx context.Context, identity string) ([]envelope.Envelope, error) {
	envs, err := d.queue.Flush(ctx, identity)
	if err != nil {
		return nil, KVUnavailable("queue flush failed")
	}
	return envs, nil
}

// Ack implements spec §4.4's acknowledgement path: a session that received
// an envelope reports msgID as handled, and every live session of the
// original sender (to) receives a notification naming the acker.
func (d *Dispatcher) Ack(ctx context.Context, ackerSessionID, to, msgID string) error {
	identity, ok := d.sessions.IdentityOf(ackerSessionID)
	if !ok {
		return Unauthenticated("session is not bound to an identity")
	}

	if d.sessions.HasLocalSession(to) {
		d.deliverAckLocal(to, identity, msgID)
		return nil
	}

	ref, online, err := d.presence.Lookup(ctx, to)
	if err != nil {
		return KVUnavailable("presence lookup failed")
	}
	if !online || ref.InstanceID == d.instanceID {
		return nil
	}

	encoded, err := json.Marshal(fanoutMessage{Kind: fanoutKindAck, AckFrom: identity, AckMsg: msgID})
	if err != nil {
		return fmt.Errorf("relay: encode ack: %w", err)
	}
	if err := d.bus.Publish(ctx, to, string(encoded)); err != nil {
		return KVUnavailable("fan-out publish failed")
	}
	return nil
}

func (d *Dispatcher) deliverAckLocal(identity, from, msgID string) {
	if d.emitter == nil {
		return
	}
	for _, sessID := range d.sessions.SessionsFor(identity) {
		if err := d.emitter.SendAck(sessID, from, msgID); err != nil {
			d.log.Warn("ack delivery failed", zap.String("session_id", sessID), zap.Error(err))
		}
	}
}

// MarkOnline registers identity as online at this instance for the given
// session, used on connect/bind and before a reconnect flush.
func (d *Dispatcher) MarkOnline(ctx context.Context, sessionID, identity string) error {
	if err := d.presence.SetOnline(ctx, identity, presence.Ref{InstanceID: d.instanceID, SessionID: sessionID}); err != nil {
		return KVUnavailable("presence update failed")
	}
	return nil
}

// MarkOffline removes identity's presence entry entirely. The caller is
// responsible for only calling this once the identity's last local
// session has disconnected.
func (d *Dispatcher) MarkOffline(ctx context.Context, identity string) error {
	if err := d.presence.SetOffline(ctx, identity); err != nil {
		return KVUnavailable("presence update failed")
	}
	return nil
}

// GetPresence reports whether identity is currently online anywhere in
// the cluster (spec §12 supplemented get_presence operation).
func (d *Dispatcher) GetPresence(ctx context.Context, identity string) (bool, error) {
	online, err := d.presence.IsOnline(ctx, identity)
	if err != nil {
		return false, KVUnavailable("presence lookup failed")
	}
	return online, nil
}
