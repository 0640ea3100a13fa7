package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relaynet/relay-core/internal/accounts"
	"github.com/relaynet/relay-core/internal/envelope"
	"github.com/relaynet/relay-core/internal/fanout"
	"github.com/relaynet/relay-core/internal/invite"
	"github.com/relaynet/relay-core/internal/ratelimit"
	"github.com/relaynet/relay-core/internal/relay"
	"github.com/relaynet/relay-core/internal/safety"
	"github.com/relaynet/relay-core/internal/session"
)

// Options configures the Handler's frame size limit (spec §6: the 10MiB
// frame cap). MAX_PAYLOAD_SIZE is enforced by the relay Dispatcher.
type Options struct {
	MaxFrameBytes int64
}

// Handler upgrades incoming HTTP requests to websocket connections and
// runs the per-connection dispatch loop, mirroring the teacher's
// Open/routeFrame/sender shape over a websocket instead of a gRPC stream.
type Handler struct {
	log      *zap.Logger
	upgrader websocket.Upgrader

	sessions   *session.Registry
	dispatcher *relay.Dispatcher
	limiter    *ratelimit.Limiter
	invites    *invite.Module
	accountsDB accounts.Store
	safety     *safety.Logger
	bus        *fanout.Bus

	maxFrameBytes int64

	mu    sync.Mutex
	table map[string]*wsSession
}

// New builds a Handler wired to every collaborator it dispatches to. bus
// is used to subscribe to an identity's deliver.{identity} channel the
// moment a session on this instance binds to it.
func New(log *zap.Logger, sessions *session.Registry, dispatcher *relay.Dispatcher, limiter *ratelimit.Limiter, invites *invite.Module, accountsDB accounts.Store, safetyLog *safety.Logger, bus *fanout.Bus, opts Options) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	maxFrame := opts.MaxFrameBytes
	if maxFrame <= 0 {
		maxFrame = 10 * 1024 * 1024
	}
	h := &Handler{
		log:           log,
		sessions:      sessions,
		dispatcher:    dispatcher,
		limiter:       limiter,
		invites:       invites,
		accountsDB:    accountsDB,
		safety:        safetyLog,
		bus:           bus,
		maxFrameBytes: maxFrame,
		table:         make(map[string]*wsSession),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	dispatcher.SetEmitter(h)
	return h
}

// Send implements relay.Emitter by looking the session up in the local
// table and pushing a relay_push frame onto its outbound queue.
func (h *Handler) Send(sessionID string, env envelope.Envelope) error {
	h.mu.Lock()
	sess, ok := h.table[sessionID]
	h.mu.Unlock()
	if !ok {
		return errUnknownSession
	}
	return sess.push(relayPushEvent(env))
}

// SendAck implements relay.Emitter's acknowledgement path by pushing a
// msg_ack_push frame onto the target session's outbound queue.
func (h *Handler) SendAck(sessionID, from, msgID string) error {
	h.mu.Lock()
	sess, ok := h.table[sessionID]
	h.mu.Unlock()
	if !ok {
		return errUnknownSession
	}
	return sess.push(msgAckPushEvent(from, msgID))
}

var errUnknownSession = &sessionError{message: "unknown local session"}

// ServeHTTP upgrades the connection and runs the dispatch loop until the
// client disconnects or the connection fails.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(h.maxFrameBytes)

	id, err := generateSessionID()
	if err != nil {
		h.log.Error("session id generation failed", zap.Error(err))
		_ = conn.Close()
		return
	}

	sess := newWSSession(id, conn, r.Context())
	h.sessions.Create(id, h.dispatcher.InstanceID())

	h.mu.Lock()
	h.table[id] = sess
	h.mu.Unlock()

	defer h.cleanup(sess)

	go sess.sender(h.log)

	for {
		var in InEvent
		if err := conn.ReadJSON(&in); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("websocket read ended", zap.String("session_id", id), zap.Error(err))
			}
			return
		}
		sess.lastSeen = time.Now()
		h.routeEvent(sess, in)
		if in.Type == TypeDisconnect {
			return
		}
	}
}

func (h *Handler) routeEvent(sess *wsSession, in InEvent) {
	ctx := sess.ctx
	switch in.Type {
	case TypeGetSalt:
		h.handleGetSalt(ctx, sess, in)
	case TypeRegisterMaster:
		h.handleRegisterMaster(ctx, sess, in)
	case TypeCreateInviteCode:
		h.handleCreateInvite(ctx, sess, in)
	case TypeResolveInvite:
		h.handleResolveInvite(ctx, sess, in)
	case TypeLinkPC:
		h.handleLinkPC(ctx, sess, in)
	case TypeRelay:
		h.handleRelay(ctx, sess, in)
	case TypeMsgAck:
		h.handleMsgAck(ctx, sess, in)
	case TypeGetPresence:
		h.handleGetPresence(ctx, sess, in)
	case TypeBlockUser:
		h.handleBlockUser(sess, in)
	case TypeReportUser:
		h.handleReportUser(sess, in)
	case TypeDisconnect:
		// handled by the caller after routeEvent returns.
	default:
		_ = sess.push(errorEvent(string(relay.ErrInvalidArgument), "unknown event type"))
	}
}

func (h *Handler) handleGetSalt(ctx context.Context, sess *wsSession, in InEvent) {
	acc, err := h.accountsDB.LookupByUsername(ctx, in.Username)
	if err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			_ = sess.push(saltNotFoundEvent())
			return
		}
		_ = sess.push(errorEvent(string(relay.ErrKVUnavailable), "account lookup failed"))
		return
	}
	_ = sess.push(saltFoundEvent(acc))
}

// handleRegisterMaster binds the session to the client-supplied identity
// when one is given, so a reconnecting client resumes its existing
// identity (and queue) instead of minting a fresh one every time; only a
// client with no identity yet gets one generated here, since identity
// issuance on first registration is the external account store's call
// per spec §1.
func (h *Handler) handleRegisterMaster(ctx context.Context, sess *wsSession, in InEvent) {
	identity := in.Identity
	if identity == "" {
		identity = generateIdentity()
	}
	acc := accounts.Account{Identity: identity, Username: in.Username, Salt: in.Salt, KDFParams: in.KDFParams, PublicKey: in.PublicKey}
	if err := h.accountsDB.Register(ctx, acc); err != nil {
		if errors.Is(err, accounts.ErrUsernameTaken) {
			_ = sess.push(errorEvent(string(relay.ErrUsernameTaken), "username already registered"))
			return
		}
		_ = sess.push(errorEvent(string(relay.ErrKVUnavailable), "registration failed"))
		return
	}

	_ = sess.push(registeredEvent(AccountTypeMaster, identity))
	h.bindAndGoOnline(ctx, sess, identity)
}

func (h *Handler) handleCreateInvite(ctx context.Context, sess *wsSession, in InEvent) {
	identity, ok := h.sessions.IdentityOf(sess.id)
	if !ok {
		_ = sess.push(errorEvent(string(relay.ErrUnauthenticated), "not authenticated"))
		return
	}
	acc, err := h.accountsDB.Lookup(ctx, identity)
	if err != nil {
		_ = sess.push(errorEvent(string(relay.ErrKVUnavailable), "account lookup failed"))
		return
	}
	code, err := h.invites.CreateInvite(ctx, identity, acc.Username)
	if err != nil {
		_ = sess.push(errorEvent(string(relay.ErrKVUnavailable), "invite creation failed"))
		return
	}
	_ = sess.push(inviteCreatedEvent(code.Code, code.ExpiresAt.Unix()))
}

func (h *Handler) handleResolveInvite(ctx context.Context, sess *wsSession, in InEvent) {
	resolved, err := h.invites.ResolveInvite(ctx, in.Code)
	if err != nil {
		_ = sess.push(inviteErrorEvent("invite code is unknown or has expired"))
		return
	}
	_ = sess.push(inviteResolvedEvent(resolved))
}

func (h *Handler) handleLinkPC(ctx context.Context, sess *wsSession, in InEvent) {
	identity, err := h.invites.LinkSecondary(ctx, in.Code)
	if err != nil {
		_ = sess.push(errorEvent(string(relay.ErrInvalidOrExpired), "invite code is unknown or has expired"))
		return
	}
	_ = sess.push(registeredEvent(AccountTypeSlave, identity))
	h.bindAndGoOnline(ctx, sess, identity)
}

func (h *Handler) handleRelay(ctx context.Context, sess *wsSession, in InEvent) {
	msgID, status, err := h.dispatcher.Relay(ctx, sess.id, in.To, in.Payload)
	if err != nil {
		h.pushRelayError(sess, err)
		return
	}
	_ = sess.push(dispatchStatusEvent(in.To, msgID, status))
}

// handleMsgAck forwards a client's delivery acknowledgement to every live
// session of the envelope's original sender (spec §4.4's ack path).
func (h *Handler) handleMsgAck(ctx context.Context, sess *wsSession, in InEvent) {
	if err := h.dispatcher.Ack(ctx, sess.id, in.To, in.MsgID); err != nil {
		h.pushRelayError(sess, err)
	}
}

func (h *Handler) handleGetPresence(ctx context.Context, sess *wsSession, in InEvent) {
	online, err := h.dispatcher.GetPresence(ctx, in.Identity)
	if err != nil {
		_ = sess.push(errorEvent(string(relay.ErrKVUnavailable), "presence lookup failed"))
		return
	}
	_ = sess.push(presenceUpdateEvent(in.Identity, online))
}

func (h *Handler) handleBlockUser(sess *wsSession, in InEvent) {
	identity, ok := h.sessions.IdentityOf(sess.id)
	if !ok {
		_ = sess.push(errorEvent(string(relay.ErrUnauthenticated), "not authenticated"))
		return
	}
	h.safety.BlockUser(identity, in.Target)
	_ = sess.push(blockedEvent(in.Target))
}

func (h *Handler) handleReportUser(sess *wsSession, in InEvent) {
	identity, ok := h.sessions.IdentityOf(sess.id)
	if !ok {
		_ = sess.push(errorEvent(string(relay.ErrUnauthenticated), "not authenticated"))
		return
	}
	h.safety.ReportUser(identity, in.Target, in.Reason)
	_ = sess.push(reportedEvent(in.Target))
}

func (h *Handler) pushRelayError(sess *wsSession, err error) {
	var rerr *relay.Error
	if errors.As(err, &rerr) {
		_ = sess.push(errorEvent(string(rerr.Kind), rerr.Message))
		return
	}
	_ = sess.push(errorEvent(string(relay.ErrKVUnavailable), "relay failed"))
}

// bindAndGoOnline binds the session to identity, marks it online, and
// flushes anything that queued while the identity had no live session
// (spec §4.4's reconnect-flush path).
func (h *Handler) bindAndGoOnline(ctx context.Context, sess *wsSession, identity string) {
	h.sessions.Bind(sess.id, identity)
	if err := h.dispatcher.MarkOnline(ctx, sess.id, identity); err != nil {
		h.log.Warn("presence update failed on bind", zap.String("identity", identity), zap.Error(err))
	}
	if h.bus != nil {
		h.bus.Subscribe(sess.ctx, []string{identity}, h.dispatcher.HandleRemoteDelivery)
	}
	envs, err := h.dispatcher.FlushReconnectQueue(ctx, identity)
	if err != nil {
		h.log.Warn("queue flush failed on bind", zap.String("identity", identity), zap.Error(err))
		return
	}
	if len(envs) > 0 {
		_ = sess.push(queueFlushEvent(envs))
	}
}

// cleanup runs once a connection's dispatch loop exits: release the rate
// limiter bucket, unbind the session, drop it from the local table, and
// clear cluster presence if this was the identity's last local session.
func (h *Handler) cleanup(sess *wsSession) {
	sess.cancel()

	identity, bound := h.sessions.IdentityOf(sess.id)
	h.sessions.Unbind(sess.id)
	h.limiter.Release(sess.id)

	h.mu.Lock()
	delete(h.table, sess.id)
	close(sess.sendCh)
	h.mu.Unlock()

	if bound && !h.sessions.HasLocalSession(identity) {
		if err := h.dispatcher.MarkOffline(context.Background(), identity); err != nil {
			h.log.Warn("presence clear failed on disconnect", zap.String("identity", identity), zap.Error(err))
		}
	}

	_ = sess.conn.Close()
	h.log.Info("session closed", zap.String("session_id", sess.id))
}

func generateSessionID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func generateIdentity() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
