// Package transport implements the websocket front door described in
// spec §6: one JSON event per frame, one dispatch table per connection.
package transport

import (
	"github.com/relaynet/relay-core/internal/accounts"
	"github.com/relaynet/relay-core/internal/envelope"
	"github.com/relaynet/relay-core/internal/invite"
)

// Event type tags, spec §6's event table.
const (
	TypeGetSalt            = "get_salt"
	TypeSaltFound          = "salt_found"
	TypeSaltNotFound       = "salt_not_found"
	TypeRegisterMaster     = "register_master"
	TypeRegistered         = "registered"
	TypeQueueFlush         = "queue_flush"
	TypeCreateInviteCode   = "create_invite_code"
	TypeInviteCodeCreated  = "invite_code_created"
	TypeResolveInvite      = "resolve_invite_code"
	TypeInviteCodeResolved = "invite_code_resolved"
	TypeInviteCodeError    = "invite_code_error"
	TypeLinkPC             = "link_pc"
	TypeRelay              = "relay"
	TypeDispatchStatus     = "dispatch_status"
	TypeRelayPush          = "relay_push"
	TypeMsgAck             = "msg_ack"
	TypeMsgAckPush         = "msg_ack_push"
	TypeGetPresence        = "get_presence"
	TypePresenceUpdate     = "presence_update"
	TypeBlockUser          = "block_user"
	TypeBlocked            = "blocked"
	TypeReportUser         = "report_user"
	TypeReported           = "reported"
	TypeDisconnect         = "disconnect"
	TypeErrorMsg           = "error_msg"
)

// Account types carried by the registered event, spec §6.
const (
	AccountTypeMaster = "master"
	AccountTypeSlave  = "slave"
)

// Presence statuses carried by presence_update, spec §6.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// Dispatch statuses carried by dispatch_status, spec §6/§8.
const (
	DispatchDelivered = "delivered"
	DispatchQueued    = "queued"
	DispatchDropped   = "dropped"
)

// InEvent is the single JSON shape every inbound frame is decoded into.
// Unused fields for a given Type are simply left at their zero value.
type InEvent struct {
	Type string `json:"type"`

	Username  string `json:"username,omitempty"`
	Identity  string `json:"identity,omitempty"`
	PublicKey string `json:"public_key,omitempty"`
	Salt      string `json:"salt,omitempty"`
	KDFParams string `json:"kdf_params,omitempty"`

	Code string `json:"code,omitempty"`

	To      string           `json:"to,omitempty"`
	Payload envelope.Payload `json:"payload,omitempty"`
	MsgID   string           `json:"msg_id,omitempty"`

	Target string `json:"target,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// OutEvent is the single JSON shape every outbound frame is encoded from.
type OutEvent struct {
	Type string `json:"type"`

	MsgID     string           `json:"msg_id,omitempty"`
	From      string           `json:"from,omitempty"`
	To        string           `json:"to,omitempty"`
	Payload   envelope.Payload `json:"payload,omitempty"`
	Timestamp int64            `json:"timestamp,omitempty"`
	Kind      string           `json:"kind,omitempty"`
	Status    string           `json:"status,omitempty"`

	Code      string `json:"code,omitempty"`
	ExpiresAt int64  `json:"expires_at,omitempty"`

	Identity    string `json:"identity,omitempty"`
	AccountType string `json:"account_type,omitempty"`
	Username    string `json:"username,omitempty"`
	Salt        string `json:"salt,omitempty"`
	KDFParams   string `json:"kdf_params,omitempty"`
	PublicKey   string `json:"public_key,omitempty"`

	Envelopes []envelope.Envelope `json:"envelopes,omitempty"`

	Target string `json:"target,omitempty"`

	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`
}

func errorEvent(kind, message string) OutEvent {
	return OutEvent{Type: TypeErrorMsg, ErrorKind: kind, Message: message}
}

func saltFoundEvent(acc accounts.Account) OutEvent {
	return OutEvent{
		Type:      TypeSaltFound,
		Identity:  acc.Identity,
		Salt:      acc.Salt,
		KDFParams: acc.KDFParams,
		PublicKey: acc.PublicKey,
	}
}

func saltNotFoundEvent() OutEvent {
	return OutEvent{Type: TypeSaltNotFound}
}

func registeredEvent(accountType, identity string) OutEvent {
	return OutEvent{Type: TypeRegistered, AccountType: accountType, Identity: identity}
}

func queueFlushEvent(envs []envelope.Envelope) OutEvent {
	return OutEvent{Type: TypeQueueFlush, Envelopes: envs}
}

func inviteCreatedEvent(code string, expiresAt int64) OutEvent {
	return OutEvent{Type: TypeInviteCodeCreated, Code: code, ExpiresAt: expiresAt}
}

func inviteResolvedEvent(resolved invite.Resolved) OutEvent {
	return OutEvent{
		Type:      TypeInviteCodeResolved,
		Identity:  resolved.Identity,
		Username:  resolved.Username,
		Salt:      resolved.Salt,
		KDFParams: resolved.KDFParams,
	}
}

func inviteErrorEvent(message string) OutEvent {
	return OutEvent{Type: TypeInviteCodeError, Message: message}
}

func dispatchStatusEvent(to, msgID, status string) OutEvent {
	return OutEvent{Type: TypeDispatchStatus, To: to, MsgID: msgID, Status: status}
}

func relayPushEvent(env envelope.Envelope) OutEvent {
	return OutEvent{
		Type:      TypeRelayPush,
		MsgID:     env.MsgID,
		From:      env.From,
		To:        env.To,
		Payload:   env.Payload,
		Timestamp: env.Timestamp,
		Kind:      string(env.Kind),
	}
}

func msgAckPushEvent(from, msgID string) OutEvent {
	return OutEvent{Type: TypeMsgAckPush, From: from, MsgID: msgID}
}

func presenceUpdateEvent(identity string, online bool) OutEvent {
	status := PresenceOffline
	if online {
		status = PresenceOnline
	}
	return OutEvent{Type: TypePresenceUpdate, Identity: identity, Status: status}
}

func blockedEvent(target string) OutEvent {
	return OutEvent{Type: TypeBlocked, Target: target}
}

func reportedEvent(target string) OutEvent {
	return OutEvent{Type: TypeReported, Target: target}
}
