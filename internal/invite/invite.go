// Package invite implements the Pairing / Invite Module described in spec
// §4.5: short-lived codes binding a primary device to secondary devices in
// one identity-group.
package invite

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/relaynet/relay-core/internal/accounts"
	"github.com/relaynet/relay-core/internal/relay"
)

var errInvalidOrExpired = relay.InvalidOrExpired("invite code is unknown or has expired")

const hexAlphabet = "0123456789ABCDEF"

func inviteKey(code string) string {
	return "invite:" + code
}

// record is the JSON value stored under invite:{code}.
type record struct {
	Identity  string `json:"identity"`
	Username  string `json:"username"`
	IssuedAt  int64  `json:"issued_at"`
}

// commander is the narrow slice of kv.Commander the module needs; declared
// locally to keep this package from importing the full kv surface.
type commander interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Del(ctx context.Context, keys ...string) error
}

// Module issues and resolves invite codes against the KV and, for
// resolution, joins with the external account store.
type Module struct {
	kv       commander
	accounts accounts.Store
	resolveTTL time.Duration
	pairingTTL time.Duration

	// issued tracks the most recently issued code per identity so a new
	// create_invite replaces (and deletes) any prior code, per spec §4.5.
	// Guarded by mu since handlers run concurrently across sessions.
	mu     sync.Mutex
	issued map[string]string
}

// New builds an invite module. resolveTTL is the 24h resolvable-invite
// lifetime; pairingTTL is the 5m link_pc window (SYNC_CODE_TTL).
func New(client commander, store accounts.Store, resolveTTL, pairingTTL time.Duration) *Module {
	if resolveTTL <= 0 {
		resolveTTL = 24 * time.Hour
	}
	if pairingTTL <= 0 {
		pairingTTL = 5 * time.Minute
	}
	return &Module{
		kv:         client,
		accounts:   store,
		resolveTTL: resolveTTL,
		pairingTTL: pairingTTL,
		issued:     make(map[string]string),
	}
}

// Code is the result of issuing an invite.
type Code struct {
	Code      string
	ExpiresAt time.Time
}

// CreateInvite generates a 6-character uppercase hex code and stores it
// with the resolvable-invite TTL, replacing any prior code for the
// identity.
func (m *Module) CreateInvite(ctx context.Context, identity, username string) (Code, error) {
	m.mu.Lock()
	prior, hadPrior := m.issued[identity]
	m.mu.Unlock()
	if hadPrior {
		_ = m.kv.Del(ctx, inviteKey(prior))
	}

	code, err := generateCode()
	if err != nil {
		return Code{}, fmt.Errorf("invite: generate code: %w", err)
	}

	rec := record{Identity: identity, Username: username, IssuedAt: time.Now().Unix()}
	data, err := json.Marshal(rec)
	if err != nil {
		return Code{}, fmt.Errorf("invite: encode record: %w", err)
	}

	if err := m.kv.Set(ctx, inviteKey(code), string(data), m.resolveTTL); err != nil {
		return Code{}, fmt.Errorf("invite: store code: %w", err)
	}

	m.mu.Lock()
	m.issued[identity] = code
	m.mu.Unlock()

	return Code{Code: code, ExpiresAt: time.Now().Add(m.resolveTTL)}, nil
}

// Resolved is the joined view of an invite code's target account.
type Resolved struct {
	Identity  string
	Username  string
	Salt      string
	KDFParams string
}

// ResolveInvite reads the invite entry and joins it with the account
// store, per spec §4.5.
func (m *Module) ResolveInvite(ctx context.Context, code string) (Resolved, error) {
	val, ok, err := m.kv.Get(ctx, inviteKey(code))
	if err != nil {
		return Resolved{}, fmt.Errorf("invite: lookup code: %w", err)
	}
	if !ok {
		return Resolved{}, errInvalidOrExpired
	}

	var rec record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return Resolved{}, fmt.Errorf("invite: decode record: %w", err)
	}

	acc, err := m.accounts.Lookup(ctx, rec.Identity)
	if err != nil {
		return Resolved{}, fmt.Errorf("invite: account lookup: %w", err)
	}

	return Resolved{
		Identity:  rec.Identity,
		Username:  rec.Username,
		Salt:      acc.Salt,
		KDFParams: acc.KDFParams,
	}, nil
}

// LinkSecondary validates a short-lived pairing code and returns the
// identity it binds to. The caller (the Relay Dispatcher / transport
// layer) is responsible for adding the session to that identity's device
// group via the Session Registry — membership is just "sessions whose
// identity_of equals that identity" (spec §4.5), no separate structure.
func (m *Module) LinkSecondary(ctx context.Context, code string) (string, error) {
	val, ok, err := m.kv.Get(ctx, inviteKey(code))
	if err != nil {
		return "", fmt.Errorf("invite: lookup code: %w", err)
	}
	if !ok {
		return "", errInvalidOrExpired
	}

	var rec record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return "", fmt.Errorf("invite: decode record: %w", err)
	}
	if time.Since(time.Unix(rec.IssuedAt, 0)) > m.pairingTTL {
		return "", errInvalidOrExpired
	}
	return rec.Identity, nil
}

func generateCode() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, 6)
	for i, b := range buf {
		out[i] = hexAlphabet[int(b)%len(hexAlphabet)]
	}
	return string(out), nil
}
