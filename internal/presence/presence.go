// Package presence implements the cluster-wide Presence Store described in
// spec §4.2: the authoritative "is identity X online and where" view,
// shared across instances via the KV backend.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/relaynet/relay-core/internal/kv"
)

const onlineUsersKey = "online_users"

func presenceKey(identity string) string {
	return "presence:" + identity
}

// Ref is an opaque locator encoding which instance and local session a
// presence hit resolves to.
type Ref struct {
	InstanceID string
	SessionID  string
}

func (r Ref) encode() string {
	return r.InstanceID + ":" + r.SessionID
}

func decodeRef(s string) (Ref, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return Ref{InstanceID: s[:i], SessionID: s[i+1:]}, true
		}
	}
	return Ref{}, false
}

// Store is a KV-backed presence view (spec §4.2).
type Store struct {
	kv  kv.Commander
	ttl time.Duration
}

// New builds a presence store with the given safety TTL (default 1h).
func New(client kv.Commander, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{kv: client, ttl: ttl}
}

// SetOnline adds the identity to the online set, then writes its session
// reference with a safety TTL. The two writes are separate KV commands, not
// one atomic operation.
func (s *Store) SetOnline(ctx context.Context, identity string, ref Ref) error {
	if err := s.kv.SAdd(ctx, onlineUsersKey, identity); err != nil {
		return fmt.Errorf("presence: mark online: %w", err)
	}
	if err := s.kv.Set(ctx, presenceKey(identity), ref.encode(), s.ttl); err != nil {
		return fmt.Errorf("presence: write session ref: %w", err)
	}
	return nil
}

// SetOffline removes the identity from the online set and deletes its
// session reference. Idempotent.
func (s *Store) SetOffline(ctx context.Context, identity string) error {
	if err := s.kv.SRem(ctx, onlineUsersKey, identity); err != nil {
		return fmt.Errorf("presence: unmark online: %w", err)
	}
	if err := s.kv.Del(ctx, presenceKey(identity)); err != nil {
		return fmt.Errorf("presence: delete session ref: %w", err)
	}
	return nil
}

// IsOnline reports whether the identity is currently marked online.
func (s *Store) IsOnline(ctx context.Context, identity string) (bool, error) {
	online, err := s.kv.SIsMember(ctx, onlineUsersKey, identity)
	if err != nil {
		return false, fmt.Errorf("presence: check online: %w", err)
	}
	return online, nil
}

// Lookup resolves the identity's session reference, if any.
func (s *Store) Lookup(ctx context.Context, identity string) (Ref, bool, error) {
	val, ok, err := s.kv.Get(ctx, presenceKey(identity))
	if err != nil {
		return Ref{}, false, fmt.Errorf("presence: lookup: %w", err)
	}
	if !ok {
		return Ref{}, false, nil
	}
	ref, ok := decodeRef(val)
	return ref, ok, nil
}
