package accounts

import (
	"context"
	"sync"
)

// Memory is an in-memory Store used by tests and local/dev runs without a
// configured DATABASE_URL.
type Memory struct {
	mu            sync.RWMutex
	byIdentity    map[string]Account
	byUsername    map[string]string // username -> identity
}

// NewMemory builds an empty in-memory account store.
func NewMemory() *Memory {
	return &Memory{
		byIdentity: make(map[string]Account),
		byUsername: make(map[string]string),
	}
}

func (m *Memory) LookupByUsername(_ context.Context, username string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	identity, ok := m.byUsername[username]
	if !ok {
		return Account{}, ErrNotFound
	}
	return m.byIdentity[identity], nil
}

func (m *Memory) Lookup(_ context.Context, identity string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, ok := m.byIdentity[identity]
	if !ok {
		return Account{}, ErrNotFound
	}
	return acc, nil
}

func (m *Memory) Register(_ context.Context, acc Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if acc.Username != "" {
		if existing, ok := m.byUsername[acc.Username]; ok && existing != acc.Identity {
			return ErrUsernameTaken
		}
	}

	m.byIdentity[acc.Identity] = acc
	if acc.Username != "" {
		m.byUsername[acc.Username] = acc.Identity
	}
	return nil
}
