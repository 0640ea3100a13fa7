package kv

import (
	"context"
	"sync"
	"time"
)

// Fake is a hand-written in-memory Commander used by unit tests across the
// presence, queue, and invite packages, standing in for a live Redis
// connection the way goph-keeper's fakePool stands in for a live pgx pool.
type Fake struct {
	mu sync.Mutex

	sets    map[string]map[string]struct{}
	strings map[string]string
	expiry  map[string]time.Time
	lists   map[string][]string

	subs    []*fakeSubscription
	pubErrs chan error
}

// NewFake builds an empty fake KV store.
func NewFake() *Fake {
	return &Fake{
		sets:    make(map[string]map[string]struct{}),
		strings: make(map[string]string),
		expiry:  make(map[string]time.Time),
		lists:   make(map[string][]string),
	}
}

func (f *Fake) expired(key string) bool {
	exp, ok := f.expiry[key]
	if !ok {
		return false
	}
	return time.Now().After(exp)
}

func (f *Fake) SAdd(_ context.Context, key string, members ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.sets[key]
	if !ok {
		set = make(map[string]struct{})
		f.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (f *Fake) SRem(_ context.Context, key string, members ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(set, m)
	}
	return nil
}

func (f *Fake) SIsMember(_ context.Context, key, member string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.sets[key]
	if !ok {
		return false, nil
	}
	_, present := set[member]
	return present, nil
}

func (f *Fake) Set(_ context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strings[key] = value
	if ttl > 0 {
		f.expiry[key] = time.Now().Add(ttl)
	} else {
		delete(f.expiry, key)
	}
	return nil
}

func (f *Fake) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.expired(key) {
		delete(f.strings, key)
		delete(f.expiry, key)
		return "", false, nil
	}
	v, ok := f.strings[key]
	return v, ok, nil
}

func (f *Fake) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.strings, k)
		delete(f.expiry, k)
		delete(f.lists, k)
		delete(f.sets, k)
	}
	return nil
}

func (f *Fake) RPush(_ context.Context, key, value string, minTTL time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[key] = append(f.lists[key], value)
	if minTTL > 0 {
		newExp := time.Now().Add(minTTL)
		if cur, ok := f.expiry[key]; !ok || newExp.After(cur) {
			f.expiry[key] = newExp
		}
	}
	return nil
}

func (f *Fake) LLen(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.lists[key])), nil
}

func (f *Fake) PushBounded(_ context.Context, key, value string, maxLen int, minTTL time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.lists[key]) >= maxLen {
		return false, nil
	}
	f.lists[key] = append(f.lists[key], value)
	if minTTL > 0 {
		newExp := time.Now().Add(minTTL)
		if cur, ok := f.expiry[key]; !ok || newExp.After(cur) {
			f.expiry[key] = newExp
		}
	}
	return true, nil
}

func (f *Fake) FlushList(_ context.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.lists[key]
	delete(f.lists, key)
	delete(f.expiry, key)
	return items, nil
}

func (f *Fake) Publish(_ context.Context, channel, message string) error {
	f.mu.Lock()
	subs := append([]*fakeSubscription(nil), f.subs...)
	f.mu.Unlock()
	for _, s := range subs {
		s.deliver(channel, message)
	}
	return nil
}

func (f *Fake) Subscribe(_ context.Context, channels ...string) Subscription {
	sub := &fakeSubscription{
		channels: channels,
		ch:       make(chan Message, 16),
	}
	f.mu.Lock()
	f.subs = append(f.subs, sub)
	f.mu.Unlock()
	sub.onClose = func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, s := range f.subs {
			if s == sub {
				f.subs = append(f.subs[:i], f.subs[i+1:]...)
				break
			}
		}
	}
	return sub
}

type fakeSubscription struct {
	channels []string
	ch       chan Message
	closed   bool
	mu       sync.Mutex
	onClose  func()
}

func (s *fakeSubscription) deliver(channel, payload string) {
	for _, c := range s.channels {
		if c == channel {
			s.mu.Lock()
			if !s.closed {
				select {
				case s.ch <- Message{Channel: channel, Payload: payload}:
				default:
				}
			}
			s.mu.Unlock()
			return
		}
	}
}

func (s *fakeSubscription) Channel() <-chan Message {
	return s.ch
}

func (s *fakeSubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()
	if s.onClose != nil {
		s.onClose()
	}
	return nil
}
