package invite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/relaynet/relay-core/internal/accounts"
	"github.com/relaynet/relay-core/internal/kv"
)

func TestCreateInviteGeneratesResolvableCode(t *testing.T) {
	ctx := context.Background()
	store := accounts.NewMemory()
	_ = store.Register(ctx, accounts.Account{Identity: "u1", Username: "alice", Salt: "salt1", KDFParams: "{}"})

	m := New(kv.NewFake(), store, time.Hour, 5*time.Minute)

	code, err := m.CreateInvite(ctx, "u1", "alice")
	if err != nil {
		t.Fatalf("create invite: %v", err)
	}
	if len(code.Code) != 6 {
		t.Fatalf("expected 6-char code, got %q", code.Code)
	}

	resolved, err := m.ResolveInvite(ctx, code.Code)
	if err != nil {
		t.Fatalf("resolve invite: %v", err)
	}
	if resolved.Identity != "u1" || resolved.Salt != "salt1" {
		t.Fatalf("unexpected resolved invite: %+v", resolved)
	}
}

func TestCreateInviteReplacesPriorCode(t *testing.T) {
	ctx := context.Background()
	store := accounts.NewMemory()
	_ = store.Register(ctx, accounts.Account{Identity: "u1", Username: "alice"})

	m := New(kv.NewFake(), store, time.Hour, 5*time.Minute)

	first, _ := m.CreateInvite(ctx, "u1", "alice")
	second, _ := m.CreateInvite(ctx, "u1", "alice")

	if first.Code == second.Code {
		t.Fatal("expected a fresh code on replace (astronomically unlikely collision)")
	}

	if _, err := m.ResolveInvite(ctx, first.Code); !errors.Is(err, errInvalidOrExpired) {
		t.Fatalf("expected prior code invalidated, got %v", err)
	}
}

func TestResolveInviteUnknownCode(t *testing.T) {
	ctx := context.Background()
	m := New(kv.NewFake(), accounts.NewMemory(), time.Hour, 5*time.Minute)

	if _, err := m.ResolveInvite(ctx, "GHOST1"); !errors.Is(err, errInvalidOrExpired) {
		t.Fatalf("expected invalid_or_expired, got %v", err)
	}
}

func TestLinkSecondaryReturnsBoundIdentity(t *testing.T) {
	ctx := context.Background()
	store := accounts.NewMemory()
	_ = store.Register(ctx, accounts.Account{Identity: "u1", Username: "alice"})
	m := New(kv.NewFake(), store, time.Hour, 5*time.Minute)

	code, _ := m.CreateInvite(ctx, "u1", "alice")

	identity, err := m.LinkSecondary(ctx, code.Code)
	if err != nil || identity != "u1" {
		t.Fatalf("expected link to u1, got identity=%s err=%v", identity, err)
	}
}
