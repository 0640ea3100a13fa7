package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/relaynet/relay-core/internal/accounts"
)

func newMockPool(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("new mock pool: %v", err)
	}
	return mock
}

func TestLookupByUsernameFound(t *testing.T) {
	mock := newMockPool(t)
	defer mock.Close()
	store := NewStore(mock)

	mock.ExpectQuery(`SELECT identity, username, salt, kdf_params, public_key FROM account_registrations WHERE username = \$1`).
		WithArgs("alice").
		WillReturnRows(pgxmock.NewRows([]string{"identity", "username", "salt", "kdf_params", "public_key"}).
			AddRow("id-1", "alice", "s-salt", "{}", "pub-key"))

	acc, err := store.LookupByUsername(context.Background(), "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if acc.Identity != "id-1" || acc.Salt != "s-salt" {
		t.Fatalf("unexpected account: %+v", acc)
	}
}

func TestLookupByUsernameNotFound(t *testing.T) {
	mock := newMockPool(t)
	defer mock.Close()
	store := NewStore(mock)

	mock.ExpectQuery(`SELECT identity, username, salt, kdf_params, public_key FROM account_registrations WHERE username = \$1`).
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.LookupByUsername(context.Background(), "ghost")
	if !errors.Is(err, accounts.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRegisterUniqueViolationMapsToUsernameTaken(t *testing.T) {
	mock := newMockPool(t)
	defer mock.Close()
	store := NewStore(mock)

	acc := accounts.Account{Identity: "id-1", Username: "alice", Salt: "s", KDFParams: "{}", PublicKey: "pub"}

	mock.ExpectExec(`INSERT INTO account_registrations`).
		WithArgs(acc.Identity, acc.Username, acc.Salt, acc.KDFParams, acc.PublicKey).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := store.Register(context.Background(), acc)
	if !errors.Is(err, accounts.ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
}

func TestRegisterOK(t *testing.T) {
	mock := newMockPool(t)
	defer mock.Close()
	store := NewStore(mock)

	acc := accounts.Account{Identity: "id-1", Username: "alice", Salt: "s", KDFParams: "{}", PublicKey: "pub"}

	mock.ExpectExec(`INSERT INTO account_registrations`).
		WithArgs(acc.Identity, acc.Username, acc.Salt, acc.KDFParams, acc.PublicKey).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := store.Register(context.Background(), acc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
