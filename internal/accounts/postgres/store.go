package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/relaynet/relay-core/internal/accounts"
)

// Store implements accounts.Store against the account_registrations table.
type Store struct {
	pool Pool
}

// NewStore wraps a pool as an accounts.Store.
func NewStore(pool Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) LookupByUsername(ctx context.Context, username string) (accounts.Account, error) {
	const q = `
SELECT identity, username, salt, kdf_params, public_key
FROM account_registrations WHERE username = $1`
	return s.scanOne(ctx, q, username)
}

func (s *Store) Lookup(ctx context.Context, identity string) (accounts.Account, error) {
	const q = `
SELECT identity, username, salt, kdf_params, public_key
FROM account_registrations WHERE identity = $1`
	return s.scanOne(ctx, q, identity)
}

func (s *Store) scanOne(ctx context.Context, q string, arg string) (accounts.Account, error) {
	row := s.pool.QueryRow(ctx, q, arg)
	var acc accounts.Account
	if err := row.Scan(&acc.Identity, &acc.Username, &acc.Salt, &acc.KDFParams, &acc.PublicKey); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return accounts.Account{}, accounts.ErrNotFound
		}
		return accounts.Account{}, err
	}
	return acc, nil
}

func (s *Store) Register(ctx context.Context, acc accounts.Account) error {
	const q = `
INSERT INTO account_registrations (identity, username, salt, kdf_params, public_key)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (identity) DO UPDATE
SET username = EXCLUDED.username, salt = EXCLUDED.salt,
    kdf_params = EXCLUDED.kdf_params, public_key = EXCLUDED.public_key`
	_, err := s.pool.Exec(ctx, q, acc.Identity, acc.Username, acc.Salt, acc.KDFParams, acc.PublicKey)
	if isUniqueViolation(err) {
		return accounts.ErrUsernameTaken
	}
	return err
}
