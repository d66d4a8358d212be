package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// UpsertNonce stores a fresh login nonce for the wallet, replacing any
// previous one.
func (r *Repository) UpsertNonce(ctx context.Context, walletAddress, nonce string, expiresAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO nonces (wallet_address, nonce, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (wallet_address) DO UPDATE SET nonce = $2, expires_at = $3
	`, walletAddress, nonce, expiresAt)
	return err
}

// GetNonce returns the stored nonce and its expiry, or ("", zero, nil) when
// none exists.
func (r *Repository) GetNonce(ctx context.Context, walletAddress string) (string, time.Time, error) {
	var nonce string
	var expiresAt time.Time
	err := r.pool.QueryRow(ctx, `
		SELECT nonce, expires_at FROM nonces WHERE wallet_address = $1
	`, walletAddress).Scan(&nonce, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, err
	}
	return nonce, expiresAt, nil
}

// DeleteNonce invalidates the wallet's nonce after a successful login.
func (r *Repository) DeleteNonce(ctx context.Context, walletAddress string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM nonces WHERE wallet_address = $1`, walletAddress)
	return err
}

// GetOrCreateUserByWallet resolves a wallet address to a stable user id,
// creating the user on first login.
func (r *Repository) GetOrCreateUserByWallet(ctx context.Context, walletAddress string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.pool.QueryRow(ctx, `
		INSERT INTO users (id, wallet_address)
		VALUES ($1, $2)
		ON CONFLICT (wallet_address) DO UPDATE SET wallet_address = EXCLUDED.wallet_address
		RETURNING id
	`, uuid.New(), walletAddress).Scan(&id)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}
