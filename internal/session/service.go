package session

import (
	"context"
	"crypto/ed25519"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/mr-tron/base58"
)

const (
	nonceTTL   = 5 * time.Minute
	sessionTTL = 7 * 24 * time.Hour

	// loginMessagePrefix is the exact text wallets sign during login.
	loginMessagePrefix = "scenyx login: "
)

// ErrInvalidLogin covers every way a wallet login attempt can fail: missing,
// expired, or mismatched nonce, malformed keys, or a bad signature. Callers
// get no more detail than that.
var ErrInvalidLogin = errors.New("invalid login")

// Service issues and validates sessions. Login is sign-in-with-wallet: the
// server hands out a single-use nonce, the wallet signs it with ed25519, and
// a successful verification yields a signed JWT carrying the user id.
type Service interface {
	CreateNonce(ctx context.Context, walletAddress string) (nonce string, expiresAt time.Time, err error)
	Verify(ctx context.Context, walletAddress, nonce, signatureB58 string) (token string, userID uuid.UUID, err error)
	ValidateToken(ctx context.Context, token string) (uuid.UUID, error)
}

// Store is the persistence the login flow needs.
type Store interface {
	UpsertNonce(ctx context.Context, walletAddress, nonce string, expiresAt time.Time) error
	GetNonce(ctx context.Context, walletAddress string) (nonce string, expiresAt time.Time, err error)
	DeleteNonce(ctx context.Context, walletAddress string) error
	GetOrCreateUserByWallet(ctx context.Context, walletAddress string) (uuid.UUID, error)
}

var _ Store = (*Repository)(nil)

type service struct {
	repo   Store
	secret []byte
	now    func() time.Time
}

func NewService(repo Store, secret string) *service {
	return &service{repo: repo, secret: []byte(secret), now: time.Now}
}

var _ Service = (*service)(nil)

func (s *service) CreateNonce(ctx context.Context, walletAddress string) (string, time.Time, error) {
	nonce := uuid.NewString()
	expiresAt := s.now().Add(nonceTTL)
	if err := s.repo.UpsertNonce(ctx, walletAddress, nonce, expiresAt); err != nil {
		return "", time.Time{}, err
	}
	return nonce, expiresAt, nil
}

func (s *service) Verify(ctx context.Context, walletAddress, nonce, signatureB58 string) (string, uuid.UUID, error) {
	stored, expiresAt, err := s.repo.GetNonce(ctx, walletAddress)
	if err != nil {
		return "", uuid.Nil, err
	}
	if stored == "" || stored != nonce || s.now().After(expiresAt) {
		return "", uuid.Nil, ErrInvalidLogin
	}

	publicKey, err := base58.Decode(walletAddress)
	if err != nil || len(publicKey) != ed25519.PublicKeySize {
		return "", uuid.Nil, ErrInvalidLogin
	}
	signature, err := base58.Decode(signatureB58)
	if err != nil || len(signature) != ed25519.SignatureSize {
		return "", uuid.Nil, ErrInvalidLogin
	}
	message := []byte(loginMessagePrefix + nonce)
	if !ed25519.Verify(ed25519.PublicKey(publicKey), message, signature) {
		return "", uuid.Nil, ErrInvalidLogin
	}

	// Single use.
	if err := s.repo.DeleteNonce(ctx, walletAddress); err != nil {
		return "", uuid.Nil, err
	}

	userID, err := s.repo.GetOrCreateUserByWallet(ctx, walletAddress)
	if err != nil {
		return "", uuid.Nil, err
	}
	token, err := s.issueToken(userID)
	if err != nil {
		return "", uuid.Nil, err
	}
	return token, userID, nil
}

func (s *service) issueToken(userID uuid.UUID) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID.String(),
		ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
		IssuedAt:  jwt.NewNumericDate(now),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(s.secret)
}

func (s *service) ValidateToken(_ context.Context, token string) (uuid.UUID, error) {
	tok, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	claims, ok := tok.Claims.(*jwt.RegisteredClaims)
	if !ok || !tok.Valid {
		return uuid.Nil, errors.New("invalid token")
	}
	return uuid.Parse(claims.Subject)
}
