package session

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
)

type memStore struct {
	mu      sync.Mutex
	nonces  map[string]string
	expires map[string]time.Time
	users   map[string]uuid.UUID
}

func newMemStore() *memStore {
	return &memStore{
		nonces:  make(map[string]string),
		expires: make(map[string]time.Time),
		users:   make(map[string]uuid.UUID),
	}
}

func (m *memStore) UpsertNonce(_ context.Context, wallet, nonce string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonces[wallet] = nonce
	m.expires[wallet] = expiresAt
	return nil
}

func (m *memStore) GetNonce(_ context.Context, wallet string) (string, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nonces[wallet], m.expires[wallet], nil
}

func (m *memStore) DeleteNonce(_ context.Context, wallet string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nonces, wallet)
	delete(m.expires, wallet)
	return nil
}

func (m *memStore) GetOrCreateUserByWallet(_ context.Context, wallet string) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.users[wallet]; ok {
		return id, nil
	}
	id := uuid.New()
	m.users[wallet] = id
	return id, nil
}

func newTestWallet(t *testing.T) (string, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return base58.Encode(pub), priv
}

func signNonce(priv ed25519.PrivateKey, nonce string) string {
	return base58.Encode(ed25519.Sign(priv, []byte(loginMessagePrefix+nonce)))
}

func TestVerifyIssuesSession(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newMemStore(), "test-secret")
	wallet, priv := newTestWallet(t)

	nonce, _, err := svc.CreateNonce(ctx, wallet)
	if err != nil {
		t.Fatalf("CreateNonce: %v", err)
	}

	token, userID, err := svc.Verify(ctx, wallet, nonce, signNonce(priv, nonce))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if userID == uuid.Nil {
		t.Fatal("want non-nil user id")
	}

	got, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if got != userID {
		t.Errorf("token subject: got %v, want %v", got, userID)
	}
}

func TestVerifyNonceIsSingleUse(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newMemStore(), "test-secret")
	wallet, priv := newTestWallet(t)

	nonce, _, err := svc.CreateNonce(ctx, wallet)
	if err != nil {
		t.Fatalf("CreateNonce: %v", err)
	}
	sig := signNonce(priv, nonce)
	if _, _, err := svc.Verify(ctx, wallet, nonce, sig); err != nil {
		t.Fatalf("first Verify: %v", err)
	}
	if _, _, err := svc.Verify(ctx, wallet, nonce, sig); !errors.Is(err, ErrInvalidLogin) {
		t.Errorf("replayed nonce: got %v, want ErrInvalidLogin", err)
	}
}

func TestVerifyRejectsExpiredNonce(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newMemStore(), "test-secret")
	wallet, priv := newTestWallet(t)

	nonce, _, err := svc.CreateNonce(ctx, wallet)
	if err != nil {
		t.Fatalf("CreateNonce: %v", err)
	}
	svc.now = func() time.Time { return time.Now().Add(nonceTTL + time.Minute) }

	if _, _, err := svc.Verify(ctx, wallet, nonce, signNonce(priv, nonce)); !errors.Is(err, ErrInvalidLogin) {
		t.Errorf("expired nonce: got %v, want ErrInvalidLogin", err)
	}
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc := NewService(store, "test-secret")
	wallet, _ := newTestWallet(t)
	_, otherPriv := newTestWallet(t)

	nonce, _, err := svc.CreateNonce(ctx, wallet)
	if err != nil {
		t.Fatalf("CreateNonce: %v", err)
	}

	cases := []struct {
		name string
		sig  string
	}{
		{"wrong key", signNonce(otherPriv, nonce)},
		{"not base58", "!!not-a-signature!!"},
		{"wrong length", base58.Encode([]byte("short"))},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, _, err := svc.Verify(ctx, wallet, nonce, c.sig); !errors.Is(err, ErrInvalidLogin) {
				t.Errorf("got %v, want ErrInvalidLogin", err)
			}
		})
	}

	// Failed attempts must not burn the nonce.
	if store.nonces[wallet] != nonce {
		t.Error("nonce consumed by failed verification")
	}
}

func TestVerifyRejectsMismatchedNonce(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newMemStore(), "test-secret")
	wallet, priv := newTestWallet(t)

	if _, _, err := svc.CreateNonce(ctx, wallet); err != nil {
		t.Fatalf("CreateNonce: %v", err)
	}
	stale := uuid.NewString()
	if _, _, err := svc.Verify(ctx, wallet, stale, signNonce(priv, stale)); !errors.Is(err, ErrInvalidLogin) {
		t.Errorf("mismatched nonce: got %v, want ErrInvalidLogin", err)
	}
}

func TestValidateTokenRejectsForeignSecret(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newMemStore(), "test-secret")
	other := NewService(newMemStore(), "other-secret")
	wallet, priv := newTestWallet(t)

	nonce, _, err := svc.CreateNonce(ctx, wallet)
	if err != nil {
		t.Fatalf("CreateNonce: %v", err)
	}
	token, _, err := svc.Verify(ctx, wallet, nonce, signNonce(priv, nonce))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if _, err := other.ValidateToken(ctx, token); err == nil {
		t.Error("token signed with another secret should not validate")
	}
}

func TestReturningUserKeepsID(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newMemStore(), "test-secret")
	wallet, priv := newTestWallet(t)

	login := func() uuid.UUID {
		nonce, _, err := svc.CreateNonce(ctx, wallet)
		if err != nil {
			t.Fatalf("CreateNonce: %v", err)
		}
		_, id, err := svc.Verify(ctx, wallet, nonce, signNonce(priv, nonce))
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		return id
	}

	first := login()
	second := login()
	if first != second {
		t.Errorf("user id changed between logins: %v vs %v", first, second)
	}
}
