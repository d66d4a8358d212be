package payments

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"

	"github.com/ELT10/scenyx/internal/ledger"
	"github.com/ELT10/scenyx/internal/models"
	"github.com/ELT10/scenyx/internal/solana"
)

const testMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEgGkZwyTDt1v"

// memStore mirrors the atomic payment semantics of the Postgres repository.
type memStore struct {
	mu       sync.Mutex
	balances map[uuid.UUID]int64 // by user id
	accounts map[uuid.UUID]uuid.UUID
	payments map[uuid.UUID]*models.Payment
}

func newMemStore() *memStore {
	return &memStore{
		balances: make(map[uuid.UUID]int64),
		accounts: make(map[uuid.UUID]uuid.UUID),
		payments: make(map[uuid.UUID]*models.Payment),
	}
}

func (m *memStore) GetOrCreateAccount(_ context.Context, userID uuid.UUID) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.accounts[userID]; ok {
		return id, nil
	}
	id := uuid.New()
	m.accounts[userID] = id
	return id, nil
}

func (m *memStore) GetAccountBalance(_ context.Context, accountID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for userID, id := range m.accounts {
		if id == accountID {
			return m.balances[userID], nil
		}
	}
	return 0, errors.New("account not found")
}

func (m *memStore) CreatePaymentIntent(_ context.Context, userID uuid.UUID, reference, mint string, amountUsdMicros int64) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := &models.Payment{
		ID:              uuid.New(),
		UserID:          userID,
		Type:            models.PaymentTypeIntent,
		Status:          models.PaymentStatusPending,
		Reference:       &reference,
		Mint:            mint,
		AmountUsdMicros: amountUsdMicros,
		CreatedAt:       time.Now(),
	}
	m.payments[p.ID] = p
	return p, nil
}

func (m *memStore) FindPaymentByReference(_ context.Context, userID uuid.UUID, reference string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.Reference != nil && *p.Reference == reference && p.UserID == userID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ledger.ErrPaymentNotFound
}

func (m *memStore) FindPaymentBySignature(_ context.Context, userID uuid.UUID, signature string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.TxSignature != nil && *p.TxSignature == signature && p.UserID == userID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ledger.ErrPaymentNotFound
}

func (m *memStore) ListPayments(_ context.Context, userID uuid.UUID, limit int) ([]*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []*models.Payment
	for _, p := range m.payments {
		if p.UserID == userID && len(list) < limit {
			cp := *p
			list = append(list, &cp)
		}
	}
	return list, nil
}

func (m *memStore) ConfirmPaymentAndIssueCredits(_ context.Context, paymentID uuid.UUID, signature string, amountMicrocredits int64, requestingUserID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[paymentID]
	if !ok || p.Status != models.PaymentStatusPending || p.UserID != requestingUserID {
		return 0, ledger.ErrAlreadyConfirmed
	}
	for _, other := range m.payments {
		if other.TxSignature != nil && *other.TxSignature == signature {
			return 0, ledger.ErrAlreadyConfirmed
		}
	}
	p.Status = models.PaymentStatusConfirmed
	p.TxSignature = &signature
	p.CreditedMicrocredits = &amountMicrocredits
	m.balances[p.UserID] += amountMicrocredits
	return m.balances[p.UserID], nil
}

func (m *memStore) CreateManualPaymentAndIssueCredits(_ context.Context, userID uuid.UUID, signature string, amountMicrocredits int64, mint string) (*ledger.ManualPaymentResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.TxSignature != nil && *p.TxSignature == signature {
			if p.UserID != userID {
				return nil, ledger.ErrForbidden
			}
			return &ledger.ManualPaymentResult{AlreadyExisted: true, Type: p.Type, NewBalanceMicro: m.balances[userID]}, nil
		}
	}
	p := &models.Payment{
		ID:                   uuid.New(),
		UserID:               userID,
		Type:                 models.PaymentTypeManual,
		Status:               models.PaymentStatusConfirmed,
		TxSignature:          &signature,
		Mint:                 mint,
		CreditedMicrocredits: &amountMicrocredits,
		CreatedAt:            time.Now(),
	}
	m.payments[p.ID] = p
	m.balances[userID] += amountMicrocredits
	return &ledger.ManualPaymentResult{Type: models.PaymentTypeManual, NewBalanceMicro: m.balances[userID], AmountMicrocredits: amountMicrocredits}, nil
}

// fakeChain returns canned lookup results per signature.
type fakeChain struct {
	results map[string]solana.LookupResult
	errs    map[string]error
}

func (f *fakeChain) LookupPaymentBySignature(_ context.Context, signature string) (solana.LookupResult, error) {
	if err, ok := f.errs[signature]; ok {
		return solana.LookupResult{}, err
	}
	return f.results[signature], nil
}

func (f *fakeChain) MerchantTokenAccount() string { return "MerchantATA111" }

func testSignature(seed byte) string {
	raw := make([]byte, 64)
	for i := range raw {
		raw[i] = seed
	}
	return base58.Encode(raw)
}

func newTestService(store Store, chain ChainLookup) Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(store, chain, testMint, logger)
}

func TestVerifyConfirmsIntentOnce(t *testing.T) {
	store := newMemStore()
	userID := uuid.New()
	sig := testSignature(1)

	intent, err := store.CreatePaymentIntent(context.Background(), userID, "Ref111", testMint, 40_000_000)
	if err != nil {
		t.Fatal(err)
	}

	chain := &fakeChain{results: map[string]solana.LookupResult{
		sig: {Payment: &solana.Payment{Signature: sig, Reference: "Ref111", AmountMicro: 40_000_000, Mint: testMint}},
	}}
	svc := newTestService(store, chain)

	out, err := svc.VerifySignature(context.Background(), userID, sig)
	if err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
	if out.Status != StatusConfirmed {
		t.Fatalf("status: got %q, want confirmed", out.Status)
	}
	if out.AmountMicrocredits != 40_000_000 {
		t.Errorf("credited: got %d, want 40000000", out.AmountMicrocredits)
	}
	if out.NewBalanceMicro == nil || *out.NewBalanceMicro != 40_000_000 {
		t.Errorf("new balance: got %v", out.NewBalanceMicro)
	}

	// A retry must report the earlier confirmation without crediting again.
	out, err = svc.VerifySignature(context.Background(), userID, sig)
	if err != nil {
		t.Fatalf("second VerifySignature: %v", err)
	}
	if out.Status != StatusAlreadyConfirmed {
		t.Errorf("retry status: got %q, want already_confirmed", out.Status)
	}
	if got := store.balances[userID]; got != 40_000_000 {
		t.Errorf("balance after retry: got %d, want 40000000", got)
	}
	if store.payments[intent.ID].Status != models.PaymentStatusConfirmed {
		t.Error("intent row should be confirmed")
	}
}

func TestVerifyManualPath(t *testing.T) {
	store := newMemStore()
	userID := uuid.New()
	sig := testSignature(2)

	chain := &fakeChain{results: map[string]solana.LookupResult{
		sig: {Payment: &solana.Payment{Signature: sig, AmountMicro: 5_000_000, Mint: testMint}},
	}}
	svc := newTestService(store, chain)

	out, err := svc.VerifySignature(context.Background(), userID, sig)
	if err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
	if out.Status != StatusConfirmed || out.Type != models.PaymentTypeManual {
		t.Fatalf("got status %q type %q, want confirmed/manual", out.Status, out.Type)
	}

	out, err = svc.VerifySignature(context.Background(), userID, sig)
	if err != nil {
		t.Fatalf("second VerifySignature: %v", err)
	}
	if out.Status != StatusAlreadyConfirmed {
		t.Errorf("retry status: got %q, want already_confirmed", out.Status)
	}
	if got := store.balances[userID]; got != 5_000_000 {
		t.Errorf("balance: got %d, want 5000000", got)
	}
}

func TestVerifyCrossUserSignatureForbidden(t *testing.T) {
	store := newMemStore()
	userA := uuid.New()
	userB := uuid.New()
	sig := testSignature(3)

	chain := &fakeChain{results: map[string]solana.LookupResult{
		sig: {Payment: &solana.Payment{Signature: sig, AmountMicro: 5_000_000, Mint: testMint}},
	}}
	svc := newTestService(store, chain)

	if _, err := svc.VerifySignature(context.Background(), userA, sig); err != nil {
		t.Fatalf("user A verify: %v", err)
	}

	_, err := svc.VerifySignature(context.Background(), userB, sig)
	if !errors.Is(err, ledger.ErrForbidden) {
		t.Fatalf("user B verify: got %v, want ErrForbidden", err)
	}
	if got := store.balances[userB]; got != 0 {
		t.Errorf("user B balance: got %d, want 0", got)
	}
}

func TestVerifyPendingAndInvalid(t *testing.T) {
	store := newMemStore()
	userID := uuid.New()
	pendingSig := testSignature(4)
	badSig := testSignature(5)

	chain := &fakeChain{
		results: map[string]solana.LookupResult{pendingSig: {Pending: true}},
		errs: map[string]error{
			badSig: &solana.ValidationError{Code: "wrong_mint", Message: "transfer mint does not match expected stablecoin"},
		},
	}
	svc := newTestService(store, chain)

	out, err := svc.VerifySignature(context.Background(), userID, pendingSig)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusPending {
		t.Errorf("status: got %q, want pending", out.Status)
	}

	out, err = svc.VerifySignature(context.Background(), userID, badSig)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusInvalid || out.Code != "wrong_mint" {
		t.Errorf("got status %q code %q, want invalid/wrong_mint", out.Status, out.Code)
	}
}

func TestVerifyRejectsMalformedSignature(t *testing.T) {
	svc := newTestService(newMemStore(), &fakeChain{})
	_, err := svc.VerifySignature(context.Background(), uuid.New(), "not-a-signature")
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("got %v, want ErrInvalidSignature", err)
	}
}

func TestCreateIntent(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &fakeChain{})
	userID := uuid.New()

	intent, err := svc.CreateIntent(context.Background(), userID, 12_500_000)
	if err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}
	if intent.Amount != "12.500000" {
		t.Errorf("amount: got %q, want 12.500000", intent.Amount)
	}
	if intent.Recipient != "MerchantATA111" {
		t.Errorf("recipient: got %q", intent.Recipient)
	}
	if intent.Reference == "" {
		t.Error("reference must be set")
	}

	second, err := svc.CreateIntent(context.Background(), userID, 12_500_000)
	if err != nil {
		t.Fatal(err)
	}
	if second.Reference == intent.Reference {
		t.Error("each intent must get a fresh reference")
	}

	if _, err := svc.CreateIntent(context.Background(), userID, 0); err == nil {
		t.Error("zero amount should be rejected")
	}
}
