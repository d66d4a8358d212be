// Package payments implements the on-chain top-up flow: payment intents with
// Solana Pay references, signature verification against the chain, and the
// crediting paths for both pre-registered and manual transfers.
package payments

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"

	"github.com/ELT10/scenyx/internal/ledger"
	"github.com/ELT10/scenyx/internal/models"
	"github.com/ELT10/scenyx/internal/solana"
)

// ErrInvalidSignature rejects input that cannot be a Solana signature before
// any RPC round trip is spent on it.
var ErrInvalidSignature = errors.New("invalid signature format")

// Verify outcome states returned to clients.
const (
	StatusPending          = "pending"
	StatusInvalid          = "invalid"
	StatusInvalidState     = "invalid_state"
	StatusConfirmed        = "confirmed"
	StatusAlreadyConfirmed = "already_confirmed"
)

// Store is the slice of ledger operations the payment flow uses.
type Store interface {
	GetOrCreateAccount(ctx context.Context, userID uuid.UUID) (uuid.UUID, error)
	GetAccountBalance(ctx context.Context, accountID uuid.UUID) (int64, error)
	CreatePaymentIntent(ctx context.Context, userID uuid.UUID, reference, mint string, amountUsdMicros int64) (*models.Payment, error)
	FindPaymentByReference(ctx context.Context, userID uuid.UUID, reference string) (*models.Payment, error)
	FindPaymentBySignature(ctx context.Context, userID uuid.UUID, signature string) (*models.Payment, error)
	ListPayments(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Payment, error)
	ConfirmPaymentAndIssueCredits(ctx context.Context, paymentID uuid.UUID, signature string, amountMicrocredits int64, requestingUserID uuid.UUID) (int64, error)
	CreateManualPaymentAndIssueCredits(ctx context.Context, userID uuid.UUID, signature string, amountMicrocredits int64, mint string) (*ledger.ManualPaymentResult, error)
}

// ChainLookup validates a signature against the chain.
type ChainLookup interface {
	LookupPaymentBySignature(ctx context.Context, signature string) (solana.LookupResult, error)
	MerchantTokenAccount() string
}

// VerifyOutcome is the result of one verify-signature request. Status is
// always set; the remaining fields depend on it.
type VerifyOutcome struct {
	Status             string
	Code               string
	Message            string
	Details            map[string]any
	CurrentStatus      string
	Signature          string
	Reference          string
	AmountMicrocredits int64
	Credited           bool
	Type               string
	NewBalanceMicro    *int64
}

// Intent is what a client needs to render a Solana Pay request.
type Intent struct {
	PaymentID uuid.UUID
	Recipient string
	SPLToken  string
	Amount    string
	Reference string
	Label     string
	Message   string
	URL       string
}

// Service is the payment flow exposed to handlers.
type Service interface {
	CreateIntent(ctx context.Context, userID uuid.UUID, amountUsdMicros int64) (*Intent, error)
	VerifySignature(ctx context.Context, userID uuid.UUID, signature string) (*VerifyOutcome, error)
	History(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Payment, error)
	Balance(ctx context.Context, userID uuid.UUID) (int64, error)
}

type service struct {
	store  Store
	chain  ChainLookup
	mint   string
	logger *slog.Logger
}

var _ Service = (*service)(nil)

func NewService(store Store, chain ChainLookup, usdcMint string, logger *slog.Logger) Service {
	return &service{store: store, chain: chain, mint: usdcMint, logger: logger}
}

// CreateIntent registers a pending payment under a fresh reference key and
// returns the Solana Pay fields for it. The reference is a throwaway ed25519
// public key; wallets attach it to the transfer so verification can match the
// transaction back to this intent.
func (s *service) CreateIntent(ctx context.Context, userID uuid.UUID, amountUsdMicros int64) (*Intent, error) {
	if amountUsdMicros <= 0 {
		return nil, errors.New("amount must be positive")
	}

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate reference key: %w", err)
	}
	reference := base58.Encode(pub)

	payment, err := s.store.CreatePaymentIntent(ctx, userID, reference, s.mint, amountUsdMicros)
	if err != nil {
		return nil, err
	}

	amount := formatUSDMicros(amountUsdMicros)
	intent := &Intent{
		PaymentID: payment.ID,
		Recipient: s.chain.MerchantTokenAccount(),
		SPLToken:  s.mint,
		Amount:    amount,
		Reference: reference,
		Label:     "Scenyx Credits",
		Message:   "Purchase credits",
	}
	intent.URL = solana.BuildPayURL(solana.PayURLParams{
		Recipient: intent.Recipient,
		SPLToken:  intent.SPLToken,
		Amount:    amount,
		Reference: reference,
		Label:     intent.Label,
		Message:   intent.Message,
	})

	s.logger.Info("payment intent created",
		"user_id", userID, "payment_id", payment.ID, "amount_usd_micros", amountUsdMicros)
	return intent, nil
}

// VerifySignature validates a transfer on-chain and credits the account.
// A transfer carrying a known reference confirms its intent; anything else is
// credited as a manual payment keyed by signature. Both paths are atomic in
// the store, so retries and concurrent verifies never credit twice.
func (s *service) VerifySignature(ctx context.Context, userID uuid.UUID, signature string) (*VerifyOutcome, error) {
	if !solana.ValidSignatureFormat(signature) {
		return nil, ErrInvalidSignature
	}

	lookup, err := s.chain.LookupPaymentBySignature(ctx, signature)
	if err != nil {
		var verr *solana.ValidationError
		if errors.As(err, &verr) {
			return &VerifyOutcome{Status: StatusInvalid, Code: verr.Code, Message: verr.Message, Details: verr.Details}, nil
		}
		return nil, err
	}
	if lookup.Pending {
		return &VerifyOutcome{Status: StatusPending, Signature: signature}, nil
	}

	onChain := lookup.Payment
	row, err := s.findPaymentRow(ctx, userID, onChain.Reference, signature)
	if err != nil {
		return nil, err
	}

	if row == nil {
		return s.creditManual(ctx, userID, signature, onChain)
	}
	return s.confirmIntent(ctx, userID, row, signature, onChain)
}

// findPaymentRow locates the user's own payment record for this transfer,
// by reference first, then by signature. Nil means no record exists and the
// transfer takes the manual path.
func (s *service) findPaymentRow(ctx context.Context, userID uuid.UUID, reference, signature string) (*models.Payment, error) {
	if reference != "" {
		row, err := s.store.FindPaymentByReference(ctx, userID, reference)
		if err == nil {
			return row, nil
		}
		if !errors.Is(err, ledger.ErrPaymentNotFound) {
			return nil, err
		}
	}
	row, err := s.store.FindPaymentBySignature(ctx, userID, signature)
	if err == nil {
		return row, nil
	}
	if errors.Is(err, ledger.ErrPaymentNotFound) {
		return nil, nil
	}
	return nil, err
}

func (s *service) confirmIntent(ctx context.Context, userID uuid.UUID, row *models.Payment, signature string, onChain *solana.Payment) (*VerifyOutcome, error) {
	if row.Status == models.PaymentStatusConfirmed {
		var credited int64
		if row.CreditedMicrocredits != nil {
			credited = *row.CreditedMicrocredits
		}
		return &VerifyOutcome{
			Status:             StatusAlreadyConfirmed,
			Signature:          signature,
			Reference:          onChain.Reference,
			AmountMicrocredits: credited,
			Credited:           true,
			Type:               row.Type,
		}, nil
	}
	if row.Status != models.PaymentStatusPending {
		return &VerifyOutcome{Status: StatusInvalidState, CurrentStatus: row.Status}, nil
	}

	// 1 USDC micro buys 1 microcredit, so the on-chain amount carries over.
	newBalance, err := s.store.ConfirmPaymentAndIssueCredits(ctx, row.ID, signature, onChain.AmountMicro, userID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("payment confirmed",
		"user_id", userID, "payment_id", row.ID, "amount_microcredits", onChain.AmountMicro)
	return &VerifyOutcome{
		Status:             StatusConfirmed,
		Signature:          signature,
		Reference:          onChain.Reference,
		AmountMicrocredits: onChain.AmountMicro,
		Credited:           true,
		Type:               row.Type,
		NewBalanceMicro:    &newBalance,
	}, nil
}

func (s *service) creditManual(ctx context.Context, userID uuid.UUID, signature string, onChain *solana.Payment) (*VerifyOutcome, error) {
	result, err := s.store.CreateManualPaymentAndIssueCredits(ctx, userID, signature, onChain.AmountMicro, s.mint)
	if err != nil {
		return nil, err
	}

	status := StatusConfirmed
	if result.AlreadyExisted {
		status = StatusAlreadyConfirmed
	} else {
		s.logger.Info("manual payment credited",
			"user_id", userID, "amount_microcredits", onChain.AmountMicro)
	}
	return &VerifyOutcome{
		Status:             status,
		Signature:          signature,
		Reference:          onChain.Reference,
		AmountMicrocredits: onChain.AmountMicro,
		Credited:           true,
		Type:               result.Type,
		NewBalanceMicro:    &result.NewBalanceMicro,
	}, nil
}

func (s *service) History(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Payment, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListPayments(ctx, userID, limit)
}

func (s *service) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	accountID, err := s.store.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return s.store.GetAccountBalance(ctx, accountID)
}

// formatUSDMicros renders micros as a decimal USD amount, e.g. 40000000
// becomes "40.000000".
func formatUSDMicros(micros int64) string {
	return fmt.Sprintf("%d.%06d", micros/models.Micro, micros%models.Micro)
}
