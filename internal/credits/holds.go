// Package credits is the hold manager: the single chokepoint converting fiat
// estimates into reserved credits and opening, extending, and resolving holds
// through the ledger store's atomic operations.
package credits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ELT10/scenyx/internal/ledger"
	"github.com/ELT10/scenyx/internal/models"
)

// ErrUsageExceededEstimate is returned when actual usage outgrew the
// reservation and the account balance could not cover the extension. The hold
// stays open; see DESIGN.md for the operator story.
var ErrUsageExceededEstimate = errors.New("actual usage exceeded estimate and balance cannot cover the extension")

// HoldStore is the subset of ledger operations the manager needs.
type HoldStore interface {
	CreateHold(ctx context.Context, accountID uuid.UUID, amountMicro int64, idempotencyKey string, factorMicros int64) (uuid.UUID, error)
	GetHold(ctx context.Context, holdID uuid.UUID) (*models.CreditHold, error)
	IncreaseHold(ctx context.Context, holdID uuid.UUID, additionalMicro int64) error
	CaptureHold(ctx context.Context, holdID uuid.UUID, captureMicro int64) error
	ReleaseHold(ctx context.Context, holdID uuid.UUID) error
	GetAccountBalance(ctx context.Context, accountID uuid.UUID) (int64, error)
}

// FactorSource yields the current USD-per-credit exchange factor in micros.
type FactorSource interface {
	FactorMicros(ctx context.Context) (int64, error)
}

// Manager opens and resolves credit holds.
type Manager struct {
	store   HoldStore
	factors FactorSource
	logger  *slog.Logger
}

func NewManager(store HoldStore, factors FactorSource, logger *slog.Logger) *Manager {
	return &Manager{store: store, factors: factors, logger: logger}
}

// Hold describes a freshly created reservation.
type Hold struct {
	HoldID               uuid.UUID
	ReservedMicrocredits int64
	FactorMicros         int64
}

// ceilDiv returns ceil(a / b) for positive b. Reservation math always rounds
// against the user-favorable direction.
func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

// CreditsForUsd converts USD micros to microcredits at the given factor,
// ceiling rounded.
func CreditsForUsd(usdMicros, factorMicros int64) int64 {
	return ceilDiv(usdMicros*models.Micro, factorMicros)
}

// CreateHold reserves the credit equivalent of estUsdMicros at the current
// exchange factor. The factor is snapshotted into the hold row; capture for
// this hold replays that snapshot, never a live rate.
func (m *Manager) CreateHold(ctx context.Context, accountID uuid.UUID, estUsdMicros int64, idempotencyKey string) (*Hold, error) {
	factor, err := m.factors.FactorMicros(ctx)
	if err != nil {
		return nil, err
	}
	reserved := CreditsForUsd(estUsdMicros, factor)
	holdID, err := m.store.CreateHold(ctx, accountID, reserved, idempotencyKey, factor)
	if err != nil {
		return nil, err
	}
	return &Hold{HoldID: holdID, ReservedMicrocredits: reserved, FactorMicros: factor}, nil
}

// CaptureHold resolves a hold for the actual incurred usage, converted with
// the factor snapshotted at creation. If the needed amount exceeds the
// reservation, the hold is first extended, provided the spare balance covers
// the shortfall.
func (m *Manager) CaptureHold(ctx context.Context, holdID uuid.UUID, actualUsdMicros int64) (int64, error) {
	hold, err := m.store.GetHold(ctx, holdID)
	if err != nil {
		return 0, err
	}

	need := CreditsForUsd(actualUsdMicros, hold.FactorMicrosAtHold)

	if need > hold.AmountMicrocredits {
		additional := need - hold.AmountMicrocredits
		m.logger.Warn("actual usage exceeds hold estimate",
			"hold_id", holdID, "reserved_microcredits", hold.AmountMicrocredits,
			"needed_microcredits", need, "additional_microcredits", additional)

		balance, err := m.store.GetAccountBalance(ctx, hold.AccountID)
		if err != nil {
			return 0, err
		}
		if balance < additional {
			return 0, fmt.Errorf("%w: need %d more microcredits, balance %d",
				ErrUsageExceededEstimate, additional, balance)
		}
		if err := m.store.IncreaseHold(ctx, holdID, additional); err != nil {
			if errors.Is(err, ledger.ErrInsufficientCredits) {
				return 0, fmt.Errorf("%w: %v", ErrUsageExceededEstimate, err)
			}
			return 0, err
		}
	}

	if err := m.store.CaptureHold(ctx, holdID, need); err != nil {
		return 0, err
	}
	return need, nil
}

// ReleaseHold returns the full reserved amount to the account at zero cost to
// the user. Safe on an already-resolved hold.
func (m *Manager) ReleaseHold(ctx context.Context, holdID uuid.UUID) error {
	return m.store.ReleaseHold(ctx, holdID)
}
