package ledger

import (
	"context"

	"github.com/google/uuid"

	"github.com/ELT10/scenyx/internal/models"
)

// Store is the set of atomic ledger operations the rest of the system is
// allowed to touch balances through. Implementations must make every method a
// single indivisible unit of work.
type Store interface {
	GetOrCreateAccount(ctx context.Context, userID uuid.UUID) (uuid.UUID, error)
	GetAccountBalance(ctx context.Context, accountID uuid.UUID) (int64, error)

	CreateHold(ctx context.Context, accountID uuid.UUID, amountMicro int64, idempotencyKey string, factorMicros int64) (uuid.UUID, error)
	GetHold(ctx context.Context, holdID uuid.UUID) (*models.CreditHold, error)
	IncreaseHold(ctx context.Context, holdID uuid.UUID, additionalMicro int64) error
	CaptureHold(ctx context.Context, holdID uuid.UUID, captureMicro int64) error
	ReleaseHold(ctx context.Context, holdID uuid.UUID) error

	CreatePaymentIntent(ctx context.Context, userID uuid.UUID, reference, mint string, amountUsdMicros int64) (*models.Payment, error)
	FindPaymentByReference(ctx context.Context, userID uuid.UUID, reference string) (*models.Payment, error)
	FindPaymentBySignature(ctx context.Context, userID uuid.UUID, signature string) (*models.Payment, error)
	ListPayments(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Payment, error)
	ConfirmPaymentAndIssueCredits(ctx context.Context, paymentID uuid.UUID, signature string, amountMicrocredits int64, requestingUserID uuid.UUID) (int64, error)
	CreateManualPaymentAndIssueCredits(ctx context.Context, userID uuid.UUID, signature string, amountMicrocredits int64, mint string) (*ManualPaymentResult, error)
}

var _ Store = (*Repository)(nil)
