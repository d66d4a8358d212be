package models

import (
	"time"

	"github.com/google/uuid"
)

// Micro is the number of smallest units per whole credit (or whole USD).
// All monetary values cross package boundaries as int64 micro-units.
const Micro int64 = 1_000_000

// Account holds a user's spendable credit balance in microcredits.
// Balance mutation only ever happens through the ledger store's atomic
// operations; the balance never goes negative.
type Account struct {
	ID                  uuid.UUID `json:"id"`
	UserID              uuid.UUID `json:"user_id"`
	BalanceMicrocredits int64     `json:"balance_microcredits"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}
