package models

import (
	"time"

	"github.com/google/uuid"
)

// Credit hold status enums. A hold is terminal once captured or released.
const (
	HoldStatusOpen     = "open"
	HoldStatusCaptured = "captured"
	HoldStatusReleased = "released"
)

// CreditHold is an in-flight reservation against an account balance,
// opened before a costed operation and resolved exactly once afterwards.
// FactorMicrosAtHold snapshots the USD-per-credit rate at creation time;
// capture replays this snapshot rather than the live rate.
type CreditHold struct {
	ID                   uuid.UUID  `json:"id"`
	AccountID            uuid.UUID  `json:"account_id"`
	AmountMicrocredits   int64      `json:"amount_microcredits"`
	CapturedMicrocredits *int64     `json:"captured_microcredits,omitempty"`
	FactorMicrosAtHold   int64      `json:"factor_micros_at_hold"`
	IdempotencyKey       string     `json:"idempotency_key"`
	Status               string     `json:"status"`
	CreatedAt            time.Time  `json:"created_at"`
	ResolvedAt           *time.Time `json:"resolved_at,omitempty"`
}
