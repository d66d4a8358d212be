package models

import (
	"time"

	"github.com/google/uuid"
)

// Payment status enums. A payment is terminal once confirmed.
const (
	PaymentStatusPending   = "pending"
	PaymentStatusConfirmed = "confirmed"
	PaymentStatusFailed    = "failed"
)

// Payment type enums: an intent is pre-registered by the server with a
// reference tag; a manual payment is created after the fact from a
// user-submitted signature the server never pre-registered.
const (
	PaymentTypeIntent = "intent"
	PaymentTypeManual = "manual"
)

// Payment is one attempt to convert an on-chain stablecoin transfer into
// credits. TxSignature is globally unique: a signature is credited at most
// once, system-wide, enforced by the ledger store's atomic confirm.
type Payment struct {
	ID                   uuid.UUID  `json:"id"`
	UserID               uuid.UUID  `json:"user_id"`
	Type                 string     `json:"type"`
	Status               string     `json:"status"`
	Reference            *string    `json:"reference,omitempty"`
	TxSignature          *string    `json:"tx_signature,omitempty"`
	Mint                 string     `json:"mint"`
	AmountUsdMicros      int64      `json:"amount_usd_micros"`
	CreditedMicrocredits *int64     `json:"credited_microcredits,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	ConfirmedAt          *time.Time `json:"confirmed_at,omitempty"`
}
