package ledger

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrInsufficientCredits is returned when an account balance cannot cover a
// hold creation or extension.
var ErrInsufficientCredits = errors.New("insufficient credits")

// ErrNotInitialized is returned when the ledger schema is missing, which is a
// deployment fault rather than a user condition. Callers must map it to a 5xx
// and log it distinctly.
var ErrNotInitialized = errors.New("credit ledger not initialized")

// ErrHoldNotFound is returned when a hold id does not exist.
var ErrHoldNotFound = errors.New("hold not found")

// ErrHoldResolved is returned when a capture or increase targets a hold that
// is already captured or released. The mutation did not happen.
var ErrHoldResolved = errors.New("hold already resolved")

// ErrAlreadyConfirmed is returned when a payment confirmation loses the race:
// the payment (or its signature) was already confirmed and credited.
var ErrAlreadyConfirmed = errors.New("payment already confirmed")

// ErrForbidden is returned when a signature was already credited to a
// different user.
var ErrForbidden = errors.New("signature credited to another user")

// ErrPaymentNotFound is returned when no payment row matches the lookup.
var ErrPaymentNotFound = errors.New("payment not found")

// Postgres error codes this package classifies.
const (
	pgUniqueViolation   = "23505"
	pgUndefinedTable    = "42P01"
	pgUndefinedFunction = "42883"
)

// classify maps schema-missing errors onto ErrNotInitialized so the HTTP
// boundary can distinguish deployment faults from user conditions.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == pgUndefinedTable || pgErr.Code == pgUndefinedFunction {
			return ErrNotInitialized
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
