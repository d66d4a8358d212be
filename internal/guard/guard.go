// Package guard wraps generation handlers in the reserve/run/settle cycle:
// estimate the cost, hold that many credits, run the work, then capture the
// actual usage or release everything if the work failed.
package guard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/ELT10/scenyx/internal/credits"
	"github.com/ELT10/scenyx/internal/ledger"
	"github.com/ELT10/scenyx/internal/middleware"
)

// AccountStore resolves the caller's ledger account.
type AccountStore interface {
	GetOrCreateAccount(ctx context.Context, userID uuid.UUID) (uuid.UUID, error)
}

// Holds is the hold lifecycle the guard drives; *credits.Manager implements it.
type Holds interface {
	CreateHold(ctx context.Context, accountID uuid.UUID, estUsdMicros int64, idempotencyKey string) (*credits.Hold, error)
	CaptureHold(ctx context.Context, holdID uuid.UUID, actualUsdMicros int64) (int64, error)
	ReleaseHold(ctx context.Context, holdID uuid.UUID) error
}

// Context carries the identities resolved by the guard into the wrapped
// handler.
type Context struct {
	UserID    uuid.UUID
	AccountID uuid.UUID
	HoldID    uuid.UUID
}

// RunResult is what a wrapped handler produces. UsageUsdMicros is the actual
// incurred cost to capture. KeepHold skips settlement entirely; async flows
// set it when a background finalizer owns the hold from here on.
type RunResult struct {
	Status         int
	Body           any
	UsageUsdMicros int64
	KeepHold       bool
}

// EstimateFunc prices the request body in USD micros before any work runs.
type EstimateFunc func(body []byte) int64

// RunFunc performs the guarded work.
type RunFunc func(ctx context.Context, gc Context, body []byte) (*RunResult, error)

// Guard builds guarded HTTP handlers over a shared account store and hold
// manager.
type Guard struct {
	Accounts AccountStore
	Holds    Holds
	Logger   *slog.Logger
}

// Wrap returns a handler enforcing the guard cycle around run. Client retries
// can pass an Idempotency-Key header to land on the same hold instead of
// reserving twice.
func (g *Guard) Wrap(estimate EstimateFunc, run RunFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := middleware.UserIDFromCtx(r.Context())
		if !ok {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}

		accountID, err := g.Accounts.GetOrCreateAccount(r.Context(), userID)
		if err != nil {
			g.respondStoreError(w, "resolve account", userID, err)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, `{"error":"failed to read request body"}`, http.StatusBadRequest)
			return
		}

		idempotencyKey := r.Header.Get("Idempotency-Key")
		if idempotencyKey == "" {
			idempotencyKey = uuid.New().String()
		}

		hold, err := g.Holds.CreateHold(r.Context(), accountID, estimate(body), idempotencyKey)
		if err != nil {
			if errors.Is(err, ledger.ErrInsufficientCredits) {
				http.Error(w, `{"error":"insufficient credits"}`, http.StatusPaymentRequired)
				return
			}
			g.respondStoreError(w, "create hold", userID, err)
			return
		}

		gc := Context{UserID: userID, AccountID: accountID, HoldID: hold.HoldID}
		result, err := run(r.Context(), gc, body)
		if err != nil {
			// The user pays nothing for work that failed.
			if relErr := g.Holds.ReleaseHold(r.Context(), hold.HoldID); relErr != nil {
				g.Logger.Error("release after failed run",
					"hold_id", hold.HoldID, "user_id", userID, "error", relErr)
			}
			g.Logger.Error("guarded run failed", "user_id", userID, "hold_id", hold.HoldID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}

		if result.KeepHold {
			writeJSON(w, result.Status, result.Body)
			return
		}

		if _, err := g.Holds.CaptureHold(r.Context(), hold.HoldID, result.UsageUsdMicros); err != nil {
			if errors.Is(err, credits.ErrUsageExceededEstimate) {
				// The work succeeded but the account cannot cover it. Leave
				// the hold open and loud instead of silently capping.
				g.Logger.Error("usage exceeded estimate, hold left open",
					"hold_id", hold.HoldID, "user_id", userID,
					"usage_usd_micros", result.UsageUsdMicros, "error", err)
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "usage exceeded estimate"})
				return
			}
			if relErr := g.Holds.ReleaseHold(r.Context(), hold.HoldID); relErr != nil {
				g.Logger.Error("release after failed capture",
					"hold_id", hold.HoldID, "user_id", userID, "error", relErr)
			}
			g.Logger.Error("capture failed", "hold_id", hold.HoldID, "user_id", userID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to settle charge"})
			return
		}

		writeJSON(w, result.Status, result.Body)
	}
}

func (g *Guard) respondStoreError(w http.ResponseWriter, op string, userID uuid.UUID, err error) {
	if errors.Is(err, ledger.ErrNotInitialized) {
		http.Error(w, `{"error":"credit system not initialized, run database migrations"}`, http.StatusInternalServerError)
		return
	}
	g.Logger.Error(op, "user_id", userID, "error", err)
	http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
