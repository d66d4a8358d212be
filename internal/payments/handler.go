package payments

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/ELT10/scenyx/internal/ledger"
	"github.com/ELT10/scenyx/internal/middleware"
	"github.com/ELT10/scenyx/internal/models"
	"github.com/ELT10/scenyx/internal/ratelimit"
)

const verifyRateLimit = 10 // per user per minute

// Handler serves the payment endpoints.
type Handler struct {
	Service Service
	Limiter ratelimit.Limiter
	Logger  *slog.Logger
}

// --- POST /payments/create-intent ---

type createIntentRequest struct {
	USD float64 `json:"usd"`
}

type createIntentResponse struct {
	PaymentID string `json:"payment_id"`
	Recipient string `json:"recipient"`
	SPLToken  string `json:"spl_token"`
	Amount    string `json:"amount"`
	Reference string `json:"reference"`
	Label     string `json:"label"`
	Message   string `json:"message"`
	URL       string `json:"url"`
}

func (h *Handler) CreateIntent(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req createIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.USD <= 0 {
		http.Error(w, `{"error":"invalid amount"}`, http.StatusBadRequest)
		return
	}

	intent, err := h.Service.CreateIntent(r.Context(), userID, int64(math.Round(req.USD*float64(models.Micro))))
	if err != nil {
		h.Logger.Error("create intent", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, createIntentResponse{
		PaymentID: intent.PaymentID.String(),
		Recipient: intent.Recipient,
		SPLToken:  intent.SPLToken,
		Amount:    intent.Amount,
		Reference: intent.Reference,
		Label:     intent.Label,
		Message:   intent.Message,
		URL:       intent.URL,
	})
}

// --- POST /payments/verify-signature ---

type verifyRequest struct {
	Signature string `json:"signature"`
}

func (h *Handler) VerifySignature(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	limit, err := h.Limiter.Allow(r.Context(), "verify:"+userID.String())
	if err != nil {
		h.Logger.Error("rate limit check", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !limit.Allowed {
		retryAfter := int(math.Ceil(time.Until(limit.ResetAt).Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(verifyRateLimit))
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(limit.ResetAt.Unix(), 10))
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":       "rate limit exceeded",
			"retry_after": retryAfter,
		})
		return
	}

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Signature == "" {
		http.Error(w, `{"error":"signature required"}`, http.StatusBadRequest)
		return
	}

	outcome, err := h.Service.VerifySignature(r.Context(), userID, req.Signature)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidSignature):
			http.Error(w, `{"error":"invalid signature format"}`, http.StatusBadRequest)
		case errors.Is(err, ledger.ErrAlreadyConfirmed):
			writeJSON(w, http.StatusConflict, map[string]string{"status": StatusAlreadyConfirmed, "signature": req.Signature})
		case errors.Is(err, ledger.ErrForbidden):
			writeJSON(w, http.StatusForbidden, map[string]string{
				"status":  "forbidden",
				"message": "signature already credited for another user",
			})
		default:
			h.Logger.Error("verify signature", "user_id", userID, "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		}
		return
	}

	switch outcome.Status {
	case StatusInvalid:
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"status":  StatusInvalid,
			"code":    outcome.Code,
			"message": outcome.Message,
			"details": outcome.Details,
		})
	case StatusInvalidState:
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"status":         StatusInvalidState,
			"current_status": outcome.CurrentStatus,
		})
	case StatusPending:
		writeJSON(w, http.StatusOK, map[string]string{"status": StatusPending})
	default:
		resp := map[string]any{
			"status":              outcome.Status,
			"signature":           outcome.Signature,
			"reference":           outcome.Reference,
			"amount_microcredits": outcome.AmountMicrocredits,
			"credited":            outcome.Credited,
			"type":                outcome.Type,
		}
		if outcome.NewBalanceMicro != nil {
			resp["new_balance_microcredits"] = *outcome.NewBalanceMicro
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// --- GET /payments/history ---

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	payments, err := h.Service.History(r.Context(), userID, limit)
	if err != nil {
		h.Logger.Error("payment history", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if payments == nil {
		payments = []*models.Payment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": payments})
}

// --- GET /credits/balance ---

func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	balance, err := h.Service.Balance(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotInitialized) {
			http.Error(w, `{"error":"ledger not initialized"}`, http.StatusInternalServerError)
			return
		}
		h.Logger.Error("balance", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"balance_microcredits": balance})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
