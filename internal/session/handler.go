package session

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ELT10/scenyx/internal/middleware"
)

// CookieName is the session cookie the middleware also reads.
const CookieName = "scenyx_session"

type Handler struct {
	svc    Service
	logger *slog.Logger
}

func NewHandler(svc Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Nonce handles GET /api/v1/auth/nonce?wallet=<address>.
func (h *Handler) Nonce(w http.ResponseWriter, r *http.Request) {
	wallet := r.URL.Query().Get("wallet")
	if wallet == "" {
		http.Error(w, `{"error":"wallet required"}`, http.StatusBadRequest)
		return
	}
	nonce, expiresAt, err := h.svc.CreateNonce(r.Context(), wallet)
	if err != nil {
		h.logger.Error("create nonce", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"nonce":      nonce,
		"expires_at": expiresAt.Format(time.RFC3339),
	})
}

type verifyRequest struct {
	WalletAddress string `json:"wallet_address"`
	Nonce         string `json:"nonce"`
	Signature     string `json:"signature"`
}

// Verify handles POST /api/v1/auth/verify. On success it sets the session
// cookie and returns the user id.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.WalletAddress == "" || req.Nonce == "" || req.Signature == "" {
		http.Error(w, `{"error":"wallet_address, nonce and signature are required"}`, http.StatusBadRequest)
		return
	}
	token, userID, err := h.svc.Verify(r.Context(), req.WalletAddress, req.Nonce, req.Signature)
	if err != nil {
		if errors.Is(err, ErrInvalidLogin) {
			http.Error(w, `{"error":"invalid signature or nonce"}`, http.StatusUnauthorized)
			return
		}
		h.logger.Error("verify login", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Now().Add(sessionTTL),
	})
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "token": token})
}

// Session handles GET /api/v1/auth/session behind the auth middleware.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID})
}

// Logout handles POST /api/v1/auth/logout by expiring the cookie. Tokens are
// stateless, so logout is purely client-side invalidation.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:    CookieName,
		Value:   "",
		Path:    "/",
		Expires: time.Unix(0, 0),
	})
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
