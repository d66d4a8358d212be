package main

import (
	"net/http"

	"github.com/ELT10/scenyx/internal/handlers"
	"github.com/ELT10/scenyx/internal/middleware"
	"github.com/ELT10/scenyx/internal/payments"
	"github.com/ELT10/scenyx/internal/session"
)

// RegisterRoutes adds the /api/v1/ endpoints to the given mux. Everything
// except login and health sits behind the session middleware.
func RegisterRoutes(
	mux *http.ServeMux,
	sessionSvc session.Service,
	sessionHandler *session.Handler,
	paymentsHandler *payments.Handler,
	generateHandler *handlers.GenerateHandler,
) {
	auth := middleware.SessionAuth(sessionSvc)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Auth
	mux.HandleFunc("GET /api/v1/auth/nonce", sessionHandler.Nonce)
	mux.HandleFunc("POST /api/v1/auth/verify", sessionHandler.Verify)
	mux.HandleFunc("POST /api/v1/auth/logout", sessionHandler.Logout)
	mux.Handle("GET /api/v1/auth/session", auth(http.HandlerFunc(sessionHandler.Session)))

	// Payments and balance
	mux.Handle("POST /api/v1/payments/create-intent", auth(http.HandlerFunc(paymentsHandler.CreateIntent)))
	mux.Handle("POST /api/v1/payments/verify-signature", auth(http.HandlerFunc(paymentsHandler.VerifySignature)))
	mux.Handle("GET /api/v1/payments/history", auth(http.HandlerFunc(paymentsHandler.History)))
	mux.Handle("GET /api/v1/credits/balance", auth(http.HandlerFunc(paymentsHandler.Balance)))

	// Guarded generation
	mux.Handle("POST /api/v1/generate/script", auth(generateHandler.GenerateScript()))
	mux.Handle("POST /api/v1/generate/video", auth(generateHandler.GenerateVideo()))
	mux.Handle("GET /api/v1/videos/{id}", auth(http.HandlerFunc(generateHandler.CheckVideo)))
	mux.Handle("GET /api/v1/videos", auth(http.HandlerFunc(generateHandler.ListVideos)))
}
