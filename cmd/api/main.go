package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/ELT10/scenyx/internal/config"
	"github.com/ELT10/scenyx/internal/credits"
	"github.com/ELT10/scenyx/internal/guard"
	"github.com/ELT10/scenyx/internal/handlers"
	"github.com/ELT10/scenyx/internal/ledger"
	"github.com/ELT10/scenyx/internal/payments"
	"github.com/ELT10/scenyx/internal/provider"
	"github.com/ELT10/scenyx/internal/ratelimit"
	"github.com/ELT10/scenyx/internal/session"
	"github.com/ELT10/scenyx/internal/solana"
	"github.com/ELT10/scenyx/internal/videogen"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()
	if cfg.USDCMint == "" || cfg.MerchantWallet == "" {
		slog.Error("USDC_MINT and MERCHANT_WALLET_ADDRESS must be set")
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. docker-compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL")

	// River migrations (the queue's own tables; app schema lives in migrations/)
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	// Ledger and hold manager
	ledgerRepo := ledger.NewRepository(pool)
	factorSource := credits.NewSettingsFactorSource(pool, cfg.FactorFallbackMicros)
	holdManager := credits.NewManager(ledgerRepo, factorSource, logger)

	// Sessions
	sessionRepo := session.NewRepository(pool)
	sessionSvc := session.NewService(sessionRepo, cfg.JWTSecret)
	sessionHandler := session.NewHandler(sessionSvc, logger)

	// Solana verification
	verifier, err := solana.NewVerifier(solana.NewClient(cfg.RPCURL), cfg.USDCMint, cfg.MerchantWallet)
	if err != nil {
		slog.Error("Failed to build payment verifier", "error", err)
		os.Exit(1)
	}
	slog.Info("Merchant token account derived", "address", verifier.MerchantTokenAccount())

	// Provider and video finalization
	providerClient := provider.NewClient(cfg.ProviderAPIBase, cfg.ProviderAPIKey)
	videoRepo := videogen.NewRepository(pool)
	videoSvc := videogen.NewService(videoRepo, holdManager, logger)

	workers := river.NewWorkers()
	river.AddWorker(workers, videogen.NewCheckVideoWorker(providerClient, videoSvc, logger))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	insertCheckVideo := func(ctx context.Context, tx pgx.Tx, args videogen.CheckVideoArgs) error {
		_, err := riverClient.InsertTx(ctx, tx, args, nil)
		return err
	}

	// Verify-signature rate limiter: Redis when configured, in-process otherwise
	var limiter ratelimit.Limiter
	if cfg.RedisAddr != "" {
		redisClient := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		limiter = ratelimit.NewRedisLimiter(redisClient, 10, time.Minute)
		slog.Info("Using Redis rate limiter", "addr", cfg.RedisAddr)
	} else {
		limiter = ratelimit.NewFixedWindow(10, time.Minute)
	}

	paymentsSvc := payments.NewService(ledgerRepo, verifier, cfg.USDCMint, logger)
	paymentsHandler := &payments.Handler{Service: paymentsSvc, Limiter: limiter, Logger: logger}

	creditGuard := &guard.Guard{Accounts: ledgerRepo, Holds: holdManager, Logger: logger}
	generateHandler := &handlers.GenerateHandler{
		Guard:            creditGuard,
		Provider:         providerClient,
		Videos:           videoSvc,
		Pool:             pool,
		InsertCheckVideo: insertCheckVideo,
		Logger:           logger,
	}

	mux := http.NewServeMux()
	RegisterRoutes(mux, sessionSvc, sessionHandler, paymentsHandler, generateHandler)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
	}).Handler(mux)

	// Start River client (runs the poll workers)
	riverCtx, stopRiver := context.WithCancel(ctx)
	defer stopRiver()
	go func() {
		if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()

	serverAddr := "0.0.0.0:" + cfg.Port
	slog.Info("Starting HTTP server", "addr", serverAddr)
	if err := http.ListenAndServe(serverAddr, corsHandler); err != nil {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}
