package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/centavoapp/billing/internal/billing"
	"github.com/centavoapp/billing/internal/config"
	"github.com/centavoapp/billing/internal/database"
	"github.com/centavoapp/billing/internal/logging"
	"github.com/centavoapp/billing/internal/server"
)

// Processed-event records older than this are pruned; the provider does
// not redeliver events anywhere near this late.
const ledgerRetention = 30 * 24 * time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.LogLevel)

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	srv := server.New(db, server.Config{
		Billing: billing.Config{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			SuccessURL:    cfg.BaseURL + "/account?session_id={CHECKOUT_SESSION_ID}",
			CancelURL:     cfg.BaseURL + "/pricing",
		},
		JWTSecret: cfg.JWTSecret,
		BaseURL:   cfg.BaseURL,
	}, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Background maintenance goroutine
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n, err := srv.EventLedger().Prune(time.Now().Add(-ledgerRetention)); err != nil {
					logger.Error("prune event ledger", "error", err)
				} else if n > 0 {
					logger.Info("pruned processed events", "count", n)
				}
				srv.RateLimiter().Cleanup(3 * time.Hour)
			case <-cleanupCtx.Done():
				return
			}
		}
	}()

	go func() {
		logger.Info("billing service starting", "addr", ":"+cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cleanupCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
