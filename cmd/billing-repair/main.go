// Command billing-repair runs one repair sweep against the billing
// provider and exits. Intended to run on a schedule (cron or a systemd
// timer); overlapping runs are refused via a database lease.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/centavoapp/billing/internal/billing"
	"github.com/centavoapp/billing/internal/config"
	"github.com/centavoapp/billing/internal/database"
	"github.com/centavoapp/billing/internal/logging"
	"github.com/centavoapp/billing/internal/metrics"
	"github.com/centavoapp/billing/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.LogLevel).With("component", "repair")

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	m := metrics.New()
	accounts := store.NewAccountStore(db)
	locks := store.NewJobLockStore(db)

	client := billing.NewClient(billing.Config{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
	})
	resolver := billing.NewResolver(accounts, logger)
	writer := billing.NewWriter(accounts, m, logger)
	job := billing.NewRepairJob(client, accounts, locks, resolver, writer, m, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	summary, err := job.Run(ctx)
	if errors.Is(err, billing.ErrRepairRunning) {
		logger.Info("repair already running, nothing to do")
		return
	}
	if err != nil {
		logger.Error("repair run failed", "error", err)
		os.Exit(1)
	}

	logger.Info("repair run complete",
		"checked", summary.Checked,
		"applied", summary.Applied,
		"anomalies", summary.Anomalies,
		"duplicates_demoted", summary.DuplicatesDemoted,
		"placeholders_cleared", summary.PlaceholdersCleared,
		"skipped", summary.Skipped,
	)
}
