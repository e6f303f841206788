package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/centavoapp/billing/internal/metrics"
	"github.com/centavoapp/billing/internal/store"
)

// ErrRepairRunning means another repair run holds the lease.
var ErrRepairRunning = errors.New("billing: repair job already running")

const (
	repairLockName = "billing-repair"
	repairLockTTL  = 15 * time.Minute
	repairWorkers  = 4
)

// SubscriptionLister is the slice of the provider the repair job needs.
type SubscriptionLister interface {
	ListActiveSubscriptions() ([]SubscriptionSnapshot, error)
}

// RepairJob cross-checks provider-side truth against stored accounts and
// fixes drift: stale state, duplicate subscription-id holders, and
// placeholder customer ids. One run at a time, enforced by a shared
// lease; each record is processed independently so a bad one never aborts
// the batch.
type RepairJob struct {
	provider SubscriptionLister
	accounts *store.AccountStore
	locks    *store.JobLockStore
	resolver *Resolver
	writer   *Writer
	metrics  *metrics.Set
	logger   *slog.Logger
	now      func() time.Time
}

func NewRepairJob(
	provider SubscriptionLister,
	accounts *store.AccountStore,
	locks *store.JobLockStore,
	resolver *Resolver,
	writer *Writer,
	m *metrics.Set,
	logger *slog.Logger,
) *RepairJob {
	return &RepairJob{
		provider: provider,
		accounts: accounts,
		locks:    locks,
		resolver: resolver,
		writer:   writer,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// Summary is what a repair run found and fixed.
type Summary struct {
	Checked             int
	Applied             int
	Anomalies           int
	DuplicatesDemoted   int
	PlaceholdersCleared int
	Skipped             int
}

// Run executes one full repair sweep. Cancel the context to stop between
// records; completed corrections stand.
func (j *RepairJob) Run(ctx context.Context) (Summary, error) {
	holder := uuid.NewString()
	acquired, err := j.locks.Acquire(repairLockName, holder, repairLockTTL)
	if err != nil {
		return Summary{}, fmt.Errorf("acquire repair lock: %w", err)
	}
	if !acquired {
		return Summary{}, ErrRepairRunning
	}
	defer func() {
		if err := j.locks.Release(repairLockName, holder); err != nil {
			j.logger.Warn("release repair lock", "error", err)
		}
	}()

	var (
		mu      sync.Mutex
		summary Summary
	)

	if err := j.sweepProviderSubscriptions(ctx, &mu, &summary); err != nil {
		return summary, err
	}
	if err := j.demoteDuplicateHolders(ctx, &summary); err != nil {
		return summary, err
	}
	if err := j.clearPlaceholderCustomers(ctx, &summary); err != nil {
		return summary, err
	}

	j.logger.Info("repair run finished",
		"checked", summary.Checked,
		"applied", summary.Applied,
		"anomalies", summary.Anomalies,
		"duplicates_demoted", summary.DuplicatesDemoted,
		"placeholders_cleared", summary.PlaceholdersCleared,
		"skipped", summary.Skipped)
	return summary, nil
}

// sweepProviderSubscriptions reconciles every active provider-side
// subscription against stored state, reusing the webhook pipeline's
// resolver, reconciler, and writer.
func (j *RepairJob) sweepProviderSubscriptions(ctx context.Context, mu *sync.Mutex, summary *Summary) error {
	snapshots, err := j.provider.ListActiveSubscriptions()
	if err != nil {
		return fmt.Errorf("list provider subscriptions: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(repairWorkers)

	for _, snap := range snapshots {
		snap := snap
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			tally := func(f func(*Summary)) {
				mu.Lock()
				defer mu.Unlock()
				summary.Checked++
				f(summary)
			}

			ev := snap.Event(j.now())
			account, err := j.resolver.ResolveOnce(ev)
			if errors.Is(err, ErrAccountNotFound) {
				j.logger.Warn("provider subscription has no matching account",
					"subscription_id", snap.ID, "customer_id", snap.CustomerID)
				j.metrics.RepairAnomalies.Inc()
				tally(func(s *Summary) { s.Anomalies++ })
				return nil
			}
			if err != nil {
				j.logger.Error("resolve provider subscription", "subscription_id", snap.ID, "error", err)
				tally(func(s *Summary) { s.Skipped++ })
				return nil
			}

			result, err := j.writer.Commit(account, ev)
			if err != nil {
				j.logger.Error("apply provider state", "subscription_id", snap.ID, "account_id", account.ID, "error", err)
				tally(func(s *Summary) { s.Skipped++ })
				return nil
			}
			if result.Applied {
				j.metrics.RepairCorrections.WithLabelValues(metrics.RepairStateApplied).Inc()
				j.logger.Info("stored state corrected from provider",
					"subscription_id", snap.ID, "account_id", account.ID)
				tally(func(s *Summary) { s.Applied++ })
				return nil
			}
			tally(func(*Summary) {})
			return nil
		})
	}

	return g.Wait()
}

// demoteDuplicateHolders restores the sparse-uniqueness invariant: when
// several accounts share one provider subscription id, the
// earliest-created keeps it and the rest go back to the free state.
func (j *RepairJob) demoteDuplicateHolders(ctx context.Context, summary *Summary) error {
	ids, err := j.accounts.DuplicateBillingSubscriptionIDs()
	if err != nil {
		return fmt.Errorf("find duplicate subscription ids: %w", err)
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}

		holders, err := j.accounts.AccountsSharing(id)
		if err != nil {
			j.logger.Error("list duplicate holders", "subscription_id", id, "error", err)
			summary.Skipped++
			continue
		}
		for _, extra := range holders[1:] {
			if err := j.accounts.ClearBillingFields(extra.ID, j.now()); err != nil {
				j.logger.Error("demote duplicate holder", "account_id", extra.ID, "error", err)
				summary.Skipped++
				continue
			}
			j.metrics.RepairCorrections.WithLabelValues(metrics.RepairDuplicateDemoted).Inc()
			j.logger.Info("demoted duplicate subscription holder",
				"subscription_id", id, "account_id", extra.ID, "kept_account_id", holders[0].ID)
			summary.DuplicatesDemoted++
		}
	}
	return nil
}

// clearPlaceholderCustomers removes locally generated customer ids that
// were never replaced by a provider-issued one, so the next checkout can
// attach a real customer.
func (j *RepairJob) clearPlaceholderCustomers(ctx context.Context, summary *Summary) error {
	accounts, err := j.accounts.PlaceholderCustomerAccounts()
	if err != nil {
		return fmt.Errorf("find placeholder customer ids: %w", err)
	}

	for _, account := range accounts {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := j.accounts.ClearBillingCustomerID(account.ID); err != nil {
			j.logger.Error("clear placeholder customer id", "account_id", account.ID, "error", err)
			summary.Skipped++
			continue
		}
		j.metrics.RepairCorrections.WithLabelValues(metrics.RepairPlaceholderCleared).Inc()
		j.logger.Info("cleared placeholder customer id", "account_id", account.ID)
		summary.PlaceholdersCleared++
	}
	return nil
}
