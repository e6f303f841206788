package billing

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/centavoapp/billing/internal/metrics"
	"github.com/centavoapp/billing/internal/model"
	"github.com/centavoapp/billing/internal/store"
)

// maxCommitAttempts bounds the reconcile-and-swap loop. Losing the race
// this many times means other writers keep landing fresher state, so the
// event is safely redundant.
const maxCommitAttempts = 3

// Writer applies reconciled state through the store's conditional update.
// It is the only place subscription state is written from event traffic,
// which is what serializes concurrent deliveries for the same account.
type Writer struct {
	accounts *store.AccountStore
	metrics  *metrics.Set
	logger   *slog.Logger
	now      func() time.Time
}

func NewWriter(accounts *store.AccountStore, m *metrics.Set, logger *slog.Logger) *Writer {
	return &Writer{
		accounts: accounts,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// CommitResult reports how an event landed. Applied and the negative
// outcomes are mutually exclusive.
type CommitResult struct {
	Applied  bool
	NoOp     bool
	Stale    bool
	LostRace bool
}

// Commit reconciles the event against the account's stored subscription
// and writes the result with a compare-and-swap. On a lost race the
// account is re-read and reconciled again: the out-of-order guard makes
// the loop converge, and a loser whose state is subsumed simply no-ops.
func (w *Writer) Commit(account *model.Account, ev Event) (CommitResult, error) {
	current := account

	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		outcome := Reconcile(current.Subscription, ev, w.now())

		for _, fb := range outcome.Fallbacks {
			w.metrics.Fallbacks.WithLabelValues(string(fb)).Inc()
			w.logger.Debug("fallback applied",
				"event_id", ev.ID, "event_type", ev.Type,
				"account_id", current.ID, "kind", string(fb))
		}

		if outcome.NoOp {
			return CommitResult{NoOp: true}, nil
		}
		if outcome.Stale {
			return CommitResult{Stale: true}, nil
		}

		applied, err := w.accounts.ApplySubscription(
			current.ID, current.Subscription.UpdatedAt, outcome.Next, w.now())
		if err != nil {
			return CommitResult{}, fmt.Errorf("apply subscription state: %w", err)
		}
		if applied {
			return CommitResult{Applied: true}, nil
		}

		refreshed, err := w.accounts.GetByID(current.ID)
		if err != nil {
			return CommitResult{}, fmt.Errorf("reload account after lost write: %w", err)
		}
		if refreshed == nil {
			return CommitResult{}, fmt.Errorf("account %d vanished during reconcile", current.ID)
		}
		current = refreshed
	}

	// The winner's state is at least as fresh by construction.
	w.logger.Info("write lost to concurrent reconciler",
		"event_id", ev.ID, "account_id", current.ID)
	return CommitResult{LostRace: true}, nil
}
