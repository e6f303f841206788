package billing

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/centavoapp/billing/internal/model"
	"github.com/centavoapp/billing/internal/store"
)

// ErrAccountNotFound means no stored account matches any identifier the
// event carries. Callers acknowledge rather than escalate: some events are
// permanently unresolvable and the provider retrying cannot fix that.
var ErrAccountNotFound = errors.New("billing: account not found")

// Resolver maps provider-side identifiers to an internal account. The
// lookup order is fixed; first match wins. A short grace window absorbs
// the race between account creation and its first billing event.
type Resolver struct {
	accounts *store.AccountStore
	grace    time.Duration
	logger   *slog.Logger
}

func NewResolver(accounts *store.AccountStore, logger *slog.Logger) *Resolver {
	return &Resolver{
		accounts: accounts,
		grace:    4 * time.Second,
		logger:   logger,
	}
}

// Resolve looks the event's account up, retrying with backoff inside the
// grace window before giving up with ErrAccountNotFound.
func (r *Resolver) Resolve(ctx context.Context, ev Event) (*model.Account, error) {
	backoff := retry.WithMaxDuration(r.grace, retry.NewFibonacci(250*time.Millisecond))

	var account *model.Account
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		a, err := r.ResolveOnce(ev)
		if err != nil {
			if errors.Is(err, ErrAccountNotFound) {
				return retry.RetryableError(err)
			}
			return err
		}
		account = a
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return account, nil
}

// ResolveOnce performs a single pass over the lookup chain. The repair job
// uses this directly: its inputs are not racing account creation.
func (r *Resolver) ResolveOnce(ev Event) (*model.Account, error) {
	if raw := ev.Metadata[MetaInternalAccountID]; raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			a, err := r.accounts.GetByID(id)
			if err != nil {
				return nil, err
			}
			if a != nil {
				return a, nil
			}
		} else {
			r.logger.Warn("non-numeric internal account id in event metadata", "event_id", ev.ID)
		}
	}

	if subject := ev.Metadata[MetaExternalAuthID]; subject != "" {
		a, err := r.accounts.GetByExternalAuthID(subject)
		if err != nil {
			return nil, err
		}
		if a != nil {
			return a, nil
		}
	}

	if ev.CustomerID != "" {
		a, err := r.accounts.GetByBillingCustomerID(ev.CustomerID)
		if err != nil {
			return nil, err
		}
		if a != nil {
			return a, nil
		}
	}

	// A stored subscription id can only match for update/delete traffic:
	// creation events by definition precede any stored record.
	if ev.SubscriptionID != "" && !ev.Creation() {
		a, err := r.accounts.GetByBillingSubscriptionID(ev.SubscriptionID)
		if err != nil {
			return nil, err
		}
		if a != nil {
			return a, nil
		}
	}

	return nil, ErrAccountNotFound
}
