package billing

import (
	"io"
	"log/slog"
	"testing"

	"github.com/centavoapp/billing/internal/database"
	"github.com/centavoapp/billing/internal/metrics"
	"github.com/centavoapp/billing/internal/store"
)

type testEnv struct {
	accounts *store.AccountStore
	ledger   *store.EventLedger
	locks    *store.JobLockStore
	metrics  *metrics.Set
	logger   *slog.Logger
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return &testEnv{
		accounts: store.NewAccountStore(db),
		ledger:   store.NewEventLedger(db),
		locks:    store.NewJobLockStore(db),
		metrics:  metrics.New(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func (e *testEnv) newResolver(t *testing.T) *Resolver {
	t.Helper()
	r := NewResolver(e.accounts, e.logger)
	r.grace = 0 // tests never race account creation
	return r
}

func (e *testEnv) newWriter(t *testing.T) *Writer {
	t.Helper()
	return NewWriter(e.accounts, e.metrics, e.logger)
}

func (e *testEnv) newDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	return NewDispatcher(e.newResolver(t), e.newWriter(t), e.ledger, e.metrics, e.logger)
}
