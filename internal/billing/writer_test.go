package billing

import (
	"testing"
	"time"

	"github.com/centavoapp/billing/internal/model"
)

func TestWriterCommitApplies(t *testing.T) {
	env := setupTestEnv(t)
	w := env.newWriter(t)

	account, _ := env.accounts.Create("alice@example.com", nil)
	ev := Event{
		ID:             "evt_w1",
		Type:           EventSubscriptionCreated,
		CustomerID:     "cus_w1",
		SubscriptionID: "sub_w1",
		Status:         "active",
		RawPeriodEnd:   rawUnix(time.Now().Add(30 * 24 * time.Hour)),
		Metadata:       map[string]string{MetaPlanName: "essencial"},
	}

	result, err := w.Commit(account, ev)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !result.Applied {
		t.Fatalf("result = %+v, want applied", result)
	}

	reloaded, _ := env.accounts.GetByID(account.ID)
	if reloaded.Subscription.Plan != "essencial" {
		t.Errorf("plan = %q", reloaded.Subscription.Plan)
	}
	if reloaded.Subscription.UpdatedAt == nil {
		t.Error("write token not set")
	}
}

func TestWriterCommitNoOpLeavesTokenAlone(t *testing.T) {
	env := setupTestEnv(t)
	w := env.newWriter(t)

	account, _ := env.accounts.Create("alice@example.com", nil)
	ev := Event{
		ID:             "evt_w2",
		Type:           EventSubscriptionCreated,
		CustomerID:     "cus_w2",
		SubscriptionID: "sub_w2",
		Status:         "active",
		RawPeriodEnd:   rawUnix(time.Now().Add(30 * 24 * time.Hour)),
		Metadata:       map[string]string{MetaPlanName: "essencial"},
	}

	if _, err := w.Commit(account, ev); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	after, _ := env.accounts.GetByID(account.ID)

	result, err := w.Commit(after, ev)
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if !result.NoOp {
		t.Fatalf("result = %+v, want noop", result)
	}

	final, _ := env.accounts.GetByID(account.ID)
	if !timeTokensEqual(after.Subscription.UpdatedAt, final.Subscription.UpdatedAt) {
		t.Error("no-op commit changed the write token")
	}
}

func TestWriterCommitRetriesAfterLostRace(t *testing.T) {
	env := setupTestEnv(t)
	w := env.newWriter(t)

	account, _ := env.accounts.Create("alice@example.com", nil)
	stale, _ := env.accounts.GetByID(account.ID)

	// Another writer lands first; the snapshot's token is now outdated.
	interloper := Event{
		ID:             "evt_w3a",
		Type:           EventSubscriptionCreated,
		CustomerID:     "cus_w3",
		SubscriptionID: "sub_w3",
		Status:         "active",
		RawPeriodEnd:   rawUnix(time.Now().Add(30 * 24 * time.Hour)),
		Metadata:       map[string]string{MetaPlanName: "essencial"},
	}
	if _, err := w.Commit(account, interloper); err != nil {
		t.Fatalf("interloper commit: %v", err)
	}

	fresher := Event{
		ID:             "evt_w3b",
		Type:           EventSubscriptionUpdated,
		SubscriptionID: "sub_w3",
		Status:         "past_due",
		RawPeriodEnd:   rawUnix(time.Now().Add(60 * 24 * time.Hour)),
		Metadata:       map[string]string{},
	}
	result, err := w.Commit(stale, fresher)
	if err != nil {
		t.Fatalf("commit from stale snapshot: %v", err)
	}
	if !result.Applied {
		t.Fatalf("result = %+v, want applied after reload", result)
	}

	final, _ := env.accounts.GetByID(account.ID)
	if final.Subscription.Status != model.StatusPastDue {
		t.Errorf("status = %q, want past_due", final.Subscription.Status)
	}
	// Plan resolved before the race was kept through the reload.
	if final.Subscription.Plan != "essencial" {
		t.Errorf("plan = %q, want essencial", final.Subscription.Plan)
	}
}
