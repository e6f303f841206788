package billing

import (
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/centavoapp/billing/internal/model"
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func rawUnix(t time.Time) json.RawMessage {
	return json.RawMessage(strconv.FormatInt(t.Unix(), 10))
}

func strPtr(s string) *string { return &s }

func TestReconcileAdoptsIdentifiers(t *testing.T) {
	ev := Event{
		ID:             "evt_1",
		Type:           EventSubscriptionCreated,
		CustomerID:     "cus_123",
		SubscriptionID: "sub_123",
		PriceID:        "price_123",
		Status:         "active",
		RawPeriodEnd:   rawUnix(testNow.Add(30 * 24 * time.Hour)),
		Metadata:       map[string]string{},
	}

	out := Reconcile(model.FreeSubscription(), ev, testNow)
	if !out.Apply {
		t.Fatalf("expected apply, got %+v", out)
	}
	if out.Next.BillingCustomerID == nil || *out.Next.BillingCustomerID != "cus_123" {
		t.Errorf("customer id not adopted: %v", out.Next.BillingCustomerID)
	}
	if out.Next.BillingSubscriptionID == nil || *out.Next.BillingSubscriptionID != "sub_123" {
		t.Errorf("subscription id not adopted: %v", out.Next.BillingSubscriptionID)
	}
	if out.Next.BillingPriceID == nil || *out.Next.BillingPriceID != "price_123" {
		t.Errorf("price id not adopted: %v", out.Next.BillingPriceID)
	}
	if out.Next.Status != model.StatusActive {
		t.Errorf("status = %q, want active", out.Next.Status)
	}
}

func TestReconcileKeepsIdentifiersWhenEventOmitsThem(t *testing.T) {
	existing := model.FreeSubscription()
	existing.BillingCustomerID = strPtr("cus_123")
	existing.BillingSubscriptionID = strPtr("sub_123")

	ev := Event{
		ID:       "evt_2",
		Type:     EventChargeSucceeded,
		Status:   "active",
		Metadata: map[string]string{},
	}

	out := Reconcile(existing, ev, testNow)
	if !out.Apply {
		t.Fatalf("expected apply, got %+v", out)
	}
	if out.Next.BillingCustomerID == nil || *out.Next.BillingCustomerID != "cus_123" {
		t.Error("stored customer id was dropped")
	}
	if out.Next.BillingSubscriptionID == nil || *out.Next.BillingSubscriptionID != "sub_123" {
		t.Error("stored subscription id was dropped")
	}
}

func TestReconcileUnknownStatusKeptLowConfidence(t *testing.T) {
	ev := Event{
		ID:           "evt_3",
		Type:         EventSubscriptionUpdated,
		Status:       "hibernating",
		RawPeriodEnd: rawUnix(testNow.Add(24 * time.Hour)),
		Metadata:     map[string]string{},
	}

	out := Reconcile(model.FreeSubscription(), ev, testNow)
	if !out.Apply {
		t.Fatalf("expected apply, got %+v", out)
	}
	if out.Next.Status != "hibernating" {
		t.Errorf("status = %q, want verbatim %q", out.Next.Status, "hibernating")
	}
	if !out.Next.StatusLowConfidence {
		t.Error("unknown status should raise the low-confidence flag")
	}
}

func TestReconcilePlanPrecedence(t *testing.T) {
	tests := []struct {
		name         string
		existingPlan string
		metaPlan     string
		priceLabel   string
		wantPlan     string
		wantFallback Fallback
	}{
		{"metadata wins over everything", "essencial", "Top-anual", "Essencial Mensal", "Top-anual", ""},
		{"existing paid plan beats price label", "essencial", "", "Top Mensal", "essencial", ""},
		{"price label beats default", "", "", "Top Mensal", "Top Mensal", FallbackPlanPriceLabel},
		{"price label replaces default plan", model.PlanDefault, "", "Top Mensal", "Top Mensal", FallbackPlanPriceLabel},
		{"nothing available falls to default", "", "", "", model.PlanDefault, FallbackPlanDefault},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			existing := model.FreeSubscription()
			existing.Plan = tt.existingPlan
			ev := Event{
				ID:           "evt_plan",
				Type:         EventSubscriptionUpdated,
				Status:       "active",
				PriceLabel:   tt.priceLabel,
				RawPeriodEnd: rawUnix(testNow.Add(24 * time.Hour)),
				Metadata:     map[string]string{},
			}
			if tt.metaPlan != "" {
				ev.Metadata[MetaPlanName] = tt.metaPlan
			}

			out := Reconcile(existing, ev, testNow)
			if out.Next.Plan != tt.wantPlan {
				t.Errorf("plan = %q, want %q", out.Next.Plan, tt.wantPlan)
			}
			if tt.wantFallback != "" && !hasFallback(out.Fallbacks, tt.wantFallback) {
				t.Errorf("fallbacks = %v, want %v", out.Fallbacks, tt.wantFallback)
			}
			if tt.wantFallback == "" && len(out.Fallbacks) > 0 {
				for _, fb := range out.Fallbacks {
					if fb == FallbackPlanPriceLabel || fb == FallbackPlanDefault {
						t.Errorf("unexpected plan fallback %v", fb)
					}
				}
			}
		})
	}
}

func TestReconcilePeriodEndCadenceFallback(t *testing.T) {
	tests := []struct {
		name string
		plan string
		want time.Duration
	}{
		{"annual plan", "Premium Annual", 365 * 24 * time.Hour},
		{"portuguese annual plan", "Top-anual", 365 * 24 * time.Hour},
		{"monthly plan", "Essencial Mensal", 30 * 24 * time.Hour},
		{"unknown plan", "whatever", 30 * 24 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := Event{
				ID:       "evt_cadence",
				Type:     EventSubscriptionUpdated,
				Status:   "active",
				Metadata: map[string]string{MetaPlanName: tt.plan},
			}

			out := Reconcile(model.FreeSubscription(), ev, testNow)
			if !out.Apply {
				t.Fatalf("expected apply, got %+v", out)
			}
			if out.Next.CurrentPeriodEnd == nil {
				t.Fatal("period end not set")
			}
			if got := *out.Next.CurrentPeriodEnd; !got.Equal(testNow.Add(tt.want)) {
				t.Errorf("period end = %v, want %v", got, testNow.Add(tt.want))
			}
			if !hasFallback(out.Fallbacks, FallbackPeriodEndCadence) {
				t.Errorf("fallbacks = %v, want cadence fallback", out.Fallbacks)
			}
		})
	}
}

func TestReconcileGarbagePeriodEndFallsBack(t *testing.T) {
	ev := Event{
		ID:           "evt_garbage",
		Type:         EventSubscriptionUpdated,
		Status:       "active",
		RawPeriodEnd: json.RawMessage(`"not-a-timestamp"`),
		Metadata:     map[string]string{},
	}

	out := Reconcile(model.FreeSubscription(), ev, testNow)
	if !out.Apply {
		t.Fatalf("expected apply, got %+v", out)
	}
	if !hasFallback(out.Fallbacks, FallbackPeriodEndCadence) {
		t.Error("garbage timestamp should trigger the cadence fallback")
	}
}

func TestReconcilePeriodEndAndExpiryAlwaysEqual(t *testing.T) {
	events := []Event{
		{ID: "e1", Type: EventSubscriptionUpdated, Status: "active",
			RawPeriodEnd: rawUnix(testNow.Add(time.Hour)), Metadata: map[string]string{}},
		{ID: "e2", Type: EventSubscriptionUpdated, Status: "active", Metadata: map[string]string{}},
		{ID: "e3", Type: EventSubscriptionDeleted, Metadata: map[string]string{}},
	}
	for _, ev := range events {
		out := Reconcile(model.FreeSubscription(), ev, testNow)
		if out.Next.CurrentPeriodEnd == nil || out.Next.ExpiresAt == nil {
			t.Fatalf("event %s: nil period fields", ev.ID)
		}
		if !out.Next.CurrentPeriodEnd.Equal(*out.Next.ExpiresAt) {
			t.Errorf("event %s: period end %v != expiry %v", ev.ID, out.Next.CurrentPeriodEnd, out.Next.ExpiresAt)
		}
	}
}

func TestReconcileStaleUpdateDiscarded(t *testing.T) {
	future := testNow.Add(60 * 24 * time.Hour)
	existing := model.Subscription{
		Status:           model.StatusActive,
		Plan:             "essencial",
		CurrentPeriodEnd: &future,
		ExpiresAt:        &future,
	}

	ev := Event{
		ID:           "evt_stale",
		Type:         EventSubscriptionUpdated,
		Status:       "active",
		RawPeriodEnd: rawUnix(testNow.Add(24 * time.Hour)),
		Metadata:     map[string]string{},
	}

	out := Reconcile(existing, ev, testNow)
	if !out.Stale {
		t.Fatalf("expected stale, got %+v", out)
	}
	if !out.Next.Equal(existing) {
		t.Error("stale outcome must leave the stored state untouched")
	}
}

func TestReconcileDeletionWinsOverOrdering(t *testing.T) {
	future := testNow.Add(60 * 24 * time.Hour)
	existing := model.Subscription{
		Status:           model.StatusActive,
		Plan:             "essencial",
		CurrentPeriodEnd: &future,
		ExpiresAt:        &future,
	}

	ev := Event{
		ID:       "evt_del",
		Type:     EventSubscriptionDeleted,
		Metadata: map[string]string{},
	}

	out := Reconcile(existing, ev, testNow)
	if !out.Apply {
		t.Fatalf("deletion must apply, got %+v", out)
	}
	if out.Next.Status != model.StatusCanceled {
		t.Errorf("status = %q, want canceled", out.Next.Status)
	}
	if out.Next.CurrentPeriodEnd == nil || !out.Next.CurrentPeriodEnd.Equal(testNow) {
		t.Errorf("deletion without timestamp should end the period now, got %v", out.Next.CurrentPeriodEnd)
	}
}

func TestReconcileCancelFlagOnlyWhenCarried(t *testing.T) {
	periodEnd := testNow.Add(24 * time.Hour)
	existing := model.Subscription{
		Status:            model.StatusActive,
		Plan:              "essencial",
		CancelAtPeriodEnd: true,
		CurrentPeriodEnd:  &periodEnd,
		ExpiresAt:         &periodEnd,
	}

	// Event without the flag: stored value survives.
	ev := Event{
		ID:           "evt_nocancel",
		Type:         EventSubscriptionUpdated,
		Status:       "past_due",
		RawPeriodEnd: rawUnix(periodEnd),
		Metadata:     map[string]string{},
	}
	out := Reconcile(existing, ev, testNow)
	if !out.Next.CancelAtPeriodEnd {
		t.Error("cancel flag dropped by an event that did not carry it")
	}

	// Event carrying false: flag is cleared.
	off := false
	ev.CancelAtEnd = &off
	out = Reconcile(existing, ev, testNow)
	if out.Next.CancelAtPeriodEnd {
		t.Error("cancel flag should be cleared when the event carries false")
	}
}

func TestReconcileNoOpDetection(t *testing.T) {
	periodEnd := testNow.Add(24 * time.Hour)
	existing := model.Subscription{
		Status:                model.StatusActive,
		Plan:                  "essencial",
		BillingCustomerID:     strPtr("cus_1"),
		BillingSubscriptionID: strPtr("sub_1"),
		BillingPriceID:        strPtr("price_1"),
		CurrentPeriodEnd:      &periodEnd,
		ExpiresAt:             &periodEnd,
	}

	ev := Event{
		ID:             "evt_dup",
		Type:           EventSubscriptionUpdated,
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		PriceID:        "price_1",
		Status:         "active",
		RawPeriodEnd:   rawUnix(periodEnd),
		Metadata:       map[string]string{},
	}

	out := Reconcile(existing, ev, testNow)
	if !out.NoOp {
		t.Fatalf("identical state should be a no-op, got %+v", out)
	}
}

func TestReconcileIdempotent(t *testing.T) {
	ev := Event{
		ID:             "evt_idem",
		Type:           EventSubscriptionCreated,
		CustomerID:     "cus_9",
		SubscriptionID: "sub_9",
		Status:         "active",
		RawPeriodEnd:   rawUnix(testNow.Add(30 * 24 * time.Hour)),
		Metadata:       map[string]string{MetaPlanName: "essencial"},
	}

	first := Reconcile(model.FreeSubscription(), ev, testNow)
	if !first.Apply {
		t.Fatalf("first pass should apply, got %+v", first)
	}
	second := Reconcile(first.Next, ev, testNow)
	if !second.NoOp {
		t.Fatalf("second pass of the same event should no-op, got %+v", second)
	}
}

// Full lifecycle: checkout, renewal arriving late, then deletion.
func TestReconcileLifecycle(t *testing.T) {
	state := model.FreeSubscription()

	checkout := Event{
		ID: "evt_a", Type: EventCheckoutCompleted,
		CustomerID: "cus_l", SubscriptionID: "sub_l", Status: "active",
		Metadata: map[string]string{MetaPlanName: "Top-anual"},
	}
	out := Reconcile(state, checkout, testNow)
	if !out.Apply {
		t.Fatalf("checkout: %+v", out)
	}
	state = out.Next
	if state.Plan != "Top-anual" {
		t.Fatalf("plan = %q", state.Plan)
	}
	// No timestamp on the checkout event: annual cadence fallback.
	if !state.CurrentPeriodEnd.Equal(testNow.Add(365 * 24 * time.Hour)) {
		t.Fatalf("checkout period end = %v", state.CurrentPeriodEnd)
	}

	// A delayed update from before the renewal must not roll back.
	stale := Event{
		ID: "evt_b", Type: EventSubscriptionUpdated,
		SubscriptionID: "sub_l", Status: "active",
		RawPeriodEnd: rawUnix(testNow.Add(30 * 24 * time.Hour)),
		Metadata:     map[string]string{},
	}
	out = Reconcile(state, stale, testNow.Add(time.Minute))
	if !out.Stale {
		t.Fatalf("stale renewal: %+v", out)
	}

	deletion := Event{
		ID: "evt_c", Type: EventSubscriptionDeleted,
		SubscriptionID: "sub_l", Status: "canceled",
		Metadata: map[string]string{},
	}
	out = Reconcile(state, deletion, testNow.Add(2*time.Minute))
	if !out.Apply {
		t.Fatalf("deletion: %+v", out)
	}
	if out.Next.Status != model.StatusCanceled {
		t.Fatalf("status = %q", out.Next.Status)
	}
}

func hasFallback(fallbacks []Fallback, want Fallback) bool {
	for _, fb := range fallbacks {
		if fb == want {
			return true
		}
	}
	return false
}
