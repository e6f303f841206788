package billing

import (
	"strings"
	"time"

	"github.com/centavoapp/billing/internal/model"
)

// Fallback identifies a value the reconciler had to derive because the
// event did not carry it explicitly. Fallbacks are not errors, but they
// are data-quality drift and get surfaced to the caller for low-severity
// logging and counting.
type Fallback string

const (
	FallbackPeriodEndCadence Fallback = "period_end_cadence"
	FallbackPlanPriceLabel   Fallback = "plan_price_label"
	FallbackPlanDefault      Fallback = "plan_default"
)

// Period lengths used when the provider omits a parseable period end.
const (
	annualPeriod  = 365 * 24 * time.Hour
	monthlyPeriod = 30 * 24 * time.Hour
)

var annualMarkers = []string{"annual", "anual"}

// Outcome is the reconciler's verdict on one event. Exactly one of Apply,
// NoOp, or Stale is set; Next is the state to persist only when Apply is.
type Outcome struct {
	Next      model.Subscription
	Apply     bool
	NoOp      bool
	Stale     bool
	Fallbacks []Fallback
}

// Reconcile computes the next subscription state from the stored state and
// one incoming event. Pure: no I/O, no clock reads, deterministic for a
// given now.
//
// Rules, in order: provider identifiers are adopted when present; status
// follows the event (unknown strings kept verbatim, flagged); the plan is
// resolved by source precedence and never downgraded; the period end is
// taken from the event when parseable and otherwise derived from the plan
// cadence; the cancellation flag is only touched when the event carries
// it. A computed state that would roll the period end backwards is
// discarded unless the event is a termination, and a state identical to
// what is stored is an explicit no-op rather than a write.
func Reconcile(existing model.Subscription, ev Event, now time.Time) Outcome {
	next := existing
	var fallbacks []Fallback

	if ev.CustomerID != "" {
		id := ev.CustomerID
		next.BillingCustomerID = &id
	}
	if ev.SubscriptionID != "" {
		id := ev.SubscriptionID
		next.BillingSubscriptionID = &id
	}
	if ev.PriceID != "" {
		id := ev.PriceID
		next.BillingPriceID = &id
	}

	if ev.Termination() {
		next.Status = model.StatusCanceled
		next.StatusLowConfidence = false
	} else if status := strings.TrimSpace(ev.Status); status != "" {
		next.Status = status
		next.StatusLowConfidence = !model.KnownStatus(status)
	}

	plan, planFallback := resolvePlan(existing.Plan, ev)
	next.Plan = plan
	if planFallback != "" {
		fallbacks = append(fallbacks, planFallback)
	}

	periodEnd, parsed := ev.PeriodEnd()
	switch {
	case parsed:
	case ev.Termination():
		// No timestamp on the deletion: the paid period ends now.
		periodEnd = now.UTC()
	default:
		periodEnd = now.UTC().Add(cadenceFor(next.Plan))
		fallbacks = append(fallbacks, FallbackPeriodEndCadence)
	}
	next.CurrentPeriodEnd = &periodEnd
	next.ExpiresAt = &periodEnd

	if ev.CancelAtEnd != nil {
		next.CancelAtPeriodEnd = *ev.CancelAtEnd
	}

	// A stale update must not roll the paid period backwards. An explicit
	// termination is authoritative and wins regardless of ordering.
	if ev.UpdateLike() && !ev.Termination() &&
		existing.CurrentPeriodEnd != nil && periodEnd.Before(*existing.CurrentPeriodEnd) {
		return Outcome{Next: existing, Stale: true}
	}

	if next.Equal(existing) {
		return Outcome{Next: existing, NoOp: true}
	}

	return Outcome{Next: next, Apply: true, Fallbacks: fallbacks}
}

// resolvePlan picks the plan name by source precedence: event metadata,
// then an already-resolved stored plan, then the line-item price label,
// then the system default. A later event without the higher-precedence
// source never downgrades what an earlier one established.
func resolvePlan(existingPlan string, ev Event) (string, Fallback) {
	if name := strings.TrimSpace(ev.Metadata[MetaPlanName]); name != "" {
		return name, ""
	}
	if existingPlan != "" && existingPlan != model.PlanDefault {
		return existingPlan, ""
	}
	if label := strings.TrimSpace(ev.PriceLabel); label != "" {
		return label, FallbackPlanPriceLabel
	}
	return model.PlanDefault, FallbackPlanDefault
}

// cadenceFor infers the billing cadence from the plan name. The annual
// marker match is deliberately loose: observed plan names mix languages
// ("Top-anual", "Premium Annual").
func cadenceFor(plan string) time.Duration {
	lower := strings.ToLower(plan)
	for _, marker := range annualMarkers {
		if strings.Contains(lower, marker) {
			return annualPeriod
		}
	}
	return monthlyPeriod
}
