package model

import "time"

// Plan and status defaults for accounts with no billing activity.
const (
	PlanDefault    = "free"
	StatusInactive = "inactive"
)

// Subscription statuses mirrored from the billing provider. Anything the
// provider sends outside this set is stored verbatim with the low-confidence
// flag raised rather than rejected.
const (
	StatusActive            = "active"
	StatusTrialing          = "trialing"
	StatusPastDue           = "past_due"
	StatusCanceled          = "canceled"
	StatusIncomplete        = "incomplete"
	StatusIncompleteExpired = "incomplete_expired"
	StatusUnpaid            = "unpaid"
	StatusPaused            = "paused"
)

var knownStatuses = map[string]bool{
	StatusActive:            true,
	StatusTrialing:          true,
	StatusPastDue:           true,
	StatusCanceled:          true,
	StatusIncomplete:        true,
	StatusIncompleteExpired: true,
	StatusUnpaid:            true,
	StatusPaused:            true,
	StatusInactive:          true,
}

// KnownStatus reports whether s is one of the recognized subscription states.
func KnownStatus(s string) bool {
	return knownStatuses[s]
}

type Account struct {
	ID             int64        `json:"id"`
	Email          string       `json:"email"`
	ExternalAuthID *string      `json:"external_auth_id"`
	Subscription   Subscription `json:"subscription"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Subscription is the embedded billing sub-record every account carries.
// CurrentPeriodEnd and ExpiresAt are duplicated on purpose and must always
// be written equal. UpdatedAt is the conditional-write token: a writer only
// commits if the stored value still matches the one it reconciled from.
type Subscription struct {
	Status                string     `json:"status"`
	StatusLowConfidence   bool       `json:"status_low_confidence"`
	Plan                  string     `json:"plan"`
	BillingCustomerID     *string    `json:"billing_customer_id"`
	BillingSubscriptionID *string    `json:"billing_subscription_id"`
	BillingPriceID        *string    `json:"billing_price_id"`
	CurrentPeriodEnd      *time.Time `json:"current_period_end"`
	ExpiresAt             *time.Time `json:"expires_at"`
	CancelAtPeriodEnd     bool       `json:"cancel_at_period_end"`
	UpdatedAt             *time.Time `json:"updated_at"`
}

// FreeSubscription is the state an account holds before any billing
// activity, and the state a demoted account is returned to.
func FreeSubscription() Subscription {
	return Subscription{
		Status: StatusInactive,
		Plan:   PlanDefault,
	}
}

// Equal compares every billing field except the write token. Used by the
// reconciler to detect no-op transitions so retried deliveries do not
// amplify into redundant writes.
func (s Subscription) Equal(o Subscription) bool {
	return s.Status == o.Status &&
		s.StatusLowConfidence == o.StatusLowConfidence &&
		s.Plan == o.Plan &&
		strPtrEq(s.BillingCustomerID, o.BillingCustomerID) &&
		strPtrEq(s.BillingSubscriptionID, o.BillingSubscriptionID) &&
		strPtrEq(s.BillingPriceID, o.BillingPriceID) &&
		timePtrEq(s.CurrentPeriodEnd, o.CurrentPeriodEnd) &&
		timePtrEq(s.ExpiresAt, o.ExpiresAt) &&
		s.CancelAtPeriodEnd == o.CancelAtPeriodEnd
}

func strPtrEq(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func timePtrEq(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
