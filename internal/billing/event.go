package billing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
)

// Provider event types this service reconciles. Everything else is
// acknowledged untouched.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
	EventPaymentSucceeded    = "invoice.payment_succeeded"
	EventChargeSucceeded     = "charge.succeeded"
)

// Metadata keys the checkout flow stamps onto provider objects so webhook
// deliveries can be traced back to an account.
const (
	MetaInternalAccountID = "internalAccountId"
	MetaExternalAuthID    = "externalAuthId"
	MetaPlanName          = "planName"
)

// Event is the normalized envelope the reconciler consumes, decoded from
// the provider's per-type payloads. RawPeriodEnd deliberately stays raw:
// the upstream field is sometimes absent or non-numeric and must never
// fail the whole event.
type Event struct {
	ID             string
	Type           string
	ReceivedAt     time.Time
	CustomerID     string
	SubscriptionID string
	PriceID        string
	PriceLabel     string
	Status         string
	RawPeriodEnd   json.RawMessage
	CancelAtEnd    *bool
	Metadata       map[string]string
}

// PeriodEnd parses the raw provider timestamp. ok is false for absent,
// non-numeric, or non-positive values.
func (e Event) PeriodEnd() (time.Time, bool) {
	raw := bytes.TrimSpace(e.RawPeriodEnd)
	raw = bytes.Trim(raw, `"`)
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, false
	}
	sec, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || sec <= 0 {
		return time.Time{}, false
	}
	return time.Unix(sec, 0).UTC(), true
}

// Creation reports whether the event establishes a subscription for the
// first time; such events never match on a stored subscription id.
func (e Event) Creation() bool {
	return e.Type == EventCheckoutCompleted || e.Type == EventSubscriptionCreated
}

// Termination reports whether the event is an authoritative downgrade that
// wins regardless of timestamp ordering.
func (e Event) Termination() bool {
	return e.Type == EventSubscriptionDeleted
}

// UpdateLike reports whether the out-of-order guard applies: a stale
// "still active" update must not roll the paid period backwards.
func (e Event) UpdateLike() bool {
	switch e.Type {
	case EventSubscriptionUpdated, EventPaymentSucceeded, EventChargeSucceeded:
		return true
	}
	return false
}

// Payload shapes decoded from event.Data.Raw. Local structs rather than
// SDK types so a field the SDK has moved or retyped cannot fail decoding.

type checkoutSessionPayload struct {
	Customer     json.RawMessage   `json:"customer"`
	Subscription json.RawMessage   `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

type subscriptionPayload struct {
	ID                string            `json:"id"`
	Customer          json.RawMessage   `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd *bool             `json:"cancel_at_period_end"`
	CurrentPeriodEnd  json.RawMessage   `json:"current_period_end"`
	Metadata          map[string]string `json:"metadata"`
	Items             struct {
		Data []struct {
			CurrentPeriodEnd json.RawMessage `json:"current_period_end"`
			Price            struct {
				ID       string `json:"id"`
				Nickname string `json:"nickname"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type invoicePayload struct {
	Customer  json.RawMessage `json:"customer"`
	PeriodEnd json.RawMessage `json:"period_end"`
	Parent    *struct {
		SubscriptionDetails *struct {
			Subscription json.RawMessage   `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Description string `json:"description"`
			Period      struct {
				End json.RawMessage `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

type chargePayload struct {
	Customer json.RawMessage   `json:"customer"`
	Metadata map[string]string `json:"metadata"`
}

// Normalize decodes a verified provider event into the reconciler's
// envelope. Only the six handled types reach this point.
func Normalize(ev *stripe.Event, receivedAt time.Time) (Event, error) {
	out := Event{
		ID:         ev.ID,
		Type:       string(ev.Type),
		ReceivedAt: receivedAt,
		Metadata:   map[string]string{},
	}

	switch out.Type {
	case EventCheckoutCompleted:
		var p checkoutSessionPayload
		if err := json.Unmarshal(ev.Data.Raw, &p); err != nil {
			return Event{}, fmt.Errorf("decode checkout session: %w", err)
		}
		out.CustomerID = objectID(p.Customer)
		out.SubscriptionID = objectID(p.Subscription)
		out.Status = "active"
		mergeMeta(out.Metadata, p.Metadata)

	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		var p subscriptionPayload
		if err := json.Unmarshal(ev.Data.Raw, &p); err != nil {
			return Event{}, fmt.Errorf("decode subscription: %w", err)
		}
		out.SubscriptionID = p.ID
		out.CustomerID = objectID(p.Customer)
		out.Status = p.Status
		out.CancelAtEnd = p.CancelAtPeriodEnd
		out.RawPeriodEnd = p.CurrentPeriodEnd
		mergeMeta(out.Metadata, p.Metadata)
		for _, item := range p.Items.Data {
			if len(out.RawPeriodEnd) == 0 && len(item.CurrentPeriodEnd) > 0 {
				out.RawPeriodEnd = item.CurrentPeriodEnd
			}
			if out.PriceID == "" {
				out.PriceID = item.Price.ID
			}
			if out.PriceLabel == "" {
				out.PriceLabel = item.Price.Nickname
			}
		}

	case EventPaymentSucceeded:
		var p invoicePayload
		if err := json.Unmarshal(ev.Data.Raw, &p); err != nil {
			return Event{}, fmt.Errorf("decode invoice: %w", err)
		}
		out.CustomerID = objectID(p.Customer)
		out.Status = "active"
		out.RawPeriodEnd = p.PeriodEnd
		if p.Parent != nil && p.Parent.SubscriptionDetails != nil {
			out.SubscriptionID = objectID(p.Parent.SubscriptionDetails.Subscription)
			mergeMeta(out.Metadata, p.Parent.SubscriptionDetails.Metadata)
		}
		for _, line := range p.Lines.Data {
			if len(out.RawPeriodEnd) == 0 && len(line.Period.End) > 0 {
				out.RawPeriodEnd = line.Period.End
			}
			if out.PriceLabel == "" {
				out.PriceLabel = line.Description
			}
		}

	case EventChargeSucceeded:
		var p chargePayload
		if err := json.Unmarshal(ev.Data.Raw, &p); err != nil {
			return Event{}, fmt.Errorf("decode charge: %w", err)
		}
		out.CustomerID = objectID(p.Customer)
		out.Status = "active"
		mergeMeta(out.Metadata, p.Metadata)

	default:
		return Event{}, fmt.Errorf("unhandled event type %q", out.Type)
	}

	return out, nil
}

// objectID extracts an id from a provider reference that may arrive as a
// bare string id or an expanded object.
func objectID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return s
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	return obj.ID
}

func mergeMeta(dst, src map[string]string) {
	for k, v := range src {
		if v != "" {
			dst[k] = v
		}
	}
}
