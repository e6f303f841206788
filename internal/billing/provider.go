package billing

import (
	"fmt"
	"strconv"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Config for the billing provider client. Both keys are required; there
// is deliberately no fallback value for either.
type Config struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
}

// Client wraps the provider SDK behind the handful of operations this
// service needs.
type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	stripe.Key = cfg.SecretKey
	return &Client{cfg: cfg}
}

// VerifyAndParseEvent authenticates the raw request bytes against the
// signature header and returns the parsed event envelope. Verification
// runs on the exact bytes received; parsing first would be a bug.
func (c *Client) VerifyAndParseEvent(payload []byte, sigHeader string) (stripe.Event, error) {
	return webhook.ConstructEventWithOptions(payload, sigHeader, c.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
}

// SubscriptionSnapshot is the provider-side truth for one subscription,
// used by the repair job to cross-check stored state.
type SubscriptionSnapshot struct {
	ID                string
	CustomerID        string
	PriceID           string
	PriceLabel        string
	Status            string
	CancelAtPeriodEnd bool
	CurrentPeriodEnd  int64
	Metadata          map[string]string
}

// Event shapes the snapshot like an update delivery so the repair job can
// reuse the same resolver, reconciler, and writer as webhook traffic.
func (s SubscriptionSnapshot) Event(now time.Time) Event {
	cancel := s.CancelAtPeriodEnd
	ev := Event{
		Type:           EventSubscriptionUpdated,
		ReceivedAt:     now,
		CustomerID:     s.CustomerID,
		SubscriptionID: s.ID,
		PriceID:        s.PriceID,
		PriceLabel:     s.PriceLabel,
		Status:         s.Status,
		CancelAtEnd:    &cancel,
		Metadata:       map[string]string{},
	}
	for k, v := range s.Metadata {
		ev.Metadata[k] = v
	}
	if s.CurrentPeriodEnd > 0 {
		ev.RawPeriodEnd = []byte(strconv.FormatInt(s.CurrentPeriodEnd, 10))
	}
	return ev
}

// CustomerSnapshot is the provider-side view of a billing customer.
type CustomerSnapshot struct {
	ID      string
	Email   string
	Deleted bool
}

// RetrieveSubscription fetches one subscription from the provider.
func (c *Client) RetrieveSubscription(id string) (*SubscriptionSnapshot, error) {
	s, err := subscription.Get(id, nil)
	if err != nil {
		return nil, fmt.Errorf("retrieve subscription %s: %w", id, err)
	}
	snap := snapshotFromSubscription(s)
	return &snap, nil
}

// ListActiveSubscriptions pages through every active subscription the
// provider knows about.
func (c *Client) ListActiveSubscriptions() ([]SubscriptionSnapshot, error) {
	params := &stripe.SubscriptionListParams{
		Status: stripe.String("active"),
	}
	var snapshots []SubscriptionSnapshot
	iter := subscription.List(params)
	for iter.Next() {
		snapshots = append(snapshots, snapshotFromSubscription(iter.Subscription()))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list active subscriptions: %w", err)
	}
	return snapshots, nil
}

// RetrieveCustomer fetches one customer from the provider.
func (c *Client) RetrieveCustomer(id string) (*CustomerSnapshot, error) {
	cust, err := customer.Get(id, nil)
	if err != nil {
		return nil, fmt.Errorf("retrieve customer %s: %w", id, err)
	}
	return &CustomerSnapshot{ID: cust.ID, Email: cust.Email, Deleted: cust.Deleted}, nil
}

// CreateCustomer creates a provider customer carrying the internal
// account id so future webhooks resolve directly.
func (c *Client) CreateCustomer(email string, accountID int64) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
	}
	params.AddMetadata(MetaInternalAccountID, strconv.FormatInt(accountID, 10))
	cust, err := customer.New(params)
	if err != nil {
		return "", fmt.Errorf("create customer: %w", err)
	}
	return cust.ID, nil
}

// CreateCheckoutSession starts a subscription checkout. The metadata is
// stamped on both the session and the subscription it creates, so the
// resulting webhook events resolve on the first lookup.
func (c *Client) CreateCheckoutSession(customerID, priceID string, metadata map[string]string) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Customer: stripe.String(customerID),
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{},
		SuccessURL:       stripe.String(c.cfg.SuccessURL),
		CancelURL:        stripe.String(c.cfg.CancelURL),
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
		if params.SubscriptionData.Metadata == nil {
			params.SubscriptionData.Metadata = map[string]string{}
		}
		params.SubscriptionData.Metadata[k] = v
	}
	sess, err := checkoutsession.New(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return sess.URL, nil
}

// CreateBillingPortalSession returns a portal URL for self-service
// subscription management.
func (c *Client) CreateBillingPortalSession(customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	sess, err := portalsession.New(params)
	if err != nil {
		return "", fmt.Errorf("create billing portal session: %w", err)
	}
	return sess.URL, nil
}

func snapshotFromSubscription(s *stripe.Subscription) SubscriptionSnapshot {
	snap := SubscriptionSnapshot{
		ID:                s.ID,
		Status:            string(s.Status),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		Metadata:          s.Metadata,
	}
	if s.Customer != nil {
		snap.CustomerID = s.Customer.ID
	}
	if s.Items != nil {
		for _, item := range s.Items.Data {
			if item.CurrentPeriodEnd > snap.CurrentPeriodEnd {
				snap.CurrentPeriodEnd = item.CurrentPeriodEnd
			}
			if item.Price != nil && snap.PriceID == "" {
				snap.PriceID = item.Price.ID
				snap.PriceLabel = item.Price.Nickname
			}
		}
	}
	return snap
}
