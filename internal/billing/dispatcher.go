package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/centavoapp/billing/internal/metrics"
	"github.com/centavoapp/billing/internal/store"
)

// Disposition tells the HTTP layer how to answer the provider. Only
// transient persistence failures ask for a retry; everything else is
// acknowledged so a permanently broken event cannot turn into a retry
// storm.
type Disposition int

const (
	DispositionAck Disposition = iota
	DispositionReject
	DispositionRetry
)

// Dispatcher routes a verified provider event through the reconciliation
// pipeline. One strategy table keyed by event type; every handled type
// runs the same dedupe → resolve → reconcile → write path.
type Dispatcher struct {
	resolver *Resolver
	writer   *Writer
	ledger   *store.EventLedger
	metrics  *metrics.Set
	logger   *slog.Logger
	now      func() time.Time

	handlers map[string]func(ctx context.Context, ev Event) (Disposition, string)
}

func NewDispatcher(resolver *Resolver, writer *Writer, ledger *store.EventLedger, m *metrics.Set, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		resolver: resolver,
		writer:   writer,
		ledger:   ledger,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
	d.handlers = map[string]func(ctx context.Context, ev Event) (Disposition, string){
		EventCheckoutCompleted:   d.reconcileEvent,
		EventSubscriptionCreated: d.reconcileEvent,
		EventSubscriptionUpdated: d.reconcileEvent,
		EventSubscriptionDeleted: d.reconcileEvent,
		EventPaymentSucceeded:    d.reconcileEvent,
		EventChargeSucceeded:     d.reconcileEvent,
	}
	return d
}

// Dispatch processes one verified event end to end. It never panics: a
// handler blowing up is logged with the event id and acknowledged, since
// the provider retrying a permanently broken event helps nobody.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *stripe.Event) (disposition Disposition) {
	eventType := string(ev.Type)

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic while handling event",
				"event_id", ev.ID, "event_type", eventType, "panic", r)
			d.metrics.EventsTotal.WithLabelValues(eventType, metrics.OutcomePanic).Inc()
			disposition = DispositionAck
		}
	}()

	handler, handled := d.handlers[eventType]
	if !handled {
		d.logger.Debug("event type not handled, acknowledging",
			"event_id", ev.ID, "event_type", eventType)
		d.metrics.EventsTotal.WithLabelValues(eventType, metrics.OutcomeIgnored).Inc()
		return DispositionAck
	}

	seen, err := d.ledger.Seen(ev.ID)
	if err != nil {
		d.logger.Error("idempotency ledger unavailable", "event_id", ev.ID, "error", err)
		d.metrics.EventsTotal.WithLabelValues(eventType, metrics.OutcomeRetry).Inc()
		return DispositionRetry
	}
	if seen {
		d.logger.Debug("duplicate delivery", "event_id", ev.ID, "event_type", eventType)
		d.metrics.EventsTotal.WithLabelValues(eventType, metrics.OutcomeDuplicate).Inc()
		return DispositionAck
	}

	nev, err := Normalize(ev, d.now())
	if err != nil {
		// Log id and type only; payloads carry billing data.
		d.logger.Warn("malformed event payload",
			"event_id", ev.ID, "event_type", eventType, "error", err)
		d.metrics.EventsTotal.WithLabelValues(eventType, metrics.OutcomeMalformed).Inc()
		return DispositionReject
	}

	disposition, outcome := handler(ctx, nev)
	d.metrics.EventsTotal.WithLabelValues(eventType, outcome).Inc()
	return disposition
}

func (d *Dispatcher) reconcileEvent(ctx context.Context, ev Event) (Disposition, string) {
	account, err := d.resolver.Resolve(ctx, ev)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			// Not escalated: the account may simply not exist. Mark the
			// event so the provider's retries do not repeat the grace wait.
			d.logger.Warn("unresolved event", "event_id", ev.ID, "event_type", ev.Type)
			d.metrics.UnresolvedEvents.Inc()
			d.markProcessed(ev)
			return DispositionAck, metrics.OutcomeUnresolved
		}
		d.logger.Error("account lookup failed", "event_id", ev.ID, "error", err)
		return DispositionRetry, metrics.OutcomeRetry
	}

	result, err := d.writer.Commit(account, ev)
	if err != nil {
		d.logger.Error("persist reconciled state", "event_id", ev.ID, "account_id", account.ID, "error", err)
		return DispositionRetry, metrics.OutcomeRetry
	}

	d.markProcessed(ev)

	switch {
	case result.Applied:
		d.logger.Info("event reconciled",
			"event_id", ev.ID, "event_type", ev.Type, "account_id", account.ID)
		return DispositionAck, metrics.OutcomeApplied
	case result.NoOp:
		return DispositionAck, metrics.OutcomeNoOp
	case result.Stale:
		d.logger.Info("stale event discarded",
			"event_id", ev.ID, "event_type", ev.Type, "account_id", account.ID)
		return DispositionAck, metrics.OutcomeStale
	default:
		return DispositionAck, metrics.OutcomeLostRace
	}
}

func (d *Dispatcher) markProcessed(ev Event) {
	if err := d.ledger.MarkProcessed(ev.ID, ev.Type, d.now()); err != nil {
		// Worst case the event is reprocessed later and lands as a no-op.
		d.logger.Warn("record event in ledger", "event_id", ev.ID, "error", err)
	}
}
