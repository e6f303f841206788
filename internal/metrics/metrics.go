package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Event outcome label values.
const (
	OutcomeApplied    = "applied"
	OutcomeNoOp       = "noop"
	OutcomeStale      = "stale"
	OutcomeDuplicate  = "duplicate"
	OutcomeIgnored    = "ignored"
	OutcomeUnresolved = "unresolved"
	OutcomeMalformed  = "malformed"
	OutcomeRetry      = "retry"
	OutcomePanic      = "panic"
	OutcomeLostRace   = "lost_race"
)

// Repair correction kinds.
const (
	RepairDuplicateDemoted   = "duplicate_demoted"
	RepairPlaceholderCleared = "placeholder_cleared"
	RepairStateApplied       = "state_applied"
)

// Set bundles the service's operational counters on a private registry.
type Set struct {
	registry *prometheus.Registry

	EventsTotal       *prometheus.CounterVec
	SignatureFailures prometheus.Counter
	UnresolvedEvents  prometheus.Counter
	Fallbacks         *prometheus.CounterVec
	RepairCorrections *prometheus.CounterVec
	RepairAnomalies   prometheus.Counter
}

func New() *Set {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Set{
		registry: reg,
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_webhook_events_total",
			Help: "Webhook events by type and processing outcome.",
		}, []string{"type", "outcome"}),
		SignatureFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "billing_webhook_signature_failures_total",
			Help: "Webhook requests rejected for an invalid signature.",
		}),
		UnresolvedEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "billing_unresolved_events_total",
			Help: "Events acknowledged because no account matched.",
		}),
		Fallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_reconcile_fallbacks_total",
			Help: "Values derived by fallback instead of explicit event data.",
		}, []string{"kind"}),
		RepairCorrections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_repair_corrections_total",
			Help: "Records corrected by the repair job, by kind.",
		}, []string{"kind"}),
		RepairAnomalies: factory.NewCounter(prometheus.CounterOpts{
			Name: "billing_repair_anomalies_total",
			Help: "Provider subscriptions with no matching account.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
