package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/centavoapp/billing/internal/billing"
	"github.com/centavoapp/billing/internal/handler"
	"github.com/centavoapp/billing/internal/metrics"
	"github.com/centavoapp/billing/internal/middleware"
	"github.com/centavoapp/billing/internal/store"
)

type Config struct {
	Billing   billing.Config
	JWTSecret string
	BaseURL   string
}

type Server struct {
	db            *sql.DB
	webhookH      *handler.WebhookHandler
	checkoutH     *handler.CheckoutHandler
	subscriptionH *handler.SubscriptionHandler
	eventLedger   *store.EventLedger
	rateLimiter   *middleware.RateLimiter
	metrics       *metrics.Set
	jwtSecret     string
	logger        *slog.Logger
}

func New(db *sql.DB, cfg Config, logger *slog.Logger) *Server {
	m := metrics.New()

	accounts := store.NewAccountStore(db)
	ledger := store.NewEventLedger(db)

	client := billing.NewClient(cfg.Billing)
	resolver := billing.NewResolver(accounts, logger.With("component", "resolver"))
	writer := billing.NewWriter(accounts, m, logger.With("component", "writer"))
	dispatcher := billing.NewDispatcher(resolver, writer, ledger, m, logger.With("component", "dispatcher"))

	return &Server{
		db:            db,
		webhookH:      handler.NewWebhookHandler(client, dispatcher, m, logger.With("component", "webhook")),
		checkoutH:     handler.NewCheckoutHandler(client, accounts, logger.With("component", "checkout")),
		subscriptionH: handler.NewSubscriptionHandler(accounts, logger.With("component", "subscription")),
		eventLedger:   ledger,
		rateLimiter:   middleware.NewRateLimiter(60),
		metrics:       m,
		jwtSecret:     cfg.JWTSecret,
		logger:        logger,
	}
}

// EventLedger returns the processed-event ledger for retention pruning.
func (s *Server) EventLedger() *store.EventLedger {
	return s.eventLedger
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	// The provider authenticates with its signature, not a bearer token.
	mux.HandleFunc("POST /subscriptions/webhook", s.webhookH.Handle)

	mux.HandleFunc("GET /health", s.healthHandler)
	mux.Handle("GET /metrics", s.metrics.Handler())

	authed := middleware.RequireAuth([]byte(s.jwtSecret), s.logger.With("component", "auth"))
	limited := middleware.RateLimit(s.rateLimiter, middleware.RealIP)

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/checkout", s.checkoutH.CreateCheckoutSession)
	apiMux.HandleFunc("POST /api/billing-portal", s.checkoutH.BillingPortal)
	apiMux.HandleFunc("GET /api/subscription", s.subscriptionH.Get)
	mux.Handle("/api/", limited(authed(apiMux)))

	return middleware.RequestLogger(s.logger.With("component", "http"))(mux)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "degraded"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
