package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/centavoapp/billing/internal/billing"
	"github.com/centavoapp/billing/internal/middleware"
	"github.com/centavoapp/billing/internal/store"
)

type CheckoutHandler struct {
	client   *billing.Client
	accounts *store.AccountStore
	logger   *slog.Logger
}

func NewCheckoutHandler(client *billing.Client, accounts *store.AccountStore, logger *slog.Logger) *CheckoutHandler {
	return &CheckoutHandler{
		client:   client,
		accounts: accounts,
		logger:   logger,
	}
}

// CreateCheckoutSession starts a provider checkout for the caller's
// account. The session is stamped with the internal account id, auth
// subject, and plan name so the resulting webhook events resolve without
// guesswork.
func (h *CheckoutHandler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		PriceID  string `json:"price_id"`
		PlanName string `json:"plan_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PriceID == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	account, err := h.accounts.GetByID(identity.AccountID)
	if err != nil || account == nil {
		http.Error(w, "account not found", http.StatusNotFound)
		return
	}

	// Reuse a real provider customer; placeholders get replaced here.
	customerID := ""
	if account.Subscription.BillingCustomerID != nil && store.ProviderCustomerID(*account.Subscription.BillingCustomerID) {
		customerID = *account.Subscription.BillingCustomerID
	}
	if customerID == "" {
		customerID, err = h.client.CreateCustomer(account.Email, account.ID)
		if err != nil {
			h.logger.Error("create provider customer", "account_id", account.ID, "error", err)
			http.Error(w, "failed to create customer", http.StatusBadGateway)
			return
		}
		if err := h.accounts.UpdateBillingCustomerID(account.ID, customerID); err != nil {
			h.logger.Error("store customer id", "account_id", account.ID, "error", err)
		}
	}

	metadata := map[string]string{
		billing.MetaInternalAccountID: strconv.FormatInt(account.ID, 10),
	}
	if account.ExternalAuthID != nil {
		metadata[billing.MetaExternalAuthID] = *account.ExternalAuthID
	}
	if req.PlanName != "" {
		metadata[billing.MetaPlanName] = req.PlanName
	}

	url, err := h.client.CreateCheckoutSession(customerID, req.PriceID, metadata)
	if err != nil {
		h.logger.Error("create checkout session", "account_id", account.ID, "error", err)
		http.Error(w, "failed to create checkout session", http.StatusBadGateway)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"url": url})
}

// BillingPortal returns a provider portal URL for self-service changes.
func (h *CheckoutHandler) BillingPortal(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	account, err := h.accounts.GetByID(identity.AccountID)
	if err != nil || account == nil {
		http.Error(w, "account not found", http.StatusNotFound)
		return
	}
	if account.Subscription.BillingCustomerID == nil || !store.ProviderCustomerID(*account.Subscription.BillingCustomerID) {
		http.Error(w, "no billing account", http.StatusBadRequest)
		return
	}

	returnURL := r.Header.Get("Referer")
	if returnURL == "" {
		returnURL = "/account"
	}

	url, err := h.client.CreateBillingPortalSession(*account.Subscription.BillingCustomerID, returnURL)
	if err != nil {
		h.logger.Error("create portal session", "account_id", account.ID, "error", err)
		http.Error(w, "failed to create portal session", http.StatusBadGateway)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"url": url})
}
