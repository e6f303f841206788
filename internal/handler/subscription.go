package handler

import (
	"log/slog"
	"net/http"

	"github.com/centavoapp/billing/internal/middleware"
	"github.com/centavoapp/billing/internal/store"
)

type SubscriptionHandler struct {
	accounts *store.AccountStore
	logger   *slog.Logger
}

func NewSubscriptionHandler(accounts *store.AccountStore, logger *slog.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{accounts: accounts, logger: logger}
}

// Get returns the caller's last successfully reconciled subscription
// state. Pending or failed reconciliations are never visible here.
func (h *SubscriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	account, err := h.accounts.GetByID(identity.AccountID)
	if err != nil {
		h.logger.Error("load account", "account_id", identity.AccountID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if account == nil {
		http.Error(w, "account not found", http.StatusNotFound)
		return
	}

	respondJSON(w, http.StatusOK, account.Subscription)
}
