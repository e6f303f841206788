package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/centavoapp/billing/internal/model"
)

type AccountStore struct {
	db *sql.DB
}

func NewAccountStore(db *sql.DB) *AccountStore {
	return &AccountStore{db: db}
}

const accountCols = `id, email, external_auth_id, sub_status, sub_status_low_confidence, sub_plan,
	billing_customer_id, billing_subscription_id, billing_price_id,
	current_period_end, expires_at, cancel_at_period_end, sub_updated_at,
	created_at, updated_at`

func scanAccount(scanner interface{ Scan(...any) error }) (*model.Account, error) {
	var a model.Account
	var authID, custID, subID, priceID sql.NullString
	var periodEnd, expiresAt sql.NullTime
	var subUpdated sql.NullInt64
	var lowConfidence, cancelAtEnd int
	err := scanner.Scan(
		&a.ID, &a.Email, &authID, &a.Subscription.Status, &lowConfidence, &a.Subscription.Plan,
		&custID, &subID, &priceID,
		&periodEnd, &expiresAt, &cancelAtEnd, &subUpdated,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if authID.Valid {
		a.ExternalAuthID = &authID.String
	}
	if custID.Valid {
		a.Subscription.BillingCustomerID = &custID.String
	}
	if subID.Valid {
		a.Subscription.BillingSubscriptionID = &subID.String
	}
	if priceID.Valid {
		a.Subscription.BillingPriceID = &priceID.String
	}
	if periodEnd.Valid {
		t := periodEnd.Time.UTC()
		a.Subscription.CurrentPeriodEnd = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		a.Subscription.ExpiresAt = &t
	}
	if subUpdated.Valid {
		t := time.Unix(0, subUpdated.Int64).UTC()
		a.Subscription.UpdatedAt = &t
	}
	a.Subscription.StatusLowConfidence = lowConfidence != 0
	a.Subscription.CancelAtPeriodEnd = cancelAtEnd != 0
	return &a, nil
}

func (s *AccountStore) Create(email string, externalAuthID *string) (*model.Account, error) {
	result, err := s.db.Exec(
		`INSERT INTO accounts (email, external_auth_id) VALUES (?, ?)`,
		email, externalAuthID,
	)
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

func (s *AccountStore) getOne(query string, args ...any) (*model.Account, error) {
	row := s.db.QueryRow(query, args...)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *AccountStore) GetByID(id int64) (*model.Account, error) {
	a, err := s.getOne(`SELECT `+accountCols+` FROM accounts WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

func (s *AccountStore) GetByEmail(email string) (*model.Account, error) {
	a, err := s.getOne(`SELECT `+accountCols+` FROM accounts WHERE email = ?`, email)
	if err != nil {
		return nil, fmt.Errorf("get account by email: %w", err)
	}
	return a, nil
}

func (s *AccountStore) GetByExternalAuthID(authID string) (*model.Account, error) {
	a, err := s.getOne(`SELECT `+accountCols+` FROM accounts WHERE external_auth_id = ?`, authID)
	if err != nil {
		return nil, fmt.Errorf("get account by auth id: %w", err)
	}
	return a, nil
}

func (s *AccountStore) GetByBillingCustomerID(customerID string) (*model.Account, error) {
	a, err := s.getOne(`SELECT `+accountCols+` FROM accounts WHERE billing_customer_id = ?`, customerID)
	if err != nil {
		return nil, fmt.Errorf("get account by customer id: %w", err)
	}
	return a, nil
}

// GetByBillingSubscriptionID returns the earliest-created holder when the
// sparse-uniqueness invariant has been violated, so readers always agree on
// a single owner while the repair job catches up.
func (s *AccountStore) GetByBillingSubscriptionID(subscriptionID string) (*model.Account, error) {
	a, err := s.getOne(
		`SELECT `+accountCols+` FROM accounts WHERE billing_subscription_id = ? ORDER BY created_at, id LIMIT 1`,
		subscriptionID,
	)
	if err != nil {
		return nil, fmt.Errorf("get account by subscription id: %w", err)
	}
	return a, nil
}

// ApplySubscription writes the reconciled sub-record if and only if the
// stored write token still matches prevToken. Returns false when another
// writer won the race; that is not an error.
func (s *AccountStore) ApplySubscription(id int64, prevToken *time.Time, next model.Subscription, at time.Time) (bool, error) {
	var token any
	if prevToken != nil {
		token = prevToken.UnixNano()
	}
	result, err := s.db.Exec(
		`UPDATE accounts SET
			sub_status = ?, sub_status_low_confidence = ?, sub_plan = ?,
			billing_customer_id = ?, billing_subscription_id = ?, billing_price_id = ?,
			current_period_end = ?, expires_at = ?, cancel_at_period_end = ?,
			sub_updated_at = ?, updated_at = ?
		WHERE id = ? AND sub_updated_at IS ?`,
		next.Status, boolToInt(next.StatusLowConfidence), next.Plan,
		nullStr(next.BillingCustomerID), nullStr(next.BillingSubscriptionID), nullStr(next.BillingPriceID),
		nullTime(next.CurrentPeriodEnd), nullTime(next.ExpiresAt), boolToInt(next.CancelAtPeriodEnd),
		at.UnixNano(), at.UTC(),
		id, token,
	)
	if err != nil {
		return false, fmt.Errorf("apply subscription: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *AccountStore) UpdateBillingCustomerID(id int64, customerID string) error {
	_, err := s.db.Exec(
		`UPDATE accounts SET billing_customer_id = ?, updated_at = ? WHERE id = ?`,
		customerID, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update billing customer id: %w", err)
	}
	return nil
}

// ClearBillingFields demotes an account back to the free state, stripping
// every provider identifier. Used by the repair job on duplicate holders.
func (s *AccountStore) ClearBillingFields(id int64, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE accounts SET
			sub_status = ?, sub_status_low_confidence = 0, sub_plan = ?,
			billing_customer_id = NULL, billing_subscription_id = NULL, billing_price_id = NULL,
			current_period_end = NULL, expires_at = NULL, cancel_at_period_end = 0,
			sub_updated_at = ?, updated_at = ?
		WHERE id = ?`,
		model.StatusInactive, model.PlanDefault, at.UnixNano(), at.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("clear billing fields: %w", err)
	}
	return nil
}

// ClearBillingCustomerID removes a placeholder customer id so a real
// provider-issued one can be attached on the next checkout.
func (s *AccountStore) ClearBillingCustomerID(id int64) error {
	_, err := s.db.Exec(
		`UPDATE accounts SET billing_customer_id = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("clear billing customer id: %w", err)
	}
	return nil
}

// DuplicateBillingSubscriptionIDs returns provider subscription ids held by
// more than one account.
func (s *AccountStore) DuplicateBillingSubscriptionIDs() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT billing_subscription_id FROM accounts
		WHERE billing_subscription_id IS NOT NULL
		GROUP BY billing_subscription_id HAVING COUNT(*) > 1`,
	)
	if err != nil {
		return nil, fmt.Errorf("query duplicate subscription ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan subscription id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AccountsSharing lists every account holding the given provider
// subscription id, earliest-created first.
func (s *AccountStore) AccountsSharing(subscriptionID string) ([]*model.Account, error) {
	rows, err := s.db.Query(
		`SELECT `+accountCols+` FROM accounts WHERE billing_subscription_id = ? ORDER BY created_at, id`,
		subscriptionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query accounts sharing subscription id: %w", err)
	}
	defer rows.Close()
	return collectAccounts(rows)
}

// PlaceholderCustomerAccounts lists accounts whose billing customer id is
// not a provider-issued one (locally generated trial ids and the like).
func (s *AccountStore) PlaceholderCustomerAccounts() ([]*model.Account, error) {
	rows, err := s.db.Query(
		`SELECT ` + accountCols + ` FROM accounts
		WHERE billing_customer_id IS NOT NULL AND billing_customer_id NOT LIKE 'cus\_%' ESCAPE '\'`,
	)
	if err != nil {
		return nil, fmt.Errorf("query placeholder customer accounts: %w", err)
	}
	defer rows.Close()
	return collectAccounts(rows)
}

func collectAccounts(rows *sql.Rows) ([]*model.Account, error) {
	var accounts []*model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// ProviderCustomerID reports whether id looks like a provider-issued
// customer id rather than a locally generated placeholder.
func ProviderCustomerID(id string) bool {
	return strings.HasPrefix(id, "cus_")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
