package store

import (
	"database/sql"
	"fmt"
	"time"
)

// EventLedger is the durable idempotency record for webhook deliveries.
// Events are marked only after they have been fully processed, so a
// transient failure leaves the event unmarked and the provider's retry
// goes through the pipeline again.
type EventLedger struct {
	db *sql.DB
}

func NewEventLedger(db *sql.DB) *EventLedger {
	return &EventLedger{db: db}
}

// Seen reports whether the event id has already been processed.
func (l *EventLedger) Seen(eventID string) (bool, error) {
	var one int
	err := l.db.QueryRow(`SELECT 1 FROM webhook_events WHERE event_id = ?`, eventID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check event ledger: %w", err)
	}
	return true, nil
}

// MarkProcessed records a completed event. Re-marking is harmless.
func (l *EventLedger) MarkProcessed(eventID, eventType string, at time.Time) error {
	_, err := l.db.Exec(
		`INSERT OR IGNORE INTO webhook_events (event_id, event_type, processed_at) VALUES (?, ?, ?)`,
		eventID, eventType, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	return nil
}

// Prune drops ledger entries older than the cutoff and returns how many
// were removed. The retention window only needs to outlast the provider's
// retry window.
func (l *EventLedger) Prune(olderThan time.Time) (int64, error) {
	result, err := l.db.Exec(`DELETE FROM webhook_events WHERE processed_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune event ledger: %w", err)
	}
	return result.RowsAffected()
}
