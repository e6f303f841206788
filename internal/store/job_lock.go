package store

import (
	"database/sql"
	"fmt"
	"time"
)

// JobLockStore hands out single-holder leases for batch jobs. The lease
// lives in the shared database so mutual exclusion holds across process
// instances, and it expires on its own if a holder dies mid-run.
type JobLockStore struct {
	db *sql.DB
}

func NewJobLockStore(db *sql.DB) *JobLockStore {
	return &JobLockStore{db: db}
}

// Acquire takes the named lease for ttl. Returns false if another live
// holder has it.
func (s *JobLockStore) Acquire(name, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()

	// Reap an expired lease first so a crashed holder never blocks forever.
	if _, err := s.db.Exec(
		`DELETE FROM job_locks WHERE name = ? AND expires_at <= ?`, name, now,
	); err != nil {
		return false, fmt.Errorf("reap expired lock: %w", err)
	}

	result, err := s.db.Exec(
		`INSERT OR IGNORE INTO job_locks (name, holder, expires_at) VALUES (?, ?, ?)`,
		name, holder, now.Add(ttl),
	)
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// Release drops the lease if this holder still owns it.
func (s *JobLockStore) Release(name, holder string) error {
	_, err := s.db.Exec(`DELETE FROM job_locks WHERE name = ? AND holder = ?`, name, holder)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// Holder returns who currently owns the lease, or "" if nobody does.
func (s *JobLockStore) Holder(name string) (string, error) {
	var holder string
	err := s.db.QueryRow(
		`SELECT holder FROM job_locks WHERE name = ? AND expires_at > ?`,
		name, time.Now().UTC(),
	).Scan(&holder)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup lock holder: %w", err)
	}
	return holder, nil
}
