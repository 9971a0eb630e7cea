package dedupe

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLite is a Store backed by the event_fingerprints table, so redeliveries
// are caught across restarts. The schema is created by storage.BootstrapSQLite.
type SQLite struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

var _ Store = (*SQLite)(nil)

// NewSQLite returns a SQLite store. A non-positive ttl means DefaultTTL.
func NewSQLite(db *sql.DB, ttl time.Duration) *SQLite {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &SQLite{db: db, ttl: ttl, now: time.Now}
}

func (s *SQLite) Seen(ctx context.Context, key string) (bool, error) {
	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM event_fingerprints WHERE fingerprint = ? AND expires_at <= ?;",
		key, now.UnixNano(),
	); err != nil {
		return false, fmt.Errorf("expire fingerprint: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO event_fingerprints(fingerprint, first_seen_at, expires_at)
VALUES(?, ?, ?)
ON CONFLICT(fingerprint) DO NOTHING;
`, key, now.Format(time.RFC3339Nano), now.Add(s.ttl).UnixNano())
	if err != nil {
		return false, fmt.Errorf("insert fingerprint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}
	return n == 0, nil
}

func (s *SQLite) Forget(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM event_fingerprints WHERE fingerprint = ?;", key); err != nil {
		return fmt.Errorf("forget fingerprint: %w", err)
	}
	return nil
}

// Prune deletes every expired fingerprint and returns how many were removed.
func (s *SQLite) Prune(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM event_fingerprints WHERE expires_at <= ?;", s.now().UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune fingerprints: %w", err)
	}
	return res.RowsAffected()
}
