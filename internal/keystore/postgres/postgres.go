// Package postgres implements keystore.Store on PostgreSQL via the pgx
// database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"pkt.systems/keyd/internal/keystore"
)

// Schema is applied by Open. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS keyd_keys (
  key                  TEXT PRIMARY KEY,
  issued_to_origin     TEXT NULL,
  claimed_by_client_id TEXT NULL,
  used                 BOOLEAN NOT NULL DEFAULT FALSE,
  expires_at           TIMESTAMPTZ NOT NULL,
  created_at           TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS keyd_keys_expires_at_idx ON keyd_keys (expires_at);
CREATE TABLE IF NOT EXISTS keyd_origins (
  origin     TEXT PRIMARY KEY,
  key        TEXT NOT NULL,
  expires_at TIMESTAMPTZ NOT NULL
);`

// Store implements keystore.Store on a *sql.DB.
type Store struct {
	db *sql.DB
}

// Open connects to databaseURL, verifies the connection and applies Schema.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return New(db), nil
}

// New wraps an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Insert reserves the origin and inserts rec in one transaction.
func (s *Store) Insert(ctx context.Context, rec keystore.Record, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if origin := rec.Origin(); origin != "" {
		res, err := tx.ExecContext(ctx, `
INSERT INTO keyd_origins (origin, key, expires_at)
VALUES ($1, $2, $3)
ON CONFLICT (origin) DO UPDATE
  SET key = EXCLUDED.key, expires_at = EXCLUDED.expires_at
  WHERE keyd_origins.expires_at <= $4`,
			origin, rec.Key, rec.ExpiresAt, now,
		)
		if err != nil {
			return fmt.Errorf("reserve origin: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("reserve origin rows affected: %w", err)
		} else if n == 0 {
			return keystore.ErrOriginThrottled
		}
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO keyd_keys (key, issued_to_origin, claimed_by_client_id, used, expires_at, created_at)
VALUES ($1, $2, NULL, FALSE, $3, $4)
ON CONFLICT (key) DO NOTHING`,
		rec.Key, rec.IssuedToOrigin, rec.ExpiresAt, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert key: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("insert key rows affected: %w", err)
	} else if n == 0 {
		return keystore.ErrDuplicateKey
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}
	return nil
}

// Get loads the record for key.
func (s *Store) Get(ctx context.Context, key string) (keystore.Record, error) {
	var (
		rec    keystore.Record
		origin sql.NullString
		client sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
SELECT key, issued_to_origin, claimed_by_client_id, used, expires_at, created_at
FROM keyd_keys
WHERE key = $1`,
		key,
	).Scan(&rec.Key, &origin, &client, &rec.Used, &rec.ExpiresAt, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return keystore.Record{}, keystore.ErrNotFound
	}
	if err != nil {
		return keystore.Record{}, fmt.Errorf("get key: %w", err)
	}
	if origin.Valid {
		rec.IssuedToOrigin = keystore.StringPtr(origin.String)
	}
	if client.Valid {
		rec.ClaimedByClientID = keystore.StringPtr(client.String)
	}
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, nil
}

// Bind sets claimed_by_client_id when it is still NULL and the key is live.
func (s *Store) Bind(ctx context.Context, key, clientID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE keyd_keys
SET claimed_by_client_id = $2
WHERE key = $1
  AND claimed_by_client_id IS NULL
  AND expires_at > $3`,
		key, clientID, now,
	)
	if err != nil {
		return fmt.Errorf("bind key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("bind key rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	// The update lost; a follow-up read tells the caller why. State only
	// moves forward, so the answer is stable.
	rec, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if !rec.Live(now) {
		return keystore.ErrNotFound
	}
	return keystore.ErrAlreadyClaimed
}

// MarkUsed sets used when the verification predicate holds.
func (s *Store) MarkUsed(ctx context.Context, key, clientID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE keyd_keys
SET used = TRUE
WHERE key = $1
  AND used = FALSE
  AND expires_at > $3
  AND claimed_by_client_id = $2`,
		key, clientID, now,
	)
	if err != nil {
		return fmt.Errorf("mark key used: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark key used rows affected: %w", err)
	}
	if n == 0 {
		return keystore.ErrNotEligible
	}
	return nil
}

// DeleteExpired removes expired keys and origin reservations.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM keyd_keys WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired rows affected: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM keyd_origins WHERE expires_at < $1`, now); err != nil {
		return int(n), fmt.Errorf("delete expired origins: %w", err)
	}
	return int(n), nil
}
