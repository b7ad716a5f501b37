// Package keystore defines the key record model and the conditional-update
// contract every persistence engine must honour.
package keystore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound reports that no live record exists for the key.
	ErrNotFound = errors.New("keystore: key not found")
	// ErrAlreadyClaimed reports that a client is already bound to the key.
	ErrAlreadyClaimed = errors.New("keystore: key already claimed")
	// ErrOriginThrottled reports that the origin still holds a live key.
	ErrOriginThrottled = errors.New("keystore: origin already holds a live key")
	// ErrDuplicateKey reports a collision on insert.
	ErrDuplicateKey = errors.New("keystore: duplicate key")
	// ErrNotEligible reports that a record failed the verification predicate.
	ErrNotEligible = errors.New("keystore: key not eligible")
)

// Record is the persisted key record. Field names are the durable layout.
type Record struct {
	Key               string    `json:"key"`
	IssuedToOrigin    *string   `json:"issuedToOrigin"`
	ClaimedByClientID *string   `json:"claimedByClientId"`
	Used              bool      `json:"used"`
	ExpiresAt         time.Time `json:"expiresAt"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Claimed reports whether a client has been bound.
func (r Record) Claimed() bool {
	return r.ClaimedByClientID != nil && *r.ClaimedByClientID != ""
}

// Live reports whether the record has not yet expired at now.
func (r Record) Live(now time.Time) bool {
	return r.ExpiresAt.After(now)
}

// Origin returns the issuing origin or "".
func (r Record) Origin() string {
	if r.IssuedToOrigin == nil {
		return ""
	}
	return *r.IssuedToOrigin
}

// ClientID returns the bound client or "".
func (r Record) ClientID() string {
	if r.ClaimedByClientID == nil {
		return ""
	}
	return *r.ClaimedByClientID
}

// Verifiable applies the verification predicate for clientID at now.
func (r Record) Verifiable(clientID string, now time.Time) bool {
	return !r.Used && r.Live(now) && r.Claimed() && r.ClientID() == clientID
}

// StringPtr returns nil for "" and &s otherwise.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Store is the key record store contract. Each mutating method is a single
// atomic conditional operation from the caller's perspective.
type Store interface {
	// Insert creates rec. When rec carries an origin, the insert also claims
	// the origin's live slot and fails with ErrOriginThrottled if another
	// live record holds it. A key collision yields ErrDuplicateKey.
	Insert(ctx context.Context, rec Record, now time.Time) error
	// Get returns the record for key regardless of expiry.
	Get(ctx context.Context, key string) (Record, error)
	// Bind sets ClaimedByClientID when the record is live and unclaimed.
	// Returns ErrNotFound for absent or expired records and
	// ErrAlreadyClaimed when a client is already bound.
	Bind(ctx context.Context, key, clientID string, now time.Time) error
	// MarkUsed sets Used when Record.Verifiable holds, otherwise it returns
	// ErrNotEligible or ErrNotFound.
	MarkUsed(ctx context.Context, key, clientID string, now time.Time) error
	// DeleteExpired removes every record whose expiry is strictly before now
	// and reports how many were removed.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	Close() error
}
