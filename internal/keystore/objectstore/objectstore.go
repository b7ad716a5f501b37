// Package objectstore implements keystore.Store on top of any storage.Backend
// that offers per-object compare-and-swap.
//
// Records live at keys/<key>.json. Every origin with a live key owns a marker
// at origins/<escaped origin>.json. The marker is created with a create-only
// write and only replaced via CAS once it has expired, which makes the
// one-live-key-per-origin rule atomic without a global lock.
package objectstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/keyd/internal/keystore"
	"pkt.systems/keyd/internal/storage"
	"pkt.systems/keyd/internal/uuidv7"
)

const (
	recordPrefix = "keys/"
	originPrefix = "origins/"
	// maxCASAttempts bounds the read-modify-write loops. A lost CAS means
	// another writer changed the record, and the next read settles the outcome.
	maxCASAttempts = 8
)

var errContention = errors.New("objectstore: too much contention")

// Store adapts a storage.Backend to keystore.Store.
type Store struct {
	backend storage.Backend
	logger  pslog.Logger
}

// document is the stored form of a record. Rev is fresh on every write so
// two writes never produce the same bytes.
type document struct {
	keystore.Record
	Rev string `json:"rev"`
}

func encodeRecord(rec keystore.Record) ([]byte, error) {
	return json.Marshal(document{Record: rec, Rev: uuidv7.NewString()})
}

type originMarker struct {
	Origin    string    `json:"origin"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// New returns a Store persisting through backend.
func New(backend storage.Backend, logger pslog.Logger) *Store {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Store{backend: backend, logger: logger}
}

// Backend exposes the underlying object backend.
func (s *Store) Backend() storage.Backend {
	return s.backend
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// Insert creates rec and, when it carries an origin, the origin marker.
func (s *Store) Insert(ctx context.Context, rec keystore.Record, now time.Time) error {
	origin := rec.Origin()
	var markerETag string
	if origin != "" {
		etag, err := s.reserveOrigin(ctx, origin, rec, now)
		if err != nil {
			return err
		}
		markerETag = etag
	}
	payload, err := encodeRecord(rec)
	if err != nil {
		s.releaseOrigin(ctx, origin, markerETag)
		return fmt.Errorf("objectstore: encode record: %w", err)
	}
	if _, err := s.backend.PutObject(ctx, recordObject(rec.Key), payload, storage.PutOptions{}); err != nil {
		s.releaseOrigin(ctx, origin, markerETag)
		if errors.Is(err, storage.ErrCASMismatch) {
			return keystore.ErrDuplicateKey
		}
		return fmt.Errorf("objectstore: insert record: %w", err)
	}
	return nil
}

// Get loads the record stored for key.
func (s *Store) Get(ctx context.Context, key string) (keystore.Record, error) {
	rec, _, err := s.load(ctx, key)
	return rec, err
}

// Bind claims key for clientID using a CAS update on the record object.
func (s *Store) Bind(ctx context.Context, key, clientID string, now time.Time) error {
	return s.update(ctx, key, func(rec *keystore.Record) error {
		if !rec.Live(now) {
			return keystore.ErrNotFound
		}
		if rec.Claimed() {
			return keystore.ErrAlreadyClaimed
		}
		rec.ClaimedByClientID = keystore.StringPtr(clientID)
		return nil
	})
}

// MarkUsed consumes key when it is verifiable for clientID at now.
func (s *Store) MarkUsed(ctx context.Context, key, clientID string, now time.Time) error {
	return s.update(ctx, key, func(rec *keystore.Record) error {
		if !rec.Verifiable(clientID, now) {
			return keystore.ErrNotEligible
		}
		rec.Used = true
		return nil
	})
}

// DeleteExpired sweeps records and origin markers whose expiry is before now.
// Each delete is conditional on the ETag observed during the sweep.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	keys, err := s.backend.ListObjects(ctx, recordPrefix)
	if err != nil {
		return 0, fmt.Errorf("objectstore: list records: %w", err)
	}
	removed := 0
	for _, object := range keys {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		obj, err := s.backend.GetObject(ctx, object)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return removed, fmt.Errorf("objectstore: load %s: %w", object, err)
		}
		var rec keystore.Record
		if err := json.Unmarshal(obj.Body, &rec); err != nil {
			s.logger.Warn("keystore.sweep.decode_error", "object", object, "error", err)
			continue
		}
		if !rec.ExpiresAt.Before(now) {
			continue
		}
		if err := s.backend.DeleteObject(ctx, object, obj.ETag); err != nil {
			if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrCASMismatch) {
				continue
			}
			return removed, fmt.Errorf("objectstore: delete %s: %w", object, err)
		}
		removed++
	}
	if err := s.sweepOrigins(ctx, now); err != nil {
		return removed, err
	}
	return removed, nil
}

func (s *Store) sweepOrigins(ctx context.Context, now time.Time) error {
	markers, err := s.backend.ListObjects(ctx, originPrefix)
	if err != nil {
		return fmt.Errorf("objectstore: list origins: %w", err)
	}
	for _, object := range markers {
		obj, err := s.backend.GetObject(ctx, object)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return fmt.Errorf("objectstore: load %s: %w", object, err)
		}
		var marker originMarker
		if err := json.Unmarshal(obj.Body, &marker); err != nil || !marker.ExpiresAt.Before(now) {
			continue
		}
		if err := s.backend.DeleteObject(ctx, object, obj.ETag); err != nil &&
			!errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrCASMismatch) {
			return fmt.Errorf("objectstore: delete %s: %w", object, err)
		}
	}
	return nil
}

func (s *Store) reserveOrigin(ctx context.Context, origin string, rec keystore.Record, now time.Time) (string, error) {
	payload, err := json.Marshal(originMarker{Origin: origin, Key: rec.Key, ExpiresAt: rec.ExpiresAt})
	if err != nil {
		return "", fmt.Errorf("objectstore: encode origin marker: %w", err)
	}
	object := originObject(origin)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		etag, err := s.backend.PutObject(ctx, object, payload, storage.PutOptions{})
		if err == nil {
			return etag, nil
		}
		if !errors.Is(err, storage.ErrCASMismatch) {
			return "", fmt.Errorf("objectstore: reserve origin: %w", err)
		}
		current, err := s.backend.GetObject(ctx, object)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return "", fmt.Errorf("objectstore: load origin marker: %w", err)
		}
		var marker originMarker
		if err := json.Unmarshal(current.Body, &marker); err != nil {
			return "", fmt.Errorf("objectstore: decode origin marker: %w", err)
		}
		if marker.ExpiresAt.After(now) {
			return "", keystore.ErrOriginThrottled
		}
		etag, err = s.backend.PutObject(ctx, object, payload, storage.PutOptions{ExpectedETag: current.ETag})
		if err == nil {
			return etag, nil
		}
		if !errors.Is(err, storage.ErrCASMismatch) && !errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("objectstore: replace origin marker: %w", err)
		}
	}
	return "", keystore.ErrOriginThrottled
}

func (s *Store) releaseOrigin(ctx context.Context, origin, etag string) {
	if origin == "" || etag == "" {
		return
	}
	if err := s.backend.DeleteObject(ctx, originObject(origin), etag); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("keystore.origin.release_failed", "origin", origin, "error", err)
	}
}

func (s *Store) load(ctx context.Context, key string) (keystore.Record, string, error) {
	obj, err := s.backend.GetObject(ctx, recordObject(key))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return keystore.Record{}, "", keystore.ErrNotFound
		}
		return keystore.Record{}, "", fmt.Errorf("objectstore: load record: %w", err)
	}
	var rec keystore.Record
	if err := json.Unmarshal(obj.Body, &rec); err != nil {
		return keystore.Record{}, "", fmt.Errorf("objectstore: decode record: %w", err)
	}
	return rec, obj.ETag, nil
}

// update runs a read-modify-write loop. mutate sees the freshest record on
// every attempt and may veto the write by returning an error.
func (s *Store) update(ctx context.Context, key string, mutate func(*keystore.Record) error) error {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		rec, etag, err := s.load(ctx, key)
		if err != nil {
			return err
		}
		if err := mutate(&rec); err != nil {
			return err
		}
		payload, err := encodeRecord(rec)
		if err != nil {
			return fmt.Errorf("objectstore: encode record: %w", err)
		}
		_, err = s.backend.PutObject(ctx, recordObject(key), payload, storage.PutOptions{ExpectedETag: etag})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, storage.ErrNotFound):
			return keystore.ErrNotFound
		case errors.Is(err, storage.ErrCASMismatch):
			continue
		default:
			return fmt.Errorf("objectstore: update record: %w", err)
		}
	}
	return errContention
}

func recordObject(key string) string {
	return recordPrefix + url.PathEscape(key) + ".json"
}

func originObject(origin string) string {
	return originPrefix + strings.ReplaceAll(url.PathEscape(origin), ":", "%3A") + ".json"
}
