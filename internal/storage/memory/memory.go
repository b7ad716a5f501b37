package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/keyd/internal/storage"
	"pkt.systems/keyd/internal/uuidv7"
)

// Store implements storage.Backend in-memory; intended for tests and local dev.
type Store struct {
	mu   sync.RWMutex
	objs map[string]*objectEntry

	sortedKeys []string
}

type objectEntry struct {
	payload     []byte
	etag        string
	contentType string
	updated     time.Time
}

// New returns a ready to use in-memory store.
func New() *Store {
	return &Store{
		objs: make(map[string]*objectEntry),
	}
}

// Close satisfies storage.Backend but requires no action for the in-memory store.
func (s *Store) Close() error {
	return nil
}

// GetObject returns a copy of the payload stored for key.
func (s *Store) GetObject(_ context.Context, key string) (storage.Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.objs[key]
	if !ok {
		return storage.Object{}, storage.ErrNotFound
	}
	return storage.Object{
		Key:          key,
		Body:         append([]byte(nil), entry.payload...),
		ETag:         entry.etag,
		LastModified: entry.updated,
	}, nil
}

// PutObject stores or replaces the object for key, enforcing CAS semantics.
func (s *Store) PutObject(_ context.Context, key string, body []byte, opts storage.PutOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, exists := s.objs[key]
	if opts.ExpectedETag != "" {
		if !exists {
			return "", storage.ErrNotFound
		}
		if entry.etag != opts.ExpectedETag {
			return "", storage.ErrCASMismatch
		}
	} else if exists {
		return "", storage.ErrCASMismatch
	}
	etag := uuidv7.NewString()
	s.objs[key] = &objectEntry{
		payload:     append([]byte(nil), body...),
		etag:        etag,
		contentType: opts.ContentTypeOrDefault(),
		updated:     time.Now().UTC(),
	}
	if !exists {
		s.insertKeyLocked(key)
	}
	return etag, nil
}

// DeleteObject removes the object for key with optional CAS.
func (s *Store) DeleteObject(_ context.Context, key string, expectedETag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, exists := s.objs[key]
	if !exists {
		return storage.ErrNotFound
	}
	if expectedETag != "" && entry.etag != expectedETag {
		return storage.ErrCASMismatch
	}
	delete(s.objs, key)
	s.removeKeyLocked(key)
	return nil
}

// ListObjects returns every key beginning with prefix.
func (s *Store) ListObjects(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := sort.SearchStrings(s.sortedKeys, prefix)
	var keys []string
	for idx := start; idx < len(s.sortedKeys); idx++ {
		key := s.sortedKeys[idx]
		if !strings.HasPrefix(key, prefix) {
			break
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *Store) insertKeyLocked(key string) {
	idx := sort.SearchStrings(s.sortedKeys, key)
	if idx < len(s.sortedKeys) && s.sortedKeys[idx] == key {
		return
	}
	s.sortedKeys = append(s.sortedKeys, "")
	copy(s.sortedKeys[idx+1:], s.sortedKeys[idx:])
	s.sortedKeys[idx] = key
}

func (s *Store) removeKeyLocked(key string) {
	idx := sort.SearchStrings(s.sortedKeys, key)
	if idx < len(s.sortedKeys) && s.sortedKeys[idx] == key {
		s.sortedKeys = append(s.sortedKeys[:idx], s.sortedKeys[idx+1:]...)
	}
}
