// Package disk implements storage.Backend on a local (or shared POSIX)
// filesystem. Each object is a single JSON envelope replaced atomically by
// rename; writers are serialised per key with an in-process mutex plus an
// fcntl lock so several keyd processes may share one root.
package disk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/keyd/internal/storage"
	"pkt.systems/keyd/internal/uuidv7"
)

const objectSuffix = ".obj"

// Config captures the tunables for the disk backend.
type Config struct {
	Root string
	Now  func() time.Time
}

// Store implements storage.Backend backed by the local filesystem.
type Store struct {
	root      string
	objectDir string
	tmpDir    string
	lockDir   string
	now       func() time.Time
}

var globalLocks sync.Map

func globalKeyMutex(lockPath string) *sync.Mutex {
	mu, _ := globalLocks.LoadOrStore(lockPath, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

type envelope struct {
	ETag          string `json:"etag"`
	ContentType   string `json:"content_type,omitempty"`
	UpdatedAtUnix int64  `json:"updated_at_unix"`
	Body          []byte `json:"body"`
}

type keyLock struct {
	mu   *sync.Mutex
	file *os.File
}

func (l *keyLock) Unlock() error {
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	if err := unlockFile(l.file); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}

// New initialises a disk-backed store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	root := filepath.Clean(cfg.Root)
	s := &Store{
		root:      root,
		objectDir: filepath.Join(root, "objects"),
		tmpDir:    filepath.Join(root, "tmp"),
		lockDir:   filepath.Join(root, "locks"),
		now:       cfg.Now,
	}
	for _, dir := range []string{s.objectDir, s.tmpDir, s.lockDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	return s, nil
}

// Root returns the cleaned root directory.
func (s *Store) Root() string { return s.root }

// Close is a no-op; the disk backend holds no long-lived handles.
func (s *Store) Close() error { return nil }

func (s *Store) logger(ctx context.Context) pslog.Logger {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return logger.With("storage_backend", "disk")
}

func normalizeKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("disk: object key required")
	}
	clean := path.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("disk: invalid object key %q", key)
	}
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean != key || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("disk: invalid object key %q", key)
	}
	return clean, nil
}

func (s *Store) objectPath(key string) (string, error) {
	normalized, err := normalizeKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.objectDir, filepath.FromSlash(normalized)+objectSuffix), nil
}

func (s *Store) lock(key string) (*keyLock, error) {
	normalized, err := normalizeKey(key)
	if err != nil {
		return nil, err
	}
	lockPath := filepath.Join(s.lockDir, filepath.FromSlash(normalized)+".lock")
	mu := globalKeyMutex(lockPath)
	mu.Lock()
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("disk: prepare lock directory for %q: %w", key, err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("disk: open lock: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		mu.Unlock()
		return nil, fmt.Errorf("disk: lock key: %w", err)
	}
	return &keyLock{mu: mu, file: f}, nil
}

func (s *Store) readEnvelope(p string) (*envelope, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("disk: decode %q: %w", p, err)
	}
	if env.ETag == "" {
		return nil, fmt.Errorf("disk: object %q missing etag", p)
	}
	return &env, nil
}

// GetObject reads the object stored under key.
func (s *Store) GetObject(ctx context.Context, key string) (storage.Object, error) {
	logger := s.logger(ctx)
	p, err := s.objectPath(key)
	if err != nil {
		return storage.Object{}, err
	}
	env, err := s.readEnvelope(p)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Debug("disk.get_object.error", "key", key, "error", err)
		}
		return storage.Object{}, err
	}
	return storage.Object{
		Key:          key,
		Body:         env.Body,
		ETag:         env.ETag,
		LastModified: time.Unix(env.UpdatedAtUnix, 0).UTC(),
	}, nil
}

// PutObject writes body under key subject to opts.ExpectedETag.
func (s *Store) PutObject(ctx context.Context, key string, body []byte, opts storage.PutOptions) (string, error) {
	logger := s.logger(ctx)
	p, err := s.objectPath(key)
	if err != nil {
		return "", err
	}
	lk, err := s.lock(key)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := lk.Unlock(); err != nil {
			logger.Warn("disk.put_object.unlock_error", "key", key, "error", err)
		}
	}()

	current, err := s.readEnvelope(p)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if opts.ExpectedETag != "" {
			logger.Trace("disk.put_object.cas_missing", "key", key, "expected_etag", opts.ExpectedETag)
			return "", storage.ErrNotFound
		}
	case err != nil:
		logger.Debug("disk.put_object.load_error", "key", key, "error", err)
		return "", err
	default:
		if opts.ExpectedETag == "" || current.ETag != opts.ExpectedETag {
			logger.Trace("disk.put_object.cas_mismatch", "key", key, "expected_etag", opts.ExpectedETag, "current_etag", current.ETag)
			return "", storage.ErrCASMismatch
		}
	}

	env := envelope{
		ETag:          uuidv7.NewString(),
		ContentType:   opts.ContentTypeOrDefault(),
		UpdatedAtUnix: s.now().Unix(),
		Body:          body,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("disk: encode %q: %w", key, err)
	}
	if err := s.writeAtomic(p, payload); err != nil {
		logger.Debug("disk.put_object.write_error", "key", key, "error", err)
		return "", fmt.Errorf("disk: write object %q: %w", key, err)
	}
	return env.ETag, nil
}

// DeleteObject removes key. A non-empty expectedETag enforces CAS.
func (s *Store) DeleteObject(ctx context.Context, key string, expectedETag string) error {
	logger := s.logger(ctx)
	p, err := s.objectPath(key)
	if err != nil {
		return err
	}
	lk, err := s.lock(key)
	if err != nil {
		return err
	}
	defer func() {
		if err := lk.Unlock(); err != nil {
			logger.Warn("disk.delete_object.unlock_error", "key", key, "error", err)
		}
	}()
	current, err := s.readEnvelope(p)
	if err != nil {
		return err
	}
	if expectedETag != "" && current.ETag != expectedETag {
		logger.Trace("disk.delete_object.cas_mismatch", "key", key, "expected_etag", expectedETag, "current_etag", current.ETag)
		return storage.ErrCASMismatch
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("disk: remove object %q: %w", key, err)
	}
	_ = syncDir(filepath.Dir(p))
	s.pruneEmptyDirs(filepath.Dir(p))
	return nil
}

// ListObjects returns the keys beneath prefix in lexical order.
func (s *Store) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	keys := make([]string, 0, 64)
	err := filepath.WalkDir(s.objectDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, os.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), objectSuffix) {
			return nil
		}
		rel, err := filepath.Rel(s.objectDir, p)
		if err != nil {
			return err
		}
		key := strings.TrimSuffix(filepath.ToSlash(rel), objectSuffix)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		s.logger(ctx).Debug("disk.list_objects.walk_error", "prefix", prefix, "error", err)
		return nil, fmt.Errorf("disk: list objects: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) writeAtomic(dest string, payload []byte) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.tmpDir, "keyd-object-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := syncFile(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	_ = syncDir(filepath.Dir(dest))
	return nil
}

func (s *Store) pruneEmptyDirs(dir string) {
	for dir != s.objectDir && strings.HasPrefix(dir, s.objectDir) {
		// Fails with ENOTEMPTY as soon as a sibling remains.
		if err := os.Remove(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
