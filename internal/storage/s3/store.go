// Package s3 implements storage.Backend on S3-compatible object storage via
// minio-go, using If-Match / If-None-Match conditional writes for CAS.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"syscall"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/encrypt"

	"pkt.systems/keyd/internal/storage"
	"pkt.systems/pslog"
)

// Config controls the behaviour of the S3 storage backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	ServerSideEnc  string
	KMSKeyID       string
	CustomCreds    *credentials.Credentials
	Transport      http.RoundTripper
}

// Store implements storage.Backend backed by S3-compatible object storage.
type Store struct {
	client *minio.Client
	cfg    Config
}

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Store{client: client, cfg: cfg}, nil
}

func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	if clone.MaxIdleConns == 0 {
		clone.MaxIdleConns = 256
	}
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 64
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	return clone
}

// Close satisfies storage.Backend and is a no-op for the S3 client.
func (s *Store) Close() error { return nil }

// Config returns a copy of the configuration used to build the store.
func (s *Store) Config() Config { return s.cfg }

// BucketExists reports whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	return s.client.BucketExists(ctx, s.cfg.Bucket)
}

func (s *Store) logger(ctx context.Context) pslog.Logger {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return logger.With("storage_backend", "s3")
}

func (s *Store) object(key string) string {
	if s.cfg.Prefix == "" {
		return key
	}
	return path.Join(s.cfg.Prefix, key)
}

// GetObject downloads the object stored under key.
func (s *Store) GetObject(ctx context.Context, key string) (storage.Object, error) {
	logger := s.logger(ctx)
	object := s.object(key)
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, object, minio.GetObjectOptions{})
	if err != nil {
		logger.Debug("s3.get_object.get_error", "key", key, "object", object, "error", err)
		return storage.Object{}, s.wrapError(err, "s3: get object")
	}
	defer obj.Close()
	info, err := obj.Stat()
	if err != nil {
		if isNotFound(err) {
			return storage.Object{}, storage.ErrNotFound
		}
		logger.Debug("s3.get_object.stat_error", "key", key, "object", object, "error", err)
		return storage.Object{}, s.wrapError(err, "s3: stat object")
	}
	body, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return storage.Object{}, storage.ErrNotFound
		}
		logger.Debug("s3.get_object.read_error", "key", key, "object", object, "error", err)
		return storage.Object{}, s.wrapError(err, "s3: read object")
	}
	return storage.Object{
		Key:          key,
		Body:         body,
		ETag:         stripETag(info.ETag),
		LastModified: info.LastModified,
	}, nil
}

// PutObject uploads body under key with If-Match or If-None-Match guards.
func (s *Store) PutObject(ctx context.Context, key string, body []byte, opts storage.PutOptions) (string, error) {
	logger := s.logger(ctx)
	object := s.object(key)
	putOpts := minio.PutObjectOptions{ContentType: opts.ContentTypeOrDefault()}
	s.applySSE(&putOpts)
	if opts.ExpectedETag != "" {
		putOpts.SetMatchETag(opts.ExpectedETag)
	} else {
		putOpts.SetMatchETagExcept("*")
	}
	info, err := s.client.PutObject(ctx, s.cfg.Bucket, object, bytes.NewReader(body), int64(len(body)), putOpts)
	if err != nil {
		switch classifyPutObjectError(err, opts.ExpectedETag != "") {
		case storage.ErrCASMismatch:
			logger.Trace("s3.put_object.cas_mismatch", "key", key, "object", object, "expected_etag", opts.ExpectedETag)
			return "", storage.ErrCASMismatch
		case storage.ErrNotFound:
			logger.Trace("s3.put_object.not_found", "key", key, "object", object, "expected_etag", opts.ExpectedETag)
			return "", storage.ErrNotFound
		default:
			logger.Debug("s3.put_object.put_error", "key", key, "object", object, "error", err)
			return "", s.wrapError(err, "s3: put object")
		}
	}
	return stripETag(info.ETag), nil
}

// DeleteObject removes key after checking the current ETag when one is given.
func (s *Store) DeleteObject(ctx context.Context, key string, expectedETag string) error {
	logger := s.logger(ctx)
	object := s.object(key)
	info, err := s.client.StatObject(ctx, s.cfg.Bucket, object, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return storage.ErrNotFound
		}
		logger.Debug("s3.delete_object.stat_error", "key", key, "object", object, "error", err)
		return s.wrapError(err, "s3: stat object")
	}
	if expectedETag != "" && stripETag(info.ETag) != expectedETag {
		logger.Trace("s3.delete_object.cas_mismatch", "key", key, "object", object, "expected_etag", expectedETag, "current_etag", stripETag(info.ETag))
		return storage.ErrCASMismatch
	}
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, object, minio.RemoveObjectOptions{}); err != nil {
		if isNotFound(err) {
			return storage.ErrNotFound
		}
		logger.Debug("s3.delete_object.remove_error", "key", key, "object", object, "error", err)
		return s.wrapError(err, "s3: delete object")
	}
	return nil
}

// ListObjects returns logical keys beneath prefix; S3 lists lexically.
func (s *Store) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	root := ""
	if s.cfg.Prefix != "" {
		root = s.cfg.Prefix + "/"
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	keys := make([]string, 0, 64)
	for object := range s.client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{Prefix: root + prefix, Recursive: true}) {
		if object.Err != nil {
			s.logger(ctx).Debug("s3.list_objects.error", "prefix", prefix, "error", object.Err)
			return nil, s.wrapError(object.Err, "s3: list objects")
		}
		logical := strings.TrimPrefix(object.Key, root)
		if root != "" && logical == object.Key {
			continue
		}
		keys = append(keys, logical)
	}
	return keys, nil
}

func (s *Store) applySSE(opts *minio.PutObjectOptions) {
	switch strings.ToUpper(s.cfg.ServerSideEnc) {
	case "AES256":
		opts.ServerSideEncryption = encrypt.NewSSE()
	case "AWS:KMS", "KMS":
		if s.cfg.KMSKeyID != "" {
			if enc, err := encrypt.NewSSEKMS(s.cfg.KMSKeyID, nil); err == nil {
				opts.ServerSideEncryption = enc
			}
		}
	}
}

func classifyPutObjectError(err error, hasExpectedETag bool) error {
	if err == nil {
		return nil
	}
	if isPreconditionFailed(err) {
		return storage.ErrCASMismatch
	}
	if hasExpectedETag && isNotFound(err) {
		return storage.ErrNotFound
	}
	return nil
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func isNotFound(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound
	}
	return false
}

func isPreconditionFailed(err error) bool {
	errResp := minio.ErrorResponse{}
	if !errors.As(err, &errResp) {
		return false
	}
	if errResp.StatusCode == http.StatusPreconditionFailed {
		return true
	}
	if errResp.StatusCode == http.StatusConflict {
		switch errResp.Code {
		case "ConditionalRequestConflict", "OperationAborted":
			return true
		}
	}
	return false
}

func (s *Store) wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	retryable := isRetryable(err)
	if msg != "" {
		err = fmt.Errorf("%s: %w", msg, err)
	}
	if retryable {
		return storage.NewTransientError(err)
	}
	return err
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || isNetworkConnectionError(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
			return true
		}
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return true
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return true
	}
	return false
}

func isNetworkConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return isNetworkConnectionError(opErr.Err)
	}
	return false
}
