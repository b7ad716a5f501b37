// Package aws implements storage.Backend on Amazon S3 through the official
// aws-sdk-go-v2 client. Conditional writes use the native If-Match and
// If-None-Match request fields.
package aws

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"

	"pkt.systems/keyd/internal/storage"
	"pkt.systems/pslog"
)

// Config controls the behaviour of the AWS S3 storage backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	ServerSideEnc  string
	KMSKeyID       string
}

// Store implements storage.Backend backed by AWS S3.
type Store struct {
	client *s3.Client
	cfg    Config
}

const awsOpTimeout = 30 * time.Second

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("aws: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws: region is required")
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	httpClient := &http.Client{Transport: defaultTransport(cfg.Insecure)}
	awsCfg, err := awsconfig.LoadDefaultConfig(
		context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.Contains(endpoint, "://") {
				scheme := "https"
				if cfg.Insecure {
					scheme = "http"
				}
				endpoint = scheme + "://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return &Store{client: client, cfg: cfg}, nil
}

func defaultTransport(insecure bool) http.RoundTripper {
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
	if insecure {
		clone.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return clone
}

// Close satisfies storage.Backend and is a no-op for the AWS client.
func (s *Store) Close() error { return nil }

// Config returns a copy of the configuration used to build the store.
func (s *Store) Config() Config { return s.cfg }

func (s *Store) logger(ctx context.Context) pslog.Logger {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return logger.With("storage_backend", "aws")
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= awsOpTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, awsOpTimeout)
}

func (s *Store) object(key string) string {
	if s.cfg.Prefix == "" {
		return key
	}
	return path.Join(s.cfg.Prefix, key)
}

// BucketExists returns whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetObject downloads the object stored under key.
func (s *Store) GetObject(ctx context.Context, key string) (storage.Object, error) {
	logger := s.logger(ctx)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	object := s.object(key)
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(object),
	})
	if err != nil {
		if isNotFound(err) {
			return storage.Object{}, storage.ErrNotFound
		}
		logger.Debug("aws.get_object.get_error", "key", key, "object", object, "error", err)
		return storage.Object{}, s.wrapError(err, "aws: get object")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Debug("aws.get_object.read_error", "key", key, "object", object, "error", err)
		return storage.Object{}, s.wrapError(err, "aws: read object")
	}
	return storage.Object{
		Key:          key,
		Body:         body,
		ETag:         stripETag(aws.ToString(resp.ETag)),
		LastModified: aws.ToTime(resp.LastModified),
	}, nil
}

// PutObject uploads body under key with If-Match or If-None-Match guards.
func (s *Store) PutObject(ctx context.Context, key string, body []byte, opts storage.PutOptions) (string, error) {
	logger := s.logger(ctx)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	object := s.object(key)
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(object),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(opts.ContentTypeOrDefault()),
	}
	if opts.ExpectedETag != "" {
		input.IfMatch = aws.String(opts.ExpectedETag)
	} else {
		input.IfNoneMatch = aws.String("*")
	}
	applySSEToPut(input, s.cfg.ServerSideEnc, s.cfg.KMSKeyID)

	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		switch classifyPutObjectError(err, opts.ExpectedETag != "") {
		case storage.ErrCASMismatch:
			logger.Trace("aws.put_object.cas_mismatch", "key", key, "object", object, "expected_etag", opts.ExpectedETag)
			return "", storage.ErrCASMismatch
		case storage.ErrNotFound:
			logger.Trace("aws.put_object.not_found", "key", key, "object", object, "expected_etag", opts.ExpectedETag)
			return "", storage.ErrNotFound
		default:
			logger.Debug("aws.put_object.put_error", "key", key, "object", object, "error", err)
			return "", s.wrapError(err, "aws: put object")
		}
	}
	return stripETag(aws.ToString(out.ETag)), nil
}

// DeleteObject removes key. S3 deletes are idempotent, so an unconditional
// delete checks for existence first to report ErrNotFound.
func (s *Store) DeleteObject(ctx context.Context, key string, expectedETag string) error {
	logger := s.logger(ctx)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	object := s.object(key)
	input := &s3.DeleteObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(object)}
	if expectedETag != "" {
		input.IfMatch = aws.String(expectedETag)
	} else {
		if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: input.Bucket, Key: input.Key}); err != nil {
			if isNotFound(err) {
				return storage.ErrNotFound
			}
			return s.wrapError(err, "aws: head object")
		}
	}
	if _, err := s.client.DeleteObject(ctx, input); err != nil {
		if isNotFound(err) {
			return storage.ErrNotFound
		}
		if isPreconditionFailed(err) {
			logger.Trace("aws.delete_object.cas_mismatch", "key", key, "object", object, "expected_etag", expectedETag)
			return storage.ErrCASMismatch
		}
		logger.Debug("aws.delete_object.remove_error", "key", key, "object", object, "error", err)
		return s.wrapError(err, "aws: delete object")
	}
	return nil
}

// ListObjects returns logical keys beneath prefix in lexical order.
func (s *Store) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	root := ""
	if s.cfg.Prefix != "" {
		root = s.cfg.Prefix + "/"
	}
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(root + prefix),
	})
	keys := make([]string, 0, 64)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			s.logger(ctx).Debug("aws.list_objects.error", "prefix", prefix, "error", err)
			return nil, s.wrapError(err, "aws: list objects")
		}
		for _, obj := range page.Contents {
			full := aws.ToString(obj.Key)
			logical := strings.TrimPrefix(full, root)
			if root != "" && logical == full {
				continue
			}
			keys = append(keys, logical)
		}
	}
	return keys, nil
}

func applySSEToPut(input *s3.PutObjectInput, mode, keyID string) {
	switch strings.ToUpper(mode) {
	case "AES256":
		input.ServerSideEncryption = types.ServerSideEncryptionAes256
	case "AWS:KMS", "KMS":
		input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		if keyID != "" {
			input.SSEKMSKeyId = aws.String(keyID)
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
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if status, ok := httpStatusCode(err); ok {
		if status >= http.StatusInternalServerError {
			return true
		}
		switch status {
		case http.StatusTooManyRequests, http.StatusRequestTimeout:
			return true
		}
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return true
		}
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

func httpStatusCode(err error) (int, bool) {
	if err == nil {
		return 0, false
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode(), true
	}
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		return statusErr.HTTPStatusCode(), true
	}
	return 0, false
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok {
		return status == http.StatusNotFound
	}
	return false
}

func isPreconditionFailed(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict", "OperationAborted":
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok {
		return status == http.StatusPreconditionFailed || status == http.StatusConflict
	}
	return false
}
