// Package azure implements storage.Backend on Azure Blob Storage. Blob ETags
// drive CAS through If-Match / If-None-Match access conditions.
package azure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"pkt.systems/keyd/internal/storage"
	"pkt.systems/pslog"
)

// Config controls connectivity to Azure Blob Storage.
type Config struct {
	Account    string
	AccountKey string
	Endpoint   string
	SASToken   string
	Container  string
	Prefix     string
}

// Store implements storage.Backend backed by Azure Blob Storage.
type Store struct {
	client    *azblob.Client
	endpoint  string
	container string
	prefix    string
}

// New constructs a Store and ensures the container exists.
func New(cfg Config) (*Store, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	var (
		client *azblob.Client
		err    error
	)
	clientOpts := defaultClientOptions()
	if cfg.SASToken != "" {
		endpointWithSAS, serr := appendSASToken(endpoint, cfg.SASToken)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(endpointWithSAS, clientOpts)
	} else {
		cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("azure: build credentials: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, clientOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := client.CreateContainer(ctx, cfg.Container, nil); err != nil && !isContainerExists(err) {
		return nil, fmt.Errorf("azure: create container: %w", err)
	}
	return &Store{
		client:    client,
		endpoint:  endpoint,
		container: cfg.Container,
		prefix:    strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func validate(cfg Config) error {
	if cfg.Account == "" {
		return fmt.Errorf("azure: account is required")
	}
	if cfg.Container == "" {
		return fmt.Errorf("azure: container is required")
	}
	if cfg.SASToken == "" && cfg.AccountKey == "" {
		return fmt.Errorf("azure: account key or SAS token required")
	}
	return nil
}

func defaultClientOptions() *azblob.ClientOptions {
	return &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Transport: defaultTransporter(),
		},
	}
}

type transportAdapter struct {
	rt http.RoundTripper
}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	if t.rt == nil {
		return http.DefaultTransport.RoundTrip(req)
	}
	return t.rt.RoundTrip(req)
}

func defaultTransporter() policy.Transporter {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return transportAdapter{rt: http.DefaultTransport}
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
	return transportAdapter{rt: clone}
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery = u.RawQuery + "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

func isContainerExists(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusConflict && strings.EqualFold(respErr.ErrorCode, "ContainerAlreadyExists")
	}
	return false
}

// Close is a no-op for Azure.
func (s *Store) Close() error { return nil }

func (s *Store) logger(ctx context.Context) pslog.Logger {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return logger.With("storage_backend", "azure")
}

// escapeKey percent-escapes each path segment, keeping separators (and a
// trailing slash) intact.
func escapeKey(p string) string {
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	for i, segment := range parts {
		parts[i] = url.PathEscape(segment)
	}
	return strings.Join(parts, "/")
}

func unescapeKey(p string) (string, error) {
	parts := strings.Split(p, "/")
	for i, segment := range parts {
		value, err := url.PathUnescape(segment)
		if err != nil {
			return "", err
		}
		parts[i] = value
	}
	return strings.Join(parts, "/"), nil
}

func (s *Store) blobName(key string) (string, error) {
	if strings.TrimPrefix(key, "/") == "" {
		return "", fmt.Errorf("azure: object key required")
	}
	name := escapeKey(key)
	if s.prefix == "" {
		return name, nil
	}
	return path.Join(s.prefix, name), nil
}

// GetObject downloads the blob stored under key.
func (s *Store) GetObject(ctx context.Context, key string) (storage.Object, error) {
	blobName, err := s.blobName(key)
	if err != nil {
		return storage.Object{}, err
	}
	resp, err := s.client.DownloadStream(ctx, s.container, blobName, nil)
	if err != nil {
		if isNotFound(err) {
			return storage.Object{}, storage.ErrNotFound
		}
		s.logger(ctx).Debug("azure.get_object.error", "key", key, "blob", blobName, "error", err)
		return storage.Object{}, wrapError(err, "azure: download object")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return storage.Object{}, wrapError(err, "azure: read object")
	}
	obj := storage.Object{Key: key, Body: body}
	if resp.ETag != nil {
		obj.ETag = string(*resp.ETag)
	}
	if resp.LastModified != nil {
		obj.LastModified = resp.LastModified.UTC()
	}
	return obj, nil
}

// PutObject uploads body with If-Match or If-None-Match access conditions.
func (s *Store) PutObject(ctx context.Context, key string, body []byte, opts storage.PutOptions) (string, error) {
	blobName, err := s.blobName(key)
	if err != nil {
		return "", err
	}
	conditions := &blob.ModifiedAccessConditions{IfNoneMatch: to.Ptr(azcore.ETagAny)}
	if opts.ExpectedETag != "" {
		conditions = &blob.ModifiedAccessConditions{IfMatch: to.Ptr(azcore.ETag(opts.ExpectedETag))}
	}
	uploadOpts := &azblob.UploadStreamOptions{
		HTTPHeaders:      &blob.HTTPHeaders{BlobContentType: to.Ptr(opts.ContentTypeOrDefault())},
		AccessConditions: &blob.AccessConditions{ModifiedAccessConditions: conditions},
	}
	resp, err := s.client.UploadStream(ctx, s.container, blobName, bytes.NewReader(body), uploadOpts)
	if err != nil {
		if isPreconditionFailed(err) {
			s.logger(ctx).Trace("azure.put_object.cas_mismatch", "key", key, "blob", blobName, "expected_etag", opts.ExpectedETag)
			return "", storage.ErrCASMismatch
		}
		if opts.ExpectedETag != "" && isNotFound(err) {
			return "", storage.ErrNotFound
		}
		s.logger(ctx).Debug("azure.put_object.error", "key", key, "blob", blobName, "error", err)
		return "", wrapError(err, "azure: upload object")
	}
	if resp.ETag == nil {
		return "", fmt.Errorf("azure: upload object %q: missing etag", key)
	}
	return string(*resp.ETag), nil
}

// DeleteObject removes the blob, enforcing a matching ETag when given.
func (s *Store) DeleteObject(ctx context.Context, key string, expectedETag string) error {
	blobName, err := s.blobName(key)
	if err != nil {
		return err
	}
	deleteOpts := &azblob.DeleteBlobOptions{}
	if expectedETag != "" {
		deleteOpts.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{
				IfMatch: to.Ptr(azcore.ETag(expectedETag)),
			},
		}
	}
	if _, err := s.client.DeleteBlob(ctx, s.container, blobName, deleteOpts); err != nil {
		if isPreconditionFailed(err) {
			return storage.ErrCASMismatch
		}
		if isNotFound(err) {
			return storage.ErrNotFound
		}
		s.logger(ctx).Debug("azure.delete_object.error", "key", key, "blob", blobName, "error", err)
		return wrapError(err, "azure: delete object")
	}
	return nil
}

// ListObjects returns logical keys beneath prefix; blob listings are lexical.
func (s *Store) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	root := ""
	if s.prefix != "" {
		root = s.prefix + "/"
	}
	blobPrefix := root + escapeKey(prefix)
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{Prefix: &blobPrefix})
	keys := make([]string, 0, 64)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, wrapError(err, "azure: list objects")
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil || !strings.HasPrefix(*item.Name, root) {
				continue
			}
			logical, err := unescapeKey(strings.TrimPrefix(*item.Name, root))
			if err != nil {
				return nil, fmt.Errorf("azure: decode blob name %q: %w", *item.Name, err)
			}
			keys = append(keys, logical)
		}
	}
	return keys, nil
}

func wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	retryable := isRetryable(err)
	err = fmt.Errorf("%s: %w", msg, err)
	if retryable {
		return storage.NewTransientError(err)
	}
	return err
}

func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode >= http.StatusInternalServerError ||
			respErr.StatusCode == http.StatusTooManyRequests ||
			respErr.StatusCode == http.StatusRequestTimeout
	}
	return false
}

func isPreconditionFailed(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusPreconditionFailed || respErr.StatusCode == http.StatusConflict
	}
	return false
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}
