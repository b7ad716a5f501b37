package keyd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/keyd/internal/clock"
	"pkt.systems/keyd/internal/keystore"
	"pkt.systems/keyd/internal/keystore/objectstore"
	"pkt.systems/keyd/internal/keystore/postgres"
	redisstore "pkt.systems/keyd/internal/keystore/redis"
	"pkt.systems/keyd/internal/storage"
	awsstore "pkt.systems/keyd/internal/storage/aws"
	azurestore "pkt.systems/keyd/internal/storage/azure"
	"pkt.systems/keyd/internal/storage/disk"
	loggingbackend "pkt.systems/keyd/internal/storage/logging"
	"pkt.systems/keyd/internal/storage/memory"
	"pkt.systems/keyd/internal/storage/retry"
	"pkt.systems/keyd/internal/storage/s3"
	"pkt.systems/keyd/internal/svcfields"
	"pkt.systems/pslog"
)

const storeConnectTimeout = 10 * time.Second

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// openKeyStore resolves cfg.Store into a keystore.Store. Object storage
// backends are decorated with logging and retries before the objectstore
// adapter is layered on top.
func openKeyStore(ctx context.Context, cfg Config, clk clock.Clock, logger pslog.Logger) (keystore.Store, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "postgres", "postgresql":
		connectCtx, cancel := context.WithTimeout(ctx, storeConnectTimeout)
		defer cancel()
		store, err := postgres.Open(connectCtx, cfg.Store)
		if err != nil {
			return nil, err
		}
		logger.Info("store.opened", "kind", "postgres", "host", u.Host)
		return store, nil
	case "redis", "rediss":
		connectCtx, cancel := context.WithTimeout(ctx, storeConnectTimeout)
		defer cancel()
		store, err := redisstore.Open(connectCtx, redisstore.Config{URL: cfg.Store, Prefix: cfg.RedisPrefix})
		if err != nil {
			return nil, err
		}
		logger.Info("store.opened", "kind", "redis", "host", u.Host, "prefix", cfg.RedisPrefix)
		return store, nil
	}
	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("store.opened", "kind", "object", "scheme", u.Scheme)
	return newObjectKeyStore(backend, cfg, clk, logger), nil
}

// newObjectKeyStore layers the objectstore adapter over backend.
func newObjectKeyStore(backend storage.Backend, cfg Config, clk clock.Clock, logger pslog.Logger) keystore.Store {
	storageLogger := svcfields.WithSubsystem(logger, svcfields.SysStorage)
	backend = loggingbackend.Wrap(backend, storageLogger.With("layer", "backend"), svcfields.SysStorage)
	backend = retry.Wrap(backend, storageLogger.With("layer", "retry"), clk, retry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	})
	return objectstore.New(backend, storageLogger)
}

func openBackend(ctx context.Context, cfg Config) (storage.Backend, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "memory", "mem", "":
		return memory.New(), nil
	case "s3":
		s3cfg, _, err := BuildGenericS3Config(cfg)
		if err != nil {
			return nil, err
		}
		backend, err := s3.New(s3cfg)
		if err != nil {
			return nil, err
		}
		if err := ensureBucket(ctx, s3cfg.Bucket, backend.BucketExists); err != nil {
			_ = backend.Close()
			return nil, err
		}
		return backend, nil
	case "aws":
		awscfg, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, err
		}
		backend, err := awsstore.New(awscfg)
		if err != nil {
			return nil, err
		}
		if err := ensureBucket(ctx, awscfg.Bucket, backend.BucketExists); err != nil {
			_ = backend.Close()
			return nil, err
		}
		return backend, nil
	case "disk":
		diskCfg, _, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, err
		}
		return disk.New(diskCfg)
	case "azure":
		azureCfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, err
		}
		return azurestore.New(azureCfg)
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

func ensureBucket(ctx context.Context, bucket string, exists func(context.Context) (bool, error)) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, storeConnectTimeout)
	defer cancel()
	ok, err := exists(timeoutCtx)
	if err != nil {
		return fmt.Errorf("object store connectivity check failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("object store bucket %s does not exist", bucket)
	}
	return nil
}

// BuildGenericS3Config parses s3:// URLs that target generic S3-compatible services (MinIO, etc.).
func BuildGenericS3Config(cfg Config) (s3.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix := splitBucketPath(u.Path)
	if bucket == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	query := u.Query()
	secure := true
	if v := query.Get("secure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			secure = ok
		}
	}
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil && ok {
			secure = false
		}
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	kmsKey := cfg.S3KMSKeyID
	if v := query.Get("kms-key-id"); v != "" {
		kmsKey = v
	}
	cred, summary, err := resolveGenericS3Credentials(cfg)
	if err != nil {
		return s3.Config{}, summary, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         strings.TrimSpace(query.Get("region")),
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       !secure,
		ForcePathStyle: forcePath,
		ServerSideEnc:  cfg.S3SSE,
		KMSKeyID:       kmsKey,
		CustomCreds:    cred,
	}, summary, nil
}

// BuildAWSConfig parses aws:// URLs into an AWS SDK backed configuration.
// Credentials come from the SDK default chain.
func BuildAWSConfig(cfg Config) (awsstore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return awsstore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "aws" {
		return awsstore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awsstore.Config{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	prefix := strings.Trim(strings.TrimPrefix(u.Path, "/"), "/")
	region := strings.TrimSpace(cfg.AWSRegion)
	query := u.Query()
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		region = firstEnv("AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return awsstore.Config{}, fmt.Errorf("aws store requires region (set --aws-region or KEYD_AWS_REGION)")
	}
	insecure := false
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			insecure = ok
		}
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	kmsKey := cfg.AWSKMSKeyID
	if kmsKey == "" {
		kmsKey = cfg.S3KMSKeyID
	}
	if v := query.Get("kms-key-id"); v != "" {
		kmsKey = v
	}
	return awsstore.Config{
		Endpoint:       query.Get("endpoint"),
		Region:         region,
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       insecure,
		ForcePathStyle: forcePath,
		ServerSideEnc:  cfg.S3SSE,
		KMSKeyID:       kmsKey,
	}, nil
}

func resolveGenericS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	sessionToken := cfg.S3SessionToken
	source := "config"
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("KEYD_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("KEYD_S3_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("KEYD_S3_SESSION_TOKEN")
		source = "env:KEYD_S3_ACCESS_KEY_ID"
	}
	summary := CredentialSummary{}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		summary.Source = "chain"
		return nil, summary, nil
	}
	summary.AccessKey = accessKey
	summary.HasSecret = secretKey != ""
	summary.Source = source
	if accessKey == "" || secretKey == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), summary, nil
}

// BuildAzureConfig derives the Azure backend configuration.
func BuildAzureConfig(cfg Config) (azurestore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return azurestore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "azure" {
		return azurestore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if cfg.AzureAccount != "" {
		account = cfg.AzureAccount
	}
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME")
	}
	if account == "" {
		return azurestore.Config{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	container, prefix := splitBucketPath(u.Path)
	if container == "" {
		return azurestore.Config{}, fmt.Errorf("azure store missing container (expected azure://account/container[/prefix])")
	}
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.AzureEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	if endpoint == "" {
		endpoint = fmt.Sprintf(DefaultAzureEndpointPattern, account)
	}
	accountKey := strings.TrimSpace(cfg.AzureAccountKey)
	if accountKey == "" {
		accountKey = firstEnv("KEYD_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if v := strings.TrimSpace(query.Get("sas")); v != "" {
		sas = v
	}
	if sas == "" {
		sas = firstEnv("KEYD_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: accountKey,
		Endpoint:   endpoint,
		SASToken:   sas,
		Container:  container,
		Prefix:     prefix,
	}, nil
}

// BuildDiskConfig parses disk:// URLs into a disk.Config.
func BuildDiskConfig(cfg Config) (disk.Config, string, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return disk.Config{}, "", fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "disk" {
		return disk.Config{}, "", fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	pathPart := strings.TrimSpace(u.Path)
	host := strings.TrimSpace(u.Host)
	if host != "" {
		if pathPart == "" || pathPart == "/" {
			pathPart = "/" + host
		} else {
			pathPart = "/" + host + "/" + strings.TrimPrefix(pathPart, "/")
		}
	}
	if pathPart == "" || pathPart == "/" {
		return disk.Config{}, "", fmt.Errorf("disk store path required (e.g. disk:///var/lib/keyd)")
	}
	root := filepath.Clean(pathPart)
	return disk.Config{Root: root}, root, nil
}

func splitBucketPath(p string) (string, string) {
	p = strings.Trim(strings.TrimPrefix(p, "/"), "/")
	if p == "" {
		return "", ""
	}
	bucket, prefix, _ := strings.Cut(p, "/")
	return strings.TrimSpace(bucket), strings.Trim(prefix, "/")
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}

// redactStoreURL hides credentials embedded in a store URL before logging.
func redactStoreURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable>"
	}
	q := u.Query()
	if q.Has("sas") {
		q.Set("sas", "xxxxx")
		u.RawQuery = q.Encode()
	}
	return u.Redacted()
}
