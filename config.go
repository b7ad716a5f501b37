package keyd

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/keyd/internal/httpapi"
	"pkt.systems/keyd/internal/keys"
)

const (
	// DefaultListen matches the port the service has always used.
	DefaultListen = ":3000"
	// DefaultMetricsListen disables the Prometheus listener.
	DefaultMetricsListen = ""
	// DefaultPprofListen disables the pprof listener.
	DefaultPprofListen = ""
	// DefaultStore keeps records in process memory.
	DefaultStore = "mem://"
	// DefaultKeyTTL is the lifetime of an issued key.
	DefaultKeyTTL = keys.DefaultTTL
	// DefaultReapInterval is the cadence of the expiry sweep.
	DefaultReapInterval = keys.DefaultReapInterval
	// DefaultStoreTimeout bounds every key store call.
	DefaultStoreTimeout = keys.DefaultStoreTimeout
	// DefaultJSONMaxBytes caps request bodies.
	DefaultJSONMaxBytes = httpapi.DefaultJSONMaxBytes
	// DefaultCORSOrigin allows every origin.
	DefaultCORSOrigin = httpapi.DefaultCORSOrigin
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultReadHeaderTimeout bounds reading request headers.
	DefaultReadHeaderTimeout = 10 * time.Second
	// DefaultStorageRetryMaxAttempts bounds retries of transient backend errors.
	DefaultStorageRetryMaxAttempts = 6
	// DefaultStorageRetryBaseDelay is the first backoff step.
	DefaultStorageRetryBaseDelay = 100 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the backoff.
	DefaultStorageRetryMaxDelay = 5 * time.Second
	// DefaultStorageRetryMultiplier grows the backoff between attempts.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultRedisPrefix namespaces Redis keys.
	DefaultRedisPrefix = "keyd"
	// DefaultAzureEndpointPattern builds the blob endpoint from the account.
	DefaultAzureEndpointPattern = "https://%s.blob.core.windows.net"
	// DefaultConfigFileName is looked up inside DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the tunables for a keyd server instance.
type Config struct {
	Listen                 string
	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
	OTLPEndpoint           string
	DisableHTTPTracing     bool

	// Store is a URL selecting the key record store (see package docs).
	Store        string
	KeyTTL       time.Duration
	ReapInterval time.Duration
	StoreTimeout time.Duration

	JSONMaxBytes      int64
	TrustProxy        bool
	CORSOrigin        string
	ShutdownTimeout   time.Duration
	ReadHeaderTimeout time.Duration

	StorageRetryMaxAttempts int
	StorageRetryBaseDelay   time.Duration
	StorageRetryMaxDelay    time.Duration
	StorageRetryMultiplier  float64

	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	S3SSE             string
	S3KMSKeyID        string

	AWSRegion   string
	AWSKMSKeyID string

	AzureAccount    string
	AzureAccountKey string
	AzureEndpoint   string
	AzureSASToken   string

	RedisPrefix string
}

// Validate applies defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = DefaultListen
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	c.Store = strings.TrimSpace(c.Store)
	if c.Store == "" {
		c.Store = DefaultStore
	}
	u, err := url.Parse(c.Store)
	if err != nil {
		return fmt.Errorf("config: parse store URL: %w", err)
	}
	if !supportedStoreScheme(u.Scheme) {
		return fmt.Errorf("config: store scheme %q not supported (options: %s)", u.Scheme, strings.Join(SupportedStoreSchemes(), ", "))
	}
	if c.KeyTTL == 0 {
		c.KeyTTL = DefaultKeyTTL
	} else if c.KeyTTL < 0 {
		return fmt.Errorf("config: key ttl must be > 0")
	}
	if c.ReapInterval == 0 {
		c.ReapInterval = DefaultReapInterval
	} else if c.ReapInterval < 0 {
		return fmt.Errorf("config: reap interval must be > 0")
	}
	if c.StoreTimeout == 0 {
		c.StoreTimeout = DefaultStoreTimeout
	} else if c.StoreTimeout < 0 {
		return fmt.Errorf("config: store timeout must be > 0")
	}
	if c.JSONMaxBytes <= 0 {
		c.JSONMaxBytes = DefaultJSONMaxBytes
	}
	if strings.TrimSpace(c.CORSOrigin) == "" {
		c.CORSOrigin = DefaultCORSOrigin
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMaxDelay < c.StorageRetryBaseDelay {
		return fmt.Errorf("config: storage retry max delay must be >= base delay")
	}
	if c.StorageRetryMultiplier <= 1 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	if strings.TrimSpace(c.RedisPrefix) == "" {
		c.RedisPrefix = DefaultRedisPrefix
	}
	return nil
}

// SupportedStoreSchemes lists the URL schemes accepted by Config.Store.
func SupportedStoreSchemes() []string {
	return []string{"mem", "disk", "s3", "aws", "azure", "postgres", "redis"}
}

func supportedStoreScheme(scheme string) bool {
	switch strings.ToLower(scheme) {
	case "mem", "memory", "disk", "s3", "aws", "azure", "postgres", "postgresql", "redis", "rediss":
		return true
	}
	return false
}

// DefaultConfigDir returns the default configuration directory ($HOME/.keyd).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".keyd"), nil
}

// DefaultConfigPath returns $HOME/.keyd/config.yaml.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFileName), nil
}
