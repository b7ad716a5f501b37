package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/keyd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage keyd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.keyd/" + keyd.DefaultConfigFileName
	if p, err := keyd.DefaultConfigPath(); err == nil {
		defaultOutput = p
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default keyd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				p, err := keyd.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config path: %w", err)
				}
				outPath = p
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Listen                  string  `yaml:"listen"`
	MetricsListen           string  `yaml:"metrics-listen"`
	PprofListen             string  `yaml:"pprof-listen"`
	EnableProfilingMetrics  bool    `yaml:"enable-profiling-metrics"`
	OTLPEndpoint            string  `yaml:"otlp-endpoint"`
	DisableHTTPTracing      bool    `yaml:"disable-http-tracing"`
	Store                   string  `yaml:"store"`
	KeyTTL                  string  `yaml:"key-ttl"`
	ReapInterval            string  `yaml:"reap-interval"`
	StoreTimeout            string  `yaml:"store-timeout"`
	JSONMax                 string  `yaml:"json-max"`
	TrustProxy              bool    `yaml:"trust-proxy"`
	CORSOrigin              string  `yaml:"cors-origin"`
	ShutdownTimeout         string  `yaml:"shutdown-timeout"`
	ReadHeaderTimeout       string  `yaml:"read-header-timeout"`
	StorageRetryMaxAttempts int     `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay   string  `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay    string  `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier  float64 `yaml:"storage-retry-multiplier"`
	S3SSE                   string  `yaml:"s3-sse"`
	S3KMSKeyID              string  `yaml:"s3-kms-key-id"`
	AWSRegion               string  `yaml:"aws-region"`
	AWSKMSKeyID             string  `yaml:"aws-kms-key-id"`
	AzureEndpoint           string  `yaml:"azure-endpoint"`
	RedisPrefix             string  `yaml:"redis-prefix"`
	LogLevel                string  `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:                  keyd.DefaultListen,
		MetricsListen:           keyd.DefaultMetricsListen,
		PprofListen:             keyd.DefaultPprofListen,
		Store:                   keyd.DefaultStore,
		KeyTTL:                  keyd.DefaultKeyTTL.String(),
		ReapInterval:            keyd.DefaultReapInterval.String(),
		StoreTimeout:            keyd.DefaultStoreTimeout.String(),
		JSONMax:                 humanizeBytes(keyd.DefaultJSONMaxBytes),
		CORSOrigin:              keyd.DefaultCORSOrigin,
		ShutdownTimeout:         keyd.DefaultShutdownTimeout.String(),
		ReadHeaderTimeout:       keyd.DefaultReadHeaderTimeout.String(),
		StorageRetryMaxAttempts: keyd.DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:   keyd.DefaultStorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:    keyd.DefaultStorageRetryMaxDelay.String(),
		StorageRetryMultiplier:  keyd.DefaultStorageRetryMultiplier,
		RedisPrefix:             keyd.DefaultRedisPrefix,
		LogLevel:                "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
