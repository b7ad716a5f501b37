package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/keyd"
	"pkt.systems/keyd/internal/svcfields"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("KEYD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "keyd")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server itself
// rather than a subcommand. Root failures are logged; subcommand failures are
// printed plainly.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	if len(args) == 0 {
		return true
	}
	lookupLong := func(name string) *pflag.Flag {
		flag := root.Flags().Lookup(name)
		if flag == nil {
			flag = root.PersistentFlags().Lookup(name)
		}
		return flag
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		flag := root.Flags().ShorthandLookup(shorthand)
		if flag == nil {
			flag = root.PersistentFlags().ShorthandLookup(shorthand)
		}
		return flag
	}
	remainingHasSubcommand := func(rest []string) bool {
		for _, tok := range rest {
			if isSubcommandToken(root, tok) {
				return true
			}
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		if arg == "--" {
			return true
		}
		if strings.HasPrefix(arg, "--") {
			if strings.IndexByte(arg, '=') >= 0 {
				i++
				continue
			}
			flag := lookupLong(strings.TrimPrefix(arg, "--"))
			if flag == nil {
				return !remainingHasSubcommand(args[i+1:])
			}
			i++
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
			continue
		}
		if strings.HasPrefix(arg, "-") && arg != "-" {
			sh := strings.TrimPrefix(arg, "-")
			consumeNext := false
			for idx, ch := range sh {
				flag := lookupShort(string(ch))
				if flag == nil {
					return !remainingHasSubcommand(args[i+1:])
				}
				if flag.NoOptDefVal == "" {
					if idx == len(sh)-1 {
						consumeNext = true
					}
					break
				}
			}
			i++
			if consumeNext && i < len(args) {
				i++
			}
			continue
		}
		return !isSubcommandToken(root, arg)
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() {
			return true
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return true
			}
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if candidate, err := keyd.DefaultConfigPath(); err == nil {
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

var rootFlagNames = []string{
	"config", "log-level",
	"listen", "metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint", "disable-http-tracing",
	"store", "key-ttl", "reap-interval", "store-timeout",
	"json-max", "trust-proxy", "cors-origin", "shutdown-timeout", "read-header-timeout",
	"storage-retry-attempts", "storage-retry-base-delay", "storage-retry-max-delay", "storage-retry-multiplier",
	"s3-access-key-id", "s3-secret-access-key", "s3-session-token", "s3-sse", "s3-kms-key-id",
	"aws-region", "aws-kms-key-id",
	"azure-account", "azure-key", "azure-endpoint", "azure-sas-token",
	"redis-prefix",
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "keyd",
		Short:         "keyd issues single-use access keys that clients claim and verify exactly once",
		SilenceErrors: true,
		Example: `
  # In-memory store on the default port (dev only)
  keyd

  # Survive restarts with the disk backend
  keyd --store disk:///var/lib/keyd

  # Postgres (records in keyd_keys / keyd_origins)
  KEYD_STORE=postgres://keyd:secret@db:5432/keyd?sslmode=disable keyd

  # Redis with a custom key prefix
  keyd --store redis://localhost:6379/0 --redis-prefix keys-prod

  # MinIO backend (TLS on by default; append ?insecure=1 for HTTP)
  KEYD_STORE=s3://localhost:9000/keyd?insecure=1 KEYD_S3_ACCESS_KEY_ID=minioadmin KEYD_S3_SECRET_ACCESS_KEY=minioadmin keyd

  # Behind a reverse proxy that sets X-Forwarded-For
  keyd --trust-proxy --listen 127.0.0.1:3000
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			var cfg keyd.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}
			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to keyd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			server, err := keyd.NewServer(cfg, keyd.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			err = server.Start()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.keyd/"+keyd.DefaultConfigFileName+")")
	persistentFlags.String("log-level", "info", "log level (trace|debug|info|warn|error|none)")

	flags := cmd.Flags()
	flags.StringP("listen", "l", keyd.DefaultListen, "listen address (falls back to :$PORT when PORT is set)")
	flags.String("metrics-listen", keyd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", keyd.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Bool("disable-http-tracing", false, "skip otelhttp instrumentation of the HTTP API")
	flags.StringP("store", "s", keyd.DefaultStore, fmt.Sprintf("key store URL (%s)", strings.Join(keyd.SupportedStoreSchemes(), ", ")))
	flags.Duration("key-ttl", keyd.DefaultKeyTTL, "lifetime of an issued key")
	flags.Duration("reap-interval", keyd.DefaultReapInterval, "interval between expired-key sweeps")
	flags.Duration("store-timeout", keyd.DefaultStoreTimeout, "timeout applied to every key store call")
	flags.String("json-max", humanizeBytes(keyd.DefaultJSONMaxBytes), "maximum JSON request body size")
	flags.Bool("trust-proxy", false, "derive the caller origin from X-Forwarded-For")
	flags.String("cors-origin", keyd.DefaultCORSOrigin, "value of Access-Control-Allow-Origin")
	flags.Duration("shutdown-timeout", keyd.DefaultShutdownTimeout, "graceful shutdown timeout")
	flags.Duration("read-header-timeout", keyd.DefaultReadHeaderTimeout, "HTTP read header timeout")
	flags.Int("storage-retry-attempts", keyd.DefaultStorageRetryMaxAttempts, "maximum object storage retry attempts")
	flags.Duration("storage-retry-base-delay", keyd.DefaultStorageRetryBaseDelay, "initial backoff for object storage retries")
	flags.Duration("storage-retry-max-delay", keyd.DefaultStorageRetryMaxDelay, "maximum backoff for object storage retries")
	flags.Float64("storage-retry-multiplier", keyd.DefaultStorageRetryMultiplier, "backoff multiplier for object storage retries")
	flags.String("s3-access-key-id", "", "access key for s3:// stores")
	flags.String("s3-secret-access-key", "", "secret key for s3:// stores")
	flags.String("s3-session-token", "", "session token for s3:// stores")
	flags.String("s3-sse", "", "server-side encryption mode for S3 objects")
	flags.String("s3-kms-key-id", "", "KMS key ID for S3 server-side encryption")
	flags.String("aws-region", "", "AWS region for aws:// stores")
	flags.String("aws-kms-key-id", "", "KMS key ID for aws:// stores")
	flags.String("azure-account", "", "Azure Storage account (overrides the URL host)")
	flags.String("azure-key", "", "Azure Storage account key (or use KEYD_AZURE_ACCOUNT_KEY)")
	flags.String("azure-endpoint", "", "Azure Blob service endpoint (defaults to "+keyd.DefaultAzureEndpointPattern+")")
	flags.String("azure-sas-token", "", "Azure SAS token (alternative to account key)")
	flags.String("redis-prefix", keyd.DefaultRedisPrefix, "key prefix for redis:// stores")

	viper.SetEnvPrefix("KEYD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, name := range rootFlagNames {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	cmd.AddCommand(newVerifyCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig(cfg *keyd.Config) error {
	cfg.Listen = viper.GetString("listen")
	if !viper.IsSet("listen") {
		if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
			cfg.Listen = net.JoinHostPort("", port)
		}
	}
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.DisableHTTPTracing = viper.GetBool("disable-http-tracing")
	cfg.Store = viper.GetString("store")
	cfg.KeyTTL = viper.GetDuration("key-ttl")
	cfg.ReapInterval = viper.GetDuration("reap-interval")
	cfg.StoreTimeout = viper.GetDuration("store-timeout")
	if maxBytes := viper.GetString("json-max"); maxBytes != "" {
		size, err := humanize.ParseBytes(maxBytes)
		if err != nil {
			return fmt.Errorf("parse json-max: %w", err)
		}
		cfg.JSONMaxBytes = int64(size)
	}
	cfg.TrustProxy = viper.GetBool("trust-proxy")
	cfg.CORSOrigin = viper.GetString("cors-origin")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.ReadHeaderTimeout = viper.GetDuration("read-header-timeout")
	cfg.StorageRetryMaxAttempts = viper.GetInt("storage-retry-attempts")
	cfg.StorageRetryBaseDelay = viper.GetDuration("storage-retry-base-delay")
	cfg.StorageRetryMaxDelay = viper.GetDuration("storage-retry-max-delay")
	cfg.StorageRetryMultiplier = viper.GetFloat64("storage-retry-multiplier")
	cfg.S3AccessKeyID = viper.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = viper.GetString("s3-secret-access-key")
	cfg.S3SessionToken = viper.GetString("s3-session-token")
	cfg.S3SSE = viper.GetString("s3-sse")
	cfg.S3KMSKeyID = viper.GetString("s3-kms-key-id")
	cfg.AWSRegion = strings.TrimSpace(viper.GetString("aws-region"))
	cfg.AWSKMSKeyID = strings.TrimSpace(viper.GetString("aws-kms-key-id"))
	if cfg.AWSKMSKeyID == "" {
		cfg.AWSKMSKeyID = strings.TrimSpace(os.Getenv("AWS_KMS_KEY_ID"))
	}
	cfg.AzureAccount = viper.GetString("azure-account")
	cfg.AzureAccountKey = viper.GetString("azure-key")
	cfg.AzureEndpoint = viper.GetString("azure-endpoint")
	cfg.AzureSASToken = viper.GetString("azure-sas-token")
	cfg.RedisPrefix = viper.GetString("redis-prefix")
	return nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
