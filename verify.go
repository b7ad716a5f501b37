package keyd

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"pkt.systems/keyd/internal/clock"
	"pkt.systems/keyd/internal/keystore"
	"pkt.systems/keyd/internal/uuidv7"
	"pkt.systems/pslog"
)

// StoreCheckResult summarises a store verification run.
type StoreCheckResult struct {
	Provider    string
	Endpoint    string
	Bucket      string
	Prefix      string
	Path        string
	Insecure    bool
	Credentials CredentialSummary
	Checks      []StoreCheck
}

// Passed reports whether every check succeeded.
func (r StoreCheckResult) Passed() bool {
	for _, check := range r.Checks {
		if check.Err != nil {
			return false
		}
	}
	return true
}

// StoreCheck is the outcome of a single verification step.
type StoreCheck struct {
	Name string
	Err  error
}

const probeAge = time.Hour

// VerifyStore opens the configured store and walks a probe record through
// the full key lifecycle. The probe is backdated so that the final sweep
// removes it without touching records that are still live.
func VerifyStore(ctx context.Context, cfg Config) (StoreCheckResult, error) {
	if err := cfg.Validate(); err != nil {
		return StoreCheckResult{}, err
	}
	result, err := describeStore(cfg)
	if err != nil {
		return result, err
	}
	store, err := openKeyStore(ctx, cfg, clock.Real{}, pslog.NoopLogger())
	result.Checks = append(result.Checks, StoreCheck{Name: "Open", Err: err})
	if err != nil {
		return result, nil
	}
	defer store.Close()

	now := time.Now().UTC()
	probeNow := now.Add(-probeAge)
	probe := keystore.Record{
		Key:       "KEY-verify-" + strings.ReplaceAll(uuidv7.NewString(), "-", ""),
		ExpiresAt: probeNow.Add(time.Minute),
		CreatedAt: probeNow,
	}
	const clientID = "keyd-verify"
	steps := []struct {
		name string
		run  func() error
	}{
		{"Insert", func() error { return store.Insert(ctx, probe, probeNow) }},
		{"Get", func() error {
			rec, err := store.Get(ctx, probe.Key)
			if err != nil {
				return err
			}
			if rec.ExpiresAt.Sub(probe.ExpiresAt).Abs() > time.Millisecond {
				return fmt.Errorf("expiry mismatch: stored %s want %s", rec.ExpiresAt, probe.ExpiresAt)
			}
			return nil
		}},
		{"Bind", func() error { return store.Bind(ctx, probe.Key, clientID, probeNow) }},
		{"BindRejectsSecondClaim", func() error {
			err := store.Bind(ctx, probe.Key, "other", probeNow)
			if errors.Is(err, keystore.ErrAlreadyClaimed) {
				return nil
			}
			return fmt.Errorf("expected already claimed, got %v", err)
		}},
		{"MarkUsed", func() error { return store.MarkUsed(ctx, probe.Key, clientID, probeNow) }},
		{"MarkUsedOnce", func() error {
			if err := store.MarkUsed(ctx, probe.Key, clientID, probeNow); err == nil {
				return errors.New("probe consumed twice")
			}
			return nil
		}},
		{"DeleteExpired", func() error {
			if _, err := store.DeleteExpired(ctx, now); err != nil {
				return err
			}
			if _, err := store.Get(ctx, probe.Key); !errors.Is(err, keystore.ErrNotFound) {
				return fmt.Errorf("probe still present after sweep: %v", err)
			}
			return nil
		}},
	}
	for _, step := range steps {
		err := step.run()
		result.Checks = append(result.Checks, StoreCheck{Name: step.name, Err: err})
		if err != nil {
			break
		}
	}
	return result, nil
}

func describeStore(cfg Config) (StoreCheckResult, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return StoreCheckResult{}, fmt.Errorf("parse store URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "s3":
		s3cfg, creds, err := BuildGenericS3Config(cfg)
		if err != nil {
			return StoreCheckResult{}, err
		}
		return StoreCheckResult{Provider: "s3", Endpoint: s3cfg.Endpoint, Insecure: s3cfg.Insecure, Bucket: s3cfg.Bucket, Prefix: s3cfg.Prefix, Credentials: creds}, nil
	case "aws":
		awscfg, err := BuildAWSConfig(cfg)
		if err != nil {
			return StoreCheckResult{}, err
		}
		return StoreCheckResult{Provider: "aws", Endpoint: awscfg.Endpoint, Bucket: awscfg.Bucket, Prefix: awscfg.Prefix, Credentials: CredentialSummary{Source: "aws-default-chain"}}, nil
	case "azure":
		azcfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return StoreCheckResult{}, err
		}
		source := "account-key"
		if azcfg.SASToken != "" {
			source = "sas"
		}
		return StoreCheckResult{Provider: "azure", Endpoint: azcfg.Endpoint, Bucket: azcfg.Container, Prefix: azcfg.Prefix, Credentials: CredentialSummary{AccessKey: azcfg.Account, HasSecret: azcfg.AccountKey != "" || azcfg.SASToken != "", Source: source}}, nil
	case "disk":
		_, root, err := BuildDiskConfig(cfg)
		if err != nil {
			return StoreCheckResult{}, err
		}
		return StoreCheckResult{Provider: "disk", Path: root}, nil
	case "postgres", "postgresql":
		return StoreCheckResult{Provider: "postgres", Endpoint: u.Host, Path: strings.TrimPrefix(u.Path, "/")}, nil
	case "redis", "rediss":
		return StoreCheckResult{Provider: "redis", Endpoint: u.Host, Insecure: scheme == "redis", Prefix: cfg.RedisPrefix}, nil
	default:
		return StoreCheckResult{Provider: "memory"}, nil
	}
}
