package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/keyd"
)

func newVerifyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Run diagnostic checks",
	}
	cmd.AddCommand(newVerifyStoreCommand())
	return cmd
}

func newVerifyStoreCommand() *cobra.Command {
	return &cobra.Command{
		Use:          "store",
		Short:        "Verify key store configuration with a throwaway probe key",
		SilenceUsage: true,
		Example: strings.TrimSpace(`
# Verify disk backend
KEYD_STORE=disk:///var/lib/keyd keyd verify store

# Verify Postgres
KEYD_STORE=postgres://keyd:secret@db/keyd?sslmode=disable keyd verify store

# Verify S3-compatible service (MinIO)
KEYD_STORE=s3://localhost:9000/keyd?insecure=1 KEYD_S3_ACCESS_KEY_ID=minio KEYD_S3_SECRET_ACCESS_KEY=minio123 keyd verify store
`),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfigFile(); err != nil {
				return err
			}
			var cfg keyd.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			res, err := keyd.VerifyStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Store: %s\n", cfg.Store)
			fmt.Fprintf(out, "Provider: %s\n", res.Provider)
			if res.Endpoint != "" {
				fmt.Fprintf(out, "Endpoint: %s (insecure:%t)\n", res.Endpoint, res.Insecure)
			}
			if res.Bucket != "" {
				fmt.Fprintf(out, "Bucket/Container: %s\n", res.Bucket)
			}
			if res.Prefix != "" {
				fmt.Fprintf(out, "Prefix: %s\n", res.Prefix)
			}
			if res.Path != "" {
				fmt.Fprintf(out, "Path: %s\n", res.Path)
			}
			if cred := res.Credentials; cred.Source != "" || cred.AccessKey != "" {
				accessKey := cred.AccessKey
				if accessKey == "" {
					accessKey = "(none)"
				}
				fmt.Fprintf(out, "AccessKey: %s (has_secret:%t source:%s)\n", accessKey, cred.HasSecret, cred.Source)
			}
			fmt.Fprintln(out)
			for _, check := range res.Checks {
				if check.Err == nil {
					fmt.Fprintf(out, "✔ %s\n", check.Name)
				} else {
					fmt.Fprintf(out, "✘ %s: %v\n", check.Name, check.Err)
				}
			}
			if res.Passed() {
				fmt.Fprintln(out, "Store verification succeeded.")
				return nil
			}
			return fmt.Errorf("store verification failed")
		},
	}
}
