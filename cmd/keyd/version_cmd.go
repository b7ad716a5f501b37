package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/keyd/internal/version"
)

func newVersionCommand() *cobra.Command {
	var onlyVersion, semver bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the keyd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if onlyVersion && semver {
				return fmt.Errorf("--version and --semver are mutually exclusive")
			}
			out := cmd.OutOrStdout()
			switch {
			case onlyVersion:
				_, err := fmt.Fprintln(out, version.Current())
				return err
			case semver:
				_, err := fmt.Fprintln(out, version.CurrentSemver())
				return err
			}
			_, err := fmt.Fprintf(out, "%s %s\n", version.Module(), version.Current())
			return err
		},
	}
	cmd.Flags().BoolVar(&onlyVersion, "version", false, "print only the version string")
	cmd.Flags().BoolVar(&semver, "semver", false, "print only the semantic version (no leading v or build metadata)")
	return cmd
}
