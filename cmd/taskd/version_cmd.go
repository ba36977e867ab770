package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/taskd/internal/version"
)

func newVersionCommand() *cobra.Command {
	var onlyVersion, onlySemver bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the taskd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			var err error
			switch {
			case onlyVersion:
				_, err = fmt.Fprintln(out, version.Current())
			case onlySemver:
				_, err = fmt.Fprintln(out, version.Semver())
			default:
				_, err = fmt.Fprintf(out, "%s %s\n", version.Module(), version.Current())
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&onlyVersion, "version", false, "print only the version")
	cmd.Flags().BoolVar(&onlySemver, "semver", false, "print only the semantic version without build suffixes")
	cmd.MarkFlagsMutuallyExclusive("version", "semver")
	return cmd
}
