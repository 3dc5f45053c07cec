package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aatumaykin/chaoshub/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.String())
	},
}
