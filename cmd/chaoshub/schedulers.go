package main

import (
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aatumaykin/chaoshub/internal/logger"
	"github.com/aatumaykin/chaoshub/internal/scheduler"
	"github.com/aatumaykin/chaoshub/internal/scheduler/builtin"
)

var schedulersCmd = &cobra.Command{
	Use:   "schedulers",
	Short: "List the compiled-in scheduler backends",
	Long: `List every scheduler backend compiled into this binary, whether the
configuration enables it, and the environment prefix of its settings.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var enabled []string
		if cfg, err := loadConfig(); err == nil {
			enabled = cfg.Schedulers.Enabled
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return printSchedulers(cmd, builtin.Factories(builtin.Deps{Logger: logger.Nop()}), enabled)
	},
}

func printSchedulers(cmd *cobra.Command, factories []scheduler.Factory, enabled []string) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tVERSION\tENABLED\tSETTINGS\tDESCRIPTION")
	for _, f := range factories {
		m := f.Metadata
		fmt.Fprintf(w, "%s\t%s\t%t\t%s*\t%s\n",
			m.Name, m.Version, slices.Contains(enabled, m.Name), m.SettingsPrefix, m.Description)
	}
	return w.Flush()
}
