package main

import (
	"github.com/spf13/cobra"
)

const (
	defaultConfigPath = "./config.toml"
	defaultEnvFile    = "./.env"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "chaoshub",
	Short: "chaoshub experiment scheduler",
	Long: `chaoshub schedules Chaos Toolkit experiment runs on pluggable backends:
a local child process, a crontab entry or a docker container.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to the TOML configuration file")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(schedulersCmd)
}
