package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aatumaykin/chaoshub/internal/app"
	"github.com/aatumaykin/chaoshub/internal/logger"
	"github.com/aatumaykin/chaoshub/internal/scheduler"
)

var (
	serveLogLevel string
	serveAddr     string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scheduling service",
	Long: `Start the scheduling service: open the schedule database, register the
enabled scheduler backends and serve the HTTP API until SIGINT or SIGTERM.
Running jobs are terminated on shutdown.`,
	RunE: serveHandler,
}

func init() {
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "", "override logging.level")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "override server.addr")
}

func serveHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveLogLevel != "" {
		cfg.Logging.Level = serveLogLevel
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "Configuration validation failed:")
		for _, e := range errs {
			fmt.Fprintf(cmd.ErrOrStderr(), "  - %v\n", e)
		}
		return fmt.Errorf("invalid configuration")
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetDefault(log)

	log.Info("starting chaoshub scheduler",
		logger.Field{Key: "version", Value: Version},
		logger.Field{Key: "git_commit", Value: GitCommit},
		logger.Field{Key: "config", Value: configPath},
		logger.Field{Key: "addr", Value: cfg.Server.Addr},
		logger.Field{Key: "schedulers", Value: cfg.Schedulers.Enabled})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.New(cfg, log).Run(ctx); err != nil {
		log.Error("scheduler stopped with error", err)
		return runError(err)
	}
	return nil
}

// runError points scheduler configuration problems at the config section
// that caused them.
func runError(err error) error {
	if scheduler.IsConfigurationError(err) {
		return fmt.Errorf("%w (check [schedulers] in %s)", err, configPath)
	}
	return err
}
