package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"meshqueue/internal/config"
	"meshqueue/internal/logging"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFlag string
	var envFile string

	cmd := &cobra.Command{
		Use:           "meshqueued",
		Short:         "meshqueue daemon: HTTP front door and worker pool",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadEnv(envFile); err != nil {
				return err
			}
			return run(cmd.Context(), configFlag)
		},
	}
	cmd.Flags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	cmd.Flags().StringVar(&envFile, "env-file", "", "Load environment overrides (tokens, S3 keys) from this file")
	return cmd
}

// loadEnv reads an explicit env file, or ./.env when present. Variables
// already set in the environment win.
func loadEnv(path string) error {
	if path = strings.TrimSpace(path); path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
		return nil
	}
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load()
	}
	return nil
}

func run(parent context.Context, configPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, _, _, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logger, err := logging.NewFromConfig(cfg, "meshqueued")
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	rt, err := bootstrap(ctx, cfg, logger)
	if err != nil {
		logging.ErrorWithContext(logger, "bootstrap failed", "bootstrap_failed", logging.Error(err))
		return err
	}
	defer rt.Close()

	if err := rt.daemon.Start(ctx); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	<-ctx.Done()
	logger.Info("meshqueued shutting down")
	rt.daemon.Stop()
	return nil
}
