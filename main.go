package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"relay-service/internal/config"
	"relay-service/internal/observability"
)

var configName string

var rootCmd = &cobra.Command{
	Use:           "relay-service",
	Short:         "Real-time presence and message relay",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configName, "config", "relay", "config file name, without extension, looked up in the working directory")
}

// loadConfig reads the configuration and builds the process logger from it.
func loadConfig() (*config.Config, *slog.Logger, error) {
	bootstrap := observability.NewLogger("info", os.Stderr)
	cfg, err := config.Load(bootstrap, configName)
	if err != nil {
		return nil, bootstrap, err
	}
	logger := observability.NewLogger(cfg.Log.Level, os.Stdout).With(slog.String("service", cfg.Tracing.ServiceName))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
