// Command tidepool runs the ingestion performance layer: the shared cache,
// connection pools, batch executor, metrics, alerting, and the dashboard
// HTTP server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/oceanward/tidepool/internal/httpapi"
	"github.com/oceanward/tidepool/pkg/config"
	"github.com/oceanward/tidepool/pkg/logger"
	"github.com/oceanward/tidepool/pkg/runtime"
	"github.com/oceanward/tidepool/pkg/telemetry"
)

var version = "dev"

var configPath string

func main() {
	// Best effort: a missing .env is not an error.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:          "tidepool",
		Short:        "Adaptive ingestion performance and resilience layer",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	root.AddCommand(serveCmd(), checkConfigCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the performance layer and dashboard server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if err := logger.Init(logger.Config{
				Level:       cfg.Logging.Level,
				Encoding:    cfg.Logging.Encoding,
				Development: cfg.Logging.Development,
			}); err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			log := logger.Get()
			defer func() { _ = logger.Sync() }()

			shutdownTracing, err := telemetry.Init(cfg.Telemetry, "tidepool", version, log)
			if err != nil {
				return err
			}

			rt, err := runtime.New(cfg, log)
			if err != nil {
				return err
			}
			rt.Start()

			server := httpapi.New(cfg.Server, rt, log)

			errCh := make(chan error, 1)
			go func() { errCh <- server.ListenAndServe() }()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				logger.Info("shutting down", zap.String("signal", sig.String()))
			case err := <-errCh:
				if err != nil {
					logger.Error("http server failed", zap.Error(err))
				}
			}

			ctx := context.Background()
			if err := server.Shutdown(ctx); err != nil {
				logger.Warn("http shutdown incomplete", zap.Error(err))
			}
			rt.Close()
			if err := shutdownTracing(ctx); err != nil {
				logger.Warn("tracing shutdown incomplete", zap.Error(err))
			}
			return nil
		},
	}
}

func checkConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration OK")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tidepool %s\n", version)
		},
	}
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}
