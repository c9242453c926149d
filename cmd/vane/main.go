// Command vane runs and operates the marketvane pipeline. serve hosts the
// long-running service (HTTP API, websocket events, queue workers, schedule
// poller); run executes one pipeline in the foreground; resume, cancel and
// status drive a running instance over its API; queue inspects and revives
// background jobs.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"marketvane/internal/config"
)

var (
	configPath string
	verbose    bool
	serverURL  string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "vane",
	Short: "marketvane - competitive search intelligence pipeline",
	Long: `marketvane collects SERP results in provider batches, enriches the
companies and channels behind them, scrapes and analyzes the content with
an AI backend, and condenses everything into per-company DSI rankings.

serve runs the full service. run executes a single pipeline and waits for
it. resume, cancel and status talk to a running serve instance; queue
operates directly on the shared database.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A .env in the working directory feeds the provider API keys.
		_ = godotenv.Load()

		zcfg := zap.NewProductionConfig()
		zcfg.Encoding = "console"
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// loadConfig reads the YAML config, applies env overrides and validates.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	return cfg, nil
}

func defaultServerURL() string {
	if v := os.Getenv("MARKETVANE_SERVER"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "marketvane.yaml", "Path to the YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServerURL(), "Base URL of a running serve instance (or MARKETVANE_SERVER)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(queueCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
