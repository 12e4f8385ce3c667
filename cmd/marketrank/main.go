package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sawpanic/marketrank/internal/config"
)

const (
	appName = "marketrank"
	version = "v0.4.0"
)

var (
	configPath string
	logLevel   string
	logJSON    bool
	cfg        config.Config
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     appName,
		Short:   "Ranked market views over a live quote universe",
		Version: version,
		Long: `marketrank ingests quotes for a ticker universe into Redis rank sets
partitioned by trading date and session, and serves ranked views,
health and dead-letter management over HTTP.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if logJSON {
				cfg.Log.JSON = true
			}
			return setupLogging(cfg.Log)
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("MARKETRANK_CONFIG"), "Path to YAML config")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug|info|warn|error)")
	root.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Emit JSON logs even on a terminal")

	root.AddCommand(
		newServeCmd(),
		newIngestCmd(),
		newDLQCmd(),
		newLockCmd(),
		newHealthCmd(),
		newFreshnessCmd(),
		newSnapshotCmd(),
		newMaintenanceCmd(),
	)
	return root
}

func setupLogging(lc config.LogConfig) error {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(strings.ToLower(lc.Level))
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)

	if lc.JSON || !term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Str("app", appName).Logger()
		return nil
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	return nil
}
