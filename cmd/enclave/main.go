// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// enclave is a local-first retrieval service with an auditable boundary
// between local documents and remote model providers.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jeranaias/enclave/internal/config"
)

// Version information (set at build time).
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

var (
	flagConfig   string
	flagLogLevel string
)

func main() {
	// A missing .env is fine; environment overrides are optional.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "enclave",
		Short: "Local-first retrieval with an audited provider boundary",
		Long: `enclave indexes local documents and answers questions against them,
routing inference to local or remote providers under a policy-enforced
operating mode. Every completed run is recorded in a tamper-evident
audit ledger.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "config file path (default ~/.enclave/config.toml)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(
		newServeCmd(),
		newIndexCmd(),
		newQueryCmd(),
		newRunsCmd(),
		newRunCmd(),
		newStatsCmd(),
		newCleanupCmd(),
		newVerifyCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration with CLI flag overrides applied.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
	}
	return cfg, nil
}

// newLogger builds the process logger from config.
func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	writer := zerolog.New(os.Stderr)
	if cfg.Log.Pretty {
		writer = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	return writer.Level(level).With().Timestamp().Logger()
}
