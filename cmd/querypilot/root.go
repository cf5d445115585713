package main

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/quantumflow/querypilot/internal/app"
	"github.com/quantumflow/querypilot/internal/config"
	"github.com/quantumflow/querypilot/internal/logging"
)

const version = "1.0.0"

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "querypilot",
	Short: "Natural-language query agent over a tool backend",
	Long: `querypilot answers natural-language questions about a document database by
driving a tool-calling model against an MCP tool backend. It serves an HTTP API
and offers an interactive terminal chat.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./querypilot.yaml or $HOME/.querypilot/querypilot.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)

	rootCmd.AddCommand(serveCmd, chatCmd, toolsCmd, versionCmd)
}

// bootstrap loads configuration and builds the application.
// The returned closer flushes the log file after the app is closed.
func bootstrap(quiet bool) (*app.App, zerolog.Logger, io.Closer, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, zerolog.Nop(), nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if quiet && logLevel == "" {
		// keep the terminal for the conversation
		cfg.Logging.Level = "warn"
	}

	logger, closer, err := logging.New(&cfg.Logging)
	if err != nil {
		return nil, zerolog.Nop(), nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	cfg.App.Version = version

	a, err := app.New(cfg, logger)
	if err != nil {
		closer.Close()
		return nil, zerolog.Nop(), nil, err
	}
	return a, logger, closer, nil
}
