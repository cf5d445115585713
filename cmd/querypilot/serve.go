package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var noWarmup bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, logger, closer, err := bootstrap(false)
		if err != nil {
			return err
		}
		defer closer.Close()
		defer a.Close()

		if !noWarmup {
			go func() {
				warmCtx, cancel := context.WithTimeout(ctx, a.Config.Tools.StartupTimeout)
				defer cancel()
				if err := a.Warmup(warmCtx); err != nil {
					logger.Warn().Err(err).Msg("Agent warmup failed, retrying on first query")
				}
			}()
		}

		logger.Info().
			Str("version", version).
			Str("environment", a.Config.App.Environment).
			Msg("Starting querypilot")

		return a.Server().Serve(ctx, a.Config.API.Addr(), a.Config.API.ShutdownTimeout)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&noWarmup, "no-warmup", false, "build the agent on the first query instead of at startup")
}
