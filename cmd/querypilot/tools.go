package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Connect to the tool backend and list its tools",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, closer, err := bootstrap(true)
		if err != nil {
			return err
		}
		defer closer.Close()
		defer a.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), a.Config.Tools.StartupTimeout)
		defer cancel()

		if err := a.Session.Open(ctx); err != nil {
			return fmt.Errorf("tool backend connection failed: %w", err)
		}

		out := cmd.OutOrStdout()
		specs := a.Session.ToolSpecs()
		fmt.Fprintf(out, "✓ Connected | %d tools\n\n", len(specs))
		for _, spec := range specs {
			fmt.Fprintf(out, "  • %s\n", spec.Name)
			if spec.Description != "" {
				fmt.Fprintf(out, "    %s\n", truncate(spec.Description, 100))
			}
		}
		return nil
	},
}
