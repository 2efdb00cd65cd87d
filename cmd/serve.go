package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quarryd/quarryd/internal/app"
	"github.com/quarryd/quarryd/internal/config"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and job workers",
		Long: `Starts the scraping service: job workers, per-domain admission control,
circuit breakers, and the HTTP API (including /metrics). Runs until
interrupted, then drains in-flight jobs before exiting.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			application, err := app.Build(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			return application.Run(cmd.Context())
		},
	}
}
