package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/quarryd/quarryd/internal/app"
	"github.com/quarryd/quarryd/internal/config"
	"github.com/quarryd/quarryd/internal/extractor"
	"github.com/quarryd/quarryd/internal/mcpserver"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Run the Model Context Protocol server over stdio",
		Long: `Exposes scraping to AI agents as MCP tools: scrape_url, scrape_batch,
validate_selectors, and get_job_status, plus config and job-status
resources. The protocol runs over stdin/stdout; logs go to stderr.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			application, err := app.Build(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			manager := application.Manager()
			manager.Start()
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = manager.Stop(ctx)
				_ = application.Close(ctx)
			}()

			srv := mcpserver.New(
				mcpserver.Config{Version: app.Version},
				manager,
				application.Pipeline(),
				extractor.New(),
				cfg.Sanitized(),
				application.Logger(),
			)
			return srv.Serve()
		},
	}
}
