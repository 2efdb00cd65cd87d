// Package cmd wires the quarryd command-line interface.
package cmd

import (
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quarryd",
		Short: "Structured web scraping with automatic dynamic-page handling",
		Long: `quarryd fetches pages, decides whether a plain HTTP fetch is enough or a
headless render is required, extracts structured data with CSS selectors,
and paces itself per domain while honoring robots.txt.

Run it as a long-lived HTTP service (serve), as an MCP tool server for
AI agents (mcp), or as a one-shot batch scraper (scrape).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file path (built-in defaults plus QUARRY_* environment when unset)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newScrapeCmd())
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newMCPCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}
