package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quarryd/quarryd/internal/app"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the quarryd version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "quarryd version %s\n", app.Version)
		},
	}
}
