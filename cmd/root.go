// Package cmd defines and implements the CLI commands for the messager
// executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bupt-messager",
		Short: "A notice ingestion service for the BUPT information portal.",
		Long: `bupt-messager polls the university information portal for new notices.
It authenticates through the web-VPN gateway and the CAS portal, scrapes the
paginated notice feed, persists new notices to Postgres, and periodically
hands unpushed notices to an AMQP delivery edge.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newBroadcastCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
