package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Cobra commands are typically global
var (
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "leadsync",
		Short: "Bilprospekt prospect sync and registry enrichment",
		Long: `leadsync keeps the local prospect tables in step with the Bilprospekt API and
enriches classified listings with vehicle registry data.

Sync work is driven one step at a time: each "tick" (or each call to the HTTP
sync endpoint) either processes one pending segment, waits for an in-flight one,
or plans a new run when the upstream dataset has changed.`,
		SilenceUsage: true,
	}
)

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "config file (YAML); LEADSYNC_* env vars override it")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tickCmd)
	rootCmd.AddCommand(enrichCmd)
}
