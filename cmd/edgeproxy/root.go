package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fabian4/edgeproxy/internal/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "edgeproxy",
	Short: "Edge reverse proxy",
	Long: `edgeproxy routes requests by path prefix to backend targets and applies
blocklists, bot checks, rate limits, size limits, origin checks, authentication,
response caching, request deduplication and circuit breaking on the way.`,
	Version:       version.String(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "./cmd/edgeproxy/config.yaml", "path to YAML config")
}
