package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/fabian4/edgeproxy/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "edgeproxy %s\n", version.String())
		fmt.Fprintf(cmd.OutOrStdout(), "Go Version: %s\n", runtime.Version())
		fmt.Fprintf(cmd.OutOrStdout(), "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
