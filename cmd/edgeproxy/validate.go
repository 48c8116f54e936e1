package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fabian4/edgeproxy/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the config file",
	Long: `Load and validate the config file without starting the proxy.

Examples:
  edgeproxy validate -c config.yaml`,
	Args: cobra.NoArgs,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, _ []string) error {
	c, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: ok\n", cfgFile)
	fmt.Fprintf(out, "  listen:  %s\n", c.Listen)
	fmt.Fprintf(out, "  routes:  %d\n", len(c.Routes))
	fmt.Fprintf(out, "  store:   %s\n", c.Store.Type)
	if c.Admin.Listen != "" {
		fmt.Fprintf(out, "  admin:   %s\n", c.Admin.Listen)
	}
	return nil
}
