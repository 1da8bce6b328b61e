package main

import (
	"github.com/jcafeitosa/omni-agent/internal/profile"
	"github.com/spf13/cobra"
)

// =============================================================================
// Usage Command
// =============================================================================

// buildUsageCmd creates the "usage" command, which queries each configured
// provider's own billing API directly rather than deriving cost from the
// event log the way "costs" does.
func buildUsageCmd() *cobra.Command {
	var (
		configPath string
		format     string
	)
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Fetch live usage and billing data from configured providers",
		Long: `Query each configured LLM provider's usage/billing API directly for the
current billing period, independent of what this engine has itself logged.`,
		Example: `  # Print usage for every provider with an API key configured
  nexus usage

  # Usage as JSON
  nexus usage --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runUsage(cmd, configPath, format)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", profile.DefaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format (text, json)")
	return cmd
}
