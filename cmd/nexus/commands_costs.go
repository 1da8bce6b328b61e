package main

import (
	"github.com/jcafeitosa/omni-agent/internal/profile"
	"github.com/spf13/cobra"
)

// =============================================================================
// Costs Command
// =============================================================================

// buildCostsCmd creates the "costs" command for cost/transcript analytics
// over the event log (§4.10, C12).
func buildCostsCmd() *cobra.Command {
	var (
		configPath    string
		format        string
		includeFailed bool
		outputPath    string
	)
	cmd := &cobra.Command{
		Use:   "costs",
		Short: "Summarize turn costs from the event log",
		Long: `Read the JSONL event log and aggregate turn_completed entries into a
cost summary grouped by provider and model, with an overall total.`,
		Example: `  # Print a cost summary to stdout
  nexus costs

  # Export the summary as CSV
  nexus costs --format csv --output costs.csv`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runCosts(cmd, configPath, format, includeFailed, outputPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", profile.DefaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format (text, json, csv)")
	cmd.Flags().BoolVar(&includeFailed, "include-failed", false, "Include non-success turns in the summary")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Write the summary to a file instead of stdout (required for csv)")
	return cmd
}
