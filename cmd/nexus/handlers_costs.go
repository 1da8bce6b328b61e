package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/jcafeitosa/omni-agent/internal/config"
	"github.com/jcafeitosa/omni-agent/internal/eventlog"
	"github.com/jcafeitosa/omni-agent/internal/gateway"
	"github.com/jcafeitosa/omni-agent/internal/usage"
	"github.com/spf13/cobra"
)

// =============================================================================
// Costs Command Handler
// =============================================================================

// runCosts loads the event log named by cfg, summarizes turn costs, and
// either prints or exports the result.
func runCosts(cmd *cobra.Command, configPath string, format string, includeFailed bool, outputPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := eventlog.Open(gateway.EventLogPath(cfg))
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer store.Shutdown()

	events, err := store.ReadAll()
	if err != nil {
		return fmt.Errorf("failed to read event log: %w", err)
	}

	summary := usage.SummarizeTurnCosts(events, usage.SummarizeOptions{IncludeFailedTurns: includeFailed})

	if outputPath != "" {
		exportFormat := usage.ExportFormat(format)
		if format == "text" {
			exportFormat = usage.ExportFormat("json")
		}
		if err := usage.ExportCostSummary(summary, outputPath, exportFormat); err != nil {
			return fmt.Errorf("failed to export cost summary: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cost summary written to %s\n", outputPath)
		return nil
	}

	out := cmd.OutOrStdout()
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	default:
		fmt.Fprintf(out, "Turns: %d\n", len(summary.Turns))
		fmt.Fprintf(out, "Total cost: $%.4f\n", summary.TotalCostUsd)
		if len(summary.ByProvider) > 0 {
			fmt.Fprintln(out, "By provider:")
			for _, provider := range sortedKeys(summary.ByProvider) {
				cost := summary.ByProvider[provider]
				share := 0.0
				if summary.TotalCostUsd > 0 {
					share = cost / summary.TotalCostUsd * 100
				}
				fmt.Fprintf(out, "  - %s: $%.4f (%s)\n", provider, cost, usage.FormatPercentage(share))
			}
		}
		if len(summary.ByModel) > 0 {
			fmt.Fprintln(out, "By model:")
			for _, model := range sortedKeys(summary.ByModel) {
				fmt.Fprintf(out, "  - %s: $%.4f\n", model, summary.ByModel[model])
			}
		}
		return nil
	}
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
