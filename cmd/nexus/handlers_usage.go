package main

import (
	"encoding/json"
	"fmt"

	"github.com/jcafeitosa/omni-agent/internal/config"
	"github.com/jcafeitosa/omni-agent/internal/usage"
	"github.com/spf13/cobra"
)

// runUsage builds a usage.UsageFetcherRegistry from cfg.LLM.Providers and
// prints each configured provider's live billing data. Providers without an
// API key are skipped rather than reported as errors.
func runUsage(cmd *cobra.Command, configPath string, format string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	registry := usage.NewUsageFetcherRegistry()
	for name, providerCfg := range cfg.LLM.Providers {
		apiKey := providerCfg.APIKey
		if apiKey == "" {
			continue
		}
		switch name {
		case "anthropic":
			registry.Register(&usage.AnthropicUsageFetcher{APIKey: apiKey})
		case "openai":
			registry.Register(&usage.OpenAIUsageFetcher{APIKey: apiKey})
		case "gemini":
			registry.Register(&usage.GeminiUsageFetcher{APIKey: apiKey})
		}
	}

	results := registry.FetchAll(cmd.Context())

	out := cmd.OutOrStdout()
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	if len(results) == 0 {
		fmt.Fprintln(out, "No providers with usage fetchers configured")
		return nil
	}
	for _, u := range results {
		fmt.Fprint(out, usage.FormatProviderUsage(u))
	}
	return nil
}
