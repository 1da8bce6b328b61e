package models

import (
	"context"

	"github.com/jcafeitosa/omni-agent/internal/providers/bedrock"
)

// RegisterBedrockModels discovers foundation models via internal/providers/bedrock
// and registers them into cat. Pricing is left at zero since Bedrock's
// ListFoundationModels API does not report per-token cost; usage.buildBuiltinRateCards
// falls back to matchRate's no-match path for these, so callers that need
// accurate Bedrock cost reporting must supply an explicit RateCard.
func RegisterBedrockModels(ctx context.Context, cat *Catalog, cfg *bedrock.DiscoveryConfig) (int, error) {
	discovered, err := bedrock.DiscoverModels(ctx, cfg)
	if err != nil {
		return 0, err
	}
	for _, m := range discovered {
		caps := []Capability{CapStreaming}
		if m.Reasoning {
			caps = append(caps, CapReasoning)
		}
		for _, in := range m.Input {
			if in == "image" {
				caps = append(caps, CapVision)
			}
		}
		if m.ContextWindow >= 100_000 {
			caps = append(caps, CapLongContext)
		}
		cat.Register(&Model{
			ID:              m.ID,
			Name:            m.Name,
			Provider:        ProviderBedrock,
			Tier:            TierStandard,
			ContextWindow:   m.ContextWindow,
			MaxOutputTokens: m.MaxTokens,
			Capabilities:    caps,
			Deprecated:      m.LifecycleStatus == "LEGACY",
		})
	}
	return len(discovered), nil
}
