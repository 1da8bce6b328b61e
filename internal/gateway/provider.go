package gateway

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jcafeitosa/omni-agent/internal/agent"
	"github.com/jcafeitosa/omni-agent/internal/agent/providers"
	"github.com/jcafeitosa/omni-agent/internal/auth"
	"github.com/jcafeitosa/omni-agent/internal/config"
	modelcatalog "github.com/jcafeitosa/omni-agent/internal/models"
	"github.com/jcafeitosa/omni-agent/internal/providers/bedrock"
)

// resolveAPIKey returns staticKey when set. Otherwise it consults the
// auth.ProfileStore persisted alongside the event log for a rotation-eligible
// credential for the named provider, marking the chosen profile as used so
// repeated failures push later calls onto a different profile once one is
// configured. Operators who configure cfg.LLM.Providers[name].APIKey directly
// never touch the profile store; it only matters for multi-account rotation.
func resolveAPIKey(cfg *config.Config, name, staticKey string) string {
	if strings.TrimSpace(staticKey) != "" {
		return staticKey
	}
	stateDir := filepath.Dir(EventLogPath(cfg))
	store, err := auth.LoadProfileStore(stateDir)
	if err != nil {
		return staticKey
	}
	cred, profileID, err := store.GetCredential(name)
	if err != nil {
		return staticKey
	}
	store.MarkSuccess(profileID)
	_ = auth.SaveProfileStore(store, stateDir)

	switch cred.Type {
	case auth.CredentialAPIKey:
		return cred.Key
	case auth.CredentialToken:
		return cred.Token
	case auth.CredentialOAuth:
		return cred.Access
	default:
		return staticKey
	}
}

// buildSingleProvider constructs the named LLMProvider from cfg.LLM.Providers,
// mirroring the provider registry the teacher's gateway built per channel but
// scoped to one provider at a time.
func buildSingleProvider(cfg *config.Config, name string) (agent.LLMProvider, error) {
	providerCfg := cfg.LLM.Providers[name]
	apiKey := resolveAPIKey(cfg, name, providerCfg.APIKey)

	switch name {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       apiKey,
			BaseURL:      providerCfg.BaseURL,
			DefaultModel: providerCfg.DefaultModel,
		})
	case "openai":
		return providers.NewOpenAIProvider(apiKey), nil
	case "ollama":
		return providers.NewOllamaProvider(providers.OllamaConfig{
			BaseURL:      providerCfg.BaseURL,
			DefaultModel: providerCfg.DefaultModel,
		}), nil
	default:
		return nil, fmt.Errorf("gateway: unknown llm provider %q", name)
	}
}

// buildProvider constructs the LLMProvider the runtime drives turns against.
// When cfg.LLM.FallbackChain names additional providers, they are wrapped
// behind an agent.FailoverOrchestrator (§4.11/C3) so a struggling default
// provider trips its circuit breaker and traffic moves to the next provider
// in the chain instead of failing the turn outright.
func buildProvider(cfg *config.Config) (agent.LLMProvider, error) {
	name := cfg.LLM.DefaultProvider
	if name == "" {
		name = "anthropic"
	}

	primary, err := buildSingleProvider(cfg, name)
	if err != nil {
		return nil, err
	}
	if len(cfg.LLM.FallbackChain) == 0 {
		return primary, nil
	}

	orchestrator := agent.NewFailoverOrchestrator(primary, agent.DefaultFailoverConfig())
	for _, fallbackName := range cfg.LLM.FallbackChain {
		if fallbackName == name {
			continue
		}
		fallback, err := buildSingleProvider(cfg, fallbackName)
		if err != nil {
			return nil, fmt.Errorf("gateway: build fallback provider %q: %w", fallbackName, err)
		}
		orchestrator.AddProvider(fallback)
	}
	return orchestrator, nil
}

// registerBedrockModels discovers AWS Bedrock foundation models and adds
// them to internal/models.DefaultCatalog so they show up alongside the
// built-in catalog for capability lookups and (best-effort, zero-rate) cost
// reporting.
func registerBedrockModels(ctx context.Context, cfg config.BedrockConfig) (int, error) {
	refresh, err := time.ParseDuration(cfg.RefreshInterval)
	if err != nil || refresh <= 0 {
		refresh = time.Hour
	}
	return modelcatalog.RegisterBedrockModels(ctx, modelcatalog.DefaultCatalog, &bedrock.DiscoveryConfig{
		Region:               cfg.Region,
		RefreshInterval:      refresh,
		ProviderFilter:       cfg.ProviderFilter,
		DefaultContextWindow: cfg.DefaultContextWindow,
		DefaultMaxTokens:     cfg.DefaultMaxTokens,
	})
}
