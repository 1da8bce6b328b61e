package gateway

import (
	"context"
	"log/slog"

	"github.com/jcafeitosa/omni-agent/internal/config"
	"github.com/jcafeitosa/omni-agent/internal/hooks"
	"github.com/jcafeitosa/omni-agent/internal/hooks/bundled"
)

// bootstrapHooks discovers HOOK.md definitions from the workspace's hooks/
// directory, ~/.nexus/hooks/, and the binary's embedded bundled hooks, then
// registers the eligible ones on hooks.Global() so multiagent's
// GlobalHookDispatcher (wired into the §4.8 TeamPlan scheduler) and any
// future gateway lifecycle point can trigger them by event key. Discovery
// runs in the background so a slow or unreadable hooks directory never
// delays server startup.
func bootstrapHooks(ctx context.Context, cfg *config.Config, log *slog.Logger) {
	registry := hooks.NewRegistry(log)
	hooks.SetGlobalRegistry(registry)

	go func() {
		sources := hooks.BuildDefaultSources(workspaceRoot(cfg), hooks.DefaultLocalPath(), nil)
		sources = append([]hooks.DiscoverySource{
			hooks.NewEmbeddedSource(bundled.BundledFS(), hooks.SourceBundled, hooks.PriorityBundled),
		}, sources...)

		discovered, err := hooks.DiscoverAll(ctx, sources)
		if err != nil {
			log.Error("hook discovery failed", "error", err)
			return
		}

		eligible := hooks.FilterEligible(discovered, hooks.NewGatingContext(nil))
		log.Info("discovered hooks", "total", len(discovered), "eligible", len(eligible))

		for _, h := range eligible {
			for _, eventKey := range h.Config.Events {
				registry.Register(eventKey, loggingHookHandler(h, log),
					hooks.WithName(h.Config.Name),
					hooks.WithSource(string(h.Source)),
					hooks.WithPriority(h.Config.Priority),
				)
			}
		}
	}()
}

// loggingHookHandler reports when a discovered hook fires. HOOK.md hooks are
// informational in this engine; nothing here executes arbitrary hook scripts.
func loggingHookHandler(h *hooks.HookEntry, log *slog.Logger) hooks.Handler {
	return func(ctx context.Context, event *hooks.Event) error {
		log.Debug("hook triggered",
			"hook", h.Config.Name,
			"event_type", event.Type,
			"event_action", event.Action,
		)
		return nil
	}
}
