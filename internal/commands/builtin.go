package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jcafeitosa/omni-agent/internal/eventlog"
	"github.com/jcafeitosa/omni-agent/internal/usage"
)

// RegisterBuiltins registers the C7 slash-command set named by the
// specification: /help, /cost, /compact, /clear, /agents, /skills, /index,
// /security-review.
func RegisterBuiltins(r *Registry, eventLogPath string) {
	mustRegister := func(cmd *Command) {
		if err := r.Register(cmd); err != nil {
			panic(fmt.Sprintf("failed to register builtin command %q: %v", cmd.Name, err))
		}
	}

	mustRegister(&Command{
		Name:        "help",
		Aliases:     []string{"h", "?"},
		Description: "Show available commands",
		Usage:       "/help [command]",
		AcceptsArgs: true,
		Category:    "system",
		Source:      "builtin",
		Handler:     helpHandler(r),
	})

	mustRegister(&Command{
		Name:        "cost",
		Description: "Summarize turn costs from the event log",
		Category:    "observability",
		Source:      "builtin",
		Handler:     costHandler(eventLogPath),
	})

	mustRegister(&Command{
		Name:        "compact",
		Aliases:     []string{"summarize"},
		Description: "Summarize and compact the conversation history",
		Category:    "session",
		Source:      "builtin",
		Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			return &Result{
				Text: "Compacting conversation...",
				Data: map[string]any{"action": "compact"},
			}, nil
		},
	})

	mustRegister(&Command{
		Name:        "clear",
		Aliases:     []string{"new", "reset"},
		Description: "Start a new conversation, discarding history",
		Category:    "session",
		Source:      "builtin",
		Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			return &Result{
				Text: "Starting a new conversation...",
				Data: map[string]any{"action": "clear"},
			}, nil
		},
	})

	mustRegister(&Command{
		Name:        "agents",
		Description: "List the team roster for the active plan",
		Category:    "orchestration",
		Source:      "builtin",
		Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			return &Result{
				Text: "Requesting team roster...",
				Data: map[string]any{"action": "list_agents"},
			}, nil
		},
	})

	mustRegister(&Command{
		Name:        "skills",
		Description: "List installed skills",
		Category:    "config",
		Source:      "builtin",
		Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			return &Result{
				Text: "Requesting installed skills...",
				Data: map[string]any{"action": "list_skills"},
			}, nil
		},
	})

	mustRegister(&Command{
		Name:        "index",
		Description: "Rebuild the workspace index",
		Category:    "workspace",
		Source:      "builtin",
		Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			return &Result{
				Text: "Rebuilding workspace index...",
				Data: map[string]any{"action": "reindex"},
			}, nil
		},
	})

	mustRegister(&Command{
		Name:        "security-review",
		Aliases:     []string{"review"},
		Description: "Run a security review of recent changes",
		Usage:       "/security-review [path]",
		AcceptsArgs: true,
		Category:    "workspace",
		Source:      "builtin",
		Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			data := map[string]any{"action": "security_review"}
			if path := strings.TrimSpace(inv.Args); path != "" {
				data["path"] = path
			}
			return &Result{
				Text: "Starting security review...",
				Data: data,
			}, nil
		},
	})
}

func costHandler(eventLogPath string) CommandHandler {
	return func(ctx context.Context, inv *Invocation) (*Result, error) {
		store, err := eventlog.Open(eventLogPath)
		if err != nil {
			return &Result{Error: fmt.Sprintf("failed to open event log: %v", err)}, nil
		}
		defer store.Shutdown()

		events, err := store.ReadAll()
		if err != nil {
			return &Result{Error: fmt.Sprintf("failed to read event log: %v", err)}, nil
		}

		summary := usage.SummarizeTurnCosts(events, usage.SummarizeOptions{})

		var sb strings.Builder
		sb.WriteString(fmt.Sprintf("**Turns:** %d\n", len(summary.Turns)))
		sb.WriteString(fmt.Sprintf("**Total cost:** $%.4f\n", summary.TotalCostUsd))
		if len(summary.ByProvider) > 0 {
			sb.WriteString("\n**By provider:**\n")
			for _, provider := range sortedCostKeys(summary.ByProvider) {
				sb.WriteString(fmt.Sprintf("  - %s: $%.4f\n", provider, summary.ByProvider[provider]))
			}
		}

		return &Result{
			Text:     sb.String(),
			Markdown: true,
			Data: map[string]any{
				"totalCostUsd": summary.TotalCostUsd,
				"turns":        len(summary.Turns),
			},
		}, nil
	}
}

func sortedCostKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func helpHandler(r *Registry) CommandHandler {
	return func(ctx context.Context, inv *Invocation) (*Result, error) {
		if inv.Args != "" {
			cmdName := strings.ToLower(strings.TrimSpace(inv.Args))
			cmdName = strings.TrimPrefix(cmdName, "/")

			cmd, exists := r.Get(cmdName)
			if !exists {
				return &Result{
					Text: fmt.Sprintf("Unknown command: %s\n\nUse /help to see available commands.", cmdName),
				}, nil
			}

			var sb strings.Builder
			sb.WriteString(fmt.Sprintf("**/%s**\n", cmd.Name))
			if cmd.Description != "" {
				sb.WriteString(fmt.Sprintf("%s\n", cmd.Description))
			}
			if cmd.Usage != "" {
				sb.WriteString(fmt.Sprintf("\nUsage: `%s`\n", cmd.Usage))
			}
			if len(cmd.Aliases) > 0 {
				aliases := make([]string, len(cmd.Aliases))
				for i, a := range cmd.Aliases {
					aliases[i] = "/" + a
				}
				sb.WriteString(fmt.Sprintf("\nAliases: %s\n", strings.Join(aliases, ", ")))
			}
			if cmd.AdminOnly {
				sb.WriteString("\nAdmin only\n")
			}

			return &Result{
				Text:     sb.String(),
				Markdown: true,
			}, nil
		}

		byCategory := r.ListByCategory()
		categories := make([]string, 0, len(byCategory))
		for cat := range byCategory {
			categories = append(categories, cat)
		}
		sort.Strings(categories)

		var sb strings.Builder
		sb.WriteString("**Available Commands**\n\n")

		for _, category := range categories {
			commands := byCategory[category]
			if len(commands) == 0 {
				continue
			}

			sb.WriteString(fmt.Sprintf("**%s**\n", titleCase(category)))
			for _, cmd := range commands {
				desc := cmd.Description
				if desc == "" {
					desc = "No description"
				}
				sb.WriteString(fmt.Sprintf("  `/%s` - %s\n", cmd.Name, desc))
			}
			sb.WriteString("\n")
		}

		sb.WriteString("Use `/help <command>` for more details.")

		return &Result{
			Text:     sb.String(),
			Markdown: true,
		}, nil
	}
}

// titleCase converts the first letter to uppercase.
func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
