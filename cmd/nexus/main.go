// Package main provides the CLI entry point for the agent execution engine.
//
// main.go wires the cobra root command: serve boots the engine's HTTP
// surface, agents/events/sessions/costs/usage/config expose inspection
// subcommands, and service manages the optional systemd/launchd unit.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jcafeitosa/omni-agent/internal/profile"
)

var (
	version = "dev"
	commit  = "none"

	profileName string
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "nexus",
		Short:   "Agent execution engine",
		Version: fmt.Sprintf("%s (%s)", version, commit),
	}

	rootCmd.PersistentFlags().StringVar(&profileName, "profile", "",
		"Profile name (uses ~/.nexus/profiles/<name>.yaml; or set NEXUS_PROFILE)")

	rootCmd.AddCommand(
		buildServeCmd(),
		buildServiceCmd(),
		buildAgentsCmd(),
		buildEventsCmd(),
		buildSessionsCmd(),
		buildCostsCmd(),
		buildUsageCmd(),
		buildConfigCmd(),
	)

	return rootCmd
}

// resolveConfigPath applies --profile / NEXUS_PROFILE resolution on top of
// an explicit --config flag value, falling back to the default config path.
func resolveConfigPath(path string) string {
	activeProfile := strings.TrimSpace(profileName)
	if activeProfile == "" {
		activeProfile = strings.TrimSpace(os.Getenv("NEXUS_PROFILE"))
	}
	if activeProfile != "" {
		return profile.ProfileConfigPath(activeProfile)
	}
	if strings.TrimSpace(path) == "" || path == profile.DefaultConfigName {
		return profile.DefaultConfigPath()
	}
	return path
}
