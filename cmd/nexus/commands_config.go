package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Config Command
// =============================================================================

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration file schema",
	}
	cmd.AddCommand(buildConfigSchemaCmd())
	return cmd
}

// buildConfigSchemaCmd creates the "config schema" command, which prints
// the JSON Schema config.yaml is validated against.
func buildConfigSchemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema for config.yaml",
		Long: `Print the JSON Schema derived from the Config struct's yaml tags, the
same schema editor tooling can use for completion and validation.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}
	return cmd
}
