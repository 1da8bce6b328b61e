package main

import (
	"fmt"

	"github.com/jcafeitosa/omni-agent/internal/config"
	"github.com/spf13/cobra"
)

// =============================================================================
// Config Command Handler
// =============================================================================

// runConfigSchema writes the Config struct's JSON Schema to stdout.
func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return fmt.Errorf("failed to build config schema: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(append(schema, '\n'))
	return err
}
