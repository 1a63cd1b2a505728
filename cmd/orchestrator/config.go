package main

import (
	"github.com/spf13/cobra"

	"github.com/cuemby/stratoforge/pkg/log"

	"github.com/cuemby/stratoforge/internal/config"
)

// loadConfig reads the --config flag from the root command and loads the
// process-wide Config through it. Shared by every subcommand that touches
// the database or bus so the config file path is specified in one place.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		log.WithComponent("config").Error().Err(err).Msg("failed to load configuration")
		return nil, err
	}
	return cfg, nil
}
