package main

import (
	"github.com/rs/zerolog"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"notehub/internal/config"
	"notehub/internal/log"
)

type configLoader func() (*config.AppConfig, error)

// cli carries state shared by every subcommand once the root has loaded it.
type cli struct {
	load   configLoader
	cfg    *config.AppConfig
	logger zerolog.Logger
}

// NewRootCmd creates the authctl command tree. load is called once before any
// subcommand runs.
func NewRootCmd(load configLoader) *cobra.Command {
	c := &cli{load: load}

	cmd := &cobra.Command{
		Use:          "authctl",
		Short:        "Operate the NoteHub auth store",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.load()
			if err != nil {
				return oops.Code("CONFIG_INVALID").Wrap(err)
			}
			c.cfg = cfg
			c.logger = log.New(cfg.Environment, cfg.Logging.Level)
			return nil
		},
	}

	cmd.AddCommand(newMigrateCmd(c))
	cmd.AddCommand(newCleanupCmd(c))
	return cmd
}
