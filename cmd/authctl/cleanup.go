package main

import (
	"sort"

	"github.com/spf13/cobra"

	"notehub/internal/app"
	"notehub/internal/notify"
	"notehub/internal/service"
)

func newCleanupCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:       "cleanup [sessions|reset-tokens|api-tokens]...",
		Short:     "Delete expired sessions, spent reset tokens and stale API tokens",
		Long:      "Runs the same deletes as the scheduled cleanup. With no arguments every target runs.",
		ValidArgs: service.AllCleanupTargets,
		Args:      cobra.OnlyValidArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			hasher := app.NewHasher(c.cfg.Security)
			store, closeStore, err := app.OpenStore(ctx, c.cfg, hasher, c.logger)
			if err != nil {
				return err
			}
			defer closeStore()

			svcs, err := app.NewServices(c.cfg, store, hasher, notify.NewLogDispatcher(c.logger), nil, c.logger)
			if err != nil {
				return err
			}

			removed, err := svcs.Maintenance.Run(ctx, args)
			targets := make([]string, 0, len(removed))
			for target := range removed {
				targets = append(targets, target)
			}
			sort.Strings(targets)
			for _, target := range targets {
				cmd.Printf("%s: %d removed\n", target, removed[target])
			}
			return err
		},
	}
}
