package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"moat/pkg/config"
	"moat/pkg/state"
)

func newCleanupCmd() *cobra.Command {
	var (
		sessionID string
		ttl       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Prune stale state rows or clear one session",
		Long:  "cleanup removes open events, links, and cursors past the TTL.\nWith --session it instead drains that session's rows entirely,\nregardless of age. The policy API is not called; use this only for\nstate the mediator can no longer close itself.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _ := config.Load()

			db, err := state.Open(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open state db: %w", err)
			}
			defer db.Close()

			store := state.NewStore(db)
			ctx := context.Background()

			if sessionID != "" {
				events, err := store.DrainSession(ctx, sessionID)
				if err != nil {
					return err
				}
				if err := store.ClearCursors(ctx, sessionID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cleared session %s: %d open events dropped\n", sessionID, len(events))
				return nil
			}

			if err := store.PruneStale(ctx, ttl); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned state rows older than %s\n", ttl)
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "drain this session instead of TTL pruning")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*time.Minute, "age threshold for pruning")
	return cmd
}
