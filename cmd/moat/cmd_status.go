package main

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"moat/pkg/config"
	"moat/pkg/state"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true)
	sessionStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	dimStyle     = lipgloss.NewStyle().Faint(true)
)

// styled reports whether output decoration is appropriate.
func styled() bool {
	return isatty.IsTerminal(os.Stdout.Fd())
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show open events, links, and cursors per session",
		Long:  "status opens the state database read-only and reports, per session,\nhow many INPUT events still await their OUTPUT, how many pairing links\nexist, and how many transcript cursors are tracked.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _ := config.Load()

			db, err := state.OpenReadOnly(cfg.DBPath)
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "no state database at %s\n", cfg.DBPath)
				return nil
			}
			defer db.Close()

			counts, err := state.NewStore(db).CountsBySession(context.Background())
			if err != nil {
				return fmt.Errorf("read state counts: %w", err)
			}
			if len(counts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "state is clean: no open events")
				return nil
			}

			out := cmd.OutOrStdout()
			header := fmt.Sprintf("%-40s %12s %8s %8s", "SESSION", "OPEN EVENTS", "LINKS", "CURSORS")
			if styled() {
				header = headerStyle.Render(header)
			}
			fmt.Fprintln(out, header)
			for _, c := range counts {
				session := c.SessionID
				if session == "" {
					session = "(none)"
				}
				if styled() {
					session = sessionStyle.Render(session)
				}
				fmt.Fprintf(out, "%-40s %12d %8d %8d\n", session, c.OpenEvents, c.Links, c.Cursors)
			}
			fmt.Fprintln(out, dimRender(fmt.Sprintf("state db: %s", cfg.DBPath)))
			return nil
		},
	}
}

func dimRender(s string) string {
	if styled() {
		return dimStyle.Render(s)
	}
	return s
}
