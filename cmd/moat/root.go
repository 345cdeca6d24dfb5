package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"moat/internal/appversion"
)

// newRootCmd creates the root moat command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "moat",
		Short:         "Guardrail mediator tooling for coding-agent hook events",
		Long:          "moat inspects and operates the hook-event guardrail mediator.\nThe host runtime invokes moat-hook per event; this CLI covers everything else:\nstate inspection, audit log queries, cleanup, and local testing.",
		Version:       fmt.Sprintf("moat %s", appversion.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newStatusCmd(),
		newLogsCmd(),
		newCleanupCmd(),
		newMockServerCmd(),
		newExerciseCmd(),
	)

	return cmd
}
