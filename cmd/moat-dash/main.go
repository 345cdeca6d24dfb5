// Binary moat-dash is a live terminal viewer for the mediator's audit log.
// It tails the JSONL log, rendering one line per policy request with its
// verdict, and refreshes on file changes with a polling fallback.
package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"moat/pkg/config"
)

func main() {
	cfg, _ := config.Load()

	p := tea.NewProgram(newModel(cfg.LogPath), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "moat-dash: %v\n", err)
		os.Exit(1)
	}
}
