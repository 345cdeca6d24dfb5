package main

import (
	"encoding/json"
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"moat/pkg/audit"
	"moat/pkg/config"
)

func newLogsCmd() *cobra.Command {
	var (
		sessionID string
		hookName  string
		result    string
		limit     int
		follow    bool
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query the local audit log",
		Long:  "logs reads the append-only audit log and prints matching records,\noldest first. With --follow it keeps watching the file for new records.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _ := config.Load()
			opts := audit.QueryOpts{
				SessionID: sessionID,
				HookName:  hookName,
				Result:    result,
				Limit:     limit,
			}

			records, err := audit.Query(cfg.LogPath, opts)
			if err != nil {
				return err
			}
			for _, rec := range records {
				printRecord(cmd, rec, asJSON)
			}
			if !follow {
				return nil
			}
			// followLog re-reads without the limit, so every matching record
			// counts as seen, not only the newest ones listed above.
			seen := len(records)
			if opts.Limit > 0 {
				all, err := audit.Query(cfg.LogPath, audit.QueryOpts{SessionID: sessionID, HookName: hookName, Result: result})
				if err != nil {
					return err
				}
				seen = len(all)
			}
			return followLog(cmd, cfg.LogPath, opts, seen, asJSON)
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "filter by session id")
	cmd.Flags().StringVar(&hookName, "hook", "", "filter by hook event name")
	cmd.Flags().StringVar(&result, "result", "", "filter by event_result (passed, blocked, ...)")
	cmd.Flags().IntVar(&limit, "limit", 50, "keep only the newest N records (0 = all)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "watch the log for new records")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON records")
	return cmd
}

// followLog re-queries the log whenever fsnotify reports a write and prints
// records beyond the last seen count. Runs until interrupted.
func followLog(cmd *cobra.Command, path string, opts audit.QueryOpts, seen int, asJSON bool) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	// Re-read everything while following; the limit applied to the initial
	// listing would hide records arriving later.
	opts.Limit = 0
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Write == 0 {
				continue
			}
			records, err := audit.Query(path, opts)
			if err != nil {
				return err
			}
			for _, rec := range records[min(seen, len(records)):] {
				printRecord(cmd, rec, asJSON)
			}
			seen = len(records)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watcher: %w", err)
		}
	}
}

func printRecord(cmd *cobra.Command, rec audit.Record, asJSON bool) {
	out := cmd.OutOrStdout()
	if asJSON {
		line, err := json.Marshal(rec)
		if err != nil {
			return
		}
		fmt.Fprintln(out, string(line))
		return
	}
	result := recordResult(rec)
	if result == "" {
		result = "-"
	}
	fmt.Fprintf(out, "%s  %-20s %-12s %s\n", rec.Timestamp, rec.HookName, result, rec.SessionID)
}

func recordResult(rec audit.Record) string {
	resp, ok := rec.Response.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := resp["event_result"].(string)
	return s
}
