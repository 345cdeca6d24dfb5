package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"moat/pkg/audit"
	"moat/pkg/config"
	"moat/pkg/engine"
	"moat/pkg/policy"
	"moat/pkg/protocol"
	"moat/pkg/state"
)

func newExerciseCmd() *cobra.Command {
	var (
		prompt string
		live   bool
	)

	cmd := &cobra.Command{
		Use:   "exercise",
		Short: "Drive a canned hook sequence through the mediator",
		Long:  "exercise runs a full conversation shape (prompt, tool pair, stop,\nsession end) through the mediation engine and prints each decision.\nBy default it forces mock mode so no credentials are needed; --live\nuses the configured policy API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _ := config.Load()
			if !live {
				cfg.MockMode = true
				cfg.DryRun = false
			}
			return runExercise(cmd, cfg, prompt)
		},
	}

	cmd.Flags().StringVar(&prompt, "prompt", "add 3 and 4", "user prompt for the canned sequence")
	cmd.Flags().BoolVar(&live, "live", false, "use the configured policy API instead of mock mode")
	return cmd
}

func runExercise(cmd *cobra.Command, cfg *config.Config, prompt string) error {
	sessionID := "exercise-" + uuid.NewString()[:8]

	transcriptPath, err := writeExerciseTranscript(prompt)
	if err != nil {
		return err
	}
	defer os.Remove(transcriptPath)

	db, err := state.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open state db: %w", err)
	}
	defer db.Close()

	log := zap.NewNop().Sugar()
	invocationID := uuid.NewString()
	auditLog := audit.NewWriter(cfg.LogPath, cfg.LogLocally)
	client := policy.NewClient(cfg, auditLog, log, invocationID)
	eng := engine.New(cfg, state.NewStore(db), client, auditLog,
		engine.DefaultClassifier(), log, nil, invocationID)

	steps := []map[string]any{
		{"hook_event_name": protocol.HookUserPromptSubmit, "session_id": sessionID, "prompt": prompt},
		{
			"hook_event_name": protocol.HookPreToolUse, "session_id": sessionID,
			"tool_name": "Bash", "tool_use_id": "exercise-t1",
			"tool_input": map[string]any{"command": "echo 7"},
		},
		{
			"hook_event_name": protocol.HookPostToolUse, "session_id": sessionID,
			"tool_name": "Bash", "tool_use_id": "exercise-t1", "tool_response": "7",
		},
		{"hook_event_name": protocol.HookStop, "session_id": sessionID, "transcript_path": transcriptPath},
		{"hook_event_name": protocol.HookSessionEnd, "session_id": sessionID},
	}

	ctx := context.Background()
	for _, step := range steps {
		tp, _ := step["transcript_path"].(string)
		env := &protocol.HookEnvelope{
			HookName:       step["hook_event_name"].(string),
			SessionID:      sessionID,
			TranscriptPath: tp,
			Data:           step,
		}
		decision := eng.Handle(ctx, env)
		out, _ := json.Marshal(decision)
		fmt.Fprintf(cmd.OutOrStdout(), "%-18s -> %s\n", env.HookName, out)
		if !decision.IsAllow() {
			fmt.Fprintln(cmd.OutOrStdout(), "sequence blocked; remaining steps skipped")
			break
		}
	}
	return nil
}

// writeExerciseTranscript produces a minimal two-record transcript: the user
// prompt and one assistant reply.
func writeExerciseTranscript(prompt string) (string, error) {
	dir, err := os.MkdirTemp("", "moat-exercise")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "transcript.jsonl")
	records := []map[string]any{
		{"type": "user", "message": map[string]any{"role": "user", "content": prompt}},
		{"type": "assistant", "message": map[string]any{"role": "assistant", "content": "7"}},
	}
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return "", err
		}
	}
	return path, nil
}
