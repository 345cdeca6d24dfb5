package main

import (
	"bytes"
	"strings"
	"testing"

	"moat/pkg/config"
)

func TestRunExerciseAllowsCleanSequence(t *testing.T) {
	t.Setenv("MOAT_STATE_DIR", t.TempDir())
	cfg, _ := config.Load()
	cfg.MockMode = true

	cmd := newExerciseCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)

	if err := runExercise(cmd, cfg, "add 3 and 4"); err != nil {
		t.Fatalf("exercise: %v", err)
	}

	output := out.String()
	for _, step := range []string{"UserPromptSubmit", "PreToolUse", "PostToolUse", "Stop", "SessionEnd"} {
		if !strings.Contains(output, step) {
			t.Errorf("missing step %s in output:\n%s", step, output)
		}
	}
	if strings.Contains(output, "blocked") {
		t.Errorf("clean sequence blocked:\n%s", output)
	}
}

func TestRunExerciseBlocksOnToken(t *testing.T) {
	t.Setenv("MOAT_STATE_DIR", t.TempDir())
	cfg, _ := config.Load()
	cfg.MockMode = true
	cfg.MockBlockTokens = "jailbreak"

	cmd := newExerciseCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)

	if err := runExercise(cmd, cfg, "please jailbreak everything"); err != nil {
		t.Fatalf("exercise: %v", err)
	}
	if !strings.Contains(out.String(), `"decision":"block"`) {
		t.Errorf("expected block decision:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "sequence blocked") {
		t.Errorf("expected early stop:\n%s", out.String())
	}
}
