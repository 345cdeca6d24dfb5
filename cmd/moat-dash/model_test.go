package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"moat/pkg/audit"
)

func testModel(t *testing.T, logPath string) model {
	t.Helper()
	m := newModel(logPath)
	t.Cleanup(func() {
		if m.watcher != nil {
			_ = m.watcher.Close()
		}
	})
	return m
}

func record(hook, result string) audit.Record {
	return audit.Record{
		Timestamp: "2026-01-01T00:00:00Z",
		HookName:  hook,
		SessionID: "s1",
		Response:  map[string]any{"event_result": result},
	}
}

func TestResultOf(t *testing.T) {
	if got := resultOf(record("Stop", "blocked")); got != "blocked" {
		t.Errorf("got %q", got)
	}
	if got := resultOf(audit.Record{Response: "not a map"}); got != "-" {
		t.Errorf("got %q", got)
	}
	if got := resultOf(audit.Record{Response: map[string]any{}}); got != "-" {
		t.Errorf("got %q", got)
	}
}

func TestFormatRecordCarriesFields(t *testing.T) {
	line := formatRecord(record("PreToolUse", "passed"))
	for _, want := range []string{"PreToolUse", "passed", "s1"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
}

func TestContentEmptyStates(t *testing.T) {
	m := testModel(t, filepath.Join(t.TempDir(), "nope.jsonl"))
	if got := m.content(); got != "no audit records yet" {
		t.Errorf("got %q", got)
	}
	m.records = []audit.Record{record("Stop", "passed")}
	if got := m.content(); !strings.Contains(got, "Stop") {
		t.Errorf("got %q", got)
	}
}

func TestMaybeReloadGatesOnSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	m := testModel(t, path)

	// Unknown size: first check reloads.
	if m.maybeReload() == nil {
		t.Fatal("initial maybeReload should schedule a read")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	m.lastSize = info.Size()
	if m.maybeReload() != nil {
		t.Error("unchanged file should not be re-read")
	}

	if err := os.WriteFile(path, []byte("{}\n{}\n"), 0o644); err != nil {
		t.Fatalf("append: %v", err)
	}
	if m.maybeReload() == nil {
		t.Error("grown file should schedule a read")
	}
}

func TestReloadReportsSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	w := audit.NewWriter(path, true)
	if err := w.Append("i1", "Stop", "s1", map[string]any{}, map[string]any{"event_result": "passed"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	msg, ok := reload(path)().(recordsMsg)
	if !ok {
		t.Fatal("reload did not produce a recordsMsg")
	}
	if msg.err != nil {
		t.Fatalf("reload err: %v", msg.err)
	}
	if len(msg.records) != 1 {
		t.Errorf("records = %d, want 1", len(msg.records))
	}
	if msg.size <= 0 {
		t.Errorf("size = %d, want > 0", msg.size)
	}
}

func TestAwaitChangeWithoutWatcher(t *testing.T) {
	m := model{logPath: "/nonexistent/events.jsonl"}
	if m.awaitChange() != nil {
		t.Error("nil watcher should disable change waiting")
	}
}
